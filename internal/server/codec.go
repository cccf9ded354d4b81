package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"

	"github.com/unioslo/spine/internal/session"
)

const maxBodyBytes = 1 << 20

// codec reads and writes JSON in a session's character encoding.
type codec struct {
	enc  encoding.Encoding
	name string
}

var utf8Codec = codec{enc: unicode.UTF8, name: "UTF-8"}

func codecFor(s *session.Session) codec {
	if s == nil {
		return utf8Codec
	}
	enc, name, err := session.LookupEncoding(s.Encoding())
	if err != nil {
		return utf8Codec
	}
	return codec{enc: enc, name: name}
}

// decode reads a JSON body into dst. Numbers are kept as json.Number so
// integer attributes survive unchanged.
func (c codec) decode(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	dec := json.NewDecoder(c.enc.NewDecoder().Reader(body))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", ErrBadRequest, err)
	}
	return nil
}

// write sends v as JSON. Characters the encoding cannot represent are
// replaced rather than failing the response.
func (c codec) write(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	out, err := encoding.ReplaceUnsupported(c.enc.NewEncoder()).Bytes(buf.Bytes())
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset="+c.name)
	w.WriteHeader(status)
	_, _ = w.Write(out)
}

// fail writes err as an ErrorResponse with its mapped status.
func (c codec) fail(w http.ResponseWriter, err error) {
	status, code := classify(err)
	c.write(w, status, ErrorResponse{Error: code, Message: err.Error()})
}

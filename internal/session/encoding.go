package session

import (
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// LookupEncoding resolves an IANA charset name, matched case-insensitively,
// to its codec and canonical name. The MIME name is preferred where one is
// registered.
func LookupEncoding(name string) (encoding.Encoding, string, error) {
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil, "", &UnknownEncodingError{Name: name}
	}
	if canonical, err := ianaindex.MIME.Name(enc); err == nil && canonical != "" {
		return enc, canonical, nil
	}
	canonical, err := ianaindex.IANA.Name(enc)
	if err != nil {
		return nil, "", &UnknownEncodingError{Name: name}
	}
	return enc, canonical, nil
}

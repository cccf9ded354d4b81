// Package client is a Go client for the spine HTTP API.
//
// A Client carries one login session. Request bodies are sent in the
// session's current encoding and responses are decoded using the charset
// the server declares, so callers only ever see UTF-8 strings.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

// Client talks to a spine server on behalf of one session.
type Client struct {
	http    *http.Client
	baseURL string

	mu       sync.Mutex
	token    string
	encoding string
}

// ClientOptions configures client construction.
type ClientOptions struct {
	HTTPClient *http.Client
	Token      string
}

// ClientOption mutates ClientOptions.
type ClientOption func(*ClientOptions)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(opts *ClientOptions) {
		opts.HTTPClient = client
	}
}

// WithToken resumes an existing session by its bearer token. Call Session
// before sending bodies if the session may use a non-UTF-8 encoding.
func WithToken(token string) ClientOption {
	return func(opts *ClientOptions) {
		opts.Token = token
	}
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, optFns ...ClientOption) *Client {
	opts := ClientOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Client{
		http:     opts.HTTPClient,
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    opts.Token,
		encoding: "UTF-8",
	}
}

// Token returns the current bearer token, empty before Login.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Login opens a session and stores its token on the client. Login bodies
// are always UTF-8.
func (c *Client) Login(ctx context.Context, account, password string) (*Session, error) {
	c.setEncoding("UTF-8")
	var s Session
	if err := c.do(ctx, http.MethodPost, "/login", loginRequest{Account: account, Password: password}, &s); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.token = s.Token
	c.encoding = s.Encoding
	c.mu.Unlock()
	return &s, nil
}

// Logout ends the session. Open transactions are rolled back by the server.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/logout", nil, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return nil
}

// Session fetches the session's current state. It also counts as activity.
func (c *Client) Session(ctx context.Context) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodGet, "/session", nil, &s); err != nil {
		return nil, err
	}
	c.setEncoding(s.Encoding)
	return &s, nil
}

// SetEncoding switches the session's payload encoding.
func (c *Client) SetEncoding(ctx context.Context, name string) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPut, "/session/encoding", encodingRequest{Encoding: name}, &s); err != nil {
		return nil, err
	}
	c.setEncoding(s.Encoding)
	return &s, nil
}

// Begin opens a new transaction.
func (c *Client) Begin(ctx context.Context) (*Transaction, error) {
	var t Transaction
	if err := c.do(ctx, http.MethodPost, "/transactions", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Transactions lists the session's open transactions.
func (c *Client) Transactions(ctx context.Context) ([]Transaction, error) {
	var out []Transaction
	if err := c.do(ctx, http.MethodGet, "/transactions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Commit persists the transaction's changes and releases its locks.
func (c *Client) Commit(ctx context.Context, txnID string) (*Transaction, error) {
	return c.finish(ctx, txnID, "commit")
}

// Rollback discards the transaction's changes and releases its locks.
func (c *Client) Rollback(ctx context.Context, txnID string) (*Transaction, error) {
	return c.finish(ctx, txnID, "rollback")
}

func (c *Client) finish(ctx context.Context, txnID, op string) (*Transaction, error) {
	var t Transaction
	if err := c.do(ctx, http.MethodPost, txnPath(txnID)+"/"+op, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Entity returns a snapshot of every attribute of entity id.
func (c *Client) Entity(ctx context.Context, txnID string, id int64) (*Entity, error) {
	var e Entity
	if err := c.do(ctx, http.MethodGet, entityPath(txnID, id), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Attribute reads one attribute. Numbers decode as json.Number.
func (c *Client) Attribute(ctx context.Context, txnID string, id int64, name string) (any, error) {
	var a attribute
	if err := c.do(ctx, http.MethodGet, attrPath(txnID, id, name), nil, &a); err != nil {
		return nil, err
	}
	return a.Value, nil
}

// SetAttribute writes one attribute and returns the value as stored.
// The transaction must hold the write lock on the entity.
func (c *Client) SetAttribute(ctx context.Context, txnID string, id int64, name string, value any) (any, error) {
	var a attribute
	if err := c.do(ctx, http.MethodPut, attrPath(txnID, id, name), attribute{Value: value}, &a); err != nil {
		return nil, err
	}
	return a.Value, nil
}

// Lock reports who holds the entity's locks.
func (c *Client) Lock(ctx context.Context, txnID string, id int64) (*LockState, error) {
	var l LockState
	if err := c.do(ctx, http.MethodGet, entityPath(txnID, id)+"/lock", nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// AcquireLock takes a read or write lock for the transaction.
func (c *Client) AcquireLock(ctx context.Context, txnID string, id int64, mode LockMode) (*LockState, error) {
	var l LockState
	if err := c.do(ctx, http.MethodPost, entityPath(txnID, id)+"/lock", lockRequest{Mode: mode}, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// ReleaseLock drops whatever lock the transaction holds on the entity.
func (c *Client) ReleaseLock(ctx context.Context, txnID string, id int64) error {
	return c.do(ctx, http.MethodDelete, entityPath(txnID, id)+"/lock", nil, nil)
}

// Parents lists the entity's direct parents.
func (c *Client) Parents(ctx context.Context, txnID string, id int64) ([]EntityKey, error) {
	return c.keys(ctx, entityPath(txnID, id)+"/parents")
}

// Children lists the entity's direct children.
func (c *Client) Children(ctx context.Context, txnID string, id int64) ([]EntityKey, error) {
	return c.keys(ctx, entityPath(txnID, id)+"/children")
}

// Descendants lists every entity reachable below id.
func (c *Client) Descendants(ctx context.Context, txnID string, id int64) ([]EntityKey, error) {
	return c.keys(ctx, entityPath(txnID, id)+"/descendants")
}

func (c *Client) keys(ctx context.Context, path string) ([]EntityKey, error) {
	var resp keysResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

func (c *Client) setEncoding(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name != "" {
		c.encoding = name
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	c.mu.Lock()
	token, encName := c.token, c.encoding
	c.mu.Unlock()

	var reqBody io.Reader
	if body != nil {
		enc, err := lookup(encName)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		encoded, err := encoding.ReplaceUnsupported(enc.NewEncoder()).Bytes(raw)
		if err != nil {
			return fmt.Errorf("encode request as %s: %w", encName, err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset="+encName)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := readBody(resp)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
		var e errorResponse
		if json.Unmarshal(payload, &e) == nil && e.Error != "" {
			apiErr.Code, apiErr.Message = e.Error, e.Message
		}
		return apiErr
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// readBody returns the response body transcoded to UTF-8.
func readBody(resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || params["charset"] == "" {
		return raw, nil
	}
	enc, err := lookup(params["charset"])
	if err != nil {
		return nil, err
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", params["charset"], err)
	}
	return out, nil
}

func lookup(name string) (encoding.Encoding, error) {
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	if enc == nil {
		if strings.EqualFold(name, "utf-8") {
			return unicode.UTF8, nil
		}
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
	return enc, nil
}

func txnPath(txnID string) string {
	return "/transactions/" + url.PathEscape(txnID)
}

func entityPath(txnID string, id int64) string {
	return fmt.Sprintf("%s/entities/%d", txnPath(txnID), id)
}

func attrPath(txnID string, id int64, name string) string {
	return entityPath(txnID, id) + "/attributes/" + url.PathEscape(name)
}

package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/unioslo/spine/internal/entity"
	"github.com/unioslo/spine/internal/graph"
	"github.com/unioslo/spine/internal/lock"
	"github.com/unioslo/spine/internal/middleware"
	"github.com/unioslo/spine/internal/session"
	"github.com/unioslo/spine/internal/txn"
)

// Sessions is the session manager surface the handlers use.
type Sessions interface {
	middleware.SessionLookup
	Login(ctx context.Context, name, password string, client session.ClientInfo) (*session.Session, string, error)
}

// Handlers serves the session, transaction and entity routes.
type Handlers struct {
	sessions Sessions
	registry *graph.Registry
}

// NewHandlers creates the handler set.
func NewHandlers(sessions Sessions, registry *graph.Registry) *Handlers {
	return &Handlers{sessions: sessions, registry: registry}
}

type LoginRequest struct {
	Account  string `json:"account"`
	Password string `json:"password"`
}

type SessionResponse struct {
	ID             string   `json:"id"`
	Token          string   `json:"token,omitempty"`
	Account        string   `json:"account"`
	AccountID      int64    `json:"account_id"`
	Encoding       string   `json:"encoding"`
	TimeoutSeconds int64    `json:"timeout_seconds"`
	Transactions   []string `json:"transactions"`
}

type EncodingRequest struct {
	Encoding string `json:"encoding"`
}

type TransactionResponse struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Nodes  []entity.Key `json:"nodes,omitempty"`
}

type EntityResponse struct {
	Type       string        `json:"type"`
	ID         int64         `json:"id"`
	Attributes entity.Entity `json:"attributes"`
}

type AttributeResponse struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type AttributeRequest struct {
	Value any `json:"value"`
}

type LockRequest struct {
	Mode string `json:"mode"`
}

type LockResponse struct {
	Readers []lock.Holder `json:"readers"`
	Writer  lock.Holder   `json:"writer,omitempty"`
	Held    string        `json:"held,omitempty"`
}

type KeysResponse struct {
	Keys []entity.Key `json:"keys"`
}

func sessionResponse(s *session.Session) SessionResponse {
	p := s.Principal()
	resp := SessionResponse{
		ID:             s.ID(),
		Account:        p.Name,
		AccountID:      p.AccountID,
		Encoding:       s.Encoding(),
		TimeoutSeconds: int64(s.Timeout().Seconds()),
		Transactions:   []string{},
	}
	for _, t := range s.Transactions() {
		resp.Transactions = append(resp.Transactions, t.ID())
	}
	return resp
}

func transactionResponse(t *txn.Transaction) TransactionResponse {
	return TransactionResponse{ID: t.ID(), Status: t.Status().String(), Nodes: t.Refs()}
}

// Login handles POST /login. The body is always UTF-8.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := utf8Codec.decode(r, &req); err != nil {
		utf8Codec.fail(w, err)
		return
	}
	if req.Account == "" || req.Password == "" {
		utf8Codec.fail(w, fmt.Errorf("%w: account and password are required", ErrBadRequest))
		return
	}

	s, token, err := h.sessions.Login(r.Context(), req.Account, req.Password, session.ClientInfo{
		UserAgent: r.UserAgent(),
		IPAddress: r.RemoteAddr,
	})
	if err != nil {
		utf8Codec.fail(w, err)
		return
	}

	resp := sessionResponse(s)
	resp.Token = token
	utf8Codec.write(w, http.StatusCreated, resp)
}

// Logout handles POST /logout
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	s, c := fromRequest(r)
	if err := s.Logout(r.Context()); err != nil {
		c.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSession handles GET /session
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, c := fromRequest(r)
	c.write(w, http.StatusOK, sessionResponse(s))
}

// SetEncoding handles PUT /session/encoding. The request body is still read
// in the old encoding; the response uses the new one.
func (h *Handlers) SetEncoding(w http.ResponseWriter, r *http.Request) {
	s, c := fromRequest(r)
	var req EncodingRequest
	if err := c.decode(r, &req); err != nil {
		c.fail(w, err)
		return
	}
	if err := s.SetEncoding(r.Context(), req.Encoding); err != nil {
		c.fail(w, err)
		return
	}
	codecFor(s).write(w, http.StatusOK, sessionResponse(s))
}

// CreateTransaction handles POST /transactions
func (h *Handlers) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	s, c := fromRequest(r)
	t, err := s.NewTransaction()
	if err != nil {
		c.fail(w, err)
		return
	}
	c.write(w, http.StatusCreated, transactionResponse(t))
}

// ListTransactions handles GET /transactions
func (h *Handlers) ListTransactions(w http.ResponseWriter, r *http.Request) {
	s, c := fromRequest(r)
	out := []TransactionResponse{}
	for _, t := range s.Transactions() {
		out = append(out, transactionResponse(t))
	}
	c.write(w, http.StatusOK, out)
}

// Commit handles POST /transactions/{txn}/commit
func (h *Handlers) Commit(w http.ResponseWriter, r *http.Request) {
	t, c, ok := h.transaction(w, r)
	if !ok {
		return
	}
	if err := t.Commit(r.Context()); err != nil {
		c.fail(w, err)
		return
	}
	c.write(w, http.StatusOK, transactionResponse(t))
}

// Rollback handles POST /transactions/{txn}/rollback
func (h *Handlers) Rollback(w http.ResponseWriter, r *http.Request) {
	t, c, ok := h.transaction(w, r)
	if !ok {
		return
	}
	if err := t.Rollback(r.Context()); err != nil {
		c.fail(w, err)
		return
	}
	c.write(w, http.StatusOK, transactionResponse(t))
}

// GetEntity handles GET /transactions/{txn}/entities/{id}
func (h *Handlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	t, n, c, ok := h.node(w, r)
	if !ok {
		return
	}
	snap, err := n.Snapshot(r.Context(), t.Holder())
	if err != nil {
		c.fail(w, err)
		return
	}
	c.write(w, http.StatusOK, EntityResponse{Type: n.Key().Type, ID: n.Key().ID, Attributes: snap})
}

// GetAttribute handles GET /transactions/{txn}/entities/{id}/attributes/{attr}
func (h *Handlers) GetAttribute(w http.ResponseWriter, r *http.Request) {
	t, n, c, ok := h.node(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "attr")
	v, err := n.Get(r.Context(), t.Holder(), name)
	if err != nil {
		c.fail(w, err)
		return
	}
	c.write(w, http.StatusOK, AttributeResponse{Name: name, Value: entity.Encode(v)})
}

// SetAttribute handles PUT /transactions/{txn}/entities/{id}/attributes/{attr}
func (h *Handlers) SetAttribute(w http.ResponseWriter, r *http.Request) {
	t, n, c, ok := h.node(w, r)
	if !ok {
		return
	}
	var req AttributeRequest
	if err := c.decode(r, &req); err != nil {
		c.fail(w, err)
		return
	}
	name := chi.URLParam(r, "attr")
	if err := n.Set(r.Context(), t.Holder(), name, req.Value); err != nil {
		c.fail(w, err)
		return
	}
	v, err := n.Get(r.Context(), t.Holder(), name)
	if err != nil {
		c.fail(w, err)
		return
	}
	c.write(w, http.StatusOK, AttributeResponse{Name: name, Value: entity.Encode(v)})
}

// GetLock handles GET /transactions/{txn}/entities/{id}/lock
func (h *Handlers) GetLock(w http.ResponseWriter, r *http.Request) {
	t, n, c, ok := h.node(w, r)
	if !ok {
		return
	}
	c.write(w, http.StatusOK, lockResponse(t, n))
}

// AcquireLock handles POST /transactions/{txn}/entities/{id}/lock
func (h *Handlers) AcquireLock(w http.ResponseWriter, r *http.Request) {
	t, n, c, ok := h.node(w, r)
	if !ok {
		return
	}
	var req LockRequest
	if err := c.decode(r, &req); err != nil {
		c.fail(w, err)
		return
	}

	var err error
	switch req.Mode {
	case "read":
		err = n.LockForReading(t.Holder())
	case "write":
		err = n.LockForWriting(t.Holder())
	default:
		err = fmt.Errorf("%w: mode must be read or write", ErrBadRequest)
	}
	if err != nil {
		c.fail(w, err)
		return
	}
	c.write(w, http.StatusOK, lockResponse(t, n))
}

// ReleaseLock handles DELETE /transactions/{txn}/entities/{id}/lock
func (h *Handlers) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	t, n, c, ok := h.node(w, r)
	if !ok {
		return
	}
	if err := n.Unlock(t.Holder()); err != nil {
		c.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Parents handles GET /transactions/{txn}/entities/{id}/parents
func (h *Handlers) Parents(w http.ResponseWriter, r *http.Request) {
	_, n, c, ok := h.node(w, r)
	if !ok {
		return
	}
	keys, err := n.Parents(r.Context())
	h.writeKeys(w, c, keys, err)
}

// Children handles GET /transactions/{txn}/entities/{id}/children
func (h *Handlers) Children(w http.ResponseWriter, r *http.Request) {
	_, n, c, ok := h.node(w, r)
	if !ok {
		return
	}
	keys, err := n.Children(r.Context())
	h.writeKeys(w, c, keys, err)
}

// Descendants handles GET /transactions/{txn}/entities/{id}/descendants
func (h *Handlers) Descendants(w http.ResponseWriter, r *http.Request) {
	_, n, c, ok := h.node(w, r)
	if !ok {
		return
	}
	keys, err := h.registry.Descendants(r.Context(), n.Key())
	h.writeKeys(w, c, keys, err)
}

func (h *Handlers) writeKeys(w http.ResponseWriter, c codec, keys []entity.Key, err error) {
	if err != nil {
		c.fail(w, err)
		return
	}
	if keys == nil {
		keys = []entity.Key{}
	}
	c.write(w, http.StatusOK, KeysResponse{Keys: keys})
}

func lockResponse(t *txn.Transaction, n *graph.Node) LockResponse {
	resp := LockResponse{Readers: n.ReadLockers(), Writer: n.WriteLocker()}
	if resp.Readers == nil {
		resp.Readers = []lock.Holder{}
	}
	switch {
	case n.IsWriteLockedByMe(t.Holder()):
		resp.Held = "write"
	case n.IsReadLockedByMe(t.Holder()):
		resp.Held = "read"
	}
	return resp
}

// fromRequest returns the authenticated session and its codec. Routes using
// it are mounted behind RequireSession.
func fromRequest(r *http.Request) (*session.Session, codec) {
	s, _ := middleware.SessionFromContext(r.Context())
	return s, codecFor(s)
}

func (h *Handlers) transaction(w http.ResponseWriter, r *http.Request) (*txn.Transaction, codec, bool) {
	s, c := fromRequest(r)
	t, err := s.Transaction(chi.URLParam(r, "txn"))
	if err != nil {
		c.fail(w, err)
		return nil, c, false
	}
	return t, c, true
}

func (h *Handlers) node(w http.ResponseWriter, r *http.Request) (*txn.Transaction, *graph.Node, codec, bool) {
	t, c, ok := h.transaction(w, r)
	if !ok {
		return nil, nil, c, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		c.fail(w, fmt.Errorf("%w: entity id must be an integer", ErrBadRequest))
		return nil, nil, c, false
	}
	n, err := t.NodeByID(r.Context(), id)
	if err != nil {
		c.fail(w, err)
		return nil, nil, c, false
	}
	return t, n, c, true
}

package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/unioslo/spine/internal/auth"
	"github.com/unioslo/spine/internal/db/bunx"
	"github.com/unioslo/spine/internal/db/models"
	"github.com/unioslo/spine/internal/scheduler"
	"github.com/unioslo/spine/internal/txn"
)

// Session is an authenticated client. It owns the client's open
// transactions and is logged out after Timeout of inactivity.
type Session struct {
	id        string
	principal auth.Principal
	mgr       *Manager
	log       zerolog.Logger

	mu       sync.Mutex
	record   models.Session
	txns     map[string]*txn.Transaction
	lastSeen time.Time
	idle     *scheduler.Handle
	closed   bool
}

func (s *Session) ID() string { return s.id }

// Principal is the account that logged in.
func (s *Session) Principal() auth.Principal { return s.principal }

// Timeout is the idle duration after which the session is logged out.
func (s *Session) Timeout() time.Duration { return s.mgr.timeout }

// Encoding returns the canonical IANA name of the session's encoding.
func (s *Session) Encoding() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Encoding
}

// SetEncoding changes the charset used for this session's requests and
// responses.
func (s *Session) SetEncoding(ctx context.Context, name string) error {
	_, canonical, err := LookupEncoding(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.touchLocked()
	s.record.Encoding = canonical
	rec := s.record
	s.mu.Unlock()

	return s.mgr.repo.Touch(ctx, &rec)
}

// NewTransaction opens a transaction with a fresh time-ordered id.
func (s *Session) NewTransaction() (*txn.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.touchLocked()

	opts := append([]txn.Option{
		txn.WithFinishHook(s.forget),
		txn.WithLogger(s.log),
	}, s.mgr.txnOpts...)
	t := txn.New(bunx.NewUUIDv7(), s.mgr.registry, s.mgr.store, opts...)
	s.txns[t.ID()] = t
	return t, nil
}

// Transactions lists the open transactions, oldest first.
func (s *Session) Transactions() []*txn.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	out := make([]*txn.Transaction, 0, len(s.txns))
	for _, t := range s.txns {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Transaction returns the open transaction with the given id.
func (s *Session) Transaction(id string) (*txn.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	t, ok := s.txns[id]
	if !ok {
		return nil, &NoSuchTransactionError{ID: id}
	}
	return t, nil
}

// Touch records client activity, postponing idle logout.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
}

// Closed reports whether the session has been logged out.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Logout rolls back every open transaction and ends the session. It is safe
// to call more than once.
func (s *Session) Logout(ctx context.Context) error {
	return s.mgr.logout(ctx, s, "logout")
}

func (s *Session) touchLocked() {
	s.lastSeen = s.mgr.clock().Now()
}

// forget drops a finished transaction. Called by the transaction itself.
func (s *Session) forget(t *txn.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.txns, t.ID())
}

// close marks the session closed and hands back what is left to clean up.
func (s *Session) close() ([]*txn.Transaction, models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, s.record, false
	}
	s.closed = true
	if s.idle != nil {
		s.idle.Cancel()
		s.idle = nil
	}
	open := make([]*txn.Transaction, 0, len(s.txns))
	for _, t := range s.txns {
		open = append(open, t)
	}
	return open, s.record, true
}

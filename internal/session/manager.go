// Package session manages authenticated clients and their transactions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/unioslo/spine/internal/auth"
	"github.com/unioslo/spine/internal/db/bunx"
	"github.com/unioslo/spine/internal/db/models"
	"github.com/unioslo/spine/internal/graph"
	"github.com/unioslo/spine/internal/repository"
	"github.com/unioslo/spine/internal/scheduler"
	"github.com/unioslo/spine/internal/store"
	"github.com/unioslo/spine/internal/telemetry"
	"github.com/unioslo/spine/internal/txn"
)

// Authenticator checks login credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, name, password string) (*auth.Principal, error)
}

// ClientInfo describes where a login came from.
type ClientInfo struct {
	UserAgent string
	IPAddress string
}

// Manager creates sessions on login and finds them again by bearer token.
type Manager struct {
	auth            Authenticator
	repo            repository.SessionRepository
	registry        *graph.Registry
	store           store.Store
	sched           *scheduler.Scheduler
	timeout         time.Duration
	defaultEncoding string
	txnOpts         []txn.Option
	metrics         *telemetry.SessionMetrics
	log             zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // by token hash
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout sets the idle timeout. The default is 30 minutes.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithDefaultEncoding sets the encoding new sessions start with.
func WithDefaultEncoding(name string) Option {
	return func(m *Manager) { m.defaultEncoding = name }
}

// WithTxnOptions adds options applied to every transaction created.
func WithTxnOptions(opts ...txn.Option) Option {
	return func(m *Manager) { m.txnOpts = append(m.txnOpts, opts...) }
}

func WithMetrics(metrics *telemetry.SessionMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a Manager. Idle timers run on sched.
func NewManager(a Authenticator, repo repository.SessionRepository, reg *graph.Registry, st store.Store, sched *scheduler.Scheduler, opts ...Option) (*Manager, error) {
	m := &Manager{
		auth:            a,
		repo:            repo,
		registry:        reg,
		store:           st,
		sched:           sched,
		timeout:         30 * time.Minute,
		defaultEncoding: "utf-8",
		log:             zerolog.Nop(),
		sessions:        make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}

	_, canonical, err := LookupEncoding(m.defaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("default encoding: %w", err)
	}
	m.defaultEncoding = canonical
	if m.timeout <= 0 {
		return nil, errors.New("session timeout must be positive")
	}
	return m, nil
}

func (m *Manager) clock() clock.Clock { return m.sched.Clock() }

// Login authenticates the account and opens a session. The returned token
// is the only copy; just its hash is kept.
func (m *Manager) Login(ctx context.Context, name, password string, client ClientInfo) (*Session, string, error) {
	principal, err := m.auth.Authenticate(ctx, name, password)
	if err != nil {
		return nil, "", err
	}

	token, tokenHash, err := auth.GenerateBearerToken()
	if err != nil {
		return nil, "", err
	}

	now := m.clock().Now()
	s := &Session{
		id:        bunx.NewUUIDv7(),
		principal: *principal,
		mgr:       m,
		txns:      make(map[string]*txn.Transaction),
		lastSeen:  now,
	}
	s.log = m.log.With().Str("session", s.id).Str("account", principal.Name).Logger()
	s.record = models.Session{
		ID:         s.id,
		AccountID:  principal.AccountID,
		TokenHash:  tokenHash,
		Encoding:   m.defaultEncoding,
		ExpiresAt:  now.Add(m.timeout),
		CreatedAt:  now,
		LastUsedAt: now,
		UserAgent:  optional(client.UserAgent),
		IPAddress:  optional(client.IPAddress),
	}
	if err := m.repo.Create(ctx, &s.record); err != nil {
		return nil, "", err
	}

	m.mu.Lock()
	m.sessions[tokenHash] = s
	m.mu.Unlock()

	s.mu.Lock()
	s.idle = m.sched.Schedule(m.timeout, func() { m.checkIdle(s) })
	s.mu.Unlock()

	m.metrics.SessionOpened(ctx)
	s.log.Info().Msg("session opened")
	return s, token, nil
}

// Lookup returns the live session for a bearer token and records activity.
func (m *Manager) Lookup(token string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[auth.HashBearerToken(token)]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNoSession
	}
	s.Touch()
	return s, nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// DeleteExpired removes persisted records of sessions past their expiry.
func (m *Manager) DeleteExpired(ctx context.Context) (int64, error) {
	return m.repo.DeleteExpired(ctx, m.clock().Now())
}

// Close logs out every live session.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range live {
		if err := m.logout(ctx, s, "shutdown"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// checkIdle runs on the scheduler. It logs the session out if it has been
// idle for the full timeout, otherwise it re-arms for the remainder and
// extends the persisted expiry.
func (m *Manager) checkIdle(s *Session) {
	now := m.clock().Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	idle := now.Sub(s.lastSeen)
	if idle < m.timeout {
		s.idle = m.sched.Schedule(m.timeout-idle, func() { m.checkIdle(s) })
		s.record.LastUsedAt = s.lastSeen
		s.record.ExpiresAt = s.lastSeen.Add(m.timeout)
		rec := s.record
		s.mu.Unlock()

		if err := m.repo.Touch(context.Background(), &rec); err != nil {
			s.log.Warn().Err(err).Msg("failed to persist session activity")
		}
		return
	}
	s.mu.Unlock()

	if err := m.logout(context.Background(), s, "idle"); err != nil {
		s.log.Warn().Err(err).Msg("idle logout")
	}
}

func (m *Manager) logout(ctx context.Context, s *Session, cause string) error {
	open, rec, ok := s.close()
	if !ok {
		return nil
	}

	m.mu.Lock()
	delete(m.sessions, rec.TokenHash)
	m.mu.Unlock()

	var errs []error
	for _, t := range open {
		if err := t.Rollback(ctx); err != nil && !errors.Is(err, txn.ErrNotOpen) {
			errs = append(errs, err)
		}
	}
	if err := m.repo.Revoke(ctx, &rec); err != nil {
		errs = append(errs, err)
	}

	m.metrics.SessionClosed(ctx)
	s.log.Info().Str("cause", cause).Int("rolled_back", len(open)).Msg("session closed")
	return errors.Join(errs...)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

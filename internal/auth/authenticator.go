// Package auth checks account credentials and issues session tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/unioslo/spine/internal/db/models"
	"github.com/unioslo/spine/internal/repository"
	"github.com/unioslo/spine/internal/telemetry"
)

const failureCacheSize = 10000

// Accounts is the subset of repository.AccountRepository the authenticator reads.
type Accounts interface {
	GetByName(ctx context.Context, name string) (*models.Account, error)
	ActiveQuarantines(ctx context.Context, accountID int64, at time.Time) ([]models.Quarantine, error)
}

// Principal identifies an authenticated account.
type Principal struct {
	AccountID int64
	Name      string
}

// Authenticator verifies passwords and account status, throttling names
// with repeated failures.
type Authenticator struct {
	accounts    Accounts
	clock       clock.Clock
	maxFailures int
	failures    *expirable.LRU[string, int]
	metrics     *telemetry.SessionMetrics
	log         zerolog.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

func WithClock(c clock.Clock) Option {
	return func(a *Authenticator) { a.clock = c }
}

// WithThrottle refuses a name once it has failed limit times within window.
// A max of zero disables throttling.
func WithThrottle(limit int, window time.Duration) Option {
	return func(a *Authenticator) {
		a.maxFailures = limit
		a.failures = expirable.NewLRU[string, int](failureCacheSize, nil, window)
	}
}

func WithMetrics(m *telemetry.SessionMetrics) Option {
	return func(a *Authenticator) { a.metrics = m }
}

func WithLogger(log zerolog.Logger) Option {
	return func(a *Authenticator) { a.log = log }
}

// NewAuthenticator creates an Authenticator reading from accounts.
func NewAuthenticator(accounts Accounts, opts ...Option) *Authenticator {
	a := &Authenticator{
		accounts: accounts,
		clock:    clock.New(),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate checks name and password, then that the account has neither
// expired nor been quarantined. Every refusal is a *LoginError.
func (a *Authenticator) Authenticate(ctx context.Context, name, password string) (*Principal, error) {
	if a.throttled(name) {
		return nil, a.refuse(ctx, name, ReasonThrottled)
	}

	account, err := a.accounts.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, a.fail(ctx, name, ReasonBadCredentials)
		}
		return nil, fmt.Errorf("authenticate %q: %w", name, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, a.fail(ctx, name, ReasonBadCredentials)
	}

	now := a.clock.Now()
	if account.ExpireDate != nil && !now.Before(*account.ExpireDate) {
		return nil, a.refuse(ctx, name, ReasonExpired)
	}
	active, err := a.accounts.ActiveQuarantines(ctx, account.ID, now)
	if err != nil {
		return nil, fmt.Errorf("authenticate %q: %w", name, err)
	}
	if len(active) > 0 {
		return nil, a.refuse(ctx, name, ReasonQuarantined)
	}

	if a.failures != nil {
		a.failures.Remove(name)
	}
	a.log.Info().Str("account", name).Msg("login accepted")
	return &Principal{AccountID: account.ID, Name: account.Name}, nil
}

// HashPassword returns the bcrypt hash stored for new passwords.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func (a *Authenticator) throttled(name string) bool {
	if a.failures == nil || a.maxFailures <= 0 {
		return false
	}
	n, _ := a.failures.Get(name)
	return n >= a.maxFailures
}

// fail counts a credential failure against name.
func (a *Authenticator) fail(ctx context.Context, name string, reason Reason) error {
	if a.failures != nil {
		n, _ := a.failures.Get(name)
		a.failures.Add(name, n+1)
	}
	return a.refuse(ctx, name, reason)
}

func (a *Authenticator) refuse(ctx context.Context, name string, reason Reason) error {
	a.metrics.RecordLoginFailure(ctx, string(reason))
	a.log.Warn().Str("account", name).Str("reason", string(reason)).Msg("login refused")
	return &LoginError{Account: name, Reason: reason}
}

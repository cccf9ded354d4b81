// Package repository persists accounts and sessions.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/unioslo/spine/internal/db/models"
)

// ErrNotFound is returned when no matching row or key exists.
var ErrNotFound = errors.New("not found")

// AccountRepository exposes the account data needed for authentication and
// administration.
type AccountRepository interface {
	GetByName(ctx context.Context, name string) (*models.Account, error)
	Create(ctx context.Context, account *models.Account) error
	SetPasswordHash(ctx context.Context, id int64, hash string) error

	// Quarantines
	AddQuarantine(ctx context.Context, q *models.Quarantine) error
	ActiveQuarantines(ctx context.Context, accountID int64, at time.Time) ([]models.Quarantine, error)
}

// SessionRepository persists login sessions keyed by token hash.
type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error)
	Touch(ctx context.Context, session *models.Session) error
	Revoke(ctx context.Context, session *models.Session) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

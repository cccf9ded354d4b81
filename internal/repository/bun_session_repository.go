package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/unioslo/spine/internal/db/models"
)

// BunSessionRepository implements SessionRepository using Bun ORM
type BunSessionRepository struct {
	db *bun.DB
}

// NewBunSessionRepository creates a new Bun-based session repository
func NewBunSessionRepository(db *bun.DB) *BunSessionRepository {
	return &BunSessionRepository{db: db}
}

// Create inserts a new session
func (r *BunSessionRepository) Create(ctx context.Context, session *models.Session) error {
	_, err := r.db.NewInsert().
		Model(session).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetByTokenHash retrieves a live session by its token hash.
// Revoked sessions are reported as not found.
func (r *BunSessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error) {
	session := new(models.Session)
	err := r.db.NewSelect().
		Model(session).
		Where("token_hash = ?", tokenHash).
		Where("revoked = ?", false).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("get session by token: %w", err)
	}
	return session, nil
}

// Touch stores the session's activity, expiry and encoding
func (r *BunSessionRepository) Touch(ctx context.Context, session *models.Session) error {
	_, err := r.db.NewUpdate().
		Model(session).
		Column("last_used_at", "expires_at", "encoding").
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Revoke marks a session as revoked
func (r *BunSessionRepository) Revoke(ctx context.Context, session *models.Session) error {
	_, err := r.db.NewUpdate().
		Model((*models.Session)(nil)).
		Set("revoked = ?", true).
		Where("id = ?", session.ID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// DeleteExpired deletes sessions that expired before now and returns how
// many were removed. Run periodically by the cleanup job.
func (r *BunSessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.NewDelete().
		Model((*models.Session)(nil)).
		Where("expires_at < ?", now).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return n, nil
}

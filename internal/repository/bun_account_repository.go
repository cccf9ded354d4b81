package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/unioslo/spine/internal/db/models"
	"github.com/unioslo/spine/internal/entity"
)

// BunAccountRepository implements AccountRepository using Bun ORM
type BunAccountRepository struct {
	db *bun.DB
}

// NewBunAccountRepository creates a new Bun-based account repository
func NewBunAccountRepository(db *bun.DB) *BunAccountRepository {
	return &BunAccountRepository{db: db}
}

// GetByName retrieves an account by its unique name
func (r *BunAccountRepository) GetByName(ctx context.Context, name string) (*models.Account, error) {
	account := new(models.Account)
	err := r.db.NewSelect().
		Model(account).
		Where("name = ?", name).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

// Create registers a new entity id and inserts the account row with it.
// account.ID is set on success.
func (r *BunAccountRepository) Create(ctx context.Context, account *models.Account) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		ent := &models.Entity{EntityType: entity.CodeAccount}
		if _, err := tx.NewInsert().Model(ent).Returning("id").Exec(ctx); err != nil {
			return fmt.Errorf("create entity: %w", err)
		}
		account.ID = ent.ID
		if _, err := tx.NewInsert().Model(account).Exec(ctx); err != nil {
			return fmt.Errorf("create account: %w", err)
		}
		return nil
	})
}

// SetPasswordHash replaces the stored bcrypt hash
func (r *BunAccountRepository) SetPasswordHash(ctx context.Context, id int64, hash string) error {
	res, err := r.db.NewUpdate().
		Model((*models.Account)(nil)).
		Set("password_hash = ?", hash).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	return nil
}

// AddQuarantine inserts a quarantine for an account
func (r *BunAccountRepository) AddQuarantine(ctx context.Context, q *models.Quarantine) error {
	_, err := r.db.NewInsert().
		Model(q).
		Returning("id").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("add quarantine: %w", err)
	}
	return nil
}

// ActiveQuarantines returns the quarantines in effect at the given time
func (r *BunAccountRepository) ActiveQuarantines(ctx context.Context, accountID int64, at time.Time) ([]models.Quarantine, error) {
	var all []models.Quarantine
	err := r.db.NewSelect().
		Model(&all).
		Where("account_id = ?", accountID).
		Order("start_date").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list quarantines: %w", err)
	}

	active := all[:0]
	for _, q := range all {
		if q.ActiveAt(at) {
			active = append(active, q)
		}
	}
	return active, nil
}

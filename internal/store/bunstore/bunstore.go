// Package bunstore is the SQL backing store, built on bun. It works against
// PostgreSQL and SQLite alike.
package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"

	"github.com/unioslo/spine/internal/db/models"
	"github.com/unioslo/spine/internal/entity"
	"github.com/unioslo/spine/internal/store"
)

// Store implements store.Store over the entity tables.
type Store struct {
	db  *bun.DB
	log zerolog.Logger
}

// New creates a Store on db.
func New(db *bun.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log}
}

func (s *Store) Find(ctx context.Context, key entity.Key) (store.Record, error) {
	kind, err := entity.Lookup(key.Type)
	if err != nil {
		return nil, err
	}

	rec := make(map[string]any)
	err = s.db.NewSelect().
		TableExpr("?", bun.Ident(kind.Table)).
		Column(kind.Columns()...).
		Where("id = ?", key.ID).
		Limit(1).
		Scan(ctx, &rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("find %s: %w", key, store.ErrNotFound)
		}
		return nil, fmt.Errorf("find %s: %w", key, err)
	}
	return store.Record(rec), nil
}

func (s *Store) ResolveType(ctx context.Context, id int64) (string, error) {
	var code string
	err := s.db.NewSelect().
		Model((*models.Entity)(nil)).
		Column("entity_type").
		Where("id = ?", id).
		Scan(ctx, &code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("resolve entity %d: %w", id, store.ErrNotFound)
		}
		return "", fmt.Errorf("resolve entity %d: %w", id, err)
	}
	return code, nil
}

// edge is one adjacent entity as returned by the relation queries.
type edge struct {
	ID   int64  `bun:"id"`
	Type string `bun:"entity_type"`
}

func (s *Store) Relations(ctx context.Context, key entity.Key) (store.Relations, error) {
	if _, err := s.ResolveType(ctx, key.ID); err != nil {
		return store.Relations{}, fmt.Errorf("relations of %s: %w", key, err)
	}

	var rel store.Relations
	add := func(dst *[]entity.Key, query string, args ...any) error {
		var edges []edge
		if err := s.db.NewRaw(query, args...).Scan(ctx, &edges); err != nil {
			return fmt.Errorf("relations of %s: %w", key, err)
		}
		for _, e := range edges {
			*dst = append(*dst, entity.Key{Type: e.Type, ID: e.ID})
		}
		return nil
	}

	// Every kind can be a group member.
	if err := add(&rel.Parents, `
		SELECT gm.group_id AS id, ent.entity_type
		FROM group_members AS gm
		JOIN entities AS ent ON ent.id = gm.group_id
		WHERE gm.member_id = ?
		ORDER BY gm.group_id`, key.ID); err != nil {
		return rel, err
	}

	var err error
	switch key.Type {
	case entity.CodeAccount:
		err = add(&rel.Parents, `
			SELECT acc.owner_id AS id, ent.entity_type
			FROM accounts AS acc
			JOIN entities AS ent ON ent.id = acc.owner_id
			WHERE acc.id = ?`, key.ID)
	case entity.CodePerson:
		err = add(&rel.Children, `
			SELECT acc.id, ent.entity_type
			FROM accounts AS acc
			JOIN entities AS ent ON ent.id = acc.id
			WHERE acc.owner_id = ?
			ORDER BY acc.id`, key.ID)
	case entity.CodeGroup:
		err = add(&rel.Children, `
			SELECT gm.member_id AS id, ent.entity_type
			FROM group_members AS gm
			JOIN entities AS ent ON ent.id = gm.member_id
			WHERE gm.group_id = ?
			ORDER BY gm.member_id`, key.ID)
	case entity.CodeOU:
		err = add(&rel.Parents, `
			SELECT ou.parent_id AS id, ent.entity_type
			FROM ous AS ou
			JOIN entities AS ent ON ent.id = ou.parent_id
			WHERE ou.id = ?`, key.ID)
		if err == nil {
			err = add(&rel.Children, `
				SELECT ou.id, ent.entity_type
				FROM ous AS ou
				JOIN entities AS ent ON ent.id = ou.id
				WHERE ou.parent_id = ?
				ORDER BY ou.id`, key.ID)
		}
	}
	return rel, err
}

// Begin returns a unit of work. No database transaction is opened until
// Persist, so an idle client transaction never pins a connection.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	return &tx{s: s}, nil
}

type tx struct {
	s *Store
}

// Persist writes every change inside one database transaction.
func (t *tx) Persist(ctx context.Context, changes store.ChangeSet) error {
	return t.s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, dbtx bun.Tx) error {
		for _, c := range changes {
			if err := update(ctx, dbtx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

// Rollback has nothing to undo: Persist commits before it returns, and a
// failed Persist leaves the store untouched.
func (t *tx) Rollback(ctx context.Context) error {
	return nil
}

func update(ctx context.Context, db bun.IDB, c store.Change) error {
	kind, err := entity.Lookup(c.Key.Type)
	if err != nil {
		return err
	}
	values := make(map[string]any, len(c.Values))
	for col, v := range c.Values {
		values[col] = entity.Encode(v)
	}

	res, err := db.NewUpdate().
		Model(&values).
		TableExpr("?", bun.Ident(kind.Table)).
		Where("id = ?", c.Key.ID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update %s: %w", c.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", c.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s: %w", c.Key, store.ErrNotFound)
	}
	return nil
}

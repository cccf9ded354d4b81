// Package store defines the backing-store adapter the graph loads entities
// from and transactions persist changes through.
package store

import (
	"context"
	"errors"

	"github.com/unioslo/spine/internal/entity"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Record is the raw attribute set of one entity, keyed by column name.
type Record map[string]any

// Change holds the new values of one entity's modified attributes.
type Change struct {
	Key    entity.Key
	Values map[string]any
}

// ChangeSet is persisted atomically.
type ChangeSet []Change

// Relations are the keys adjacent to an entity in the graph.
type Relations struct {
	Parents  []entity.Key
	Children []entity.Key
}

// Store is implemented by every backing-store adapter.
type Store interface {
	// Find loads the raw attributes of key.
	Find(ctx context.Context, key entity.Key) (Record, error)

	// ResolveType returns the stored type code of the entity with this id.
	ResolveType(ctx context.Context, id int64) (string, error)

	// Relations returns the parents and children of key.
	Relations(ctx context.Context, key entity.Key) (Relations, error)

	// Begin starts a unit of work owned by one transaction.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one logical backing-store transaction.
type Tx interface {
	// Persist writes and commits changes as a single unit. On error nothing
	// was written and Persist may be called again.
	Persist(ctx context.Context, changes ChangeSet) error

	// Rollback discards anything Persist has not committed.
	Rollback(ctx context.Context) error
}

// Package memstore is an in-memory store.Store used by tests and demos.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/unioslo/spine/internal/entity"
	"github.com/unioslo/spine/internal/store"
)

// Store keeps records, type codes and edges in maps.
type Store struct {
	mu       sync.RWMutex
	records  map[entity.Key]store.Record
	edges    map[entity.Key]map[entity.Key]struct{} // parent -> children
	finds    map[entity.Key]int
	failNext []error
	commits  int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records: make(map[entity.Key]store.Record),
		edges:   make(map[entity.Key]map[entity.Key]struct{}),
		finds:   make(map[entity.Key]int),
	}
}

// Put stores a record, replacing any existing one. The id column is filled in.
func (s *Store) Put(key entity.Key, rec store.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := maps.Clone(rec)
	if cp == nil {
		cp = store.Record{}
	}
	cp["id"] = key.ID
	s.records[key] = cp
}

// Link adds a parent -> child edge.
func (s *Store) Link(parent, child entity.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.edges[parent] == nil {
		s.edges[parent] = make(map[entity.Key]struct{})
	}
	s.edges[parent][child] = struct{}{}
}

// FailNextPersist makes the next Persist calls return errs in order.
func (s *Store) FailNextPersist(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, errs...)
}

// Finds reports how many times key was loaded.
func (s *Store) Finds(key entity.Key) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finds[key]
}

// Commits reports how many change sets were persisted.
func (s *Store) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

// Get returns a copy of the stored record, bypassing load accounting.
func (s *Store) Get(key entity.Key) (store.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return maps.Clone(rec), ok
}

func (s *Store) Find(ctx context.Context, key entity.Key) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds[key]++
	rec, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("find %s: %w", key, store.ErrNotFound)
	}
	return maps.Clone(rec), nil
}

func (s *Store) ResolveType(ctx context.Context, id int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key := range s.records {
		if key.ID == id {
			return key.Type, nil
		}
	}
	return "", fmt.Errorf("resolve entity %d: %w", id, store.ErrNotFound)
}

func (s *Store) Relations(ctx context.Context, key entity.Key) (store.Relations, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.records[key]; !ok {
		return store.Relations{}, fmt.Errorf("relations of %s: %w", key, store.ErrNotFound)
	}
	var rel store.Relations
	for child := range s.edges[key] {
		rel.Children = append(rel.Children, child)
	}
	for parent, children := range s.edges {
		if _, ok := children[key]; ok {
			rel.Parents = append(rel.Parents, parent)
		}
	}
	sortKeys(rel.Children)
	sortKeys(rel.Parents)
	return rel, nil
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	return &tx{s: s}, nil
}

type tx struct {
	s *Store
}

// Persist applies every change or none.
func (t *tx) Persist(ctx context.Context, changes store.ChangeSet) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		return err
	}
	for _, c := range changes {
		if _, ok := s.records[c.Key]; !ok {
			return fmt.Errorf("persist %s: %w", c.Key, store.ErrNotFound)
		}
	}
	for _, c := range changes {
		rec := s.records[c.Key]
		for col, v := range c.Values {
			rec[col] = v
		}
	}
	s.commits++
	return nil
}

// Rollback has nothing to undo: Persist commits before it returns, and a
// failed Persist leaves the store untouched.
func (t *tx) Rollback(ctx context.Context) error {
	return nil
}

func sortKeys(keys []entity.Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].ID < keys[j].ID
	})
}

package graph

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/unioslo/spine/internal/entity"
	"github.com/unioslo/spine/internal/lock"
	"github.com/unioslo/spine/internal/store"
)

// maxLoadAttempts bounds retries when a node is invalidated between loading
// and reading it.
const maxLoadAttempts = 3

var errUnloaded = errors.New("node not loaded")

// Node is the in-memory representative of one entity. Attributes load lazily
// on first access; edits stay on the node until the writing transaction
// commits or rolls back.
type Node struct {
	key  entity.Key
	kind *entity.Kind
	reg  *Registry
	lock *lock.Lock
	refs int // guarded by reg.mu

	mu    sync.Mutex
	attrs map[string]any // nil while unloaded
	dirty map[string]struct{}
	gen   uint64
	rel   *store.Relations
}

func (n *Node) Key() entity.Key    { return n.key }
func (n *Node) Kind() *entity.Kind { return n.kind }
func (n *Node) Lock() *lock.Lock   { return n.lock }
func (n *Node) String() string     { return n.key.String() }

// Loaded reports whether attribute values are in memory.
func (n *Node) Loaded() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attrs != nil
}

// Dirty reports whether the node carries uncommitted edits.
func (n *Node) Dirty() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.dirty) > 0
}

// Invalidate discards loaded attributes and edits; the next access reloads.
func (n *Node) Invalidate() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attrs = nil
	n.dirty = nil
	n.rel = nil
	n.gen++
}

// Get returns one attribute, taking a read lock for h if it holds none.
func (n *Node) Get(ctx context.Context, h lock.Holder, attr string) (any, error) {
	if _, err := n.kind.Attribute(attr); err != nil {
		return nil, err
	}
	if err := n.lock.LockForReading(h); err != nil {
		return nil, err
	}

	var v any
	err := n.access(ctx, h, func(attrs map[string]any) { v = attrs[attr] })
	return v, err
}

// Snapshot returns all attributes as a typed entity, taking a read lock for h
// if it holds none.
func (n *Node) Snapshot(ctx context.Context, h lock.Holder) (entity.Entity, error) {
	if err := n.lock.LockForReading(h); err != nil {
		return nil, err
	}

	var attrs map[string]any
	if err := n.access(ctx, h, func(a map[string]any) { attrs = maps.Clone(a) }); err != nil {
		return nil, err
	}
	return entity.Build(n.kind.Code, attrs)
}

// Set changes one attribute. h must hold the write lock.
func (n *Node) Set(ctx context.Context, h lock.Holder, attr string, value any) error {
	v, err := n.kind.Normalize(attr, value)
	if err != nil {
		return err
	}
	if err := n.lock.WithWriteLock(h, func() error { return nil }); err != nil {
		return err
	}

	for attempt := 0; attempt < maxLoadAttempts; attempt++ {
		if err := n.ensureLoaded(ctx); err != nil {
			return err
		}
		err := n.lock.WithWriteLock(h, func() error {
			n.mu.Lock()
			defer n.mu.Unlock()
			if n.attrs == nil {
				return errUnloaded
			}
			n.attrs[attr] = v
			if n.dirty == nil {
				n.dirty = make(map[string]struct{})
			}
			n.dirty[attr] = struct{}{}
			return nil
		})
		if !errors.Is(err, errUnloaded) {
			return err
		}
	}
	return fmt.Errorf("set %s.%s: node invalidated while loading", n.key, attr)
}

func (n *Node) LockForReading(h lock.Holder) error { return n.lock.LockForReading(h) }
func (n *Node) LockForWriting(h lock.Holder) error { return n.lock.LockForWriting(h) }

// Unlock releases h's lock. Edits made under a write lock that were never
// committed are discarded.
func (n *Node) Unlock(h lock.Holder) error {
	return n.lock.UnlockWith(h, func(mode lock.Mode) {
		if mode == lock.Write && n.Dirty() {
			n.Invalidate()
		}
	})
}

// Pin keeps h's write lock from expiring while its edits are persisted.
func (n *Node) Pin(h lock.Holder) error { return n.lock.Pin(h) }
func (n *Node) Unpin(h lock.Holder)     { n.lock.Unpin(h) }

func (n *Node) IsReadLockedByMe(h lock.Holder) bool     { return n.lock.IsReadLockedByMe(h) }
func (n *Node) IsReadLockedByOther(h lock.Holder) bool  { return n.lock.IsReadLockedByOther(h) }
func (n *Node) IsWriteLockedByMe(h lock.Holder) bool    { return n.lock.IsWriteLockedByMe(h) }
func (n *Node) IsWriteLockedByOther(h lock.Holder) bool { return n.lock.IsWriteLockedByOther(h) }
func (n *Node) ReadLockers() []lock.Holder              { return n.lock.ReadLockers() }
func (n *Node) WriteLocker() lock.Holder                { return n.lock.WriteLocker() }

// PendingChange returns h's uncommitted edits, or nil when there are none or
// h never locked the node. An expired lease is reported as an error.
func (n *Node) PendingChange(h lock.Holder) (*store.Change, error) {
	var change *store.Change
	err := n.lock.WithAccess(h, func(mode lock.Mode) error {
		if mode != lock.Write {
			return nil
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.attrs == nil || len(n.dirty) == 0 {
			return nil
		}
		values := make(map[string]any, len(n.dirty))
		for name := range n.dirty {
			values[name] = n.attrs[name]
		}
		change = &store.Change{Key: n.key, Values: values}
		return nil
	})
	var notLocked *lock.NotLockedError
	if errors.As(err, &notLocked) {
		return nil, nil
	}
	return change, err
}

// Committed marks h's edits as persisted and releases its lock.
func (n *Node) Committed(h lock.Holder) error {
	return n.lock.UnlockWith(h, func(mode lock.Mode) {
		if mode == lock.Write {
			n.mu.Lock()
			n.dirty = nil
			n.mu.Unlock()
		}
	})
}

// RolledBack releases h's lock, discarding loaded state if h was the writer.
func (n *Node) RolledBack(h lock.Holder) error {
	return n.lock.UnlockWith(h, func(mode lock.Mode) {
		if mode == lock.Write {
			n.Invalidate()
		}
	})
}

// Parents returns the keys of entities this node belongs to.
func (n *Node) Parents(ctx context.Context) ([]entity.Key, error) {
	rel, err := n.relations(ctx)
	return rel.Parents, err
}

// Children returns the keys of entities that belong to this node.
func (n *Node) Children(ctx context.Context) ([]entity.Key, error) {
	rel, err := n.relations(ctx)
	return rel.Children, err
}

func (n *Node) relations(ctx context.Context) (store.Relations, error) {
	n.mu.Lock()
	if n.rel != nil {
		rel := *n.rel
		n.mu.Unlock()
		return rel, nil
	}
	n.mu.Unlock()

	rel, err := n.reg.store.Relations(ctx, n.key)
	if err != nil {
		return store.Relations{}, fmt.Errorf("load relations of %s: %w", n.key, err)
	}

	n.mu.Lock()
	n.rel = &rel
	n.mu.Unlock()
	return rel, nil
}

// access runs fn on the loaded attributes while h holds a lock, reloading if
// the node is invalidated in between.
func (n *Node) access(ctx context.Context, h lock.Holder, fn func(attrs map[string]any)) error {
	for attempt := 0; attempt < maxLoadAttempts; attempt++ {
		if err := n.ensureLoaded(ctx); err != nil {
			return err
		}
		err := n.lock.WithAccess(h, func(lock.Mode) error {
			n.mu.Lock()
			defer n.mu.Unlock()
			if n.attrs == nil {
				return errUnloaded
			}
			fn(n.attrs)
			return nil
		})
		if !errors.Is(err, errUnloaded) {
			return err
		}
	}
	return fmt.Errorf("read %s: node invalidated while loading", n.key)
}

// ensureLoaded fills the attribute slots from the backing store. Concurrent
// callers share a single Find, which outlives any one caller's cancellation.
func (n *Node) ensureLoaded(ctx context.Context) error {
	n.mu.Lock()
	if n.attrs != nil {
		n.mu.Unlock()
		return nil
	}
	gen := n.gen
	n.mu.Unlock()

	// Keyed by node so a reclaimed node never shares a load with its successor.
	key := fmt.Sprintf("%s@%p", n.key, n)
	loadCtx := context.WithoutCancel(ctx)
	ch := n.reg.loads.DoChan(key, func() (any, error) {
		if n.Loaded() {
			return nil, nil
		}
		rec, err := n.reg.store.Find(loadCtx, n.key)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", n.key, err)
		}
		attrs, err := n.kind.Decode(rec)
		if err != nil {
			return nil, err
		}

		n.mu.Lock()
		defer n.mu.Unlock()
		if n.attrs == nil && n.gen == gen {
			n.attrs = attrs
		}
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

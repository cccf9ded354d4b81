// Package graph holds the identity cache: at most one in-memory Node per
// persisted entity, created on first reference and reclaimed when the last
// NodeRef to it is released.
package graph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/unioslo/spine/internal/entity"
	"github.com/unioslo/spine/internal/lock"
	"github.com/unioslo/spine/internal/scheduler"
	"github.com/unioslo/spine/internal/store"
	"github.com/unioslo/spine/internal/telemetry"
)

// Registry is the identity cache. One Registry is created at startup and
// shared by every session.
type Registry struct {
	store   store.Store
	sched   *scheduler.Scheduler
	lease   time.Duration
	metrics *telemetry.LockMetrics
	log     zerolog.Logger

	loads singleflight.Group

	mu    sync.Mutex
	nodes map[entity.Key]*Node
}

// Option configures a Registry.
type Option func(*Registry)

// WithLockMetrics attaches lock instruments to every node's lock.
func WithLockMetrics(m *telemetry.LockMetrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// NewRegistry creates an empty registry. Node locks lease for lease and
// expire through sched.
func NewRegistry(st store.Store, sched *scheduler.Scheduler, lease time.Duration, opts ...Option) *Registry {
	r := &Registry{
		store: st,
		sched: sched,
		lease: lease,
		log:   zerolog.Nop(),
		nodes: make(map[entity.Key]*Node),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns a reference to the node for key, creating and registering an
// unloaded node if none exists. The caller must Release the reference.
func (r *Registry) Get(key entity.Key) (*NodeRef, error) {
	kind, err := entity.Lookup(key.Type)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[key]
	if !ok {
		n = r.newNode(key, kind)
		r.nodes[key] = n
		r.log.Debug().Str("key", key.String()).Msg("node registered")
	}
	n.refs++
	return &NodeRef{node: n}, nil
}

// Resolve maps a bare entity id to its key using the stored type code.
func (r *Registry) Resolve(ctx context.Context, id int64) (entity.Key, error) {
	code, err := r.store.ResolveType(ctx, id)
	if err != nil {
		return entity.Key{}, fmt.Errorf("resolve entity %d: %w", id, err)
	}
	if _, err := entity.Lookup(code); err != nil {
		return entity.Key{}, err
	}
	return entity.Key{Type: code, ID: id}, nil
}

// GetByID is Resolve followed by Get.
func (r *Registry) GetByID(ctx context.Context, id int64) (*NodeRef, error) {
	key, err := r.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.Get(key)
}

// Lookup reports whether a node for key is registered. It takes no reference.
func (r *Registry) Lookup(key entity.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.nodes[key]
	return ok
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

func (r *Registry) release(n *Node) {
	r.mu.Lock()
	n.refs--
	reclaim := n.refs == 0
	if reclaim && r.nodes[n.key] == n {
		delete(r.nodes, n.key)
	}
	r.mu.Unlock()

	if reclaim {
		n.lock.Close()
		r.log.Debug().Str("key", n.key.String()).Msg("node reclaimed")
	}
}

func (r *Registry) newNode(key entity.Key, kind *entity.Kind) *Node {
	n := &Node{key: key, kind: kind, reg: r}
	n.lock = lock.New(key.String(), r.sched, r.lease,
		lock.WithExpireFunc(func(lock.Holder, lock.Mode) { n.Invalidate() }),
		lock.WithMetrics(r.metrics),
		lock.WithLogger(r.log),
	)
	return n
}

// NodeRef is one counted reference to a node.
type NodeRef struct {
	node     *Node
	released atomic.Bool
}

// Node returns the referenced node. It must not be used after Release.
func (ref *NodeRef) Node() *Node {
	return ref.node
}

// Key returns the node's key.
func (ref *NodeRef) Key() entity.Key {
	return ref.node.key
}

// Release drops the reference. Releasing twice is a no-op.
func (ref *NodeRef) Release() {
	if ref == nil || ref.released.Swap(true) {
		return
	}
	ref.node.reg.release(ref.node)
}

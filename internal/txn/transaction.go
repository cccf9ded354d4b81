// Package txn implements a client's unit of work over the shared graph.
//
// A Transaction owns the node references it touches and the locks taken in
// its name. Commit persists every edit made under its write locks as one
// backing-store commit; Rollback throws them away. Either ends it for good.
package txn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/unioslo/spine/internal/entity"
	"github.com/unioslo/spine/internal/graph"
	"github.com/unioslo/spine/internal/lock"
	"github.com/unioslo/spine/internal/store"
	"github.com/unioslo/spine/internal/telemetry"
)

// Status is the lifecycle state of a transaction.
type Status int

const (
	Open Status = iota
	Committed
	RolledBack
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Transaction is safe for concurrent use, though a client normally drives it
// from one request at a time.
type Transaction struct {
	id       string
	registry *graph.Registry
	store    store.Store
	metrics  *telemetry.TxnMetrics
	log      zerolog.Logger
	onFinish func(*Transaction)

	mu      sync.Mutex
	status  Status
	refs    map[entity.Key]*graph.NodeRef
	order   []entity.Key
	backend store.Tx
}

// Option configures a Transaction.
type Option func(*Transaction)

func WithMetrics(m *telemetry.TxnMetrics) Option {
	return func(t *Transaction) { t.metrics = m }
}

func WithLogger(log zerolog.Logger) Option {
	return func(t *Transaction) { t.log = log }
}

// WithFinishHook registers fn to run once the transaction commits or rolls back.
func WithFinishHook(fn func(*Transaction)) Option {
	return func(t *Transaction) { t.onFinish = fn }
}

// New creates an open transaction. id doubles as its lock holder.
func New(id string, reg *graph.Registry, st store.Store, opts ...Option) *Transaction {
	t := &Transaction{
		id:       id,
		registry: reg,
		store:    st,
		log:      zerolog.Nop(),
		refs:     make(map[entity.Key]*graph.NodeRef),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With().Str("txn", id).Logger()
	return t
}

func (t *Transaction) ID() string { return t.id }

// Holder is the lock holder used for every lock taken by this transaction.
func (t *Transaction) Holder() lock.Holder { return lock.Holder(t.id) }

func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Refs lists the keys of participating nodes in the order they joined.
func (t *Transaction) Refs() []entity.Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]entity.Key(nil), t.order...)
}

// AddRef makes the node participate in the transaction, which takes over the
// reference. Adding a node twice keeps a single reference.
func (t *Transaction) AddRef(ref *graph.NodeRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != Open {
		ref.Release()
		return t.errorf("add_ref", ErrNotOpen)
	}
	key := ref.Key()
	if _, ok := t.refs[key]; ok {
		ref.Release()
		return nil
	}
	t.refs[key] = ref
	t.order = append(t.order, key)
	return nil
}

// Node returns the node for key, adding it to the transaction.
func (t *Transaction) Node(ctx context.Context, key entity.Key) (*graph.Node, error) {
	t.mu.Lock()
	if t.status != Open {
		t.mu.Unlock()
		return nil, t.errorf("get", ErrNotOpen)
	}
	if ref, ok := t.refs[key]; ok {
		t.mu.Unlock()
		return ref.Node(), nil
	}
	t.mu.Unlock()

	ref, err := t.registry.Get(key)
	if err != nil {
		return nil, err
	}
	n := ref.Node()
	if err := t.AddRef(ref); err != nil {
		return nil, err
	}
	return n, nil
}

// NodeByID resolves id to its entity type and returns the node.
func (t *Transaction) NodeByID(ctx context.Context, id int64) (*graph.Node, error) {
	key, err := t.registry.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.Node(ctx, key)
}

// Commit persists every edit made under this transaction's write locks and
// releases all its locks. If persisting fails the transaction stays open with
// its locks held so the caller can retry or roll back.
func (t *Transaction) Commit(ctx context.Context) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "spine/txn", "txn.Commit", attribute.String("txn.id", t.id))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != Open {
		return t.errorf("commit", ErrNotOpen)
	}

	start := time.Now()
	pinned, err := t.pinWriteLocks()
	if err != nil {
		t.metrics.RecordCommit(ctx, msSince(start), err)
		return t.errorf("commit", err)
	}

	var changes store.ChangeSet
	for _, key := range t.order {
		change, err := t.refs[key].Node().PendingChange(t.Holder())
		if err != nil {
			t.unpin(pinned)
			t.metrics.RecordCommit(ctx, msSince(start), err)
			return t.errorf("commit", err)
		}
		if change != nil {
			changes = append(changes, *change)
		}
	}

	if len(changes) > 0 {
		backend, err := t.begin(ctx)
		if err == nil {
			err = backend.Persist(ctx, changes)
		}
		t.metrics.RecordCommit(ctx, msSince(start), err)
		if err != nil {
			t.unpin(pinned)
			t.log.Warn().Err(err).Int("changes", len(changes)).Msg("commit failed, locks kept")
			return t.errorf("commit", err)
		}
	} else {
		t.metrics.RecordCommit(ctx, msSince(start), nil)
	}

	for _, key := range t.order {
		if err := t.refs[key].Node().Committed(t.Holder()); err != nil && !isNotLocked(err) {
			t.log.Debug().Err(err).Str("key", key.String()).Msg("unlock after commit")
		}
	}
	t.finish(Committed)
	t.log.Info().Int("changes", len(changes)).Msg("committed")
	return nil
}

// Rollback discards the transaction's edits and releases its locks. Nodes it
// held write locks on are reloaded on next access.
func (t *Transaction) Rollback(ctx context.Context) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "spine/txn", "txn.Rollback", attribute.String("txn.id", t.id))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != Open {
		return t.errorf("rollback", ErrNotOpen)
	}

	var storeErr error
	if t.backend != nil {
		storeErr = t.backend.Rollback(ctx)
	}
	for _, key := range t.order {
		if err := t.refs[key].Node().RolledBack(t.Holder()); err != nil && !isNotLocked(err) {
			t.log.Debug().Err(err).Str("key", key.String()).Msg("unlock on rollback")
		}
	}
	t.finish(RolledBack)
	t.metrics.RecordRollback(ctx)
	t.log.Info().Msg("rolled back")

	if storeErr != nil {
		return t.errorf("rollback", storeErr)
	}
	return nil
}

// pinWriteLocks pins every write lock held by the transaction so no lease can
// run out while the changes are persisted. It fails if one already has.
func (t *Transaction) pinWriteLocks() ([]*graph.Node, error) {
	var pinned []*graph.Node
	for _, key := range t.order {
		n := t.refs[key].Node()
		err := n.Pin(t.Holder())
		var notLocked *lock.NotLockedError
		switch {
		case err == nil:
			pinned = append(pinned, n)
		case errors.As(err, &notLocked):
		default:
			t.unpin(pinned)
			return nil, err
		}
	}
	return pinned, nil
}

func (t *Transaction) unpin(nodes []*graph.Node) {
	for _, n := range nodes {
		n.Unpin(t.Holder())
	}
}

func (t *Transaction) begin(ctx context.Context) (store.Tx, error) {
	if t.backend != nil {
		return t.backend, nil
	}
	backend, err := t.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	t.backend = backend
	return backend, nil
}

// finish must be called with t.mu held.
func (t *Transaction) finish(status Status) {
	for _, key := range t.order {
		t.refs[key].Release()
	}
	t.refs = nil
	t.order = nil
	t.backend = nil
	t.status = status
	if t.onFinish != nil {
		t.onFinish(t)
	}
}

func (t *Transaction) errorf(op string, err error) error {
	return &TransactionError{ID: t.id, Op: op, Err: err}
}

func isNotLocked(err error) bool {
	var notLocked *lock.NotLockedError
	var expired *lock.LeaseExpiredError
	return errors.As(err, &notLocked) || errors.As(err, &expired)
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}

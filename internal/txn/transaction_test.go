package txn

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unioslo/spine/internal/entity"
	"github.com/unioslo/spine/internal/graph"
	"github.com/unioslo/spine/internal/lock"
	"github.com/unioslo/spine/internal/scheduler"
	"github.com/unioslo/spine/internal/store"
	"github.com/unioslo/spine/internal/store/memstore"
)

const lease = time.Minute

var (
	e42 = entity.Key{Type: entity.CodeAccount, ID: 42}
	e7  = entity.Key{Type: entity.CodeAccount, ID: 7}
)

type env struct {
	reg   *graph.Registry
	store *memstore.Store
	clk   *clock.Mock
	sched *scheduler.Scheduler
	seq   int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{store: memstore.New(), clk: clock.NewMock()}
	e.sched = scheduler.New(e.clk)
	e.reg = graph.NewRegistry(e.store, e.sched, lease)
	t.Cleanup(e.sched.Close)

	e.store.Put(e42, store.Record{"name": "alice", "create_date": "2020-01-01"})
	e.store.Put(e7, store.Record{"name": "bob", "create_date": "2020-01-01", "expire_date": "2030-01-01"})
	return e
}

func (e *env) begin(opts ...Option) *Transaction {
	e.seq++
	return New(fmt.Sprintf("tx-%d", e.seq), e.reg, e.store, opts...)
}

func storedName(t *testing.T, s *memstore.Store, key entity.Key) any {
	t.Helper()
	rec, ok := s.Get(key)
	require.True(t, ok)
	return rec["name"]
}

func TestCommit_PersistsAndReleases(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tx := e.begin()

	n, err := tx.Node(ctx, e7)
	require.NoError(t, err)
	require.NoError(t, n.LockForWriting(tx.Holder()))
	require.NoError(t, n.Set(ctx, tx.Holder(), "expire_date", "2031-06-30"))

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, Committed, tx.Status())
	assert.Equal(t, 1, e.store.Commits())

	rec, _ := e.store.Get(e7)
	assert.Equal(t, "2031-06-30", entity.Encode(rec["expire_date"]))

	// Locks and references are gone.
	assert.False(t, n.Lock().IsLocked())
	assert.Zero(t, e.reg.Len())

	// Another client sees the new value after a fresh load.
	other := e.begin()
	n2, err := other.Node(ctx, e7)
	require.NoError(t, err)
	v, err := n2.Get(ctx, other.Holder(), "expire_date")
	require.NoError(t, err)
	assert.Equal(t, "2031-06-30", entity.Encode(v))
	require.NoError(t, other.Rollback(ctx))
}

func TestCommit_NoChangesSkipsStore(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tx := e.begin()

	n, err := tx.Node(ctx, e42)
	require.NoError(t, err)
	_, err = n.Get(ctx, tx.Holder(), "name")
	require.NoError(t, err)

	require.NoError(t, tx.Commit(ctx))
	assert.Zero(t, e.store.Commits())
	assert.False(t, n.Lock().IsLocked())
}

func TestRollback_RestoresStoredValues(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tx := e.begin()

	n, err := tx.Node(ctx, e42)
	require.NoError(t, err)
	require.NoError(t, n.LockForWriting(tx.Holder()))
	require.NoError(t, n.Set(ctx, tx.Holder(), "name", "carol"))

	// Keep the node registered so the same in-memory node is reused.
	keep, err := e.reg.Get(e42)
	require.NoError(t, err)
	defer keep.Release()

	require.NoError(t, tx.Rollback(ctx))
	assert.Equal(t, RolledBack, tx.Status())
	assert.False(t, n.Loaded())

	reader := e.begin()
	n2, err := reader.Node(ctx, e42)
	require.NoError(t, err)
	assert.Same(t, n, n2)

	v, err := n2.Get(ctx, reader.Holder(), "name")
	require.NoError(t, err)
	assert.Equal(t, "alice", v)
	assert.Equal(t, 2, e.store.Finds(e42), "rolled back node reloads")
	require.NoError(t, reader.Rollback(ctx))
	assert.Equal(t, "alice", storedName(t, e.store, e42))
}

func TestRollback_ReaderKeepsCache(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tx := e.begin()

	n, err := tx.Node(ctx, e42)
	require.NoError(t, err)
	_, err = n.Get(ctx, tx.Holder(), "name")
	require.NoError(t, err)

	keep, err := e.reg.Get(e42)
	require.NoError(t, err)
	defer keep.Release()

	require.NoError(t, tx.Rollback(ctx))
	assert.True(t, n.Loaded())
	assert.False(t, n.Lock().IsLocked())
}

func TestTerminalTransactions(t *testing.T) {
	ops := map[string]func(context.Context, *Transaction) error{
		"commit":   func(ctx context.Context, tx *Transaction) error { return tx.Commit(ctx) },
		"rollback": func(ctx context.Context, tx *Transaction) error { return tx.Rollback(ctx) },
	}

	for finishName, finish := range ops {
		for againName, again := range ops {
			t.Run(finishName+" then "+againName, func(t *testing.T) {
				e := newEnv(t)
				ctx := context.Background()
				tx := e.begin()

				n, err := tx.Node(ctx, e42)
				require.NoError(t, err)
				require.NoError(t, n.LockForWriting(tx.Holder()))
				require.NoError(t, n.Set(ctx, tx.Holder(), "name", "carol"))
				require.NoError(t, finish(ctx, tx))

				commits := e.store.Commits()
				status := tx.Status()

				err = again(ctx, tx)
				var txErr *TransactionError
				require.ErrorAs(t, err, &txErr)
				assert.Equal(t, tx.ID(), txErr.ID)
				assert.ErrorIs(t, err, ErrNotOpen)

				assert.Equal(t, commits, e.store.Commits())
				assert.Equal(t, status, tx.Status())
			})
		}
	}
}

func TestAddRef_OnClosedTransaction(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tx := e.begin()
	require.NoError(t, tx.Rollback(ctx))

	ref, err := e.reg.Get(e42)
	require.NoError(t, err)
	err = tx.AddRef(ref)
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.False(t, e.reg.Lookup(e42), "rejected ref is released")

	_, err = tx.Node(ctx, e42)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestAddRef_Deduplicates(t *testing.T) {
	e := newEnv(t)
	tx := e.begin()

	a, err := e.reg.Get(e42)
	require.NoError(t, err)
	b, err := e.reg.Get(e42)
	require.NoError(t, err)

	require.NoError(t, tx.AddRef(a))
	require.NoError(t, tx.AddRef(b))
	assert.Equal(t, []entity.Key{e42}, tx.Refs())

	require.NoError(t, tx.Rollback(context.Background()))
	assert.False(t, e.reg.Lookup(e42))
}

func TestCommit_FailureKeepsLocks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tx := e.begin()

	n, err := tx.Node(ctx, e42)
	require.NoError(t, err)
	require.NoError(t, n.LockForWriting(tx.Holder()))
	require.NoError(t, n.Set(ctx, tx.Holder(), "name", "carol"))

	boom := errors.New("connection reset")
	e.store.FailNextPersist(boom)

	err = tx.Commit(ctx)
	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "commit", txErr.Op)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, Open, tx.Status())
	assert.True(t, n.IsWriteLockedByMe(tx.Holder()))
	assert.True(t, n.Dirty())
	assert.Equal(t, "alice", storedName(t, e.store, e42))

	// Retrying succeeds.
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, "carol", storedName(t, e.store, e42))
}

func TestCommit_FailureThenRollback(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tx := e.begin()

	n, err := tx.Node(ctx, e42)
	require.NoError(t, err)
	require.NoError(t, n.LockForWriting(tx.Holder()))
	require.NoError(t, n.Set(ctx, tx.Holder(), "name", "carol"))

	e.store.FailNextPersist(errors.New("deadlock detected"))
	require.Error(t, tx.Commit(ctx))
	require.NoError(t, tx.Rollback(ctx))

	assert.Equal(t, RolledBack, tx.Status())
	assert.Equal(t, "alice", storedName(t, e.store, e42))
	assert.Zero(t, e.reg.Len())
}

func TestCommit_AfterLeaseExpiry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tx := e.begin()

	n, err := tx.Node(ctx, e42)
	require.NoError(t, err)
	require.NoError(t, n.LockForWriting(tx.Holder()))
	require.NoError(t, n.Set(ctx, tx.Holder(), "name", "carol"))

	e.clk.Add(lease)
	require.Eventually(t, func() bool {
		e.sched.Drain()
		return !n.Lock().IsLocked()
	}, time.Second, time.Millisecond)

	// Another client reads the stored value, not the discarded edit.
	other := e.begin()
	n2, err := other.Node(ctx, e42)
	require.NoError(t, err)
	v, err := n2.Get(ctx, other.Holder(), "name")
	require.NoError(t, err)
	assert.Equal(t, "alice", v)
	require.NoError(t, other.Rollback(ctx))

	err = tx.Commit(ctx)
	assert.ErrorAs(t, err, new(*lock.LeaseExpiredError))
	assert.ErrorAs(t, err, new(*TransactionError))
	assert.Equal(t, Open, tx.Status())
	assert.Zero(t, e.store.Commits())

	require.NoError(t, tx.Rollback(ctx))
}

// stallingStore runs stall inside Persist, before the write reaches the store.
type stallingStore struct {
	*memstore.Store
	stall func()
}

func (s *stallingStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &stallingTx{Tx: tx, stall: s.stall}, nil
}

type stallingTx struct {
	store.Tx
	stall func()
}

func (t *stallingTx) Persist(ctx context.Context, changes store.ChangeSet) error {
	t.stall()
	return t.Tx.Persist(ctx, changes)
}

func TestCommit_LeaseRunsOutWhilePersisting(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	other := e.begin()

	var conflict error
	st := &stallingStore{Store: e.store, stall: func() {
		e.clk.Add(2 * lease)
		time.Sleep(10 * time.Millisecond)
		e.sched.Drain()

		n, err := other.Node(ctx, e42)
		if err != nil {
			conflict = err
			return
		}
		conflict = n.LockForWriting(other.Holder())
	}}
	tx := New("tx-slow", e.reg, st)

	n, err := tx.Node(ctx, e42)
	require.NoError(t, err)
	require.NoError(t, n.LockForWriting(tx.Holder()))
	require.NoError(t, n.Set(ctx, tx.Holder(), "name", "carol"))

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, Committed, tx.Status())
	assert.ErrorAs(t, conflict, new(*lock.AlreadyLockedError), "write lock held until persisted")
	assert.Equal(t, "carol", storedName(t, e.store, e42))
	assert.False(t, n.Lock().Pinned())

	// The next writer builds on the committed value.
	n2, err := other.Node(ctx, e42)
	require.NoError(t, err)
	require.NoError(t, n2.LockForWriting(other.Holder()))
	v, err := n2.Get(ctx, other.Holder(), "name")
	require.NoError(t, err)
	assert.Equal(t, "carol", v)
	require.NoError(t, n2.Set(ctx, other.Holder(), "name", "dave"))
	require.NoError(t, other.Commit(ctx))
	assert.Equal(t, "dave", storedName(t, e.store, e42))
}

func TestCommit_FailureUnpins(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tx := e.begin()

	n, err := tx.Node(ctx, e42)
	require.NoError(t, err)
	require.NoError(t, n.LockForWriting(tx.Holder()))
	require.NoError(t, n.Set(ctx, tx.Holder(), "name", "carol"))

	e.store.FailNextPersist(errors.New("connection reset"))
	require.Error(t, tx.Commit(ctx))
	assert.False(t, n.Lock().Pinned())

	// An open transaction left idle still loses its lease.
	e.clk.Add(lease)
	require.Eventually(t, func() bool {
		e.sched.Drain()
		return !n.Lock().IsLocked()
	}, time.Second, time.Millisecond)
	assert.ErrorAs(t, tx.Commit(ctx), new(*lock.LeaseExpiredError))
	require.NoError(t, tx.Rollback(ctx))
}

func TestReadReadWriteScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, b, c := e.begin(), e.begin(), e.begin()

	na, err := a.Node(ctx, e42)
	require.NoError(t, err)
	nb, err := b.Node(ctx, e42)
	require.NoError(t, err)
	nc, err := c.Node(ctx, e42)
	require.NoError(t, err)

	require.NoError(t, na.LockForReading(a.Holder()))
	require.NoError(t, nb.LockForReading(b.Holder()))
	assert.ErrorAs(t, nc.LockForWriting(c.Holder()), new(*lock.AlreadyLockedError))

	for _, tx := range []*Transaction{a, b, c} {
		require.NoError(t, tx.Rollback(ctx))
	}
	assert.Zero(t, e.reg.Len())
}

func TestFinishHook(t *testing.T) {
	e := newEnv(t)
	var finished []string
	hook := WithFinishHook(func(tx *Transaction) { finished = append(finished, tx.ID()) })

	a := e.begin(hook)
	b := e.begin(hook)
	require.NoError(t, a.Commit(context.Background()))
	require.NoError(t, b.Rollback(context.Background()))
	assert.Equal(t, []string{a.ID(), b.ID()}, finished)
}

func TestNodeByID(t *testing.T) {
	e := newEnv(t)
	tx := e.begin()

	n, err := tx.NodeByID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, e7, n.Key())
	assert.Equal(t, []entity.Key{e7}, tx.Refs())

	_, err = tx.NodeByID(context.Background(), 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, tx.Rollback(context.Background()))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "committed", Committed.String())
	assert.Equal(t, "rolled_back", RolledBack.String())
}

package lock

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unioslo/spine/internal/scheduler"
)

const leaseTTL = time.Minute

type expiry struct {
	holder Holder
	mode   Mode
}

type fixture struct {
	clk   *clock.Mock
	sched *scheduler.Scheduler
	lock  *Lock

	mu      sync.Mutex
	expired []expiry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clk: clock.NewMock()}
	f.sched = scheduler.New(f.clk)
	f.lock = New("account:42", f.sched, leaseTTL, WithExpireFunc(func(h Holder, m Mode) {
		f.mu.Lock()
		f.expired = append(f.expired, expiry{h, m})
		f.mu.Unlock()
	}))
	t.Cleanup(f.sched.Close)
	return f
}

// advance moves the clock and dispatches expiry events until want leases expired.
func (f *fixture) advance(t *testing.T, d time.Duration, want int) {
	t.Helper()
	f.clk.Add(d)
	require.Eventually(t, func() bool {
		f.sched.Drain()
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.expired) >= want
	}, time.Second, time.Millisecond)
}

func (f *fixture) expirations() []expiry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]expiry(nil), f.expired...)
}

func TestWriteLockExcludesOthers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.lock.LockForWriting("A"))

	err := f.lock.LockForWriting("B")
	var locked *AlreadyLockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, Holder("A"), locked.Holder)
	assert.Equal(t, Write, locked.HeldMode)

	err = f.lock.LockForReading("B")
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, Read, locked.Requested)

	assert.True(t, f.lock.IsWriteLockedByMe("A"))
	assert.True(t, f.lock.IsWriteLockedByOther("B"))
	assert.False(t, f.lock.IsWriteLockedByOther("A"))
	assert.Equal(t, Holder("A"), f.lock.WriteLocker())
	assert.Empty(t, f.lock.ReadLockers())
}

func TestReadLockIsIdempotent(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.lock.LockForReading("A"))
	require.NoError(t, f.lock.LockForReading("A"))

	assert.Equal(t, []Holder{"A"}, f.lock.ReadLockers())
	assert.False(t, f.lock.HasWriteLock("A"))
	assert.Equal(t, Holder(""), f.lock.WriteLocker())
}

func TestSoleReaderUpgrades(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.lock.LockForReading("A"))
	require.NoError(t, f.lock.LockForWriting("A"))

	assert.True(t, f.lock.HasWriteLock("A"))
	assert.Empty(t, f.lock.ReadLockers())

	err := f.lock.LockForReading("B")
	assert.ErrorAs(t, err, new(*AlreadyLockedError))
}

func TestUpgradeBlockedByOtherReader(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.lock.LockForReading("A"))
	require.NoError(t, f.lock.LockForReading("B"))

	var locked *AlreadyLockedError
	require.ErrorAs(t, f.lock.LockForWriting("A"), &locked)
	assert.Equal(t, Holder("B"), locked.Holder)
	assert.Equal(t, Read, locked.HeldMode)

	// A keeps its read lock after the failed upgrade.
	assert.Equal(t, []Holder{"A", "B"}, f.lock.ReadLockers())
}

func TestReadReadThenWriteConflict(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.lock.LockForReading("A"))
	require.NoError(t, f.lock.LockForReading("B"))
	assert.ErrorAs(t, f.lock.LockForWriting("C"), new(*AlreadyLockedError))

	assert.True(t, f.lock.IsReadLockedByMe("A"))
	assert.True(t, f.lock.IsReadLockedByOther("A"))
	assert.False(t, f.lock.IsReadLockedByMe("C"))
}

func TestReadAfterUpgradeKeepsWriteLock(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.lock.LockForReading("A"))
	require.NoError(t, f.lock.LockForWriting("A"))
	require.NoError(t, f.lock.LockForReading("A"))

	assert.True(t, f.lock.HasWriteLock("A"))
	assert.Empty(t, f.lock.ReadLockers())
}

func TestUnlock(t *testing.T) {
	t.Run("without lock", func(t *testing.T) {
		f := newFixture(t)
		var notLocked *NotLockedError
		require.ErrorAs(t, f.lock.Unlock("A"), &notLocked)
		assert.Equal(t, Holder("A"), notLocked.Holder)
	})

	t.Run("reader", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.lock.LockForReading("A"))
		require.NoError(t, f.lock.Unlock("A"))
		assert.False(t, f.lock.IsLocked())
		assert.ErrorAs(t, f.lock.Unlock("A"), new(*NotLockedError))
	})

	t.Run("writer frees lock for others", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.lock.LockForWriting("A"))
		require.NoError(t, f.lock.Unlock("A"))
		assert.NoError(t, f.lock.LockForWriting("B"))
	})

	t.Run("other holder cannot unlock", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.lock.LockForWriting("A"))
		assert.ErrorAs(t, f.lock.Unlock("B"), new(*NotLockedError))
		assert.True(t, f.lock.HasWriteLock("A"))
	})
}

func TestUnlockWithReportsMode(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.lock.LockForWriting("A"))

	var seen Mode
	require.NoError(t, f.lock.UnlockWith("A", func(m Mode) {
		seen = m
		// Still held while the callback runs.
		assert.Equal(t, Holder("A"), f.lock.writer)
	}))
	assert.Equal(t, Write, seen)
	assert.False(t, f.lock.IsLocked())
}

func TestEmptyHolderRejected(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.lock.LockForReading(""), ErrNoHolder)
	assert.ErrorIs(t, f.lock.LockForWriting(""), ErrNoHolder)
}

func TestLeaseExpiry(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.lock.LockForWriting("A"))

	f.advance(t, leaseTTL, 1)

	assert.Equal(t, []expiry{{"A", Write}}, f.expirations())
	assert.False(t, f.lock.IsLocked())

	err := f.lock.WithWriteLock("A", func() error { return nil })
	var expired *LeaseExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, Holder("A"), expired.Holder)

	// Others can now take the lock.
	require.NoError(t, f.lock.LockForWriting("B"))

	// The expired holder learns about it once, then the record is gone.
	assert.ErrorAs(t, f.lock.Unlock("A"), new(*LeaseExpiredError))
	assert.ErrorAs(t, f.lock.Unlock("A"), new(*NotLockedError))
}

func TestReadLeaseExpiry(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.lock.LockForReading("A"))
	require.NoError(t, f.lock.LockForReading("B"))

	f.advance(t, leaseTTL, 2)

	assert.ElementsMatch(t, []expiry{{"A", Read}, {"B", Read}}, f.expirations())
	assert.Empty(t, f.lock.ReadLockers())
}

func TestExpiredHolderMustUnlockBeforeRelocking(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.lock.LockForReading("A"))
	f.advance(t, leaseTTL, 1)

	assert.ErrorAs(t, f.lock.LockForReading("A"), new(*LeaseExpiredError))
	assert.ErrorAs(t, f.lock.LockForWriting("A"), new(*LeaseExpiredError))
	assert.ErrorAs(t, f.lock.Renew("A"), new(*LeaseExpiredError))

	assert.ErrorAs(t, f.lock.Unlock("A"), new(*LeaseExpiredError))
	require.NoError(t, f.lock.LockForReading("A"))
	assert.NoError(t, f.lock.WithAccess("A", func(Mode) error { return nil }))
	assert.NoError(t, f.lock.Unlock("A"))
}

func TestRenewPostponesExpiry(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.lock.LockForWriting("A"))

	f.clk.Add(leaseTTL - time.Second)
	require.NoError(t, f.lock.Renew("A"))

	f.clk.Add(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	f.sched.Drain()
	assert.Empty(t, f.expirations())
	assert.True(t, f.lock.HasWriteLock("A"))

	f.advance(t, leaseTTL, 1)
	assert.False(t, f.lock.IsLocked())
}

func TestAccessRenewsLease(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.lock.LockForReading("A"))

	f.clk.Add(leaseTTL - time.Second)
	require.NoError(t, f.lock.WithAccess("A", func(m Mode) error {
		assert.Equal(t, Read, m)
		return nil
	}))

	f.clk.Add(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	f.sched.Drain()
	assert.Empty(t, f.expirations())
}

func TestUnlockCancelsLease(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.lock.LockForWriting("A"))
	require.NoError(t, f.lock.Unlock("A"))

	f.clk.Add(2 * leaseTTL)
	time.Sleep(10 * time.Millisecond)
	f.sched.Drain()
	assert.Empty(t, f.expirations())
}

func TestWithWriteLock(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.lock.LockForReading("A"))

	called := false
	err := f.lock.WithWriteLock("A", func() error { called = true; return nil })
	var notLocked *NotLockedError
	require.ErrorAs(t, err, &notLocked)
	assert.Equal(t, Write, notLocked.Need)
	assert.False(t, called)

	require.NoError(t, f.lock.LockForWriting("A"))
	sentinel := errors.New("boom")
	assert.ErrorIs(t, f.lock.WithWriteLock("A", func() error { return sentinel }), sentinel)
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.lock.LockForWriting("A"))
	f.lock.Close()

	assert.False(t, f.lock.IsLocked())
	f.clk.Add(2 * leaseTTL)
	time.Sleep(10 * time.Millisecond)
	f.sched.Drain()
	assert.Empty(t, f.expirations())
}

func TestConcurrentWritersSingleWinner(t *testing.T) {
	f := newFixture(t)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := Holder(string(rune('a'+i%26)) + string(rune('0'+i/26)))
			if f.lock.LockForWriting(h) == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.NotEmpty(t, f.lock.WriteLocker())
}

func TestPinnedWriteLockOutlivesLease(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.lock.LockForWriting("A"))
	require.NoError(t, f.lock.Pin("A"))
	assert.True(t, f.lock.Pinned())

	for i := 0; i < 3; i++ {
		f.clk.Add(leaseTTL)
		time.Sleep(10 * time.Millisecond)
		f.sched.Drain()
	}
	assert.Empty(t, f.expirations())
	assert.True(t, f.lock.HasWriteLock("A"))
	assert.ErrorAs(t, f.lock.LockForWriting("B"), new(*AlreadyLockedError))
	assert.NoError(t, f.lock.WithWriteLock("A", func() error { return nil }))

	// Unlocking clears the pin.
	require.NoError(t, f.lock.Unlock("A"))
	assert.False(t, f.lock.Pinned())
	require.NoError(t, f.lock.LockForWriting("B"))
	f.advance(t, leaseTTL, 1)
	assert.Equal(t, []expiry{{"B", Write}}, f.expirations())
}

func TestUnpinStartsFreshLease(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.lock.LockForWriting("A"))
	require.NoError(t, f.lock.Pin("A"))

	f.clk.Add(2 * leaseTTL)
	time.Sleep(10 * time.Millisecond)
	f.sched.Drain()
	f.lock.Unpin("A")
	assert.False(t, f.lock.Pinned())

	f.clk.Add(leaseTTL - time.Second)
	time.Sleep(10 * time.Millisecond)
	f.sched.Drain()
	assert.Empty(t, f.expirations())
	assert.True(t, f.lock.HasWriteLock("A"))

	f.advance(t, time.Second, 1)
	assert.False(t, f.lock.IsLocked())
}

func TestPinRequiresWriteLock(t *testing.T) {
	f := newFixture(t)

	var notLocked *NotLockedError
	require.ErrorAs(t, f.lock.Pin("A"), &notLocked)
	assert.Equal(t, Write, notLocked.Need)

	require.NoError(t, f.lock.LockForReading("A"))
	assert.ErrorAs(t, f.lock.Pin("A"), new(*NotLockedError))
	assert.False(t, f.lock.Pinned())

	require.NoError(t, f.lock.LockForWriting("A"))
	f.advance(t, leaseTTL, 1)
	assert.ErrorAs(t, f.lock.Pin("A"), new(*LeaseExpiredError))

	// Unpin by a non-writer is a no-op.
	require.NoError(t, f.lock.LockForWriting("B"))
	require.NoError(t, f.lock.Pin("B"))
	f.lock.Unpin("A")
	assert.True(t, f.lock.Pinned())
}

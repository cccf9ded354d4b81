// Package lock implements the single-writer, multi-reader lock attached to
// every node of the graph. Locks never block: a conflicting request fails with
// AlreadyLockedError and the caller decides whether to retry.
//
// Every grant carries a lease. When a lease runs out before the holder unlocks
// or renews, the lock's expiry hook runs and the holder is force-released.
// The holder then gets LeaseExpiredError from every call until it calls Unlock,
// which reports the expiry once and forgets it.
//
// A writer can Pin its lock while its edits are being persisted; a pinned
// lease is re-armed when it runs out.
package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/unioslo/spine/internal/scheduler"
	"github.com/unioslo/spine/internal/telemetry"
)

// Holder identifies on whose behalf a lock is held, normally a transaction id.
type Holder string

// Mode is the kind of lock held.
type Mode string

const (
	Read  Mode = "read"
	Write Mode = "write"
)

// ExpireFunc runs under the lock's mutex right before an expired holder is released.
type ExpireFunc func(h Holder, mode Mode)

type lease struct {
	handle *scheduler.Handle
}

// Lock is safe for concurrent use.
type Lock struct {
	resource string
	sched    *scheduler.Scheduler
	duration time.Duration
	onExpire ExpireFunc
	metrics  *telemetry.LockMetrics
	log      zerolog.Logger

	mu          sync.Mutex
	writer      Holder
	writerLease *lease
	pinned      bool
	readers     map[Holder]*lease
	expired     map[Holder]struct{}
}

// Option configures a Lock.
type Option func(*Lock)

// WithExpireFunc sets the hook run when a lease expires.
func WithExpireFunc(fn ExpireFunc) Option {
	return func(l *Lock) { l.onExpire = fn }
}

// WithMetrics records grants, conflicts and expirations.
func WithMetrics(m *telemetry.LockMetrics) Option {
	return func(l *Lock) { l.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Lock) { l.log = log }
}

// New creates an unlocked Lock for resource whose leases last duration.
func New(resource string, sched *scheduler.Scheduler, duration time.Duration, opts ...Option) *Lock {
	l := &Lock{
		resource: resource,
		sched:    sched,
		duration: duration,
		log:      zerolog.Nop(),
		readers:  make(map[Holder]*lease),
		expired:  make(map[Holder]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LockForReading registers h as a reader. It is a no-op when h already holds
// any lock, including the write lock.
func (l *Lock) LockForReading(h Holder) error {
	if h == "" {
		return ErrNoHolder
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != "" && l.writer != h {
		l.metrics.RecordConflict(context.Background(), string(Read))
		return &AlreadyLockedError{Resource: l.resource, Requested: Read, Holder: l.writer, HeldMode: Write}
	}
	if l.writer == h {
		return nil
	}
	if _, ok := l.readers[h]; ok {
		return nil
	}
	if _, ok := l.expired[h]; ok {
		return &LeaseExpiredError{Resource: l.resource, Holder: h}
	}

	l.readers[h] = l.schedule(h)
	l.metrics.RecordGrant(context.Background(), string(Read))
	l.log.Debug().Str("resource", l.resource).Str("holder", string(h)).Msg("read lock granted")
	return nil
}

// LockForWriting makes h the writer. A holder that is the only reader is
// upgraded in place. Calling it again as the writer renews the lease.
func (l *Lock) LockForWriting(h Holder) error {
	if h == "" {
		return ErrNoHolder
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == h {
		l.renewLocked(h)
		return nil
	}
	if _, ok := l.expired[h]; ok {
		return &LeaseExpiredError{Resource: l.resource, Holder: h}
	}
	if l.writer != "" {
		l.metrics.RecordConflict(context.Background(), string(Write))
		return &AlreadyLockedError{Resource: l.resource, Requested: Write, Holder: l.writer, HeldMode: Write}
	}
	for _, r := range l.sortedReaders() {
		if r != h {
			l.metrics.RecordConflict(context.Background(), string(Write))
			return &AlreadyLockedError{Resource: l.resource, Requested: Write, Holder: r, HeldMode: Read}
		}
	}

	upgraded := false
	if ls, ok := l.readers[h]; ok {
		ls.handle.Cancel()
		delete(l.readers, h)
		upgraded = true
	}
	l.writer = h
	l.writerLease = l.schedule(h)
	l.metrics.RecordGrant(context.Background(), string(Write))
	l.log.Debug().Str("resource", l.resource).Str("holder", string(h)).Bool("upgrade", upgraded).Msg("write lock granted")
	return nil
}

// Unlock releases whatever lock h holds.
func (l *Lock) Unlock(h Holder) error {
	return l.UnlockWith(h, nil)
}

// UnlockWith releases h's lock and runs fn with the released mode before any
// other holder can acquire the lock.
func (l *Lock) UnlockWith(h Holder, fn func(mode Mode)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	mode, err := l.heldLocked(h, Read)
	if err != nil {
		var expired *LeaseExpiredError
		if errors.As(err, &expired) {
			delete(l.expired, h)
		}
		return err
	}
	if fn != nil {
		fn(mode)
	}
	l.releaseLocked(h, true)
	l.log.Debug().Str("resource", l.resource).Str("holder", string(h)).Str("mode", string(mode)).Msg("unlocked")
	return nil
}

// Renew restarts h's lease.
func (l *Lock) Renew(h Holder) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.heldLocked(h, Read); err != nil {
		return err
	}
	l.renewLocked(h)
	return nil
}

// Pin keeps h's write lock alive until Unpin or Unlock. A pinned lease that
// runs out is re-armed instead of released. Only the writer can pin.
func (l *Lock) Pin(h Holder) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.heldLocked(h, Write); err != nil {
		return err
	}
	l.pinned = true
	return nil
}

// Unpin lifts h's pin and starts a fresh lease.
func (l *Lock) Unpin(h Holder) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h == "" || l.writer != h || !l.pinned {
		return
	}
	l.pinned = false
	l.renewLocked(h)
}

// Pinned reports whether the write lock is pinned.
func (l *Lock) Pinned() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pinned
}

// WithAccess runs fn while h holds a read or write lock, renewing the lease.
func (l *Lock) WithAccess(h Holder, fn func(mode Mode) error) error {
	return l.with(h, Read, fn)
}

// WithWriteLock runs fn while h holds the write lock, renewing the lease.
func (l *Lock) WithWriteLock(h Holder, fn func() error) error {
	return l.with(h, Write, func(Mode) error { return fn() })
}

func (l *Lock) with(h Holder, need Mode, fn func(mode Mode) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	mode, err := l.heldLocked(h, need)
	if err != nil {
		return err
	}
	l.renewLocked(h)
	return fn(mode)
}

// HasWriteLock reports whether h is the writer.
func (l *Lock) HasWriteLock(h Holder) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return h != "" && l.writer == h
}

// HasReadLock reports whether h is registered as a reader.
func (l *Lock) HasReadLock(h Holder) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.readers[h]
	return ok
}

// ReadLockers returns the current readers in sorted order.
func (l *Lock) ReadLockers() []Holder {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedReaders()
}

// WriteLocker returns the writer, or "" when there is none.
func (l *Lock) WriteLocker() Holder {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer
}

func (l *Lock) IsReadLockedByMe(h Holder) bool {
	return l.HasReadLock(h)
}

func (l *Lock) IsReadLockedByOther(h Holder) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for r := range l.readers {
		if r != h {
			return true
		}
	}
	return false
}

func (l *Lock) IsWriteLockedByMe(h Holder) bool {
	return l.HasWriteLock(h)
}

func (l *Lock) IsWriteLockedByOther(h Holder) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer != "" && l.writer != h
}

// IsLocked reports whether anyone holds the lock.
func (l *Lock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer != "" || len(l.readers) > 0
}

// Close cancels every lease and drops all holders without running the expiry hook.
func (l *Lock) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writerLease != nil {
		l.writerLease.handle.Cancel()
	}
	for _, ls := range l.readers {
		ls.handle.Cancel()
	}
	l.writer = ""
	l.writerLease = nil
	l.pinned = false
	l.readers = make(map[Holder]*lease)
	l.expired = make(map[Holder]struct{})
}

func (l *Lock) heldLocked(h Holder, need Mode) (Mode, error) {
	if h != "" && l.writer == h {
		return Write, nil
	}
	if _, ok := l.readers[h]; ok {
		if need == Write {
			return "", &NotLockedError{Resource: l.resource, Holder: h, Need: Write}
		}
		return Read, nil
	}
	if _, ok := l.expired[h]; ok {
		return "", &LeaseExpiredError{Resource: l.resource, Holder: h}
	}
	return "", &NotLockedError{Resource: l.resource, Holder: h, Need: need}
}

func (l *Lock) releaseLocked(h Holder, cancel bool) {
	if l.writer == h {
		if cancel && l.writerLease != nil {
			l.writerLease.handle.Cancel()
		}
		l.writer = ""
		l.writerLease = nil
		l.pinned = false
		return
	}
	if ls, ok := l.readers[h]; ok {
		if cancel {
			ls.handle.Cancel()
		}
		delete(l.readers, h)
	}
}

func (l *Lock) renewLocked(h Holder) {
	if l.writer == h {
		l.writerLease.handle.Cancel()
		l.writerLease = l.schedule(h)
		return
	}
	if ls, ok := l.readers[h]; ok {
		ls.handle.Cancel()
		l.readers[h] = l.schedule(h)
	}
}

func (l *Lock) schedule(h Holder) *lease {
	ls := &lease{}
	ls.handle = l.sched.Schedule(l.duration, func() { l.expire(h, ls) })
	return ls
}

// expire runs on the scheduler's dispatcher. Leases replaced by a renewal or
// released by an unlock no longer match and are ignored. A pinned writer gets
// a new lease.
func (l *Lock) expire(h Holder, ls *lease) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var mode Mode
	switch {
	case l.writer == h && l.writerLease == ls:
		if l.pinned {
			l.writerLease = l.schedule(h)
			l.log.Debug().Str("resource", l.resource).Str("holder", string(h)).Msg("pinned lease re-armed")
			return
		}
		mode = Write
	case l.readers[h] == ls:
		mode = Read
	default:
		return
	}

	if l.onExpire != nil {
		l.onExpire(h, mode)
	}
	l.releaseLocked(h, false)
	l.expired[h] = struct{}{}
	l.metrics.RecordExpiration(context.Background(), string(mode))
	l.log.Warn().Str("resource", l.resource).Str("holder", string(h)).Str("mode", string(mode)).Msg("lease expired, lock released")
}

func (l *Lock) sortedReaders() []Holder {
	out := make([]Holder, 0, len(l.readers))
	for r := range l.readers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

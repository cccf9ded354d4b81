package lock

import (
	"errors"
	"fmt"
)

// ErrNoHolder is returned when a lock is requested without a holder.
var ErrNoHolder = errors.New("lock holder must not be empty")

// AlreadyLockedError is returned when another holder owns a conflicting lock.
type AlreadyLockedError struct {
	Resource  string
	Requested Mode
	Holder    Holder // a holder that blocks the request
	HeldMode  Mode
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("%s: cannot lock for %s, %s lock held by %s", e.Resource, e.Requested, e.HeldMode, e.Holder)
}

// NotLockedError is returned when a holder releases or uses a lock it does not hold.
type NotLockedError struct {
	Resource string
	Holder   Holder
	Need     Mode
}

func (e *NotLockedError) Error() string {
	if e.Need == Write {
		return fmt.Sprintf("%s: %s does not hold the write lock", e.Resource, e.Holder)
	}
	return fmt.Sprintf("%s: %s holds no lock", e.Resource, e.Holder)
}

// LeaseExpiredError is returned to a holder whose lease ran out. The lock was
// force-released and any unsaved changes it guarded were discarded.
type LeaseExpiredError struct {
	Resource string
	Holder   Holder
}

func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("%s: lease of %s expired", e.Resource, e.Holder)
}

package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSession is returned for unknown, expired or logged out tokens.
	ErrNoSession = errors.New("no such session")

	// ErrClosed is returned by a session that has been logged out.
	ErrClosed = errors.New("session closed")
)

// UnknownEncodingError is returned for names that are not IANA charsets
// supported by the server.
type UnknownEncodingError struct {
	Name string
}

func (e *UnknownEncodingError) Error() string {
	return fmt.Sprintf("unknown encoding %q", e.Name)
}

// NoSuchTransactionError is returned when a session has no open transaction
// with the given id.
type NoSuchTransactionError struct {
	ID string
}

func (e *NoSuchTransactionError) Error() string {
	return fmt.Sprintf("no open transaction %q", e.ID)
}

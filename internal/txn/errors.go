package txn

import (
	"errors"
	"fmt"
)

// ErrNotOpen is wrapped by TransactionError when a committed or rolled back
// transaction is used again.
var ErrNotOpen = errors.New("transaction is not open")

// TransactionError reports a failed transaction operation.
type TransactionError struct {
	ID  string
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s: %s: %v", e.ID, e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

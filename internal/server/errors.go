package server

import (
	"errors"
	"net/http"

	"github.com/unioslo/spine/internal/auth"
	"github.com/unioslo/spine/internal/entity"
	"github.com/unioslo/spine/internal/graph"
	"github.com/unioslo/spine/internal/lock"
	"github.com/unioslo/spine/internal/session"
	"github.com/unioslo/spine/internal/store"
	"github.com/unioslo/spine/internal/txn"
)

// ErrBadRequest is wrapped around malformed request bodies and parameters.
var ErrBadRequest = errors.New("bad request")

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// classify maps an error to its HTTP status and a stable error code.
// Lock errors are checked first: they may arrive wrapped in a
// TransactionError from a failed commit.
func classify(err error) (int, string) {
	var (
		alreadyLocked *lock.AlreadyLockedError
		notLocked     *lock.NotLockedError
		leaseExpired  *lock.LeaseExpiredError
		loginErr      *auth.LoginError
		noAttr        *entity.NoSuchAttributeError
		noType        *entity.NoSuchTypeError
		readOnly      *entity.ReadOnlyAttributeError
		invalid       *entity.InvalidValueError
		unknownEnc    *session.UnknownEncodingError
		noTxn         *session.NoSuchTransactionError
		txnErr        *txn.TransactionError
	)

	switch {
	case errors.As(err, &alreadyLocked):
		return http.StatusConflict, "already_locked"
	case errors.As(err, &leaseExpired):
		return http.StatusConflict, "lease_expired"
	case errors.As(err, &notLocked):
		return http.StatusConflict, "not_locked"
	case errors.Is(err, txn.ErrNotOpen):
		return http.StatusConflict, "transaction_closed"
	case errors.As(err, &loginErr):
		if loginErr.Reason == auth.ReasonThrottled {
			return http.StatusTooManyRequests, "login_throttled"
		}
		return http.StatusUnauthorized, "login_refused"
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrClosed):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.As(err, &noTxn):
		return http.StatusNotFound, "no_such_transaction"
	case errors.As(err, &noAttr):
		return http.StatusNotFound, "no_such_attribute"
	case errors.As(err, &noType):
		return http.StatusNotFound, "no_such_type"
	case errors.As(err, &unknownEnc):
		return http.StatusNotFound, "unknown_encoding"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &readOnly):
		return http.StatusForbidden, "read_only"
	case errors.As(err, &invalid):
		return http.StatusUnprocessableEntity, "invalid_value"
	case errors.Is(err, graph.ErrCycle):
		return http.StatusConflict, "cycle"
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.As(err, &txnErr):
		return http.StatusServiceUnavailable, "commit_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

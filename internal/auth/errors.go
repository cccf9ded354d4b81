package auth

import "fmt"

// Reason says why a login was refused.
type Reason string

const (
	ReasonBadCredentials Reason = "bad_credentials"
	ReasonExpired        Reason = "expired"
	ReasonQuarantined    Reason = "quarantined"
	ReasonThrottled      Reason = "throttled"
)

// LoginError is returned for every refused login.
type LoginError struct {
	Account string
	Reason  Reason
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login %q refused: %s", e.Account, e.Reason)
}

package domain

import (
	"errors"
	"fmt"
)

// ErrAlreadyTerminal is informational: the mission already reached a terminal status.
var ErrAlreadyTerminal = errors.New("mission already terminal")

// ValidationError indicates bad input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthorizationError indicates the caller lacks an active session or credit balance.
type AuthorizationError struct {
	Reason string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("not authorized: %s", e.Reason)
}

// InvalidFilterError is returned for filter names outside the closed set.
type InvalidFilterError struct {
	Filter string
}

func (e InvalidFilterError) Error() string {
	return fmt.Sprintf("invalid filter %q", e.Filter)
}

// TransientNetworkError wraps a retryable failure of a network-bound call.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e TransientNetworkError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a TransientNetworkError.
func IsTransient(err error) bool {
	var te TransientNetworkError
	return errors.As(err, &te)
}

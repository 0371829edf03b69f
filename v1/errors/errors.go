// Package errors defines the failure taxonomy shared by the executor and the
// lock manager. Callers receive exactly one terminal error per failed
// operation, classified well enough to decide whether a higher-level retry
// makes sense.
package errors

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrCircuitOpen is returned when a call is rejected by an open circuit
	// breaker without invoking the underlying work.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrDeadlineExceeded is returned when a caller-supplied cutoff passes
	// before the operation could complete.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	// ErrQuorumNotReached is returned when a lock acquisition or extension
	// fails to win a majority of authorities.
	ErrQuorumNotReached = errors.New("lock quorum not reached")
	// ErrLeaseExpired is returned when extending or verifying a lease whose
	// validity has lapsed; the caller must treat its critical section as
	// no longer exclusive.
	ErrLeaseExpired = errors.New("lease expired")
)

// TransientError marks a failure as retryable: network-class errors and
// server-class responses from the remote dependency.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure as non-retryable: client-class errors such
// as a malformed request, which repeating cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// FromStatusCode classifies an HTTP-style response status: the server-error
// range (5xx) is transient, the client-error range (4xx) is permanent. Other
// codes are not failures and return nil.
func FromStatusCode(code int, err error) error {
	switch {
	case code >= 500:
		if err == nil {
			err = fmt.Errorf("server error: status %d", code)
		}
		return Transient(err)
	case code >= 400:
		if err == nil {
			err = fmt.Errorf("client error: status %d", code)
		}
		return Permanent(err)
	default:
		return err
	}
}

// IsRetryable reports whether err qualifies for a retry attempt. Explicitly
// permanent errors never qualify. Explicitly transient errors, net.Error
// values and unclassified failures do: an unknown failure is assumed to be
// the dependency's fault, not the caller's.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var trans *TransientError
	if errors.As(err, &trans) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrDeadlineExceeded) {
		return false
	}
	return true
}

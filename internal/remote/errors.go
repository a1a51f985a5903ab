package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a failed remote apply
type ErrorKind string

const (
	KindNetwork            ErrorKind = "network"
	KindTimeout            ErrorKind = "timeout"
	KindConflict           ErrorKind = "conflict"
	KindValidationRejected ErrorKind = "validation_rejected"
	KindServerInternal     ErrorKind = "server_internal"
	// KindUnauthorized means the remote store refused the till's credentials. The
	// mutation is fine; it waits for the configuration to be fixed.
	KindUnauthorized ErrorKind = "unauthorized"
)

// Retryable reports whether a mutation failing with this kind may succeed on a later attempt
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindServerInternal, KindUnauthorized:
		return true
	}
	return false
}

// CountsAsAttempt reports whether a failure of this kind uses up one of the mutation's attempts
func (k ErrorKind) CountsAsAttempt() bool {
	return k != KindUnauthorized
}

// SyncError is the classified failure returned by an Adapter
type SyncError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewSyncError creates a classified error
func NewSyncError(kind ErrorKind, message string, err error) *SyncError {
	return &SyncError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind of err. Unclassified errors are treated as network failures
// so they are retried rather than dropped.
func KindOf(err error) ErrorKind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return classifyTransport(err)
}

// IsRetryable reports whether err may succeed on retry
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// classifyTransport maps low-level transport failures onto error kinds
func classifyTransport(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

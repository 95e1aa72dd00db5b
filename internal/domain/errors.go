package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewDomainError for component-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrAuthInvalid  = fmt.Errorf("authentication failed")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
)

// Sentinel errors for the stream domain.
var (
	ErrRunNotFound      = fmt.Errorf("run: %w", ErrNotFound)
	ErrNoCredential     = fmt.Errorf("credential provider returned no token")
	ErrConnClosed       = fmt.Errorf("connection closed")
	ErrConnDestroyed    = fmt.Errorf("connection destroyed")
	ErrRetriesExhausted = fmt.Errorf("reconnect attempts exhausted")
	ErrHeartbeatTimeout = fmt.Errorf("heartbeat: %w", ErrTimeout)
	ErrNoActiveRun      = fmt.Errorf("no active run")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Conn.Connect")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsNotFound reports whether err indicates the run is gone server-side, in
// which case an ambiguous close resolves to completed rather than error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

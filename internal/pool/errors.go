package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when one attempt exceeds the per-call timeout.
	ErrTimeout = errors.New("model call timed out")
	// ErrUnreachable covers connection failures and transient HTTP statuses.
	ErrUnreachable = errors.New("model endpoint unreachable")
	// ErrMalformedResponse is returned when a response cannot be parsed.
	ErrMalformedResponse = errors.New("malformed model response")
	// ErrRetriesExhausted matches any *RetriesExhaustedError.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrNotOpen is returned by Invoke before Open or after Close.
	ErrNotOpen = errors.New("pool is not open")
)

// RemoteRejectedError is a well-formed error answer from the remote side.
type RemoteRejectedError struct {
	Code    int
	Message string
}

func (e *RemoteRejectedError) Error() string {
	return fmt.Sprintf("remote rejected request (%d): %s", e.Code, e.Message)
}

// RetriesExhaustedError wraps the last transient failure after the retry budget is spent.
type RetriesExhaustedError struct {
	Model    string
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d attempts failed: %v", e.Model, e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

func (e *RetriesExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnreachable)
}

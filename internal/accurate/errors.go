package accurate

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthMissing means no usable connection context was supplied.
	ErrAuthMissing = errors.New("accurate: connection context missing")
	// ErrUpstreamUnavailable wraps transport-level failures talking to the API.
	ErrUpstreamUnavailable = errors.New("accurate: upstream unavailable")
	// ErrUpstreamRejected means the API answered with a failure envelope or error status.
	ErrUpstreamRejected = errors.New("accurate: upstream rejected request")
)

// UpstreamError carries the remote detail of a failed call.
type UpstreamError struct {
	Op       string
	Status   int
	Messages []string
	Err      error
}

func (e *UpstreamError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if len(e.Messages) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Messages, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func unavailable(op string, cause error) error {
	return &UpstreamError{Op: op, Err: fmt.Errorf("%w: %w", ErrUpstreamUnavailable, cause)}
}

func rejected(op string, status int, messages []string) error {
	return &UpstreamError{Op: op, Status: status, Messages: messages, Err: ErrUpstreamRejected}
}

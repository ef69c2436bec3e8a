package chatcore

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrConnectionClosed   = errors.New("connection has been closed")
	ErrCannotConnect      = errors.New("connection cannot be established")
	ErrTerminated         = errors.New("session terminated")
	ErrRateLimit          = errors.New("rate limit exceeded")
	ErrNotConnected       = errors.New("transport is not connected")
	ErrAlreadyConnected   = errors.New("connection already open or opening")
	ErrNoEndpoint         = errors.New("no endpoint configured")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// ErrorKind classifies failures for recovery strategy dispatch.
type ErrorKind string

const (
	KindConnectionLost       ErrorKind = "ConnectionLost"
	KindMessageSendFailed    ErrorKind = "MessageSendFailed"
	KindAgentDisconnected    ErrorKind = "AgentDisconnected"
	KindRateLimitExceeded    ErrorKind = "RateLimitExceeded"
	KindSessionTimeout       ErrorKind = "SessionTimeout"
	KindAuthenticationFailed ErrorKind = "AuthenticationFailed"
)

// ErrorRecord is one entry of the diagnostic error history.
type ErrorRecord struct {
	Kind        ErrorKind
	Message     string
	Recoverable bool
	Timestamp   time.Time
}

// RateLimitError carries a server-provided wait before the next attempt.
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", e.Err, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// retryAfter extracts the server-provided wait from an error chain, if any.
func retryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}

// errorHistory is a capped ring of the most recent error records. Appends
// never fail and never block; the oldest entry is evicted on overflow.
type errorHistory struct {
	limit   int
	records []ErrorRecord
}

func newErrorHistory(limit int) *errorHistory {
	if limit <= 0 {
		limit = 50
	}
	return &errorHistory{
		limit:   limit,
		records: make([]ErrorRecord, 0, limit),
	}
}

func (h *errorHistory) append(r ErrorRecord) {
	if len(h.records) == h.limit {
		copy(h.records, h.records[1:])
		h.records = h.records[:h.limit-1]
	}
	h.records = append(h.records, r)
}

func (h *errorHistory) snapshot() []ErrorRecord {
	out := make([]ErrorRecord, len(h.records))
	copy(out, h.records)
	return out
}

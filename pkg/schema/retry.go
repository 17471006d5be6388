package schema

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// retryableCodes classifies FlowError codes that indicate transient
// infrastructure failures. Everything else is treated as permanent.
var retryableCodes = map[string]bool{
	ErrCodeStore:   true,
	ErrCodeTimeout: true,
	ErrCodeGateway: true,
	ErrCodeHTTP:    true,
	ErrCodeAI:      true,
}

// Retryable reports whether the error's code marks a transient failure.
func (e *FlowError) Retryable() bool {
	return retryableCodes[e.Code]
}

// IsRetryable classifies whether an error is worth retrying. FlowErrors
// answer by code; network errors and deadline overruns are transient;
// a cancelled context means the caller is shutting down, never retry that.
// Unknown error types fall back to string heuristics for common transport
// failures and otherwise count as retryable, letting the attempt budget
// bound the damage.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"database is locked",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return true
}

// DefaultRetryPolicy is used by outbound sends when a node configures none.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{Max: 3, Backoff: "exponential", Delay: "1s"}
}

// BackoffFor computes the delay before retry attempt n (zero-based).
// An unparsable or absent delay disables the pause between attempts.
func (p *RetryPolicy) BackoffFor(attempt int) time.Duration {
	if p == nil || p.Delay == "" {
		return 0
	}
	base, err := time.ParseDuration(p.Delay)
	if err != nil {
		return 0
	}

	switch p.Backoff {
	case "exponential":
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
		}
		return d
	case "linear":
		return base * time.Duration(attempt+1)
	default: // constant, none, empty
		return base
	}
}

// Package retry is the client-side failure policy for requests sent through
// the gateway: which failures are worth another attempt, how long to wait and
// which session each attempt uses.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/resi-gateway/pkg/logging"
)

// retryableStatus is the status set worth another attempt. 403 is included.
var retryableStatus = map[int]bool{
	http.StatusForbidden:           true,
	http.StatusProxyAuthRequired:   true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// StatusError carries an HTTP status that the caller treats as a failure.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return "unexpected status: " + e.Status
	}
	return fmt.Sprintf("unexpected status: %d", e.StatusCode)
}

// RetryableStatus reports whether code is in the retryable set.
func RetryableStatus(code int) bool {
	return retryableStatus[code]
}

// ShouldRetry classifies one attempt. A non-nil err wins over status.
func ShouldRetry(err error, status int) bool {
	if err == nil {
		return RetryableStatus(status)
	}
	var se *StatusError
	if errors.As(err, &se) {
		return RetryableStatus(se.StatusCode)
	}
	return retryableNetError(err)
}

func retryableNetError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	// Some stacks only surface these as text (e.g. wrapped by a proxy dialer).
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused")
}

// Policy controls attempts and backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPolicy is three attempts with a one second linear step.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second}
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay is the wait after the given failed attempt (1-based): BaseDelay x attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return p.BaseDelay * time.Duration(attempt)
}

// NewSession returns a random session id valid in a credential.
func NewSession() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SessionForAttempt returns the session an attempt should use. A pinned
// session is kept on every attempt; otherwise each attempt gets a fresh one so
// a failing node is left behind.
func SessionForAttempt(pinned string, attempt int) string {
	if pinned != "" {
		return pinned
	}
	return NewSession()
}

// Attempt describes one try.
type Attempt struct {
	Number  int // 1-based
	Session string
}

// Do runs fn until it succeeds, returns a terminal error or the policy runs
// out of attempts. The last error is returned as is.
func Do(ctx context.Context, p Policy, pinned string, fn func(context.Context, Attempt) error) error {
	total := p.attempts()
	var err error
	for n := 1; n <= total; n++ {
		a := Attempt{Number: n, Session: SessionForAttempt(pinned, n)}
		err = fn(ctx, a)
		if err == nil {
			return nil
		}
		if !ShouldRetry(err, 0) || n == total {
			return err
		}
		wait := p.Delay(n)
		logging.Debugf("[retry] attempt=%d/%d session=%s wait=%s err=%v", n, total, a.Session, wait, err)
		if wait <= 0 {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}

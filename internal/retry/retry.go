package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
)

// ErrTemporarilyUnavailable marks an upstream condition worth retrying.
var ErrTemporarilyUnavailable = errors.New("temporarily_unavailable")

// StatusError carries an HTTP status from a store backend.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Policy is a bounded exponential backoff. The n-th wait is
// BaseDelay*Factor^(n-1) plus a uniform jitter in [0, Jitter).
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	Factor    float64
	Jitter    time.Duration

	// OnRetry, when set, is called before every wait.
	OnRetry func(op string, attempt int, err error)

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// DefaultPolicy returns 5 attempts, 3s base delay, factor 2 and up to 2s jitter.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:  5,
		BaseDelay: 3 * time.Second,
		Factor:    2,
		Jitter:    2 * time.Second,
	}
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	switch {
	case p.Attempts < 1:
		return fmt.Errorf("retry: attempts must be at least 1, got %d", p.Attempts)
	case p.BaseDelay < 0 || p.Jitter < 0:
		return fmt.Errorf("retry: delays must not be negative")
	case p.Factor < 1:
		return fmt.Errorf("retry: factor must be at least 1, got %v", p.Factor)
	}
	return nil
}

// Do calls fn until it succeeds, fails with a non-transient error, or the
// attempts run out. The last error is returned.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	jitter := p.rand
	if jitter == nil {
		jitter = rand.Float64
	}

	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return fmt.Errorf("%s: %w (last error: %v)", op, cerr, err)
			}
			return cerr
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt == attempts {
			break
		}
		wait := delay + time.Duration(jitter()*float64(p.Jitter))
		if p.OnRetry != nil {
			p.OnRetry(op, attempt, err)
		}
		log.Printf("retry: %s failed (attempt %d/%d), retrying in %s: %v", op, attempt, attempts, wait.Round(time.Millisecond), err)
		if serr := sleep(ctx, wait); serr != nil {
			return fmt.Errorf("%s: %w (last error: %v)", op, serr, err)
		}
		delay = time.Duration(float64(delay) * p.Factor)
	}
	return err
}

// IsTransient reports whether err is a 502/503/504 response or a
// temporarily unavailable condition.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTemporarilyUnavailable) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && transientStatus(gerr.Code) {
		return true
	}
	var serr *StatusError
	if errors.As(err, &serr) && transientStatus(serr.Code) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "temporarily_unavailable") || strings.Contains(msg, "temporarily unavailable")
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

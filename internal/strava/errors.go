package strava

import (
	"errors"
	"fmt"
	"time"
)

// ErrAuthExpired means the tenant's tokens cannot be refreshed; the athlete
// must re-authorize.
var ErrAuthExpired = errors.New("authorization expired")

// ErrNotFound means the requested upstream resource does not exist or is
// not visible to the tenant.
var ErrNotFound = errors.New("resource not found")

// ScopeError means the granted scopes do not cover the attempted operation.
type ScopeError struct {
	Missing string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("missing required scope %s", e.Missing)
}

// RateLimitedError means a quota window is exhausted. RetryAfter is how
// long the caller should defer before retrying.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// UpstreamError is an unexpected Strava response. Status 0 means the
// request itself failed.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("strava request failed: %s", e.Body)
	}
	return fmt.Sprintf("strava returned status %d: %s", e.Status, e.Body)
}

// IsRateLimited reports whether err is a rate limit deferral and how long
// to wait.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

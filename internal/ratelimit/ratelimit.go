// Package ratelimit implements fixed-window counters keyed by policy and identity.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"
)

// Counter increments a windowed counter and returns the post-increment value.
// The TTL is applied on the first increment only.
// Satisfied by *store.RedisRateLimiter.
type Counter interface {
	IncrementWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Policy is one named limit.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
	// FailClosed denies requests when the counter store is unavailable.
	// Login-style policies set it; read and engagement policies leave it off.
	FailClosed bool
}

var errInvalidPolicy = errors.New("invalid rate limit policy")

// Validate reports whether the policy can be enforced.
func (p Policy) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("%w: missing name", errInvalidPolicy)
	case p.Limit < 1:
		return fmt.Errorf("%w: %s limit %d", errInvalidPolicy, p.Name, p.Limit)
	case p.Window < time.Second, p.Window%time.Second != 0:
		// Window indexes are whole Unix seconds.
		return fmt.Errorf("%w: %s window %v", errInvalidPolicy, p.Name, p.Window)
	}
	return nil
}

// Tighten returns a copy of p with the limit divided by factor, never below 1.
func (p Policy) Tighten(factor int) Policy {
	if factor <= 1 {
		return p
	}
	p.Limit = max(p.Limit/factor, 1)
	return p
}

// Result describes one Check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// Degraded is set when the counter store could not be consulted and the
	// policy's fail mode decided the outcome.
	Degraded bool
}

// RetryAfter returns whole seconds until the window resets, at least 1.
func (r Result) RetryAfter(now time.Time) int {
	secs := int(math.Ceil(r.ResetAt.Sub(now).Seconds()))
	return max(secs, 1)
}

// Limiter checks requests against policies.
type Limiter struct {
	counter Counter
	now     func() time.Time
}

// New returns a Limiter on counter.
func New(counter Counter) *Limiter {
	return &Limiter{counter: counter, now: time.Now}
}

// WithClock swaps the time source (tests).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	if now != nil {
		l.now = now
	}
	return l
}

// Key returns the counter key for identity under p at t.
// Windows are aligned to the unix epoch: index = floor(unix seconds / window seconds).
func Key(p Policy, identity string, t time.Time) string {
	return "ratelimit:" + p.Name + ":" + identity + ":" + strconv.FormatInt(windowIndex(p, t), 10)
}

func windowIndex(p Policy, t time.Time) int64 {
	return t.Unix() / int64(p.Window/time.Second)
}

func windowEnd(p Policy, t time.Time) time.Time {
	w := int64(p.Window / time.Second)
	return time.Unix((windowIndex(p, t)+1)*w, 0)
}

// Check counts one request for identity against p.
// Counts are incremented even when the request is denied.
func (l *Limiter) Check(ctx context.Context, identity string, p Policy) Result {
	now := l.now()

	if err := p.Validate(); err != nil {
		slog.ErrorContext(ctx, "rate limit policy rejected", "error", err)
		return Result{Allowed: !p.FailClosed, Limit: p.Limit, ResetAt: now, Degraded: true}
	}

	reset := windowEnd(p, now)

	// A full window of TTL always outlives the window the key is indexed by.
	n, err := l.counter.IncrementWindow(ctx, Key(p, identity, now), p.Window)
	if err != nil {
		slog.WarnContext(ctx, "rate limit store unavailable",
			"policy", p.Name,
			"fail_closed", p.FailClosed,
			"error", err,
		)
		res := Result{Allowed: !p.FailClosed, Limit: p.Limit, ResetAt: reset, Degraded: true}
		if res.Allowed {
			res.Remaining = p.Limit
		}
		return res
	}

	remaining := max(int64(p.Limit)-n, 0)
	return Result{
		Allowed:   n <= int64(p.Limit),
		Limit:     p.Limit,
		Remaining: int(remaining),
		ResetAt:   reset,
	}
}

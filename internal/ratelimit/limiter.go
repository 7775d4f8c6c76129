// Package ratelimit enforces fixed-window request limits.
//
// limiter.go -- Rules, the Limiter and its errors.
// Counters live behind CounterStore: Redis when several replicas share limits,
// MemoryStore for a single process and tests.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLimitExceeded is matched by every *LimitError.
// Callers use errors.Is to tell rate limiting apart from store failures.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// LimitError reports which rule tripped and when it resets.
type LimitError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Scope, e.RetryAfter.Round(time.Second))
}

// Is makes errors.Is(err, ErrLimitExceeded) true.
func (e *LimitError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// CounterStore holds fixed-window counters. Hit must be atomic per key.
// Satisfied by *store.RedisCounterStore and *MemoryStore.
type CounterStore interface {
	// Hit records one event if the key's count is below limit, starting a window on first use.
	// Returns the count after the call, whether it was admitted, and the time until reset.
	Hit(ctx context.Context, key string, limit int, window time.Duration) (int64, bool, time.Duration, error)

	// Count returns the current count for key. Missing keys count as zero.
	Count(ctx context.Context, key string) (int64, error)

	// TTL returns the time until key's window resets, zero if none is open.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Reset clears key's window.
	Reset(ctx context.Context, key string) error
}

// Rule is one named limit: at most Limit events per Window for each discriminator.
type Rule struct {
	Scope  string
	Limit  int
	Window time.Duration
}

func (r Rule) key(discriminator string) string {
	return r.Scope + ":" + discriminator
}

// Observer is notified of rejections. Used for metrics.
type Observer interface {
	RateLimited(scope string)
}

// Limiter applies Rules against a CounterStore.
type Limiter struct {
	store    CounterStore
	observer Observer
}

// NewLimiter returns a Limiter over store. observer may be nil.
func NewLimiter(store CounterStore, observer Observer) *Limiter {
	return &Limiter{store: store, observer: observer}
}

// Performed records one event for discriminator under rule.
// Returns a *LimitError if the window is already full; the rejected event is not counted.
func (l *Limiter) Performed(ctx context.Context, rule Rule, discriminator string) error {
	_, ok, resetIn, err := l.store.Hit(ctx, rule.key(discriminator), rule.Limit, rule.Window)
	if err != nil {
		return fmt.Errorf("recording %s: %w", rule.Scope, err)
	}
	if !ok {
		return l.reject(rule, resetIn)
	}
	return nil
}

// CanPerform reports, without recording anything, whether one more event would be admitted.
// Returns a *LimitError if not.
func (l *Limiter) CanPerform(ctx context.Context, rule Rule, discriminator string) error {
	key := rule.key(discriminator)
	n, err := l.store.Count(ctx, key)
	if err != nil {
		return fmt.Errorf("checking %s: %w", rule.Scope, err)
	}
	if n < int64(rule.Limit) {
		return nil
	}
	resetIn, err := l.store.TTL(ctx, key)
	if err != nil || resetIn <= 0 {
		resetIn = rule.Window
	}
	return l.reject(rule, resetIn)
}

// Clear resets discriminator's window under rule.
func (l *Limiter) Clear(ctx context.Context, rule Rule, discriminator string) error {
	return l.store.Reset(ctx, rule.key(discriminator))
}

func (l *Limiter) reject(rule Rule, resetIn time.Duration) error {
	if l.observer != nil {
		l.observer.RateLimited(rule.Scope)
	}
	return &LimitError{Scope: rule.Scope, RetryAfter: resetIn}
}

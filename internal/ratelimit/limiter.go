// Package ratelimit implements fixed-window request counters keyed by
// arbitrary identifiers such as "ip:203.0.113.0" or "project:abc".
//
// A window opens on the first request for a key and admits up to limit
// requests until it expires. Because windows are fixed, a burst straddling a
// boundary can admit up to twice the limit; that is accepted behaviour.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result reports the outcome of a single check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the time left until the window resets, never below one second.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetAt.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}

// Checker is the admission contract shared by the in-memory and Redis
// limiters.
type Checker interface {
	Check(ctx context.Context, identifier string, limit int, window time.Duration) (Result, error)
}

type record struct {
	count   int
	resetAt time.Time
}

// Limiter is a single-process fixed-window limiter. It is safe for concurrent
// use; expired records are removed by Sweep or by running Serve.
type Limiter struct {
	mu      sync.Mutex
	records map[string]*record

	interval time.Duration
	now      func() time.Time
}

type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSweepInterval sets how often Serve discards expired records.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.interval = d }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		records:  make(map[string]*record),
		interval: time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Check(_ context.Context, identifier string, limit int, window time.Duration) (Result, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[identifier]
	if !ok || now.After(rec.resetAt) {
		rec = &record{count: 1, resetAt: now.Add(window)}
		l.records[identifier] = rec
		return Result{Allowed: true, Remaining: limit - 1, ResetAt: rec.resetAt}, nil
	}

	if rec.count >= limit {
		return Result{Allowed: false, Remaining: 0, ResetAt: rec.resetAt}, nil
	}

	rec.count++
	return Result{Allowed: true, Remaining: limit - rec.count, ResetAt: rec.resetAt}, nil
}

// Sweep drops records whose window has elapsed and returns how many it dropped.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, rec := range l.records {
		if rec.resetAt.Before(now) {
			delete(l.records, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live records.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Serve sweeps on every interval until ctx is cancelled.
func (l *Limiter) Serve(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func (l *Limiter) String() string { return "ratelimit-sweeper" }

// Package ratelimiter implements the gateway's two-tier (global, per-key)
// sliding-window request limiter, grounded on the counter/TTL shape of the
// pack's Redis-backed login limiter but adapted to an in-memory,
// process-monotonic bucket scheme since the gateway carries no external
// cache dependency for this concern.
package ratelimiter

import (
	"errors"
	"sync"
	"time"
)

// Reason names which tier/bucket a check failed against.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonGlobalPerMinute Reason = "global_per_minute"
	ReasonGlobalPerHour   Reason = "global_per_hour"
	ReasonPerKeyPerMinute Reason = "per_key_per_minute"
	ReasonPerKeyPerHour   Reason = "per_key_per_hour"
)

// ErrRateLimited is wrapped with the violated Reason; use errors.As to
// recover it.
var ErrRateLimited = errors.New("ratelimiter: request rejected")

// LimitError carries the specific tier/bucket that rejected the request.
type LimitError struct {
	Reason Reason
}

func (e *LimitError) Error() string { return string(ErrRateLimited.Error()) + ": " + string(e.Reason) }

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// Limits configures the four bucket ceilings. A zero ceiling disables
// that bucket's check entirely.
type Limits struct {
	GlobalPerMinute int
	GlobalPerHour   int
	PerKeyPerMinute int
	PerKeyPerHour   int
}

// bucket is a single counter keyed by a process-monotonic time index.
type bucket struct {
	mu      sync.Mutex
	counts  map[int64]int
	updated map[int64]time.Time
}

func newBucket() *bucket {
	return &bucket{counts: make(map[int64]int), updated: make(map[int64]time.Time)}
}

func (b *bucket) increment(index int64, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[index]++
	b.updated[index] = now
}

func (b *bucket) count(index int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[index]
}

// sweep drops any index untouched for longer than maxAge.
func (b *bucket) sweep(now time.Time, maxAge time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for idx, t := range b.updated {
		if now.Sub(t) > maxAge {
			delete(b.counts, idx)
			delete(b.updated, idx)
		}
	}
}

const sweepAge = 2 * time.Hour

// Limiter is a two-tier (global, per-key), two-bucket (per-minute,
// per-hour) in-memory rate limiter. All counters are process-monotonic:
// keys are minute/hour indices since the limiter's start instant, not
// wall-clock timestamps, so a restarted process never inherits stale
// state.
type Limiter struct {
	start  time.Time
	limits Limits

	globalMinute *bucket
	globalHour   *bucket

	keyMu        sync.Mutex
	perKeyMinute map[string]*bucket
	perKeyHour   map[string]*bucket
}

// New constructs a Limiter whose minute/hour indices are relative to the
// construction instant.
func New(limits Limits) *Limiter {
	return &Limiter{
		start:        time.Now(),
		limits:       limits,
		globalMinute: newBucket(),
		globalHour:   newBucket(),
		perKeyMinute: make(map[string]*bucket),
		perKeyHour:   make(map[string]*bucket),
	}
}

func (l *Limiter) indices(now time.Time) (minuteIdx, hourIdx int64) {
	elapsed := now.Sub(l.start)
	return int64(elapsed / time.Minute), int64(elapsed / time.Hour)
}

func (l *Limiter) keyBucket(m map[string]*bucket, key string) *bucket {
	l.keyMu.Lock()
	defer l.keyMu.Unlock()
	b, ok := m[key]
	if !ok {
		b = newBucket()
		m[key] = b
	}
	return b
}

// Check reports the first violated tier/bucket, or nil if the request is
// currently allowed. key is empty for anonymous/unkeyed traffic, in which
// case only the global tier is evaluated.
func (l *Limiter) Check(key string) error {
	now := time.Now()
	minuteIdx, hourIdx := l.indices(now)

	if l.limits.GlobalPerMinute > 0 && l.globalMinute.count(minuteIdx) >= l.limits.GlobalPerMinute {
		return &LimitError{Reason: ReasonGlobalPerMinute}
	}
	if l.limits.GlobalPerHour > 0 && l.globalHour.count(hourIdx) >= l.limits.GlobalPerHour {
		return &LimitError{Reason: ReasonGlobalPerHour}
	}
	if key == "" {
		return nil
	}
	if l.limits.PerKeyPerMinute > 0 {
		b := l.keyBucket(l.perKeyMinute, key)
		if b.count(minuteIdx) >= l.limits.PerKeyPerMinute {
			return &LimitError{Reason: ReasonPerKeyPerMinute}
		}
	}
	if l.limits.PerKeyPerHour > 0 {
		b := l.keyBucket(l.perKeyHour, key)
		if b.count(hourIdx) >= l.limits.PerKeyPerHour {
			return &LimitError{Reason: ReasonPerKeyPerHour}
		}
	}
	return nil
}

// Record increments every applicable tier/bucket for key and sweeps
// buckets older than two hours, opportunistically bounding memory growth
// without a dedicated background goroutine.
func (l *Limiter) Record(key string) {
	now := time.Now()
	minuteIdx, hourIdx := l.indices(now)

	l.globalMinute.increment(minuteIdx, now)
	l.globalHour.increment(hourIdx, now)
	l.globalMinute.sweep(now, sweepAge)
	l.globalHour.sweep(now, sweepAge)

	if key == "" {
		return
	}
	mb := l.keyBucket(l.perKeyMinute, key)
	hb := l.keyBucket(l.perKeyHour, key)
	mb.increment(minuteIdx, now)
	hb.increment(hourIdx, now)
	mb.sweep(now, sweepAge)
	hb.sweep(now, sweepAge)
}

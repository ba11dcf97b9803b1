// Package tokenbucket implements a fixed-interval refilling token bucket.
//
// This is the leaf primitive behind every per-bucket account the throttling
// gateway keeps (time-cost, error-count, throttle-count). It generalizes the
// common atomic CAS-loop bucket used for simple requests-per-second
// limiting: capacity/refill-rate here is expressed as a
// capacity/refill-amount/refill-period triple so a single implementation
// serves both a millisecond-denominated compute budget and a plain event
// counter.
//
// Design Notes:
//   - Lock-free via atomic CAS retry loop (no mutex on the hot path).
//   - Refill is lazy: applied on every call, never via a background goroutine.
//   - Time units are whatever the caller's n represents; the bucket itself
//     only knows "tokens."
//
// Trade-offs:
//   - Two independent atomics (count, lastRefill) rather than one packed
//     word: simpler, at the cost of a best-effort (not linearizable) refill
//     timestamp update under heavy contention. Over-admission in that window
//     is bounded and tolerated by the throttling gateway's concurrency model.
package tokenbucket

import (
	"sync/atomic"
	"time"

	"encore.app/pkg/clock"
)

// TokenBucket is a rate-limited integer counter with capacity C, refill
// amount R every period P, safe under concurrent callers.
type TokenBucket struct {
	capacity     int64
	refillAmount int64
	refillPeriod time.Duration
	clock        clock.Clock

	count      int64 // atomic
	lastRefill int64 // atomic, UnixNano
}

// New creates a token bucket starting at full capacity, using the real clock.
//
// Panics if capacity, refillAmount <= 0 or refillPeriod <= 0 — construction
// requires C > 0, R > 0, P > 0 per contract.
func New(capacity, refillAmount int64, refillPeriod time.Duration) *TokenBucket {
	return NewWithClock(capacity, refillAmount, refillPeriod, clock.Real{})
}

// NewWithClock is New with an injectable clock, for deterministic tests.
func NewWithClock(capacity, refillAmount int64, refillPeriod time.Duration, c clock.Clock) *TokenBucket {
	if capacity <= 0 {
		panic("tokenbucket: capacity must be positive")
	}
	if refillAmount <= 0 {
		panic("tokenbucket: refillAmount must be positive")
	}
	if refillPeriod <= 0 {
		panic("tokenbucket: refillPeriod must be positive")
	}

	return &TokenBucket{
		capacity:     capacity,
		refillAmount: refillAmount,
		refillPeriod: refillPeriod,
		clock:        c,
		count:        capacity,
		lastRefill:   c.Now().UnixNano(),
	}
}

// refill computes the post-refill (count, lastRefillNanos) pair for "now"
// given a snapshot (count, lastRefillNanos). Pure function, no side effects.
func (b *TokenBucket) refill(now time.Time, count, lastRefillNanos int64) (int64, int64) {
	elapsed := now.Sub(time.Unix(0, lastRefillNanos))
	periods := int64(elapsed / b.refillPeriod)
	if periods <= 0 {
		return count, lastRefillNanos
	}

	newCount := count + periods*b.refillAmount
	if newCount > b.capacity {
		newCount = b.capacity
	}
	newLastRefill := lastRefillNanos + int64(periods)*int64(b.refillPeriod)
	return newCount, newLastRefill
}

// TryConsume succeeds (and decrements) iff the post-refill count >= n, else
// fails without side effect.
func (b *TokenBucket) TryConsume(n int64) bool {
	now := b.clock.Now()

	for {
		count := atomic.LoadInt64(&b.count)
		lastRefill := atomic.LoadInt64(&b.lastRefill)

		newCount, newLastRefill := b.refill(now, count, lastRefill)
		if newCount < n {
			// Publish the refill even on failure so a subsequent call sees
			// the already-accounted periods rather than re-computing them.
			if newCount != count || newLastRefill != lastRefill {
				atomic.CompareAndSwapInt64(&b.count, count, newCount)
				atomic.CompareAndSwapInt64(&b.lastRefill, lastRefill, newLastRefill)
			}
			return false
		}

		if atomic.CompareAndSwapInt64(&b.count, count, newCount-n) {
			atomic.CompareAndSwapInt64(&b.lastRefill, lastRefill, newLastRefill)
			return true
		}
		// CAS lost the race, retry.
	}
}

// ConsumeOrOverdraw always decrements after a lazy refill, clamping at 0.
// Returns the shortfall (how many tokens were owed beyond what was
// available — 0 if n was fully covered) and the remaining post-decrement
// count, which callers use to detect "bucket just went empty."
func (b *TokenBucket) ConsumeOrOverdraw(n int64) (shortfall, remaining int64) {
	now := b.clock.Now()

	for {
		count := atomic.LoadInt64(&b.count)
		lastRefill := atomic.LoadInt64(&b.lastRefill)

		newCount, newLastRefill := b.refill(now, count, lastRefill)

		var after int64
		if newCount >= n {
			after = newCount - n
			shortfall = 0
		} else {
			after = 0
			shortfall = n - newCount
		}

		if atomic.CompareAndSwapInt64(&b.count, count, after) {
			atomic.CompareAndSwapInt64(&b.lastRefill, lastRefill, newLastRefill)
			return shortfall, after
		}
		// CAS lost the race, retry.
	}
}

// TimeUntilAvailable returns the duration until TryConsume(n) would succeed,
// assuming no further consumption. Zero if already available.
func (b *TokenBucket) TimeUntilAvailable(n int64) time.Duration {
	now := b.clock.Now()
	count := atomic.LoadInt64(&b.count)
	lastRefill := atomic.LoadInt64(&b.lastRefill)

	newCount, newLastRefill := b.refill(now, count, lastRefill)
	if newCount >= n {
		return 0
	}

	shortfall := n - newCount
	periodsNeeded := (shortfall + b.refillAmount - 1) / b.refillAmount // ceil
	availableAt := time.Unix(0, newLastRefill).Add(time.Duration(periodsNeeded) * b.refillPeriod)

	d := availableAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Count returns the current, post-refill token count. Triggers a refill as
// a side effect, same mechanism as TryConsume and ConsumeOrOverdraw.
func (b *TokenBucket) Count() int64 {
	now := b.clock.Now()
	for {
		count := atomic.LoadInt64(&b.count)
		lastRefill := atomic.LoadInt64(&b.lastRefill)
		newCount, newLastRefill := b.refill(now, count, lastRefill)
		if newCount == count && newLastRefill == lastRefill {
			return count
		}
		if atomic.CompareAndSwapInt64(&b.count, count, newCount) {
			atomic.CompareAndSwapInt64(&b.lastRefill, lastRefill, newLastRefill)
			return newCount
		}
	}
}

// Capacity returns the bucket's configured capacity C.
func (b *TokenBucket) Capacity() int64 { return b.capacity }

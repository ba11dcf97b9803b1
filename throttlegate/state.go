// Package throttlegate implements the request throttling and banning engine
// that sits in front of the Wikidata RDF query endpoint: it classifies every
// request into a bucket, accounts its cost/outcome against three per-bucket
// token buckets, and either admits, throttles (429 + Retry-After), or bans
// (403) the client.
package throttlegate

import (
	"sync/atomic"
	"time"

	"encore.app/pkg/bucketkey"
	"encore.app/pkg/clock"
	"encore.app/pkg/tokenbucket"
)

// ThrottlingState is the mutable per-bucket record: three independent token
// buckets plus a ban deadline. All three buckets are instantiated together at
// construction and never replaced; bannedUntil only moves forward.
type ThrottlingState struct {
	TimeBucket     *tokenbucket.TokenBucket // milliseconds of compute budget
	ErrorBucket    *tokenbucket.TokenBucket // count of permitted errors
	ThrottleBucket *tokenbucket.TokenBucket // count of permitted throttling incidents

	bannedUntil atomic.Value // time.Time
	clock       clock.Clock
}

// newThrottlingState constructs all three buckets together, per the
// "instantiated together and never replaced" invariant.
func newThrottlingState(cfg BucketConfig, c clock.Clock) *ThrottlingState {
	s := &ThrottlingState{
		TimeBucket:     tokenbucket.NewWithClock(cfg.TimeCapacityMs, cfg.TimeRefillMs, cfg.TimeRefillPeriod, c),
		ErrorBucket:    tokenbucket.NewWithClock(cfg.ErrorCapacity, cfg.ErrorRefill, cfg.ErrorRefillPeriod, c),
		ThrottleBucket: tokenbucket.NewWithClock(cfg.ThrottleCapacity, cfg.ThrottleRefill, cfg.ThrottleRefillPeriod, c),
		clock:          c,
	}
	s.bannedUntil.Store(time.Time{}) // epoch sentinel: "not banned"
	return s
}

// BannedUntil returns the current ban deadline; the zero time.Time means
// "not banned."
func (s *ThrottlingState) BannedUntil() time.Time {
	return s.bannedUntil.Load().(time.Time)
}

// extendBan sets bannedUntil to max(current, until) — bans never shrink nor
// get overwritten by an earlier deadline; a fresh ban only ever extends.
// Retries the compare-and-swap until it wins or another goroutine has
// already stored a deadline at least as late as until, so two concurrent
// extensions can never leave the smaller deadline as the final value.
func (s *ThrottlingState) extendBan(until time.Time) {
	for {
		current := s.bannedUntil.Load().(time.Time)
		if !until.After(current) {
			return
		}
		if s.bannedUntil.CompareAndSwap(current, until) {
			return
		}
	}
}

// stateKey is the string form of a bucketkey.Key, used as the statestore's
// map key.
func stateKey(k bucketkey.Key) string { return k.String() }

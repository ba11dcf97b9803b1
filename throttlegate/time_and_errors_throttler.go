package throttlegate

import (
	"net/http"
	"time"

	"encore.app/pkg/bucketkey"
	"encore.app/pkg/clock"
	"encore.app/pkg/statestore"
)

// notThrottled is the sentinel duration returned when a caller should not be
// throttled: always non-positive, so callers can test with a single
// comparison against zero.
const notThrottled = -1 * time.Nanosecond

// TimeAndErrorsThrottler tracks per-bucket resource cost and error outcomes
// and decides whether a request should be throttled on their account.
type TimeAndErrorsThrottler struct {
	store *statestore.Store
	cfg   Config
	clock clock.Clock
}

func newTimeAndErrorsThrottler(store *statestore.Store, cfg Config, c clock.Clock) *TimeAndErrorsThrottler {
	return &TimeAndErrorsThrottler{store: store, cfg: cfg, clock: c}
}

// lookup returns the existing state for key without creating one.
func (t *TimeAndErrorsThrottler) lookup(key bucketkey.Key) (*ThrottlingState, bool) {
	v, ok := t.store.Get(stateKey(key))
	if !ok {
		return nil, false
	}
	return v.(*ThrottlingState), true
}

func (t *TimeAndErrorsThrottler) getOrCreate(key bucketkey.Key) *ThrottlingState {
	v := t.store.GetOrCreate(stateKey(key), func() interface{} {
		return newThrottlingState(t.cfg.Buckets, t.clock)
	})
	return v.(*ThrottlingState)
}

// active reports whether throttling should be evaluated for this request at
// all, honoring the enable-if-header gate and the always-throttle test hook.
func (t *TimeAndErrorsThrottler) active(r *http.Request) bool {
	if t.cfg.AlwaysThrottleParam != "" && r.URL.Query().Get(t.cfg.AlwaysThrottleParam) != "" {
		return true
	}
	if t.cfg.EnableThrottlingIfHeader == "" {
		return true
	}
	return r.Header.Get(t.cfg.EnableThrottlingIfHeader) != ""
}

// ThrottledDuration returns how long the caller should be asked to back off.
// A non-positive value means "not throttled." If no state exists yet for
// this key, returns notThrottled without creating one — well-behaved
// clients that have never tripped a bucket never cause an allocation.
func (t *TimeAndErrorsThrottler) ThrottledDuration(key bucketkey.Key, r *http.Request) time.Duration {
	if !t.active(r) {
		return notThrottled
	}

	if t.cfg.AlwaysThrottleParam != "" && r.URL.Query().Get(t.cfg.AlwaysThrottleParam) != "" {
		if t.cfg.RequestDurationThreshold > 0 {
			return t.cfg.RequestDurationThreshold
		}
		return time.Second // forced throttle still needs a positive Retry-After
	}

	state, ok := t.lookup(key)
	if !ok {
		return notThrottled
	}

	timeAvailable := state.TimeBucket.TimeUntilAvailable(1)
	errorAvailable := state.ErrorBucket.TimeUntilAvailable(1)

	if timeAvailable <= 0 && errorAvailable <= 0 {
		return notThrottled
	}

	if timeAvailable > errorAvailable {
		return timeAvailable
	}
	return errorAvailable
}

// Success accounts a successful (status < 400) request. Below the
// configured duration threshold this is a pure no-op — no state is created
// and no bucket is touched, so fast, well-behaved traffic never pays for
// state it doesn't need.
func (t *TimeAndErrorsThrottler) Success(key bucketkey.Key, r *http.Request, elapsed time.Duration) {
	if !t.active(r) {
		return
	}
	if elapsed < t.cfg.RequestDurationThreshold {
		return
	}
	state := t.getOrCreate(key)
	state.TimeBucket.ConsumeOrOverdraw(elapsed.Milliseconds())
}

// Failure accounts a failed (status >= 400, or handler error) request.
// Unlike Success, this always lazily creates state and always charges both
// the time and error buckets, regardless of the duration threshold — a
// single failure simultaneously pressures two independent accounts.
func (t *TimeAndErrorsThrottler) Failure(key bucketkey.Key, r *http.Request, elapsed time.Duration) {
	if !t.active(r) {
		return
	}
	state := t.getOrCreate(key)
	state.TimeBucket.ConsumeOrOverdraw(elapsed.Milliseconds())
	state.ErrorBucket.ConsumeOrOverdraw(1)
}

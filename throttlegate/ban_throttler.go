package throttlegate

import (
	"net/http"
	"time"

	"encore.app/pkg/bucketkey"
	"encore.app/pkg/clock"
	"encore.app/pkg/statestore"
)

// BanThrottler turns repeated throttling events into bans.
type BanThrottler struct {
	store *statestore.Store
	cfg   Config
	clock clock.Clock
}

func newBanThrottler(store *statestore.Store, cfg Config, c clock.Clock) *BanThrottler {
	return &BanThrottler{store: store, cfg: cfg, clock: c}
}

func (b *BanThrottler) active(r *http.Request) bool {
	if b.cfg.AlwaysBanParam != "" && r.URL.Query().Get(b.cfg.AlwaysBanParam) != "" {
		return true
	}
	if b.cfg.EnableBanIfHeader == "" {
		return true
	}
	return r.Header.Get(b.cfg.EnableBanIfHeader) != ""
}

func (b *BanThrottler) lookup(key bucketkey.Key) (*ThrottlingState, bool) {
	v, ok := b.store.Get(stateKey(key))
	if !ok {
		return nil, false
	}
	return v.(*ThrottlingState), true
}

func (b *BanThrottler) getOrCreate(key bucketkey.Key) *ThrottlingState {
	v := b.store.GetOrCreate(stateKey(key), func() interface{} {
		return newThrottlingState(b.cfg.Buckets, b.clock)
	})
	return v.(*ThrottlingState)
}

// ThrottledUntil returns the bucket's ban deadline if it is in the future,
// else the epoch sentinel (time.Time{}) meaning "not banned."
func (b *BanThrottler) ThrottledUntil(key bucketkey.Key, r *http.Request) time.Time {
	if !b.active(r) {
		return time.Time{}
	}

	if b.cfg.AlwaysBanParam != "" && r.URL.Query().Get(b.cfg.AlwaysBanParam) != "" {
		return b.clock.Now().Add(b.cfg.BanDuration)
	}

	state, ok := b.lookup(key)
	if !ok {
		return time.Time{}
	}

	until := state.BannedUntil()
	if until.After(b.clock.Now()) {
		return until
	}
	return time.Time{}
}

// Throttled is invoked by the filter after it decides to throttle a
// request. It lazily creates state, charges the throttle bucket by one
// incident, and — if that charge emptied the bucket — sets the ban deadline.
// A fresh ban never shrinks an existing one: extendBan takes max(current,
// new).
func (b *BanThrottler) Throttled(key bucketkey.Key, r *http.Request) {
	if !b.active(r) {
		return
	}

	state := b.getOrCreate(key)
	_, remaining := state.ThrottleBucket.ConsumeOrOverdraw(1)
	if remaining == 0 {
		state.extendBan(b.clock.Now().Add(b.cfg.BanDuration))
	}
}

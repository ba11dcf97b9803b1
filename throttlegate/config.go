package throttlegate

import (
	"fmt"
	"time"
)

// BucketConfig is the fully-resolved numeric configuration for the three
// per-bucket token buckets a ThrottlingState owns.
type BucketConfig struct {
	TimeCapacityMs   int64
	TimeRefillMs     int64
	TimeRefillPeriod time.Duration

	ErrorCapacity     int64
	ErrorRefill       int64
	ErrorRefillPeriod time.Duration

	ThrottleCapacity     int64
	ThrottleRefill       int64
	ThrottleRefillPeriod time.Duration
}

// Config is the static, read-once-at-startup configuration for the
// throttling gateway. Invalid values are a fatal configuration error —
// initService refuses to start rather than run with an inert or broken
// engine.
type Config struct {
	Enabled bool

	// RequestDurationThreshold: successes faster than this are not
	// accounted at all (the "significant-cost threshold" optimization).
	RequestDurationThreshold time.Duration

	Buckets BucketConfig

	BanDuration time.Duration

	MaxStateSize       int
	StateExpiration    time.Duration

	EnableThrottlingIfHeader string
	EnableBanIfHeader        string
	AlwaysThrottleParam      string
	AlwaysBanParam           string

	QueryPatternFile     string
	UserAgentPatternFile string
}

// DefaultConfig returns the defaults this gateway ships with; initService
// builds the service from these values after checking them with Validate.
func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		RequestDurationThreshold: 500 * time.Millisecond,
		Buckets: BucketConfig{
			TimeCapacityMs:       60_000,
			TimeRefillMs:         60_000,
			TimeRefillPeriod:     time.Minute,
			ErrorCapacity:        5,
			ErrorRefill:          5,
			ErrorRefillPeriod:    time.Minute,
			ThrottleCapacity:     10,
			ThrottleRefill:       10,
			ThrottleRefillPeriod: time.Minute,
		},
		BanDuration:              time.Minute,
		MaxStateSize:             100_000,
		StateExpiration:          30 * time.Minute,
		EnableThrottlingIfHeader: "",
		EnableBanIfHeader:        "",
		AlwaysThrottleParam:      "",
		AlwaysBanParam:           "",
	}
}

// Validate rejects configuration errors that would leave the filter unable
// to make sense (zero/negative capacities, periods, sizes). These are fatal
// at startup — they must prevent the filter from initializing, never
// silently degrade.
func (c Config) Validate() error {
	b := c.Buckets
	checks := []struct {
		name string
		ok   bool
	}{
		{"time-bucket-capacity-in-seconds", b.TimeCapacityMs > 0},
		{"time-bucket-refill-amount-in-seconds", b.TimeRefillMs > 0},
		{"time-bucket-refill-period-in-minutes", b.TimeRefillPeriod > 0},
		{"error-bucket-capacity", b.ErrorCapacity > 0},
		{"error-bucket-refill-amount", b.ErrorRefill > 0},
		{"error-bucket-refill-period-in-minutes", b.ErrorRefillPeriod > 0},
		{"throttle-bucket-capacity", b.ThrottleCapacity > 0},
		{"throttle-bucket-refill-amount", b.ThrottleRefill > 0},
		{"throttle-bucket-refill-period-in-minutes", b.ThrottleRefillPeriod > 0},
		{"ban-duration-in-minutes", c.BanDuration > 0},
		{"max-state-size", c.MaxStateSize > 0},
		{"state-expiration-in-minutes", c.StateExpiration > 0},
	}
	for _, check := range checks {
		if !check.ok {
			return fmt.Errorf("throttlegate: invalid configuration: %s must be positive", check.name)
		}
	}
	return nil
}

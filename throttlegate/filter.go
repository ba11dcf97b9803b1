package throttlegate

import (
	"context"
	"fmt"
	"net/http"
	stdatomic "sync/atomic"
	"time"

	"go.uber.org/atomic"

	"encore.app/pkg/bucketkey"
	"encore.app/pkg/clock"
	"encore.app/pkg/obslog"
	"encore.app/pkg/statestore"
)

// Filter is the orchestrator: it classifies every request, consults the ban
// and throttle throttlers in order, and — if neither gate fires — invokes
// the downstream handler and accounts its outcome.
//
// Control flow per request:
//
//	request → classify(bucketKey) → banner.ThrottledUntil → [403]
//	  → throttler.ThrottledDuration → [429, then banner.Throttled]
//	  → downstream handler → timer stops → success/failure accounting.
type Filter struct {
	cfg        Config
	classifier stdatomic.Pointer[bucketkey.Chain]
	banner     *BanThrottler
	throttler  *TimeAndErrorsThrottler
	store      *statestore.Store
	clock      clock.Clock

	throttledCount atomic.Int64
	bannedCount    atomic.Int64
}

// NewFilter builds a Filter from resolved configuration and a classification
// chain. Use clock.Real{} in production; tests inject a clock.Manual.
func NewFilter(cfg Config, classifier *bucketkey.Chain, c clock.Clock) *Filter {
	store := statestore.NewWithClock(cfg.MaxStateSize, cfg.StateExpiration, c)
	f := &Filter{
		cfg:       cfg,
		banner:    newBanThrottler(store, cfg, c),
		throttler: newTimeAndErrorsThrottler(store, cfg, c),
		store:     store,
		clock:     c,
	}
	f.classifier.Store(classifier)
	return f
}

// SetClassifier atomically swaps the classification chain, used by
// ReloadPatterns to pick up edited pattern files without a restart.
func (f *Filter) SetClassifier(classifier *bucketkey.Chain) {
	f.classifier.Store(classifier)
}

// responseRecorder captures the status code the downstream handler wrote,
// so the filter can account success/failure after the handler returns.
type responseRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseRecorder) WriteHeader(statusCode int) {
	if !rw.wroteHeader {
		rw.statusCode = statusCode
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseRecorder) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.statusCode = http.StatusOK
		rw.wroteHeader = true
	}
	return rw.ResponseWriter.Write(b)
}

// Wrap returns next wrapped with the throttling/banning state machine.
func (f *Filter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		key := f.classifier.Load().Classify(r)
		requestID := obslog.RequestID(r)

		if until := f.banner.ThrottledUntil(key, r); !until.IsZero() {
			f.bannedCount.Inc()
			f.publishDecision(key, obslog.DecisionBanned, requestID, r,
				fmt.Sprintf("banned until %s", until.UTC().Format(time.RFC3339)))
			writeBanned(w, until)
			return
		}

		if d := f.throttler.ThrottledDuration(key, r); d >= 0 {
			seconds := int(d / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			f.throttledCount.Inc()
			f.banner.Throttled(key, r)
			f.publishDecision(key, obslog.DecisionThrottled, requestID, r,
				fmt.Sprintf("retry after %ds", seconds))
			writeThrottled(w, seconds)
			return
		}

		rec := &responseRecorder{ResponseWriter: w}
		start := f.clock.Now()

		defer func() {
			elapsed := f.clock.Now().Sub(start)
			if p := recover(); p != nil {
				f.throttler.Failure(key, r, elapsed)
				panic(p)
			}
			if rec.statusCode >= http.StatusBadRequest {
				f.throttler.Failure(key, r, elapsed)
			} else {
				f.throttler.Success(key, r, elapsed)
			}
		}()

		next.ServeHTTP(rec, r)
	})
}

// publishDecision fires the audit event asynchronously: publishing never
// gates or delays the response, matching the single-process non-goal (audit
// is observability, not a feedback path into admission decisions).
func (f *Filter) publishDecision(key bucketkey.Key, decision obslog.Decision, requestID string, r *http.Request, detail string) {
	obslog.LogDecision(requestID, r, key.String(), decision, detail)

	evt := &AuditEvent{
		BucketKey: key.String(),
		Decision:  string(decision),
		Detail:    detail,
		RequestID: requestID,
		Path:      r.URL.Path,
		Timestamp: f.clock.Now(),
	}
	go func() {
		if _, err := AuditTopic.Publish(context.Background(), evt); err != nil {
			obslog.LogDecision(requestID, r, key.String(), decision, "audit publish failed: "+err.Error())
		}
	}()
}

func writeBanned(w http.ResponseWriter, until time.Time) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	fmt.Fprintf(w, "You have been banned until %s, please respect throttling and retry-after headers.",
		until.UTC().Format(time.RFC3339))
}

func writeThrottled(w http.ResponseWriter, seconds int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	fmt.Fprintf(w, "Too Many Requests - Please retry in %d seconds.", seconds)
}

// ThrottledCount returns the running count of throttled (429) responses.
func (f *Filter) ThrottledCount() int64 { return f.throttledCount.Load() }

// BannedCount returns the running count of banned (403) responses.
func (f *Filter) BannedCount() int64 { return f.bannedCount.Load() }

// StateSize returns the current number of live bucket states, for the
// management metrics endpoint.
func (f *Filter) StateSize() int { return f.store.Size() }

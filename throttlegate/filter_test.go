package throttlegate

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"encore.app/pkg/bucketkey"
	"encore.app/pkg/clock"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxStateSize = 1000
	cfg.StateExpiration = time.Hour
	return cfg
}

func newTestFilter(t *testing.T, cfg Config) (*Filter, *clock.Manual) {
	t.Helper()
	mc := clock.NewManual(time.Unix(0, 0))
	classifier := bucketkey.NewChain(bucketkey.NewUserAgentIPBucketing())
	return NewFilter(cfg, classifier, mc), mc
}

func request(ip, ua string) *http.Request {
	r := httptest.NewRequest("GET", "/sparql", nil)
	r.RemoteAddr = ip + ":12345"
	r.Header.Set("User-Agent", ua)
	return r
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func errHandler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
}

// S1: fresh client, fast 200, threshold 500ms — pass-through, no counters.
func TestS1_Admit(t *testing.T) {
	cfg := testConfig()
	cfg.RequestDurationThreshold = 500 * time.Millisecond
	f, mc := newTestFilter(t, cfg)

	handler := f.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mc.Advance(10 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, request("10.0.0.1", "client/1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rr.Code)
	}
	if f.StateSize() != 0 {
		t.Errorf("no state should be created below threshold, got size %d", f.StateSize())
	}
	if f.ThrottledCount() != 0 || f.BannedCount() != 0 {
		t.Error("counters should be unchanged on admit")
	}
}

// S2: time bucket C=R=60000ms, P=1min. Seven requests @10000ms each; the
// 7th is throttled.
func TestS2_ThrottleOnTime(t *testing.T) {
	cfg := testConfig()
	cfg.RequestDurationThreshold = 0
	cfg.Buckets.TimeCapacityMs = 60000
	cfg.Buckets.TimeRefillMs = 60000
	cfg.Buckets.TimeRefillPeriod = time.Minute
	f, mc := newTestFilter(t, cfg)

	handler := f.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mc.Advance(10000 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))

	var lastCode int
	var lastRetryAfter string
	for i := 0; i < 7; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, request("10.0.0.2", "client/1"))
		lastCode = rr.Code
		lastRetryAfter = rr.Header().Get("Retry-After")
	}

	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("7th request got status %d, want 429", lastCode)
	}
	if lastRetryAfter == "" {
		t.Error("expected Retry-After header on throttle")
	}
}

// S3: error bucket C=R=5, P=1min. Five consecutive 500s exhaust the error
// bucket (the decision for request N reads the state left by the first
// N-1 failures); the 6th request is throttled.
func TestS3_ThrottleOnErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Buckets.ErrorCapacity = 5
	cfg.Buckets.ErrorRefill = 5
	cfg.Buckets.ErrorRefillPeriod = time.Minute
	f, _ := newTestFilter(t, cfg)

	handler := f.Wrap(errHandler(http.StatusInternalServerError))

	var codes []int
	for i := 0; i < 6; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, request("10.0.0.3", "client/1"))
		codes = append(codes, rr.Code)
	}

	for i := 0; i < 5; i++ {
		if codes[i] != http.StatusInternalServerError {
			t.Errorf("request %d got %d, want 500 (pass-through failure)", i+1, codes[i])
		}
	}
	if codes[5] != http.StatusTooManyRequests {
		t.Fatalf("6th request (after 5 failures exhausted the bucket) got %d, want 429; codes=%v", codes[5], codes)
	}
}

// S4: throttle bucket C=10. After 10 throttled responses, the 11th request
// is banned; ban duration 60000ms; a request 61s later is evaluated
// normally again.
func TestS4_Ban(t *testing.T) {
	cfg := testConfig()
	cfg.RequestDurationThreshold = 0
	cfg.Buckets.ErrorCapacity = 1
	cfg.Buckets.ErrorRefill = 1
	cfg.Buckets.ErrorRefillPeriod = time.Hour // don't let errors refill mid-test
	cfg.Buckets.ThrottleCapacity = 10
	cfg.Buckets.ThrottleRefill = 10
	cfg.Buckets.ThrottleRefillPeriod = time.Hour
	cfg.BanDuration = 60 * time.Second
	f, mc := newTestFilter(t, cfg)

	handler := f.Wrap(errHandler(http.StatusInternalServerError))

	// First failing request exhausts the error bucket (capacity 1) and
	// creates state; subsequent requests are throttled on errors, which
	// charges the throttle bucket each time.
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, request("10.0.0.4", "client/1"))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("first request got %d, want 500 (pass-through failure)", rr.Code)
	}

	var lastCode int
	for i := 0; i < 10; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, request("10.0.0.4", "client/1"))
		lastCode = rr.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("throttled requests should return 429 until the ban lands, got %d", lastCode)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, request("10.0.0.4", "client/1"))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("11th throttle-triggering request should be banned, got %d", rr.Code)
	}

	mc.Advance(61 * time.Second)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, request("10.0.0.4", "client/1"))
	if rr.Code == http.StatusForbidden {
		t.Error("ban should have expired after 61s")
	}
}

// S5: two distinct clients share a regex bucket; combined cost exhausts the
// shared time bucket even though neither alone would. The first request
// leaves 5000 of 15000 ms, so the second client is still admitted; its cost
// empties the shared bucket and the first client's next request is throttled.
func TestS5_RegexBucketingSharesState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "query-patterns.txt")
	pattern := `.*WHERE \{\?a \?b \?c\}.*`
	if err := os.WriteFile(path, []byte(pattern+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.RequestDurationThreshold = 0
	cfg.Buckets.TimeCapacityMs = 15000
	cfg.Buckets.TimeRefillMs = 15000
	cfg.Buckets.TimeRefillPeriod = time.Minute

	mc := clock.NewManual(time.Unix(0, 0))
	classifier := bucketkey.NewChain(
		bucketkey.NewRegexQueryBucketing(path),
		bucketkey.NewUserAgentIPBucketing(),
	)
	f := NewFilter(cfg, classifier, mc)

	handler := f.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mc.Advance(10000 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))

	req := func(ip string) *http.Request {
		r := request(ip, "client/"+ip)
		r.URL.RawQuery = "query=" + "SELECT * WHERE {?a ?b ?c}"
		return r
	}

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req("10.0.0.5"))
	if rr1.Code != http.StatusOK {
		t.Fatalf("first client's request got %d, want 200", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req("10.0.0.6"))
	if rr2.Code != http.StatusOK {
		t.Fatalf("second, distinct client's request got %d, want 200 (shared bucket not yet empty)", rr2.Code)
	}

	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, req("10.0.0.5"))
	if rr3.Code != http.StatusTooManyRequests {
		t.Fatalf("first client's follow-up should be throttled by the two clients' combined cost, got %d", rr3.Code)
	}
}

// S6: always-throttle-param forces 429 regardless of bucket state, and
// still charges the throttle bucket.
func TestS6_AlwaysThrottleParam(t *testing.T) {
	cfg := testConfig()
	cfg.AlwaysThrottleParam = "forceThrottle"
	f, _ := newTestFilter(t, cfg)

	handler := f.Wrap(okHandler())

	r := request("10.0.0.7", "client/1")
	r.URL.RawQuery = "forceThrottle=1"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, r)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("forced throttle should return 429, got %d", rr.Code)
	}
	if f.StateSize() == 0 {
		t.Error("forced throttle should still charge the throttle bucket (state created)")
	}
}

// Invariant 2: exactly one of {pass-through, 429, 403}.
func TestInvariant_ExactlyOneOutcome(t *testing.T) {
	cfg := testConfig()
	f, _ := newTestFilter(t, cfg)

	handler := f.Wrap(okHandler())
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, request("10.0.0.8", "client/1"))

	if rr.Code != http.StatusOK && rr.Code != http.StatusTooManyRequests && rr.Code != http.StatusForbidden {
		t.Fatalf("unexpected status %d", rr.Code)
	}
}

// Invariant 3: disabled filter never yields 429/403.
func TestInvariant_DisabledNeverThrottlesOrBans(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	cfg.Buckets.ErrorCapacity = 1
	cfg.Buckets.ErrorRefill = 1
	f, _ := newTestFilter(t, cfg)

	handler := f.Wrap(errHandler(http.StatusInternalServerError))

	for i := 0; i < 20; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, request("10.0.0.9", "client/1"))
		if rr.Code == http.StatusTooManyRequests || rr.Code == http.StatusForbidden {
			t.Fatalf("disabled filter must never throttle/ban, got %d on request %d", rr.Code, i+1)
		}
	}
}

// Invariant 4: an empty chain (all strategies null) still yields a key via
// the default UA+IP strategy.
func TestInvariant_ChainAlwaysYieldsKey(t *testing.T) {
	chain := bucketkey.NewChain() // deliberately empty
	k := chain.Classify(request("10.0.0.10", "client/1"))
	if k.String() == "" {
		t.Error("classification must never be empty")
	}
}

// Invariant 5: success below threshold does not mutate state.
func TestInvariant_SuccessBelowThresholdIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.RequestDurationThreshold = time.Second
	f, mc := newTestFilter(t, cfg)

	handler := f.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mc.Advance(10 * time.Millisecond) // well below threshold
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, request("10.0.0.11", "client/1"))
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d got %d, want 200", i+1, rr.Code)
		}
	}

	if f.StateSize() != 0 {
		t.Errorf("repeated below-threshold successes must never create state, got size %d", f.StateSize())
	}
}

// Composed error/time accounting: a single failure pressures both buckets.
func TestComposedAccounting_FailureChargesBothBuckets(t *testing.T) {
	cfg := testConfig()
	cfg.Buckets.ErrorCapacity = 100 // large enough not to throttle on errors
	cfg.Buckets.ErrorRefill = 100
	cfg.Buckets.TimeCapacityMs = 100000
	cfg.Buckets.TimeRefillMs = 100000
	mc := clock.NewManual(time.Unix(0, 0))
	classifier := bucketkey.NewChain(bucketkey.NewUserAgentIPBucketing())
	f := NewFilter(cfg, classifier, mc)

	handler := f.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mc.Advance(5 * time.Second)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, request("10.0.0.12", "client/1"))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("got %d, want 500 (under capacity)", rr.Code)
	}

	key := bucketkey.NewUserAgentIPBucketing()
	k, _ := key.Classify(request("10.0.0.12", "client/1"))
	v, ok := f.store.Get(stateKey(k))
	if !ok {
		t.Fatal("state should exist after a failure")
	}
	state := v.(*ThrottlingState)

	if state.TimeBucket.Count() >= cfg.Buckets.TimeCapacityMs {
		t.Error("time bucket should have been charged by the failure's elapsed duration")
	}
	if state.ErrorBucket.Count() >= cfg.Buckets.ErrorCapacity {
		t.Error("error bucket should have been charged by the failure")
	}
}

// Handler panics are accounted as a failure and re-raised.
func TestPanicAccountedAsFailureAndRepropagated(t *testing.T) {
	cfg := testConfig()
	cfg.Buckets.ErrorCapacity = 100
	cfg.Buckets.ErrorRefill = 100
	f, _ := newTestFilter(t, cfg)

	handler := f.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic to propagate")
		}
	}()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, request("10.0.0.13", "client/1"))
}

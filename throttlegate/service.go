// Package throttlegate is exposed as an Encore service wrapping the
// throttling/banning Filter with operational endpoints: a metrics snapshot
// and a rate-limited pattern-file reload trigger.
package throttlegate

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"encore.app/pkg/bucketkey"
	"encore.app/pkg/clock"
)

//encore:service
type Service struct {
	filter *Filter
	cfg    Config
	audit  *AuditLogger

	// reloadLimiter guards pattern-file hot reloads from repeated admin
	// triggers hammering the filesystem — purely an operational safety
	// valve, no bearing on request admission.
	reloadLimiter *rate.Limiter
}

var (
	svc  *Service
	once sync.Once
)

// initService wires the gateway from DefaultConfig. Called automatically by
// Encore at startup. A configuration error here is fatal — the filter must
// not initialize with broken numeric configuration.
func initService() (*Service, error) {
	var initErr error
	once.Do(func() {
		cfg := DefaultConfig()
		svc, initErr = newService(cfg, clock.Real{})
	})
	if initErr != nil {
		return nil, initErr
	}
	return svc, nil
}

func newService(cfg Config, c clock.Clock) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	classifier := buildClassifier(cfg)

	s := &Service{
		filter:        NewFilter(cfg, classifier, c),
		cfg:           cfg,
		reloadLimiter: rate.NewLimiter(rate.Every(time.Minute), 1),
	}

	audit, err := NewAuditLogger(auditDB)
	if err != nil {
		return nil, err
	}
	s.SetAuditLogger(audit)

	return s, nil
}

func buildClassifier(cfg Config) *bucketkey.Chain {
	return bucketkey.NewChain(
		bucketkey.NewRegexQueryBucketing(cfg.QueryPatternFile),
		bucketkey.NewRegexUserAgentBucketing(cfg.UserAgentPatternFile),
		bucketkey.NewUserAgentIPBucketing(),
	)
}

// SetAuditLogger wires a persistent audit logger. Optional: without one,
// HandleAuditEvent is a no-op and decisions are only visible via obslog
// lines and the in-memory counters.
func (s *Service) SetAuditLogger(l *AuditLogger) { s.audit = l }

// Filter returns the wrapped orchestrator for mounting in front of the
// query endpoint's handler chain.
func (s *Service) Filter() *Filter { return s.filter }

// MetricsResponse is the gateway's management-metrics snapshot.
type MetricsResponse struct {
	StateStoreSize int   `json:"state_store_size"`
	ThrottledTotal int64 `json:"throttled_total"`
	BannedTotal    int64 `json:"banned_total"`
}

// GetMetrics returns the gateway's operational counters.
//
//encore:api public method=GET path=/throttle/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("throttlegate: service not initialized")
	}
	return &MetricsResponse{
		StateStoreSize: svc.filter.StateSize(),
		ThrottledTotal: svc.filter.ThrottledCount(),
		BannedTotal:    svc.filter.BannedCount(),
	}, nil
}

// ReloadPatternsResponse reports whether a reload was actually performed.
type ReloadPatternsResponse struct {
	Reloaded bool `json:"reloaded"`
}

// ReloadPatterns re-reads both pattern files from disk and swaps the
// classifier in place. Rate-limited to once per minute so a misbehaving
// admin script can't turn this into a filesystem-hammering loop.
//
//encore:api public method=POST path=/throttle/reload-patterns
func ReloadPatterns(ctx context.Context) (*ReloadPatternsResponse, error) {
	if svc == nil {
		return nil, errors.New("throttlegate: service not initialized")
	}
	if !svc.reloadLimiter.Allow() {
		return &ReloadPatternsResponse{Reloaded: false}, nil
	}

	svc.filter.SetClassifier(buildClassifier(svc.cfg))
	return &ReloadPatternsResponse{Reloaded: true}, nil
}

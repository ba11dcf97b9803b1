package throttlegate

import (
	"context"
	"fmt"
	"time"

	"encore.dev/pubsub"
	"encore.dev/storage/sqldb"
)

// AuditEvent records a single ban or throttle decision for the audit trail.
// Published at-least-once so any subscriber (a dashboard, an alerting rule)
// sees every decision this process makes, even under redelivery.
type AuditEvent struct {
	BucketKey string    `json:"bucket_key"`
	Decision  string    `json:"decision"` // "throttled" or "banned"
	Detail    string    `json:"detail"`
	RequestID string    `json:"request_id"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditTopic broadcasts every ban/throttle decision this process makes.
// Subscribers (audit persistence, dashboards) consume it independently;
// publishing here never feeds back into admission decisions, preserving the
// single-process non-goal — this is observability, not coordination.
var AuditTopic = pubsub.NewTopic[*AuditEvent](
	"throttlegate-audit",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// auditDB is the database backing the audit log, wired into NewAuditLogger
// at service startup.
var auditDB = sqldb.Named("throttlegate_db")

// AuditLogger persists ban/throttle decisions for compliance and
// post-incident review.
type AuditLogger struct {
	db *sqldb.Database
}

// NewAuditLogger creates an audit logger backed by db, ensuring its schema
// exists.
func NewAuditLogger(db *sqldb.Database) (*AuditLogger, error) {
	logger := &AuditLogger{db: db}
	if err := logger.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("throttlegate: failed to initialize audit schema: %w", err)
	}
	return logger, nil
}

func (l *AuditLogger) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS throttle_audit_log (
			id BIGSERIAL PRIMARY KEY,
			bucket_key TEXT NOT NULL,
			decision TEXT NOT NULL,
			detail TEXT NOT NULL,
			request_id TEXT NOT NULL,
			path TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_throttle_audit_log_timestamp
		ON throttle_audit_log(timestamp DESC);

		CREATE INDEX IF NOT EXISTS idx_throttle_audit_log_bucket_key
		ON throttle_audit_log(bucket_key);
	`
	_, err := l.db.Exec(ctx, query)
	return err
}

// Insert appends one audit row. Append-only: no updates or deletes, the log
// is an immutable incident trail.
func (l *AuditLogger) Insert(ctx context.Context, evt AuditEvent) error {
	query := `
		INSERT INTO throttle_audit_log (bucket_key, decision, detail, request_id, path, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := l.db.Exec(ctx, query,
		evt.BucketKey, evt.Decision, evt.Detail, evt.RequestID, evt.Path, evt.Timestamp)
	return err
}

// HandleAuditEvent is the pub/sub subscription handler that persists every
// published decision.
func HandleAuditEvent(ctx context.Context, evt *AuditEvent) error {
	if svc == nil || svc.audit == nil {
		return nil // audit logging not wired up (e.g. in unit tests)
	}
	return svc.audit.Insert(ctx, *evt)
}

var _ = pubsub.NewSubscription(
	AuditTopic,
	"throttlegate-audit-persist",
	pubsub.SubscriptionConfig[*AuditEvent]{
		Handler: HandleAuditEvent,
	},
)

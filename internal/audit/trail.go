// Package audit records security-relevant decisions to a durable trail. Every
// violation, invalidation, and challenge transition is written before or with
// the state change so a crash cannot silently lose the event.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Outcome represents the outcome of an audited action
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Action constants for security events
const (
	ActionSessionCreate      = "session.create"
	ActionSessionValidate    = "session.validate"
	ActionSessionInvalidate  = "session.invalidate"
	ActionSessionEnd         = "session.end"
	ActionLoginAttempt       = "login.attempt"
	ActionLoginChallenge     = "login.challenge"
	ActionChallengeApprove   = "challenge.approve"
	ActionChallengeDeny      = "challenge.deny"
	ActionChallengeExpire    = "challenge.expire"
	ActionDeviceTrust        = "device.trust"
	ActionDeviceRevoke       = "device.revoke"
	ActionSecurityViolation  = "security.violation"
	ActionRateLimitExceeded  = "ratelimit.exceeded"
)

// Event is one entry in the security audit trail
type Event struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	PrincipalID string                 `json:"principal_id,omitempty"`
	Action      string                 `json:"action"`
	Outcome     Outcome                `json:"outcome"`
	IP          string                 `json:"ip,omitempty"`
	UserAgent   string                 `json:"user_agent,omitempty"`
	ResourceID  string                 `json:"resource_id,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent creates an event with a generated ID and UTC timestamp
func NewEvent(action string, outcome Outcome) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Outcome:   outcome,
	}
}

// WithPrincipal sets the acting principal
func (e *Event) WithPrincipal(principalID string) *Event {
	e.PrincipalID = principalID
	return e
}

// WithRequest sets the request context fields
func (e *Event) WithRequest(ip, userAgent string) *Event {
	e.IP = ip
	e.UserAgent = userAgent
	return e
}

// WithResource sets the affected resource (session, device, attempt)
func (e *Event) WithResource(id string) *Event {
	e.ResourceID = id
	return e
}

// WithMetadata attaches a metadata entry
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// Recorder persists audit events
type Recorder interface {
	Record(ctx context.Context, event *Event) error
}

// PostgresTrail writes events to the security_audit_log table
type PostgresTrail struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresTrail creates a database-backed audit trail
func NewPostgresTrail(pool *pgxpool.Pool, logger *zap.Logger) *PostgresTrail {
	return &PostgresTrail{
		pool:   pool,
		logger: logger.With(zap.String("component", "audit")),
	}
}

// Record inserts the event
func (t *PostgresTrail) Record(ctx context.Context, event *Event) error {
	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO security_audit_log (
			id, timestamp, principal_id, action, outcome, ip, user_agent, resource_id, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = t.pool.Exec(ctx, query,
		event.ID, event.Timestamp, nullable(event.PrincipalID), event.Action,
		event.Outcome, nullable(event.IP), nullable(event.UserAgent),
		nullable(event.ResourceID), metadataJSON,
	)
	if err != nil {
		t.logger.Error("failed to record audit event",
			zap.String("action", event.Action),
			zap.Error(err),
		)
		return err
	}

	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// NopRecorder discards events; used in tests
type NopRecorder struct{}

// Record does nothing
func (NopRecorder) Record(ctx context.Context, event *Event) error { return nil }

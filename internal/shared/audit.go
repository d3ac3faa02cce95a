package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog is one (actor, action, resource, before/after) tuple stored in audit_logs.
type AuditLog struct {
	ActorID      int64
	Action       string
	ResourceType string
	ResourceID   string
	Before       any
	After        any
	At           time.Time
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.ResourceType == "" || log.ResourceID == "" {
		return errors.New("audit log requires action/resource_type/resource_id")
	}
	before, err := json.Marshal(log.Before)
	if err != nil {
		return err
	}
	after, err := json.Marshal(log.After)
	if err != nil {
		return err
	}
	at := log.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, resource_type, resource_id, before_state, after_state, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, log.ActorID, log.Action, log.ResourceType, log.ResourceID, before, after, at)
	return err
}

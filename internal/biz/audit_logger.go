package biz

import (
	"context"

	"ChainScope/internal/model"
)

// AuditLogger records operator actions. Record must not block the caller.
type AuditLogger interface {
	Record(ctx context.Context, entry *model.OpsAuditEntry)
}

// NoopAuditLogger drops every entry. Used when no audit database is configured.
type NoopAuditLogger struct{}

// Record implements AuditLogger.
func (NoopAuditLogger) Record(context.Context, *model.OpsAuditEntry) {}

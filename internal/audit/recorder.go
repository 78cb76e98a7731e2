// Package audit records security-relevant actions as immutable events.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"toolgate/internal/domain"
)

// Recorder appends audit events. Writes are best-effort: a persistence
// failure is logged and counted but never propagates to the operation being
// audited.
type Recorder struct {
	store domain.AuditStore

	// WriteFailures, when set, is incremented on swallowed store errors
	WriteFailures interface{ Inc() }
}

// NewRecorder creates an audit recorder backed by the given store
func NewRecorder(store domain.AuditStore) *Recorder {
	return &Recorder{store: store}
}

// Record persists one audit event. Missing id/timestamp are filled in.
// This is the single site where audit-write errors are swallowed.
func (r *Recorder) Record(ctx context.Context, event *domain.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	if err := r.store.CreateAuditEvent(ctx, event); err != nil {
		slog.Error("Failed to write audit event",
			"error", err,
			"tenant_id", event.TenantID,
			"action", event.Action,
			"status", event.Status,
		)
		if r.WriteFailures != nil {
			r.WriteFailures.Inc()
		}
	}
}

// Success records a successful action
func (r *Recorder) Success(ctx context.Context, event *domain.AuditEvent) {
	event.Status = domain.AuditStatusSuccess
	r.Record(ctx, event)
}

// Fail records a failed action with the denial or error reason in details
func (r *Recorder) Fail(ctx context.Context, event *domain.AuditEvent, reason string) {
	event.Status = domain.AuditStatusFail
	event.Details = reason
	r.Record(ctx, event)
}

// Skipped records an action that was recognized but not performed
func (r *Recorder) Skipped(ctx context.Context, event *domain.AuditEvent, reason string) {
	event.Status = domain.AuditStatusSkipped
	event.Details = reason
	r.Record(ctx, event)
}

// HashContent produces the sha256 hex digest stored in place of request or
// response content. Only hashes cross into the audit trail, never content.
func HashContent(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

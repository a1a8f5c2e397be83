// Package audit appends structured authentication events. Recording is
// observability, not an authorization gate: a failure to persist an event
// is logged and counted, never surfaced to the flow it describes.
package audit

import (
	"context"
	"time"

	"github.com/sunkingbms/backend-main/internal/auth"
	"github.com/sunkingbms/backend-main/internal/obs"
)

// Recorder persists audit events and mirrors them to the structured log.
type Recorder struct {
	store auth.Store
	now   func() time.Time
}

// NewRecorder constructs a recorder over the shared store.
func NewRecorder(store auth.Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

var _ auth.Recorder = (*Recorder)(nil)

// Record appends the event. Fire-and-forget: errors are logged internally.
func (r *Recorder) Record(ctx context.Context, event auth.AuditEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now().UTC()
	}
	if err := r.store.Audit(ctx).Append(ctx, &event); err != nil {
		obs.ObserveAuditDrop()
		obs.LogEvent(map[string]any{
			"ts":    r.now().UTC().Format(time.RFC3339Nano),
			"type":  "audit",
			"level": "error",
			"msg":   "audit append failed",
			"event": string(event.Kind),
			"error": err.Error(),
		})
		return
	}
	r.log(ctx, event)
}

// Recent returns the newest events first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]auth.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.store.Audit(ctx).Recent(ctx, limit)
}

func (r *Recorder) log(ctx context.Context, event auth.AuditEvent) {
	entry := map[string]any{
		"ts":    event.OccurredAt.Format(time.RFC3339Nano),
		"type":  "audit",
		"event": string(event.Kind),
	}
	if event.IdentityID != "" {
		entry["identity_id"] = event.IdentityID
	}
	if event.SourceAddr != "" {
		entry["source"] = event.SourceAddr
	}
	if actor, ok := auth.IdentityFromContext(ctx); ok && actor.ID != event.IdentityID {
		entry["actor_id"] = actor.ID
	}
	if len(event.Metadata) > 0 {
		fields := make(map[string]any, len(event.Metadata))
		for k, v := range event.Metadata {
			fields[k] = v
		}
		entry["fields"] = fields
	}
	obs.LogEvent(entry)
}

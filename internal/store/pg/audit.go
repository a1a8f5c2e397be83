package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/sunkingbms/backend-main/internal/auth"
	"github.com/sunkingbms/backend-main/internal/ids"
)

type auditStore struct{ db *sql.DB }

func (s auditStore) Append(ctx context.Context, event *auth.AuditEvent) error {
	if event.ID == "" {
		event.ID = ids.New()
	}
	meta := []byte("{}")
	if len(event.Metadata) > 0 {
		encoded, err := json.Marshal(event.Metadata)
		if err != nil {
			return err
		}
		meta = encoded
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_events (id, kind, identity_id, source_addr, user_agent, metadata, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, string(event.Kind), nullIfEmpty(event.IdentityID),
		event.SourceAddr, event.UserAgent, meta, event.OccurredAt)
	return err
}

func (s auditStore) Recent(ctx context.Context, limit int) ([]auth.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, kind, identity_id, source_addr, user_agent, metadata, occurred_at
		from audit_events
		order by occurred_at desc
		limit $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []auth.AuditEvent
	for rows.Next() {
		var (
			e          auth.AuditEvent
			kind       string
			identityID sql.NullString
			meta       []byte
		)
		if err := rows.Scan(&e.ID, &kind, &identityID, &e.SourceAddr, &e.UserAgent, &meta, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Kind = auth.EventKind(kind)
		e.IdentityID = identityID.String
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"jirasync.io/internal/audit"
)

// AuditStore implements audit.Store.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

func (s *AuditStore) Append(ctx context.Context, e audit.Entry) error {
	if s.db == nil {
		return errNoDB
	}
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_entries (id, at, event, connection_id, user_id, success, details)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.At.UTC(), e.Event, nullIfEmpty(e.ConnectionID), nullIfEmpty(e.UserID), e.Success, raw)
	return err
}

func (s *AuditStore) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("user_id", f.UserID)
	add("connection_id", f.ConnectionID)
	add("event", f.Event)

	q := `select id, at, event, coalesce(connection_id, ''), coalesce(user_id, ''), success, details from audit_entries`
	if len(where) > 0 {
		q += ` where ` + strings.Join(where, " and ")
	}
	args = append(args, f.EffectiveLimit())
	q += fmt.Sprintf(` order by at desc, id desc limit $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e   audit.Entry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.At, &e.Event, &e.ConnectionID, &e.UserID, &e.Success, &raw); err != nil {
			return nil, err
		}
		e.Details = map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

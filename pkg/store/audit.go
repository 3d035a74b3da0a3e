package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// OpsAuditEntry is one row of the operational audit trail.
type OpsAuditEntry struct {
	ID       int64
	TenantID string
	Action   string
	Detail   string
	At       time.Time
}

// InsertOpsAudit appends an audit row inside the caller's transaction so the
// trail commits atomically with the action it records.
func (s *Store) InsertOpsAudit(ctx context.Context, q querier, tenant, action, detail string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO ops_audit (tenant_id, action, detail, at) VALUES ($1,$2,$3,$4)`,
		tenant, action, nullStr(detail), now())
	if err != nil {
		return fmt.Errorf("insert ops audit: %w", err)
	}
	return nil
}

// ListOpsAudit returns the newest audit rows for a tenant.
func (s *Store) ListOpsAudit(ctx context.Context, q querier, tenant string, limit int) ([]OpsAuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, action, detail, at FROM ops_audit
		WHERE tenant_id = $1
		ORDER BY id DESC LIMIT %d`, limit),
		tenant)
	if err != nil {
		return nil, fmt.Errorf("list ops audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []OpsAuditEntry
	for rows.Next() {
		e := OpsAuditEntry{TenantID: tenant}
		var detail sql.NullString
		var at time.Time
		if err := rows.Scan(&e.ID, &e.Action, &detail, &at); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		e.At = at.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

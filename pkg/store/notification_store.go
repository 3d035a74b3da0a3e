package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meridianlabs/settled/pkg/contracts"
)

// InsertNotification sinks one NOTIFY_* message. The (tenant, outboxId)
// primary key makes redelivery exactly-once. Returns false when the row
// already existed.
func (s *Store) InsertNotification(ctx context.Context, tx *sql.Tx, n contracts.Notification) (bool, error) {
	payload := string(n.Payload)
	if payload == "" {
		payload = "{}"
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO notifications (tenant_id, outbox_id, topic, payload, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (tenant_id, outbox_id) DO NOTHING`,
		n.TenantID, n.OutboxID, n.Topic, payload, now())
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// GetNotification reads one sunk notification.
func (s *Store) GetNotification(ctx context.Context, q querier, tenant string, outboxID int64) (contracts.Notification, error) {
	row := q.QueryRowContext(ctx, `
		SELECT topic, payload, created_at FROM notifications
		WHERE tenant_id = $1 AND outbox_id = $2`,
		tenant, outboxID)
	n := contracts.Notification{TenantID: tenant, OutboxID: outboxID}
	var payload string
	var createdAt time.Time
	err := row.Scan(&n.Topic, &payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Notification{}, contracts.ErrNotFound
	}
	if err != nil {
		return contracts.Notification{}, fmt.Errorf("read notification: %w", err)
	}
	n.Payload = []byte(payload)
	n.CreatedAt = createdAt.UTC()
	return n, nil
}

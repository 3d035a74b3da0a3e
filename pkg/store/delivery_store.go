package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meridianlabs/settled/pkg/contracts"
)

// InsertDelivery inserts a delivery row inside the producing transaction.
// (tenant, dedupeKey) collisions are idempotent no-ops (the existing row id
// is returned). The tenant's pending-delivery quota is enforced before
// insert; the platform cap clamps per-tenant configuration.
func (s *Store) InsertDelivery(ctx context.Context, tx *sql.Tx, d contracts.Delivery) (int64, bool, error) {
	if existing, err := s.getDeliveryByDedupe(ctx, tx, d.TenantID, d.DedupeKey); err == nil {
		return existing.ID, false, nil
	} else if !errors.Is(err, contracts.ErrNotFound) {
		return 0, false, err
	}

	if err := s.checkDeliveryQuota(ctx, tx, d.TenantID); err != nil {
		return 0, false, err
	}

	if d.State == "" {
		d.State = contracts.DeliveryPending
	}
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = now()
	}

	if s.opts.Dialect == DialectPostgres {
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO deliveries (tenant_id, destination_id, artifact_type, artifact_id,
				artifact_hash, dedupe_key, scope_key, order_seq, priority, order_key,
				state, next_attempt_at, expires_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (tenant_id, dedupe_key) DO NOTHING
			RETURNING id`,
			d.TenantID, d.DestinationID, d.ArtifactType, d.ArtifactID, d.ArtifactHash,
			d.DedupeKey, d.ScopeKey, d.OrderSeq, d.Priority, nullStr(d.OrderKey),
			d.State, d.NextAttemptAt.UTC(), nullTime(d.ExpiresAt)).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			// Raced with a concurrent insert of the same dedupe key.
			existing, err2 := s.getDeliveryByDedupe(ctx, tx, d.TenantID, d.DedupeKey)
			if err2 != nil {
				return 0, false, err2
			}
			return existing.ID, false, nil
		}
		if err != nil {
			return 0, false, fmt.Errorf("insert delivery: %w", err)
		}
		return id, true, nil
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO deliveries (tenant_id, destination_id, artifact_type, artifact_id,
			artifact_hash, dedupe_key, scope_key, order_seq, priority, order_key,
			state, next_attempt_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (tenant_id, dedupe_key) DO NOTHING`,
		d.TenantID, d.DestinationID, d.ArtifactType, d.ArtifactID, d.ArtifactHash,
		d.DedupeKey, d.ScopeKey, d.OrderSeq, d.Priority, nullStr(d.OrderKey),
		d.State, d.NextAttemptAt.UTC(), nullTime(d.ExpiresAt))
	if err != nil {
		return 0, false, fmt.Errorf("insert delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.getDeliveryByDedupe(ctx, tx, d.TenantID, d.DedupeKey)
		if err != nil {
			return 0, false, err
		}
		return existing.ID, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// checkDeliveryQuota enforces maxPendingDeliveries for a tenant. The
// platform cap applies when smaller than (or in absence of) the tenant's
// configured limit.
func (s *Store) checkDeliveryQuota(ctx context.Context, q querier, tenant string) error {
	limit := int64(s.opts.PlatformMaxPendingDeliveries)

	var tenantLimit sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT max_pending_deliveries FROM tenant_billing_config WHERE tenant_id = $1`,
		tenant).Scan(&tenantLimit)
	if err != nil && !errors.Is(err, sql.ErrNoRows) && !isUndefinedTable(err) {
		return fmt.Errorf("read tenant quota: %w", err)
	}
	if tenantLimit.Valid && tenantLimit.Int64 > 0 {
		if limit == 0 || tenantLimit.Int64 < limit {
			limit = tenantLimit.Int64
		}
	}
	if limit <= 0 {
		return nil
	}

	var pending int64
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE tenant_id = $1 AND state = 'pending'`,
		tenant).Scan(&pending); err != nil {
		return fmt.Errorf("count pending deliveries: %w", err)
	}
	if pending >= limit {
		return &contracts.QuotaExceededError{Kind: "maxPendingDeliveries", Limit: limit, Current: pending}
	}
	return nil
}

// ClaimDueDeliveries leases pending deliveries that are due, in strict
// per-scope order (next_attempt_at, scope_key, order_seq, priority, id).
func (s *Store) ClaimDueDeliveries(ctx context.Context, tenant string, max int, worker string) ([]contracts.Delivery, error) {
	if max <= 0 {
		max = 10
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim deliveries begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nowTS := now()
	cutoff := nowTS.Add(-s.opts.ReclaimAfter)
	lock := ""
	if s.opts.Dialect == DialectPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, destination_id, artifact_type, artifact_id, artifact_hash, dedupe_key,
			scope_key, order_seq, priority, state, attempts, next_attempt_at
		FROM deliveries
		WHERE tenant_id = $1 AND state = 'pending' AND next_attempt_at <= $2
			AND (claimed_at IS NULL OR claimed_at < $3)
		ORDER BY next_attempt_at ASC, scope_key ASC, order_seq ASC, priority ASC, id ASC
		LIMIT %d%s`, max, lock),
		tenant, nowTS, cutoff)
	if err != nil {
		return nil, fmt.Errorf("claim deliveries select: %w", err)
	}

	var claimed []contracts.Delivery
	var ids []int64
	for rows.Next() {
		d := contracts.Delivery{TenantID: tenant, Worker: worker}
		var nextAt time.Time
		if err := rows.Scan(&d.ID, &d.DestinationID, &d.ArtifactType, &d.ArtifactID,
			&d.ArtifactHash, &d.DedupeKey, &d.ScopeKey, &d.OrderSeq, &d.Priority,
			&d.State, &d.Attempts, &nextAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		d.NextAttemptAt = nextAt.UTC()
		claimed = append(claimed, d)
		ids = append(ids, d.ID)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	if err := s.execOnIDs(ctx, tx, `
		UPDATE deliveries SET worker = $1, claimed_at = $2, attempts = attempts + 1
		WHERE id IN (%s)`, ids, worker, nowTS); err != nil {
		return nil, fmt.Errorf("claim deliveries update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim deliveries commit: %w", err)
	}
	for i := range claimed {
		claimed[i].Attempts++
		at := nowTS
		claimed[i].ClaimedAt = &at
	}
	return claimed, nil
}

// UpdateDeliveryAttempt moves the delivery state machine after an attempt.
func (s *Store) UpdateDeliveryAttempt(ctx context.Context, id int64, state contracts.DeliveryState, nextAttemptAt *time.Time, lastStatus int, lastError string, expiresAt *time.Time) error {
	var deliveredAt any
	if state == contracts.DeliveryDelivered {
		deliveredAt = now()
	}
	var nextAt any
	if nextAttemptAt != nil {
		nextAt = nextAttemptAt.UTC()
	} else {
		nextAt = now()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE deliveries SET
			state = $1,
			worker = NULL,
			claimed_at = NULL,
			next_attempt_at = $2,
			delivered_at = COALESCE($3, delivered_at),
			expires_at = COALESCE($4, expires_at),
			last_status = $5,
			last_error = $6
		WHERE id = $7`,
		state, nextAt, deliveredAt, nullTime(expiresAt), lastStatus, nullStr(lastError), id)
	if err != nil {
		return fmt.Errorf("update delivery attempt: %w", err)
	}
	return nil
}

// AckDelivery records the destination's acknowledgement. The destination
// and artifact hash must match the row; the first ack inserts exactly one
// immutable receipt and subsequent acks are idempotent.
func (s *Store) AckDelivery(ctx context.Context, id int64, destinationID, artifactHash string, receivedAt time.Time) (contracts.Delivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.Delivery{}, fmt.Errorf("ack begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	d, err := s.getDelivery(ctx, tx, id)
	if err != nil {
		return contracts.Delivery{}, err
	}
	if destinationID != "" && destinationID != d.DestinationID {
		return contracts.Delivery{}, fmt.Errorf("ack destination mismatch: %s != %s", destinationID, d.DestinationID)
	}
	if artifactHash != "" && artifactHash != d.ArtifactHash {
		return contracts.Delivery{}, fmt.Errorf("ack artifact hash mismatch for delivery %d", id)
	}
	if receivedAt.IsZero() {
		receivedAt = now()
	}

	ackedAt := now()
	_, err = tx.ExecContext(ctx, `
		UPDATE deliveries SET
			acked_at = COALESCE(acked_at, $1),
			ack_received_at = COALESCE(ack_received_at, $2)
		WHERE id = $3`,
		ackedAt, receivedAt.UTC(), id)
	if err != nil {
		return contracts.Delivery{}, fmt.Errorf("ack update: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO delivery_receipts (tenant_id, delivery_id, destination_id, artifact_hash, received_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (tenant_id, delivery_id) DO NOTHING`,
		d.TenantID, id, d.DestinationID, d.ArtifactHash, receivedAt.UTC())
	if err != nil {
		return contracts.Delivery{}, fmt.Errorf("insert receipt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return contracts.Delivery{}, fmt.Errorf("ack commit: %w", err)
	}
	return s.getDelivery(ctx, s.db, id)
}

// RequeueDelivery resets a row to fresh pending (manual DLQ recovery).
// The reset is audited.
func (s *Store) RequeueDelivery(ctx context.Context, id int64, requestedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("requeue begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	d, err := s.getDelivery(ctx, tx, id)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE deliveries SET
			state = 'pending', attempts = 0, worker = NULL, claimed_at = NULL,
			next_attempt_at = $1, last_error = NULL, last_status = NULL
		WHERE id = $2`,
		now(), id)
	if err != nil {
		return fmt.Errorf("requeue update: %w", err)
	}
	if err := s.InsertOpsAudit(ctx, tx, d.TenantID, "delivery.requeue",
		fmt.Sprintf(`{"deliveryId":%d,"requestedBy":%q}`, id, requestedBy)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) getDelivery(ctx context.Context, q querier, id int64) (contracts.Delivery, error) {
	row := q.QueryRowContext(ctx, `
		SELECT tenant_id, destination_id, artifact_type, artifact_id, artifact_hash,
			dedupe_key, scope_key, order_seq, priority, state, attempts,
			next_attempt_at, delivered_at, acked_at, ack_received_at, expires_at
		FROM deliveries WHERE id = $1`, id)
	return scanDelivery(row, id)
}

func (s *Store) getDeliveryByDedupe(ctx context.Context, q querier, tenant, dedupeKey string) (contracts.Delivery, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, destination_id, artifact_type, artifact_id, artifact_hash,
			dedupe_key, scope_key, order_seq, priority, state, attempts, next_attempt_at
		FROM deliveries WHERE tenant_id = $1 AND dedupe_key = $2`,
		tenant, dedupeKey)
	d := contracts.Delivery{TenantID: tenant}
	var nextAt time.Time
	err := row.Scan(&d.ID, &d.DestinationID, &d.ArtifactType, &d.ArtifactID, &d.ArtifactHash,
		&d.DedupeKey, &d.ScopeKey, &d.OrderSeq, &d.Priority, &d.State, &d.Attempts, &nextAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Delivery{}, contracts.ErrNotFound
	}
	if err != nil {
		return contracts.Delivery{}, fmt.Errorf("read delivery by dedupe: %w", err)
	}
	d.NextAttemptAt = nextAt.UTC()
	return d, nil
}

func scanDelivery(row *sql.Row, id int64) (contracts.Delivery, error) {
	d := contracts.Delivery{ID: id}
	var nextAt time.Time
	var deliveredAt, ackedAt, ackReceivedAt, expiresAt sql.NullTime
	err := row.Scan(&d.TenantID, &d.DestinationID, &d.ArtifactType, &d.ArtifactID,
		&d.ArtifactHash, &d.DedupeKey, &d.ScopeKey, &d.OrderSeq, &d.Priority,
		&d.State, &d.Attempts, &nextAt, &deliveredAt, &ackedAt, &ackReceivedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Delivery{}, contracts.ErrNotFound
	}
	if err != nil {
		return contracts.Delivery{}, fmt.Errorf("read delivery: %w", err)
	}
	d.NextAttemptAt = nextAt.UTC()
	if deliveredAt.Valid {
		t := deliveredAt.Time.UTC()
		d.DeliveredAt = &t
	}
	if ackedAt.Valid {
		t := ackedAt.Time.UTC()
		d.AckedAt = &t
	}
	if ackReceivedAt.Valid {
		t := ackReceivedAt.Time.UTC()
		d.AckReceivedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		d.ExpiresAt = &t
	}
	return d, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

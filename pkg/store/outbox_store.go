package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/meridianlabs/settled/pkg/contracts"
	"github.com/meridianlabs/settled/pkg/failpoint"
)

// EnqueueOutbox inserts a message as part of the producing transaction.
func (s *Store) EnqueueOutbox(ctx context.Context, tx *sql.Tx, m contracts.OutboxMessage) (int64, error) {
	payload := string(m.Payload)
	if payload == "" {
		payload = "{}"
	}
	var id int64
	if s.opts.Dialect == DialectPostgres {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO outbox (tenant_id, topic, aggregate_type, aggregate_id, payload)
			VALUES ($1,$2,$3,$4,$5) RETURNING id`,
			m.TenantID, m.Topic, nullStr(m.AggregateType), nullStr(m.AggregateID), payload).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("enqueue outbox: %w", err)
		}
		return id, nil
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (tenant_id, topic, aggregate_type, aggregate_id, payload)
		VALUES ($1,$2,$3,$4,$5)`,
		m.TenantID, m.Topic, nullStr(m.AggregateType), nullStr(m.AggregateID), payload)
	if err != nil {
		return 0, fmt.Errorf("enqueue outbox: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue outbox id: %w", err)
	}
	return id, nil
}

// ClaimOutbox atomically leases up to maxMessages unprocessed messages on a
// topic for worker. A message is claimable when it has never been claimed,
// or its lease is older than the reclaim interval, and its attempts have
// not exhausted the DLQ threshold. Claiming increments attempts.
//
// Ordering is FIFO by id within a topic. Under Postgres, FOR UPDATE SKIP
// LOCKED gives cross-process work stealing without starvation.
func (s *Store) ClaimOutbox(ctx context.Context, topic string, maxMessages int, worker string) ([]contracts.OutboxMessage, error) {
	return s.claimOutbox(ctx, "topic = $1", topic, maxMessages, worker)
}

// ClaimOutboxPrefix is ClaimOutbox for a topic family (e.g. NOTIFY_*),
// matching topics by prefix instead of equality.
func (s *Store) ClaimOutboxPrefix(ctx context.Context, topicPrefix string, maxMessages int, worker string) ([]contracts.OutboxMessage, error) {
	return s.claimOutbox(ctx, "topic LIKE $1", topicPrefix+"%", maxMessages, worker)
}

func (s *Store) claimOutbox(ctx context.Context, topicCond, topicArg string, maxMessages int, worker string) ([]contracts.OutboxMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 10
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim outbox begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := now().Add(-s.opts.ReclaimAfter)
	lock := ""
	if s.opts.Dialect == DialectPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, tenant_id, topic, aggregate_type, aggregate_id, payload, attempts
		FROM outbox
		WHERE processed_at IS NULL AND %s
			AND (claimed_at IS NULL OR claimed_at < $2)
			AND attempts <= $3
		ORDER BY id ASC
		LIMIT %d%s`, topicCond, maxMessages, lock),
		topicArg, cutoff, s.opts.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("claim outbox select: %w", err)
	}

	var claimed []contracts.OutboxMessage
	var ids []int64
	for rows.Next() {
		var m contracts.OutboxMessage
		var aggType, aggID sql.NullString
		var payload string
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Topic, &aggType, &aggID, &payload, &m.Attempts); err != nil {
			_ = rows.Close()
			return nil, err
		}
		m.AggregateType = aggType.String
		m.AggregateID = aggID.String
		m.Payload = []byte(payload)
		m.Worker = worker
		claimed = append(claimed, m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	if err := failpoint.Fire(failpoint.OutboxClaimAfterLock); err != nil {
		return nil, err
	}

	claimedAt := now()
	if err := s.execOnIDs(ctx, tx, `
		UPDATE outbox SET worker = $1, claimed_at = $2, attempts = attempts + 1
		WHERE id IN (%s)`, ids, worker, claimedAt); err != nil {
		return nil, fmt.Errorf("claim outbox update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim outbox commit: %w", err)
	}

	for i := range claimed {
		claimed[i].Attempts++
		at := claimedAt
		claimed[i].ClaimedAt = &at
	}
	return claimed, nil
}

// MarkOutboxProcessed finalizes messages inside tx. A lastError with the
// DLQ prefix tombstones the row; otherwise last_error is cleared.
func (s *Store) MarkOutboxProcessed(ctx context.Context, tx *sql.Tx, ids []int64, lastError string) error {
	if len(ids) == 0 {
		return nil
	}
	var errVal any
	if lastError != "" {
		errVal = lastError
	}
	return s.execOnIDs(ctx, tx, `
		UPDATE outbox SET processed_at = $1, last_error = $2
		WHERE id IN (%s)`, ids, now(), errVal)
}

// MarkOutboxFailed clears the lease so messages become reclaimable after
// the reclaim interval, and records the error.
func (s *Store) MarkOutboxFailed(ctx context.Context, ids []int64, lastError string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark failed begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.execOnIDs(ctx, tx, `
		UPDATE outbox SET worker = NULL, claimed_at = NULL, last_error = $1
		WHERE id IN (%s) AND processed_at IS NULL`, ids, lastError); err != nil {
		return fmt.Errorf("mark failed update: %w", err)
	}
	return tx.Commit()
}

// DLQOutbox tombstones a message once its attempts exhausted.
func (s *Store) DLQOutbox(ctx context.Context, tx *sql.Tx, id int64, cause string) error {
	if !strings.HasPrefix(cause, contracts.DLQPrefix) {
		cause = contracts.DLQPrefix + cause
	}
	return s.MarkOutboxProcessed(ctx, tx, []int64{id}, cause)
}

// GetOutboxMessage reads one message, mainly for tests and ops tooling.
func (s *Store) GetOutboxMessage(ctx context.Context, q querier, id int64) (contracts.OutboxMessage, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, tenant_id, topic, aggregate_type, aggregate_id, payload, attempts,
			worker, claimed_at, processed_at, last_error
		FROM outbox WHERE id = $1`, id)
	var m contracts.OutboxMessage
	var aggType, aggID, worker, lastError sql.NullString
	var payload string
	var claimedAt, processedAt sql.NullTime
	err := row.Scan(&m.ID, &m.TenantID, &m.Topic, &aggType, &aggID, &payload, &m.Attempts,
		&worker, &claimedAt, &processedAt, &lastError)
	if err != nil {
		return contracts.OutboxMessage{}, fmt.Errorf("read outbox message: %w", err)
	}
	m.AggregateType = aggType.String
	m.AggregateID = aggID.String
	m.Payload = []byte(payload)
	m.Worker = worker.String
	m.LastError = lastError.String
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		m.ClaimedAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time.UTC()
		m.ProcessedAt = &t
	}
	return m, nil
}

// execOnIDs expands an id list into the query. lib/pq gets a real array;
// other dialects get a placeholder list.
func (s *Store) execOnIDs(ctx context.Context, tx *sql.Tx, query string, ids []int64, args ...any) error {
	if s.opts.Dialect == DialectPostgres {
		query = strings.Replace(query, "IN (%s)", fmt.Sprintf("= ANY($%d)", len(args)+1), 1)
		args = append(args, pq.Array(ids))
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	}
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+i+1)
		args = append(args, id)
	}
	query = fmt.Sprintf(query, strings.Join(placeholders, ","))
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

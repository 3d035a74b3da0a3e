package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meridianlabs/settled/pkg/contracts"
	"github.com/meridianlabs/settled/pkg/projection"
)

// RebuildSnapshot reloads a stream and upserts its snapshot inside tx.
// Called after every successful append so snapshot rows stay co-located
// with their events. Job snapshots additionally maintain the reservation
// side table.
func (s *Store) RebuildSnapshot(ctx context.Context, tx *sql.Tx, tenant, aggregateType, aggregateID string) (contracts.Snapshot, error) {
	events, err := s.LoadEvents(ctx, tx, tenant, aggregateType, aggregateID)
	if err != nil {
		return contracts.Snapshot{}, err
	}
	if len(events) == 0 {
		return contracts.Snapshot{}, fmt.Errorf("rebuild snapshot %s/%s: %w", aggregateType, aggregateID, contracts.ErrNotFound)
	}

	doc, err := s.reducers.Reduce(aggregateType, events)
	if err != nil {
		return contracts.Snapshot{}, err
	}

	head := events[len(events)-1]
	snap := contracts.Snapshot{
		TenantID:      tenant,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Seq:           head.Seq,
		AtChainHash:   head.ChainHash,
		Snapshot:      doc,
		UpdatedAt:     now(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (tenant_id, aggregate_type, aggregate_id, seq, at_chain_hash, snapshot_json, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tenant_id, aggregate_type, aggregate_id) DO UPDATE SET
			seq = excluded.seq,
			at_chain_hash = excluded.at_chain_hash,
			snapshot_json = excluded.snapshot_json,
			updated_at = excluded.updated_at`,
		tenant, aggregateType, aggregateID, snap.Seq, snap.AtChainHash, string(doc), snap.UpdatedAt)
	if err != nil {
		return contracts.Snapshot{}, fmt.Errorf("upsert snapshot: %w", err)
	}

	if aggregateType == projection.AggregateJob {
		if err := s.syncJobReservation(ctx, tx, tenant, aggregateID, doc); err != nil {
			return contracts.Snapshot{}, err
		}
	}
	return snap, nil
}

// syncJobReservation upserts or deletes the per-tenant reservation row
// according to the job snapshot's reservation window.
func (s *Store) syncJobReservation(ctx context.Context, tx *sql.Tx, tenant, jobID string, doc json.RawMessage) error {
	var js projection.JobSnapshot
	if err := json.Unmarshal(doc, &js); err != nil {
		return fmt.Errorf("decode job snapshot: %w", err)
	}
	if js.HasActiveReservation() {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO job_reservations (tenant_id, job_id, start_at, end_at, updated_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (tenant_id, job_id) DO UPDATE SET
				start_at = excluded.start_at,
				end_at = excluded.end_at,
				updated_at = excluded.updated_at`,
			tenant, jobID, js.Reservation.StartAt.UTC(), js.Reservation.EndAt.UTC(), now())
		if err != nil {
			return fmt.Errorf("upsert job reservation: %w", err)
		}
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM job_reservations WHERE tenant_id = $1 AND job_id = $2`, tenant, jobID); err != nil {
		return fmt.Errorf("delete job reservation: %w", err)
	}
	return nil
}

// GetSnapshot reads a snapshot row. Falls back to the in-memory mirror when
// the table does not exist yet (early migration window); the mirror is
// best-effort only.
func (s *Store) GetSnapshot(ctx context.Context, q querier, tenant, aggregateType, aggregateID string) (contracts.Snapshot, error) {
	row := q.QueryRowContext(ctx, `
		SELECT seq, at_chain_hash, snapshot_json, updated_at FROM snapshots
		WHERE tenant_id = $1 AND aggregate_type = $2 AND aggregate_id = $3`,
		tenant, aggregateType, aggregateID)

	snap := contracts.Snapshot{TenantID: tenant, AggregateType: aggregateType, AggregateID: aggregateID}
	var doc string
	var updatedAt time.Time
	err := row.Scan(&snap.Seq, &snap.AtChainHash, &doc, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Snapshot{}, contracts.ErrNotFound
	}
	if err != nil {
		if isUndefinedTable(err) {
			if cached, ok := s.mirror.Snapshot(tenant, aggregateType, aggregateID); ok {
				return cached, nil
			}
			return contracts.Snapshot{}, contracts.ErrNotFound
		}
		return contracts.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	snap.Snapshot = []byte(doc)
	snap.UpdatedAt = updatedAt.UTC()
	return snap, nil
}

// ListSnapshotsByType lists snapshots of one aggregate type ordered by
// aggregate id, with the same early-migration mirror fallback as reads.
func (s *Store) ListSnapshotsByType(ctx context.Context, q querier, tenant, aggregateType string) ([]contracts.Snapshot, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT aggregate_id, seq, at_chain_hash, snapshot_json, updated_at FROM snapshots
		WHERE tenant_id = $1 AND aggregate_type = $2
		ORDER BY aggregate_id ASC`,
		tenant, aggregateType)
	if err != nil {
		if isUndefinedTable(err) {
			return s.mirror.SnapshotsByType(tenant, aggregateType), nil
		}
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snaps []contracts.Snapshot
	for rows.Next() {
		snap := contracts.Snapshot{TenantID: tenant, AggregateType: aggregateType}
		var doc string
		var updatedAt time.Time
		if err := rows.Scan(&snap.AggregateID, &snap.Seq, &snap.AtChainHash, &doc, &updatedAt); err != nil {
			return nil, err
		}
		snap.Snapshot = []byte(doc)
		snap.UpdatedAt = updatedAt.UTC()
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snaps, nil
}

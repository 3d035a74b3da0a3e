package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meridianlabs/settled/pkg/contracts"
)

// PutArtifact inserts an immutable content-hashed artifact.
//
// Classification order:
//  1. (tenant, jobId, artifactType, sourceEventId) hit with a different
//     hash -> ErrArtifactSourceEventConflict; same hash -> idempotent no-op.
//  2. (tenant, artifactId) hit with the same hash -> idempotent no-op;
//     different hash -> ErrArtifactHashMismatch.
//  3. Unique-violation race that neither key explains ->
//     ErrArtifactInsertRace, internally retriable by the caller.
func (s *Store) PutArtifact(ctx context.Context, tx *sql.Tx, a contracts.Artifact) error {
	if a.JobID != "" && a.SourceEventID != "" {
		existing, err := s.getArtifactBySourceEvent(ctx, tx, a.TenantID, a.JobID, a.ArtifactType, a.SourceEventID)
		if err != nil && !errors.Is(err, contracts.ErrNotFound) {
			return err
		}
		if err == nil {
			if existing.ArtifactHash != a.ArtifactHash {
				return fmt.Errorf("%w: job %s type %s source %s",
					contracts.ErrArtifactSourceEventConflict, a.JobID, a.ArtifactType, a.SourceEventID)
			}
			return s.refreshArtifactIndexes(ctx, tx, existing)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO artifacts (tenant_id, artifact_id, artifact_type, job_id, source_event_id,
			at_chain_hash, artifact_hash, body, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tenant_id, artifact_id) DO NOTHING`,
		a.TenantID, a.ArtifactID, a.ArtifactType, nullStr(a.JobID), nullStr(a.SourceEventID),
		nullStr(a.AtChainHash), a.ArtifactHash, string(a.Body), now())
	if err != nil {
		if isUniqueViolation(err) {
			// The partial source-event index fired concurrently; re-read
			// both keys to classify.
			return s.classifyArtifactRace(ctx, tx, a)
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return s.refreshArtifactIndexes(ctx, tx, a)
	}
	return s.classifyArtifactRace(ctx, tx, a)
}

func (s *Store) classifyArtifactRace(ctx context.Context, q querier, a contracts.Artifact) error {
	byID, err := s.GetArtifact(ctx, q, a.TenantID, a.ArtifactID)
	if err == nil {
		if byID.ArtifactHash == a.ArtifactHash {
			return s.refreshArtifactIndexes(ctx, q, byID)
		}
		return fmt.Errorf("%w: artifact %s", contracts.ErrArtifactHashMismatch, a.ArtifactID)
	}
	if !errors.Is(err, contracts.ErrNotFound) {
		return err
	}
	if a.JobID != "" && a.SourceEventID != "" {
		bySource, err := s.getArtifactBySourceEvent(ctx, q, a.TenantID, a.JobID, a.ArtifactType, a.SourceEventID)
		if err == nil {
			if bySource.ArtifactHash == a.ArtifactHash {
				return nil
			}
			return fmt.Errorf("%w: job %s type %s source %s",
				contracts.ErrArtifactSourceEventConflict, a.JobID, a.ArtifactType, a.SourceEventID)
		}
		if !errors.Is(err, contracts.ErrNotFound) {
			return err
		}
	}
	// Neither key explains the conflict: a concurrent deleter or an
	// uncommitted peer. Retriable.
	return contracts.ErrArtifactInsertRace
}

// refreshArtifactIndexes maintains secondary indexes derived from artifact
// bodies. ReputationEvent.v1 artifacts feed the reputation-event index.
func (s *Store) refreshArtifactIndexes(ctx context.Context, q querier, a contracts.Artifact) error {
	if a.ArtifactType != contracts.ArtifactReputationEvent {
		return nil
	}
	var body struct {
		PartyID   string `json:"partyId"`
		EventType string `json:"eventType"`
	}
	if len(a.Body) > 0 {
		if err := json.Unmarshal(a.Body, &body); err != nil {
			return fmt.Errorf("decode reputation event body: %w", err)
		}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO reputation_events (tenant_id, artifact_id, party_id, event_type, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (tenant_id, artifact_id) DO UPDATE SET
			party_id = excluded.party_id,
			event_type = excluded.event_type`,
		a.TenantID, a.ArtifactID, nullStr(body.PartyID), nullStr(body.EventType), now())
	if err != nil {
		return fmt.Errorf("refresh reputation index: %w", err)
	}
	return nil
}

// GetArtifact reads one artifact by id.
func (s *Store) GetArtifact(ctx context.Context, q querier, tenant, artifactID string) (contracts.Artifact, error) {
	row := q.QueryRowContext(ctx, `
		SELECT artifact_type, job_id, source_event_id, at_chain_hash, artifact_hash, body, created_at
		FROM artifacts WHERE tenant_id = $1 AND artifact_id = $2`,
		tenant, artifactID)
	return s.scanArtifact(row, tenant, artifactID)
}

func (s *Store) getArtifactBySourceEvent(ctx context.Context, q querier, tenant, jobID, artifactType, sourceEventID string) (contracts.Artifact, error) {
	row := q.QueryRowContext(ctx, `
		SELECT artifact_id, at_chain_hash, artifact_hash, body, created_at
		FROM artifacts
		WHERE tenant_id = $1 AND job_id = $2 AND artifact_type = $3 AND source_event_id = $4`,
		tenant, jobID, artifactType, sourceEventID)
	a := contracts.Artifact{TenantID: tenant, ArtifactType: artifactType, JobID: jobID, SourceEventID: sourceEventID}
	var body string
	var atChainHash sql.NullString
	var createdAt time.Time
	err := row.Scan(&a.ArtifactID, &atChainHash, &a.ArtifactHash, &body, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Artifact{}, contracts.ErrNotFound
	}
	if err != nil {
		return contracts.Artifact{}, fmt.Errorf("read artifact by source event: %w", err)
	}
	a.AtChainHash = atChainHash.String
	a.Body = []byte(body)
	a.CreatedAt = createdAt.UTC()
	return a, nil
}

func (s *Store) scanArtifact(row *sql.Row, tenant, artifactID string) (contracts.Artifact, error) {
	a := contracts.Artifact{TenantID: tenant, ArtifactID: artifactID}
	var body string
	var jobID, sourceEventID, atChainHash sql.NullString
	var createdAt time.Time
	err := row.Scan(&a.ArtifactType, &jobID, &sourceEventID, &atChainHash, &a.ArtifactHash, &body, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Artifact{}, contracts.ErrNotFound
	}
	if err != nil {
		return contracts.Artifact{}, fmt.Errorf("read artifact: %w", err)
	}
	a.JobID = jobID.String
	a.SourceEventID = sourceEventID.String
	a.AtChainHash = atChainHash.String
	a.Body = []byte(body)
	a.CreatedAt = createdAt.UTC()
	return a, nil
}

// ListArtifacts lists artifacts for a tenant, optionally filtered by type,
// newest first. Tie-break on (created_at DESC, artifact_id DESC) is
// contract; no reliance on database collation beyond byte order.
func (s *Store) ListArtifacts(ctx context.Context, q querier, tenant, artifactType string, limit int) ([]contracts.Artifact, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT artifact_id, artifact_type, job_id, source_event_id, at_chain_hash, artifact_hash, body, created_at
		FROM artifacts WHERE tenant_id = $1`
	args := []any{tenant}
	if artifactType != "" {
		query += ` AND artifact_type = $2`
		args = append(args, artifactType)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, artifact_id DESC LIMIT %d`, limit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Artifact
	for rows.Next() {
		a := contracts.Artifact{TenantID: tenant}
		var body string
		var jobID, sourceEventID, atChainHash sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&a.ArtifactID, &a.ArtifactType, &jobID, &sourceEventID,
			&atChainHash, &a.ArtifactHash, &body, &createdAt); err != nil {
			return nil, err
		}
		a.JobID = jobID.String
		a.SourceEventID = sourceEventID.String
		a.AtChainHash = atChainHash.String
		a.Body = []byte(body)
		a.CreatedAt = createdAt.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

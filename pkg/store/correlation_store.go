package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meridianlabs/settled/pkg/contracts"
)

// UpsertCorrelation binds (siteId, correlationKey) to a job. The same job
// refreshes the expiry; a different job conflicts unless force is set.
func (s *Store) UpsertCorrelation(ctx context.Context, q querier, c contracts.Correlation, force bool) error {
	existing, err := s.GetCorrelation(ctx, q, c.TenantID, c.SiteID, c.CorrelationKey)
	if err != nil && !errors.Is(err, contracts.ErrNotFound) {
		return err
	}
	if err == nil && existing.JobID != c.JobID && !force {
		return &contracts.CorrelationConflictError{
			SiteID:         c.SiteID,
			CorrelationKey: c.CorrelationKey,
			ExistingJobID:  existing.JobID,
		}
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO correlations (tenant_id, site_id, correlation_key, job_id, expires_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant_id, site_id, correlation_key) DO UPDATE SET
			job_id = excluded.job_id,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		c.TenantID, c.SiteID, c.CorrelationKey, c.JobID, nullTime(c.ExpiresAt), now())
	if err != nil {
		return fmt.Errorf("upsert correlation: %w", err)
	}
	return nil
}

// GetCorrelation reads one correlation row.
func (s *Store) GetCorrelation(ctx context.Context, q querier, tenant, siteID, correlationKey string) (contracts.Correlation, error) {
	row := q.QueryRowContext(ctx, `
		SELECT job_id, expires_at FROM correlations
		WHERE tenant_id = $1 AND site_id = $2 AND correlation_key = $3`,
		tenant, siteID, correlationKey)
	c := contracts.Correlation{TenantID: tenant, SiteID: siteID, CorrelationKey: correlationKey}
	var expiresAt sql.NullTime
	err := row.Scan(&c.JobID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Correlation{}, contracts.ErrNotFound
	}
	if err != nil {
		return contracts.Correlation{}, fmt.Errorf("read correlation: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		c.ExpiresAt = &t
	}
	return c, nil
}

// PutIngestRecord dedupes an externally-sourced event. Returns false when
// the (source, externalEventId) pair was already recorded.
func (s *Store) PutIngestRecord(ctx context.Context, q querier, r contracts.IngestRecord) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO ingest_records (tenant_id, source, external_event_id, status,
			accepted_event_id, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tenant_id, source, external_event_id) DO NOTHING`,
		r.TenantID, r.Source, r.ExternalEventID, r.Status,
		nullStr(r.AcceptedEventID), nullTime(r.ExpiresAt), now())
	if err != nil {
		return false, fmt.Errorf("insert ingest record: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetIngestRecord reads one dedupe record.
func (s *Store) GetIngestRecord(ctx context.Context, q querier, tenant, source, externalEventID string) (contracts.IngestRecord, error) {
	row := q.QueryRowContext(ctx, `
		SELECT status, accepted_event_id, expires_at FROM ingest_records
		WHERE tenant_id = $1 AND source = $2 AND external_event_id = $3`,
		tenant, source, externalEventID)
	r := contracts.IngestRecord{TenantID: tenant, Source: source, ExternalEventID: externalEventID}
	var accepted sql.NullString
	var expiresAt sql.NullTime
	err := row.Scan(&r.Status, &accepted, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.IngestRecord{}, contracts.ErrNotFound
	}
	if err != nil {
		return contracts.IngestRecord{}, fmt.Errorf("read ingest record: %w", err)
	}
	r.AcceptedEventID = accepted.String
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		r.ExpiresAt = &t
	}
	return r, nil
}

// PurgeExpiredIngestRecords removes dedupe records past retention.
func (s *Store) PurgeExpiredIngestRecords(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ingest_records WHERE expires_at IS NOT NULL AND expires_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge ingest records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

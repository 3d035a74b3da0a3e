package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meridianlabs/settled/pkg/contracts"
)

// PutSignerKey upserts a per-tenant signer key.
func (s *Store) PutSignerKey(ctx context.Context, q querier, key contracts.SignerKey) error {
	if key.Status == "" {
		key.Status = contracts.KeyStatusActive
	}
	createdAt := key.CreatedAt
	if createdAt.IsZero() {
		createdAt = now()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO signer_keys (tenant_id, key_id, public_key, purpose, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant_id, key_id) DO UPDATE SET
			public_key = excluded.public_key,
			purpose = excluded.purpose,
			status = excluded.status`,
		key.TenantID, key.KeyID, key.PublicKey, key.Purpose, key.Status, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert signer key: %w", err)
	}
	return nil
}

// SetSignerKeyStatus transitions a key's lifecycle state at the given time.
// COALESCE keeps the first rotation/revocation timestamp on repeats.
func (s *Store) SetSignerKeyStatus(ctx context.Context, q querier, tenant, keyID string, status contracts.SignerKeyStatus, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE signer_keys SET
			status = $1,
			rotated_at = CASE WHEN $1 = 'rotated' THEN COALESCE(rotated_at, $2) ELSE rotated_at END,
			revoked_at = CASE WHEN $1 = 'revoked' THEN COALESCE(revoked_at, $2) ELSE revoked_at END
		WHERE tenant_id = $3 AND key_id = $4`,
		status, at.UTC(), tenant, keyID)
	if err != nil {
		return fmt.Errorf("set signer key status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", contracts.ErrSignerKeyUnknown, keyID)
	}
	return nil
}

// GetSignerKey reads one key as a normalized record.
func (s *Store) GetSignerKey(ctx context.Context, q querier, tenant, keyID string) (contracts.SignerKey, error) {
	row := q.QueryRowContext(ctx, `
		SELECT public_key, purpose, status, created_at, rotated_at, revoked_at
		FROM signer_keys WHERE tenant_id = $1 AND key_id = $2`,
		tenant, keyID)
	key := contracts.SignerKey{TenantID: tenant, KeyID: keyID}
	var createdAt time.Time
	var rotatedAt, revokedAt sql.NullTime
	err := row.Scan(&key.PublicKey, &key.Purpose, &key.Status, &createdAt, &rotatedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.SignerKey{}, contracts.ErrNotFound
	}
	if err != nil {
		return contracts.SignerKey{}, fmt.Errorf("read signer key: %w", err)
	}
	key.CreatedAt = createdAt.UTC()
	if rotatedAt.Valid {
		t := rotatedAt.Time.UTC()
		key.RotatedAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time.UTC()
		key.RevokedAt = &t
	}
	return key, nil
}

// PutAuthKey upserts an API auth key. Authentication itself is out of
// scope; the kernel only persists the material.
func (s *Store) PutAuthKey(ctx context.Context, q querier, tenant, keyID, publicKey, role, status string) error {
	if status == "" {
		status = "active"
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO auth_keys (tenant_id, key_id, public_key, role, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant_id, key_id) DO UPDATE SET
			public_key = excluded.public_key,
			role = excluded.role,
			status = excluded.status`,
		tenant, keyID, publicKey, role, status, now())
	if err != nil {
		return fmt.Errorf("upsert auth key: %w", err)
	}
	return nil
}

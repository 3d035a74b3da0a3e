package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meridianlabs/settled/pkg/contracts"
)

// IdempotencyKey identifies one externally-triggered command.
type IdempotencyKey struct {
	Tenant    string
	Principal string
	Endpoint  string
	Key       string
}

// IdempotencyValue is the persisted command outcome returned on replay.
type IdempotencyValue struct {
	RequestHash  string
	StatusCode   int
	ResponseBody []byte
}

// PutIdempotency registers a command outcome, first-write-wins.
//
// Replaying with the same request hash returns the stored value; a
// different request hash returns IdempotencyConflictError. Resolution
// happens inside the command's own transaction so replays observe the
// exact persisted body.
func (s *Store) PutIdempotency(ctx context.Context, tx *sql.Tx, key IdempotencyKey, value IdempotencyValue) (IdempotencyValue, error) {
	stored, err := s.getIdempotency(ctx, tx, key)
	if err == nil {
		if stored.RequestHash != value.RequestHash {
			return IdempotencyValue{}, &contracts.IdempotencyConflictError{
				Principal: key.Principal, Endpoint: key.Endpoint, IdempotencyKey: key.Key,
			}
		}
		return stored, nil
	}
	if !errors.Is(err, contracts.ErrNotFound) {
		return IdempotencyValue{}, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (tenant_id, principal, endpoint, idempotency_key,
			request_hash, status_code, response_body, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (tenant_id, principal, endpoint, idempotency_key) DO NOTHING`,
		key.Tenant, key.Principal, key.Endpoint, key.Key,
		value.RequestHash, value.StatusCode, string(value.ResponseBody), now())
	if err != nil {
		return IdempotencyValue{}, fmt.Errorf("insert idempotency key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return value, nil
	}

	// Lost a race: another transaction inserted between the read and the
	// insert. Re-read and resolve against the winner.
	stored, err = s.getIdempotency(ctx, tx, key)
	if err != nil {
		return IdempotencyValue{}, err
	}
	if stored.RequestHash != value.RequestHash {
		return IdempotencyValue{}, &contracts.IdempotencyConflictError{
			Principal: key.Principal, Endpoint: key.Endpoint, IdempotencyKey: key.Key,
		}
	}
	return stored, nil
}

func (s *Store) getIdempotency(ctx context.Context, q querier, key IdempotencyKey) (IdempotencyValue, error) {
	row := q.QueryRowContext(ctx, `
		SELECT request_hash, status_code, response_body FROM idempotency_keys
		WHERE tenant_id = $1 AND principal = $2 AND endpoint = $3 AND idempotency_key = $4`,
		key.Tenant, key.Principal, key.Endpoint, key.Key)
	var v IdempotencyValue
	var body string
	err := row.Scan(&v.RequestHash, &v.StatusCode, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return IdempotencyValue{}, contracts.ErrNotFound
	}
	if err != nil {
		return IdempotencyValue{}, fmt.Errorf("read idempotency key: %w", err)
	}
	v.ResponseBody = []byte(body)
	return v, nil
}

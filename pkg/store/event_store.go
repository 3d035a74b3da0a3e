package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/meridianlabs/settled/pkg/contracts"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// streamLockKey hashes a stream identity to a stable advisory-lock key.
func streamLockKey(tenant, aggregateType, aggregateID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tenant + ":" + aggregateType + ":" + aggregateID))
	return int64(h.Sum64()) //nolint:gosec // wraparound is fine for a lock key
}

// lockStream serializes concurrent appenders on the same aggregate using a
// transactional advisory lock. SQLite serializes writers already.
func (s *Store) lockStream(ctx context.Context, tx *sql.Tx, tenant, aggregateType, aggregateID string) error {
	if s.opts.Dialect != DialectPostgres {
		return nil
	}
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`,
		streamLockKey(tenant, aggregateType, aggregateID))
	if err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

// Head returns the current (seq, chainHash) of a stream. An empty stream
// returns a zero head.
func (s *Store) Head(ctx context.Context, q querier, tenant, aggregateType, aggregateID string) (contracts.StreamHead, error) {
	row := q.QueryRowContext(ctx, `
		SELECT seq, chain_hash FROM events
		WHERE tenant_id = $1 AND aggregate_type = $2 AND aggregate_id = $3
		ORDER BY seq DESC LIMIT 1`,
		tenant, aggregateType, aggregateID)
	var head contracts.StreamHead
	err := row.Scan(&head.Seq, &head.ChainHash)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.StreamHead{}, nil
	}
	if err != nil {
		return contracts.StreamHead{}, fmt.Errorf("read stream head: %w", err)
	}
	return head, nil
}

// AppendEvents appends pre-chained events to a stream inside tx.
//
// The first event's prevChainHash must equal the current head chain hash
// (nil for an empty stream); a mismatch returns ErrPrevChainHashMismatch
// and the caller re-fetches and retries. Any violation aborts the whole
// surrounding transaction; appends are all-or-nothing.
func (s *Store) AppendEvents(ctx context.Context, tx *sql.Tx, tenant, aggregateType, aggregateID string, events []contracts.Event) (contracts.StreamHead, error) {
	if len(events) == 0 {
		return s.Head(ctx, tx, tenant, aggregateType, aggregateID)
	}
	if err := s.lockStream(ctx, tx, tenant, aggregateType, aggregateID); err != nil {
		return contracts.StreamHead{}, err
	}

	head, err := s.Head(ctx, tx, tenant, aggregateType, aggregateID)
	if err != nil {
		return contracts.StreamHead{}, err
	}

	prev := head.ChainHash
	empty := head.Seq == 0
	for i, ev := range events {
		if empty && i == 0 {
			if ev.PrevChainHash != nil {
				return contracts.StreamHead{}, fmt.Errorf("%w: stream empty but prev=%q",
					contracts.ErrPrevChainHashMismatch, *ev.PrevChainHash)
			}
		} else {
			if ev.PrevChainHash == nil || *ev.PrevChainHash != prev {
				return contracts.StreamHead{}, contracts.ErrPrevChainHashMismatch
			}
		}

		if err := s.enforceSignerKey(ctx, tx, tenant, ev); err != nil {
			return contracts.StreamHead{}, err
		}

		seq := head.Seq + int64(i) + 1
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (tenant_id, aggregate_type, aggregate_id, seq, id, type, at,
				actor_type, actor_id, payload, payload_hash, prev_chain_hash, chain_hash,
				signature, signer_key_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			tenant, aggregateType, aggregateID, seq, ev.ID, ev.Type, ev.At.UTC(),
			ev.Actor.Type, ev.Actor.ID, string(ev.Payload), ev.PayloadHash,
			nullable(ev.PrevChainHash), ev.ChainHash,
			nullStr(ev.Signature), nullStr(ev.SignerKeyID))
		if err != nil {
			if isUniqueViolation(err) {
				// A concurrent appender slipped past the head read; treat as
				// an optimistic-concurrency loss.
				return contracts.StreamHead{}, contracts.ErrPrevChainHashMismatch
			}
			return contracts.StreamHead{}, fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
		prev = ev.ChainHash
	}
	return contracts.StreamHead{Seq: head.Seq + int64(len(events)), ChainHash: prev}, nil
}

// enforceSignerKey validates a non-bootstrap signer key at append time:
// the key must exist, be active and match the actor type.
func (s *Store) enforceSignerKey(ctx context.Context, q querier, tenant string, ev contracts.Event) error {
	if ev.SignerKeyID == "" || ev.SignerKeyID == s.opts.BootstrapKeyID {
		return nil
	}
	key, err := s.GetSignerKey(ctx, q, tenant, ev.SignerKeyID)
	if err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			return fmt.Errorf("%w: %s", contracts.ErrSignerKeyUnknown, ev.SignerKeyID)
		}
		return err
	}
	if key.Status != contracts.KeyStatusActive {
		return fmt.Errorf("%w: %s is %s", contracts.ErrSignerKeyInactive, key.KeyID, key.Status)
	}
	if !key.MatchesActor(ev.Actor) {
		return fmt.Errorf("%w: key %s purpose %s, actor %s",
			contracts.ErrSignerKeyPurposeMismatch, key.KeyID, key.Purpose, ev.Actor.Type)
	}
	return nil
}

// LoadEvents returns a stream's events ordered by seq.
func (s *Store) LoadEvents(ctx context.Context, q querier, tenant, aggregateType, aggregateID string) ([]contracts.Event, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, id, type, at, actor_type, actor_id, payload, payload_hash,
			prev_chain_hash, chain_hash, signature, signer_key_id
		FROM events
		WHERE tenant_id = $1 AND aggregate_type = $2 AND aggregate_id = $3
		ORDER BY seq ASC`,
		tenant, aggregateType, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []contracts.Event
	for rows.Next() {
		ev := contracts.Event{
			TenantID:      tenant,
			AggregateType: aggregateType,
			AggregateID:   aggregateID,
		}
		var payload string
		var at time.Time
		var prev, sig, keyID sql.NullString
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Type, &at, &ev.Actor.Type, &ev.Actor.ID,
			&payload, &ev.PayloadHash, &prev, &ev.ChainHash, &sig, &keyID); err != nil {
			return nil, err
		}
		ev.At = at.UTC()
		ev.Payload = []byte(payload)
		if prev.Valid {
			p := prev.String
			ev.PrevChainHash = &p
		}
		ev.Signature = sig.String
		ev.SignerKeyID = keyID.String
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meridianlabs/settled/pkg/contracts"
)

// InsertJournalEntry inserts an entry row keyed by (tenant, entryId).
// Returns false when the entry already exists; balances must then NOT be
// re-applied. Postings travel inside entry_json; balances and allocations
// are separate materializations.
func (s *Store) InsertJournalEntry(ctx context.Context, tx *sql.Tx, tenant string, entry contracts.JournalEntry, jobID string) (bool, error) {
	if !entry.Balanced() {
		return false, fmt.Errorf("journal entry %s: postings do not sum to zero", entry.ID)
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("marshal entry: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (tenant_id, entry_id, at, memo, entry_json, job_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tenant_id, entry_id) DO NOTHING`,
		tenant, entry.ID, entry.At.UTC(), nullStr(entry.Memo), string(entryJSON), nullStr(jobID), now())
	if err != nil {
		return false, fmt.Errorf("insert ledger entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ApplyBalances adds each posting amount to its account balance. Callers
// invoke this exactly once per entry (guarded by InsertJournalEntry's
// first-insert return).
func (s *Store) ApplyBalances(ctx context.Context, tx *sql.Tx, tenant string, entry contracts.JournalEntry) error {
	for _, p := range entry.Postings {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_balances (tenant_id, account_id, amount_cents, updated_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (tenant_id, account_id) DO UPDATE SET
				amount_cents = ledger_balances.amount_cents + excluded.amount_cents,
				updated_at = excluded.updated_at`,
			tenant, p.AccountID, p.AmountCents, now())
		if err != nil {
			return fmt.Errorf("apply balance %s: %w", p.AccountID, err)
		}
	}
	return nil
}

// InsertAllocations persists per-party splits. The primary key
// (tenant, entryId, postingId, partyId) makes replays no-ops.
func (s *Store) InsertAllocations(ctx context.Context, tx *sql.Tx, allocations []contracts.Allocation) error {
	for _, a := range allocations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_allocations (tenant_id, entry_id, posting_id, party_id, party_role, amount_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (tenant_id, entry_id, posting_id, party_id) DO NOTHING`,
			a.TenantID, a.EntryID, a.PostingID, a.PartyID, a.PartyRole, a.AmountCents)
		if err != nil {
			return fmt.Errorf("insert allocation %s/%s/%s: %w", a.EntryID, a.PostingID, a.PartyID, err)
		}
	}
	return nil
}

// GetJournalEntry reads an entry with its postings.
func (s *Store) GetJournalEntry(ctx context.Context, q querier, tenant, entryID string) (contracts.JournalEntry, string, error) {
	row := q.QueryRowContext(ctx,
		`SELECT entry_json, job_id FROM ledger_entries WHERE tenant_id = $1 AND entry_id = $2`,
		tenant, entryID)
	var entryJSON string
	var jobID sql.NullString
	err := row.Scan(&entryJSON, &jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.JournalEntry{}, "", contracts.ErrNotFound
	}
	if err != nil {
		return contracts.JournalEntry{}, "", fmt.Errorf("read ledger entry: %w", err)
	}
	var entry contracts.JournalEntry
	if err := json.Unmarshal([]byte(entryJSON), &entry); err != nil {
		return contracts.JournalEntry{}, "", fmt.Errorf("decode ledger entry %s: %w", entryID, err)
	}
	return entry, jobID.String, nil
}

// GetBalance returns the materialized balance for an account, zero when
// the account has no postings yet.
func (s *Store) GetBalance(ctx context.Context, q querier, tenant, accountID string) (int64, error) {
	var amount int64
	err := q.QueryRowContext(ctx,
		`SELECT amount_cents FROM ledger_balances WHERE tenant_id = $1 AND account_id = $2`,
		tenant, accountID).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		if isUndefinedTable(err) {
			return s.mirror.Balance(tenant, accountID), nil
		}
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return amount, nil
}

// ListAllocations returns the splits for one entry ordered by
// (postingId, partyId).
func (s *Store) ListAllocations(ctx context.Context, q querier, tenant, entryID string) ([]contracts.Allocation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT posting_id, party_id, party_role, amount_cents FROM ledger_allocations
		WHERE tenant_id = $1 AND entry_id = $2
		ORDER BY posting_id ASC, party_id ASC`,
		tenant, entryID)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Allocation
	for rows.Next() {
		a := contracts.Allocation{TenantID: tenant, EntryID: entryID}
		if err := rows.Scan(&a.PostingID, &a.PartyID, &a.PartyRole, &a.AmountCents); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListAllocationsForPeriod returns allocations joined through their
// entries' timestamps, ordered deterministically for statement building.
func (s *Store) ListAllocationsForPeriod(ctx context.Context, q querier, tenant string, startAt, endAt any) ([]contracts.Allocation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT a.entry_id, a.posting_id, a.party_id, a.party_role, a.amount_cents
		FROM ledger_allocations a
		JOIN ledger_entries e ON e.tenant_id = a.tenant_id AND e.entry_id = a.entry_id
		WHERE a.tenant_id = $1 AND e.at >= $2 AND e.at < $3
		ORDER BY a.entry_id ASC, a.posting_id ASC, a.party_id ASC`,
		tenant, startAt, endAt)
	if err != nil {
		return nil, fmt.Errorf("list period allocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Allocation
	for rows.Next() {
		a := contracts.Allocation{TenantID: tenant}
		if err := rows.Scan(&a.EntryID, &a.PostingID, &a.PartyID, &a.PartyRole, &a.AmountCents); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetContract loads an operator contract document by content hash.
func (s *Store) GetContract(ctx context.Context, q querier, tenant, contentHash string) (json.RawMessage, error) {
	var body string
	err := q.QueryRowContext(ctx,
		`SELECT body_json FROM contracts WHERE tenant_id = $1 AND content_hash = $2`,
		tenant, contentHash).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read contract: %w", err)
	}
	return json.RawMessage(body), nil
}

// PutContract stores an operator contract under its content hash.
func (s *Store) PutContract(ctx context.Context, q querier, tenant, contentHash string, body json.RawMessage) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO contracts (tenant_id, content_hash, body_json, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (tenant_id, content_hash) DO NOTHING`,
		tenant, contentHash, string(body), now())
	if err != nil {
		return fmt.Errorf("put contract: %w", err)
	}
	return nil
}

// GetFinanceAccountMap returns the GL account mapping for a tenant.
func (s *Store) GetFinanceAccountMap(ctx context.Context, q querier, tenant string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT account_id, gl_account FROM finance_account_maps WHERE tenant_id = $1`, tenant)
	if err != nil {
		if isUndefinedTable(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read finance account map: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]string{}
	for rows.Next() {
		var accountID, glAccount string
		if err := rows.Scan(&accountID, &glAccount); err != nil {
			return nil, err
		}
		out[accountID] = glAccount
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

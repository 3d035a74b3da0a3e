package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meridianlabs/settled/pkg/contracts"
)

// PutParty upserts a counterparty record.
func (s *Store) PutParty(ctx context.Context, q querier, p contracts.Party) error {
	var payout any
	if len(p.Payout) > 0 {
		payout = string(p.Payout)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO parties (tenant_id, party_id, display_name, role, payout_json)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (tenant_id, party_id) DO UPDATE SET
			display_name = excluded.display_name,
			role = excluded.role,
			payout_json = excluded.payout_json`,
		p.TenantID, p.PartyID, nullStr(p.DisplayName), nullStr(p.Role), payout)
	if err != nil {
		return fmt.Errorf("upsert party: %w", err)
	}
	return nil
}

// GetParty reads one counterparty.
func (s *Store) GetParty(ctx context.Context, q querier, tenant, partyID string) (contracts.Party, error) {
	row := q.QueryRowContext(ctx, `
		SELECT display_name, role, payout_json FROM parties
		WHERE tenant_id = $1 AND party_id = $2`,
		tenant, partyID)
	p := contracts.Party{TenantID: tenant, PartyID: partyID}
	var display, role, payout sql.NullString
	err := row.Scan(&display, &role, &payout)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Party{}, contracts.ErrNotFound
	}
	if err != nil {
		return contracts.Party{}, fmt.Errorf("read party: %w", err)
	}
	p.DisplayName = display.String
	p.Role = role.String
	if payout.Valid {
		p.Payout = []byte(payout.String)
	}
	return p, nil
}

// ListParties returns a tenant's counterparties ordered by id.
func (s *Store) ListParties(ctx context.Context, q querier, tenant string) ([]contracts.Party, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT party_id, display_name, role, payout_json FROM parties
		WHERE tenant_id = $1 ORDER BY party_id ASC`,
		tenant)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list parties: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Party
	for rows.Next() {
		p := contracts.Party{TenantID: tenant}
		var display, role, payout sql.NullString
		if err := rows.Scan(&p.PartyID, &display, &role, &payout); err != nil {
			return nil, err
		}
		p.DisplayName = display.String
		p.Role = role.String
		if payout.Valid {
			p.Payout = []byte(payout.String)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SetTenantBillingConfig upserts a tenant's platform knobs.
func (s *Store) SetTenantBillingConfig(ctx context.Context, q querier, cfg contracts.TenantBillingConfig) error {
	var maxPending any
	if cfg.MaxPendingDeliveries > 0 {
		maxPending = cfg.MaxPendingDeliveries
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO tenant_billing_config (tenant_id, max_pending_deliveries, journal_csv_gate)
		VALUES ($1,$2,$3)
		ON CONFLICT (tenant_id) DO UPDATE SET
			max_pending_deliveries = excluded.max_pending_deliveries,
			journal_csv_gate = excluded.journal_csv_gate`,
		cfg.TenantID, maxPending, nullStr(cfg.JournalCsvGate))
	if err != nil {
		return fmt.Errorf("upsert tenant billing config: %w", err)
	}
	return nil
}

// JournalCsvGate returns the tenant's gate mode, defaulting to warn.
func (s *Store) JournalCsvGate(ctx context.Context, q querier, tenant string) (string, error) {
	var gate sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT journal_csv_gate FROM tenant_billing_config WHERE tenant_id = $1`,
		tenant).Scan(&gate)
	if err != nil && !errors.Is(err, sql.ErrNoRows) && !isUndefinedTable(err) {
		return "", fmt.Errorf("read journal gate: %w", err)
	}
	if gate.Valid && gate.String != "" {
		return gate.String, nil
	}
	return contracts.JournalCsvGateWarn, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meridianlabs/settled/pkg/canonicalize"
	"github.com/meridianlabs/settled/pkg/contracts"
)

// Versioned contract lifecycle: draft versions are inserted immutably,
// parties sign them against active signer keys, and a compile step derives
// the share document the ledger allocates against, publishing it to the
// content-addressed contracts table.

// PutContractVersion inserts an immutable contract revision. Re-putting an
// existing (contractId, version) with identical body is a no-op; a
// different body returns ErrContractVersionConflict.
func (s *Store) PutContractVersion(ctx context.Context, q querier, cv contracts.ContractVersion) (contracts.ContractVersion, error) {
	canonical, err := canonicalize.Transform(cv.Body)
	if err != nil {
		return contracts.ContractVersion{}, fmt.Errorf("contract %s v%d: %w", cv.ContractID, cv.Version, err)
	}
	cv.ContentHash = canonicalize.HashBytes(canonical)
	cv.Body = canonical
	if cv.Status == "" {
		cv.Status = contracts.ContractStatusDraft
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO contracts_v2 (tenant_id, contract_id, version, content_hash, body_json, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tenant_id, contract_id, version) DO NOTHING`,
		cv.TenantID, cv.ContractID, cv.Version, cv.ContentHash, string(cv.Body), cv.Status, now())
	if err != nil {
		return contracts.ContractVersion{}, fmt.Errorf("put contract version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.GetContractVersion(ctx, q, cv.TenantID, cv.ContractID, cv.Version)
		if err != nil {
			return contracts.ContractVersion{}, err
		}
		if existing.ContentHash != cv.ContentHash {
			return contracts.ContractVersion{}, fmt.Errorf("contract %s v%d: %w",
				cv.ContractID, cv.Version, contracts.ErrContractVersionConflict)
		}
		return existing, nil
	}
	return cv, nil
}

// GetContractVersion loads one contract revision.
func (s *Store) GetContractVersion(ctx context.Context, q querier, tenant, contractID string, version int) (contracts.ContractVersion, error) {
	cv := contracts.ContractVersion{TenantID: tenant, ContractID: contractID, Version: version}
	var body string
	var createdAt time.Time
	err := q.QueryRowContext(ctx, `
		SELECT content_hash, body_json, status, created_at FROM contracts_v2
		WHERE tenant_id = $1 AND contract_id = $2 AND version = $3`,
		tenant, contractID, version).Scan(&cv.ContentHash, &body, &cv.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.ContractVersion{}, contracts.ErrNotFound
	}
	if err != nil {
		return contracts.ContractVersion{}, fmt.Errorf("read contract version: %w", err)
	}
	cv.Body = json.RawMessage(body)
	cv.CreatedAt = createdAt.UTC()
	return cv, nil
}

// AddContractSignature records a party's signature over a contract version.
// The signing key must exist and be active; the bootstrap key is exempt as
// with event appends. Insert-once per (contractId, version, partyId). The
// first signature advances a draft version to signed.
func (s *Store) AddContractSignature(ctx context.Context, q querier, sig contracts.ContractSignature) error {
	if _, err := s.GetContractVersion(ctx, q, sig.TenantID, sig.ContractID, sig.Version); err != nil {
		return err
	}
	if sig.SignerKeyID != s.opts.BootstrapKeyID {
		key, err := s.GetSignerKey(ctx, q, sig.TenantID, sig.SignerKeyID)
		if errors.Is(err, contracts.ErrNotFound) {
			return fmt.Errorf("signature key %s: %w", sig.SignerKeyID, contracts.ErrSignerKeyUnknown)
		}
		if err != nil {
			return err
		}
		if key.Status != contracts.KeyStatusActive {
			return fmt.Errorf("signature key %s: %w", sig.SignerKeyID, contracts.ErrSignerKeyInactive)
		}
	}

	signedAt := sig.SignedAt
	if signedAt.IsZero() {
		signedAt = now()
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO contract_signatures_v2 (tenant_id, contract_id, version, party_id, signer_key_id, signature, signed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tenant_id, contract_id, version, party_id) DO NOTHING`,
		sig.TenantID, sig.ContractID, sig.Version, sig.PartyID, sig.SignerKeyID, sig.Signature, signedAt.UTC()); err != nil {
		return fmt.Errorf("add contract signature: %w", err)
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE contracts_v2 SET status = $1
		WHERE tenant_id = $2 AND contract_id = $3 AND version = $4 AND status = $5`,
		contracts.ContractStatusSigned, sig.TenantID, sig.ContractID, sig.Version,
		contracts.ContractStatusDraft); err != nil {
		return fmt.Errorf("advance contract status: %w", err)
	}
	return nil
}

// ListContractSignatures returns signatures for one revision ordered by
// party id.
func (s *Store) ListContractSignatures(ctx context.Context, q querier, tenant, contractID string, version int) ([]contracts.ContractSignature, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT party_id, signer_key_id, signature, signed_at FROM contract_signatures_v2
		WHERE tenant_id = $1 AND contract_id = $2 AND version = $3
		ORDER BY party_id ASC`,
		tenant, contractID, version)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list contract signatures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ContractSignature
	for rows.Next() {
		sig := contracts.ContractSignature{TenantID: tenant, ContractID: contractID, Version: version}
		var signedAt time.Time
		if err := rows.Scan(&sig.PartyID, &sig.SignerKeyID, &sig.Signature, &signedAt); err != nil {
			return nil, err
		}
		sig.SignedAt = signedAt.UTC()
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CompileContract derives the share document from a signed contract
// version and publishes it under its canonical hash to the contracts
// table, where journal entries reference it. Compiling an unsigned
// version fails; recompiling is idempotent.
func (s *Store) CompileContract(ctx context.Context, tx *sql.Tx, tenant, contractID string, version int) (contracts.ContractCompilation, error) {
	cv, err := s.GetContractVersion(ctx, tx, tenant, contractID, version)
	if err != nil {
		return contracts.ContractCompilation{}, err
	}
	sigs, err := s.ListContractSignatures(ctx, tx, tenant, contractID, version)
	if err != nil {
		return contracts.ContractCompilation{}, err
	}
	if len(sigs) == 0 {
		return contracts.ContractCompilation{}, fmt.Errorf("contract %s v%d: %w",
			contractID, version, contracts.ErrContractUnsigned)
	}

	var doc struct {
		Parties json.RawMessage `json:"parties"`
	}
	if err := json.Unmarshal(cv.Body, &doc); err != nil {
		return contracts.ContractCompilation{}, fmt.Errorf("contract %s v%d body: %w", contractID, version, err)
	}
	if len(doc.Parties) == 0 {
		return contracts.ContractCompilation{}, fmt.Errorf("contract %s v%d: no parties to compile", contractID, version)
	}
	compiled, err := canonicalize.JCS(map[string]any{"parties": json.RawMessage(doc.Parties)})
	if err != nil {
		return contracts.ContractCompilation{}, fmt.Errorf("compile contract %s v%d: %w", contractID, version, err)
	}

	c := contracts.ContractCompilation{
		TenantID:    tenant,
		ContractID:  contractID,
		Version:     version,
		ContentHash: canonicalize.HashBytes(compiled),
		Compiled:    compiled,
		CompiledAt:  now(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO contract_compilations_v2 (tenant_id, contract_id, version, content_hash, compiled_json, compiled_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant_id, contract_id, version) DO NOTHING`,
		c.TenantID, c.ContractID, c.Version, c.ContentHash, string(c.Compiled), c.CompiledAt); err != nil {
		return contracts.ContractCompilation{}, fmt.Errorf("put contract compilation: %w", err)
	}
	if err := s.PutContract(ctx, tx, tenant, c.ContentHash, c.Compiled); err != nil {
		return contracts.ContractCompilation{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE contracts_v2 SET status = $1
		WHERE tenant_id = $2 AND contract_id = $3 AND version = $4 AND status = $5`,
		contracts.ContractStatusCompiled, tenant, contractID, version,
		contracts.ContractStatusSigned); err != nil {
		return contracts.ContractCompilation{}, fmt.Errorf("advance contract status: %w", err)
	}
	return c, nil
}

// GetContractCompilation loads the compiled share document for a revision.
func (s *Store) GetContractCompilation(ctx context.Context, q querier, tenant, contractID string, version int) (contracts.ContractCompilation, error) {
	c := contracts.ContractCompilation{TenantID: tenant, ContractID: contractID, Version: version}
	var compiled string
	var compiledAt time.Time
	err := q.QueryRowContext(ctx, `
		SELECT content_hash, compiled_json, compiled_at FROM contract_compilations_v2
		WHERE tenant_id = $1 AND contract_id = $2 AND version = $3`,
		tenant, contractID, version).Scan(&c.ContentHash, &compiled, &compiledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.ContractCompilation{}, contracts.ErrNotFound
	}
	if err != nil {
		return contracts.ContractCompilation{}, fmt.Errorf("read contract compilation: %w", err)
	}
	c.Compiled = json.RawMessage(compiled)
	c.CompiledAt = compiledAt.UTC()
	return c, nil
}

// InsertPartyStatement records the queryable row behind a PartyStatement
// artifact. Insert-once per (tenant, period, partyId); month-close retries
// re-insert identically and report inserted=false.
func (s *Store) InsertPartyStatement(ctx context.Context, tx *sql.Tx, ps contracts.PartyStatementRecord) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO party_statements (tenant_id, period, party_id, artifact_id, amount_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant_id, period, party_id) DO NOTHING`,
		ps.TenantID, ps.Period, ps.PartyID, ps.ArtifactID, ps.AmountCents, now())
	if err != nil {
		return false, fmt.Errorf("insert party statement: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListPartyStatements returns the statement rows for a period ordered by
// party id.
func (s *Store) ListPartyStatements(ctx context.Context, q querier, tenant, period string) ([]contracts.PartyStatementRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT party_id, artifact_id, amount_cents, created_at FROM party_statements
		WHERE tenant_id = $1 AND period = $2
		ORDER BY party_id ASC`,
		tenant, period)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list party statements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.PartyStatementRecord
	for rows.Next() {
		ps := contracts.PartyStatementRecord{TenantID: tenant, Period: period}
		var createdAt time.Time
		if err := rows.Scan(&ps.PartyID, &ps.ArtifactID, &ps.AmountCents, &createdAt); err != nil {
			return nil, err
		}
		ps.CreatedAt = createdAt.UTC()
		out = append(out, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

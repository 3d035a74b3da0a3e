package contracts

import (
	"encoding/json"
	"time"
)

// Contract version statuses.
const (
	ContractStatusDraft    = "draft"
	ContractStatusSigned   = "signed"
	ContractStatusCompiled = "compiled"
)

// ContractVersion is one immutable revision of a revenue-share contract.
// (tenant, contractId, version) is unique; the body never changes once
// written, only the status advances.
type ContractVersion struct {
	TenantID    string          `json:"tenantId"`
	ContractID  string          `json:"contractId"`
	Version     int             `json:"version"`
	ContentHash string          `json:"contentHash"`
	Body        json.RawMessage `json:"body"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// ContractSignature binds a party's signer key to a contract version.
// Insert-once per (tenant, contractId, version, partyId).
type ContractSignature struct {
	TenantID    string    `json:"tenantId"`
	ContractID  string    `json:"contractId"`
	Version     int       `json:"version"`
	PartyID     string    `json:"partyId"`
	SignerKeyID string    `json:"signerKeyId"`
	Signature   string    `json:"signature"`
	SignedAt    time.Time `json:"signedAt"`
}

// ContractCompilation is the derived share document the ledger allocates
// against. Compiled bodies are also written to the content-addressed
// contracts table so journal entries can reference them by hash.
type ContractCompilation struct {
	TenantID    string          `json:"tenantId"`
	ContractID  string          `json:"contractId"`
	Version     int             `json:"version"`
	ContentHash string          `json:"contentHash"`
	Compiled    json.RawMessage `json:"compiled"`
	CompiledAt  time.Time       `json:"compiledAt"`
}

// PartyStatementRecord is the queryable row behind a PartyStatement
// artifact, written in the month-close transaction. (tenant, period,
// partyId) is unique; retries of the same close re-insert identically.
type PartyStatementRecord struct {
	TenantID    string    `json:"tenantId"`
	Period      string    `json:"period"`
	PartyID     string    `json:"partyId"`
	ArtifactID  string    `json:"artifactId"`
	AmountCents int64     `json:"amountCents"`
	CreatedAt   time.Time `json:"createdAt"`
}

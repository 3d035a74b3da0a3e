package contracts

import "encoding/json"

// Party is a settlement counterparty (operator, robot owner, platform).
// Payout carries destination-specific payout routing as opaque JSON.
type Party struct {
	TenantID    string          `json:"tenantId"`
	PartyID     string          `json:"partyId"`
	DisplayName string          `json:"displayName,omitempty"`
	Role        string          `json:"role,omitempty"`
	Payout      json.RawMessage `json:"payout,omitempty"`
}

// JournalCsv gate modes. The gate decides what happens when a month close
// cannot produce a JournalCsv artifact: warn skips it, strict blocks the
// whole close.
const (
	JournalCsvGateWarn   = "warn"
	JournalCsvGateStrict = "strict"
)

// TenantBillingConfig holds per-tenant platform knobs.
type TenantBillingConfig struct {
	TenantID             string `json:"tenantId"`
	MaxPendingDeliveries int64  `json:"maxPendingDeliveries,omitempty"`
	JournalCsvGate       string `json:"journalCsvGate,omitempty"`
}

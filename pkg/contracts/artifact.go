package contracts

import (
	"encoding/json"
	"time"
)

// Known artifact types emitted by the month-close and finance-pack
// pipelines. The set is open: the artifact store accepts any type string.
const (
	ArtifactMonthlyStatement   = "MonthlyStatement.v1"
	ArtifactPartyStatement     = "PartyStatement.v1"
	ArtifactPayoutInstruction  = "PayoutInstruction.v1"
	ArtifactGLBatch            = "GLBatch.v1"
	ArtifactJournalCsv         = "JournalCsv.v1"
	ArtifactFinancePackPointer = "FinancePackBundlePointer.v1"
	ArtifactReputationEvent    = "ReputationEvent.v1"
)

// Artifact is an immutable content-hashed document. Body is canonical JSON
// with ArtifactHash embedded; ArtifactHash is computed over the body with
// the artifactHash field stripped.
type Artifact struct {
	TenantID      string          `json:"tenantId"`
	ArtifactID    string          `json:"artifactId"`
	ArtifactType  string          `json:"artifactType"`
	JobID         string          `json:"jobId,omitempty"`
	SourceEventID string          `json:"sourceEventId,omitempty"`
	AtChainHash   string          `json:"atChainHash,omitempty"`
	ArtifactHash  string          `json:"artifactHash"`
	Body          json.RawMessage `json:"body"`
	CreatedAt     time.Time       `json:"createdAt"`
}

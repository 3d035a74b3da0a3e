// Package monthclose computes the monthly settlement artifacts as pure
// functions over settled job snapshots. All outputs are deterministic:
// identical inputs produce byte-identical artifact bodies and hashes,
// regardless of input ordering.
package monthclose

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/meridianlabs/settled/pkg/canonicalize"
	"github.com/meridianlabs/settled/pkg/contracts"
	"github.com/meridianlabs/settled/pkg/projection"
)

// ErrJournalGateBlocked is returned in strict gate mode when the GL account
// map cannot cover every journal line. In warn mode the JournalCsv artifact
// is skipped instead.
var ErrJournalGateBlocked = errors.New("journal csv gate blocked: incomplete account map")

// Logical ledger accounts referenced by the GL batch. The tenant's finance
// account map translates these to external GL account codes.
const (
	AccountSettlementExpense = "settlement_expense"
	AccountPartyPayable      = "party_payable"
)

// Inputs is everything a close computation needs. Jobs may arrive in any
// order and may include non-settled or out-of-window jobs; Compute filters
// and orders them itself.
type Inputs struct {
	Tenant      string
	Period      string // e.g. "2026-02"
	StartAt     time.Time
	EndAt       time.Time
	GeneratedAt time.Time
	Jobs        []projection.JobSnapshot
	AccountMap  map[string]string // logical account id -> GL account code
	Gate        string            // contracts.JournalCsvGateWarn | Strict
}

// Result carries the computed artifacts in their emission order.
type Result struct {
	Artifacts []contracts.Artifact
	// PartyTotals maps partyId to its total allocation for the period.
	PartyTotals map[string]int64
	// SkippedJournalCsv is set when warn-mode gating dropped the CSV.
	SkippedJournalCsv bool
	// MissingAccounts lists logical accounts absent from the account map.
	MissingAccounts []string
}

type jobLine struct {
	JobID       string `json:"jobId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency,omitempty"`
	PayeeParty  string `json:"payeePartyId,omitempty"`
	SettledAt   string `json:"settledAt,omitempty"`
}

type partyLine struct {
	JobID       string `json:"jobId"`
	Role        string `json:"role"`
	AmountCents int64  `json:"amountCents"`
}

type glLine struct {
	AccountID   string `json:"accountId"`
	GLAccount   string `json:"glAccount,omitempty"`
	PartyID     string `json:"partyId,omitempty"`
	DebitCents  int64  `json:"debitCents,omitempty"`
	CreditCents int64  `json:"creditCents,omitempty"`
}

// Compute builds the full artifact fan-out for one month close:
// MonthlyStatement, per-party PartyStatements, positive PayoutInstructions,
// GLBatch and (gate permitting) JournalCsv, in that order.
func Compute(in Inputs) (Result, error) {
	jobs := settledInWindow(in.Jobs, in.StartAt, in.EndAt)
	generatedAt := in.GeneratedAt.UTC().Format(time.RFC3339)

	res := Result{PartyTotals: map[string]int64{}}

	// Per-party lines, keyed deterministically.
	partyLines := map[string][]partyLine{}
	partyRoles := map[string]string{}
	var total int64
	var lines []jobLine
	for _, js := range jobs {
		total += js.AmountCents
		line := jobLine{
			JobID:       js.JobID,
			AmountCents: js.AmountCents,
			Currency:    js.Currency,
			PayeeParty:  js.PayeePartyID,
		}
		if js.SettledAt != nil {
			line.SettledAt = js.SettledAt.UTC().Format(time.RFC3339)
		}
		lines = append(lines, line)

		for _, sh := range projection.AllocateShares(js.AmountCents, js) {
			if sh.AmountCents == 0 {
				continue
			}
			res.PartyTotals[sh.PartyID] += sh.AmountCents
			partyLines[sh.PartyID] = append(partyLines[sh.PartyID], partyLine{
				JobID: js.JobID, Role: sh.Role, AmountCents: sh.AmountCents,
			})
			if _, ok := partyRoles[sh.PartyID]; !ok {
				partyRoles[sh.PartyID] = sh.Role
			}
		}
	}

	monthly, err := buildArtifact(in.Tenant, contracts.ArtifactMonthlyStatement,
		fmt.Sprintf("ms-%s-%s", in.Tenant, in.Period), map[string]any{
			"period":      in.Period,
			"startAt":     in.StartAt.UTC().Format(time.RFC3339),
			"endAt":       in.EndAt.UTC().Format(time.RFC3339),
			"generatedAt": generatedAt,
			"jobCount":    len(jobs),
			"totalCents":  total,
			"jobs":        lines,
		})
	if err != nil {
		return Result{}, err
	}
	res.Artifacts = append(res.Artifacts, monthly)

	for _, partyID := range sortedKeys(partyLines) {
		ps, err := buildArtifact(in.Tenant, contracts.ArtifactPartyStatement,
			fmt.Sprintf("ps-%s-%s-%s", in.Tenant, in.Period, partyID), map[string]any{
				"period":      in.Period,
				"partyId":     partyID,
				"role":        partyRoles[partyID],
				"generatedAt": generatedAt,
				"totalCents":  res.PartyTotals[partyID],
				"lines":       partyLines[partyID],
			})
		if err != nil {
			return Result{}, err
		}
		res.Artifacts = append(res.Artifacts, ps)
	}

	for _, partyID := range sortedKeys(res.PartyTotals) {
		amount := res.PartyTotals[partyID]
		if amount <= 0 {
			continue
		}
		pi, err := buildArtifact(in.Tenant, contracts.ArtifactPayoutInstruction,
			fmt.Sprintf("pi-%s-%s-%s", in.Tenant, in.Period, partyID), map[string]any{
				"period":      in.Period,
				"partyId":     partyID,
				"amountCents": amount,
				"generatedAt": generatedAt,
			})
		if err != nil {
			return Result{}, err
		}
		res.Artifacts = append(res.Artifacts, pi)
	}

	glLines, missing := buildGLLines(total, res.PartyTotals, in.AccountMap)
	res.MissingAccounts = missing
	gl, err := buildArtifact(in.Tenant, contracts.ArtifactGLBatch,
		fmt.Sprintf("gl-%s-%s", in.Tenant, in.Period), map[string]any{
			"period":      in.Period,
			"generatedAt": generatedAt,
			"lines":       glLines,
		})
	if err != nil {
		return Result{}, err
	}
	res.Artifacts = append(res.Artifacts, gl)

	if len(missing) > 0 {
		if in.Gate == contracts.JournalCsvGateStrict {
			return Result{}, fmt.Errorf("%w: %s", ErrJournalGateBlocked, strings.Join(missing, ","))
		}
		res.SkippedJournalCsv = true
		return res, nil
	}

	jc, err := buildArtifact(in.Tenant, contracts.ArtifactJournalCsv,
		fmt.Sprintf("jc-%s-%s", in.Tenant, in.Period), map[string]any{
			"period":      in.Period,
			"generatedAt": generatedAt,
			"csv":         journalCsv(glLines),
		})
	if err != nil {
		return Result{}, err
	}
	res.Artifacts = append(res.Artifacts, jc)
	return res, nil
}

// settledInWindow filters to settled jobs with settledAt in [startAt, endAt)
// and orders them by jobId.
func settledInWindow(jobs []projection.JobSnapshot, startAt, endAt time.Time) []projection.JobSnapshot {
	var out []projection.JobSnapshot
	for _, js := range jobs {
		if js.Status != projection.JobStatusSettled || js.SettledAt == nil {
			continue
		}
		at := js.SettledAt.UTC()
		if at.Before(startAt) || !at.Before(endAt) {
			continue
		}
		out = append(out, js)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// buildGLLines produces the balanced GL batch: one expense debit and one
// payable credit per party, ordered by party id. Unmapped logical accounts
// are reported for gate handling.
func buildGLLines(total int64, partyTotals map[string]int64, accountMap map[string]string) ([]glLine, []string) {
	missingSet := map[string]bool{}
	lookup := func(accountID string) string {
		gl, ok := accountMap[accountID]
		if !ok {
			missingSet[accountID] = true
		}
		return gl
	}

	lines := []glLine{{
		AccountID:  AccountSettlementExpense,
		GLAccount:  lookup(AccountSettlementExpense),
		DebitCents: total,
	}}
	for _, partyID := range sortedKeys(partyTotals) {
		amount := partyTotals[partyID]
		if amount == 0 {
			continue
		}
		lines = append(lines, glLine{
			AccountID:   AccountPartyPayable,
			GLAccount:   lookup(AccountPartyPayable),
			PartyID:     partyID,
			CreditCents: amount,
		})
	}

	missing := make([]string, 0, len(missingSet))
	for k := range missingSet {
		missing = append(missing, k)
	}
	sort.Strings(missing)
	return lines, missing
}

// journalCsv renders GL lines as a stable CSV document.
func journalCsv(lines []glLine) string {
	var b strings.Builder
	b.WriteString("glAccount,accountId,partyId,debitCents,creditCents\n")
	for _, l := range lines {
		fmt.Fprintf(&b, "%s,%s,%s,%d,%d\n", l.GLAccount, l.AccountID, l.PartyID, l.DebitCents, l.CreditCents)
	}
	return b.String()
}

func buildArtifact(tenant, artifactType, artifactID string, body map[string]any) (contracts.Artifact, error) {
	canonical, hash, err := canonicalize.EmbedArtifactHash(body)
	if err != nil {
		return contracts.Artifact{}, fmt.Errorf("build %s: %w", artifactType, err)
	}
	return contracts.Artifact{
		TenantID:     tenant,
		ArtifactID:   artifactID,
		ArtifactType: artifactType,
		ArtifactHash: hash,
		Body:         canonical,
	}, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PriorityFor returns the delivery priority of an artifact type. Lower is
// claimed earlier within a scope.
func PriorityFor(artifactType string) int {
	switch artifactType {
	case contracts.ArtifactMonthlyStatement:
		return 10
	case contracts.ArtifactPartyStatement:
		return 20
	case contracts.ArtifactPayoutInstruction:
		return 30
	case contracts.ArtifactGLBatch:
		return 40
	case contracts.ArtifactJournalCsv:
		return 50
	case contracts.ArtifactFinancePackPointer:
		return 60
	default:
		return 100
	}
}

// ScopeKeyFor returns the delivery scope of an artifact: per-party artifacts
// order within their party lane, everything else within the period lane.
func ScopeKeyFor(a contracts.Artifact, period string) string {
	switch a.ArtifactType {
	case contracts.ArtifactPartyStatement, contracts.ArtifactPayoutInstruction:
		// Artifact ids embed the party id as their last segment.
		parts := strings.Split(a.ArtifactID, "-")
		return period + ":" + parts[len(parts)-1]
	default:
		return period
	}
}

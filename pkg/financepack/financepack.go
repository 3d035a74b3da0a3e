// Package financepack assembles the monthly finance-pack bundle: a
// deterministic ZIP of the month's events and artifacts, content-hashed and
// stored write-once in the evidence store. Byte-level determinism is the
// load-bearing property: rebuilding the bundle from the same inputs must
// reproduce identical bytes, or the immutability check trips.
package financepack

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/meridianlabs/settled/pkg/canonicalize"
	"github.com/meridianlabs/settled/pkg/contracts"
)

// ErrReconciliation marks a failed pre-bundle reconciliation. Retriable:
// the worker clears its lease and the message is reclaimed.
var ErrReconciliation = errors.New("finance pack reconciliation failed")

// Inputs is the material bundled for one period.
type Inputs struct {
	Tenant      string
	Period      string
	MonthEvents []contracts.Event
	Artifacts   []contracts.Artifact
}

// Reconciler validates inputs before bundling. Implementations must be
// pure with respect to their inputs.
type Reconciler interface {
	Reconcile(in Inputs) error
}

// manifest is the bundle's index entry file.
type manifest struct {
	Period     string          `json:"period"`
	Tenant     string          `json:"tenant"`
	EventCount int             `json:"eventCount"`
	Artifacts  []manifestEntry `json:"artifacts"`
}

type manifestEntry struct {
	ArtifactID   string `json:"artifactId"`
	ArtifactType string `json:"artifactType"`
	ArtifactHash string `json:"artifactHash"`
}

// Build produces the deterministic ZIP bytes and their bundle hash.
//
// Determinism rules: entries are stored uncompressed in a fixed order
// (manifest, events, artifacts sorted by id) with zeroed timestamps, and
// every JSON payload is canonical. Input artifact order does not matter.
func Build(in Inputs) ([]byte, string, error) {
	arts := make([]contracts.Artifact, len(in.Artifacts))
	copy(arts, in.Artifacts)
	sort.Slice(arts, func(i, j int) bool { return arts[i].ArtifactID < arts[j].ArtifactID })

	events := make([]contracts.Event, len(in.MonthEvents))
	copy(events, in.MonthEvents)
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	m := manifest{
		Period:     in.Period,
		Tenant:     in.Tenant,
		EventCount: len(events),
	}
	for _, a := range arts {
		m.Artifacts = append(m.Artifacts, manifestEntry{
			ArtifactID:   a.ArtifactID,
			ArtifactType: a.ArtifactType,
			ArtifactHash: a.ArtifactHash,
		})
	}
	manifestJSON, err := canonicalize.JCS(m)
	if err != nil {
		return nil, "", fmt.Errorf("bundle manifest: %w", err)
	}
	eventsJSON, err := canonicalize.JCS(events)
	if err != nil {
		return nil, "", fmt.Errorf("bundle events: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	write := func(name string, data []byte) error {
		// Store method and zero Modified keep the bytes reproducible.
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		if err != nil {
			return fmt.Errorf("bundle entry %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("bundle entry %s: %w", name, err)
		}
		return nil
	}

	if err := write("manifest.json", manifestJSON); err != nil {
		return nil, "", err
	}
	if err := write("events.json", eventsJSON); err != nil {
		return nil, "", err
	}
	for _, a := range arts {
		if err := write("artifacts/"+a.ArtifactID+".json", a.Body); err != nil {
			return nil, "", err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, "", fmt.Errorf("bundle close: %w", err)
	}

	data := buf.Bytes()
	return data, canonicalize.HashBytes(data), nil
}

// EvidenceRef is the write-once evidence key of a period's bundle.
func EvidenceRef(period, bundleHash string) string {
	return fmt.Sprintf("obj://finance-pack/%s/%s.zip", period, bundleHash)
}

// PointerBody builds the FinancePackBundlePointer.v1 artifact body with its
// artifact hash embedded, and the pointer's artifact id.
func PointerBody(in Inputs, bundleHash, evidenceRef string, generatedAt string) (string, []byte, string, error) {
	artifactID := fmt.Sprintf("fp-%s-%s", in.Tenant, in.Period)
	body, hash, err := canonicalize.EmbedArtifactHash(map[string]any{
		"period":      in.Period,
		"bundleHash":  bundleHash,
		"evidenceRef": evidenceRef,
		"generatedAt": generatedAt,
	})
	if err != nil {
		return "", nil, "", fmt.Errorf("pointer body: %w", err)
	}
	return artifactID, body, hash, nil
}

// DefaultReconciler cross-checks the month artifacts: the GL batch must be
// present and balanced, and party statement totals must cover the monthly
// statement total.
type DefaultReconciler struct{}

func (DefaultReconciler) Reconcile(in Inputs) error {
	var monthlyTotal, partyTotal int64
	var haveMonthly, haveGL bool

	for _, a := range in.Artifacts {
		switch a.ArtifactType {
		case contracts.ArtifactMonthlyStatement:
			var body struct {
				TotalCents int64 `json:"totalCents"`
			}
			if err := json.Unmarshal(a.Body, &body); err != nil {
				return fmt.Errorf("%w: monthly statement: %v", ErrReconciliation, err)
			}
			monthlyTotal = body.TotalCents
			haveMonthly = true
		case contracts.ArtifactPartyStatement:
			var body struct {
				TotalCents int64 `json:"totalCents"`
			}
			if err := json.Unmarshal(a.Body, &body); err != nil {
				return fmt.Errorf("%w: party statement: %v", ErrReconciliation, err)
			}
			partyTotal += body.TotalCents
		case contracts.ArtifactGLBatch:
			var body struct {
				Lines []struct {
					DebitCents  int64 `json:"debitCents"`
					CreditCents int64 `json:"creditCents"`
				} `json:"lines"`
			}
			if err := json.Unmarshal(a.Body, &body); err != nil {
				return fmt.Errorf("%w: gl batch: %v", ErrReconciliation, err)
			}
			var debits, credits int64
			for _, l := range body.Lines {
				debits += l.DebitCents
				credits += l.CreditCents
			}
			if debits != credits {
				return fmt.Errorf("%w: gl batch unbalanced: debits=%d credits=%d",
					ErrReconciliation, debits, credits)
			}
			haveGL = true
		}
	}

	if !haveMonthly {
		return fmt.Errorf("%w: monthly statement missing", ErrReconciliation)
	}
	if !haveGL {
		return fmt.Errorf("%w: gl batch missing", ErrReconciliation)
	}
	if partyTotal != monthlyTotal {
		return fmt.Errorf("%w: party totals %d != monthly total %d",
			ErrReconciliation, partyTotal, monthlyTotal)
	}
	return nil
}

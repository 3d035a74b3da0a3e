package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/meridianlabs/settled/pkg/contracts"
	"github.com/meridianlabs/settled/pkg/evidence"
	"github.com/meridianlabs/settled/pkg/failpoint"
	"github.com/meridianlabs/settled/pkg/financepack"
	"github.com/meridianlabs/settled/pkg/projection"
	"github.com/meridianlabs/settled/pkg/store"
)

// FinancePacker drains FINANCE_PACK_BUNDLE_ENQUEUE: it reloads the month's
// events and artifacts, reconciles them, rebuilds the deterministic bundle
// and writes it once to the evidence store. The pointer artifact and its
// deliveries land in a separate transaction, so a crash between the two
// steps recovers by recomputing identical bytes and proceeding.
//
// Stored bytes that differ from the recomputed bundle are an immutability
// breach; the message is dead-lettered immediately for operator escalation.
type FinancePacker struct {
	Store        *store.Store
	Evidence     evidence.Store
	Reconciler   financepack.Reconciler
	Destinations []contracts.Destination
	Logger       *slog.Logger
}

func (w *FinancePacker) Handle(ctx context.Context, msg contracts.OutboxMessage) error {
	var p struct {
		Period      string `json:"period"`
		GeneratedAt string `json:"generatedAt"`
	}
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("finance pack payload %d: %w", msg.ID, err)
	}
	if p.Period == "" {
		p.Period = msg.AggregateID
	}
	if p.Period == "" {
		return fmt.Errorf("finance pack %d: no period", msg.ID)
	}
	tenant := msg.TenantID

	events, err := w.Store.LoadEvents(ctx, w.Store.DB(), tenant, projection.AggregateMonth, p.Period)
	if err != nil {
		return err
	}
	artifacts, err := w.monthArtifacts(ctx, tenant, p.Period)
	if err != nil {
		return err
	}

	in := financepack.Inputs{
		Tenant:      tenant,
		Period:      p.Period,
		MonthEvents: events,
		Artifacts:   artifacts,
	}
	reconciler := w.Reconciler
	if reconciler == nil {
		reconciler = financepack.DefaultReconciler{}
	}
	if err := reconciler.Reconcile(in); err != nil {
		return err
	}

	data, bundleHash, err := financepack.Build(in)
	if err != nil {
		return err
	}
	ref := financepack.EvidenceRef(p.Period, bundleHash)
	if err := w.Evidence.PutEvidence(ctx, tenant, ref, data); err != nil {
		if errors.Is(err, evidence.ErrMismatch) {
			return fmt.Errorf("%w: %s", contracts.ErrFinancePackImmutabilityBreach, ref)
		}
		return err
	}
	if err := failpoint.Fire(failpoint.FinancePackAfterZipStore); err != nil {
		return err
	}

	generatedAt := p.GeneratedAt
	if generatedAt == "" {
		generatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	pointerID, body, artifactHash, err := financepack.PointerBody(in, bundleHash, ref, generatedAt)
	if err != nil {
		return err
	}
	pointer := contracts.Artifact{
		TenantID:     tenant,
		ArtifactID:   pointerID,
		ArtifactType: contracts.ArtifactFinancePackPointer,
		ArtifactHash: artifactHash,
		Body:         body,
	}

	tx, err := w.Store.BeginWorkerTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := ValidateArtifactBody(pointer.ArtifactType, pointer.Body); err != nil {
		return fmt.Errorf("artifact %s: %w", pointer.ArtifactID, err)
	}
	if err := w.Store.PutArtifact(ctx, tx, pointer); err != nil {
		return err
	}
	if err := failpoint.Fire(failpoint.FinancePackAfterPointer); err != nil {
		return err
	}

	// Pointer deliveries order after the close fan-out within the period.
	orderSeq := int64(1000)
	if err := fanOutDeliveries(ctx, w.Store, tx, tenant, p.Period, []contracts.Artifact{pointer}, w.Destinations, &orderSeq); err != nil {
		return err
	}

	if err := w.Store.MarkOutboxProcessed(ctx, tx, []int64{msg.ID}, ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("finance pack commit: %w", err)
	}
	return nil
}

// monthArtifacts collects the close fan-out of one period. PartyStatement
// and JournalCsv may legitimately be absent; their absence is decided by the
// reconciler, not here.
func (w *FinancePacker) monthArtifacts(ctx context.Context, tenant, period string) ([]contracts.Artifact, error) {
	marker := "-" + tenant + "-" + period
	var out []contracts.Artifact
	for _, artifactType := range []string{
		contracts.ArtifactMonthlyStatement,
		contracts.ArtifactPartyStatement,
		contracts.ArtifactPayoutInstruction,
		contracts.ArtifactGLBatch,
		contracts.ArtifactJournalCsv,
	} {
		list, err := w.Store.ListArtifacts(ctx, w.Store.DB(), tenant, artifactType, 1000)
		if err != nil {
			return nil, err
		}
		for _, a := range list {
			if strings.Contains(a.ArtifactID, marker) {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

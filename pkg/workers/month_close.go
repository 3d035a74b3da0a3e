package workers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridianlabs/settled/pkg/chain"
	"github.com/meridianlabs/settled/pkg/contracts"
	"github.com/meridianlabs/settled/pkg/crypto"
	"github.com/meridianlabs/settled/pkg/failpoint"
	"github.com/meridianlabs/settled/pkg/monthclose"
	"github.com/meridianlabs/settled/pkg/projection"
	"github.com/meridianlabs/settled/pkg/store"
)

// MonthCloser drains MONTH_CLOSE_REQUESTED. One close answers every pending
// request on the month stream: it computes the artifact fan-out, enqueues
// deliveries, appends a server-signed MONTH_CLOSED event and enqueues the
// finance-pack bundle, all committed together with the outbox finalization.
// A request against an already-closed month is a no-op.
type MonthCloser struct {
	Store        *store.Store
	Signer       crypto.Signer
	Destinations []contracts.Destination
	Logger       *slog.Logger
}

func (w *MonthCloser) Handle(ctx context.Context, msg contracts.OutboxMessage) error {
	tenant := msg.TenantID
	period := msg.AggregateID
	if period == "" {
		var p struct {
			Period string `json:"period"`
		}
		_ = json.Unmarshal(msg.Payload, &p)
		period = p.Period
	}
	if period == "" {
		return fmt.Errorf("month close %d: no period", msg.ID)
	}

	// The whole close, snapshot reads included, happens inside one worker
	// transaction; a concurrent append surfaces as a retriable
	// prevChainHash mismatch at the MONTH_CLOSED append below.
	tx, err := w.Store.BeginWorkerTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ms, err := w.monthSnapshot(ctx, tx, tenant, period)
	if err != nil {
		return err
	}
	if ms == nil || ms.Status == projection.MonthStatusClosed || len(ms.PendingRequests) == 0 {
		if err := w.Store.MarkOutboxProcessed(ctx, tx, []int64{msg.ID}, ""); err != nil {
			return err
		}
		return tx.Commit()
	}

	// The MONTH_CLOSED event answers all pending requests at once; close
	// against the earliest request's window.
	req := ms.PendingRequests[0]
	generatedAt := req.RequestedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now().UTC()
	}

	jobs, err := w.jobSnapshots(ctx, tx, tenant)
	if err != nil {
		return err
	}
	accountMap, err := w.Store.GetFinanceAccountMap(ctx, tx, tenant)
	if err != nil {
		return err
	}
	gate, err := w.Store.JournalCsvGate(ctx, tx, tenant)
	if err != nil {
		return err
	}

	res, err := monthclose.Compute(monthclose.Inputs{
		Tenant:      tenant,
		Period:      period,
		StartAt:     req.StartAt,
		EndAt:       req.EndAt,
		GeneratedAt: generatedAt,
		Jobs:        jobs,
		AccountMap:  accountMap,
		Gate:        gate,
	})
	if err != nil {
		return err
	}
	if res.SkippedJournalCsv && w.Logger != nil {
		w.Logger.Warn("journal csv skipped: incomplete account map",
			"tenant", tenant, "period", period, "missing", res.MissingAccounts)
	}

	for i, a := range res.Artifacts {
		if err := ValidateArtifactBody(a.ArtifactType, a.Body); err != nil {
			return fmt.Errorf("artifact %s: %w", a.ArtifactID, err)
		}
		if err := w.Store.PutArtifact(ctx, tx, a); err != nil {
			return err
		}
		if a.ArtifactType == contracts.ArtifactPartyStatement {
			if err := w.recordPartyStatement(ctx, tx, tenant, period, a); err != nil {
				return err
			}
		}
		next := ""
		if i+1 < len(res.Artifacts) {
			next = res.Artifacts[i+1].ArtifactType
		}
		if a.ArtifactType == contracts.ArtifactPartyStatement && next != contracts.ArtifactPartyStatement {
			if err := failpoint.Fire(failpoint.MonthCloseAfterPartyStatements); err != nil {
				return err
			}
		}
		if a.ArtifactType == contracts.ArtifactPayoutInstruction && next != contracts.ArtifactPayoutInstruction {
			if err := failpoint.Fire(failpoint.MonthCloseAfterPayouts); err != nil {
				return err
			}
		}
	}

	var orderSeq int64
	if err := fanOutDeliveries(ctx, w.Store, tx, tenant, period, res.Artifacts, w.Destinations, &orderSeq); err != nil {
		return err
	}

	events, err := w.Store.LoadEvents(ctx, tx, tenant, projection.AggregateMonth, period)
	if err != nil {
		return err
	}
	closed, err := chain.NewEvent(chain.Draft{
		Type:  projection.EventMonthClosed,
		At:    generatedAt,
		Actor: contracts.Actor{Type: contracts.ActorServer, ID: "month-close"},
		Payload: map[string]any{
			"period":      period,
			"statementId": fmt.Sprintf("ms-%s-%s", tenant, period),
			"generatedAt": generatedAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		return err
	}
	chained, err := chain.Append(events, closed, w.Signer)
	if err != nil {
		return err
	}
	appended := chained[len(chained)-1]
	if _, err := w.Store.AppendEvents(ctx, tx, tenant, projection.AggregateMonth, period, []contracts.Event{appended}); err != nil {
		return err
	}
	snap, err := w.Store.RebuildSnapshot(ctx, tx, tenant, projection.AggregateMonth, period)
	if err != nil {
		return err
	}

	fpPayload, err := json.Marshal(map[string]string{
		"period":      period,
		"generatedAt": generatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if _, err := w.Store.EnqueueOutbox(ctx, tx, contracts.OutboxMessage{
		TenantID:      tenant,
		Topic:         contracts.TopicFinancePackBundle,
		AggregateType: projection.AggregateMonth,
		AggregateID:   period,
		Payload:       fpPayload,
	}); err != nil {
		return err
	}

	if err := w.Store.MarkOutboxProcessed(ctx, tx, []int64{msg.ID}, ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("month close commit: %w", err)
	}

	w.Store.Mirror().RecordEvents(tenant, projection.AggregateMonth, period, []contracts.Event{appended})
	w.Store.Mirror().RecordSnapshot(snap)
	return nil
}

// recordPartyStatement writes the queryable party_statements row behind a
// PartyStatement artifact, in the close transaction.
func (w *MonthCloser) recordPartyStatement(ctx context.Context, tx *sql.Tx, tenant, period string, a contracts.Artifact) error {
	var body struct {
		PartyID    string `json:"partyId"`
		TotalCents int64  `json:"totalCents"`
	}
	if err := json.Unmarshal(a.Body, &body); err != nil {
		return fmt.Errorf("party statement %s: %w", a.ArtifactID, err)
	}
	_, err := w.Store.InsertPartyStatement(ctx, tx, contracts.PartyStatementRecord{
		TenantID:    tenant,
		Period:      period,
		PartyID:     body.PartyID,
		ArtifactID:  a.ArtifactID,
		AmountCents: body.TotalCents,
	})
	return err
}

func (w *MonthCloser) monthSnapshot(ctx context.Context, tx *sql.Tx, tenant, period string) (*projection.MonthSnapshot, error) {
	snap, err := w.Store.GetSnapshot(ctx, tx, tenant, projection.AggregateMonth, period)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ms projection.MonthSnapshot
	if err := json.Unmarshal(snap.Snapshot, &ms); err != nil {
		return nil, fmt.Errorf("month snapshot %s: %w", period, err)
	}
	return &ms, nil
}

func (w *MonthCloser) jobSnapshots(ctx context.Context, tx *sql.Tx, tenant string) ([]projection.JobSnapshot, error) {
	snaps, err := w.Store.ListSnapshotsByType(ctx, tx, tenant, projection.AggregateJob)
	if err != nil {
		return nil, err
	}
	out := make([]projection.JobSnapshot, 0, len(snaps))
	for _, snap := range snaps {
		var js projection.JobSnapshot
		if err := json.Unmarshal(snap.Snapshot, &js); err != nil {
			return nil, fmt.Errorf("job snapshot %s: %w", snap.AggregateID, err)
		}
		out = append(out, js)
	}
	return out, nil
}


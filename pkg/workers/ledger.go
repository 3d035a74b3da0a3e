package workers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/meridianlabs/settled/pkg/contracts"
	"github.com/meridianlabs/settled/pkg/failpoint"
	"github.com/meridianlabs/settled/pkg/projection"
	"github.com/meridianlabs/settled/pkg/store"
)

// LedgerApplier drains LEDGER_ENTRY_APPLY: it inserts the journal entry,
// applies balances on first insert only, derives per-party allocations from
// the job snapshot and marks the message processed, all in one transaction.
// Every step is keyed by natural ids, so replays after a crash are no-ops.
type LedgerApplier struct {
	Store  *store.Store
	Logger *slog.Logger
}

func (w *LedgerApplier) Handle(ctx context.Context, msg contracts.OutboxMessage) error {
	var p struct {
		Entry contracts.JournalEntry `json:"entry"`
		JobID string                 `json:"jobId"`
	}
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("ledger payload %d: %w", msg.ID, err)
	}

	tx, err := w.Store.BeginWorkerTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err := w.Store.InsertJournalEntry(ctx, tx, msg.TenantID, p.Entry, p.JobID)
	if err != nil {
		return err
	}
	if inserted {
		if err := w.Store.ApplyBalances(ctx, tx, msg.TenantID, p.Entry); err != nil {
			return err
		}
	}
	if err := failpoint.Fire(failpoint.LedgerAfterInsertBeforeOutboxDone); err != nil {
		return err
	}
	if err := failpoint.Fire(failpoint.LedgerAfterPostingsBeforeAllocations); err != nil {
		return err
	}

	if p.JobID != "" {
		allocs, err := w.allocations(ctx, tx, msg.TenantID, p.Entry, p.JobID)
		if err != nil {
			return err
		}
		if err := w.Store.InsertAllocations(ctx, tx, allocs); err != nil {
			return err
		}
	}
	if err := failpoint.Fire(failpoint.LedgerAfterAllocationsBeforeOutboxDone); err != nil {
		return err
	}

	if err := w.Store.MarkOutboxProcessed(ctx, tx, []int64{msg.ID}, ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger apply commit: %w", err)
	}

	if inserted {
		w.Store.Mirror().ApplyEntry(msg.TenantID, p.Entry)
	}
	return nil
}

// allocations splits each positive posting across the job's parties. The
// operator contract, when referenced by the job snapshot, overrides the
// snapshot's party shares.
func (w *LedgerApplier) allocations(ctx context.Context, tx *sql.Tx, tenant string, entry contracts.JournalEntry, jobID string) ([]contracts.Allocation, error) {
	snap, err := w.Store.GetSnapshot(ctx, tx, tenant, projection.AggregateJob, jobID)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var js projection.JobSnapshot
	if err := json.Unmarshal(snap.Snapshot, &js); err != nil {
		return nil, fmt.Errorf("job snapshot %s: %w", jobID, err)
	}

	if js.ContractHash != "" {
		doc, err := w.Store.GetContract(ctx, tx, tenant, js.ContractHash)
		switch {
		case err == nil:
			var c struct {
				Parties []projection.JobParty `json:"parties"`
			}
			if err := json.Unmarshal(doc, &c); err != nil {
				return nil, fmt.Errorf("contract %s: %w", js.ContractHash, err)
			}
			if len(c.Parties) > 0 {
				js.Parties = c.Parties
			}
		case errors.Is(err, contracts.ErrNotFound):
			// Snapshot references a contract not yet ingested; fall back to
			// the snapshot's own shares.
		default:
			return nil, err
		}
	}

	var out []contracts.Allocation
	for _, posting := range entry.Postings {
		if posting.AmountCents <= 0 {
			continue
		}
		for _, sh := range projection.AllocateShares(posting.AmountCents, js) {
			if sh.AmountCents == 0 {
				continue
			}
			out = append(out, contracts.Allocation{
				TenantID:    tenant,
				EntryID:     entry.ID,
				PostingID:   posting.ID,
				PartyID:     sh.PartyID,
				PartyRole:   sh.Role,
				AmountCents: sh.AmountCents,
			})
		}
	}
	return out, nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meridianlabs/settled/pkg/contracts"
	"github.com/meridianlabs/settled/pkg/failpoint"
)

// Op is one operation inside a CommitTx batch. The set of variants is
// closed; dispatch is by type switch in caller-supplied order.
type Op interface{ isOp() }

// AppendOp appends pre-chained events to one stream and rebuilds its
// snapshot in the same transaction.
type AppendOp struct {
	AggregateType string
	AggregateID   string
	Events        []contracts.Event
}

// ArtifactOp puts one immutable artifact.
type ArtifactOp struct {
	Artifact contracts.Artifact
}

// LedgerOp enqueues a LEDGER_ENTRY_APPLY message. The entry itself is
// applied by the ledger worker, exactly once, outside the commit.
type LedgerOp struct {
	Entry contracts.JournalEntry
	JobID string
}

// IdempotencyOp registers a command outcome. Conflicts abort the batch.
type IdempotencyOp struct {
	Key   IdempotencyKey
	Value IdempotencyValue
}

// OutboxOp enqueues one outbox message.
type OutboxOp struct {
	Message contracts.OutboxMessage
}

// CorrelationOp upserts a correlation binding.
type CorrelationOp struct {
	Correlation contracts.Correlation
	Force       bool
}

// SignerKeyOp upserts a signer key.
type SignerKeyOp struct {
	Key contracts.SignerKey
}

// AuthKeyOp upserts an API auth key.
type AuthKeyOp struct {
	KeyID     string
	PublicKey string
	Role      string
	Status    string
}

// DeliveryOp inserts a delivery row (dedupe-key idempotent, quota checked).
type DeliveryOp struct {
	Delivery contracts.Delivery
}

func (AppendOp) isOp()      {}
func (ArtifactOp) isOp()    {}
func (LedgerOp) isOp()      {}
func (IdempotencyOp) isOp() {}
func (OutboxOp) isOp()      {}
func (CorrelationOp) isOp() {}
func (SignerKeyOp) isOp()   {}
func (AuthKeyOp) isOp()     {}
func (DeliveryOp) isOp()    {}

// Audit tags a CommitTx batch with an ops_audit row.
type Audit struct {
	Action string
	Detail string
}

// CommitResult reports what a successful batch committed.
type CommitResult struct {
	// Heads maps "aggregateType/aggregateID" to the stream head after the
	// batch's appends.
	Heads map[string]contracts.StreamHead
	// Snapshots are the snapshots rebuilt by the batch's appends.
	Snapshots []contracts.Snapshot
	// Idempotency is the resolved value of the last IdempotencyOp, which on
	// replay is the originally persisted outcome.
	Idempotency *IdempotencyValue
	// OutboxIDs are ids of messages enqueued by the batch (LedgerOp and
	// OutboxOp), in dispatch order.
	OutboxIDs []int64
	// DeliveryIDs are ids of delivery rows touched by DeliveryOps.
	DeliveryIDs []int64
}

// ledgerApplyPayload is the LEDGER_ENTRY_APPLY message body.
type ledgerApplyPayload struct {
	Entry contracts.JournalEntry `json:"entry"`
	JobID string                 `json:"jobId,omitempty"`
}

// CommitTx is the single write boundary: it opens one transaction, applies
// ops in order, writes the audit row and commits. Any failure rolls the
// whole batch back.
//
// After a successful commit with at least one AppendOp it fires the
// pg.append.after_commit failpoint, mirrors the committed events and
// snapshots, and kicks the outbox hook so pipelines pick up new work
// without waiting for a poll interval.
func (s *Store) CommitTx(ctx context.Context, tenant string, ops []Op, audit *Audit) (*CommitResult, error) {
	if tenant == "" {
		tenant = contracts.DefaultTenant
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("commit tx begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res := &CommitResult{Heads: map[string]contracts.StreamHead{}}
	var appended []AppendOp

	for _, op := range ops {
		switch o := op.(type) {
		case AppendOp:
			head, err := s.AppendEvents(ctx, tx, tenant, o.AggregateType, o.AggregateID, o.Events)
			if err != nil {
				return nil, err
			}
			res.Heads[o.AggregateType+"/"+o.AggregateID] = head
			snap, err := s.RebuildSnapshot(ctx, tx, tenant, o.AggregateType, o.AggregateID)
			if err != nil {
				return nil, err
			}
			res.Snapshots = append(res.Snapshots, snap)
			appended = append(appended, o)

		case ArtifactOp:
			a := o.Artifact
			if a.TenantID == "" {
				a.TenantID = tenant
			}
			if err := s.PutArtifact(ctx, tx, a); err != nil {
				return nil, err
			}

		case LedgerOp:
			payload, err := json.Marshal(ledgerApplyPayload{Entry: o.Entry, JobID: o.JobID})
			if err != nil {
				return nil, fmt.Errorf("marshal ledger payload: %w", err)
			}
			id, err := s.EnqueueOutbox(ctx, tx, contracts.OutboxMessage{
				TenantID: tenant,
				Topic:    contracts.TopicLedgerEntryApply,
				Payload:  payload,
			})
			if err != nil {
				return nil, err
			}
			res.OutboxIDs = append(res.OutboxIDs, id)

		case IdempotencyOp:
			key := o.Key
			if key.Tenant == "" {
				key.Tenant = tenant
			}
			v, err := s.PutIdempotency(ctx, tx, key, o.Value)
			if err != nil {
				return nil, err
			}
			res.Idempotency = &v

		case OutboxOp:
			m := o.Message
			if m.TenantID == "" {
				m.TenantID = tenant
			}
			id, err := s.EnqueueOutbox(ctx, tx, m)
			if err != nil {
				return nil, err
			}
			res.OutboxIDs = append(res.OutboxIDs, id)

		case CorrelationOp:
			c := o.Correlation
			if c.TenantID == "" {
				c.TenantID = tenant
			}
			if err := s.UpsertCorrelation(ctx, tx, c, o.Force); err != nil {
				return nil, err
			}

		case SignerKeyOp:
			k := o.Key
			if k.TenantID == "" {
				k.TenantID = tenant
			}
			if err := s.PutSignerKey(ctx, tx, k); err != nil {
				return nil, err
			}

		case AuthKeyOp:
			if err := s.PutAuthKey(ctx, tx, tenant, o.KeyID, o.PublicKey, o.Role, o.Status); err != nil {
				return nil, err
			}

		case DeliveryOp:
			d := o.Delivery
			if d.TenantID == "" {
				d.TenantID = tenant
			}
			id, _, err := s.InsertDelivery(ctx, tx, d)
			if err != nil {
				return nil, err
			}
			res.DeliveryIDs = append(res.DeliveryIDs, id)

		default:
			return nil, fmt.Errorf("commit tx: unknown op %T", op)
		}
	}

	if audit != nil {
		if err := s.InsertOpsAudit(ctx, tx, tenant, audit.Action, audit.Detail); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	if len(appended) > 0 {
		if err := failpoint.Fire(failpoint.AppendAfterCommit); err != nil {
			// State is already durable; surface the injected error without
			// undoing the commit.
			return res, err
		}
		for _, o := range appended {
			s.mirror.RecordEvents(tenant, o.AggregateType, o.AggregateID, o.Events)
		}
		for _, snap := range res.Snapshots {
			s.mirror.RecordSnapshot(snap)
		}
	}

	s.kickOutbox()
	return res, nil
}

// SetOutboxHook registers a best-effort callback run after every successful
// CommitTx, used by the worker pool to drain new outbox work promptly.
// Install before serving traffic; not synchronized with in-flight commits.
func (s *Store) SetOutboxHook(fn func()) { s.outboxHook = fn }

func (s *Store) kickOutbox() {
	if s.outboxHook == nil {
		return
	}
	s.outboxHook()
}

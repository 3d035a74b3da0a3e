package store_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/meridianlabs/settled/pkg/chain"
	"github.com/meridianlabs/settled/pkg/contracts"
	"github.com/meridianlabs/settled/pkg/crypto"
	"github.com/meridianlabs/settled/pkg/failpoint"
	"github.com/meridianlabs/settled/pkg/projection"
	"github.com/meridianlabs/settled/pkg/store"
)

const bootstrapKeyID = "server-bootstrap"

func newTestStore(t *testing.T, opts store.Options) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	opts.Dialect = store.DialectSQLite
	if opts.BootstrapKeyID == "" {
		opts.BootstrapKeyID = bootstrapKeyID
	}
	s := store.New(db, opts)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func newSigner(t *testing.T) *crypto.Ed25519Signer {
	t.Helper()
	signer, err := crypto.NewEd25519Signer(bootstrapKeyID)
	require.NoError(t, err)
	return signer
}

func jobCreated(t *testing.T, signer crypto.Signer, prev []contracts.Event, jobID string, amount int64) []contracts.Event {
	t.Helper()
	draft, err := chain.NewEvent(chain.Draft{
		Type:  projection.EventJobCreated,
		At:    time.Now().UTC(),
		Actor: contracts.Actor{Type: contracts.ActorServer, ID: "core"},
		Payload: map[string]any{
			"jobId":       jobID,
			"amountCents": amount,
			"currency":    "EUR",
		},
	})
	require.NoError(t, err)
	out, err := chain.Append(prev, draft, signer)
	require.NoError(t, err)
	return out
}

func jobSettled(t *testing.T, signer crypto.Signer, prev []contracts.Event) []contracts.Event {
	t.Helper()
	draft, err := chain.NewEvent(chain.Draft{
		Type:    projection.EventJobSettled,
		At:      time.Now().UTC(),
		Actor:   contracts.Actor{Type: contracts.ActorServer, ID: "core"},
		Payload: map[string]any{},
	})
	require.NoError(t, err)
	out, err := chain.Append(prev, draft, signer)
	require.NoError(t, err)
	return out
}

func TestCommitAppendRebuildsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{})
	signer := newSigner(t)

	events := jobCreated(t, signer, nil, "job-1", 5000)
	res, err := s.CommitTx(ctx, "", []store.Op{
		store.AppendOp{AggregateType: projection.AggregateJob, AggregateID: "job-1", Events: events},
	}, &store.Audit{Action: "job.create", Detail: `{"jobId":"job-1"}`})
	require.NoError(t, err)

	head := res.Heads["job/job-1"]
	assert.Equal(t, int64(1), head.Seq)
	assert.Equal(t, events[0].ChainHash, head.ChainHash)

	snap, err := s.GetSnapshot(ctx, s.DB(), contracts.DefaultTenant, projection.AggregateJob, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Seq)
	assert.Equal(t, head.ChainHash, snap.AtChainHash)

	var js projection.JobSnapshot
	require.NoError(t, json.Unmarshal(snap.Snapshot, &js))
	assert.Equal(t, projection.JobStatusCreated, js.Status)
	assert.Equal(t, int64(5000), js.AmountCents)

	loaded, err := s.LoadEvents(ctx, s.DB(), contracts.DefaultTenant, projection.AggregateJob, "job-1")
	require.NoError(t, err)
	require.NoError(t, chain.Verify(loaded))

	audit, err := s.ListOpsAudit(ctx, s.DB(), contracts.DefaultTenant, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "job.create", audit[0].Action)
}

func TestAppendConflictThenRetry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{})
	signer := newSigner(t)

	base := jobCreated(t, signer, nil, "job-2", 100)
	_, err := s.CommitTx(ctx, "", []store.Op{
		store.AppendOp{AggregateType: projection.AggregateJob, AggregateID: "job-2", Events: base},
	}, nil)
	require.NoError(t, err)

	// Two writers extend the same head. The first wins.
	winner := jobSettled(t, signer, base)
	_, err = s.CommitTx(ctx, "", []store.Op{
		store.AppendOp{AggregateType: projection.AggregateJob, AggregateID: "job-2", Events: winner[1:]},
	}, nil)
	require.NoError(t, err)

	loser := jobSettled(t, signer, base)
	_, err = s.CommitTx(ctx, "", []store.Op{
		store.AppendOp{AggregateType: projection.AggregateJob, AggregateID: "job-2", Events: loser[1:]},
	}, nil)
	require.ErrorIs(t, err, contracts.ErrPrevChainHashMismatch)

	// The loser re-fetches the committed stream and retries on top of it.
	committed, err := s.LoadEvents(ctx, s.DB(), contracts.DefaultTenant, projection.AggregateJob, "job-2")
	require.NoError(t, err)
	retried := jobSettled(t, signer, committed)
	_, err = s.CommitTx(ctx, "", []store.Op{
		store.AppendOp{AggregateType: projection.AggregateJob, AggregateID: "job-2", Events: retried[len(committed):]},
	}, nil)
	require.NoError(t, err)

	final, err := s.LoadEvents(ctx, s.DB(), contracts.DefaultTenant, projection.AggregateJob, "job-2")
	require.NoError(t, err)
	require.Len(t, final, 3)
	require.NoError(t, chain.Verify(final))
}

func TestIdempotencyReplayAndConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{})

	key := store.IdempotencyKey{Principal: "op-7", Endpoint: "createJob", Key: "idem-1"}
	value := store.IdempotencyValue{RequestHash: "h1", StatusCode: 201, ResponseBody: []byte(`{"jobId":"job-3"}`)}

	res, err := s.CommitTx(ctx, "", []store.Op{store.IdempotencyOp{Key: key, Value: value}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 201, res.Idempotency.StatusCode)

	// Replay with the same request hash returns the persisted body.
	replay := store.IdempotencyValue{RequestHash: "h1", StatusCode: 500, ResponseBody: []byte(`ignored`)}
	res, err = s.CommitTx(ctx, "", []store.Op{store.IdempotencyOp{Key: key, Value: replay}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 201, res.Idempotency.StatusCode)
	assert.JSONEq(t, `{"jobId":"job-3"}`, string(res.Idempotency.ResponseBody))

	// A different request hash under the same key conflicts.
	_, err = s.CommitTx(ctx, "", []store.Op{store.IdempotencyOp{
		Key: key, Value: store.IdempotencyValue{RequestHash: "h2", StatusCode: 201},
	}}, nil)
	var conflict *contracts.IdempotencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "idem-1", conflict.IdempotencyKey)
}

func TestArtifactImmutability(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{})

	a := contracts.Artifact{
		ArtifactID:    "art-1",
		ArtifactType:  contracts.ArtifactMonthlyStatement,
		JobID:         "job-9",
		SourceEventID: "ev-9",
		ArtifactHash:  "hash-a",
		Body:          []byte(`{"total":1}`),
	}
	_, err := s.CommitTx(ctx, "", []store.Op{store.ArtifactOp{Artifact: a}}, nil)
	require.NoError(t, err)

	// Identical re-put is a no-op.
	_, err = s.CommitTx(ctx, "", []store.Op{store.ArtifactOp{Artifact: a}}, nil)
	require.NoError(t, err)

	// Same id, different body hash.
	mutated := a
	mutated.ArtifactHash = "hash-b"
	_, err = s.CommitTx(ctx, "", []store.Op{store.ArtifactOp{Artifact: mutated}}, nil)
	require.ErrorIs(t, err, contracts.ErrArtifactHashMismatch)

	// Same (jobId, type, sourceEventId), different id and hash.
	sibling := a
	sibling.ArtifactID = "art-2"
	sibling.ArtifactHash = "hash-c"
	_, err = s.CommitTx(ctx, "", []store.Op{store.ArtifactOp{Artifact: sibling}}, nil)
	require.ErrorIs(t, err, contracts.ErrArtifactSourceEventConflict)

	got, err := s.GetArtifact(ctx, s.DB(), contracts.DefaultTenant, "art-1")
	require.NoError(t, err)
	assert.Equal(t, "hash-a", got.ArtifactHash)
}

func TestReputationArtifactIndexed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{})

	_, err := s.CommitTx(ctx, "", []store.Op{store.ArtifactOp{Artifact: contracts.Artifact{
		ArtifactID:   "rep-1",
		ArtifactType: contracts.ArtifactReputationEvent,
		ArtifactHash: "hash-r",
		Body:         []byte(`{"partyId":"op-1","eventType":"JOB_COMPLETED"}`),
	}}}, nil)
	require.NoError(t, err)

	var partyID string
	err = s.DB().QueryRowContext(ctx,
		`SELECT party_id FROM reputation_events WHERE tenant_id = $1 AND artifact_id = $2`,
		contracts.DefaultTenant, "rep-1").Scan(&partyID)
	require.NoError(t, err)
	assert.Equal(t, "op-1", partyID)
}

func TestOutboxClaimLeaseAndDLQ(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{ReclaimAfter: 20 * time.Millisecond, MaxAttempts: 3})

	res, err := s.CommitTx(ctx, "", []store.Op{store.OutboxOp{Message: contracts.OutboxMessage{
		Topic:   "NOTIFY_TEST",
		Payload: []byte(`{"n":1}`),
	}}}, nil)
	require.NoError(t, err)
	require.Len(t, res.OutboxIDs, 1)
	id := res.OutboxIDs[0]

	claimed, err := s.ClaimOutbox(ctx, "NOTIFY_TEST", 10, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)

	// Leased: a second worker sees nothing until the lease expires.
	again, err := s.ClaimOutbox(ctx, "NOTIFY_TEST", 10, "w2")
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, s.MarkOutboxFailed(ctx, []int64{id}, "boom"))
	time.Sleep(25 * time.Millisecond)

	reclaimed, err := s.ClaimOutbox(ctx, "NOTIFY_TEST", 10, "w2")
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 2, reclaimed[0].Attempts)

	// Exhausted messages are tombstoned with a DLQ-prefixed error.
	tx, err := s.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.DLQOutbox(ctx, tx, id, "gave up"))
	require.NoError(t, tx.Commit())

	m, err := s.GetOutboxMessage(ctx, s.DB(), id)
	require.NoError(t, err)
	assert.True(t, m.IsDLQ())
	assert.Equal(t, contracts.DLQPrefix+"gave up", m.LastError)

	empty, err := s.ClaimOutbox(ctx, "NOTIFY_TEST", 10, "w3")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestOutboxClaimFailpoint(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{})
	t.Cleanup(failpoint.Reset)

	_, err := s.CommitTx(ctx, "", []store.Op{store.OutboxOp{Message: contracts.OutboxMessage{
		Topic: "NOTIFY_FP", Payload: []byte(`{}`),
	}}}, nil)
	require.NoError(t, err)

	boom := errors.New("injected crash")
	failpoint.Set(failpoint.OutboxClaimAfterLock, func() error { return boom })
	_, err = s.ClaimOutbox(ctx, "NOTIFY_FP", 10, "w1")
	require.ErrorIs(t, err, boom)

	// The aborted claim left no lease behind.
	failpoint.Reset()
	claimed, err := s.ClaimOutbox(ctx, "NOTIFY_FP", 10, "w1")
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestDeliveryDedupeAckAndReceipt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{})

	dedupe := contracts.DeliveryDedupeKey(contracts.DefaultTenant, "erp", contracts.ArtifactMonthlyStatement, "art-5", "hash-5")
	d := contracts.Delivery{
		DestinationID: "erp",
		ArtifactType:  contracts.ArtifactMonthlyStatement,
		ArtifactID:    "art-5",
		ArtifactHash:  "hash-5",
		DedupeKey:     dedupe,
		ScopeKey:      "2026-07",
	}

	// Two inserts with the same dedupe key produce one row.
	res, err := s.CommitTx(ctx, "", []store.Op{
		store.DeliveryOp{Delivery: d},
		store.DeliveryOp{Delivery: d},
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.DeliveryIDs, 2)
	assert.Equal(t, res.DeliveryIDs[0], res.DeliveryIDs[1])
	id := res.DeliveryIDs[0]

	claimed, err := s.ClaimDueDeliveries(ctx, contracts.DefaultTenant, 10, "courier-1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)

	require.NoError(t, s.UpdateDeliveryAttempt(ctx, id, contracts.DeliveryDelivered, nil, 200, "", nil))

	first, err := s.AckDelivery(ctx, id, "erp", "hash-5", time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, first.AckedAt)

	// A second ack is idempotent: timestamps and the receipt are unchanged.
	second, err := s.AckDelivery(ctx, id, "erp", "hash-5", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first.AckedAt.Unix(), second.AckedAt.Unix())
	assert.Equal(t, first.AckReceivedAt.Unix(), second.AckReceivedAt.Unix())

	var receipts int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_receipts WHERE tenant_id = $1 AND delivery_id = $2`,
		contracts.DefaultTenant, id).Scan(&receipts))
	assert.Equal(t, 1, receipts)

	// Acking with the wrong artifact hash is rejected.
	_, err = s.AckDelivery(ctx, id, "erp", "hash-wrong", time.Now().UTC())
	require.Error(t, err)
}

func TestDeliveryQuota(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{PlatformMaxPendingDeliveries: 1})

	mk := func(n int) contracts.Delivery {
		return contracts.Delivery{
			DestinationID: "erp",
			ArtifactType:  contracts.ArtifactPartyStatement,
			ArtifactID:    fmt.Sprintf("art-q%d", n),
			ArtifactHash:  fmt.Sprintf("hash-q%d", n),
			DedupeKey:     fmt.Sprintf("q%d", n),
			ScopeKey:      "2026-07",
		}
	}
	_, err := s.CommitTx(ctx, "", []store.Op{store.DeliveryOp{Delivery: mk(1)}}, nil)
	require.NoError(t, err)

	_, err = s.CommitTx(ctx, "", []store.Op{store.DeliveryOp{Delivery: mk(2)}}, nil)
	var quota *contracts.QuotaExceededError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, "maxPendingDeliveries", quota.Kind)
	assert.Equal(t, int64(1), quota.Limit)

	// Replaying the existing dedupe key does not charge quota.
	_, err = s.CommitTx(ctx, "", []store.Op{store.DeliveryOp{Delivery: mk(1)}}, nil)
	require.NoError(t, err)
}

func TestCorrelationConflictRollsBackBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{})

	bind := func(job string, force bool) error {
		_, err := s.CommitTx(ctx, "", []store.Op{store.CorrelationOp{
			Correlation: contracts.Correlation{SiteID: "site-1", CorrelationKey: "slot-9", JobID: job},
			Force:       force,
		}}, nil)
		return err
	}
	require.NoError(t, bind("job-a", false))
	// Same job refreshes without conflict.
	require.NoError(t, bind("job-a", false))

	// A different job conflicts and rolls back everything else in the batch.
	_, err := s.CommitTx(ctx, "", []store.Op{
		store.ArtifactOp{Artifact: contracts.Artifact{
			ArtifactID: "art-corr", ArtifactType: contracts.ArtifactGLBatch,
			ArtifactHash: "h", Body: []byte(`{}`),
		}},
		store.CorrelationOp{Correlation: contracts.Correlation{
			SiteID: "site-1", CorrelationKey: "slot-9", JobID: "job-b",
		}},
	}, nil)
	var conflict *contracts.CorrelationConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "job-a", conflict.ExistingJobID)

	_, err = s.GetArtifact(ctx, s.DB(), contracts.DefaultTenant, "art-corr")
	require.ErrorIs(t, err, contracts.ErrNotFound)

	// Force rebinds.
	require.NoError(t, bind("job-b", true))
	c, err := s.GetCorrelation(ctx, s.DB(), contracts.DefaultTenant, "site-1", "slot-9")
	require.NoError(t, err)
	assert.Equal(t, "job-b", c.JobID)
}

func TestSignerKeyEnforcement(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{})

	robot, err := crypto.NewEd25519Signer("robot-key-1")
	require.NoError(t, err)

	appendRobot := func(aggID string) error {
		draft, err := chain.NewEvent(chain.Draft{
			Type:    projection.EventJobCreated,
			At:      time.Now().UTC(),
			Actor:   contracts.Actor{Type: contracts.ActorRobot, ID: "robot-7"},
			Payload: map[string]any{"jobId": aggID},
		})
		require.NoError(t, err)
		events, err := chain.Append(nil, draft, robot)
		require.NoError(t, err)
		_, err = s.CommitTx(ctx, "", []store.Op{
			store.AppendOp{AggregateType: projection.AggregateJob, AggregateID: aggID, Events: events},
		}, nil)
		return err
	}

	// Unknown key.
	require.ErrorIs(t, appendRobot("job-k1"), contracts.ErrSignerKeyUnknown)

	// Active key with matching purpose.
	require.NoError(t, s.PutSignerKey(ctx, s.DB(), contracts.SignerKey{
		KeyID: "robot-key-1", TenantID: contracts.DefaultTenant,
		PublicKey: robot.PublicKey(), Purpose: contracts.KeyPurposeRobot,
	}))
	require.NoError(t, appendRobot("job-k2"))

	// Revoked key.
	require.NoError(t, s.SetSignerKeyStatus(ctx, s.DB(), contracts.DefaultTenant,
		"robot-key-1", contracts.KeyStatusRevoked, time.Now().UTC()))
	require.ErrorIs(t, appendRobot("job-k3"), contracts.ErrSignerKeyInactive)

	// Purpose mismatch: an operator key signing for a robot actor.
	require.NoError(t, s.PutSignerKey(ctx, s.DB(), contracts.SignerKey{
		KeyID: "robot-key-1", TenantID: contracts.DefaultTenant,
		PublicKey: robot.PublicKey(), Purpose: contracts.KeyPurposeOperator,
	}))
	require.ErrorIs(t, appendRobot("job-k4"), contracts.ErrSignerKeyPurposeMismatch)
}

func TestLedgerExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{})

	entry := contracts.JournalEntry{
		ID: "entry-1",
		At: time.Now().UTC(),
		Postings: []contracts.Posting{
			{ID: "p1", AccountID: "revenue", AmountCents: -1000, Currency: "EUR"},
			{ID: "p2", AccountID: "operator_payable", AmountCents: 1000, Currency: "EUR"},
		},
	}

	apply := func() bool {
		tx, err := s.DB().BeginTx(ctx, nil)
		require.NoError(t, err)
		inserted, err := s.InsertJournalEntry(ctx, tx, contracts.DefaultTenant, entry, "job-l1")
		require.NoError(t, err)
		if inserted {
			require.NoError(t, s.ApplyBalances(ctx, tx, contracts.DefaultTenant, entry))
		}
		require.NoError(t, tx.Commit())
		return inserted
	}

	assert.True(t, apply())
	// Re-application (worker retry) must not double balances.
	assert.False(t, apply())

	bal, err := s.GetBalance(ctx, s.DB(), contracts.DefaultTenant, "operator_payable")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal)

	// Allocation replays are no-ops on the same primary key.
	allocs := []contracts.Allocation{
		{TenantID: contracts.DefaultTenant, EntryID: "entry-1", PostingID: "p2",
			PartyID: "op-1", PartyRole: "operator", AmountCents: 1000},
	}
	for i := 0; i < 2; i++ {
		tx, err := s.DB().BeginTx(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, s.InsertAllocations(ctx, tx, allocs))
		require.NoError(t, tx.Commit())
	}
	got, err := s.ListAllocations(ctx, s.DB(), contracts.DefaultTenant, "entry-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1000), got[0].AmountCents)
}

func TestUnbalancedEntryRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{})

	tx, err := s.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	_, err = s.InsertJournalEntry(ctx, tx, contracts.DefaultTenant, contracts.JournalEntry{
		ID: "entry-bad",
		At: time.Now().UTC(),
		Postings: []contracts.Posting{
			{ID: "p1", AccountID: "revenue", AmountCents: -1000, Currency: "EUR"},
			{ID: "p2", AccountID: "operator_payable", AmountCents: 999, Currency: "EUR"},
		},
	}, "")
	require.Error(t, err)
}

func TestNotificationExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{})

	n := contracts.Notification{
		TenantID: contracts.DefaultTenant,
		OutboxID: 42,
		Topic:    "NOTIFY_JOB_DONE",
		Payload:  []byte(`{"jobId":"job-n"}`),
	}
	for i, want := range []bool{true, false} {
		tx, err := s.DB().BeginTx(ctx, nil)
		require.NoError(t, err)
		inserted, err := s.InsertNotification(ctx, tx, n)
		require.NoError(t, err)
		assert.Equal(t, want, inserted, "attempt %d", i)
		require.NoError(t, tx.Commit())
	}

	got, err := s.GetNotification(ctx, s.DB(), contracts.DefaultTenant, 42)
	require.NoError(t, err)
	assert.Equal(t, "NOTIFY_JOB_DONE", got.Topic)
}

func TestAfterCommitFailpointDoesNotUndoCommit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{})
	signer := newSigner(t)
	t.Cleanup(failpoint.Reset)

	boom := errors.New("killed after commit")
	failpoint.Set(failpoint.AppendAfterCommit, func() error { return boom })

	events := jobCreated(t, signer, nil, "job-fp", 700)
	_, err := s.CommitTx(ctx, "", []store.Op{
		store.AppendOp{AggregateType: projection.AggregateJob, AggregateID: "job-fp", Events: events},
	}, nil)
	require.ErrorIs(t, err, boom)

	// The append is durable; only the post-commit hook failed.
	loaded, err := s.LoadEvents(ctx, s.DB(), contracts.DefaultTenant, projection.AggregateJob, "job-fp")
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}

func TestJobReservationSideEffect(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{})
	signer := newSigner(t)

	start := time.Now().UTC()
	end := start.Add(2 * time.Hour)

	events := jobCreated(t, signer, nil, "job-r", 100)
	draft, err := chain.NewEvent(chain.Draft{
		Type:  projection.EventJobReserved,
		At:    time.Now().UTC(),
		Actor: contracts.Actor{Type: contracts.ActorServer, ID: "core"},
		Payload: map[string]any{
			"reservation": map[string]any{
				"startAt": start.Format(time.RFC3339Nano),
				"endAt":   end.Format(time.RFC3339Nano),
			},
		},
	})
	require.NoError(t, err)
	events, err = chain.Append(events, draft, signer)
	require.NoError(t, err)

	_, err = s.CommitTx(ctx, "", []store.Op{
		store.AppendOp{AggregateType: projection.AggregateJob, AggregateID: "job-r", Events: events},
	}, nil)
	require.NoError(t, err)

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_reservations WHERE tenant_id = $1 AND job_id = $2`,
		contracts.DefaultTenant, "job-r").Scan(&count))
	assert.Equal(t, 1, count)

	// Settling releases the reservation row.
	committed, err := s.LoadEvents(ctx, s.DB(), contracts.DefaultTenant, projection.AggregateJob, "job-r")
	require.NoError(t, err)
	settled := jobSettled(t, signer, committed)
	_, err = s.CommitTx(ctx, "", []store.Op{
		store.AppendOp{AggregateType: projection.AggregateJob, AggregateID: "job-r", Events: settled[len(committed):]},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_reservations WHERE tenant_id = $1 AND job_id = $2`,
		contracts.DefaultTenant, "job-r").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestIngestDedupe(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{})

	rec := contracts.IngestRecord{
		TenantID:        contracts.DefaultTenant,
		Source:          "fleet-gw",
		ExternalEventID: "ext-1",
		Status:          "accepted",
		AcceptedEventID: "ev-1",
	}
	inserted, err := s.PutIngestRecord(ctx, s.DB(), rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.PutIngestRecord(ctx, s.DB(), rec)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := s.GetIngestRecord(ctx, s.DB(), contracts.DefaultTenant, "fleet-gw", "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "ev-1", got.AcceptedEventID)
}

package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meridianlabs/settled/pkg/contracts"
	"github.com/meridianlabs/settled/pkg/store"
)

// NotificationsDrain sinks NOTIFY_* messages into the notifications table.
// (tenant, outboxId) uniqueness makes redelivery exactly-once.
type NotificationsDrain struct {
	Store *store.Store
}

func (w *NotificationsDrain) Handle(ctx context.Context, msg contracts.OutboxMessage) error {
	tx, err := w.Store.BeginWorkerTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := w.Store.InsertNotification(ctx, tx, contracts.Notification{
		TenantID: msg.TenantID,
		OutboxID: msg.ID,
		Topic:    msg.Topic,
		Payload:  msg.Payload,
	}); err != nil {
		return err
	}
	if err := w.Store.MarkOutboxProcessed(ctx, tx, []int64{msg.ID}, ""); err != nil {
		return err
	}
	return tx.Commit()
}

// CorrelationsApplier drains CORRELATION_APPLY: upsert without force. A
// conflict is not an error for the pipeline; the message is processed with
// the conflict recorded as last_error.
type CorrelationsApplier struct {
	Store *store.Store
}

func (w *CorrelationsApplier) Handle(ctx context.Context, msg contracts.OutboxMessage) error {
	var c contracts.Correlation
	if err := json.Unmarshal(msg.Payload, &c); err != nil {
		return fmt.Errorf("correlation payload %d: %w", msg.ID, err)
	}
	if c.TenantID == "" {
		c.TenantID = msg.TenantID
	}
	if c.SiteID == "" || c.CorrelationKey == "" || c.JobID == "" {
		return fmt.Errorf("correlation payload %d: missing siteId/correlationKey/jobId", msg.ID)
	}

	tx, err := w.Store.BeginWorkerTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	lastError := ""
	err = w.Store.UpsertCorrelation(ctx, tx, c, false)
	var conflict *contracts.CorrelationConflictError
	switch {
	case errors.As(err, &conflict):
		lastError = err.Error()
	case err != nil:
		return err
	}

	if err := w.Store.MarkOutboxProcessed(ctx, tx, []int64{msg.ID}, lastError); err != nil {
		return err
	}
	return tx.Commit()
}

// NoopDrain acknowledges informational topics (JOB_STATUS_CHANGED,
// JOB_SETTLED) without side effects.
type NoopDrain struct {
	Store *store.Store
}

func (w *NoopDrain) Handle(ctx context.Context, msg contracts.OutboxMessage) error {
	tx, err := w.Store.BeginWorkerTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := w.Store.MarkOutboxProcessed(ctx, tx, []int64{msg.ID}, ""); err != nil {
		return err
	}
	return tx.Commit()
}

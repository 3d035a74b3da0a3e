package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/meridianlabs/settled/pkg/contracts"
	"github.com/meridianlabs/settled/pkg/observability"
	"github.com/meridianlabs/settled/pkg/store"
)

// Sender ships one artifact body to a destination. It returns the
// destination's status code; a non-nil error makes the attempt retriable.
type Sender interface {
	Send(ctx context.Context, d contracts.Delivery, body json.RawMessage) (int, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, d contracts.Delivery, body json.RawMessage) (int, error)

func (f SenderFunc) Send(ctx context.Context, d contracts.Delivery, body json.RawMessage) (int, error) {
	return f(ctx, d, body)
}

// DeliveryDispatcher claims due deliveries for a tenant and pushes them to
// their destinations, pacing per-destination through the limiter. Scope
// ordering is the store's claim order; the dispatcher preserves it by
// processing a batch sequentially.
type DeliveryDispatcher struct {
	Store        *store.Store
	Sender       Sender
	Limiter      Limiter
	Destinations []contracts.Destination
	// Worker identifies this process in lease rows.
	Worker string
	// Backoff is the delay before a failed delivery is due again.
	// Defaults to 30s.
	Backoff time.Duration
	Logger  *slog.Logger
	Metrics *Metrics
	// Obs wraps each attempt in a span with RED instruments. Optional.
	Obs *observability.Provider
}

// RunOnce claims and attempts one batch. Returns the number of deliveries
// attempted.
func (w *DeliveryDispatcher) RunOnce(ctx context.Context, tenant string, max int) (int, error) {
	claimed, err := w.Store.ClaimDueDeliveries(ctx, tenant, max, w.worker())
	if err != nil {
		return 0, err
	}
	for _, d := range claimed {
		// Attempt outcomes land in the delivery row; the error return only
		// feeds the span.
		_ = w.attempt(ctx, d)
	}
	return len(claimed), nil
}

func (w *DeliveryDispatcher) attempt(ctx context.Context, d contracts.Delivery) (attemptErr error) {
	if w.Obs != nil {
		var done func(error)
		ctx, done = w.Obs.TrackOperation(ctx, "delivery_attempt",
			attribute.String("destination", d.DestinationID),
			attribute.String("artifact_type", d.ArtifactType),
		)
		defer func() { done(attemptErr) }()
	}

	ratePerSec, burst := w.pacing(d.DestinationID)
	if w.Limiter != nil && ratePerSec > 0 {
		allowed, err := w.Limiter.Allow(ctx, d.DestinationID, ratePerSec, burst)
		if err != nil {
			w.logger().Warn("limiter unavailable, proceeding", "destination", d.DestinationID, "err", err)
		} else if !allowed {
			// Not a failed attempt; push the row back as due shortly.
			next := time.Now().UTC().Add(time.Second)
			w.count("throttled")
			w.update(ctx, d.ID, contracts.DeliveryPending, &next, 0, "rate limited")
			return nil
		}
	}

	artifact, err := w.Store.GetArtifact(ctx, w.Store.DB(), d.TenantID, d.ArtifactID)
	if err != nil {
		err = fmt.Errorf("load artifact %s: %w", d.ArtifactID, err)
		w.fail(ctx, d, 0, err)
		return err
	}

	status, err := w.Sender.Send(ctx, d, artifact.Body)
	if err != nil {
		w.fail(ctx, d, status, err)
		return err
	}
	w.count("delivered")
	w.update(ctx, d.ID, contracts.DeliveryDelivered, nil, status, "")
	return nil
}

func (w *DeliveryDispatcher) fail(ctx context.Context, d contracts.Delivery, status int, err error) {
	if d.Attempts >= w.Store.MaxAttempts() {
		w.count("dlq")
		w.logger().Error("delivery dead-lettered",
			"id", d.ID, "destination", d.DestinationID, "attempts", d.Attempts, "err", err)
		w.update(ctx, d.ID, contracts.DeliveryDLQ, nil, status, contracts.DLQPrefix+err.Error())
		return
	}
	w.count("failed")
	next := time.Now().UTC().Add(w.backoff())
	w.update(ctx, d.ID, contracts.DeliveryPending, &next, status, err.Error())
}

func (w *DeliveryDispatcher) update(ctx context.Context, id int64, state contracts.DeliveryState, nextAt *time.Time, status int, lastError string) {
	if err := w.Store.UpdateDeliveryAttempt(ctx, id, state, nextAt, status, lastError, nil); err != nil {
		w.logger().Error("delivery state update failed", "id", id, "err", err)
	}
}

func (w *DeliveryDispatcher) pacing(destinationID string) (float64, int) {
	for _, d := range w.Destinations {
		if d.ID == destinationID {
			return d.RatePerSec, d.Burst
		}
	}
	return 0, 0
}

func (w *DeliveryDispatcher) worker() string {
	if w.Worker != "" {
		return w.Worker
	}
	return "delivery-dispatcher"
}

func (w *DeliveryDispatcher) backoff() time.Duration {
	if w.Backoff > 0 {
		return w.Backoff
	}
	return 30 * time.Second
}

func (w *DeliveryDispatcher) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default().With("component", "delivery")
}

func (w *DeliveryDispatcher) count(result string) {
	if w.Metrics != nil {
		w.Metrics.Deliveries.WithLabelValues(result).Inc()
	}
}

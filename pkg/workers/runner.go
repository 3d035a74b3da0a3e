// Package workers contains the outbox pipelines of the settlement substrate:
// ledger apply, notifications drain, correlations apply, month close,
// finance pack, informational no-op drains, and the delivery dispatcher.
//
// Each pipeline claims messages under a lease, does its work inside a worker
// transaction that ends with MarkOutboxProcessed, and is safe to kill at any
// failpoint: retries re-apply idempotently.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/meridianlabs/settled/pkg/contracts"
	"github.com/meridianlabs/settled/pkg/observability"
	"github.com/meridianlabs/settled/pkg/store"
)

// Handler processes one claimed outbox message. A nil return means the
// handler committed a transaction that marked the message processed. An
// error return leaves finalization (retry or DLQ) to the pool.
type Handler interface {
	Handle(ctx context.Context, msg contracts.OutboxMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg contracts.OutboxMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg contracts.OutboxMessage) error {
	return f(ctx, msg)
}

// PoolOptions tune the claim loop.
type PoolOptions struct {
	// Worker identifies this process in lease rows. Defaults to host-pid.
	Worker string
	// BatchSize is the per-topic claim size. Defaults to 10.
	BatchSize int
	// PollInterval is the idle wait between drain passes. Defaults to 1s.
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      *Metrics
	// Obs wraps each handled message in a span with RED instruments.
	// Optional; nil skips tracing.
	Obs *observability.Provider
}

// Pool drains registered topics against the store. Register all handlers
// before calling Run.
type Pool struct {
	store    *store.Store
	opts     PoolOptions
	topics   []string
	prefixes []string
	handlers map[string]Handler
	kick     chan struct{}
}

// NewPool creates an empty pool.
func NewPool(s *store.Store, opts PoolOptions) *Pool {
	if opts.Worker == "" {
		host, _ := os.Hostname()
		opts.Worker = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "workers")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Pool{
		store:    s,
		opts:     opts,
		handlers: map[string]Handler{},
		kick:     make(chan struct{}, 1),
	}
}

// Register binds a handler to an exact topic.
func (p *Pool) Register(topic string, h Handler) {
	p.topics = append(p.topics, topic)
	p.handlers[topic] = h
}

// RegisterPrefix binds a handler to a topic family (e.g. NOTIFY_*).
func (p *Pool) RegisterPrefix(prefix string, h Handler) {
	p.prefixes = append(p.prefixes, prefix)
	p.handlers[prefix] = h
}

// Kick requests a prompt drain pass. Non-blocking; wire it into
// store.SetOutboxHook so commits drive pipelines without polling lag.
func (p *Pool) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run drains until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		// Keep draining while work keeps appearing.
		for {
			n, err := p.DrainOnce(ctx)
			if err != nil || n == 0 {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
	}
}

// DrainOnce claims and handles one batch per registered topic. Returns the
// number of messages handled.
func (p *Pool) DrainOnce(ctx context.Context) (int, error) {
	var total int
	for _, topic := range p.topics {
		msgs, err := p.store.ClaimOutbox(ctx, topic, p.opts.BatchSize, p.opts.Worker)
		if err != nil {
			return total, fmt.Errorf("claim %s: %w", topic, err)
		}
		total += p.handleBatch(ctx, topic, msgs)
	}
	for _, prefix := range p.prefixes {
		msgs, err := p.store.ClaimOutboxPrefix(ctx, prefix, p.opts.BatchSize, p.opts.Worker)
		if err != nil {
			return total, fmt.Errorf("claim %s*: %w", prefix, err)
		}
		total += p.handleBatch(ctx, prefix, msgs)
	}
	return total, nil
}

func (p *Pool) handleBatch(ctx context.Context, key string, msgs []contracts.OutboxMessage) int {
	h := p.handlers[key]
	for _, msg := range msgs {
		start := time.Now()
		err := store.ClassifyWorkerErr(p.handleOne(ctx, h, msg))
		p.opts.Metrics.HandleSeconds.WithLabelValues(key).Observe(time.Since(start).Seconds())
		p.finalize(ctx, key, msg, err)
	}
	return len(msgs)
}

func (p *Pool) handleOne(ctx context.Context, h Handler, msg contracts.OutboxMessage) error {
	if p.opts.Obs == nil {
		return h.Handle(ctx, msg)
	}
	ctx, done := p.opts.Obs.TrackOperation(ctx, "outbox_handle",
		attribute.String("topic", msg.Topic),
		attribute.String("tenant", msg.TenantID),
	)
	err := h.Handle(ctx, msg)
	done(err)
	return err
}

// finalize resolves a handler error into a lease clear or a DLQ tombstone.
// Success needs no action: the handler marked the message processed in its
// own transaction.
func (p *Pool) finalize(ctx context.Context, key string, msg contracts.OutboxMessage, err error) {
	if err == nil {
		p.opts.Metrics.OutboxProcessed.WithLabelValues(key, ResultOK).Inc()
		return
	}

	terminal := errors.Is(err, contracts.ErrFinancePackImmutabilityBreach) ||
		msg.Attempts >= p.store.MaxAttempts()
	if terminal {
		p.opts.Metrics.OutboxProcessed.WithLabelValues(key, ResultDLQ).Inc()
		p.opts.Logger.Error("outbox message dead-lettered",
			"topic", msg.Topic, "id", msg.ID, "attempts", msg.Attempts, "err", err)
		tx, txErr := p.store.BeginWorkerTx(ctx)
		if txErr != nil {
			p.opts.Logger.Error("dlq begin failed", "id", msg.ID, "err", txErr)
			return
		}
		if dlqErr := p.store.DLQOutbox(ctx, tx, msg.ID, err.Error()); dlqErr != nil {
			_ = tx.Rollback()
			p.opts.Logger.Error("dlq failed", "id", msg.ID, "err", dlqErr)
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			p.opts.Logger.Error("dlq commit failed", "id", msg.ID, "err", commitErr)
		}
		return
	}

	p.opts.Metrics.OutboxProcessed.WithLabelValues(key, ResultRetry).Inc()
	p.opts.Logger.Warn("outbox message failed, lease cleared",
		"topic", msg.Topic, "id", msg.ID, "attempts", msg.Attempts, "err", err)
	if failErr := p.store.MarkOutboxFailed(ctx, []int64{msg.ID}, err.Error()); failErr != nil {
		p.opts.Logger.Error("mark failed errored", "id", msg.ID, "err", failErr)
	}
}

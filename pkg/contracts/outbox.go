package contracts

import (
	"encoding/json"
	"strings"
	"time"
)

// Outbox topics (closed set). Messages are committed with the business
// transaction that produced them and drained by the worker pipelines.
const (
	TopicLedgerEntryApply    = "LEDGER_ENTRY_APPLY"
	TopicCorrelationApply    = "CORRELATION_APPLY"
	TopicJobStatusChanged    = "JOB_STATUS_CHANGED"
	TopicJobSettled          = "JOB_SETTLED"
	TopicMonthCloseRequested = "MONTH_CLOSE_REQUESTED"
	TopicFinancePackBundle   = "FINANCE_PACK_BUNDLE_ENQUEUE"
	TopicNotifyPrefix        = "NOTIFY_"
)

// DLQPrefix marks a terminal last_error; DLQ'd messages are tombstoned
// (processed_at set) and never reclaimed without a manual requeue.
const DLQPrefix = "DLQ:"

// OutboxMessage is one unit of deferred work.
type OutboxMessage struct {
	ID            int64           `json:"id"`
	TenantID      string          `json:"tenantId"`
	Topic         string          `json:"topic"`
	AggregateType string          `json:"aggregateType,omitempty"`
	AggregateID   string          `json:"aggregateId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	Worker        string          `json:"worker,omitempty"`
	ClaimedAt     *time.Time      `json:"claimedAt,omitempty"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
}

// IsDLQ reports whether the message was tombstoned to the dead-letter state.
func (m OutboxMessage) IsDLQ() bool {
	return m.ProcessedAt != nil && strings.HasPrefix(m.LastError, DLQPrefix)
}

// IsNotifyTopic reports whether topic belongs to the notifications drain.
func IsNotifyTopic(topic string) bool {
	return strings.HasPrefix(topic, TopicNotifyPrefix)
}

// Notification is the exactly-once sink row of the notifications drain,
// unique per (tenant, outboxId).
type Notification struct {
	TenantID  string          `json:"tenantId"`
	OutboxID  int64           `json:"outboxId"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

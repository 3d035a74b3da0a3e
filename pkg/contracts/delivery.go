package contracts

import (
	"fmt"
	"time"
)

// DeliveryState is the lifecycle of a delivery row.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryDLQ       DeliveryState = "dlq"
)

// Delivery is one externally-addressed shipment of an artifact to a
// destination. (tenant, dedupeKey) is unique; within a scopeKey, claims
// respect (orderSeq, priority, id) ordering.
type Delivery struct {
	ID            int64         `json:"id"`
	TenantID      string        `json:"tenantId"`
	DestinationID string        `json:"destinationId"`
	ArtifactType  string        `json:"artifactType"`
	ArtifactID    string        `json:"artifactId"`
	ArtifactHash  string        `json:"artifactHash"`
	DedupeKey     string        `json:"dedupeKey"`
	ScopeKey      string        `json:"scopeKey"`
	OrderSeq      int64         `json:"orderSeq"`
	Priority      int           `json:"priority"`
	OrderKey      string        `json:"orderKey,omitempty"`
	State         DeliveryState `json:"state"`
	Attempts      int           `json:"attempts"`
	Worker        string        `json:"worker,omitempty"`
	ClaimedAt     *time.Time    `json:"claimedAt,omitempty"`
	NextAttemptAt time.Time     `json:"nextAttemptAt"`
	DeliveredAt   *time.Time    `json:"deliveredAt,omitempty"`
	AckedAt       *time.Time    `json:"ackedAt,omitempty"`
	AckReceivedAt *time.Time    `json:"ackReceivedAt,omitempty"`
	ExpiresAt     *time.Time    `json:"expiresAt,omitempty"`
	LastStatus    int           `json:"lastStatus,omitempty"`
	LastError     string        `json:"lastError,omitempty"`
}

// DeliveryDedupeKey builds the deterministic dedupe key for an artifact
// shipment: tenant:destination:artifactType:artifactId:artifactHash.
func DeliveryDedupeKey(tenant, destination, artifactType, artifactID, artifactHash string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", tenant, destination, artifactType, artifactID, artifactHash)
}

// DeliveryReceipt is the immutable ack record, insert-once per delivery.
type DeliveryReceipt struct {
	TenantID      string    `json:"tenantId"`
	DeliveryID    int64     `json:"deliveryId"`
	DestinationID string    `json:"destinationId"`
	ArtifactHash  string    `json:"artifactHash"`
	ReceivedAt    time.Time `json:"receivedAt"`
}

// Destination is a configured delivery target. ArtifactTypes filters which
// artifact types fan out to it; empty means all.
type Destination struct {
	ID            string         `yaml:"id" json:"id"`
	URL           string         `yaml:"url,omitempty" json:"url,omitempty"`
	ArtifactTypes []string       `yaml:"artifactTypes" json:"artifactTypes"`
	Priorities    map[string]int `yaml:"priorities,omitempty" json:"priorities,omitempty"`
	RatePerSec    float64        `yaml:"ratePerSec,omitempty" json:"ratePerSec,omitempty"`
	Burst         int            `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// Accepts reports whether the destination receives the given artifact type.
func (d Destination) Accepts(artifactType string) bool {
	if len(d.ArtifactTypes) == 0 {
		return true
	}
	for _, t := range d.ArtifactTypes {
		if t == artifactType {
			return true
		}
	}
	return false
}

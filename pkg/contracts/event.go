// Package contracts defines the wire and storage types of the settlement
// substrate: chained events, snapshots, ledger rows, artifacts, outbox and
// delivery records, and the closed error set shared by stores and workers.
package contracts

import (
	"encoding/json"
	"time"
)

// DefaultTenant is used when a command carries no explicit tenant.
const DefaultTenant = "default"

// ActorType distinguishes machine principals from human operators.
type ActorType string

const (
	ActorServer   ActorType = "server"
	ActorRobot    ActorType = "robot"
	ActorOperator ActorType = "operator"
)

// Actor identifies who caused an event.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// Event is one append-only, hash-chained record of an aggregate stream.
// Seq is 1-based and contiguous per (tenant, aggregateType, aggregateId).
// PrevChainHash is nil for the first event of a stream and equals the
// predecessor's ChainHash otherwise.
type Event struct {
	TenantID      string          `json:"tenantId"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	Seq           int64           `json:"seq"`
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	At            time.Time       `json:"at"`
	Actor         Actor           `json:"actor"`
	Payload       json.RawMessage `json:"payload"`
	PayloadHash   string          `json:"payloadHash"`
	PrevChainHash *string         `json:"prevChainHash"`
	ChainHash     string          `json:"chainHash"`
	Signature     string          `json:"signature,omitempty"`
	SignerKeyID   string          `json:"signerKeyId,omitempty"`
}

// Snapshot is the materialized projection of an aggregate at a given head.
type Snapshot struct {
	TenantID      string          `json:"tenantId"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	Seq           int64           `json:"seq"`
	AtChainHash   string          `json:"atChainHash"`
	Snapshot      json.RawMessage `json:"snapshot"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// StreamHead is the (seq, chainHash) position of an aggregate stream.
// A zero Seq with empty ChainHash denotes an empty stream.
type StreamHead struct {
	Seq       int64
	ChainHash string
}

// SignerKeyPurpose scopes what a key may sign.
type SignerKeyPurpose string

const (
	KeyPurposeServer   SignerKeyPurpose = "server"
	KeyPurposeRobot    SignerKeyPurpose = "robot"
	KeyPurposeOperator SignerKeyPurpose = "operator"
)

// SignerKeyStatus is the lifecycle state of a signer key.
type SignerKeyStatus string

const (
	KeyStatusActive  SignerKeyStatus = "active"
	KeyStatusRotated SignerKeyStatus = "rotated"
	KeyStatusRevoked SignerKeyStatus = "revoked"
)

// SignerKey is a per-tenant signing key consulted at event append time.
type SignerKey struct {
	TenantID  string           `json:"tenantId"`
	KeyID     string           `json:"keyId"`
	PublicKey string           `json:"publicKey"`
	Purpose   SignerKeyPurpose `json:"purpose"`
	Status    SignerKeyStatus  `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
	RotatedAt *time.Time       `json:"rotatedAt,omitempty"`
	RevokedAt *time.Time       `json:"revokedAt,omitempty"`
}

// MatchesActor reports whether the key purpose permits signing for actor.
func (k SignerKey) MatchesActor(a Actor) bool {
	switch a.Type {
	case ActorRobot:
		return k.Purpose == KeyPurposeRobot
	case ActorOperator:
		return k.Purpose == KeyPurposeOperator
	case ActorServer:
		return k.Purpose == KeyPurposeServer
	default:
		return false
	}
}

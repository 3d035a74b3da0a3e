package contracts

import (
	"errors"
	"fmt"
)

// Sentinel errors of the substrate. Stores and workers classify on these
// with errors.Is / errors.As; no error strings are parsed.
var (
	// ErrPrevChainHashMismatch is the optimistic-concurrency failure of an
	// event append. Callers re-fetch the stream head and retry.
	ErrPrevChainHashMismatch = errors.New("prev chain hash mismatch")

	ErrSignerKeyUnknown         = errors.New("signer key unknown")
	ErrSignerKeyInactive        = errors.New("signer key inactive")
	ErrSignerKeyPurposeMismatch = errors.New("signer key purpose mismatch")

	// ErrArtifactHashMismatch means an artifact id was re-put with a
	// different body.
	ErrArtifactHashMismatch = errors.New("artifact hash mismatch")
	// ErrArtifactSourceEventConflict means (jobId, artifactType,
	// sourceEventId) already maps to a different artifact body.
	ErrArtifactSourceEventConflict = errors.New("artifact source event conflict")
	// ErrArtifactInsertRace is an internal retry signal: a concurrent insert
	// won the unique constraint and neither key explains the row.
	ErrArtifactInsertRace = errors.New("artifact insert race")

	// ErrStatementTimeout is the worker statement-timeout cancellation.
	// Transient: the worker clears its lease and retries.
	ErrStatementTimeout = errors.New("statement timeout")

	// ErrFinancePackImmutabilityBreach means stored bundle bytes for a
	// period differ from the recomputed bytes. Operator escalation.
	ErrFinancePackImmutabilityBreach = errors.New("finance pack bundle immutability breach")

	// ErrContractVersionConflict means a (contractId, version) was re-put
	// with a different body.
	ErrContractVersionConflict = errors.New("contract version body differs from stored")
	// ErrContractUnsigned blocks compiling a contract version that carries
	// no signatures.
	ErrContractUnsigned = errors.New("contract version has no signatures")

	ErrNotFound = errors.New("not found")
)

// IdempotencyConflictError is returned when an idempotency key is replayed
// with a different request hash.
type IdempotencyConflictError struct {
	Principal      string
	Endpoint       string
	IdempotencyKey string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency conflict: %s %s key %s replayed with different request hash",
		e.Principal, e.Endpoint, e.IdempotencyKey)
}

// CorrelationConflictError is returned when a correlation key already maps
// to a different job and force was not set.
type CorrelationConflictError struct {
	SiteID         string
	CorrelationKey string
	ExistingJobID  string
}

func (e *CorrelationConflictError) Error() string {
	return fmt.Sprintf("correlation conflict: site %s key %s already bound to job %s",
		e.SiteID, e.CorrelationKey, e.ExistingJobID)
}

// QuotaExceededError carries the limit that was hit.
type QuotaExceededError struct {
	Kind    string
	Limit   int64
	Current int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("tenant quota exceeded: %s limit=%d current=%d", e.Kind, e.Limit, e.Current)
}

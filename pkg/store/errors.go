package store

import (
	"errors"
	"strings"

	"github.com/lib/pq"

	"github.com/meridianlabs/settled/pkg/contracts"
)

// Postgres error codes the kernel classifies on.
const (
	pgUniqueViolation = "23505"
	pgUndefinedTable  = "42P01"
	pgQueryCanceled   = "57014"
	pgSerialization   = "40001"
)

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	// SQLite surfaces constraint failures as plain driver errors.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUndefinedTable
	}
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// ClassifyWorkerErr maps a statement-timeout cancellation onto the
// transient sentinel so workers clear their lease and retry.
func ClassifyWorkerErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgQueryCanceled {
		return contracts.ErrStatementTimeout
	}
	return err
}

// IsRetriable reports whether an error should be retried by the caller
// (lease cleared, message reclaimed later).
func IsRetriable(err error) bool {
	if errors.Is(err, contracts.ErrStatementTimeout) ||
		errors.Is(err, contracts.ErrArtifactInsertRace) ||
		errors.Is(err, contracts.ErrPrevChainHashMismatch) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgSerialization {
		return true
	}
	return false
}

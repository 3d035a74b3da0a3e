// Package failpoint is a named registry of crash hooks. In production every
// hook is a no-op; kill-tests install injectors that panic or return errors
// at deterministic points so crash-recovery contracts can be verified.
package failpoint

import "sync"

// Stable hook names. These are contract: tests rely on them to simulate
// crashes at exact points inside worker transactions.
const (
	LedgerAfterInsertBeforeOutboxDone      = "ledger.apply.after_insert_before_outbox_done"
	LedgerAfterPostingsBeforeAllocations   = "ledger.apply.after_postings_before_allocations"
	LedgerAfterAllocationsBeforeOutboxDone = "ledger.apply.after_allocations_before_outbox_done"
	OutboxClaimAfterLock                   = "outbox.claim.after_lock"
	AppendAfterCommit                      = "pg.append.after_commit"
	MonthCloseAfterPartyStatements         = "month_close.after_party_statements_before_payouts"
	MonthCloseAfterPayouts                 = "month_close.after_payouts_before_outbox_done"
	FinancePackAfterZipStore               = "finance_pack.after_zip_store_before_pointer"
	FinancePackAfterPointer                = "finance_pack.after_pointer_before_outbox_done"
)

// Hook is invoked when its failpoint fires. Returning an error aborts the
// surrounding operation; panicking simulates a hard crash.
type Hook func() error

var (
	mu    sync.RWMutex
	hooks = map[string]Hook{}
)

// Set installs a hook for name, replacing any previous hook.
func Set(name string, h Hook) {
	mu.Lock()
	defer mu.Unlock()
	hooks[name] = h
}

// Clear removes the hook for name.
func Clear(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(hooks, name)
}

// Reset removes all hooks. Tests call this in cleanup.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	hooks = map[string]Hook{}
}

// Fire invokes the hook registered under name, if any.
func Fire(name string) error {
	mu.RLock()
	h := hooks[name]
	mu.RUnlock()
	if h == nil {
		return nil
	}
	return h()
}

package projection

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/meridianlabs/settled/pkg/contracts"
)

type streamKey struct {
	Tenant        string
	AggregateType string
	AggregateID   string
}

type balanceKey struct {
	Tenant    string
	AccountID string
}

// Mirror is a process-local cache of committed events, snapshots and ledger
// state. It is populated after successful commits and consulted only by
// read paths that tolerate staleness (e.g. listing before migrations have
// run). It is never authoritative.
type Mirror struct {
	mu        sync.RWMutex
	events    map[streamKey][]contracts.Event
	snapshots map[streamKey]contracts.Snapshot
	balances  map[balanceKey]int64
	entries   map[string]map[string]contracts.JournalEntry // tenant -> entryId
}

// NewMirror returns an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{
		events:    map[streamKey][]contracts.Event{},
		snapshots: map[streamKey]contracts.Snapshot{},
		balances:  map[balanceKey]int64{},
		entries:   map[string]map[string]contracts.JournalEntry{},
	}
}

// RecordEvents appends committed events for a stream.
func (m *Mirror) RecordEvents(tenant, aggregateType, aggregateID string, events []contracts.Event) {
	if len(events) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := streamKey{tenant, aggregateType, aggregateID}
	m.events[k] = append(m.events[k], events...)
}

// RecordSnapshot stores a committed snapshot.
func (m *Mirror) RecordSnapshot(snap contracts.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[streamKey{snap.TenantID, snap.AggregateType, snap.AggregateID}] = snap
}

// Events returns a copy of the mirrored stream, ordered by seq.
func (m *Mirror) Events(tenant, aggregateType, aggregateID string) []contracts.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.events[streamKey{tenant, aggregateType, aggregateID}]
	out := make([]contracts.Event, len(src))
	copy(out, src)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Snapshot returns the mirrored snapshot, if present.
func (m *Mirror) Snapshot(tenant, aggregateType, aggregateID string) (contracts.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[streamKey{tenant, aggregateType, aggregateID}]
	return s, ok
}

// SnapshotsByType lists mirrored snapshots of one aggregate type for a
// tenant, ordered by aggregate id.
func (m *Mirror) SnapshotsByType(tenant, aggregateType string) []contracts.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.Snapshot
	for k, s := range m.snapshots {
		if k.Tenant == tenant && k.AggregateType == aggregateType {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AggregateID < out[j].AggregateID })
	return out
}

// ApplyEntry mirrors a ledger entry if not already applied.
func (m *Mirror) ApplyEntry(tenant string, entry contracts.JournalEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.entries[tenant]
	if byID == nil {
		byID = map[string]contracts.JournalEntry{}
		m.entries[tenant] = byID
	}
	if _, applied := byID[entry.ID]; applied {
		return
	}
	byID[entry.ID] = entry
	for _, p := range entry.Postings {
		m.balances[balanceKey{tenant, p.AccountID}] += p.AmountCents
	}
}

// Balance returns the mirrored balance for an account.
func (m *Mirror) Balance(tenant, accountID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[balanceKey{tenant, accountID}]
}

// Entry returns a mirrored journal entry.
func (m *Mirror) Entry(tenant, entryID string) (contracts.JournalEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[tenant][entryID]
	return e, ok
}

// JobSnapshot decodes the mirrored job snapshot document.
func (m *Mirror) JobSnapshot(tenant, jobID string) (JobSnapshot, bool) {
	snap, ok := m.Snapshot(tenant, AggregateJob, jobID)
	if !ok {
		return JobSnapshot{}, false
	}
	var js JobSnapshot
	if err := json.Unmarshal(snap.Snapshot, &js); err != nil {
		return JobSnapshot{}, false
	}
	return js, true
}

package projection

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/settled/pkg/contracts"
)

func jobEvent(t *testing.T, seq int64, typ string, payload interface{}) contracts.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return contracts.Event{
		Seq:     seq,
		ID:      typ,
		Type:    typ,
		At:      time.Date(2026, 2, 1, 0, 0, int(seq), 0, time.UTC),
		Payload: raw,
	}
}

func TestReduceJobLifecycle(t *testing.T) {
	events := []contracts.Event{
		jobEvent(t, 1, EventJobCreated, map[string]any{
			"jobId":        "J1",
			"amountCents":  5000,
			"currency":     "USD",
			"payeePartyId": "P1",
			"parties": []map[string]any{
				{"partyId": "P1", "role": "payee", "shareCents": 5000},
			},
		}),
		jobEvent(t, 2, EventJobReserved, map[string]any{
			"reservation": map[string]any{
				"startAt": "2026-02-01T00:00:00Z",
				"endAt":   "2026-02-02T00:00:00Z",
			},
		}),
		jobEvent(t, 3, EventJobSettled, map[string]any{"jobId": "J1"}),
	}

	raw, err := ReduceJob(events)
	require.NoError(t, err)
	var snap JobSnapshot
	require.NoError(t, json.Unmarshal(raw, &snap))

	assert.Equal(t, "J1", snap.JobID)
	assert.Equal(t, JobStatusSettled, snap.Status)
	assert.Equal(t, int64(5000), snap.AmountCents)
	assert.Equal(t, "P1", snap.PayeePartyID)
	require.NotNil(t, snap.SettledAt)
	assert.False(t, snap.HasActiveReservation(), "settled job releases its reservation")
}

func TestReduceJobAbortClearsReservation(t *testing.T) {
	events := []contracts.Event{
		jobEvent(t, 1, EventJobCreated, map[string]any{"jobId": "J2", "amountCents": 100}),
		jobEvent(t, 2, EventJobReserved, map[string]any{
			"reservation": map[string]any{
				"startAt": "2026-02-01T00:00:00Z",
				"endAt":   "2026-02-02T00:00:00Z",
			},
		}),
	}
	raw, err := ReduceJob(events)
	require.NoError(t, err)
	var snap JobSnapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.True(t, snap.HasActiveReservation())

	events = append(events, jobEvent(t, 3, EventJobAborted, map[string]any{}))
	raw, err = ReduceJob(events)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, JobStatusAborted, snap.Status)
	assert.Nil(t, snap.Reservation)
}

func TestReduceMonthCloseCycle(t *testing.T) {
	events := []contracts.Event{
		jobEvent(t, 1, EventMonthCloseRequested, map[string]any{
			"period":  "2026-02",
			"startAt": "2026-02-01T00:00:00Z",
			"endAt":   "2026-03-01T00:00:00Z",
		}),
	}
	raw, err := ReduceMonth(events)
	require.NoError(t, err)
	var snap MonthSnapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, MonthStatusCloseRequested, snap.Status)
	require.Len(t, snap.PendingRequests, 1)

	events = append(events, jobEvent(t, 2, EventMonthClosed, map[string]any{
		"period":      "2026-02",
		"statementId": "stmt-1",
	}))
	raw, err = ReduceMonth(events)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, MonthStatusClosed, snap.Status)
	assert.Empty(t, snap.PendingRequests)
	assert.Equal(t, "stmt-1", snap.StatementID)
}

func TestReduceMonthRequestAfterCloseStaysClosed(t *testing.T) {
	events := []contracts.Event{
		jobEvent(t, 1, EventMonthCloseRequested, map[string]any{"period": "2026-02"}),
		jobEvent(t, 2, EventMonthClosed, map[string]any{"period": "2026-02"}),
		jobEvent(t, 3, EventMonthCloseRequested, map[string]any{"period": "2026-02"}),
	}
	raw, err := ReduceMonth(events)
	require.NoError(t, err)
	var snap MonthSnapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, MonthStatusClosed, snap.Status)
	require.Len(t, snap.PendingRequests, 1, "late request is visible to the close worker")
}

func TestRegistryFallsBackToGeneric(t *testing.T) {
	r := NewRegistry()
	raw, err := r.Reduce("party", []contracts.Event{
		jobEvent(t, 1, "PARTY_REGISTERED", map[string]any{"partyId": "P9", "name": "Niner"}),
	})
	require.NoError(t, err)
	var state map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &state))
	assert.Equal(t, "P9", state["partyId"])
	assert.Equal(t, "PARTY_REGISTERED", state["lastEventType"])
}

func TestMirrorLedgerIdempotent(t *testing.T) {
	m := NewMirror()
	entry := contracts.JournalEntry{
		ID: "L1",
		Postings: []contracts.Posting{
			{ID: "p1", AccountID: "A", AmountCents: 100},
			{ID: "p2", AccountID: "B", AmountCents: -100},
		},
	}
	m.ApplyEntry("default", entry)
	m.ApplyEntry("default", entry) // replay must not double

	assert.Equal(t, int64(100), m.Balance("default", "A"))
	assert.Equal(t, int64(-100), m.Balance("default", "B"))
}

func TestMirrorSnapshotsByTypeOrdered(t *testing.T) {
	m := NewMirror()
	for _, id := range []string{"J3", "J1", "J2"} {
		m.RecordSnapshot(contracts.Snapshot{
			TenantID: "default", AggregateType: AggregateJob, AggregateID: id,
			Snapshot: json.RawMessage(`{}`),
		})
	}
	snaps := m.SnapshotsByType("default", AggregateJob)
	require.Len(t, snaps, 3)
	assert.Equal(t, "J1", snaps[0].AggregateID)
	assert.Equal(t, "J3", snaps[2].AggregateID)
}

package projection

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianlabs/settled/pkg/contracts"
)

// Aggregate types with dedicated reducers.
const (
	AggregateJob   = "job"
	AggregateMonth = "month"
)

// Job event types.
const (
	EventJobCreated       = "JOB_CREATED"
	EventJobStatusChanged = "JOB_STATUS_CHANGED"
	EventJobReserved      = "JOB_RESERVED"
	EventJobSettled       = "JOB_SETTLED"
	EventJobAborted       = "JOB_ABORTED"
)

// Job statuses.
const (
	JobStatusCreated  = "CREATED"
	JobStatusReserved = "RESERVED"
	JobStatusSettled  = "SETTLED"
	JobStatusAborted  = "ABORTED"
)

// JobParty is one party attached to a job with its allocation share.
type JobParty struct {
	PartyID    string `json:"partyId"`
	Role       string `json:"role"`
	ShareCents int64  `json:"shareCents,omitempty"`
	ShareBps   int64  `json:"shareBps,omitempty"`
}

// Reservation is an active hold window on a job.
type Reservation struct {
	StartAt time.Time `json:"startAt"`
	EndAt   time.Time `json:"endAt"`
}

// JobSnapshot is the reduced state of a job aggregate.
type JobSnapshot struct {
	JobID        string       `json:"jobId"`
	Status       string       `json:"status"`
	AmountCents  int64        `json:"amountCents"`
	Currency     string       `json:"currency,omitempty"`
	PayeePartyID string       `json:"payeePartyId,omitempty"`
	ContractHash string       `json:"contractHash,omitempty"`
	Parties      []JobParty   `json:"parties,omitempty"`
	Reservation  *Reservation `json:"reservation,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	SettledAt    *time.Time   `json:"settledAt,omitempty"`
}

// HasActiveReservation reports whether the snapshot should keep a
// reservation row: an attached window while neither aborted nor settled.
func (s JobSnapshot) HasActiveReservation() bool {
	if s.Reservation == nil {
		return false
	}
	return s.Status != JobStatusAborted && s.Status != JobStatusSettled
}

// ReduceJob folds job events into a JobSnapshot document.
func ReduceJob(events []contracts.Event) (json.RawMessage, error) {
	var snap JobSnapshot
	for _, ev := range events {
		var p struct {
			JobID        string       `json:"jobId"`
			Status       string       `json:"status"`
			AmountCents  int64        `json:"amountCents"`
			Currency     string       `json:"currency"`
			PayeePartyID string       `json:"payeePartyId"`
			ContractHash string       `json:"contractHash"`
			Parties      []JobParty   `json:"parties"`
			Reservation  *Reservation `json:"reservation"`
			SettledAt    *time.Time   `json:"settledAt"`
		}
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("job event %s payload: %w", ev.ID, err)
			}
		}
		switch ev.Type {
		case EventJobCreated:
			snap.JobID = p.JobID
			snap.Status = JobStatusCreated
			snap.AmountCents = p.AmountCents
			snap.Currency = p.Currency
			snap.PayeePartyID = p.PayeePartyID
			snap.ContractHash = p.ContractHash
			snap.Parties = p.Parties
			snap.CreatedAt = ev.At
		case EventJobStatusChanged:
			if p.Status != "" {
				snap.Status = p.Status
			}
		case EventJobReserved:
			snap.Status = JobStatusReserved
			snap.Reservation = p.Reservation
		case EventJobSettled:
			snap.Status = JobStatusSettled
			at := ev.At
			if p.SettledAt != nil {
				at = *p.SettledAt
			}
			snap.SettledAt = &at
			if p.AmountCents != 0 {
				snap.AmountCents = p.AmountCents
			}
		case EventJobAborted:
			snap.Status = JobStatusAborted
			snap.Reservation = nil
		}
	}
	return json.Marshal(snap)
}

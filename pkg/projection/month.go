package projection

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianlabs/settled/pkg/contracts"
)

// Month event types.
const (
	EventMonthCloseRequested = "MONTH_CLOSE_REQUESTED"
	EventMonthClosed         = "MONTH_CLOSED"
)

// Month statuses.
const (
	MonthStatusOpen           = "OPEN"
	MonthStatusCloseRequested = "CLOSE_REQUESTED"
	MonthStatusClosed         = "CLOSED"
)

// CloseRequest is one pending month-close request on the month stream.
type CloseRequest struct {
	EventID     string    `json:"eventId"`
	Period      string    `json:"period"`
	StartAt     time.Time `json:"startAt"`
	EndAt       time.Time `json:"endAt"`
	RequestedAt time.Time `json:"requestedAt"`
}

// MonthSnapshot is the reduced state of a month aggregate. The aggregate id
// is the period string (e.g. "2026-02").
type MonthSnapshot struct {
	Period          string         `json:"period"`
	Status          string         `json:"status"`
	PendingRequests []CloseRequest `json:"pendingRequests,omitempty"`
	ClosedAt        *time.Time     `json:"closedAt,omitempty"`
	StatementID     string         `json:"statementId,omitempty"`
	GeneratedAt     *time.Time     `json:"generatedAt,omitempty"`
}

// ReduceMonth folds month events into a MonthSnapshot. A MONTH_CLOSED event
// clears the pending requests it answered.
func ReduceMonth(events []contracts.Event) (json.RawMessage, error) {
	snap := MonthSnapshot{Status: MonthStatusOpen}
	for _, ev := range events {
		var p struct {
			Period      string     `json:"period"`
			StartAt     time.Time  `json:"startAt"`
			EndAt       time.Time  `json:"endAt"`
			StatementID string     `json:"statementId"`
			GeneratedAt *time.Time `json:"generatedAt"`
		}
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("month event %s payload: %w", ev.ID, err)
			}
		}
		if p.Period != "" {
			snap.Period = p.Period
		}
		switch ev.Type {
		case EventMonthCloseRequested:
			// A request on an already-closed month is recorded but does not
			// reopen it; the close worker treats it as a no-op.
			if snap.Status != MonthStatusClosed {
				snap.Status = MonthStatusCloseRequested
			}
			snap.PendingRequests = append(snap.PendingRequests, CloseRequest{
				EventID:     ev.ID,
				Period:      p.Period,
				StartAt:     p.StartAt,
				EndAt:       p.EndAt,
				RequestedAt: ev.At,
			})
		case EventMonthClosed:
			snap.Status = MonthStatusClosed
			at := ev.At
			snap.ClosedAt = &at
			snap.StatementID = p.StatementID
			snap.GeneratedAt = p.GeneratedAt
			snap.PendingRequests = nil
		}
	}
	return json.Marshal(snap)
}

// Package projection rebuilds aggregate snapshots by replaying events
// through pure reducers, and keeps a process-local, best-effort mirror of
// committed state. The database is canonical; the mirror only serves reads
// that tolerate staleness.
package projection

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/meridianlabs/settled/pkg/contracts"
)

// Reducer folds an ordered event stream into a snapshot document.
// Reducers are pure: same events, same bytes.
type Reducer func(events []contracts.Event) (json.RawMessage, error)

// Registry maps aggregate types to reducers.
type Registry struct {
	mu       sync.RWMutex
	reducers map[string]Reducer
}

// NewRegistry returns a registry pre-loaded with the built-in aggregate
// types (job, month). Unknown types fall back to a generic payload fold.
func NewRegistry() *Registry {
	r := &Registry{reducers: map[string]Reducer{}}
	r.Register(AggregateJob, ReduceJob)
	r.Register(AggregateMonth, ReduceMonth)
	return r
}

// Register installs a reducer for an aggregate type.
func (r *Registry) Register(aggregateType string, fn Reducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reducers[aggregateType] = fn
}

// Reduce applies the registered reducer for aggregateType, or the generic
// fold when none is registered.
func (r *Registry) Reduce(aggregateType string, events []contracts.Event) (json.RawMessage, error) {
	r.mu.RLock()
	fn := r.reducers[aggregateType]
	r.mu.RUnlock()
	if fn == nil {
		fn = ReduceGeneric
	}
	out, err := fn(events)
	if err != nil {
		return nil, fmt.Errorf("reduce %s: %w", aggregateType, err)
	}
	return out, nil
}

// ReduceGeneric merges event payload fields in order, recording the last
// event type and count. Used for aggregate types without a dedicated model.
func ReduceGeneric(events []contracts.Event) (json.RawMessage, error) {
	state := map[string]interface{}{}
	for _, ev := range events {
		var payload map[string]interface{}
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				return nil, fmt.Errorf("event %s payload: %w", ev.ID, err)
			}
		}
		for k, v := range payload {
			state[k] = v
		}
		state["lastEventType"] = ev.Type
	}
	state["eventCount"] = len(events)
	return json.Marshal(state)
}

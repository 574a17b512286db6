package streaming

import (
	"context"
	"encoding/json"
)

// StreamEvent is one published run mutation. Snapshot is the JSON encoded
// run immediately after the mutation; Sequence orders events within a run.
type StreamEvent struct {
	RunID     string          `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	EventType string          `json:"event_type"`
	StepIndex *int            `json:"step_index,omitempty"`
	Snapshot  json.RawMessage `json:"snapshot"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for run change notifications.
//
// Delivery is best effort: a subscriber that cannot keep up has its channel
// closed by the hub. Consumers needing every event resynchronise from the
// persisted run event log using Sequence.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
	Close() error
}

// matchFilter returns true if the event passes the filter criteria.
func matchFilter(f EventFilter, e StreamEvent) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}

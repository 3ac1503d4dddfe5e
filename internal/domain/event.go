package domain

import (
	"context"
	"time"
)

// EventType names an engine event.
type EventType string

const (
	EventOpportunityDetected EventType = "opportunity_detected"
	EventOpportunityRejected EventType = "opportunity_rejected"
	EventLegFilled           EventType = "leg_filled"
	EventAttemptCompleted    EventType = "attempt_completed"
	EventAttemptUnwound      EventType = "attempt_unwound"
	EventAttemptFailed       EventType = "attempt_failed"
)

// Event is a structured record of something the engine did.
type Event struct {
	Type          EventType       `json:"type"`
	At            time.Time       `json:"at"`
	OpportunityID string          `json:"opportunity_id,omitempty"`
	AttemptID     string          `json:"attempt_id,omitempty"`
	Kind          OpportunityKind `json:"kind,omitempty"`
	Reason        ReasonCode      `json:"reason,omitempty"`
	Detail        map[string]any  `json:"detail,omitempty"`
}

// EventSink receives engine events. Emit must not block for long; sinks that
// talk to the network bound their own calls.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

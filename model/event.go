package model

import "time"

// Event is an immutable fact published to the Event Bus.
// IsProcessed flips exactly once, when the event resolves a subscription
// (publish) or is consumed by a subscribe-time backlog scan.
type Event struct {
	ID          string
	Name        string
	Key         string
	Data        map[string]any
	Time        time.Time
	IsProcessed bool
}

// ExternalToken carries bookkeeping metadata for a subscription created on
// behalf of an external workflow-engine call; the core never parses these
// fields, it only stores and returns them — token validation is handled by
// an external sidecar, out of scope here.
type ExternalToken struct {
	Token        string
	WorkerID     string
	ExpiresAt    time.Time
}

// EventSubscription records that a pointer is waiting for an event
// matching (EventName, EventKey) published at or after SubscribeAsOf.
// Deleted atomically with its owning pointer's cancellation, or when
// consumed by a matching publish/subscribe.
type EventSubscription struct {
	ID              string
	WorkflowID      string
	PointerID       string
	StepID          string
	EventName       string
	EventKey        string
	SubscribeAsOf   time.Time
	SubscriptionData map[string]any
	External        *ExternalToken
}

// Matches reports whether e resolves s: event.name = sub.event_name ∧
// (sub.event_key is null ∨ sub.event_key = event.key) ∧ event.time ≥
// sub.subscribe_as_of. subscribe_as_of is treated as inclusive.
func (s *EventSubscription) Matches(e *Event) bool {
	if s.EventName != e.Name {
		return false
	}
	if s.EventKey != "" && s.EventKey != e.Key {
		return false
	}
	return !e.Time.Before(s.SubscribeAsOf)
}

// ActivityEventName is the well-known event name used by WaitForActivity:
// a specialization of wait_for_event where the activity name doubles as
// the event key.
const ActivityEventName = "workflow_core.activity"

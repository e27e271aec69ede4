// internal/events/types.go
package events

import (
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	// Worker lifecycle events
	WorkerReady   EventType = "worker.ready"
	WorkerCrashed EventType = "worker.crashed"

	// Valuation events
	ValuationUpdated EventType = "valuation.updated"
	ValuationFailed  EventType = "valuation.failed"
	CacheLoaded      EventType = "valuation.cache_loaded"

	// Claim events
	EstimateUpdated EventType = "claim.estimate_updated"
)

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// Publisher accepts events for asynchronous delivery. *Bus implements it.
type Publisher interface {
	Publish(event Event) error
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	EventType EventType
	EventTime time.Time
}

// NewBase stamps an event of type t.
func NewBase(t EventType, at time.Time) BaseEvent {
	return BaseEvent{EventType: t, EventTime: at}
}

// Type returns the event type.
func (e BaseEvent) Type() EventType {
	return e.EventType
}

// Timestamp returns when the event occurred.
func (e BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

// WorkerReadyEvent is emitted when a background worker reports readiness.
type WorkerReadyEvent struct {
	BaseEvent
	Generation uint64
}

// WorkerCrashedEvent is emitted when a worker dies with requests in flight.
type WorkerCrashedEvent struct {
	BaseEvent
	Generation uint64
	Rejected   int // pending requests rejected by the crash
	Error      error
}

// ValuationUpdatedEvent is emitted after a successful refresh cycle.
type ValuationUpdatedEvent struct {
	BaseEvent
	CalcID   string
	Trigger  string // "mount", "interval", "visible", "balances", "manual"
	TotalSum string
	Tokens   int
	Duration time.Duration
}

// ValuationFailedEvent is emitted when a cycle fails and a fallback is shown.
type ValuationFailedEvent struct {
	BaseEvent
	CalcID   string
	Trigger  string
	Fallback string // "last_good", "ratio", "none"
	Error    error
}

// CacheLoadedEvent is emitted when a fresh cached valuation seeds the state.
type CacheLoadedEvent struct {
	BaseEvent
	TotalSum string
	Age      time.Duration
}

// EstimateUpdatedEvent is emitted when the claim estimate changes.
type EstimateUpdatedEvent struct {
	BaseEvent
	Estimate string
	Source   string // "amm" or "ratio"
}

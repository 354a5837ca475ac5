package eventbus

import (
	"context"
	"time"
)

// EventType represents the type of an event.
type EventType string

const (
	// Plan generation events
	EventPlanGenerationStarted EventType = "plan_generation_started"
	EventPlanGenerationRetry   EventType = "plan_generation_retry"
	EventPlanGenerationSuccess EventType = "plan_generation_success"
	EventPlanGenerationFailure EventType = "plan_generation_failure"

	// Action execution events
	EventActionStarted   EventType = "action_execution_started"
	EventActionSucceeded EventType = "action_execution_success"
	EventActionWarning   EventType = "action_execution_warning"
	EventActionRetry     EventType = "action_execution_retry"
	EventActionFailed    EventType = "action_execution_failure"
	EventActionAborted   EventType = "action_execution_aborted"

	// Plan execution events
	EventPlanExecutionStarted  EventType = "plan_execution_started"
	EventPlanExecutionProgress EventType = "plan_execution_progress"
	EventPlanExecutionStalled  EventType = "plan_execution_stalled"
	EventPlanExecutionSuccess  EventType = "plan_execution_success"
	EventPlanExecutionFailure  EventType = "plan_execution_failure"

	// Synthesis events
	EventSynthesisStarted EventType = "synthesis_started"
	EventSynthesisSuccess EventType = "synthesis_success"
	EventSynthesisFailure EventType = "synthesis_failure"

	// Human escalation events
	EventEscalationRaised   EventType = "escalation_raised"
	EventEscalationAnswered EventType = "escalation_answered"
	EventEscalationTimeout  EventType = "escalation_timeout"

	// Async run events
	EventRunAsyncStarted   EventType = "run_async_started"
	EventRunAsyncSuccess   EventType = "run_async_success"
	EventRunAsyncFailure   EventType = "run_async_failure"
	EventRunAsyncCancelled EventType = "run_async_cancelled"

	// System events
	EventSystemError   EventType = "system_error"
	EventSystemWarning EventType = "system_warning"
	EventSystemInfo    EventType = "system_info"
)

// EventHandler is a function that handles events.
type EventHandler func(context.Context, Event) error

// Event is something that has happened within the engine.
type Event interface {
	Type() EventType
	Payload() interface{}
	Metadata() map[string]interface{}
	Timestamp() int64
	Source() string
}

// EventBus is the central event dispatch system.
type EventBus interface {
	// Publish sends an event to all subscribed handlers.
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for specific event types and returns
	// a subscription ID for later removal.
	Subscribe(eventTypes []EventType, handler EventHandler) (string, error)

	// SubscribeAll registers a handler for every event type.
	SubscribeAll(handler EventHandler) (string, error)

	// Unsubscribe removes a subscription by ID.
	Unsubscribe(subscriptionID string) error

	// Close shuts down the event bus.
	Close() error
}

// BaseEvent is the default Event implementation.
type BaseEvent struct {
	eventType  EventType
	payload    interface{}
	metadata   map[string]interface{}
	timestamp  int64
	sourceInfo string
}

// NewEvent creates a new BaseEvent.
func NewEvent(eventType EventType, payload interface{}, source string, metadata map[string]interface{}) *BaseEvent {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &BaseEvent{
		eventType:  eventType,
		payload:    payload,
		metadata:   metadata,
		timestamp:  time.Now().UnixNano(),
		sourceInfo: source,
	}
}

func (e *BaseEvent) Type() EventType                  { return e.eventType }
func (e *BaseEvent) Payload() interface{}             { return e.payload }
func (e *BaseEvent) Metadata() map[string]interface{} { return e.metadata }
func (e *BaseEvent) Timestamp() int64                 { return e.timestamp }
func (e *BaseEvent) Source() string                   { return e.sourceInfo }

// WithMetadata adds one metadata entry and returns the same event.
func (e *BaseEvent) WithMetadata(key string, value interface{}) *BaseEvent {
	e.metadata[key] = value
	return e
}

package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	// Registry events
	EventProgress       EventType = "progress"
	EventJobInitialized EventType = "process_initialized"
	EventJobPaused      EventType = "process_paused"
	EventJobResumed     EventType = "process_resumed"
	EventJobStopped     EventType = "process_stopped"
	EventJobCleared     EventType = "process_cleared"

	// Executor markers
	EventBatchStart        EventType = "batch_start"
	EventBatchNavigated    EventType = "batch_navigated"
	EventBatchDistribution EventType = "batch_distribution"
	EventBatchChunk        EventType = "batch_chunk"
	EventBatchLaneFailed   EventType = "batch_lane_failed"
	EventBatchSuccess      EventType = "batch_success"
	EventBatchFailed       EventType = "batch_failed"
)

// AllEventTypes lists every event type, for subscribers that mirror the whole stream.
var AllEventTypes = []EventType{
	EventProgress,
	EventJobInitialized,
	EventJobPaused,
	EventJobResumed,
	EventJobStopped,
	EventJobCleared,
	EventBatchStart,
	EventBatchNavigated,
	EventBatchDistribution,
	EventBatchChunk,
	EventBatchLaneFailed,
	EventBatchSuccess,
	EventBatchFailed,
}

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}

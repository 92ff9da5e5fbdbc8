package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/interfaces"
	"github.com/ternarybob/formrunner/internal/models"
)

// NewLoggerSubscriber creates an event handler that logs all events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		logEvent := logger.Debug().
			Str("event_type", string(event.Type))

		switch payload := event.Payload.(type) {
		case models.ProgressEvent:
			logEvent = logEvent.
				Str("job_id", payload.ID).
				Int("completed", payload.Completed).
				Int("failed", payload.Failed).
				Int("total", payload.Total)
		case models.LifecycleEvent:
			logEvent = logEvent.Str("job_id", payload.ID)
		case models.BatchEvent:
			logEvent = logEvent.Str("job_id", payload.ID).Int("lane", payload.Lane)
			if payload.Error != "" {
				logEvent = logEvent.Str("error", payload.Error)
			}
		case map[string]interface{}:
			if id, ok := payload["id"].(string); ok {
				logEvent = logEvent.Str("job_id", id)
			}
		}

		logEvent.Msg("Event published")

		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	for _, eventType := range interfaces.AllEventTypes {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Debug().
		Int("event_type_count", len(interfaces.AllEventTypes)).
		Msg("Logger subscribed to all event types")

	return nil
}

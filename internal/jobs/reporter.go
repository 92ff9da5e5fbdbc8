package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/interfaces"
	"github.com/ternarybob/formrunner/internal/models"
)

// ProgressReporter composes progress events from the current job state and
// writes them to the event sink. Emission never fails the caller: unknown jobs
// are ignored and sink faults are logged and dropped.
type ProgressReporter struct {
	reader StateReader
	events interfaces.EventService
	logger arbor.ILogger
}

// NewProgressReporter creates a reporter reading state from reader.
func NewProgressReporter(reader StateReader, eventService interfaces.EventService, logger arbor.ILogger) *ProgressReporter {
	return &ProgressReporter{
		reader: reader,
		events: eventService,
		logger: logger,
	}
}

// Emit publishes a progress event for id. currentItem and message are optional;
// an empty message is replaced with "Processing <kind>: <completed>/<total>".
func (p *ProgressReporter) Emit(ctx context.Context, id, currentItem, message string) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error().
				Str("job_id", id).
				Str("panic", fmt.Sprintf("%v", rec)).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from panic while emitting progress")
		}
	}()

	event, ok := p.Compose(id, currentItem, message)
	if !ok || p.events == nil {
		return
	}

	if err := p.events.PublishSync(ctx, interfaces.Event{Type: interfaces.EventProgress, Payload: event}); err != nil {
		p.logger.Warn().
			Err(err).
			Str("job_id", id).
			Msg("Failed to emit progress event")
	}
}

// Compose builds the progress event without publishing it.
func (p *ProgressReporter) Compose(id, currentItem, message string) (models.ProgressEvent, bool) {
	state, ok := p.reader.Get(id)
	if !ok {
		return models.ProgressEvent{}, false
	}

	if message == "" {
		message = fmt.Sprintf("Processing %s: %d/%d", state.Kind, state.Completed, state.Total)
	}

	return models.ProgressEvent{
		Type:        string(interfaces.EventProgress),
		ID:          state.ID,
		Kind:        state.Kind,
		Completed:   state.Completed,
		Failed:      state.Failed,
		Total:       state.Total,
		Percentage:  state.Percentage(),
		Paused:      state.Paused,
		Stopped:     state.Stopped,
		Timestamp:   time.Now().UTC(),
		CurrentItem: currentItem,
		Message:     message,
		Metadata:    state.Metadata,
	}, true
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/interfaces"
)

// StreamWriter writes one JSON document per line to an output stream.
// Event payloads and command responses share the stream, so every write
// holds the same lock and lines never interleave.
type StreamWriter struct {
	mu     sync.Mutex
	out    io.Writer
	logger arbor.ILogger
}

// NewStreamWriter creates a line writer over out (usually os.Stdout)
func NewStreamWriter(out io.Writer, logger arbor.ILogger) *StreamWriter {
	return &StreamWriter{
		out:    out,
		logger: logger,
	}
}

// WriteJSON encodes v and writes it followed by a newline
func (w *StreamWriter) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode stream line: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.out.Write(data); err != nil {
		return fmt.Errorf("failed to write stream line: %w", err)
	}
	return nil
}

// Handler returns an event handler that mirrors event payloads onto the stream
func (w *StreamWriter) Handler() interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		if event.Payload == nil {
			return nil
		}
		return w.WriteJSON(event.Payload)
	}
}

// SubscribeAll mirrors every known event type onto the stream
func (w *StreamWriter) SubscribeAll(eventService interfaces.EventService) error {
	handler := w.Handler()
	for _, eventType := range interfaces.AllEventTypes {
		if err := eventService.Subscribe(eventType, handler); err != nil {
			return fmt.Errorf("failed to subscribe stream writer to %s: %w", eventType, err)
		}
	}
	w.logger.Debug().
		Int("event_type_count", len(interfaces.AllEventTypes)).
		Msg("Stream writer subscribed to all event types")
	return nil
}

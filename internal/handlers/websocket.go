package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/common"
	"github.com/ternarybob/formrunner/internal/interfaces"
	"github.com/ternarybob/formrunner/internal/models"
	"github.com/ternarybob/formrunner/internal/services/events"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// Message types
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// HelloMessage is sent to each client on connect
type HelloMessage struct {
	ServerInstanceID string `json:"serverInstanceId"` // Unique ID per server startup - clients clear state on change
	Version          string `json:"version"`
}

// terminalEvents flush the job's pending progress snapshot before they are broadcast
var terminalEvents = map[interfaces.EventType]bool{
	interfaces.EventBatchSuccess: true,
	interfaces.EventBatchFailed:  true,
	interfaces.EventJobStopped:   true,
	interfaces.EventJobCleared:   true,
}

const defaultClientQueue = 64

// wsClient is one connection and its outbound queue. Only the writer
// goroutine touches conn for writes.
type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	dropped atomic.Int64
}

func newWSClient(conn *websocket.Conn, queue int) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

// enqueue never blocks: when the queue is full the oldest message is discarded.
func (c *wsClient) enqueue(data []byte) {
	for {
		select {
		case c.send <- data:
			return
		default:
		}
		select {
		case <-c.send:
			c.dropped.Add(1)
		default:
		}
	}
}

// WebSocketHandler mirrors the event stream to websocket clients.
// Throttled progress events are not lost: the latest snapshot per job is
// held by a ProgressAggregator and sent on its next flush. Event handlers only
// queue messages, so a slow client never holds up the lanes publishing them.
type WebSocketHandler struct {
	logger           arbor.ILogger
	clients          map[*wsClient]struct{}
	clientQueue      int
	mu               sync.RWMutex
	allowedEvents    map[string]bool          // Whitelist of events to broadcast (empty = allow all)
	throttlers       map[string]*rate.Limiter // Rate limiters for high-frequency events
	aggregator       *events.ProgressAggregator
	serverInstanceID string
}

func NewWebSocketHandler(eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*wsClient]struct{}),
		clientQueue:      defaultClientQueue,
		allowedEvents:    make(map[string]bool),
		throttlers:       make(map[string]*rate.Limiter),
		serverInstanceID: uuid.New().String(),
	}

	flushInterval := time.Second
	if config != nil {
		if config.ClientQueue > 0 {
			h.clientQueue = config.ClientQueue
		}
		for _, eventType := range config.AllowedEvents {
			h.allowedEvents[eventType] = true
		}

		for eventType, intervalStr := range config.ThrottleIntervals {
			duration, err := time.ParseDuration(intervalStr)
			if err != nil || duration <= 0 {
				logger.Warn().
					Err(err).
					Str("event_type", eventType).
					Str("interval", intervalStr).
					Msg("Failed to parse throttle interval - skipping throttler")
				continue
			}
			// 1 event per interval (burst=1)
			h.throttlers[eventType] = rate.NewLimiter(rate.Every(duration), 1)
			if eventType == string(interfaces.EventProgress) {
				flushInterval = duration
			}
			logger.Debug().
				Str("event_type", eventType).
				Str("interval", intervalStr).
				Msg("Throttler initialized for event type")
		}
	}

	h.aggregator = events.NewProgressAggregator(flushInterval, h.broadcastProgress, logger)

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized")

	if eventService != nil {
		h.SubscribeAll(eventService)
	}
	return h
}

// Start runs the progress flush loop until ctx is done
func (h *WebSocketHandler) Start(ctx context.Context) {
	h.aggregator.StartPeriodicFlush(ctx)
}

// SubscribeAll registers the handler for every event type
func (h *WebSocketHandler) SubscribeAll(eventService interfaces.EventService) {
	for _, eventType := range interfaces.AllEventTypes {
		if err := eventService.Subscribe(eventType, h.handleEvent); err != nil {
			h.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to subscribe websocket handler")
		}
	}
}

// HandleWebSocket handles WebSocket connections
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	// hello is queued before registration so it is always the first message
	client := newWSClient(conn, h.clientQueue)
	h.send(client, WSMessage{
		Type: "hello",
		Payload: HelloMessage{
			ServerInstanceID: h.serverInstanceID,
			Version:          common.GetVersion(),
		},
	})

	h.mu.Lock()
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", clientCount)
	common.SafeGo(h.logger, "websocketWriter", func() { h.writeLoop(client) })

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		clientCount := len(h.clients)
		h.mu.Unlock()

		close(client.done)
		conn.Close()
		h.logger.Debug().
			Int64("dropped", client.dropped.Load()).
			Msgf("WebSocket client disconnected (remaining: %d)", clientCount)
	}()

	// Read messages from client (keep connection alive)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHandler) handleEvent(ctx context.Context, event interfaces.Event) error {
	eventType := string(event.Type)
	if len(h.allowedEvents) > 0 && !h.allowedEvents[eventType] {
		return nil
	}

	if progress, ok := event.Payload.(models.ProgressEvent); ok {
		if limiter, ok := h.throttlers[eventType]; ok && !limiter.Allow() {
			h.aggregator.Record(progress)
			return nil
		}
		// An older held snapshot goes out first so clients never see progress move backwards
		h.aggregator.FlushJob(ctx, progress.ID)
		h.Broadcast(WSMessage{Type: eventType, Payload: progress})
		return nil
	}

	if terminalEvents[event.Type] {
		if jobID := jobIDOf(event.Payload); jobID != "" {
			h.aggregator.FlushJob(ctx, jobID)
		}
	} else if limiter, ok := h.throttlers[eventType]; ok && !limiter.Allow() {
		h.logger.Trace().Str("event_type", eventType).Msg("Event throttled - rate limit exceeded")
		return nil
	}

	h.Broadcast(WSMessage{Type: eventType, Payload: event.Payload})
	return nil
}

func (h *WebSocketHandler) broadcastProgress(_ context.Context, snapshots []models.ProgressEvent) {
	for _, snapshot := range snapshots {
		h.Broadcast(WSMessage{Type: string(interfaces.EventProgress), Payload: snapshot})
	}
}

// Broadcast sends msg to all connected clients
func (h *WebSocketHandler) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal websocket message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.enqueue(data)
	}
}

func (h *WebSocketHandler) send(client *wsClient, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal websocket message")
		return
	}
	client.enqueue(data)
}

// writeLoop drains the client's queue until it disconnects. A failed write
// closes the connection, which ends the read loop in HandleWebSocket.
func (h *WebSocketHandler) writeLoop(client *wsClient) {
	for {
		select {
		case <-client.done:
			return
		case data := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warn().Err(err).Msg("Failed to send message to client")
				client.conn.Close()
				return
			}
		}
	}
}

func jobIDOf(payload interface{}) string {
	switch p := payload.(type) {
	case models.LifecycleEvent:
		return p.ID
	case models.BatchEvent:
		return p.ID
	case models.ProgressEvent:
		return p.ID
	}
	return ""
}

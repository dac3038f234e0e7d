package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/common"
	"github.com/ternarybob/keywatch/internal/interfaces"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// wsMessage is the frame pushed to dashboard clients
type wsMessage struct {
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// WebSocketHandler streams job events to connected dashboards. High-volume
// event types are throttled per the configured intervals so a chatty
// executor cannot flood every browser tab.
type WebSocketHandler struct {
	logger       arbor.ILogger
	eventService interfaces.EventService

	mu          sync.RWMutex
	clients     map[*websocket.Conn]int64 // conn -> user id
	clientMutex map[*websocket.Conn]*sync.Mutex

	throttlers map[interfaces.EventType]*rate.Limiter

	// serverInstanceID changes on every restart so clients can detect a
	// reconnect against a fresh process
	serverInstanceID string
}

// NewWebSocketHandler creates the websocket handler and registers it on
// the event bus
func NewWebSocketHandler(eventService interfaces.EventService, config *common.WebSocketConfig, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		eventService:     eventService,
		clients:          make(map[*websocket.Conn]int64),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		throttlers:       make(map[interfaces.EventType]*rate.Limiter),
		serverInstanceID: uuid.New().String(),
	}

	for name, interval := range config.ThrottleIntervals {
		if d, err := time.ParseDuration(interval); err == nil && d > 0 {
			h.throttlers[interfaces.EventType(name)] = rate.NewLimiter(rate.Every(d), 1)
		}
	}

	broadcast := []interfaces.EventType{
		interfaces.EventJobCreated, interfaces.EventJobQueued,
		interfaces.EventJobStarted, interfaces.EventJobProgress,
		interfaces.EventJobRetrying, interfaces.EventJobCompleted,
		interfaces.EventJobFailed, interfaces.EventJobCancelled,
		interfaces.EventNotificationCreated, interfaces.EventQueueStats,
	}
	for _, eventType := range broadcast {
		et := eventType
		if err := eventService.Subscribe(et, func(ctx context.Context, e interfaces.Event) error {
			h.broadcast(et, e)
			return nil
		}); err != nil {
			logger.Warn().Str("event_type", string(et)).Err(err).Msg("Failed to subscribe websocket broadcaster")
		}
	}
	return h
}

// HandleWebSocket handles GET /ws upgrade requests
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	userID := UserID(r)

	h.mu.Lock()
	h.clients[conn] = userID
	h.clientMutex[conn] = &sync.Mutex{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info().Int64("user_id", userID).Int("clients", count).Msg("WebSocket client connected")

	h.send(conn, &wsMessage{
		Type: "connected",
		Payload: map[string]interface{}{
			"server_instance_id": h.serverInstanceID,
		},
		Timestamp: time.Now(),
	})

	// Read loop only detects disconnects; clients do not send commands.
	go func() {
		defer h.disconnect(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *WebSocketHandler) disconnect(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	delete(h.clientMutex, conn)
	count := len(h.clients)
	h.mu.Unlock()
	conn.Close()
	h.logger.Info().Int("clients", count).Msg("WebSocket client disconnected")
}

// broadcast pushes an event frame to every client whose user scope matches
func (h *WebSocketHandler) broadcast(eventType interfaces.EventType, e interfaces.Event) {
	if limiter, ok := h.throttlers[eventType]; ok && !limiter.Allow() {
		return
	}

	msg := &wsMessage{
		Type:      string(eventType),
		Payload:   e.Payload,
		Timestamp: time.Now(),
	}
	eventUser, scoped := e.Payload["user_id"].(int64)

	h.mu.RLock()
	conns := make(map[*websocket.Conn]int64, len(h.clients))
	for conn, userID := range h.clients {
		conns[conn] = userID
	}
	h.mu.RUnlock()

	for conn, userID := range conns {
		// Job-scoped events go to their owner; unscoped frames (queue
		// stats) go to everyone.
		if scoped && userID != 0 && userID != eventUser {
			continue
		}
		h.send(conn, msg)
	}
}

func (h *WebSocketHandler) send(conn *websocket.Conn, msg *wsMessage) {
	h.mu.RLock()
	mu, ok := h.clientMutex[conn]
	h.mu.RUnlock()
	if !ok {
		return
	}

	mu.Lock()
	defer mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug().Err(err).Msg("WebSocket write failed, dropping client")
		go h.disconnect(conn)
	}
}

// ClientCount reports the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

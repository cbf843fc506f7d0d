// Package websocket - Event Hub
// Broadcasts build progress and dev-server lifecycle events to subscribers,
// one room per project.
package websocket

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"sitesmith/internal/logging"
)

// Message is the wire format for hub broadcasts.
type Message struct {
	Type      string      `json:"type"`
	Project   string      `json:"project"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Message types emitted by the pipeline and supervisor.
const (
	MessageTypeBuildStarted  = "build_started"
	MessageTypeTaskProgress  = "task_progress"
	MessageTypeRepairAttempt = "repair_attempt"
	MessageTypeBuildFinished = "build_finished"
	MessageTypeServerEvent   = "server_event"
)

// Hub maintains subscriber connections grouped by project room.
type Hub struct {
	rooms      map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	shutdown   chan struct{}
	mu         sync.RWMutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if allowed := os.Getenv("CORS_ALLOWED_ORIGINS"); allowed != "" {
			for _, o := range strings.Split(allowed, ",") {
				if strings.TrimSpace(o) == origin {
					return true
				}
			}
			return false
		}
		// Local tool by default; same-host browsers and CLI clients only.
		return origin == "" || strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "http://127.0.0.1")
	},
}

// NewHub creates an empty hub. Call Run in a goroutine.
func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
	}
}

// Run processes registration until Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case <-h.shutdown:
			h.mu.Lock()
			for _, room := range h.rooms {
				for client := range room {
					close(client.send)
				}
			}
			h.rooms = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			logging.S().Info("WebSocketHub: shutdown complete")
			return
		case client := <-h.register:
			h.mu.Lock()
			if h.rooms[client.project] == nil {
				h.rooms[client.project] = make(map[*Client]bool)
			}
			h.rooms[client.project][client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if room := h.rooms[client.project]; room != nil && room[client] {
				delete(room, client)
				close(client.send)
				if len(room) == 0 {
					delete(h.rooms, client.project)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Shutdown closes every connection and stops Run.
func (h *Hub) Shutdown() {
	close(h.shutdown)
}

// Broadcast sends an event to every subscriber of a project's room. Slow
// subscribers are dropped rather than blocking the pipeline.
func (h *Hub) Broadcast(project, msgType string, data interface{}) {
	payload, err := json.Marshal(Message{
		Type:      msgType,
		Project:   project,
		Data:      data,
		Timestamp: time.Now(),
	})
	if err != nil {
		logging.S().Errorf("WebSocketHub: marshal broadcast: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.rooms[project] {
		select {
		case client.send <- payload:
		default:
			delete(h.rooms[project], client)
			close(client.send)
		}
	}
}

// SubscriberCount reports the subscribers of one project room.
func (h *Hub) SubscriberCount(project string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[project])
}

// HandleWebSocket upgrades a gin request into a room subscription. The room
// is the :name path parameter.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	project := c.Param("name")
	if project == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project name required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.S().Warnf("WebSocketHub: upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		project: project,
		send:    make(chan []byte, 256),
	}
	select {
	case h.register <- client:
	case <-h.shutdown:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// Package streaming implements the Streaming Hub: an HTTP server exposing a
// server-sent-event progress stream plus read-only JSON views of the
// registries the rest of the engine owns. The hub is additive — the server
// remains fully functional with streaming disabled.
package streaming

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/common/logger"
)

// EventType is one of the fixed set of SSE message kinds the hub emits.
type EventType string

const (
	EventTaskProgress     EventType = "task_progress"
	EventContainerStarted EventType = "container_started"
	EventContainerStopped EventType = "container_stopped"
	EventContainerLogs    EventType = "container_logs"
	EventDiffCreated      EventType = "diff_created"
	EventTaskCreated      EventType = "task_created"
	EventTaskCompleted    EventType = "task_completed"
	EventRepoActivity     EventType = "repo_activity"
)

// Event is the flat envelope every SSE message carries.
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// client is one connected SSE subscriber.
type client struct {
	id   string
	send chan Event
}

// Hub fans out Events to every connected SSE client. Mutation of the client
// set is single-writer, matching the rest of the engine's shared-resource
// policy; disconnects are non-fatal and dead clients are removed lazily.
type Hub struct {
	log *logger.Logger

	mu      sync.Mutex
	clients map[string]*client

	register   chan *client
	unregister chan *client
	broadcast  chan Event

	done chan struct{}
}

// NewHub constructs a Hub. Call Run to start its dispatch loop.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[string]*client),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Event, 256),
		done:       make(chan struct{}),
	}
}

// Run drives the hub's register/unregister/broadcast loop until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[string]*client)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.Lock()
			for _, c := range h.clients {
				select {
				case c.send <- ev:
				default:
					h.log.Warn("dropping event for slow streaming client", zap.String("client", c.id))
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop terminates Run and disconnects every client.
func (h *Hub) Stop() {
	close(h.done)
}

// Publish emits an Event of the given type to every connected client. It is
// safe to call even when no Run loop is active — sends to a full buffer are
// dropped rather than blocking the caller.
func (h *Hub) Publish(eventType EventType, data interface{}) {
	select {
	case h.broadcast <- Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}:
	default:
		h.log.Warn("streaming hub broadcast buffer full, dropping event", zap.String("type", string(eventType)))
	}
}

// ClientCount reports the number of currently connected SSE clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

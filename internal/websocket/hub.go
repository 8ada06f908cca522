package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Topical messages are delivered only to subscribers of their topic
type Topical interface {
	Topic() string
}

type envelope struct {
	topic string
	data  []byte
}

// Hub maintains the set of feed subscribers and broadcasts run messages
type Hub struct {
	// Registered clients map: client ID -> Client
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	broadcast  chan envelope
	done       chan struct{}

	// Mutex for thread-safe access to clients map
	mu  sync.RWMutex
	log *zap.Logger
}

// NewHub creates a new Hub instance
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan envelope, 64),
		done:       make(chan struct{}),
		clients:    make(map[string]*Client),
		log:        log,
	}
}

// Run starts the hub's main loop and returns when ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.log.Debug("Run feed subscriber connected", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
				h.log.Debug("Run feed subscriber disconnected", zap.String("client_id", client.ID))
			}
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				if !client.wants(env.topic) {
					continue
				}
				select {
				case client.send <- env.data:
				default:
					// Buffer full: drop the slow subscriber
					delete(h.clients, id)
					close(client.send)
				}
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast queues message for every interested subscriber. It never
// blocks; when the queue is full the message is dropped.
func (h *Hub) Broadcast(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error("Failed to marshal feed message", zap.Error(err))
		return
	}
	env := envelope{data: data}
	if t, ok := message.(Topical); ok {
		env.topic = t.Topic()
	}

	select {
	case h.broadcast <- env:
	default:
		h.log.Warn("Run feed queue full, dropping message")
	}
}

// Len returns the number of connected subscribers
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

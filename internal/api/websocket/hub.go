package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/KevinKickass/OpenAcqCore/internal/auth"
	"github.com/KevinKickass/OpenAcqCore/internal/events"
	"go.uber.org/zap"
)

// Hub maintains active WebSocket clients and fans registry events out to
// them.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	mu sync.RWMutex

	logger      *zap.Logger
	authService *auth.AuthService
	streamer    *events.Streamer

	// closed when Run returns
	done chan struct{}
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger, authService *auth.AuthService, streamer *events.Streamer) *Hub {
	return &Hub{
		broadcast:   make(chan Message, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		clients:     make(map[*Client]bool),
		logger:      logger,
		authService: authService,
		streamer:    streamer,
		done:        make(chan struct{}),
	}
}

// Run starts the hub's main event loop. It returns when ctx ends or the
// streamer is closed, disconnecting every client.
func (h *Hub) Run(ctx context.Context) {
	id, evs := h.streamer.Subscribe(events.Filter{})
	defer h.streamer.Unsubscribe(id)
	defer h.shutdown()

	h.logger.Info("WebSocket Hub started")
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", client.remoteAddr()),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.remoteAddr()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case ev, ok := <-evs:
			if !ok {
				return
			}
			h.deliver(NewEventMessage(ev), func(c *Client) bool { return c.wants(ev) })

		case message := <-h.broadcast:
			h.deliver(message, func(*Client) bool { return true })
		}
	}
}

func (h *Hub) deliver(message Message, want func(*Client) bool) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !want(client) {
			continue
		}
		if !client.trySend(data) {
			// Client send channel full - unregister slow/dead client
			client.closeSend()
			delete(h.clients, client)
			h.logger.Warn("Client send buffer full, unregistering",
				zap.String("remote_addr", client.remoteAddr()))
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.mu.Unlock()
	close(h.done)
	h.logger.Info("WebSocket Hub stopped")
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

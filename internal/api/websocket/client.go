package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/auth"
	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/KevinKickass/OpenAcqCore/internal/events"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message
	authWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	logger      *zap.Logger
	permissions []auth.Permission
	registered  bool

	mu     sync.RWMutex
	filter events.Filter
	paused bool

	sendMu     sync.Mutex
	sendClosed bool
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Client) wants(ev core.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.paused && c.filter.Match(ev)
}

// trySend never blocks. It fails when the buffer is full.
func (c *Client) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// readPump handles reading messages from the WebSocket connection. The
// write pump owns the connection and closes it once send is closed.
func (c *Client) readPump() {
	defer c.leave()

	c.conn.SetReadLimit(maxMessageSize)

	authenticated := !c.hub.authService.Enabled()
	if authenticated {
		c.permissions = auth.RolePermissions(auth.RoleAdmin)
		if !c.join() {
			return
		}
	} else {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
	}

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}

		// First message MUST be authentication
		if !authenticated {
			if !c.authenticate(msg) {
				return
			}
			authenticated = true
			c.conn.SetReadDeadline(time.Time{})
			if !c.join() {
				return
			}
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) authenticate(msg ClientMessage) bool {
	if msg.Type != "auth" {
		c.queue(NewMessage(MessageTypeAuthFailed, reason("First message must be authentication")))
		return false
	}
	if msg.Token == "" {
		c.queue(NewMessage(MessageTypeAuthFailed, reason("Missing token in auth message")))
		return false
	}

	claims, permissions, err := c.hub.authService.ValidateToken(msg.Token)
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.remoteAddr()))
		c.queue(NewMessage(MessageTypeAuthFailed, reason("Invalid or expired token")))
		return false
	}
	if !auth.HasPermission(permissions, auth.PermOperator) {
		c.queue(NewMessage(MessageTypeAuthFailed, reason("Insufficient permissions")))
		return false
	}

	c.permissions = permissions
	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.remoteAddr()),
		zap.String("username", claims.Username))
	return true
}

func reason(text string) map[string]string {
	return map[string]string{"reason": text}
}

// join registers with the hub and confirms. It fails once the hub stopped.
func (c *Client) join() bool {
	select {
	case c.hub.register <- c:
		c.registered = true
	case <-c.hub.done:
		return false
	}
	c.queue(NewMessage(MessageTypeAuthSuccess, map[string]any{"permissions": c.permissions}))
	return true
}

// leave hands send back to the hub, or closes it when the hub never owned it.
func (c *Client) leave() {
	if !c.registered {
		c.closeSend()
		return
	}
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

// queue sends a direct reply. A full buffer drops it.
func (c *Client) queue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *Client) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		f := events.Filter{Device: msg.Device}
		for _, k := range msg.Kinds {
			f.Kinds = append(f.Kinds, core.EventKind(k))
		}
		c.mu.Lock()
		c.filter = f
		c.paused = false
		c.mu.Unlock()
		c.queue(NewMessage(MessageTypeSubscribed, f))
	case "unsubscribe":
		c.mu.Lock()
		c.paused = true
		c.mu.Unlock()
		c.queue(NewMessage(MessageTypeSubscribed, map[string]bool{"paused": true}))
	default:
		c.queue(NewMessage(MessageTypeError, reason("unknown message type "+msg.Type)))
	}
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// one JSON document per frame
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs handles WebSocket upgrade requests
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	go client.writePump()
	go client.readPump()
}

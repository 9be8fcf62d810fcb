package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/fuomag9/pulsebox/internal/auth"
	"github.com/fuomag9/pulsebox/internal/models"
)

// MessageNotificationCreated is pushed when ingestion stores a new notification
const MessageNotificationCreated = "notification.created"

const sendBuffer = 64

// Message represents a WebSocket message
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Client represents a WebSocket client
type Client struct {
	OwnerID string
	Conn    *websocket.Conn
	Hub     *Hub
	Send    chan []byte
}

// Hub tracks connected clients per owner and pushes messages to them
type Hub struct {
	clients        map[string]map[*Client]struct{}
	register       chan *Client
	unregister     chan *Client
	// done is closed when Run returns
	done           chan struct{}
	mu             sync.RWMutex
	jwtSecret      string
	allowedOrigins []string
	logger         *zap.Logger
}

// NewHub creates a new Hub
func NewHub(jwtSecret string, allowedOrigins []string, logger *zap.Logger) *Hub {
	return &Hub{
		clients:        make(map[string]map[*Client]struct{}),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		done:           make(chan struct{}),
		jwtSecret:      jwtSecret,
		allowedOrigins: allowedOrigins,
		logger:         logger.Named("websocket"),
	}
}

// Run processes registrations until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[client.OwnerID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.OwnerID] = set
			}
			set[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("client connected", zap.String("owner_id", client.OwnerID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", zap.String("owner_id", client.OwnerID))
		}
	}
}

func (h *Hub) removeLocked(client *Client) bool {
	set, ok := h.clients[client.OwnerID]
	if !ok {
		return false
	}
	if _, ok := set[client]; !ok {
		return false
	}
	delete(set, client)
	close(client.Send)
	if len(set) == 0 {
		delete(h.clients, client.OwnerID)
	}
	return true
}

// evictLocked removes client and closes its connection without waiting for
// the close handshake
func (h *Hub) evictLocked(client *Client, code websocket.StatusCode, reason string) {
	if h.removeLocked(client) {
		go client.Conn.Close(code, reason)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.clients {
		for client := range set {
			h.evictLocked(client, websocket.StatusGoingAway, "server shutting down")
		}
	}
}

// ClientCount returns the number of connections for ownerID
func (h *Hub) ClientCount(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[ownerID])
}

// SendToOwner pushes a message to every connection of ownerID. Slow clients
// whose buffer is full are dropped.
func (h *Hub) SendToOwner(ownerID, msgType string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msgJSON, err := json.Marshal(Message{Type: msgType, Payload: payloadJSON})
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients[ownerID] {
		select {
		case client.Send <- msgJSON:
		default:
			h.logger.Warn("dropping slow client", zap.String("owner_id", ownerID))
			h.evictLocked(client, websocket.StatusPolicyViolation, "slow consumer")
		}
	}
	return nil
}

// PublishNotification pushes a newly created notification to its owner
func (h *Hub) PublishNotification(_ context.Context, n *models.Notification) {
	if err := h.SendToOwner(n.OwnerID, MessageNotificationCreated, n); err != nil {
		h.logger.Warn("failed to publish notification", zap.String("notification_id", n.ID), zap.Error(err))
	}
}

// HandleWebSocket authenticates and upgrades a connection
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on websocket requests, so the token may come in the query
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r)
	}

	ownerID, err := auth.ParseToken(h.jwtSecret, token)
	if err != nil {
		h.logger.Debug("connection rejected", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	allowedOrigins := h.allowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"localhost:3000"}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: allowedOrigins,
	})
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		OwnerID: ownerID,
		Conn:    conn,
		Hub:     h,
		Send:    make(chan []byte, sendBuffer),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := context.Background()
	for {
		_, message, err := c.Conn.Read(ctx)
		if err != nil {
			if !isNormalClose(err) {
				c.Hub.logger.Debug("unexpected read error", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		c.handleMessage(msg)
	}
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump() {
	ctx := context.Background()
	for message := range c.Send {
		if err := c.Conn.Write(ctx, websocket.MessageText, message); err != nil {
			if !isNormalClose(err) {
				c.Hub.logger.Debug("unexpected write error", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) handleMessage(msg Message) {
	if msg.Type != "ping" {
		return
	}
	response, _ := json.Marshal(Message{Type: "pong", Payload: json.RawMessage(`{}`)})

	c.Hub.mu.RLock()
	defer c.Hub.mu.RUnlock()
	if _, ok := c.Hub.clients[c.OwnerID][c]; ok {
		select {
		case c.Send <- response:
		default:
		}
	}
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return false
}

package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"linguachat-backend/internal/database"
	"linguachat-backend/internal/fanout"
	"linguachat-backend/pkg/constants"
	"linguachat-backend/pkg/logger"
	"linguachat-backend/pkg/metrics"
)

// PresenceTracker marks users online while they hold a call socket. The
// fan-out path reads the same keys to decide who needs a push instead.
type PresenceTracker interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
	RefreshPresence(ctx context.Context, userID uuid.UUID) error
}

// CallHub manages websocket connections for call channels. Connections are
// grouped by the call's channel token; each token maps to one Redis pub/sub
// subscription shared across its local connections, so events published by
// any service instance reach every connected peer.
type CallHub struct {
	// Registered clients per channel token
	channels map[uuid.UUID]map[*CallClient]bool

	// Cancel functions for channel subscriptions
	subscriptionCancels map[uuid.UUID]context.CancelFunc

	redisClient *database.RedisClient
	presence    PresenceTracker // optional

	mu sync.RWMutex

	register   chan *CallClient
	unregister chan *CallClient
	broadcast  chan *channelMessage

	metrics *metrics.Metrics

	// Concurrency limit for websocket connections
	maxConnections int
	semaphore      chan struct{}
}

// CallClient represents one websocket connection on a call channel
type CallClient struct {
	hub          *CallHub
	conn         *websocket.Conn
	send         chan []byte
	userID       uuid.UUID
	channelToken uuid.UUID
	ctx          context.Context
	cancel       context.CancelFunc

	// release frees the connection slot; runs once on removal
	release func()
}

// channelMessage is a decoded envelope queued for local delivery
type channelMessage struct {
	channelToken uuid.UUID
	recipients   []uuid.UUID
	senderID     uuid.UUID
	raw          []byte
}

var callUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Reject empty origins, require explicit origin for security
			return false
		}
		for _, allowed := range allowedOrigins() {
			if origin == allowed {
				return true
			}
		}
		return false
	},
}

// allowedOrigins reads the websocket origin allowlist from the environment
func allowedOrigins() []string {
	raw := os.Getenv("WS_ALLOWED_ORIGINS")
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// NewCallHub creates a new call hub. presence may be nil.
func NewCallHub(redisClient *database.RedisClient, presence PresenceTracker, m *metrics.Metrics) *CallHub {
	maxConns := 1000
	if val := os.Getenv("WS_MAX_CALL_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	hub := &CallHub{
		channels:            make(map[uuid.UUID]map[*CallClient]bool),
		subscriptionCancels: make(map[uuid.UUID]context.CancelFunc),
		redisClient:         redisClient,
		presence:            presence,
		register:            make(chan *CallClient),
		unregister:          make(chan *CallClient),
		broadcast:           make(chan *channelMessage, 256),
		metrics:             m,
		maxConnections:      maxConns,
		semaphore:           make(chan struct{}, maxConns),
	}

	go hub.run()

	return hub
}

// run handles hub operations
func (h *CallHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.channels[client.channelToken] == nil {
				h.channels[client.channelToken] = make(map[*CallClient]bool)

				ctx, cancel := context.WithCancel(context.Background())
				h.subscriptionCancels[client.channelToken] = cancel

				go h.subscribeToChannel(ctx, client.channelToken)
			}
			h.channels[client.channelToken][client] = true
			h.mu.Unlock()

			if h.metrics != nil {
				h.metrics.IncrementWebsocketConnections()
			}
			if h.presence != nil {
				if err := h.presence.SetUserOnline(context.Background(), client.userID); err != nil {
					logger.Warn("Failed to mark user online",
						zap.String("user_id", client.userID.String()),
						zap.Error(err))
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeClientLocked(client)
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.deliverLocal(message)
		}
	}
}

// removeClientLocked drops a client and, when it was the channel's last
// local listener, tears down the Redis subscription. Callers hold h.mu.
func (h *CallHub) removeClientLocked(client *CallClient) {
	clients, ok := h.channels[client.channelToken]
	if !ok {
		return
	}
	if _, exists := clients[client]; !exists {
		return
	}

	delete(clients, client)
	close(client.send)
	client.cancel()
	if client.release != nil {
		client.release()
	}

	if h.metrics != nil {
		h.metrics.DecrementWebsocketConnections()
	}
	if h.presence != nil {
		if err := h.presence.SetUserOffline(context.Background(), client.userID); err != nil {
			logger.Warn("Failed to mark user offline",
				zap.String("user_id", client.userID.String()),
				zap.Error(err))
		}
	}

	if len(clients) == 0 {
		if cancel, ok := h.subscriptionCancels[client.channelToken]; ok {
			cancel()
			delete(h.subscriptionCancels, client.channelToken)
		}
		delete(h.channels, client.channelToken)
	}
}

// deliverLocal fans a message out to the locally connected recipients.
// Takes the write lock because slow consumers are dropped inline.
func (h *CallHub) deliverLocal(message *channelMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.channels[message.channelToken]
	if !ok {
		return
	}

	for client := range clients {
		if client.userID == message.senderID {
			continue
		}
		if len(message.recipients) > 0 && !containsID(message.recipients, client.userID) {
			continue
		}
		select {
		case client.send <- message.raw:
			if h.metrics != nil {
				h.metrics.RecordWebsocketMessage("outbound")
			}
		default:
			// Slow consumer, drop the connection with full teardown
			h.removeClientLocked(client)
		}
	}
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// subscribeToChannel bridges the call's Redis channel into the hub
func (h *CallHub) subscribeToChannel(ctx context.Context, channelToken uuid.UUID) {
	pubsub := h.redisClient.SafeSubscribe(ctx, fanout.ChannelName(channelToken))
	if pubsub == nil {
		logger.Warn("Call channel subscription skipped, Redis degraded",
			zap.String("channel_token", channelToken.String()))
		return
	}
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		logger.Error("Failed to subscribe to call channel",
			zap.String("channel_token", channelToken.String()),
			zap.Error(err))
		return
	}

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			if msg == nil {
				continue
			}

			var envelope fanout.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				logger.Warn("Malformed call channel message",
					zap.String("channel_token", channelToken.String()),
					zap.Error(err))
				continue
			}

			h.broadcast <- &channelMessage{
				channelToken: channelToken,
				recipients:   envelope.Recipients,
				raw:          []byte(msg.Payload),
			}
		}
	}
}

// ServeWS upgrades the request and attaches the connection to its call
// channel. The channel token comes from the session record returned by the
// call endpoints.
func (h *CallHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	// The slot is held for the connection's lifetime; ownership passes to
	// the hub on registration and is released during client removal
	registered := false
	defer func() {
		if !registered {
			<-h.semaphore
		}
	}()

	tokenStr := c.Query("channel_token")
	if tokenStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel_token required"})
		return
	}

	channelToken, err := uuid.Parse(tokenStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel_token"})
		return
	}

	userIDVal, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	conn, err := callUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("channel_token", channelToken.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &CallClient{
		hub:          h,
		conn:         conn,
		send:         make(chan []byte, 256),
		userID:       userID,
		channelToken: channelToken,
		ctx:          ctx,
		cancel:       cancel,
		release:      func() { <-h.semaphore },
	}

	client.hub.register <- client
	registered = true

	go client.writePump()
	go client.readPump()
}

// readPump reads frames from the socket. Clients may publish peer signaling
// frames (offers, answers, ICE candidates) onto the channel; the hub relays
// them through Redis so peers on other instances receive them too.
func (c *CallClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		// The pong doubles as the presence heartbeat
		if c.hub.presence != nil {
			if err := c.hub.presence.RefreshPresence(c.ctx, c.userID); err != nil {
				logger.Warn("Failed to refresh presence",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("channel_token", c.channelToken.String()),
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			break
		}

		var envelope fanout.Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			logger.Warn("Invalid frame from WebSocket",
				zap.String("channel_token", c.channelToken.String()),
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			continue
		}

		if c.hub.metrics != nil {
			c.hub.metrics.RecordWebsocketMessage("inbound")
		}

		relay, err := json.Marshal(envelope)
		if err != nil {
			continue
		}
		if err := c.hub.redisClient.SafePublish(c.ctx, fanout.ChannelName(c.channelToken), relay).Err(); err != nil {
			logger.Warn("Failed to relay channel frame",
				zap.String("channel_token", c.channelToken.String()),
				zap.Error(err))
		}
	}
}

// writePump writes messages to the socket
func (c *CallClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package ws

import (
	"encoding/json"
	"fmt"
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

	"wavelink-backend/internal/domain"
	"wavelink-backend/internal/service/registry"
	"wavelink-backend/internal/service/router"
	"wavelink-backend/pkg/logger"
)

const (
	pingInterval = 54 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
)

// RealtimeHandler upgrades authenticated HTTP requests to WebSocket
// sessions and bridges them into the connection registry and the event
// router. One socket per device; a user may hold several at once.
type RealtimeHandler struct {
	registry *registry.Service
	router   *router.Service

	// Concurrency limit for simultaneous WebSocket connections
	maxConnections int
	semaphore      chan struct{}
}

// NewRealtimeHandler creates the WebSocket handler
func NewRealtimeHandler(reg *registry.Service, rt *router.Service) *RealtimeHandler {
	maxConns := 10000
	if val := os.Getenv("WS_MAX_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	return &RealtimeHandler{
		registry:       reg,
		router:         rt,
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

var realtimeUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Require an explicit origin
			return false
		}
		_, ok := allowedOrigins()[origin]
		return ok
	},
}

// allowedOrigins returns the origin allowlist: localhost defaults plus
// CORS_ALLOWED_ORIGINS (comma-separated).
func allowedOrigins() map[string]struct{} {
	allowed := map[string]struct{}{
		"http://localhost:3000": {},
		"http://localhost:8080": {},
		"http://127.0.0.1:3000": {},
		"http://127.0.0.1:8080": {},
	}
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			allowed[strings.TrimSpace(origin)] = struct{}{}
		}
	}
	return allowed
}

// ServeWS handles WebSocket upgrade requests on the realtime endpoint
func (h *RealtimeHandler) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	// Set by the auth middleware from the verified token
	userIDVal, exists := c.Get("user_id")
	if !exists {
		<-h.semaphore
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		<-h.semaphore
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	conn, err := realtimeUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	client := &Client{
		handler: h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		userID:  userID,
		closed:  make(chan struct{}),
	}

	connID, err := h.registry.Register(userID, client)
	if err != nil {
		<-h.semaphore
		conn.Close()
		logger.Warn("Connection registration failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}
	client.connID = connID

	go client.writePump()
	go client.readPump()
}

// Client represents one WebSocket connection; it implements
// registry.Handle so the registry can fan events out to it.
type Client struct {
	handler *RealtimeHandler
	conn    *websocket.Conn
	send    chan []byte
	userID  uuid.UUID
	connID  uuid.UUID

	closeOnce sync.Once
	closed    chan struct{}
}

// Deliver implements registry.Handle. It never blocks: a peer that
// cannot drain its send buffer is reported dead and dropped.
func (c *Client) Deliver(event *domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	select {
	case <-c.closed:
		return fmt.Errorf("connection closed")
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Close implements registry.Handle
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// readPump reads client events from the WebSocket and submits them to
// the router. Transport close triggers unregistration, which drives the
// offline notification path.
func (c *Client) readPump() {
	defer func() {
		c.handler.registry.Unregister(c.connID)
		c.Close()
		c.conn.Close()
		<-c.handler.semaphore
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("connection_id", c.connID.String()),
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			break
		}

		var event domain.Event
		if err := json.Unmarshal(message, &event); err != nil {
			logger.Warn("Invalid message format from WebSocket",
				zap.String("connection_id", c.connID.String()),
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			continue
		}

		c.handler.router.Submit(c.connID, c.userID, &event)
	}
}

// writePump writes queued events to the WebSocket and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

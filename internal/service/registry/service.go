package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wavelink-backend/internal/domain"
	"wavelink-backend/pkg/errors"
	"wavelink-backend/pkg/logger"
	"wavelink-backend/pkg/metrics"
)

// Handle is the transport side of a registered connection. Deliver must
// not block: the WebSocket layer backs it with a buffered channel and
// reports an error when the peer cannot keep up.
type Handle interface {
	Deliver(event *domain.Event) error
	Close()
}

// Listener is notified when a user gains their first or loses their last
// live connection. Notifications fire synchronously on the goroutine
// driving the registry mutation, outside the registry lock.
type Listener interface {
	UserOnline(userID uuid.UUID)
	UserOffline(userID uuid.UUID)
}

type connection struct {
	domain.Connection
	handle Handle
}

// Service is the connection registry: it owns the user -> connection-set
// mapping and performs per-connection fan-out. Delivery is fire-and-forget;
// a dead connection is discovered on delivery failure or transport close
// and removed.
type Service struct {
	mu        sync.RWMutex
	conns     map[uuid.UUID]*connection
	byUser    map[uuid.UUID]map[uuid.UUID]*connection
	byHandle  map[Handle]uuid.UUID
	listeners []Listener
}

// NewService creates an empty registry
func NewService() *Service {
	return &Service{
		conns:    make(map[uuid.UUID]*connection),
		byUser:   make(map[uuid.UUID]map[uuid.UUID]*connection),
		byHandle: make(map[Handle]uuid.UUID),
	}
}

// AddListener subscribes a listener to online/offline notifications.
// Must be called during wiring, before connections arrive.
func (s *Service) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

// Register adds a live connection for userID and returns its connection ID.
// Registering the same handle twice fails with DuplicateConnection.
func (s *Service) Register(userID uuid.UUID, handle Handle) (uuid.UUID, error) {
	s.mu.Lock()

	if _, exists := s.byHandle[handle]; exists {
		s.mu.Unlock()
		return uuid.Nil, errors.DuplicateConnectionError()
	}

	conn := &connection{
		Connection: domain.Connection{
			ConnectionID: uuid.New(),
			UserID:       userID,
			ConnectedAt:  time.Now(),
		},
		handle: handle,
	}

	s.conns[conn.ConnectionID] = conn
	if s.byUser[userID] == nil {
		s.byUser[userID] = make(map[uuid.UUID]*connection)
	}
	s.byUser[userID][conn.ConnectionID] = conn
	s.byHandle[handle] = conn.ConnectionID
	first := len(s.byUser[userID]) == 1

	s.mu.Unlock()

	metrics.RealtimeConnectionsActive.Inc()
	if first {
		metrics.RealtimeUsersOnline.Inc()
	}

	logger.Debug("Connection registered",
		zap.String("connection_id", conn.ConnectionID.String()),
		zap.String("user_id", userID.String()))

	if first {
		for _, l := range s.listeners {
			l.UserOnline(userID)
		}
	}

	return conn.ConnectionID, nil
}

// Unregister removes a connection. Unregistering an unknown connection is
// a no-op. When the user's last connection goes away, listeners receive a
// UserOffline notification.
func (s *Service) Unregister(connID uuid.UUID) {
	s.mu.Lock()

	conn, ok := s.conns[connID]
	if !ok {
		s.mu.Unlock()
		return
	}

	delete(s.conns, connID)
	delete(s.byHandle, conn.handle)
	delete(s.byUser[conn.UserID], connID)
	last := len(s.byUser[conn.UserID]) == 0
	if last {
		delete(s.byUser, conn.UserID)
	}

	s.mu.Unlock()

	metrics.RealtimeConnectionsActive.Dec()
	if last {
		metrics.RealtimeUsersOnline.Dec()
	}

	logger.Debug("Connection unregistered",
		zap.String("connection_id", connID.String()),
		zap.String("user_id", conn.UserID.String()))

	if last {
		for _, l := range s.listeners {
			l.UserOffline(conn.UserID)
		}
	}
}

// Send delivers an event to every live connection of userID and returns
// the number of connections reached. Zero means the user is offline;
// whether that is an error is the caller's decision. Connections that
// fail delivery are dropped.
func (s *Service) Send(userID uuid.UUID, event *domain.Event) int {
	s.mu.RLock()
	targets := make([]*connection, 0, len(s.byUser[userID]))
	for _, conn := range s.byUser[userID] {
		targets = append(targets, conn)
	}
	s.mu.RUnlock()

	reached := 0
	for _, conn := range targets {
		if err := conn.handle.Deliver(event); err != nil {
			logger.Warn("Dropping dead connection on failed delivery",
				zap.String("connection_id", conn.ConnectionID.String()),
				zap.String("user_id", userID.String()),
				zap.Error(err))
			// Cleanup happens off this goroutine: Send is called from
			// inside manager critical sections and the offline listener
			// callbacks must not re-enter them.
			go s.Unregister(conn.ConnectionID)
			continue
		}
		reached++
	}

	return reached
}

// SendTo delivers an event to a single connection, used for error replies
// to the originating connection only.
func (s *Service) SendTo(connID uuid.UUID, event *domain.Event) bool {
	s.mu.RLock()
	conn, ok := s.conns[connID]
	s.mu.RUnlock()

	if !ok {
		return false
	}

	if err := conn.handle.Deliver(event); err != nil {
		go s.Unregister(connID)
		return false
	}
	return true
}

// OwnerOf returns the user owning a connection
func (s *Service) OwnerOf(connID uuid.UUID) (uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[connID]
	if !ok {
		return uuid.Nil, false
	}
	return conn.UserID, true
}

// ConnectionsOf returns a snapshot of the user's live connection IDs
func (s *Service) ConnectionsOf(userID uuid.UUID) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		ids = append(ids, id)
	}
	return ids
}

// IsOnline reports whether the user owns at least one live connection
func (s *Service) IsOnline(userID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser[userID]) > 0
}

// Shutdown closes every live connection and clears the registry
func (s *Service) Shutdown() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.conns = make(map[uuid.UUID]*connection)
	s.byUser = make(map[uuid.UUID]map[uuid.UUID]*connection)
	s.byHandle = make(map[Handle]uuid.UUID)
	s.mu.Unlock()

	for _, conn := range conns {
		conn.handle.Close()
		metrics.RealtimeConnectionsActive.Dec()
	}
}

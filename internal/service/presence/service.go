package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wavelink-backend/internal/domain"
	"wavelink-backend/pkg/logger"
	"wavelink-backend/pkg/metrics"
)

// Broadcaster fans an event out to all live connections of a user
type Broadcaster interface {
	Send(userID uuid.UUID, event *domain.Event) int
	IsOnline(userID uuid.UUID) bool
}

// Guard is the block policy check applied before any outbound event
type Guard interface {
	CanDeliver(ctx context.Context, fromID, toID uuid.UUID) bool
}

// Directory supplies the contact list interested in a user's presence
type Directory interface {
	GetContacts(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// Mirror reflects presence flips into an external store for sibling
// services. Optional; failures are logged and ignored.
type Mirror interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
}

// Dispatcher re-enters deferred work into the router's dispatch loop
type Dispatcher interface {
	Post(event *domain.Event)
}

// Service derives presence from registry notifications. The offline flip
// is debounced: a tab refresh reconnects within the window and observers
// never see the status flap. Typing events relay to the target only,
// gated by the block guard.
type Service struct {
	mu            sync.Mutex
	states        map[uuid.UUID]*domain.PresenceState
	offlineTimers map[uuid.UUID]*time.Timer

	registry   Broadcaster
	guard      Guard
	directory  Directory
	mirror     Mirror
	dispatcher Dispatcher

	debounce time.Duration
}

// NewService creates a presence tracker. mirror may be nil.
func NewService(registry Broadcaster, guard Guard, directory Directory, mirror Mirror, debounce time.Duration) *Service {
	return &Service{
		states:        make(map[uuid.UUID]*domain.PresenceState),
		offlineTimers: make(map[uuid.UUID]*time.Timer),
		registry:      registry,
		guard:         guard,
		directory:     directory,
		mirror:        mirror,
		debounce:      debounce,
	}
}

// SetDispatcher wires the router in after construction; the router and
// the tracker reference each other.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// UserOnline implements registry.Listener. Fires when a user gains their
// first live connection.
func (s *Service) UserOnline(userID uuid.UUID) {
	s.mu.Lock()
	if timer, ok := s.offlineTimers[userID]; ok {
		timer.Stop()
		delete(s.offlineTimers, userID)
	}

	state, ok := s.states[userID]
	if !ok {
		state = &domain.PresenceState{
			UserID:   userID,
			Status:   domain.PresenceStatusOffline,
			TypingTo: make(map[uuid.UUID]struct{}),
		}
		s.states[userID] = state
	}

	wasOnline := state.Status == domain.PresenceStatusOnline
	state.Status = domain.PresenceStatusOnline
	state.LastSeenAt = time.Now()
	s.mu.Unlock()

	if wasOnline {
		// Reconnect inside the debounce window; observers saw no flap.
		return
	}

	ctx := context.Background()
	if s.mirror != nil {
		if err := s.mirror.SetUserOnline(ctx, userID); err != nil {
			logger.Warn("Failed to mirror online state",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}

	s.broadcastChange(ctx, userID, true)
}

// UserOffline implements registry.Listener. Fires when a user loses their
// last live connection; the visible flip is deferred by the debounce
// window via the router loop.
func (s *Service) UserOffline(userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.offlineTimers[userID]; ok {
		timer.Stop()
	}

	s.offlineTimers[userID] = time.AfterFunc(s.debounce, func() {
		if s.dispatcher == nil {
			return
		}
		s.dispatcher.Post(&domain.Event{
			Kind:      domain.EventOfflineTimeout,
			UserID:    userID,
			Timestamp: time.Now(),
		})
	})
}

// ConfirmOffline applies a debounced offline flip. Called by the router
// when the offline timeout event comes back around; a user that
// reconnected in the meantime stays online.
func (s *Service) ConfirmOffline(ctx context.Context, userID uuid.UUID) {
	s.mu.Lock()
	delete(s.offlineTimers, userID)

	if s.registry.IsOnline(userID) {
		s.mu.Unlock()
		return
	}

	state, ok := s.states[userID]
	if !ok || state.Status == domain.PresenceStatusOffline {
		s.mu.Unlock()
		return
	}

	state.Status = domain.PresenceStatusOffline
	state.LastSeenAt = time.Now()
	state.TypingTo = make(map[uuid.UUID]struct{})
	s.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.SetUserOffline(ctx, userID); err != nil {
			logger.Warn("Failed to mirror offline state",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}

	s.broadcastChange(ctx, userID, false)
}

// SetTyping updates the typing relation and relays a typing event to the
// target only. A blocked pair drops the event without surfacing anything
// to the sender. No dedup: clients debounce keystroke bursts themselves.
func (s *Service) SetTyping(ctx context.Context, userID, targetID uuid.UUID, isTyping bool) {
	s.mu.Lock()
	if state, ok := s.states[userID]; ok {
		if isTyping {
			state.TypingTo[targetID] = struct{}{}
		} else {
			delete(state.TypingTo, targetID)
		}
	}
	s.mu.Unlock()

	if !s.guard.CanDeliver(ctx, userID, targetID) {
		metrics.BlockedDeliveriesTotal.Inc()
		return
	}

	s.registry.Send(targetID, &domain.Event{
		Kind:      domain.EventTyping,
		UserID:    userID,
		IsTyping:  isTyping,
		Timestamp: time.Now(),
	})
}

// Status returns the tracked status for a user, offline when untracked
func (s *Service) Status(userID uuid.UUID) domain.PresenceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.states[userID]; ok {
		return state.Status
	}
	return domain.PresenceStatusOffline
}

// Shutdown stops all pending offline timers
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for userID, timer := range s.offlineTimers {
		timer.Stop()
		delete(s.offlineTimers, userID)
	}
}

// broadcastChange notifies the user's contacts of a presence flip, each
// delivery gated by the block guard.
func (s *Service) broadcastChange(ctx context.Context, userID uuid.UUID, online bool) {
	contacts, err := s.directory.GetContacts(ctx, userID)
	if err != nil {
		logger.Warn("Failed to load contacts for presence broadcast",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	event := &domain.Event{
		Kind:      domain.EventPresenceChanged,
		UserID:    userID,
		Online:    online,
		Timestamp: time.Now(),
	}

	for _, contactID := range contacts {
		if !s.guard.CanDeliver(ctx, userID, contactID) {
			metrics.BlockedDeliveriesTotal.Inc()
			continue
		}
		s.registry.Send(contactID, event)
	}
}

package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wavelink-backend/internal/domain"
	"wavelink-backend/pkg/errors"
	"wavelink-backend/pkg/logger"
	"wavelink-backend/pkg/metrics"
)

// Registry is the slice of the connection registry the router needs
type Registry interface {
	SendTo(connID uuid.UUID, event *domain.Event) bool
}

// PresenceTracker handles typing relay and debounced offline confirmation
type PresenceTracker interface {
	SetTyping(ctx context.Context, userID, targetID uuid.UUID, isTyping bool)
	ConfirmOffline(ctx context.Context, userID uuid.UUID)
}

// CallManager owns the call lifecycle operations
type CallManager interface {
	Initiate(ctx context.Context, callerID, receiverID uuid.UUID, callType domain.CallType) (uuid.UUID, error)
	Accept(ctx context.Context, callID, userID uuid.UUID) error
	Reject(ctx context.Context, callID, userID uuid.UUID) error
	Hangup(ctx context.Context, callID, userID uuid.UUID) error
	Invite(ctx context.Context, callID, inviterID, newUserID uuid.UUID) error
	RelaySignal(ctx context.Context, callID, fromID uuid.UUID, payload []byte) error
	HandleRingTimeout(ctx context.Context, callID uuid.UUID)
}

// envelope pairs an event with the authenticated connection it arrived
// on. Internal events (timers) carry a nil connection.
type envelope struct {
	connID uuid.UUID
	userID uuid.UUID
	event  *domain.Event
}

// Service is the single dispatch point for all real-time traffic. One
// goroutine consumes the event queue, so each event is fully processed
// (state mutation plus all outbound sends) before the next one starts,
// and events from the same connection apply in arrival order.
type Service struct {
	events chan *envelope
	quit   chan struct{}
	once   sync.Once
	done   chan struct{}

	registry Registry
	presence PresenceTracker
	calls    CallManager
}

// NewService creates an event router
func NewService(registry Registry, presence PresenceTracker, calls CallManager) *Service {
	return &Service{
		events:   make(chan *envelope, 256),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		registry: registry,
		presence: presence,
		calls:    calls,
	}
}

// Run consumes the event queue until Stop is called. Meant to run on its
// own goroutine.
func (s *Service) Run() {
	defer close(s.done)
	for {
		select {
		case env := <-s.events:
			s.dispatch(env)
		case <-s.quit:
			return
		}
	}
}

// Stop shuts the dispatch loop down and waits for it to drain the event
// in flight.
func (s *Service) Stop() {
	s.once.Do(func() {
		close(s.quit)
	})
	<-s.done
}

// Submit enqueues an inbound client event. connID must identify a
// registered connection; userID is the connection's authenticated owner.
func (s *Service) Submit(connID, userID uuid.UUID, event *domain.Event) {
	select {
	case s.events <- &envelope{connID: connID, userID: userID, event: event}:
	case <-s.quit:
	}
}

// Post enqueues an internal event (ring timeout, offline debounce)
func (s *Service) Post(event *domain.Event) {
	select {
	case s.events <- &envelope{event: event}:
	case <-s.quit:
	}
}

func (s *Service) dispatch(env *envelope) {
	ctx := context.Background()
	event := env.event

	// Internal events bypass identity checks; they originate in-process.
	if env.connID == uuid.Nil {
		switch event.Kind {
		case domain.EventRingTimeout:
			s.calls.HandleRingTimeout(ctx, event.CallID)
		case domain.EventOfflineTimeout:
			s.presence.ConfirmOffline(ctx, event.UserID)
		default:
			logger.Warn("Dropping unexpected internal event",
				zap.String("kind", string(event.Kind)))
		}
		return
	}

	if !domain.ClientKind(event.Kind) {
		s.reject(env, errors.InvalidInputError("unknown event kind"))
		return
	}

	// Never trust a client-supplied identity that does not match the
	// connection's registered owner.
	if event.UserID != uuid.Nil && event.UserID != env.userID {
		s.reject(env, errors.IdentityMismatchError())
		return
	}
	event.UserID = env.userID

	var err error
	switch event.Kind {
	case domain.EventCallInitiate:
		if event.ReceiverID == uuid.Nil {
			err = errors.InvalidInputError("receiver_id is required")
			break
		}
		var callID uuid.UUID
		callID, err = s.calls.Initiate(ctx, env.userID, event.ReceiverID, event.CallType)
		if err == nil {
			// Ack to the originating connection so the caller learns the
			// call ID it needs for hangup and early signal relay.
			s.registry.SendTo(env.connID, &domain.Event{
				Kind:       domain.EventCallRinging,
				CallID:     callID,
				ReceiverID: event.ReceiverID,
				CallType:   event.CallType,
				Timestamp:  time.Now(),
			})
		}

	case domain.EventCallAccept:
		err = s.calls.Accept(ctx, event.CallID, env.userID)

	case domain.EventCallReject:
		err = s.calls.Reject(ctx, event.CallID, env.userID)

	case domain.EventCallHangup:
		err = s.calls.Hangup(ctx, event.CallID, env.userID)

	case domain.EventCallInvite:
		if event.TargetID == uuid.Nil {
			err = errors.InvalidInputError("target_id is required")
			break
		}
		err = s.calls.Invite(ctx, event.CallID, env.userID, event.TargetID)

	case domain.EventCallSignal:
		err = s.calls.RelaySignal(ctx, event.CallID, env.userID, event.Payload)

	case domain.EventTyping:
		if event.TargetID == uuid.Nil {
			err = errors.InvalidInputError("target_id is required")
			break
		}
		s.presence.SetTyping(ctx, env.userID, event.TargetID, event.IsTyping)
	}

	if err != nil {
		s.reject(env, err)
		return
	}

	metrics.RealtimeEventsTotal.WithLabelValues(string(event.Kind), "ok").Inc()
}

// reject reports a failure to the originating connection only; it is
// never broadcast. A blocked-participant failure is masked behind a
// generic code so the reply cannot confirm block state.
func (s *Service) reject(env *envelope, err error) {
	code := errors.CodeOf(err)

	metrics.RealtimeEventsTotal.WithLabelValues(string(env.event.Kind), "rejected").Inc()
	metrics.RealtimeEventErrorsTotal.WithLabelValues(string(code)).Inc()

	logger.Debug("Event rejected",
		zap.String("kind", string(env.event.Kind)),
		zap.String("user_id", env.userID.String()),
		zap.String("code", string(code)))

	if code == errors.ErrCodeBlockedParticipant {
		code = errors.ErrCodeInternal
	}

	s.registry.SendTo(env.connID, &domain.Event{
		Kind:      domain.EventError,
		CallID:    env.event.CallID,
		Reason:    string(code),
		Timestamp: time.Now(),
	})
}

package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wavelink-backend/internal/domain"
	"wavelink-backend/pkg/cache"
	"wavelink-backend/pkg/errors"
	"wavelink-backend/pkg/logger"
	"wavelink-backend/pkg/metrics"
)

// Broadcaster fans an event out to all live connections of a user
type Broadcaster interface {
	Send(userID uuid.UUID, event *domain.Event) int
}

// Guard is the block policy check applied before any outbound event
type Guard interface {
	CanDeliver(ctx context.Context, fromID, toID uuid.UUID) bool
}

// HistoryStore receives finished sessions. Writes are fire-and-forget:
// a failure is logged and never blocks live signaling.
type HistoryStore interface {
	PersistCall(ctx context.Context, call *domain.CallSession) error
}

// Notifier dispatches push notifications for users without a live connection
type Notifier interface {
	MissedCall(ctx context.Context, callID, callerID, receiverID uuid.UUID, callType string)
	IncomingCall(ctx context.Context, callID, callerID, receiverID uuid.UUID, callType string)
}

// Dispatcher re-enters deferred work into the router's dispatch loop
type Dispatcher interface {
	Post(event *domain.Event)
}

// Service owns all live call sessions and their state machines.
// Transitions are validated under one lock at the moment they apply, so
// racing operations (accept vs ring timeout, two tabs hanging up) settle
// first-writer-wins and the loser gets InvalidTransition, never a panic.
// endedRetention is how long a finished call ID stays distinguishable
// from one that never existed, so operations racing a terminal
// transition report InvalidTransition rather than CallNotFound.
const endedRetention = time.Minute

type Service struct {
	mu         sync.Mutex
	sessions   map[uuid.UUID]*domain.CallSession
	ringTimers map[uuid.UUID]*time.Timer
	ended      *cache.MemoryCache

	registry   Broadcaster
	guard      Guard
	history    HistoryStore
	notifier   Notifier
	dispatcher Dispatcher

	ringTimeout time.Duration
}

// NewService creates a call session manager. notifier may be nil.
func NewService(registry Broadcaster, guard Guard, history HistoryStore, notifier Notifier, ringTimeout time.Duration) *Service {
	return &Service{
		sessions:    make(map[uuid.UUID]*domain.CallSession),
		ringTimers:  make(map[uuid.UUID]*time.Timer),
		ended:       cache.NewMemoryCache(endedRetention, 10_000),
		registry:    registry,
		guard:       guard,
		history:     history,
		notifier:    notifier,
		ringTimeout: ringTimeout,
	}
}

// SetDispatcher wires the router in after construction
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// Initiate starts a call from callerID to receiverID. The block check
// runs before any state is allocated: a blocked attempt leaves no trace.
// If the receiver has no live connection the session goes straight to
// missed and the push dispatcher takes over.
func (s *Service) Initiate(ctx context.Context, callerID, receiverID uuid.UUID, callType domain.CallType) (uuid.UUID, error) {
	if callerID == receiverID {
		return uuid.Nil, errors.InvalidInputError("cannot call yourself")
	}
	if callType != domain.CallTypeAudio && callType != domain.CallTypeVideo {
		return uuid.Nil, errors.InvalidInputError("unknown call type")
	}

	if !s.guard.CanDeliver(ctx, callerID, receiverID) {
		return uuid.Nil, errors.BlockedParticipantError()
	}

	session := &domain.CallSession{
		CallID:     uuid.New(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		Participants: map[uuid.UUID]struct{}{
			callerID:   {},
			receiverID: {},
		},
		CallType:  callType,
		State:     domain.CallStateRinging,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.sessions[session.CallID] = session
	metrics.CallsActive.Inc()

	reached := s.registry.Send(receiverID, &domain.Event{
		Kind:      domain.EventCallIncoming,
		CallID:    session.CallID,
		UserID:    callerID,
		CallType:  callType,
		Timestamp: time.Now(),
	})

	if reached == 0 {
		// Receiver offline: no ring, straight to missed. The caller's UI
		// is not signaled mid-ring; the missed call is recorded and the
		// push dispatcher reaches the receiver's devices.
		session.State = domain.CallStateMissed
		session.EndReason = domain.EndReasonUnreachable
		s.finalizeLocked(session)
		s.mu.Unlock()

		if s.notifier != nil {
			s.notifier.MissedCall(ctx, session.CallID, callerID, receiverID, string(callType))
		}
		return session.CallID, nil
	}

	callID := session.CallID
	s.ringTimers[callID] = time.AfterFunc(s.ringTimeout, func() {
		if s.dispatcher == nil {
			return
		}
		s.dispatcher.Post(&domain.Event{
			Kind:      domain.EventRingTimeout,
			CallID:    callID,
			Timestamp: time.Now(),
		})
	})
	s.mu.Unlock()

	logger.Info("Call initiated",
		zap.String("call_id", callID.String()),
		zap.String("caller_id", callerID.String()),
		zap.String("receiver_id", receiverID.String()),
		zap.String("call_type", string(callType)))

	return callID, nil
}

// lookupLocked resolves a call ID against the live table. A recently
// finished call reports InvalidTransition so the loser of a race against
// a terminal transition is told the call ended, not that it never was.
func (s *Service) lookupLocked(callID uuid.UUID) (*domain.CallSession, error) {
	if session, ok := s.sessions[callID]; ok {
		return session, nil
	}
	if _, finished := s.ended.Get(callID.String()); finished {
		return nil, errors.InvalidTransitionError("call already ended")
	}
	return nil, errors.CallNotFoundError()
}

// Accept transitions a ringing call to ongoing. Only the pending receiver
// may accept.
func (s *Service) Accept(ctx context.Context, callID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.lookupLocked(callID)
	if err != nil {
		return err
	}
	if userID != session.ReceiverID {
		if !session.HasParticipant(userID) {
			return errors.NotAParticipantError()
		}
		return errors.InvalidTransitionError("only the receiver can accept")
	}
	if session.State != domain.CallStateRinging {
		return errors.InvalidTransitionError("call is not ringing")
	}

	s.cancelRingTimerLocked(callID)

	now := time.Now()
	session.State = domain.CallStateOngoing
	session.StartedAt = &now

	s.relayLocked(ctx, session, userID, &domain.Event{
		Kind:      domain.EventCallAccepted,
		CallID:    callID,
		UserID:    userID,
		Timestamp: now,
	}, true)

	logger.Info("Call accepted",
		zap.String("call_id", callID.String()),
		zap.String("user_id", userID.String()))

	return nil
}

// Reject declines a ringing call; the session ends missed and the caller
// is told why.
func (s *Service) Reject(ctx context.Context, callID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.lookupLocked(callID)
	if err != nil {
		return err
	}
	if userID != session.ReceiverID {
		if !session.HasParticipant(userID) {
			return errors.NotAParticipantError()
		}
		return errors.InvalidTransitionError("only the receiver can reject")
	}
	if session.State != domain.CallStateRinging {
		return errors.InvalidTransitionError("call is not ringing")
	}

	s.cancelRingTimerLocked(callID)

	session.State = domain.CallStateMissed
	session.EndReason = domain.EndReasonRejected

	s.sendGuarded(ctx, userID, session.CallerID, &domain.Event{
		Kind:      domain.EventCallEnded,
		CallID:    callID,
		Reason:    domain.EndReasonRejected,
		Timestamp: time.Now(),
	})

	s.finalizeLocked(session)
	return nil
}

// HandleRingTimeout fires when a ringing call was never answered. A call
// that already left ringing (accept or reject won the race) is untouched.
func (s *Service) HandleRingTimeout(ctx context.Context, callID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[callID]
	if !ok || session.State != domain.CallStateRinging {
		return
	}

	delete(s.ringTimers, callID)

	session.State = domain.CallStateMissed
	session.EndReason = domain.EndReasonTimeout

	s.sendGuarded(ctx, session.ReceiverID, session.CallerID, &domain.Event{
		Kind:      domain.EventCallEnded,
		CallID:    callID,
		Reason:    domain.EndReasonTimeout,
		Timestamp: time.Now(),
	})

	s.finalizeLocked(session)

	if s.notifier != nil {
		s.notifier.MissedCall(ctx, session.CallID, session.CallerID, session.ReceiverID, string(session.CallType))
	}

	logger.Info("Call timed out",
		zap.String("call_id", callID.String()))
}

// Hangup removes userID from the call. A 1:1 call always ends; a group
// call ends when one active member would remain.
func (s *Service) Hangup(ctx context.Context, callID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hangupLocked(ctx, callID, userID, false)
}

// UserOnline implements registry.Listener; the call manager only cares
// about disconnects.
func (s *Service) UserOnline(uuid.UUID) {}

// UserOffline implements registry.Listener: a participant whose last
// connection dropped is treated as an implicit hangup, so the other side
// never holds a dead leg. The visible presence flip stays debounced; live
// calls are cleaned up immediately.
func (s *Service) UserOffline(userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected []uuid.UUID
	for callID, session := range s.sessions {
		if session.HasParticipant(userID) {
			affected = append(affected, callID)
		}
	}

	ctx := context.Background()
	for _, callID := range affected {
		if err := s.hangupLocked(ctx, callID, userID, true); err != nil {
			logger.Debug("Implicit hangup skipped",
				zap.String("call_id", callID.String()),
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}
}

func (s *Service) hangupLocked(ctx context.Context, callID, userID uuid.UUID, disconnected bool) error {
	session, err := s.lookupLocked(callID)
	if err != nil {
		return err
	}
	if !session.HasParticipant(userID) {
		return errors.NotAParticipantError()
	}
	if session.Terminal() {
		return errors.InvalidTransitionError("call already ended")
	}

	now := time.Now()

	if session.State == domain.CallStateRinging {
		s.cancelRingTimerLocked(callID)

		reason := domain.EndReasonCancelled
		if disconnected {
			reason = domain.EndReasonDisconnected
		}

		if userID == session.CallerID {
			// Caller walked away before an answer.
			session.State = domain.CallStateEnded
		} else {
			// Receiver going away mid-ring is a missed call for them.
			session.State = domain.CallStateMissed
			if !disconnected {
				reason = domain.EndReasonRejected
			}
		}
		session.EndReason = reason

		// Roster stays intact: history records who was called, not who
		// remained when it collapsed.
		s.relayLocked(ctx, session, userID, &domain.Event{
			Kind:      domain.EventCallEnded,
			CallID:    callID,
			UserID:    userID,
			Reason:    reason,
			Timestamp: now,
		}, false)

		s.finalizeLocked(session)
		return nil
	}

	// Ongoing call
	if len(session.Participants)-1 <= 1 {
		reason := domain.EndReasonHangup
		if disconnected {
			reason = domain.EndReasonDisconnected
		}
		session.State = domain.CallStateEnded
		session.EndReason = reason

		s.relayLocked(ctx, session, userID, &domain.Event{
			Kind:      domain.EventCallEnded,
			CallID:    callID,
			UserID:    userID,
			Reason:    reason,
			Timestamp: now,
		}, false)

		s.finalizeLocked(session)
		return nil
	}

	// Group call continues without this member
	delete(session.Participants, userID)
	s.relayLocked(ctx, session, userID, &domain.Event{
		Kind:      domain.EventParticipantLeft,
		CallID:    callID,
		UserID:    userID,
		Timestamp: now,
	}, false)

	return nil
}

// Invite appends a new participant to an ongoing group call. The invite
// fails if any existing participant and the invitee block each other.
func (s *Service) Invite(ctx context.Context, callID, inviterID, newUserID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.lookupLocked(callID)
	if err != nil {
		return err
	}
	if !session.HasParticipant(inviterID) {
		return errors.NotAParticipantError()
	}
	if session.State != domain.CallStateOngoing {
		return errors.InvalidTransitionError("call is not ongoing")
	}
	if session.HasParticipant(newUserID) {
		return errors.InvalidInputError("user is already in the call")
	}

	for participantID := range session.Participants {
		if !s.guard.CanDeliver(ctx, participantID, newUserID) {
			return errors.BlockedParticipantError()
		}
	}

	session.Participants[newUserID] = struct{}{}

	now := time.Now()
	reached := s.sendGuarded(ctx, inviterID, newUserID, &domain.Event{
		Kind:      domain.EventCallIncoming,
		CallID:    callID,
		UserID:    inviterID,
		CallType:  session.CallType,
		Timestamp: now,
	})
	if reached == 0 && s.notifier != nil {
		s.notifier.IncomingCall(ctx, callID, inviterID, newUserID, string(session.CallType))
	}

	s.relayLocked(ctx, session, newUserID, &domain.Event{
		Kind:      domain.EventParticipantJoin,
		CallID:    callID,
		UserID:    newUserID,
		Timestamp: now,
	}, false)

	return nil
}

// RelaySignal passes an opaque media-negotiation payload to every other
// participant. The payload is never inspected. Valid while ringing (early
// ICE) or ongoing; the only call operation without a state transition.
func (s *Service) RelaySignal(ctx context.Context, callID, fromID uuid.UUID, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.lookupLocked(callID)
	if err != nil {
		return err
	}
	if !session.HasParticipant(fromID) {
		return errors.NotAParticipantError()
	}
	if session.Terminal() {
		return errors.InvalidTransitionError("call already ended")
	}

	s.relayLocked(ctx, session, fromID, &domain.Event{
		Kind:      domain.EventCallSignal,
		CallID:    callID,
		UserID:    fromID,
		Payload:   payload,
		Timestamp: time.Now(),
	}, false)

	return nil
}

// Session returns a copy of a live session for inspection
func (s *Service) Session(callID uuid.UUID) (domain.CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[callID]
	if !ok {
		return domain.CallSession{}, false
	}

	copied := *session
	copied.Participants = make(map[uuid.UUID]struct{}, len(session.Participants))
	for id := range session.Participants {
		copied.Participants[id] = struct{}{}
	}
	return copied, true
}

// ActiveCount returns the number of live sessions
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown force-ends every live call, notifying participants and
// persisting each session before the process exits.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for callID, session := range s.sessions {
		s.cancelRingTimerLocked(callID)
		if session.State == domain.CallStateRinging {
			session.State = domain.CallStateMissed
		} else {
			session.State = domain.CallStateEnded
		}
		session.EndReason = domain.EndReasonShutdown

		s.relayLocked(ctx, session, uuid.Nil, &domain.Event{
			Kind:      domain.EventCallEnded,
			CallID:    callID,
			Reason:    domain.EndReasonShutdown,
			Timestamp: time.Now(),
		}, false)

		s.finalizeLocked(session)
	}
}

// relayLocked delivers an event to every participant except fromID, each
// delivery gated by the block guard. includeSelf additionally delivers to
// fromID (accept confirmations go to all legs, the accepter's included).
func (s *Service) relayLocked(ctx context.Context, session *domain.CallSession, fromID uuid.UUID, event *domain.Event, includeSelf bool) {
	for participantID := range session.Participants {
		if participantID == fromID {
			if includeSelf {
				s.registry.Send(participantID, event)
			}
			continue
		}
		s.sendGuarded(ctx, fromID, participantID, event)
	}
}

// sendGuarded fans out to one user behind the block guard. A blocked pair
// drops the event silently.
func (s *Service) sendGuarded(ctx context.Context, fromID, toID uuid.UUID, event *domain.Event) int {
	if fromID != uuid.Nil && !s.guard.CanDeliver(ctx, fromID, toID) {
		metrics.BlockedDeliveriesTotal.Inc()
		return 0
	}
	return s.registry.Send(toID, event)
}

func (s *Service) cancelRingTimerLocked(callID uuid.UUID) {
	if timer, ok := s.ringTimers[callID]; ok {
		timer.Stop()
		delete(s.ringTimers, callID)
	}
}

// finalizeLocked stamps the terminal session, records metrics, removes it
// from the live table and hands it to the history store asynchronously.
func (s *Service) finalizeLocked(session *domain.CallSession) {
	now := time.Now()
	session.EndedAt = &now
	if session.StartedAt != nil {
		session.Duration = int(now.Sub(*session.StartedAt).Seconds())
		metrics.CallDurationSeconds.Observe(float64(session.Duration))
	}

	delete(s.sessions, session.CallID)
	s.ended.Set(session.CallID.String(), struct{}{}, 0)
	metrics.CallsActive.Dec()
	metrics.CallsTotal.WithLabelValues(string(session.CallType), string(session.State)).Inc()

	if s.history == nil {
		return
	}

	persisted := *session
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.history.PersistCall(ctx, &persisted); err != nil {
			metrics.CallPersistFailuresTotal.Inc()
			logger.Error("Failed to persist call history",
				zap.String("call_id", persisted.CallID.String()),
				zap.Error(err))
		}
	}()
}

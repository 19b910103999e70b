package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wavelink-backend/internal/domain"
	pkgerrors "wavelink-backend/pkg/errors"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	sent   []sentEvent
	online map[uuid.UUID]bool
}

type sentEvent struct {
	userID uuid.UUID
	event  *domain.Event
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{online: make(map[uuid.UUID]bool)}
}

func (b *fakeBroadcaster) Send(userID uuid.UUID, event *domain.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentEvent{userID: userID, event: event})
	if b.online[userID] {
		return 1
	}
	return 0
}

func (b *fakeBroadcaster) setOnline(userID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.online[userID] = true
}

func (b *fakeBroadcaster) sentTo(userID uuid.UUID, kind domain.EventKind) []*domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*domain.Event
	for _, s := range b.sent {
		if s.userID == userID && s.event.Kind == kind {
			out = append(out, s.event)
		}
	}
	return out
}

type fakeGuard struct {
	mu      sync.Mutex
	blocked map[[2]uuid.UUID]bool
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{blocked: make(map[[2]uuid.UUID]bool)}
}

func (g *fakeGuard) block(a, b uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocked[[2]uuid.UUID{a, b}] = true
	g.blocked[[2]uuid.UUID{b, a}] = true
}

func (g *fakeGuard) CanDeliver(_ context.Context, fromID, toID uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.blocked[[2]uuid.UUID{fromID, toID}]
}

// channelHistory receives persisted sessions from the async writer
type channelHistory struct {
	persisted chan *domain.CallSession
}

func newChannelHistory() *channelHistory {
	return &channelHistory{persisted: make(chan *domain.CallSession, 16)}
}

func (h *channelHistory) PersistCall(_ context.Context, call *domain.CallSession) error {
	h.persisted <- call
	return nil
}

func (h *channelHistory) wait(t *testing.T) *domain.CallSession {
	t.Helper()
	select {
	case call := <-h.persisted:
		return call
	case <-time.After(time.Second):
		t.Fatal("no call persisted")
		return nil
	}
}

type recordingNotifier struct {
	mu       sync.Mutex
	missed   []uuid.UUID
	incoming []uuid.UUID
}

func (n *recordingNotifier) MissedCall(_ context.Context, callID, _, _ uuid.UUID, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.missed = append(n.missed, callID)
}

func (n *recordingNotifier) IncomingCall(_ context.Context, callID, _, _ uuid.UUID, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.incoming = append(n.incoming, callID)
}

func (n *recordingNotifier) missedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.missed)
}

// ringLoopDispatcher feeds ring timeouts back into the manager, standing
// in for the router loop
type ringLoopDispatcher struct {
	svc *Service
}

func (d *ringLoopDispatcher) Post(event *domain.Event) {
	if event.Kind == domain.EventRingTimeout {
		d.svc.HandleRingTimeout(context.Background(), event.CallID)
	}
}

type fixture struct {
	svc         *Service
	broadcaster *fakeBroadcaster
	guard       *fakeGuard
	history     *channelHistory
	notifier    *recordingNotifier
}

func newFixture(ringTimeout time.Duration) *fixture {
	f := &fixture{
		broadcaster: newFakeBroadcaster(),
		guard:       newFakeGuard(),
		history:     newChannelHistory(),
		notifier:    &recordingNotifier{},
	}
	f.svc = NewService(f.broadcaster, f.guard, f.history, f.notifier, ringTimeout)
	f.svc.SetDispatcher(&ringLoopDispatcher{svc: f.svc})
	return f
}

// startOngoingCall initiates and accepts a call between two online users
func (f *fixture) startOngoingCall(t *testing.T, caller, receiver uuid.UUID) uuid.UUID {
	t.Helper()
	f.broadcaster.setOnline(caller)
	f.broadcaster.setOnline(receiver)

	callID, err := f.svc.Initiate(context.Background(), caller, receiver, domain.CallTypeVideo)
	require.NoError(t, err)
	require.NoError(t, f.svc.Accept(context.Background(), callID, receiver))
	return callID
}

func TestInitiateRingsReceiver(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver := uuid.New(), uuid.New()
	f.broadcaster.setOnline(receiver)

	callID, err := f.svc.Initiate(context.Background(), caller, receiver, domain.CallTypeAudio)
	require.NoError(t, err)

	session, ok := f.svc.Session(callID)
	require.True(t, ok)
	assert.Equal(t, domain.CallStateRinging, session.State)
	assert.Equal(t, caller, session.CallerID)
	assert.Equal(t, receiver, session.ReceiverID)

	incoming := f.broadcaster.sentTo(receiver, domain.EventCallIncoming)
	require.Len(t, incoming, 1)
	assert.Equal(t, caller, incoming[0].UserID)
	assert.Equal(t, domain.CallTypeAudio, incoming[0].CallType)
}

func TestInitiateToSelf(t *testing.T) {
	f := newFixture(time.Hour)
	userID := uuid.New()

	_, err := f.svc.Initiate(context.Background(), userID, userID, domain.CallTypeAudio)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.ErrCodeInvalidInput, pkgerrors.CodeOf(err))
}

func TestInitiateBlockedLeavesNoSession(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver := uuid.New(), uuid.New()
	f.broadcaster.setOnline(receiver)
	f.guard.block(caller, receiver)

	_, err := f.svc.Initiate(context.Background(), caller, receiver, domain.CallTypeVideo)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.ErrCodeBlockedParticipant, pkgerrors.CodeOf(err))

	assert.Equal(t, 0, f.svc.ActiveCount())
	assert.Empty(t, f.broadcaster.sentTo(receiver, domain.EventCallIncoming))
}

func TestInitiateToOfflineReceiverGoesStraightToMissed(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver := uuid.New(), uuid.New()
	f.broadcaster.setOnline(caller)

	callID, err := f.svc.Initiate(context.Background(), caller, receiver, domain.CallTypeVideo)
	require.NoError(t, err)

	persisted := f.history.wait(t)
	assert.Equal(t, callID, persisted.CallID)
	assert.Equal(t, domain.CallStateMissed, persisted.State)
	assert.Equal(t, domain.EndReasonUnreachable, persisted.EndReason)

	assert.Equal(t, 0, f.svc.ActiveCount())
	assert.Equal(t, 1, f.notifier.missedCount())
	// The caller is not signaled mid-ring for an unreachable receiver
	assert.Empty(t, f.broadcaster.sentTo(caller, domain.EventCallEnded))
}

func TestAcceptTransitionsToOngoing(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver := uuid.New(), uuid.New()
	f.broadcaster.setOnline(caller)
	f.broadcaster.setOnline(receiver)

	callID, err := f.svc.Initiate(context.Background(), caller, receiver, domain.CallTypeVideo)
	require.NoError(t, err)

	require.NoError(t, f.svc.Accept(context.Background(), callID, receiver))

	session, ok := f.svc.Session(callID)
	require.True(t, ok)
	assert.Equal(t, domain.CallStateOngoing, session.State)
	require.NotNil(t, session.StartedAt)

	// Accept confirmation reaches both legs
	assert.Len(t, f.broadcaster.sentTo(caller, domain.EventCallAccepted), 1)
	assert.Len(t, f.broadcaster.sentTo(receiver, domain.EventCallAccepted), 1)
}

func TestAcceptByCallerRejected(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver := uuid.New(), uuid.New()
	f.broadcaster.setOnline(receiver)

	callID, err := f.svc.Initiate(context.Background(), caller, receiver, domain.CallTypeVideo)
	require.NoError(t, err)

	err = f.svc.Accept(context.Background(), callID, caller)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.ErrCodeInvalidTransition, pkgerrors.CodeOf(err))
}

func TestAcceptByStrangerRejected(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver := uuid.New(), uuid.New()
	f.broadcaster.setOnline(receiver)

	callID, err := f.svc.Initiate(context.Background(), caller, receiver, domain.CallTypeVideo)
	require.NoError(t, err)

	err = f.svc.Accept(context.Background(), callID, uuid.New())
	require.Error(t, err)
	assert.Equal(t, pkgerrors.ErrCodeNotAParticipant, pkgerrors.CodeOf(err))
}

func TestAcceptUnknownCall(t *testing.T) {
	f := newFixture(time.Hour)

	err := f.svc.Accept(context.Background(), uuid.New(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, pkgerrors.ErrCodeCallNotFound, pkgerrors.CodeOf(err))
}

func TestRejectEndsAsMissed(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver := uuid.New(), uuid.New()
	f.broadcaster.setOnline(caller)
	f.broadcaster.setOnline(receiver)

	callID, err := f.svc.Initiate(context.Background(), caller, receiver, domain.CallTypeAudio)
	require.NoError(t, err)

	require.NoError(t, f.svc.Reject(context.Background(), callID, receiver))

	persisted := f.history.wait(t)
	assert.Equal(t, domain.CallStateMissed, persisted.State)
	assert.Equal(t, domain.EndReasonRejected, persisted.EndReason)

	ended := f.broadcaster.sentTo(caller, domain.EventCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.EndReasonRejected, ended[0].Reason)
	assert.Equal(t, 0, f.svc.ActiveCount())
}

func TestRingTimeoutEndsAsMissed(t *testing.T) {
	f := newFixture(30 * time.Millisecond)
	caller, receiver := uuid.New(), uuid.New()
	f.broadcaster.setOnline(caller)
	f.broadcaster.setOnline(receiver)

	callID, err := f.svc.Initiate(context.Background(), caller, receiver, domain.CallTypeVideo)
	require.NoError(t, err)

	persisted := f.history.wait(t)
	assert.Equal(t, callID, persisted.CallID)
	assert.Equal(t, domain.CallStateMissed, persisted.State)
	assert.Equal(t, domain.EndReasonTimeout, persisted.EndReason)
	assert.Equal(t, 1, f.notifier.missedCount())

	ended := f.broadcaster.sentTo(caller, domain.EventCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.EndReasonTimeout, ended[0].Reason)
}

func TestAcceptWinsAgainstRingTimeout(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver := uuid.New(), uuid.New()
	callID := f.startOngoingCall(t, caller, receiver)

	// A stale timeout arriving after accept must not touch the call
	f.svc.HandleRingTimeout(context.Background(), callID)

	session, ok := f.svc.Session(callID)
	require.True(t, ok)
	assert.Equal(t, domain.CallStateOngoing, session.State)
	assert.Equal(t, 0, f.notifier.missedCount())
}

func TestHangupEndsOngoingCall(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver := uuid.New(), uuid.New()
	callID := f.startOngoingCall(t, caller, receiver)

	require.NoError(t, f.svc.Hangup(context.Background(), callID, caller))

	persisted := f.history.wait(t)
	assert.Equal(t, domain.CallStateEnded, persisted.State)
	assert.Equal(t, domain.EndReasonHangup, persisted.EndReason)
	require.NotNil(t, persisted.StartedAt)
	require.NotNil(t, persisted.EndedAt)

	// History records the full roster, including whoever hung up
	assert.True(t, persisted.HasParticipant(caller))
	assert.True(t, persisted.HasParticipant(receiver))

	ended := f.broadcaster.sentTo(receiver, domain.EventCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.EndReasonHangup, ended[0].Reason)
	assert.Equal(t, 0, f.svc.ActiveCount())
}

func TestCallerHangupDuringRingCancels(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver := uuid.New(), uuid.New()
	f.broadcaster.setOnline(caller)
	f.broadcaster.setOnline(receiver)

	callID, err := f.svc.Initiate(context.Background(), caller, receiver, domain.CallTypeVideo)
	require.NoError(t, err)

	require.NoError(t, f.svc.Hangup(context.Background(), callID, caller))

	persisted := f.history.wait(t)
	assert.Equal(t, domain.CallStateEnded, persisted.State)
	assert.Equal(t, domain.EndReasonCancelled, persisted.EndReason)
	assert.True(t, persisted.HasParticipant(caller))
	assert.True(t, persisted.HasParticipant(receiver))

	ended := f.broadcaster.sentTo(receiver, domain.EventCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.EndReasonCancelled, ended[0].Reason)
}

func TestDoubleHangupSecondGetsInvalidTransition(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver := uuid.New(), uuid.New()
	callID := f.startOngoingCall(t, caller, receiver)

	require.NoError(t, f.svc.Hangup(context.Background(), callID, caller))

	// The loser of the race is told the call ended, not that it never
	// existed
	err := f.svc.Hangup(context.Background(), callID, receiver)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.ErrCodeInvalidTransition, pkgerrors.CodeOf(err))
}

func TestAcceptAfterTimeoutGetsInvalidTransition(t *testing.T) {
	f := newFixture(30 * time.Millisecond)
	caller, receiver := uuid.New(), uuid.New()
	f.broadcaster.setOnline(caller)
	f.broadcaster.setOnline(receiver)

	callID, err := f.svc.Initiate(context.Background(), caller, receiver, domain.CallTypeAudio)
	require.NoError(t, err)

	f.history.wait(t)

	err = f.svc.Accept(context.Background(), callID, receiver)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.ErrCodeInvalidTransition, pkgerrors.CodeOf(err))
}

func TestSignalAfterRejectGetsInvalidTransition(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver := uuid.New(), uuid.New()
	f.broadcaster.setOnline(caller)
	f.broadcaster.setOnline(receiver)

	callID, err := f.svc.Initiate(context.Background(), caller, receiver, domain.CallTypeAudio)
	require.NoError(t, err)
	require.NoError(t, f.svc.Reject(context.Background(), callID, receiver))

	err = f.svc.RelaySignal(context.Background(), callID, caller, []byte("{}"))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.ErrCodeInvalidTransition, pkgerrors.CodeOf(err))
}

func TestDisconnectIsImplicitHangup(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver := uuid.New(), uuid.New()
	callID := f.startOngoingCall(t, caller, receiver)

	f.svc.UserOffline(receiver)

	persisted := f.history.wait(t)
	assert.Equal(t, callID, persisted.CallID)
	assert.Equal(t, domain.CallStateEnded, persisted.State)
	assert.Equal(t, domain.EndReasonDisconnected, persisted.EndReason)

	ended := f.broadcaster.sentTo(caller, domain.EventCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.EndReasonDisconnected, ended[0].Reason)
}

func TestInviteAddsParticipant(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver, third := uuid.New(), uuid.New(), uuid.New()
	callID := f.startOngoingCall(t, caller, receiver)
	f.broadcaster.setOnline(third)

	require.NoError(t, f.svc.Invite(context.Background(), callID, caller, third))

	session, ok := f.svc.Session(callID)
	require.True(t, ok)
	assert.True(t, session.HasParticipant(third))

	require.Len(t, f.broadcaster.sentTo(third, domain.EventCallIncoming), 1)
	assert.Len(t, f.broadcaster.sentTo(receiver, domain.EventParticipantJoin), 1)
}

func TestInviteBlockedByAnyParticipant(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver, third := uuid.New(), uuid.New(), uuid.New()
	callID := f.startOngoingCall(t, caller, receiver)
	f.broadcaster.setOnline(third)
	f.guard.block(receiver, third)

	err := f.svc.Invite(context.Background(), callID, caller, third)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.ErrCodeBlockedParticipant, pkgerrors.CodeOf(err))

	session, ok := f.svc.Session(callID)
	require.True(t, ok)
	assert.False(t, session.HasParticipant(third))
}

func TestInviteDuringRingRejected(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver := uuid.New(), uuid.New()
	f.broadcaster.setOnline(receiver)

	callID, err := f.svc.Initiate(context.Background(), caller, receiver, domain.CallTypeVideo)
	require.NoError(t, err)

	err = f.svc.Invite(context.Background(), callID, caller, uuid.New())
	require.Error(t, err)
	assert.Equal(t, pkgerrors.ErrCodeInvalidTransition, pkgerrors.CodeOf(err))
}

func TestGroupCallContinuesAfterOneLeaves(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver, third := uuid.New(), uuid.New(), uuid.New()
	callID := f.startOngoingCall(t, caller, receiver)
	f.broadcaster.setOnline(third)
	require.NoError(t, f.svc.Invite(context.Background(), callID, caller, third))

	require.NoError(t, f.svc.Hangup(context.Background(), callID, third))

	session, ok := f.svc.Session(callID)
	require.True(t, ok)
	assert.Equal(t, domain.CallStateOngoing, session.State)
	assert.False(t, session.HasParticipant(third))
	assert.Len(t, f.broadcaster.sentTo(caller, domain.EventParticipantLeft), 1)
}

func TestRelaySignalReachesOtherParticipants(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver := uuid.New(), uuid.New()
	callID := f.startOngoingCall(t, caller, receiver)

	payload := []byte(`{"sdp":"offer"}`)
	require.NoError(t, f.svc.RelaySignal(context.Background(), callID, caller, payload))

	signals := f.broadcaster.sentTo(receiver, domain.EventCallSignal)
	require.Len(t, signals, 1)
	assert.JSONEq(t, string(payload), string(signals[0].Payload))
	assert.Equal(t, caller, signals[0].UserID)
	// Never echoed back to the sender
	assert.Empty(t, f.broadcaster.sentTo(caller, domain.EventCallSignal))
}

func TestRelaySignalDuringRingAllowed(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver := uuid.New(), uuid.New()
	f.broadcaster.setOnline(receiver)

	callID, err := f.svc.Initiate(context.Background(), caller, receiver, domain.CallTypeVideo)
	require.NoError(t, err)

	require.NoError(t, f.svc.RelaySignal(context.Background(), callID, caller, []byte(`{"candidate":"x"}`)))
	assert.Len(t, f.broadcaster.sentTo(receiver, domain.EventCallSignal), 1)
}

func TestRelaySignalFromStrangerRejected(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver := uuid.New(), uuid.New()
	callID := f.startOngoingCall(t, caller, receiver)

	err := f.svc.RelaySignal(context.Background(), callID, uuid.New(), []byte("{}"))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.ErrCodeNotAParticipant, pkgerrors.CodeOf(err))
}

func TestShutdownForceEndsCalls(t *testing.T) {
	f := newFixture(time.Hour)
	caller, receiver := uuid.New(), uuid.New()
	callID := f.startOngoingCall(t, caller, receiver)

	f.svc.Shutdown(context.Background())

	persisted := f.history.wait(t)
	assert.Equal(t, callID, persisted.CallID)
	assert.Equal(t, domain.CallStateEnded, persisted.State)
	assert.Equal(t, domain.EndReasonShutdown, persisted.EndReason)
	assert.Equal(t, 0, f.svc.ActiveCount())
}

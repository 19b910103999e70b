package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"wavelink-backend/internal/domain"
	pkgerrors "wavelink-backend/pkg/errors"
)

type fakeRegistry struct {
	mu      sync.Mutex
	replies map[uuid.UUID][]*domain.Event
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{replies: make(map[uuid.UUID][]*domain.Event)}
}

func (r *fakeRegistry) SendTo(connID uuid.UUID, event *domain.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies[connID] = append(r.replies[connID], event)
	return true
}

func (r *fakeRegistry) repliesTo(connID uuid.UUID) []*domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Event(nil), r.replies[connID]...)
}

type MockPresence struct {
	mock.Mock
}

func (m *MockPresence) SetTyping(ctx context.Context, userID, targetID uuid.UUID, isTyping bool) {
	m.Called(ctx, userID, targetID, isTyping)
}

func (m *MockPresence) ConfirmOffline(ctx context.Context, userID uuid.UUID) {
	m.Called(ctx, userID)
}

type MockCalls struct {
	mock.Mock
}

func (m *MockCalls) Initiate(ctx context.Context, callerID, receiverID uuid.UUID, callType domain.CallType) (uuid.UUID, error) {
	args := m.Called(ctx, callerID, receiverID, callType)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func (m *MockCalls) Accept(ctx context.Context, callID, userID uuid.UUID) error {
	return m.Called(ctx, callID, userID).Error(0)
}

func (m *MockCalls) Reject(ctx context.Context, callID, userID uuid.UUID) error {
	return m.Called(ctx, callID, userID).Error(0)
}

func (m *MockCalls) Hangup(ctx context.Context, callID, userID uuid.UUID) error {
	return m.Called(ctx, callID, userID).Error(0)
}

func (m *MockCalls) Invite(ctx context.Context, callID, inviterID, newUserID uuid.UUID) error {
	return m.Called(ctx, callID, inviterID, newUserID).Error(0)
}

func (m *MockCalls) RelaySignal(ctx context.Context, callID, fromID uuid.UUID, payload []byte) error {
	return m.Called(ctx, callID, fromID, payload).Error(0)
}

func (m *MockCalls) HandleRingTimeout(ctx context.Context, callID uuid.UUID) {
	m.Called(ctx, callID)
}

type routerFixture struct {
	svc      *Service
	registry *fakeRegistry
	presence *MockPresence
	calls    *MockCalls
}

func newRouterFixture(t *testing.T) *routerFixture {
	f := &routerFixture{
		registry: newFakeRegistry(),
		presence: new(MockPresence),
		calls:    new(MockCalls),
	}
	f.svc = NewService(f.registry, f.presence, f.calls)
	go f.svc.Run()
	t.Cleanup(f.svc.Stop)
	return f
}

// submitAndSettle submits a client event and waits for the loop to
// process it, using a trailing no-op event as a barrier.
func (f *routerFixture) submitAndSettle(t *testing.T, connID, userID uuid.UUID, event *domain.Event) {
	t.Helper()
	f.svc.Submit(connID, userID, event)

	barrierConn := uuid.New()
	f.svc.Submit(barrierConn, uuid.New(), &domain.Event{Kind: "no-such-kind"})
	require.Eventually(t, func() bool {
		return len(f.registry.repliesTo(barrierConn)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatchInitiate(t *testing.T) {
	f := newRouterFixture(t)
	connID, userID, receiverID := uuid.New(), uuid.New(), uuid.New()
	callID := uuid.New()

	f.calls.On("Initiate", mock.Anything, userID, receiverID, domain.CallTypeVideo).
		Return(callID, nil).Once()

	f.submitAndSettle(t, connID, userID, &domain.Event{
		Kind:       domain.EventCallInitiate,
		ReceiverID: receiverID,
		CallType:   domain.CallTypeVideo,
	})

	f.calls.AssertExpectations(t)

	// The caller is acked with the call ID it needs for hangup and
	// early signal relay
	replies := f.registry.repliesTo(connID)
	require.Len(t, replies, 1)
	assert.Equal(t, domain.EventCallRinging, replies[0].Kind)
	assert.Equal(t, callID, replies[0].CallID)
	assert.Equal(t, receiverID, replies[0].ReceiverID)
}

func TestDispatchCallLifecycleKinds(t *testing.T) {
	f := newRouterFixture(t)
	connID, userID, callID := uuid.New(), uuid.New(), uuid.New()

	f.calls.On("Accept", mock.Anything, callID, userID).Return(nil).Once()
	f.calls.On("Reject", mock.Anything, callID, userID).Return(nil).Once()
	f.calls.On("Hangup", mock.Anything, callID, userID).Return(nil).Once()

	for _, kind := range []domain.EventKind{domain.EventCallAccept, domain.EventCallReject, domain.EventCallHangup} {
		f.submitAndSettle(t, connID, userID, &domain.Event{Kind: kind, CallID: callID})
	}

	f.calls.AssertExpectations(t)
}

func TestDispatchTyping(t *testing.T) {
	f := newRouterFixture(t)
	connID, userID, targetID := uuid.New(), uuid.New(), uuid.New()

	f.presence.On("SetTyping", mock.Anything, userID, targetID, true).Once()

	f.submitAndSettle(t, connID, userID, &domain.Event{
		Kind:     domain.EventTyping,
		TargetID: targetID,
		IsTyping: true,
	})

	f.presence.AssertExpectations(t)
}

func TestIdentityMismatchRejected(t *testing.T) {
	f := newRouterFixture(t)
	connID, userID := uuid.New(), uuid.New()

	f.submitAndSettle(t, connID, userID, &domain.Event{
		Kind:   domain.EventCallHangup,
		CallID: uuid.New(),
		UserID: uuid.New(), // spoofed identity
	})

	replies := f.registry.repliesTo(connID)
	require.Len(t, replies, 1)
	assert.Equal(t, domain.EventError, replies[0].Kind)
	assert.Equal(t, string(pkgerrors.ErrCodeIdentityMismatch), replies[0].Reason)
	f.calls.AssertNotCalled(t, "Hangup", mock.Anything, mock.Anything, mock.Anything)
}

func TestMatchingIdentityAccepted(t *testing.T) {
	f := newRouterFixture(t)
	connID, userID, callID := uuid.New(), uuid.New(), uuid.New()

	f.calls.On("Hangup", mock.Anything, callID, userID).Return(nil).Once()

	f.submitAndSettle(t, connID, userID, &domain.Event{
		Kind:   domain.EventCallHangup,
		CallID: callID,
		UserID: userID,
	})

	f.calls.AssertExpectations(t)
	assert.Empty(t, f.registry.repliesTo(connID))
}

func TestUnknownKindRejected(t *testing.T) {
	f := newRouterFixture(t)
	connID, userID := uuid.New(), uuid.New()

	f.submitAndSettle(t, connID, userID, &domain.Event{Kind: "call.rewind"})

	replies := f.registry.repliesTo(connID)
	require.Len(t, replies, 1)
	assert.Equal(t, domain.EventError, replies[0].Kind)
	assert.Equal(t, string(pkgerrors.ErrCodeInvalidInput), replies[0].Reason)
}

func TestOutboundKindFromClientRejected(t *testing.T) {
	f := newRouterFixture(t)
	connID, userID := uuid.New(), uuid.New()

	// Clients cannot inject server-only kinds
	f.submitAndSettle(t, connID, userID, &domain.Event{Kind: domain.EventCallEnded})

	replies := f.registry.repliesTo(connID)
	require.Len(t, replies, 1)
	assert.Equal(t, domain.EventError, replies[0].Kind)
}

func TestErrorGoesToOriginatingConnectionOnly(t *testing.T) {
	f := newRouterFixture(t)
	connID, otherConn, userID, callID := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	f.calls.On("Accept", mock.Anything, callID, userID).
		Return(pkgerrors.CallNotFoundError()).Once()

	f.submitAndSettle(t, connID, userID, &domain.Event{
		Kind:   domain.EventCallAccept,
		CallID: callID,
	})

	replies := f.registry.repliesTo(connID)
	require.Len(t, replies, 1)
	assert.Equal(t, string(pkgerrors.ErrCodeCallNotFound), replies[0].Reason)
	assert.Equal(t, callID, replies[0].CallID)
	assert.Empty(t, f.registry.repliesTo(otherConn))
}

func TestBlockedParticipantMaskedInReply(t *testing.T) {
	f := newRouterFixture(t)
	connID, userID, receiverID := uuid.New(), uuid.New(), uuid.New()

	f.calls.On("Initiate", mock.Anything, userID, receiverID, domain.CallTypeAudio).
		Return(uuid.Nil, pkgerrors.BlockedParticipantError()).Once()

	f.submitAndSettle(t, connID, userID, &domain.Event{
		Kind:       domain.EventCallInitiate,
		ReceiverID: receiverID,
		CallType:   domain.CallTypeAudio,
	})

	replies := f.registry.repliesTo(connID)
	require.Len(t, replies, 1)
	// The reply never names the block
	assert.Equal(t, string(pkgerrors.ErrCodeInternal), replies[0].Reason)
}

func TestInitiateWithoutReceiverRejected(t *testing.T) {
	f := newRouterFixture(t)
	connID, userID := uuid.New(), uuid.New()

	f.submitAndSettle(t, connID, userID, &domain.Event{
		Kind:     domain.EventCallInitiate,
		CallType: domain.CallTypeAudio,
	})

	replies := f.registry.repliesTo(connID)
	require.Len(t, replies, 1)
	assert.Equal(t, string(pkgerrors.ErrCodeInvalidInput), replies[0].Reason)
	f.calls.AssertNotCalled(t, "Initiate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestInternalRingTimeoutDispatched(t *testing.T) {
	f := newRouterFixture(t)
	callID := uuid.New()

	timedOut := make(chan struct{})
	f.calls.On("HandleRingTimeout", mock.Anything, callID).
		Run(func(mock.Arguments) { close(timedOut) }).Once()

	f.svc.Post(&domain.Event{Kind: domain.EventRingTimeout, CallID: callID})

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("ring timeout not dispatched")
	}
}

func TestInternalOfflineTimeoutDispatched(t *testing.T) {
	f := newRouterFixture(t)
	userID := uuid.New()

	confirmed := make(chan struct{})
	f.presence.On("ConfirmOffline", mock.Anything, userID).
		Run(func(mock.Arguments) { close(confirmed) }).Once()

	f.svc.Post(&domain.Event{Kind: domain.EventOfflineTimeout, UserID: userID})

	select {
	case <-confirmed:
	case <-time.After(time.Second):
		t.Fatal("offline timeout not dispatched")
	}
}

func TestEventsProcessedInOrder(t *testing.T) {
	f := newRouterFixture(t)
	connID, userID := uuid.New(), uuid.New()

	var mu sync.Mutex
	var order []uuid.UUID
	var expected []uuid.UUID
	for i := 0; i < 10; i++ {
		callID := uuid.New()
		expected = append(expected, callID)
		f.calls.On("Hangup", mock.Anything, callID, userID).
			Run(func(args mock.Arguments) {
				mu.Lock()
				order = append(order, args.Get(1).(uuid.UUID))
				mu.Unlock()
			}).Return(nil).Once()
		f.svc.Submit(connID, userID, &domain.Event{Kind: domain.EventCallHangup, CallID: callID, UserID: userID})
	}

	barrierConn := uuid.New()
	f.svc.Submit(barrierConn, uuid.New(), &domain.Event{Kind: "no-such-kind"})
	require.Eventually(t, func() bool {
		return len(f.registry.repliesTo(barrierConn)) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, expected, order)
}

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies a real-time event on the wire
type EventKind string

// Inbound client events
const (
	EventCallInitiate EventKind = "call.initiate"
	EventCallAccept   EventKind = "call.accept"
	EventCallReject   EventKind = "call.reject"
	EventCallHangup   EventKind = "call.hangup"
	EventCallSignal   EventKind = "call.signal"
	EventCallInvite   EventKind = "call.invite"
	EventTyping       EventKind = "presence.typing"
)

// Outbound server events
const (
	EventCallRinging     EventKind = "call.ringing"
	EventCallIncoming    EventKind = "call.incoming"
	EventCallAccepted    EventKind = "call.accepted"
	EventCallEnded       EventKind = "call.ended"
	EventParticipantJoin EventKind = "call.participant_joined"
	EventParticipantLeft EventKind = "call.participant_left"
	EventPresenceChanged EventKind = "presence.changed"
	EventError           EventKind = "error"
)

// Internal events posted by timers and the transport layer. Never
// accepted from a client connection.
const (
	EventRingTimeout    EventKind = "call.ring_timeout"
	EventOfflineTimeout EventKind = "presence.offline_timeout"
)

// Event is the single wire format for all real-time traffic.
// Fields are populated per kind; unused fields are omitted.
type Event struct {
	Kind       EventKind       `json:"kind"`
	CallID     uuid.UUID       `json:"call_id,omitempty"`
	UserID     uuid.UUID       `json:"user_id,omitempty"`     // acting / subject user
	TargetID   uuid.UUID       `json:"target_id,omitempty"`   // typing target
	ReceiverID uuid.UUID       `json:"receiver_id,omitempty"` // call initiation target
	CallType   CallType        `json:"call_type,omitempty"`
	Reason     string          `json:"reason,omitempty"` // end reason or error code
	IsTyping   bool            `json:"is_typing,omitempty"`
	Online     bool            `json:"online,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"` // opaque signaling blob, never inspected
	Timestamp  time.Time       `json:"timestamp"`
}

// ClientKind reports whether k may arrive from a client connection.
func ClientKind(k EventKind) bool {
	switch k {
	case EventCallInitiate, EventCallAccept, EventCallReject,
		EventCallHangup, EventCallSignal, EventCallInvite, EventTyping:
		return true
	}
	return false
}

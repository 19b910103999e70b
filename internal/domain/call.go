package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType represents the media type of a call
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// CallState is the lifecycle state of a call session.
// Valid transitions: ringing -> ongoing -> ended, ringing -> missed,
// ringing -> ended (caller cancels). Ended and missed are terminal.
type CallState string

const (
	CallStateRinging CallState = "ringing"
	CallStateOngoing CallState = "ongoing"
	CallStateEnded   CallState = "ended"
	CallStateMissed  CallState = "missed"
)

// End reasons carried on call.ended events
const (
	EndReasonHangup       = "hangup"
	EndReasonRejected     = "rejected"
	EndReasonTimeout      = "timeout"
	EndReasonCancelled    = "cancelled"
	EndReasonUnreachable  = "unreachable"
	EndReasonDisconnected = "disconnected"
	EndReasonShutdown     = "shutdown"
)

// CallSession represents one call attempt or conversation.
// Owned and mutated exclusively by the call service; handed to the
// history store only on a terminal transition.
type CallSession struct {
	CallID       uuid.UUID              `json:"call_id"`
	CallerID     uuid.UUID              `json:"caller_id"`
	ReceiverID   uuid.UUID              `json:"receiver_id"`
	Participants map[uuid.UUID]struct{} `json:"-"`
	CallType     CallType               `json:"call_type"`
	State        CallState              `json:"state"`
	EndReason    string                 `json:"end_reason,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	EndedAt      *time.Time             `json:"ended_at,omitempty"`
	Duration     int                    `json:"duration,omitempty"` // in seconds
}

// Terminal reports whether the session reached a final state.
func (c *CallSession) Terminal() bool {
	return c.State == CallStateEnded || c.State == CallStateMissed
}

// HasParticipant reports whether userID is in the current roster.
func (c *CallSession) HasParticipant(userID uuid.UUID) bool {
	_, ok := c.Participants[userID]
	return ok
}

// ParticipantIDs returns the roster as a slice, order unspecified.
func (c *CallSession) ParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Participants))
	for id := range c.Participants {
		ids = append(ids, id)
	}
	return ids
}

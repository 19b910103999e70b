package domain

import (
	"time"

	"github.com/google/uuid"
)

// PresenceStatus is the observable online state of a user
type PresenceStatus string

const (
	PresenceStatusOnline  PresenceStatus = "online"
	PresenceStatusOffline PresenceStatus = "offline"
)

// PresenceState tracks a user's status and active typing targets.
// Status is online iff the user owns at least one live connection;
// the offline flip is debounced to absorb rapid reconnects.
type PresenceState struct {
	UserID     uuid.UUID              `json:"user_id"`
	Status     PresenceStatus         `json:"status"`
	TypingTo   map[uuid.UUID]struct{} `json:"-"`
	LastSeenAt time.Time              `json:"last_seen_at"`
}

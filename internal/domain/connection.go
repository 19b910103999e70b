package domain

import (
	"time"

	"github.com/google/uuid"
)

// Connection is one live transport session owned by the connection
// registry. A user may own several concurrent connections (multi-device).
type Connection struct {
	ConnectionID uuid.UUID `json:"connection_id"`
	UserID       uuid.UUID `json:"user_id"`
	ConnectedAt  time.Time `json:"connected_at"`
}

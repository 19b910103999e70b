package push

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wavelink-backend/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal, low
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
)

// Token represents a push notification token for a user
type Token struct {
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	DeleteByUserID(ctx context.Context, userID uuid.UUID) error
}

// Dispatcher delivers call notifications to users who cannot be reached
// over a live connection. Failures are logged, never propagated: push is
// best-effort and must not block signaling.
type Dispatcher struct {
	provider Provider
	tokens   TokenRepository
}

// NewDispatcher creates a push dispatcher over the given provider and token store
func NewDispatcher(provider Provider, tokens TokenRepository) *Dispatcher {
	return &Dispatcher{
		provider: provider,
		tokens:   tokens,
	}
}

// MissedCall notifies receiverID about a call it did not pick up
func (d *Dispatcher) MissedCall(ctx context.Context, callID, callerID, receiverID uuid.UUID, callType string) {
	d.send(ctx, receiverID, &Notification{
		Title:    "Missed call",
		Body:     fmt.Sprintf("You missed a %s call", callType),
		Priority: "high",
		Category: "call_missed",
		Data: map[string]string{
			"call_id":   callID.String(),
			"caller_id": callerID.String(),
			"call_type": callType,
			"timestamp": fmt.Sprintf("%d", time.Now().Unix()),
		},
	})
}

// IncomingCall notifies receiverID about a ringing call while it has no
// live connection (wake-up push for mobile clients)
func (d *Dispatcher) IncomingCall(ctx context.Context, callID, callerID, receiverID uuid.UUID, callType string) {
	d.send(ctx, receiverID, &Notification{
		Title:    "Incoming call",
		Body:     fmt.Sprintf("Incoming %s call", callType),
		Priority: "high",
		Sound:    "ringtone",
		Category: "call_incoming",
		Data: map[string]string{
			"call_id":   callID.String(),
			"caller_id": callerID.String(),
			"call_type": callType,
		},
	})
}

func (d *Dispatcher) send(ctx context.Context, userID uuid.UUID, notification *Notification) {
	tokens, err := d.tokens.GetByUserID(ctx, userID)
	if err != nil {
		logger.Warn("Failed to load push tokens",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}
	if len(tokens) == 0 {
		return
	}

	tokenStrs := make([]string, 0, len(tokens))
	for _, t := range tokens {
		tokenStrs = append(tokenStrs, t.Token)
	}

	result, err := d.provider.Send(ctx, notification, tokenStrs)
	if err != nil {
		logger.Warn("Push notification send failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	if result.FailureCount > 0 {
		logger.Debug("Push notification partial failure",
			zap.String("user_id", userID.String()),
			zap.Int("success", result.SuccessCount),
			zap.Int("failure", result.FailureCount))
	}
}

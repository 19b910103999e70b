package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"wavelink-backend/pkg/logger"
	"wavelink-backend/pkg/push"
)

const pushTokenExpiry = 30 * 24 * time.Hour

// PushTokenRepository stores push notification tokens in Redis, keyed by
// device token with a per-user index set.
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func tokenKey(deviceToken string) string {
	return fmt.Sprintf("rt:push:token:%s", deviceToken)
}

func userTokensKey(userID uuid.UUID) string {
	return fmt.Sprintf("rt:push:user:%s", userID)
}

// Store stores a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	token.UpdatedAt = time.Now().Unix()

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := r.client.Set(ctx, tokenKey(token.Token), data, pushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	if err := r.client.SAdd(ctx, userTokensKey(token.UserID), token.Token).Err(); err != nil {
		return fmt.Errorf("failed to add token to user set: %w", err)
	}

	if err := r.client.Expire(ctx, userTokensKey(token.UserID), pushTokenExpiry).Err(); err != nil {
		logger.Warn("Failed to set expiration on user token set",
			zap.String("user_id", token.UserID.String()),
			zap.Error(err))
	}

	return nil
}

// GetByUserID retrieves all active tokens for a user. Tokens whose
// records have expired are pruned from the index lazily.
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	deviceTokens, err := r.client.SMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	tokens := make([]*push.Token, 0, len(deviceTokens))
	for _, deviceToken := range deviceTokens {
		data, err := r.client.Get(ctx, tokenKey(deviceToken)).Bytes()
		if err == redis.Nil {
			r.client.SRem(ctx, userTokensKey(userID), deviceToken)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get token record: %w", err)
		}

		token := &push.Token{}
		if err := json.Unmarshal(data, token); err != nil {
			logger.Warn("Skipping malformed push token record",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		tokens = append(tokens, token)
	}

	return tokens, nil
}

// DeleteByUserID removes all tokens for a user
func (r *PushTokenRepository) DeleteByUserID(ctx context.Context, userID uuid.UUID) error {
	deviceTokens, err := r.client.SMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("failed to get user tokens: %w", err)
	}

	for _, deviceToken := range deviceTokens {
		if err := r.client.Del(ctx, tokenKey(deviceToken)).Err(); err != nil {
			return fmt.Errorf("failed to delete token record: %w", err)
		}
	}

	if err := r.client.Del(ctx, userTokensKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete user token set: %w", err)
	}

	return nil
}

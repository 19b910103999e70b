package history

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"wavelink-backend/internal/domain"
	"wavelink-backend/pkg/logger"
	"wavelink-backend/pkg/response"
)

// CallStore reads persisted call records.
type CallStore interface {
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error)
}

// Handler handles call history HTTP requests
type Handler struct {
	store CallStore
}

// NewHandler creates a new history handler
func NewHandler(store CallStore) *Handler {
	return &Handler{store: store}
}

// GetCalls returns the authenticated user's finished calls, newest first
// GET /v1/calls/history?limit=20&offset=0
func (h *Handler) GetCalls(c *gin.Context) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return
	}

	limit, err := queryInt(c, "limit", 20)
	if err != nil {
		response.ValidationError(c, "Invalid limit")
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		response.ValidationError(c, "Invalid offset")
		return
	}

	calls, err := h.store.GetUserCalls(c.Request.Context(), userID, limit, offset)
	if err != nil {
		logger.Error("Failed to load call history",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to load call history")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls": calls,
		"count": len(calls),
	})
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

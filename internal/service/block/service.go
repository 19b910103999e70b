package block

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wavelink-backend/pkg/cache"
	"wavelink-backend/pkg/logger"
	"wavelink-backend/pkg/metrics"
)

// Directory is the external read-only view of the block relation
type Directory interface {
	IsBlockedEither(ctx context.Context, a, b uuid.UUID) (bool, error)
}

// Service is the block policy guard. Every outbound real-time event must
// pass CanDeliver before fan-out; a blocked event is silently dropped so
// block state is never leaked to the sender.
//
// Decisions are cached with a short TTL. Block changes are rare and a few
// seconds of staleness is acceptable; this is a deliberate consistency
// relaxation, traded for not hitting the store on every typing keystroke.
type Service struct {
	directory Directory
	decisions *cache.MemoryCache
	ttl       time.Duration
}

// NewService creates a block policy guard with the given cache TTL
func NewService(directory Directory, ttl time.Duration) *Service {
	return &Service{
		directory: directory,
		decisions: cache.NewMemoryCache(ttl, 100_000),
		ttl:       ttl,
	}
}

// CanDeliver reports whether a real-time event may flow from fromID to
// toID. False when a block relation exists in either direction, and false
// when the store cannot be reached: an unavailable directory fails closed,
// privacy wins over availability.
func (s *Service) CanDeliver(ctx context.Context, fromID, toID uuid.UUID) bool {
	if fromID == toID {
		return true
	}

	key := pairKey(fromID, toID)
	if v, ok := s.decisions.Get(key); ok {
		return v.(bool)
	}

	blocked, err := s.directory.IsBlockedEither(ctx, fromID, toID)
	if err != nil {
		metrics.BlockLookupFailClosedTotal.Inc()
		logger.Warn("Block lookup failed, treating as blocked",
			zap.String("from", fromID.String()),
			zap.String("to", toID.String()),
			zap.Error(err))
		return false
	}

	allowed := !blocked
	s.decisions.Set(key, allowed, s.ttl)
	return allowed
}

// Invalidate drops the cached decision for a pair, for callers that learn
// about a block change out of band.
func (s *Service) Invalidate(a, b uuid.UUID) {
	s.decisions.Delete(pairKey(a, b))
}

// pairKey is order-normalized: the relation is checked in both directions
// so (a,b) and (b,a) share one decision.
func pairKey(a, b uuid.UUID) string {
	if b.String() < a.String() {
		a, b = b, a
	}
	return fmt.Sprintf("%s|%s", a, b)
}

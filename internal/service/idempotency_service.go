package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
	"unicode"

	"github.com/contextfs/syncd/internal/metrics"
	"github.com/contextfs/syncd/internal/store"
	"go.uber.org/zap"
)

// MaxIdempotencyKeySize is the longest accepted Idempotency-Key header
const MaxIdempotencyKeySize = 255

// IdempotencyService caches serialized push responses by client-supplied key
type IdempotencyService struct {
	idempotencyStore store.IdempotencyStore
	ttl              time.Duration
	metrics          *metrics.Metrics
	logger           *zap.Logger
}

// NewIdempotencyService creates a new idempotency service
func NewIdempotencyService(
	idempotencyStore store.IdempotencyStore,
	ttl time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *IdempotencyService {
	return &IdempotencyService{
		idempotencyStore: idempotencyStore,
		ttl:              ttl,
		metrics:          m,
		logger:           logger,
	}
}

// Get returns the cached response for a key, or nil if there is none
func (s *IdempotencyService) Get(ctx context.Context, tenantID, deviceID, idempotencyKey string) ([]byte, error) {
	data, err := s.idempotencyStore.Get(ctx, s.buildStoreKey(tenantID, deviceID, idempotencyKey))
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency response: %w", err)
	}

	s.metrics.RecordIdempotentReplay()
	s.logger.Debug("Idempotency response found",
		zap.String("tenant_id", tenantID),
		zap.String("device_id", deviceID),
		zap.String("idempotency_key", idempotencyKey))
	return data, nil
}

// Store caches a response body under a key
func (s *IdempotencyService) Store(ctx context.Context, tenantID, deviceID, idempotencyKey string, body []byte) error {
	if err := s.idempotencyStore.Set(ctx, s.buildStoreKey(tenantID, deviceID, idempotencyKey), body, s.ttl); err != nil {
		return fmt.Errorf("failed to store idempotency response: %w", err)
	}

	s.logger.Debug("Stored idempotency response",
		zap.String("tenant_id", tenantID),
		zap.String("device_id", deviceID),
		zap.String("idempotency_key", idempotencyKey),
		zap.Duration("ttl", s.ttl))
	return nil
}

// Ping checks the backing store
func (s *IdempotencyService) Ping(ctx context.Context) error {
	return s.idempotencyStore.Ping(ctx)
}

// buildStoreKey builds the store key for idempotency
func (s *IdempotencyService) buildStoreKey(tenantID, deviceID, idempotencyKey string) string {
	return fmt.Sprintf("push:%s:%s:%s", tenantID, deviceID, idempotencyKey)
}

// ValidateIdempotencyKey reports whether a client key is acceptable
func ValidateIdempotencyKey(idempotencyKey string) bool {
	if idempotencyKey == "" || len(idempotencyKey) > MaxIdempotencyKeySize {
		return false
	}
	for _, r := range idempotencyKey {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

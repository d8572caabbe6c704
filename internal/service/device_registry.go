package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/contextfs/syncd/internal/errors"
	"github.com/contextfs/syncd/internal/metrics"
	"github.com/contextfs/syncd/internal/model"
	"github.com/contextfs/syncd/internal/store"
	"github.com/contextfs/syncd/internal/validation"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const deviceCacheType = "device"

// DeviceRegistry tracks known devices per tenant
type DeviceRegistry struct {
	store     store.SyncStore
	tx        *TxRunner
	cache     store.Cache
	cacheTTL  time.Duration
	validator *validation.Validator
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewDeviceRegistry creates a new device registry
func NewDeviceRegistry(
	syncStore store.SyncStore,
	tx *TxRunner,
	cache store.Cache,
	cacheTTL time.Duration,
	validator *validation.Validator,
	clock clockwork.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *DeviceRegistry {
	return &DeviceRegistry{
		store:     syncStore,
		tx:        tx,
		cache:     cache,
		cacheTTL:  cacheTTL,
		validator: validator,
		clock:     clock,
		metrics:   m,
		logger:    logger,
	}
}

// Register inserts the device or refreshes its mutable fields and last_seen_at.
// Two first registrations racing on the same id both succeed: the loser of
// the insert race retries and takes the update path.
func (r *DeviceRegistry) Register(ctx context.Context, tenantID string, req *model.RegisterRequest) (*model.Device, error) {
	if err := r.validator.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	if err := r.validator.ValidateRegister(req); err != nil {
		return nil, err
	}

	var (
		device  *model.Device
		created bool
	)
	err := r.tx.Run(ctx, "register", func(ctx context.Context, tx store.Tx) error {
		now := r.now()
		existing, err := tx.GetDevice(ctx, tenantID, req.DeviceID)
		if stderrors.Is(err, store.ErrNotFound) {
			device = &model.Device{
				TenantID:      tenantID,
				DeviceID:      req.DeviceID,
				Name:          req.Name,
				Platform:      req.Platform,
				ClientVersion: req.ClientVersion,
				RegisteredAt:  now,
				LastSeenAt:    now,
			}
			created = true
			return tx.InsertDevice(ctx, device)
		}
		if err != nil {
			return err
		}

		device = existing
		if req.Name != "" {
			device.Name = req.Name
		}
		if req.Platform != "" {
			device.Platform = req.Platform
		}
		if req.ClientVersion != "" {
			device.ClientVersion = req.ClientVersion
		}
		if now.After(device.LastSeenAt) {
			device.LastSeenAt = now
		}
		created = false
		return tx.UpdateDevice(ctx, device)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	r.metrics.RecordRegistration(created)
	r.logger.Info("Registered device",
		zap.String("tenant_id", tenantID),
		zap.String("device_id", device.DeviceID),
		zap.Bool("created", created))

	cached := *device
	if err := r.cache.Set(ctx, r.deviceCacheKey(tenantID, device.DeviceID), &cached, r.cacheTTL); err != nil {
		r.logger.Warn("Failed to cache device",
			zap.String("tenant_id", tenantID),
			zap.String("device_id", device.DeviceID),
			zap.Error(err))
	}

	return device, nil
}

// Get returns a registered device, using the cache if available. Unknown
// devices yield a DeviceNotRegistered error.
func (r *DeviceRegistry) Get(ctx context.Context, tenantID, deviceID string) (*model.Device, error) {
	if err := r.validator.ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	cacheKey := r.deviceCacheKey(tenantID, deviceID)
	if cached, err := r.cache.Get(ctx, cacheKey); err == nil && cached != nil {
		if device, ok := cached.(*model.Device); ok {
			r.metrics.RecordCacheHit(deviceCacheType)
			clone := *device
			return &clone, nil
		}
	}
	r.metrics.RecordCacheMiss(deviceCacheType)

	device, err := r.Lookup(ctx, tenantID, deviceID)
	if err != nil {
		return nil, err
	}

	if err := r.cache.Set(ctx, cacheKey, device, r.cacheTTL); err != nil {
		r.logger.Warn("Failed to cache device",
			zap.String("tenant_id", tenantID),
			zap.String("device_id", deviceID),
			zap.Error(err))
	}
	clone := *device
	return &clone, nil
}

// Lookup reads a device straight from the store, bypassing the cache
func (r *DeviceRegistry) Lookup(ctx context.Context, tenantID, deviceID string) (*model.Device, error) {
	device, err := r.store.GetDevice(ctx, tenantID, deviceID)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.DeviceNotRegistered(tenantID, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch device: %w", err)
	}
	return device, nil
}

// Touch records that a device was seen. Failures are logged, not returned.
func (r *DeviceRegistry) Touch(ctx context.Context, tenantID, deviceID string) {
	if err := r.store.TouchDevice(ctx, tenantID, deviceID, r.now()); err != nil {
		r.logger.Warn("Failed to update device last_seen_at",
			zap.String("tenant_id", tenantID),
			zap.String("device_id", deviceID),
			zap.Error(err))
	}
}

func (r *DeviceRegistry) now() time.Time {
	return r.clock.Now().UTC().Truncate(time.Microsecond)
}

// deviceCacheKey generates a cache key for a device
func (r *DeviceRegistry) deviceCacheKey(tenantID, deviceID string) string {
	return fmt.Sprintf("device:%s:%s", tenantID, deviceID)
}

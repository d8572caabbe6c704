package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/contextfs/syncd/internal/store"
)

// DefaultCheckTimeout bounds a readiness probe
const DefaultCheckTimeout = 5 * time.Second

// HealthChecker provides health check endpoints
type HealthChecker struct {
	syncStore        store.SyncStore
	idempotencyStore store.IdempotencyStore
	cache            store.Cache
	timeout          time.Duration
	clock            clockwork.Clock
	logger           *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker. Nil dependencies are
// skipped by the readiness probe.
func NewHealthChecker(
	syncStore store.SyncStore,
	idempotencyStore store.IdempotencyStore,
	cache store.Cache,
	clock clockwork.Clock,
	logger *zap.Logger,
) *HealthChecker {
	return &HealthChecker{
		syncStore:        syncStore,
		idempotencyStore: idempotencyStore,
		cache:            cache,
		timeout:          DefaultCheckTimeout,
		clock:            clock,
		logger:           logger,
	}
}

// LivenessHandler handles GET /health
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, HealthStatus{
		Status:    "alive",
		Timestamp: h.clock.Now().Unix(),
	})
}

// ReadinessHandler handles GET /ready
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	record := func(name string, err error) {
		if err != nil {
			h.logger.Error("health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "unhealthy: " + err.Error()
			allHealthy = false
			return
		}
		checks[name] = "healthy"
	}

	if h.syncStore != nil {
		record("sync_store", h.syncStore.Ping(ctx))
	}
	if h.idempotencyStore != nil {
		record("idempotency_store", h.idempotencyStore.Ping(ctx))
	}
	if h.cache != nil {
		// In-process; reported for completeness
		record("cache", nil)
	}

	status := HealthStatus{
		Timestamp: h.clock.Now().Unix(),
		Checks:    checks,
	}
	code := http.StatusOK
	if allHealthy {
		status.Status = "ready"
	} else {
		status.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	h.write(w, code, status)
}

func (h *HealthChecker) write(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Error("failed to encode health status", zap.Error(err))
	}
}

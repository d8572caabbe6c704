package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/contextfs/syncd/internal/algorithm"
	"github.com/contextfs/syncd/internal/errors"
	"github.com/contextfs/syncd/internal/metrics"
	"github.com/contextfs/syncd/internal/model"
	"github.com/contextfs/syncd/internal/store"
	"github.com/contextfs/syncd/internal/validation"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// lookupChunkSize bounds the number of ids bound into one IN/ANY query
const lookupChunkSize = 500

// EngineOptions tunes batch sizes and paging
type EngineOptions struct {
	MaxBatchSize     int
	PushConcurrency  int
	PullDefaultLimit int
	PullMaxLimit     int
}

// DefaultEngineOptions returns the options used when none are configured
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		MaxBatchSize:     500,
		PushConcurrency:  8,
		PullDefaultLimit: 100,
		PullMaxLimit:     1000,
	}
}

// SyncEngine orchestrates register, push, pull, diff, fetch and status
type SyncEngine struct {
	store     store.SyncStore
	registry  *DeviceRegistry
	tx        *TxRunner
	resolver  *ConflictResolver
	validator *validation.Validator
	opts      EngineOptions
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewSyncEngine creates a new sync engine
func NewSyncEngine(
	syncStore store.SyncStore,
	registry *DeviceRegistry,
	tx *TxRunner,
	resolver *ConflictResolver,
	validator *validation.Validator,
	opts EngineOptions,
	clock clockwork.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SyncEngine {
	defaults := DefaultEngineOptions()
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = defaults.MaxBatchSize
	}
	if opts.PushConcurrency <= 0 {
		opts.PushConcurrency = defaults.PushConcurrency
	}
	if opts.PullDefaultLimit <= 0 {
		opts.PullDefaultLimit = defaults.PullDefaultLimit
	}
	if opts.PullMaxLimit <= 0 {
		opts.PullMaxLimit = defaults.PullMaxLimit
	}
	if opts.PullDefaultLimit > opts.PullMaxLimit {
		opts.PullDefaultLimit = opts.PullMaxLimit
	}

	return &SyncEngine{
		store:     syncStore,
		registry:  registry,
		tx:        tx,
		resolver:  resolver,
		validator: validator,
		opts:      opts,
		clock:     clock,
		metrics:   m,
		logger:    logger,
	}
}

// Options returns the effective engine options
func (e *SyncEngine) Options() EngineOptions {
	return e.opts
}

func (e *SyncEngine) now() time.Time {
	return e.clock.Now().UTC().Truncate(time.Microsecond)
}

// Register registers or refreshes a device
func (e *SyncEngine) Register(ctx context.Context, tenantID string, req *model.RegisterRequest) (*model.Device, error) {
	return e.registry.Register(ctx, tenantID, req)
}

// requireDevice validates the tenant and fails with DeviceNotRegistered for unknown devices
func (e *SyncEngine) requireDevice(ctx context.Context, tenantID, deviceID string) error {
	if err := e.validator.ValidateTenantID(tenantID); err != nil {
		return err
	}
	_, err := e.registry.Get(ctx, tenantID, deviceID)
	return err
}

// Push applies a batch of writes from one device. Each record is decided in
// its own retried transaction, so a bad or conflicting record never blocks the
// rest of the batch. Only request-level failures are returned as errors.
func (e *SyncEngine) Push(ctx context.Context, tenantID string, req *model.PushRequest) (*model.PushResult, error) {
	if len(req.Records) > e.opts.MaxBatchSize {
		return nil, errors.BatchTooLarge(len(req.Records), e.opts.MaxBatchSize)
	}
	if err := e.requireDevice(ctx, tenantID, req.DeviceID); err != nil {
		return nil, err
	}

	outcomes := make([]model.PushOutcome, len(req.Records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.PushConcurrency)

	for i := range req.Records {
		i := i
		g.Go(func() error {
			outcome, err := e.pushOne(gctx, tenantID, req.DeviceID, req.Records[i], req.Force)
			if err != nil {
				return fmt.Errorf("record %q: %w", req.Records[i].ID, err)
			}
			outcomes[i] = outcome
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Error("Push aborted",
			zap.String("tenant_id", tenantID),
			zap.String("device_id", req.DeviceID),
			zap.Int("records", len(req.Records)),
			zap.Error(err))
		return nil, err
	}

	result := &model.PushResult{
		Outcomes:        outcomes,
		ServerTimestamp: e.now(),
	}
	for _, o := range outcomes {
		switch o.Status {
		case model.PushApplied:
			result.Applied++
		case model.PushConflict:
			result.Conflicts++
		case model.PushUnchanged:
			result.Unchanged++
		case model.PushRejected:
			result.Rejected++
		}
		e.metrics.RecordPushOutcome(string(o.Kind), string(o.Status))
	}

	e.registry.Touch(ctx, tenantID, req.DeviceID)

	e.logger.Info("Push completed",
		zap.String("tenant_id", tenantID),
		zap.String("device_id", req.DeviceID),
		zap.Int("applied", result.Applied),
		zap.Int("conflicts", result.Conflicts),
		zap.Int("unchanged", result.Unchanged),
		zap.Int("rejected", result.Rejected))

	return result, nil
}

// normalizeEnvelope fills defaults and computes the stored form of an incoming record
func (e *SyncEngine) normalizeEnvelope(tenantID, deviceID string, env model.RecordEnvelope) (*model.Record, error) {
	if env.Kind == "" {
		env.Kind = model.KindMemory
	}
	if env.NamespaceID == "" {
		env.NamespaceID = model.DefaultNamespace
	}
	if err := e.validator.ValidateEnvelope(deviceID, &env); err != nil {
		return nil, err
	}

	incoming := &model.Record{
		ID:           env.ID,
		TenantID:     tenantID,
		Kind:         env.Kind,
		NamespaceID:  env.NamespaceID,
		VectorClock:  env.VectorClock.Clone(),
		ContentHash:  env.ContentHash,
		LastDeviceID: deviceID,
	}
	if env.CreatedAt != nil {
		incoming.CreatedAt = env.CreatedAt.UTC().Truncate(time.Microsecond)
	}

	if env.DeletedAt != nil {
		deletedAt := env.DeletedAt.UTC().Truncate(time.Microsecond)
		incoming.DeletedAt = &deletedAt
		incoming.ContentHash = algorithm.TombstoneHash
		return incoming, nil
	}

	incoming.Payload = env.Payload
	incoming.Tags = env.Tags
	if incoming.ContentHash == "" {
		hash, err := algorithm.ContentFingerprint(env.Payload, env.Tags)
		if err != nil {
			return nil, errors.InvalidArgument(fmt.Sprintf("record '%s' payload cannot be fingerprinted", env.ID), err)
		}
		incoming.ContentHash = hash
	}
	return incoming, nil
}

func rejectedOutcome(env model.RecordEnvelope, err error) model.PushOutcome {
	return model.PushOutcome{
		ID:     env.ID,
		Kind:   env.Kind,
		Status: model.PushRejected,
		Error:  err.Error(),
	}
}

// pushOne decides and applies a single record. Validation failures become a
// rejected outcome; the returned error is reserved for infrastructure failures.
func (e *SyncEngine) pushOne(
	ctx context.Context,
	tenantID, deviceID string,
	env model.RecordEnvelope,
	force bool,
) (model.PushOutcome, error) {
	incoming, err := e.normalizeEnvelope(tenantID, deviceID, env)
	if err != nil {
		return rejectedOutcome(env, err), nil
	}

	var outcome model.PushOutcome
	err = e.tx.Run(ctx, "push", func(ctx context.Context, tx store.Tx) error {
		// the whole read-decide-write runs again on every attempt
		outcome = model.PushOutcome{ID: incoming.ID, Kind: incoming.Kind}
		now := e.now()

		existing, err := tx.GetRecordForUpdate(ctx, tenantID, incoming.ID)
		if stderrors.Is(err, store.ErrNotFound) {
			existing = nil
		} else if err != nil {
			return err
		}

		if existing != nil && existing.Kind != incoming.Kind {
			mismatch := errors.KindMismatch(incoming.ID, string(existing.Kind), string(incoming.Kind))
			outcome.Status = model.PushRejected
			outcome.Error = mismatch.Error()
			return nil
		}

		decision := e.resolver.Resolve(existing, incoming, force)
		if decision.Comparison == model.Concurrent && existing != nil && existing.ContentHash != incoming.ContentHash {
			e.metrics.RecordConflict(force)
		}

		switch decision.Action {
		case ActionApply:
			record := buildStoredRecord(existing, incoming, decision.Clock, now)
			if existing == nil {
				err = tx.InsertRecord(ctx, record)
			} else {
				err = tx.UpdateRecord(ctx, record)
			}
			if err != nil {
				return err
			}
			if existing != nil {
				if _, err := tx.ResolveConflicts(ctx, tenantID, record.ID, now); err != nil {
					return err
				}
			}
			outcome.Status = model.PushApplied
			outcome.VectorClock = record.VectorClock
			outcome.ContentHash = record.ContentHash

		case ActionUnchanged:
			if decision.Reason == model.ReasonIdentical && !decision.Clock.Equals(existing.VectorClock) {
				absorbed := existing.Clone()
				absorbed.VectorClock = decision.Clock
				absorbed.LastDeviceID = deviceID
				if err := tx.UpdateRecord(ctx, absorbed); err != nil {
					return err
				}
			}
			outcome.Status = model.PushUnchanged
			outcome.Reason = decision.Reason
			outcome.VectorClock = decision.Clock
			outcome.ContentHash = existing.ContentHash

		case ActionConflict:
			conflict := &model.Conflict{
				ConflictID:    uuid.New().String(),
				TenantID:      tenantID,
				RecordID:      incoming.ID,
				DeviceID:      deviceID,
				IncomingClock: incoming.VectorClock,
				IncomingHash:  incoming.ContentHash,
				StoredClock:   existing.VectorClock,
				StoredHash:    existing.ContentHash,
				DetectedAt:    now,
			}
			if err := tx.InsertConflict(ctx, conflict); err != nil {
				return err
			}
			outcome.Status = model.PushConflict
			outcome.VectorClock = existing.VectorClock
			outcome.ContentHash = existing.ContentHash
		}
		return nil
	})
	if err != nil {
		return model.PushOutcome{}, err
	}

	if outcome.Status == model.PushConflict {
		e.logger.Info("Concurrent write rejected",
			zap.String("tenant_id", tenantID),
			zap.String("device_id", deviceID),
			zap.String("record_id", incoming.ID))
	}
	return outcome, nil
}

// buildStoredRecord produces the row written for an accepted write
func buildStoredRecord(existing, incoming *model.Record, clock model.VectorClock, now time.Time) *model.Record {
	record := incoming.Clone()
	record.VectorClock = clock
	record.UpdatedAt = now

	switch {
	case existing != nil:
		record.CreatedAt = existing.CreatedAt
		record.Version = existing.Version
	case record.CreatedAt.IsZero():
		record.CreatedAt = now
	}
	return record
}

// Pull returns records changed after req.Since ordered by (updated_at, id),
// tombstones included
func (e *SyncEngine) Pull(ctx context.Context, tenantID string, req *model.PullRequest) (*model.PullResult, error) {
	if err := e.requireDevice(ctx, tenantID, req.DeviceID); err != nil {
		return nil, err
	}
	if err := validateKinds(req.Kinds); err != nil {
		return nil, err
	}
	if req.Offset < 0 {
		return nil, errors.InvalidArgument("offset cannot be negative", nil)
	}
	if req.Limit < 0 {
		return nil, errors.InvalidArgument("limit cannot be negative", nil)
	}

	limit := req.Limit
	if limit == 0 {
		limit = e.opts.PullDefaultLimit
	}
	if limit > e.opts.PullMaxLimit {
		limit = e.opts.PullMaxLimit
	}

	filter := store.RecordFilter{
		TenantID:     tenantID,
		NamespaceIDs: req.NamespaceIDs,
		Kinds:        req.Kinds,
		Since:        req.Since,
		Limit:        limit + 1,
		Offset:       req.Offset,
	}
	records, err := e.store.ListRecords(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}
	if records == nil {
		records = []*model.Record{}
	}

	e.registry.Touch(ctx, tenantID, req.DeviceID)
	e.metrics.RecordPull(len(records))

	e.logger.Debug("Pull completed",
		zap.String("tenant_id", tenantID),
		zap.String("device_id", req.DeviceID),
		zap.Int("records", len(records)),
		zap.Bool("has_more", hasMore))

	return &model.PullResult{
		Records:         records,
		HasMore:         hasMore,
		ServerTimestamp: e.now(),
	}, nil
}

// Diff partitions the ids that differ between a client manifest and the
// server. Every id lands in at most one of the three lists.
func (e *SyncEngine) Diff(ctx context.Context, tenantID string, req *model.DiffRequest) (*model.DiffResult, error) {
	if err := e.requireDevice(ctx, tenantID, req.DeviceID); err != nil {
		return nil, err
	}
	if err := validateKinds(req.Kinds); err != nil {
		return nil, err
	}

	serverRecords, err := e.store.ListRecords(ctx, store.RecordFilter{
		TenantID:     tenantID,
		NamespaceIDs: req.NamespaceIDs,
		Kinds:        req.Kinds,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	serverHashes := make(map[string]string, len(serverRecords))
	for _, r := range serverRecords {
		serverHashes[r.ID] = r.ContentHash
	}

	manifest := make(map[string]string, len(req.Manifest))
	outside := make([]string, 0)
	for _, entry := range req.Manifest {
		if entry.ID == "" {
			return nil, errors.InvalidArgument("manifest entry is missing an id", nil)
		}
		if _, dup := manifest[entry.ID]; dup {
			continue
		}
		manifest[entry.ID] = entry.ContentHash
		if _, ok := serverHashes[entry.ID]; !ok {
			outside = append(outside, entry.ID)
		}
	}

	// manifest ids outside the filter may still exist on the server
	if len(outside) > 0 {
		found, err := e.getRecords(ctx, tenantID, outside)
		if err != nil {
			return nil, err
		}
		for _, r := range found {
			serverHashes[r.ID] = r.ContentHash
		}
	}

	result := &model.DiffResult{
		MissingOnClient: make([]string, 0),
		MissingOnServer: make([]string, 0),
		Updated:         make([]string, 0),
	}
	for _, r := range serverRecords {
		if _, ok := manifest[r.ID]; !ok {
			result.MissingOnClient = append(result.MissingOnClient, r.ID)
		}
	}
	for id, clientHash := range manifest {
		serverHash, ok := serverHashes[id]
		switch {
		case !ok:
			result.MissingOnServer = append(result.MissingOnServer, id)
		case serverHash != clientHash:
			result.Updated = append(result.Updated, id)
		}
	}
	sort.Strings(result.MissingOnClient)
	sort.Strings(result.MissingOnServer)
	sort.Strings(result.Updated)
	result.ServerTimestamp = e.now()

	e.registry.Touch(ctx, tenantID, req.DeviceID)
	e.metrics.RecordDiff(len(result.MissingOnClient), len(result.MissingOnServer), len(result.Updated))

	return result, nil
}

// Fetch returns the envelopes of the requested ids in request order, skipping
// ids the server does not hold
func (e *SyncEngine) Fetch(ctx context.Context, tenantID string, req *model.FetchRequest) ([]*model.Record, error) {
	if err := e.requireDevice(ctx, tenantID, req.DeviceID); err != nil {
		return nil, err
	}
	if len(req.IDs) > e.opts.PullMaxLimit {
		return nil, errors.BatchTooLarge(len(req.IDs), e.opts.PullMaxLimit)
	}
	for _, id := range req.IDs {
		if id == "" {
			return nil, errors.InvalidArgument("fetch ids cannot be empty", nil)
		}
	}

	found, err := e.getRecords(ctx, tenantID, req.IDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Record, len(found))
	for _, r := range found {
		byID[r.ID] = r
	}

	records := make([]*model.Record, 0, len(found))
	for _, id := range req.IDs {
		if r, ok := byID[id]; ok {
			records = append(records, r)
			delete(byID, id)
		}
	}

	e.registry.Touch(ctx, tenantID, req.DeviceID)
	return records, nil
}

// Status summarizes sync state for a device
func (e *SyncEngine) Status(ctx context.Context, tenantID, deviceID string) (*model.StatusResult, error) {
	if err := e.validator.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	if err := e.validator.ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}
	device, err := e.registry.Lookup(ctx, tenantID, deviceID)
	if err != nil {
		return nil, err
	}

	var (
		live, tombstones, pending int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		live, tombstones, err = e.store.CountRecords(gctx, tenantID)
		if err != nil {
			return fmt.Errorf("failed to count records: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		pending, err = e.store.CountPendingConflicts(gctx, tenantID, deviceID)
		if err != nil {
			return fmt.Errorf("failed to count conflicts: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &model.StatusResult{
		DeviceID:             device.DeviceID,
		LastSeenAt:           device.LastSeenAt,
		RecordCount:          live,
		TombstoneCount:       tombstones,
		PendingConflictCount: pending,
		ServerTimestamp:      e.now(),
	}, nil
}

func (e *SyncEngine) getRecords(ctx context.Context, tenantID string, ids []string) ([]*model.Record, error) {
	out := make([]*model.Record, 0, len(ids))
	for start := 0; start < len(ids); start += lookupChunkSize {
		end := start + lookupChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk, err := e.store.GetRecords(ctx, tenantID, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to get records: %w", err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func validateKinds(kinds []model.RecordKind) error {
	for _, k := range kinds {
		if !k.Valid() {
			return errors.InvalidArgument(fmt.Sprintf("unknown record kind '%s'", k), nil)
		}
	}
	return nil
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/contextfs/syncd/internal/model"
)

type opKind int

const (
	opInsertDevice opKind = iota
	opUpdateDevice
	opInsertRecord
	opUpdateRecord
	opInsertConflict
	opResolveConflicts
)

type stagedOp struct {
	kind            opKind
	device          *model.Device
	record          *model.Record
	expectedVersion int64
	conflict        *model.Conflict
	tenantID        string
	recordID        string
	resolvedAt      time.Time
}

// MemoryStore is a SyncStore kept entirely in process memory. Transactions stage
// their writes and validate them at commit, so concurrent writers to the same
// key observe ErrUniqueViolation or ErrWriteConflict the same way they would
// against a database.
type MemoryStore struct {
	mu        sync.RWMutex
	devices   map[string]*model.Device
	records   map[string]*model.Record
	conflicts []*model.Conflict
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]*model.Device),
		records: make(map[string]*model.Record),
	}
}

func compositeKey(tenantID, id string) string {
	return tenantID + "\x00" + id
}

func cloneDevice(d *model.Device) *model.Device {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

func cloneConflict(c *model.Conflict) *model.Conflict {
	if c == nil {
		return nil
	}
	out := *c
	out.IncomingClock = c.IncomingClock.Clone()
	out.StoredClock = c.StoredClock.Clone()
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// WithTx runs fn against a staged view and commits its writes atomically
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memoryTx{
		store:   s,
		devices: make(map[string]*model.Device),
		records: make(map[string]*model.Record),
		reads:   make(map[string]int64),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx.reads, tx.ops)
}

// commit applies ops if every record read for update still has the version
// the transaction saw (0 for a record that did not exist).
func (s *MemoryStore) commit(reads map[string]int64, ops []stagedOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// validate everything before mutating anything
	for key, version := range reads {
		var current int64
		if r, ok := s.records[key]; ok {
			current = r.Version
		}
		if current != version {
			return ErrWriteConflict
		}
	}
	for _, op := range ops {
		switch op.kind {
		case opInsertDevice:
			if _, exists := s.devices[compositeKey(op.device.TenantID, op.device.DeviceID)]; exists {
				return ErrUniqueViolation
			}
		case opUpdateDevice:
			if _, exists := s.devices[compositeKey(op.device.TenantID, op.device.DeviceID)]; !exists {
				return ErrWriteConflict
			}
		case opInsertRecord:
			if _, exists := s.records[compositeKey(op.record.TenantID, op.record.ID)]; exists {
				return ErrUniqueViolation
			}
		case opUpdateRecord:
			current, exists := s.records[compositeKey(op.record.TenantID, op.record.ID)]
			if !exists || current.Version != op.expectedVersion {
				return ErrWriteConflict
			}
		}
	}

	for _, op := range ops {
		switch op.kind {
		case opInsertDevice, opUpdateDevice:
			s.devices[compositeKey(op.device.TenantID, op.device.DeviceID)] = cloneDevice(op.device)
		case opInsertRecord, opUpdateRecord:
			s.records[compositeKey(op.record.TenantID, op.record.ID)] = op.record.Clone()
		case opInsertConflict:
			s.conflicts = append(s.conflicts, cloneConflict(op.conflict))
		case opResolveConflicts:
			for _, c := range s.conflicts {
				if c.TenantID == op.tenantID && c.RecordID == op.recordID && c.ResolvedAt == nil {
					t := op.resolvedAt
					c.ResolvedAt = &t
				}
			}
		}
	}
	return nil
}

// GetDevice returns a registered device
func (s *MemoryStore) GetDevice(ctx context.Context, tenantID, deviceID string) (*model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[compositeKey(tenantID, deviceID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDevice(d), nil
}

// TouchDevice advances a device's last_seen_at
func (s *MemoryStore) TouchDevice(ctx context.Context, tenantID, deviceID string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[compositeKey(tenantID, deviceID)]
	if !ok {
		return ErrNotFound
	}
	if seenAt.After(d.LastSeenAt) {
		d.LastSeenAt = seenAt
	}
	return nil
}

// ListRecords returns records matching filter ordered by (updated_at, id)
func (s *MemoryStore) ListRecords(ctx context.Context, filter RecordFilter) ([]*model.Record, error) {
	namespaces := toSet(filter.NamespaceIDs)
	kinds := make(map[model.RecordKind]struct{}, len(filter.Kinds))
	for _, k := range filter.Kinds {
		kinds[k] = struct{}{}
	}

	s.mu.RLock()
	matched := make([]*model.Record, 0)
	for _, r := range s.records {
		if r.TenantID != filter.TenantID {
			continue
		}
		if len(namespaces) > 0 {
			if _, ok := namespaces[r.NamespaceID]; !ok {
				continue
			}
		}
		if len(kinds) > 0 {
			if _, ok := kinds[r.Kind]; !ok {
				continue
			}
		}
		if filter.Since != nil && !r.UpdatedAt.After(*filter.Since) {
			continue
		}
		matched = append(matched, r.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*model.Record{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// GetRecords returns the subset of recordIDs that exist, tombstones included
func (s *MemoryStore) GetRecords(ctx context.Context, tenantID string, recordIDs []string) ([]*model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Record, 0, len(recordIDs))
	seen := make(map[string]struct{}, len(recordIDs))
	for _, id := range recordIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if r, ok := s.records[compositeKey(tenantID, id)]; ok {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

// CountRecords counts live records and tombstones for a tenant
func (s *MemoryStore) CountRecords(ctx context.Context, tenantID string) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var live, tombstones int64
	for _, r := range s.records {
		if r.TenantID != tenantID {
			continue
		}
		if r.IsTombstone() {
			tombstones++
		} else {
			live++
		}
	}
	return live, tombstones, nil
}

// CountPendingConflicts counts unresolved conflicts raised by a device
func (s *MemoryStore) CountPendingConflicts(ctx context.Context, tenantID, deviceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, c := range s.conflicts {
		if c.TenantID == tenantID && c.DeviceID == deviceID && c.ResolvedAt == nil {
			n++
		}
	}
	return n, nil
}

// Migrate is a no-op for the in-memory store
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close releases nothing
func (s *MemoryStore) Close() error { return nil }

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// memoryTx reads through its own staged writes before falling back to the store.
// Record reads are remembered so that commit can reject decisions made on a
// version another transaction has since replaced.
type memoryTx struct {
	store   *MemoryStore
	devices map[string]*model.Device
	records map[string]*model.Record
	reads   map[string]int64
	ops     []stagedOp
}

func (t *memoryTx) GetDevice(ctx context.Context, tenantID, deviceID string) (*model.Device, error) {
	if d, ok := t.devices[compositeKey(tenantID, deviceID)]; ok {
		return cloneDevice(d), nil
	}
	return t.store.GetDevice(ctx, tenantID, deviceID)
}

func (t *memoryTx) InsertDevice(ctx context.Context, device *model.Device) error {
	key := compositeKey(device.TenantID, device.DeviceID)
	if _, ok := t.devices[key]; ok {
		return ErrUniqueViolation
	}
	staged := cloneDevice(device)
	t.devices[key] = staged
	t.ops = append(t.ops, stagedOp{kind: opInsertDevice, device: staged})
	return nil
}

func (t *memoryTx) UpdateDevice(ctx context.Context, device *model.Device) error {
	staged := cloneDevice(device)
	t.devices[compositeKey(device.TenantID, device.DeviceID)] = staged
	t.ops = append(t.ops, stagedOp{kind: opUpdateDevice, device: staged})
	return nil
}

func (t *memoryTx) GetRecordForUpdate(ctx context.Context, tenantID, recordID string) (*model.Record, error) {
	key := compositeKey(tenantID, recordID)
	if r, ok := t.records[key]; ok {
		return r.Clone(), nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	r, ok := t.store.records[key]
	if !ok {
		t.remember(key, 0)
		return nil, ErrNotFound
	}
	t.remember(key, r.Version)
	return r.Clone(), nil
}

func (t *memoryTx) remember(key string, version int64) {
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = version
	}
}

func (t *memoryTx) InsertRecord(ctx context.Context, record *model.Record) error {
	key := compositeKey(record.TenantID, record.ID)
	if _, ok := t.records[key]; ok {
		return ErrUniqueViolation
	}
	record.Version = 1
	staged := record.Clone()
	t.records[key] = staged
	t.ops = append(t.ops, stagedOp{kind: opInsertRecord, record: staged})
	return nil
}

func (t *memoryTx) UpdateRecord(ctx context.Context, record *model.Record) error {
	expected := record.Version
	record.Version++
	staged := record.Clone()
	t.records[compositeKey(record.TenantID, record.ID)] = staged
	t.ops = append(t.ops, stagedOp{kind: opUpdateRecord, record: staged, expectedVersion: expected})
	return nil
}

func (t *memoryTx) InsertConflict(ctx context.Context, conflict *model.Conflict) error {
	t.ops = append(t.ops, stagedOp{kind: opInsertConflict, conflict: cloneConflict(conflict)})
	return nil
}

func (t *memoryTx) ResolveConflicts(ctx context.Context, tenantID, recordID string, resolvedAt time.Time) (int64, error) {
	t.store.mu.RLock()
	var n int64
	for _, c := range t.store.conflicts {
		if c.TenantID == tenantID && c.RecordID == recordID && c.ResolvedAt == nil {
			n++
		}
	}
	t.store.mu.RUnlock()

	t.ops = append(t.ops, stagedOp{
		kind:       opResolveConflicts,
		tenantID:   tenantID,
		recordID:   recordID,
		resolvedAt: resolvedAt,
	})
	return n, nil
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/contextfs/syncd/internal/model"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// ErrUniqueViolation is returned when an insert races with another insert of the same key
var ErrUniqueViolation = errors.New("unique constraint violation")

// ErrWriteConflict is returned when a conditional write loses to a concurrent
// transaction (stale version, serialization failure, deadlock, busy database)
var ErrWriteConflict = errors.New("write conflict")

// IsTransient reports whether err is a store-level race worth retrying
func IsTransient(err error) bool {
	return errors.Is(err, ErrUniqueViolation) || errors.Is(err, ErrWriteConflict)
}

// RecordFilter selects records for pull and diff scans
type RecordFilter struct {
	TenantID     string
	NamespaceIDs []string
	Kinds        []model.RecordKind
	// Since keeps records with updated_at strictly after it
	Since  *time.Time
	Limit  int
	Offset int
}

// Tx is the set of reads and conditional writes available inside one atomic unit
type Tx interface {
	GetDevice(ctx context.Context, tenantID, deviceID string) (*model.Device, error)
	InsertDevice(ctx context.Context, device *model.Device) error
	UpdateDevice(ctx context.Context, device *model.Device) error

	// GetRecordForUpdate reads a record and locks it for the rest of the transaction
	GetRecordForUpdate(ctx context.Context, tenantID, recordID string) (*model.Record, error)
	InsertRecord(ctx context.Context, record *model.Record) error
	// UpdateRecord writes record if the stored version still equals record.Version,
	// and advances record.Version on success
	UpdateRecord(ctx context.Context, record *model.Record) error

	InsertConflict(ctx context.Context, conflict *model.Conflict) error
	ResolveConflicts(ctx context.Context, tenantID, recordID string, resolvedAt time.Time) (int64, error)
}

// SyncStore persists devices, records and conflicts for all tenants
type SyncStore interface {
	// WithTx runs fn inside a single atomic unit. Returning an error from fn
	// rolls everything back.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetDevice(ctx context.Context, tenantID, deviceID string) (*model.Device, error)
	TouchDevice(ctx context.Context, tenantID, deviceID string, seenAt time.Time) error

	ListRecords(ctx context.Context, filter RecordFilter) ([]*model.Record, error)
	GetRecords(ctx context.Context, tenantID string, recordIDs []string) ([]*model.Record, error)
	CountRecords(ctx context.Context, tenantID string) (live int64, tombstones int64, err error)
	CountPendingConflicts(ctx context.Context, tenantID, deviceID string) (int64, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// IdempotencyStore caches serialized responses by idempotency key
type IdempotencyStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Cache interface for in-memory caching
type Cache interface {
	Get(ctx context.Context, key string) (interface{}, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/contextfs/syncd/internal/model"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteStore implements SyncStore on a single SQLite database file. All
// timestamps are stored as unix microseconds.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore opens or creates the database at path
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	// IMMEDIATE transactions take the write lock up front so two pushes never
	// deadlock upgrading a read lock
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

func toMicros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func nullableMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicros(*t), Valid: true}
}

// mapSQLiteError translates driver errors into store sentinels
func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %s", ErrUniqueViolation, sqliteErr.Error())
		case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: %s", ErrWriteConflict, sqliteErr.Error())
		}
	}
	return err
}

// WithTx runs fn inside an IMMEDIATE transaction
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteError(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(ctx, &sqliteTx{q: tx}); err != nil {
		return err
	}
	return mapSQLiteError(tx.Commit())
}

// GetDevice retrieves a registered device
func (s *SQLiteStore) GetDevice(ctx context.Context, tenantID, deviceID string) (*model.Device, error) {
	return sqliteGetDevice(ctx, s.db, tenantID, deviceID)
}

// TouchDevice advances last_seen_at, never moving it backwards
func (s *SQLiteStore) TouchDevice(ctx context.Context, tenantID, deviceID string, seenAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_devices SET last_seen_at = MAX(last_seen_at, ?)
		WHERE tenant_id = ? AND device_id = ?`,
		toMicros(seenAt), tenantID, deviceID,
	)
	if err != nil {
		return mapSQLiteError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const sqliteRecordColumns = `id, tenant_id, kind, namespace_id, payload, tags, vector_clock,
	content_hash, last_device_id, created_at, updated_at, deleted_at, version`

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ListRecords returns records matching filter ordered by (updated_at, id)
func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]*model.Record, error) {
	var (
		where = []string{"tenant_id = ?"}
		args  = []any{filter.TenantID}
	)
	if len(filter.NamespaceIDs) > 0 {
		where = append(where, fmt.Sprintf("namespace_id IN (%s)", placeholders(len(filter.NamespaceIDs))))
		for _, ns := range filter.NamespaceIDs {
			args = append(args, ns)
		}
	}
	if len(filter.Kinds) > 0 {
		where = append(where, fmt.Sprintf("kind IN (%s)", placeholders(len(filter.Kinds))))
		for _, k := range filter.Kinds {
			args = append(args, string(k))
		}
	}
	if filter.Since != nil {
		where = append(where, "updated_at > ?")
		args = append(args, toMicros(*filter.Since))
	}

	query := fmt.Sprintf(`SELECT %s FROM sync_records WHERE %s ORDER BY updated_at ASC, id ASC`,
		sqliteRecordColumns, strings.Join(where, " AND "))
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	return collectSQLiteRecords(rows)
}

// GetRecords returns the subset of recordIDs that exist, tombstones included
func (s *SQLiteStore) GetRecords(ctx context.Context, tenantID string, recordIDs []string) ([]*model.Record, error) {
	if len(recordIDs) == 0 {
		return []*model.Record{}, nil
	}
	args := make([]any, 0, len(recordIDs)+1)
	args = append(args, tenantID)
	for _, id := range recordIDs {
		args = append(args, id)
	}
	query := fmt.Sprintf(`SELECT %s FROM sync_records WHERE tenant_id = ? AND id IN (%s) ORDER BY id`,
		sqliteRecordColumns, placeholders(len(recordIDs)))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	return collectSQLiteRecords(rows)
}

// CountRecords counts live records and tombstones for a tenant
func (s *SQLiteStore) CountRecords(ctx context.Context, tenantID string) (int64, int64, error) {
	var live, tombstones int64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN deleted_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN deleted_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM sync_records WHERE tenant_id = ?`, tenantID,
	).Scan(&live, &tombstones)
	if err != nil {
		return 0, 0, mapSQLiteError(err)
	}
	return live, tombstones, nil
}

// CountPendingConflicts counts unresolved conflicts raised by a device
func (s *SQLiteStore) CountPendingConflicts(ctx context.Context, tenantID, deviceID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_conflicts
		WHERE tenant_id = ? AND device_id = ? AND resolved_at IS NULL`, tenantID, deviceID,
	).Scan(&n)
	if err != nil {
		return 0, mapSQLiteError(err)
	}
	return n, nil
}

// Migrate applies embedded schema migrations that have not run yet
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var applied int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.version,
	).Scan(&applied); err != nil {
		return fmt.Errorf("failed to check migration %s: %w", m.version, err)
	}
	if applied > 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("failed to apply migration %s: %w", m.version, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		m.version, toMicros(time.Now()),
	); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Info("Applied migration", zap.String("version", m.version))
	return nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func sqliteGetDevice(ctx context.Context, q sqlQuerier, tenantID, deviceID string) (*model.Device, error) {
	var (
		d                      model.Device
		registeredAt, lastSeen int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT tenant_id, device_id, name, platform, client_version, registered_at, last_seen_at
		FROM sync_devices WHERE tenant_id = ? AND device_id = ?`, tenantID, deviceID,
	).Scan(&d.TenantID, &d.DeviceID, &d.Name, &d.Platform, &d.ClientVersion, &registeredAt, &lastSeen)
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	d.RegisteredAt = fromMicros(registeredAt)
	d.LastSeenAt = fromMicros(lastSeen)
	return &d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*model.Record, error) {
	var (
		r                    model.Record
		kind                 string
		payload              []byte
		tags, clock          string
		createdAt, updatedAt int64
		deletedAt            sql.NullInt64
	)
	err := row.Scan(
		&r.ID,
		&r.TenantID,
		&kind,
		&r.NamespaceID,
		&payload,
		&tags,
		&clock,
		&r.ContentHash,
		&r.LastDeviceID,
		&createdAt,
		&updatedAt,
		&deletedAt,
		&r.Version,
	)
	if err != nil {
		return nil, err
	}

	r.Kind = model.RecordKind(kind)
	if len(payload) > 0 {
		r.Payload = json.RawMessage(payload)
	}
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags for %s: %w", r.ID, err)
	}
	if len(r.Tags) == 0 {
		r.Tags = nil
	}
	if err := json.Unmarshal([]byte(clock), &r.VectorClock); err != nil {
		return nil, fmt.Errorf("failed to decode vector clock for %s: %w", r.ID, err)
	}
	r.CreatedAt = fromMicros(createdAt)
	r.UpdatedAt = fromMicros(updatedAt)
	if deletedAt.Valid {
		t := fromMicros(deletedAt.Int64)
		r.DeletedAt = &t
	}
	return &r, nil
}

func collectSQLiteRecords(rows *sql.Rows) ([]*model.Record, error) {
	defer rows.Close()

	records := make([]*model.Record, 0)
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, mapSQLiteError(rows.Err())
}

func encodeRecordColumns(r *model.Record) (tags string, clock string, err error) {
	tagBytes, err := json.Marshal(nonNilTags(r.Tags))
	if err != nil {
		return "", "", fmt.Errorf("failed to encode tags: %w", err)
	}
	clockBytes, err := json.Marshal(r.VectorClock)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode vector clock: %w", err)
	}
	return string(tagBytes), string(clockBytes), nil
}

// sqliteTx implements Tx over an open database/sql transaction
type sqliteTx struct {
	q sqlQuerier
}

func (t *sqliteTx) GetDevice(ctx context.Context, tenantID, deviceID string) (*model.Device, error) {
	return sqliteGetDevice(ctx, t.q, tenantID, deviceID)
}

func (t *sqliteTx) InsertDevice(ctx context.Context, d *model.Device) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO sync_devices (tenant_id, device_id, name, platform, client_version, registered_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.TenantID, d.DeviceID, d.Name, d.Platform, d.ClientVersion,
		toMicros(d.RegisteredAt), toMicros(d.LastSeenAt),
	)
	return mapSQLiteError(err)
}

func (t *sqliteTx) UpdateDevice(ctx context.Context, d *model.Device) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE sync_devices SET name = ?, platform = ?, client_version = ?, last_seen_at = ?
		WHERE tenant_id = ? AND device_id = ?`,
		d.Name, d.Platform, d.ClientVersion, toMicros(d.LastSeenAt), d.TenantID, d.DeviceID,
	)
	if err != nil {
		return mapSQLiteError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrWriteConflict
	}
	return nil
}

// GetRecordForUpdate needs no row lock: the IMMEDIATE transaction already
// holds the database write lock
func (t *sqliteTx) GetRecordForUpdate(ctx context.Context, tenantID, recordID string) (*model.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM sync_records WHERE tenant_id = ? AND id = ?`, sqliteRecordColumns)
	r, err := scanSQLiteRecord(t.q.QueryRowContext(ctx, query, tenantID, recordID))
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	return r, nil
}

func (t *sqliteTx) InsertRecord(ctx context.Context, r *model.Record) error {
	tags, clock, err := encodeRecordColumns(r)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO sync_records (id, tenant_id, kind, namespace_id, payload, tags, vector_clock,
			content_hash, last_device_id, created_at, updated_at, deleted_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		r.ID, r.TenantID, string(r.Kind), r.NamespaceID, nullablePayload(r), tags, clock,
		r.ContentHash, r.LastDeviceID, toMicros(r.CreatedAt), toMicros(r.UpdatedAt), nullableMicros(r.DeletedAt),
	)
	if err != nil {
		return mapSQLiteError(err)
	}
	r.Version = 1
	return nil
}

func (t *sqliteTx) UpdateRecord(ctx context.Context, r *model.Record) error {
	tags, clock, err := encodeRecordColumns(r)
	if err != nil {
		return err
	}
	result, err := t.q.ExecContext(ctx, `
		UPDATE sync_records
		SET kind = ?, namespace_id = ?, payload = ?, tags = ?, vector_clock = ?, content_hash = ?,
			last_device_id = ?, created_at = ?, updated_at = ?, deleted_at = ?, version = version + 1
		WHERE tenant_id = ? AND id = ? AND version = ?`,
		string(r.Kind), r.NamespaceID, nullablePayload(r), tags, clock, r.ContentHash,
		r.LastDeviceID, toMicros(r.CreatedAt), toMicros(r.UpdatedAt), nullableMicros(r.DeletedAt),
		r.TenantID, r.ID, r.Version,
	)
	if err != nil {
		return mapSQLiteError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrWriteConflict
	}
	r.Version++
	return nil
}

func (t *sqliteTx) InsertConflict(ctx context.Context, c *model.Conflict) error {
	incoming, err := json.Marshal(c.IncomingClock)
	if err != nil {
		return fmt.Errorf("failed to encode incoming clock: %w", err)
	}
	stored, err := json.Marshal(c.StoredClock)
	if err != nil {
		return fmt.Errorf("failed to encode stored clock: %w", err)
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO sync_conflicts (conflict_id, tenant_id, record_id, device_id,
			incoming_clock, incoming_hash, stored_clock, stored_hash, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ConflictID, c.TenantID, c.RecordID, c.DeviceID,
		string(incoming), c.IncomingHash, string(stored), c.StoredHash, toMicros(c.DetectedAt),
	)
	return mapSQLiteError(err)
}

func (t *sqliteTx) ResolveConflicts(ctx context.Context, tenantID, recordID string, resolvedAt time.Time) (int64, error) {
	result, err := t.q.ExecContext(ctx, `
		UPDATE sync_conflicts SET resolved_at = ?
		WHERE tenant_id = ? AND record_id = ? AND resolved_at IS NULL`,
		toMicros(resolvedAt), tenantID, recordID,
	)
	if err != nil {
		return 0, mapSQLiteError(err)
	}
	return result.RowsAffected()
}

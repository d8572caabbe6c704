package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/contextfs/syncd/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"

	// arbitrary key shared by every syncd process running migrations
	pgMigrationLockKey = 7_301_993_411
)

// PostgresOptions configures the PostgreSQL connection pool
type PostgresOptions struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	MinConns int
}

func (o PostgresOptions) connString() string {
	sslMode := o.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s pool_max_conns=%d pool_min_conns=%d",
		o.Host, o.Port, o.Database, o.User, o.Password, sslMode, o.MaxConns, o.MinConns,
	)
}

// pgQuerier is satisfied by both the pool and an open transaction
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements SyncStore for PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a new PostgreSQL sync store
func NewPostgresStore(ctx context.Context, opts PostgresOptions, logger *zap.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(opts.connString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// mapPgError translates driver errors into store sentinels
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrUniqueViolation, pgErr.ConstraintName)
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %s", ErrWriteConflict, pgErr.Message)
		}
	}
	return err
}

// WithTx runs fn in a READ COMMITTED transaction. Record rows are locked with
// SELECT ... FOR UPDATE so concurrent pushes to one record serialize.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapPgError(err)
	}
	defer func() {
		// no-op once committed
		_ = tx.Rollback(context.Background())
	}()

	if err := fn(ctx, &postgresTx{q: tx}); err != nil {
		return err
	}
	return mapPgError(tx.Commit(ctx))
}

// GetDevice retrieves a registered device
func (s *PostgresStore) GetDevice(ctx context.Context, tenantID, deviceID string) (*model.Device, error) {
	return pgGetDevice(ctx, s.pool, tenantID, deviceID)
}

// TouchDevice advances last_seen_at, never moving it backwards
func (s *PostgresStore) TouchDevice(ctx context.Context, tenantID, deviceID string, seenAt time.Time) error {
	query := `
		UPDATE sync_devices
		SET last_seen_at = GREATEST(last_seen_at, $3)
		WHERE tenant_id = $1 AND device_id = $2
	`
	result, err := s.pool.Exec(ctx, query, tenantID, deviceID, seenAt)
	if err != nil {
		return mapPgError(err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const pgRecordColumns = `id, tenant_id, kind, namespace_id, payload, tags, vector_clock,
	content_hash, last_device_id, created_at, updated_at, deleted_at, version`

// ListRecords returns records matching filter ordered by (updated_at, id)
func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]*model.Record, error) {
	var (
		where = []string{"tenant_id = $1"}
		args  = []any{filter.TenantID}
	)
	if len(filter.NamespaceIDs) > 0 {
		args = append(args, filter.NamespaceIDs)
		where = append(where, fmt.Sprintf("namespace_id = ANY($%d)", len(args)))
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		args = append(args, kinds)
		where = append(where, fmt.Sprintf("kind = ANY($%d)", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		where = append(where, fmt.Sprintf("updated_at > $%d", len(args)))
	}

	query := fmt.Sprintf(`SELECT %s FROM sync_records WHERE %s ORDER BY updated_at ASC, id ASC`,
		pgRecordColumns, strings.Join(where, " AND "))
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgError(err)
	}
	return collectPgRecords(rows)
}

// GetRecords returns the subset of recordIDs that exist, tombstones included
func (s *PostgresStore) GetRecords(ctx context.Context, tenantID string, recordIDs []string) ([]*model.Record, error) {
	if len(recordIDs) == 0 {
		return []*model.Record{}, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM sync_records WHERE tenant_id = $1 AND id = ANY($2) ORDER BY id`, pgRecordColumns)
	rows, err := s.pool.Query(ctx, query, tenantID, recordIDs)
	if err != nil {
		return nil, mapPgError(err)
	}
	return collectPgRecords(rows)
}

// CountRecords counts live records and tombstones for a tenant
func (s *PostgresStore) CountRecords(ctx context.Context, tenantID string) (int64, int64, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE deleted_at IS NULL),
			COUNT(*) FILTER (WHERE deleted_at IS NOT NULL)
		FROM sync_records
		WHERE tenant_id = $1
	`
	var live, tombstones int64
	if err := s.pool.QueryRow(ctx, query, tenantID).Scan(&live, &tombstones); err != nil {
		return 0, 0, mapPgError(err)
	}
	return live, tombstones, nil
}

// CountPendingConflicts counts unresolved conflicts raised by a device
func (s *PostgresStore) CountPendingConflicts(ctx context.Context, tenantID, deviceID string) (int64, error) {
	query := `
		SELECT COUNT(*) FROM sync_conflicts
		WHERE tenant_id = $1 AND device_id = $2 AND resolved_at IS NULL
	`
	var n int64
	if err := s.pool.QueryRow(ctx, query, tenantID, deviceID).Scan(&n); err != nil {
		return 0, mapPgError(err)
	}
	return n, nil
}

// Migrate applies embedded schema migrations that have not run yet
func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(pgMigrationLockKey)); err != nil {
			return fmt.Errorf("failed to acquire migration lock: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version    TEXT PRIMARY KEY,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`); err != nil {
			return fmt.Errorf("failed to create schema_migrations: %w", err)
		}

		for _, m := range migrations {
			var applied bool
			err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.version,
			).Scan(&applied)
			if err != nil {
				return fmt.Errorf("failed to check migration %s: %w", m.version, err)
			}
			if applied {
				continue
			}

			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return fmt.Errorf("failed to apply migration %s: %w", m.version, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
				return fmt.Errorf("failed to record migration %s: %w", m.version, err)
			}
			s.logger.Info("Applied migration", zap.String("version", m.version))
		}
		return nil
	})
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func pgGetDevice(ctx context.Context, q pgQuerier, tenantID, deviceID string) (*model.Device, error) {
	query := `
		SELECT tenant_id, device_id, name, platform, client_version, registered_at, last_seen_at
		FROM sync_devices
		WHERE tenant_id = $1 AND device_id = $2
	`
	var d model.Device
	err := q.QueryRow(ctx, query, tenantID, deviceID).Scan(
		&d.TenantID,
		&d.DeviceID,
		&d.Name,
		&d.Platform,
		&d.ClientVersion,
		&d.RegisteredAt,
		&d.LastSeenAt,
	)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &d, nil
}

func scanPgRecord(row pgx.Row) (*model.Record, error) {
	var (
		r       model.Record
		kind    string
		payload []byte
		clock   []byte
	)
	err := row.Scan(
		&r.ID,
		&r.TenantID,
		&kind,
		&r.NamespaceID,
		&payload,
		&r.Tags,
		&clock,
		&r.ContentHash,
		&r.LastDeviceID,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.DeletedAt,
		&r.Version,
	)
	if err != nil {
		return nil, err
	}
	r.Kind = model.RecordKind(kind)
	if len(payload) > 0 {
		r.Payload = json.RawMessage(payload)
	}
	if err := json.Unmarshal(clock, &r.VectorClock); err != nil {
		return nil, fmt.Errorf("failed to decode vector clock for %s: %w", r.ID, err)
	}
	return &r, nil
}

func collectPgRecords(rows pgx.Rows) ([]*model.Record, error) {
	defer rows.Close()

	records := make([]*model.Record, 0)
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, mapPgError(rows.Err())
}

func nullablePayload(r *model.Record) []byte {
	if r.Payload == nil {
		return nil
	}
	return []byte(r.Payload)
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// postgresTx implements Tx over an open pgx transaction
type postgresTx struct {
	q pgQuerier
}

func (t *postgresTx) GetDevice(ctx context.Context, tenantID, deviceID string) (*model.Device, error) {
	return pgGetDevice(ctx, t.q, tenantID, deviceID)
}

func (t *postgresTx) InsertDevice(ctx context.Context, d *model.Device) error {
	query := `
		INSERT INTO sync_devices (tenant_id, device_id, name, platform, client_version, registered_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := t.q.Exec(ctx, query,
		d.TenantID, d.DeviceID, d.Name, d.Platform, d.ClientVersion, d.RegisteredAt, d.LastSeenAt,
	)
	return mapPgError(err)
}

func (t *postgresTx) UpdateDevice(ctx context.Context, d *model.Device) error {
	query := `
		UPDATE sync_devices
		SET name = $3, platform = $4, client_version = $5, last_seen_at = $6
		WHERE tenant_id = $1 AND device_id = $2
	`
	result, err := t.q.Exec(ctx, query,
		d.TenantID, d.DeviceID, d.Name, d.Platform, d.ClientVersion, d.LastSeenAt,
	)
	if err != nil {
		return mapPgError(err)
	}
	if result.RowsAffected() == 0 {
		return ErrWriteConflict
	}
	return nil
}

func (t *postgresTx) GetRecordForUpdate(ctx context.Context, tenantID, recordID string) (*model.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM sync_records WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, pgRecordColumns)
	r, err := scanPgRecord(t.q.QueryRow(ctx, query, tenantID, recordID))
	if err != nil {
		return nil, mapPgError(err)
	}
	return r, nil
}

func (t *postgresTx) InsertRecord(ctx context.Context, r *model.Record) error {
	clock, err := json.Marshal(r.VectorClock)
	if err != nil {
		return fmt.Errorf("failed to encode vector clock: %w", err)
	}
	query := `
		INSERT INTO sync_records (id, tenant_id, kind, namespace_id, payload, tags, vector_clock,
			content_hash, last_device_id, created_at, updated_at, deleted_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
	`
	_, err = t.q.Exec(ctx, query,
		r.ID, r.TenantID, string(r.Kind), r.NamespaceID, nullablePayload(r), nonNilTags(r.Tags), clock,
		r.ContentHash, r.LastDeviceID, r.CreatedAt, r.UpdatedAt, r.DeletedAt,
	)
	if err != nil {
		return mapPgError(err)
	}
	r.Version = 1
	return nil
}

func (t *postgresTx) UpdateRecord(ctx context.Context, r *model.Record) error {
	clock, err := json.Marshal(r.VectorClock)
	if err != nil {
		return fmt.Errorf("failed to encode vector clock: %w", err)
	}
	query := `
		UPDATE sync_records
		SET kind = $3, namespace_id = $4, payload = $5, tags = $6, vector_clock = $7,
			content_hash = $8, last_device_id = $9, created_at = $10, updated_at = $11,
			deleted_at = $12, version = version + 1
		WHERE tenant_id = $1 AND id = $2 AND version = $13
	`
	result, err := t.q.Exec(ctx, query,
		r.TenantID, r.ID, string(r.Kind), r.NamespaceID, nullablePayload(r), nonNilTags(r.Tags), clock,
		r.ContentHash, r.LastDeviceID, r.CreatedAt, r.UpdatedAt, r.DeletedAt, r.Version,
	)
	if err != nil {
		return mapPgError(err)
	}
	if result.RowsAffected() == 0 {
		return ErrWriteConflict
	}
	r.Version++
	return nil
}

func (t *postgresTx) InsertConflict(ctx context.Context, c *model.Conflict) error {
	incoming, err := json.Marshal(c.IncomingClock)
	if err != nil {
		return fmt.Errorf("failed to encode incoming clock: %w", err)
	}
	stored, err := json.Marshal(c.StoredClock)
	if err != nil {
		return fmt.Errorf("failed to encode stored clock: %w", err)
	}
	query := `
		INSERT INTO sync_conflicts (conflict_id, tenant_id, record_id, device_id,
			incoming_clock, incoming_hash, stored_clock, stored_hash, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = t.q.Exec(ctx, query,
		c.ConflictID, c.TenantID, c.RecordID, c.DeviceID,
		incoming, c.IncomingHash, stored, c.StoredHash, c.DetectedAt,
	)
	return mapPgError(err)
}

func (t *postgresTx) ResolveConflicts(ctx context.Context, tenantID, recordID string, resolvedAt time.Time) (int64, error) {
	query := `
		UPDATE sync_conflicts SET resolved_at = $3
		WHERE tenant_id = $1 AND record_id = $2 AND resolved_at IS NULL
	`
	result, err := t.q.Exec(ctx, query, tenantID, recordID, resolvedAt)
	if err != nil {
		return 0, mapPgError(err)
	}
	return result.RowsAffected(), nil
}

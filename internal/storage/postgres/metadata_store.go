// Package postgres provides the Postgres-backed metadata store. Its guarded
// UPDATE statements are the conditional-write primitive every worker
// coordinates through.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snapvault/snapvault/internal/capture"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// MetadataStore implements capture.ScheduleStore and capture.RecordStore on
// Postgres.
type MetadataStore struct {
	pool dbPool
}

// New creates a Postgres-backed metadata store using the provided config.
func New(ctx context.Context, cfg Config) (*MetadataStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &MetadataStore{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool) (*MetadataStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &MetadataStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *MetadataStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schedules (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	url TEXT NOT NULL,
	recurrence TEXT NOT NULL,
	timezone TEXT NOT NULL,
	render JSONB NOT NULL,
	retention TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	last_run TIMESTAMPTZ,
	next_due TIMESTAMPTZ NOT NULL,
	lease_holder TEXT,
	lease_expires TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules (next_due) WHERE active;

CREATE TABLE IF NOT EXISTS captures (
	id TEXT PRIMARY KEY,
	schedule_id TEXT,
	owner_id TEXT NOT NULL,
	url TEXT NOT NULL,
	format TEXT NOT NULL,
	location TEXT NOT NULL DEFAULT '',
	digest TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error_text TEXT NOT NULL DEFAULT '',
	byte_size BIGINT NOT NULL DEFAULT 0,
	render_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	retention TEXT NOT NULL,
	attempts INT NOT NULL DEFAULT 0,
	idempotency_key TEXT
);
CREATE INDEX IF NOT EXISTS idx_captures_owner_time ON captures (owner_id, created_at);
CREATE INDEX IF NOT EXISTS idx_captures_url_time ON captures (url, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_captures_idem ON captures (owner_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
`

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *MetadataStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", capture.ErrTransient, err)
	}
	return nil
}

// CreateSchedule inserts a new schedule row.
func (s *MetadataStore) CreateSchedule(ctx context.Context, sched capture.Schedule) error {
	render, err := json.Marshal(sched.Render)
	if err != nil {
		return fmt.Errorf("marshal render options: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO schedules (id, owner_id, url, recurrence, timezone, render, retention, active, next_due)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sched.ID, sched.OwnerID, sched.URL, sched.Recurrence, sched.Timezone,
		render, string(sched.Retention), sched.Active, sched.NextDue,
	)
	if err != nil {
		return fmt.Errorf("%w: insert schedule: %v", capture.ErrTransient, err)
	}
	return nil
}

const scheduleColumns = `id, owner_id, url, recurrence, timezone, render, retention, active, last_run, next_due, lease_holder, lease_expires`

// GetSchedule fetches a schedule by ID.
func (s *MetadataStore) GetSchedule(ctx context.Context, id string) (capture.Schedule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return capture.Schedule{}, fmt.Errorf("%w: schedule %s", capture.ErrNotFound, id)
	}
	if err != nil {
		return capture.Schedule{}, fmt.Errorf("%w: get schedule: %v", capture.ErrTransient, err)
	}
	return sched, nil
}

// DueSchedules lists claimable schedules with next-due in [from, to].
func (s *MetadataStore) DueSchedules(ctx context.Context, from, to time.Time, limit int) ([]capture.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE active
		  AND next_due BETWEEN $1 AND $2
		  AND (lease_holder IS NULL OR lease_expires <= $2)
		ORDER BY next_due
		LIMIT $3`,
		from, to, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list due schedules: %v", capture.ErrTransient, err)
	}
	defer rows.Close()

	var due []capture.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan schedule: %v", capture.ErrTransient, err)
		}
		due = append(due, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate schedules: %v", capture.ErrTransient, err)
	}
	return due, nil
}

// ClaimSchedule sets the lease iff the stored lease is absent or expired and
// next-due is unchanged since read. The single guarded UPDATE makes the claim
// atomic as observed by other workers.
func (s *MetadataStore) ClaimSchedule(ctx context.Context, id string, observedNextDue time.Time, holder string, now, expiresAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules
		SET lease_holder = $1, lease_expires = $2
		WHERE id = $3
		  AND active
		  AND next_due = $4
		  AND (lease_holder IS NULL OR lease_expires <= $5)`,
		holder, expiresAt, id, observedNextDue, now,
	)
	if err != nil {
		return false, fmt.Errorf("%w: claim schedule: %v", capture.ErrTransient, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteSchedule releases the holder's lease, records the run, and advances
// next-due. A stale holder matches no row and is a silent no-op.
func (s *MetadataStore) CompleteSchedule(ctx context.Context, id, holder string, lastRun, nextDue time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE schedules
		SET lease_holder = NULL, lease_expires = NULL, last_run = $1, next_due = $2
		WHERE id = $3 AND lease_holder = $4`,
		lastRun, nextDue, id, holder,
	)
	if err != nil {
		return fmt.Errorf("%w: complete schedule: %v", capture.ErrTransient, err)
	}
	return nil
}

// DeactivateSchedule flags a schedule inactive; rows are never deleted.
func (s *MetadataStore) DeactivateSchedule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE schedules SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: deactivate schedule: %v", capture.ErrTransient, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: schedule %s", capture.ErrNotFound, id)
	}
	return nil
}

// Postgres error code for unique-constraint violations.
const uniqueViolation = "23505"

// CreateRecord inserts a pending capture row. Inserting a second record with
// an owner's already-used idempotency key fails the partial unique index and
// surfaces as ErrDuplicateKey.
func (s *MetadataStore) CreateRecord(ctx context.Context, rec capture.Record) error {
	var idemKey *string
	if rec.IdempotencyKey != "" {
		idemKey = &rec.IdempotencyKey
	}
	var schedID *string
	if rec.ScheduleID != "" {
		schedID = &rec.ScheduleID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO captures (id, schedule_id, owner_id, url, format, status, created_at, retention, attempts, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, schedID, rec.OwnerID, rec.URL, string(rec.Format),
		string(rec.Status), rec.CreatedAt, string(rec.Retention), rec.Attempts, idemKey,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: owner %s key %s", capture.ErrDuplicateKey, rec.OwnerID, rec.IdempotencyKey)
		}
		return fmt.Errorf("%w: insert capture: %v", capture.ErrTransient, err)
	}
	return nil
}

// RecordAttempt persists the attempt counter so it survives worker restarts.
func (s *MetadataStore) RecordAttempt(ctx context.Context, id string, attempts int) error {
	_, err := s.pool.Exec(ctx, `UPDATE captures SET attempts = $1 WHERE id = $2`, attempts, id)
	if err != nil {
		return fmt.Errorf("%w: record attempt: %v", capture.ErrTransient, err)
	}
	return nil
}

// MarkSucceeded transitions a pending capture to succeeded. The status guard
// in the WHERE clause enforces the single-transition invariant.
func (s *MetadataStore) MarkSucceeded(ctx context.Context, id, location, digest string, byteSize, renderMillis int64, attempts int) error {
	if digest == "" {
		return fmt.Errorf("capture %s cannot succeed without a digest", id)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE captures
		SET status = $1, location = $2, digest = $3, byte_size = $4, render_ms = $5, attempts = $6
		WHERE id = $7 AND status = $8`,
		string(capture.StatusSucceeded), location, digest, byteSize, renderMillis, attempts,
		id, string(capture.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("%w: mark succeeded: %v", capture.ErrTransient, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("capture %s is not pending", id)
	}
	return nil
}

// MarkFailed transitions a pending capture to failed with a reason.
func (s *MetadataStore) MarkFailed(ctx context.Context, id, reason string, attempts int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE captures
		SET status = $1, error_text = $2, attempts = $3
		WHERE id = $4 AND status = $5`,
		string(capture.StatusFailed), reason, attempts, id, string(capture.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("%w: mark failed: %v", capture.ErrTransient, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("capture %s is not pending", id)
	}
	return nil
}

const captureColumns = `id, schedule_id, owner_id, url, format, location, digest, status, error_text, byte_size, render_ms, created_at, retention, attempts, idempotency_key`

// GetRecord fetches a capture row by ID.
func (s *MetadataStore) GetRecord(ctx context.Context, id string) (capture.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+captureColumns+` FROM captures WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return capture.Record{}, fmt.Errorf("%w: capture %s", capture.ErrNotFound, id)
	}
	if err != nil {
		return capture.Record{}, fmt.Errorf("%w: get capture: %v", capture.ErrTransient, err)
	}
	return rec, nil
}

// ListRecords pages capture rows newest-first by ID.
func (s *MetadataStore) ListRecords(ctx context.Context, filter capture.ListFilter) ([]capture.Record, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.OwnerID != "" {
		add("owner_id = $%d", filter.OwnerID)
	}
	if filter.URL != "" {
		add("url = $%d", filter.URL)
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <= $%d", filter.To)
	}
	if filter.Cursor != "" {
		add("id < $%d", filter.Cursor)
	}

	query := `SELECT ` + captureColumns + ` FROM captures`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list captures: %v", capture.ErrTransient, err)
	}
	defer rows.Close()

	var out []capture.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan capture: %v", capture.ErrTransient, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate captures: %v", capture.ErrTransient, err)
	}
	return out, nil
}

// FindByIdempotencyKey returns the newest record created with the key at or
// after since.
func (s *MetadataStore) FindByIdempotencyKey(ctx context.Context, ownerID, key string, since time.Time) (capture.Record, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+captureColumns+`
		FROM captures
		WHERE owner_id = $1 AND idempotency_key = $2 AND created_at >= $3
		ORDER BY id DESC
		LIMIT 1`,
		ownerID, key, since,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return capture.Record{}, false, nil
	}
	if err != nil {
		return capture.Record{}, false, fmt.Errorf("%w: find by idempotency key: %v", capture.ErrTransient, err)
	}
	return rec, true, nil
}

func scanSchedule(row pgx.Row) (capture.Schedule, error) {
	var (
		sched       capture.Schedule
		render      []byte
		retention   string
		lastRun     *time.Time
		leaseHolder *string
		leaseExp    *time.Time
	)
	err := row.Scan(
		&sched.ID, &sched.OwnerID, &sched.URL, &sched.Recurrence, &sched.Timezone,
		&render, &retention, &sched.Active, &lastRun, &sched.NextDue,
		&leaseHolder, &leaseExp,
	)
	if err != nil {
		return capture.Schedule{}, err
	}
	if err := json.Unmarshal(render, &sched.Render); err != nil {
		return capture.Schedule{}, fmt.Errorf("unmarshal render options: %w", err)
	}
	sched.Retention = capture.RetentionClass(retention)
	sched.LastRun = lastRun
	if leaseHolder != nil && leaseExp != nil {
		sched.Lease = &capture.Lease{Holder: *leaseHolder, ExpiresAt: *leaseExp}
	}
	return sched, nil
}

func scanRecord(row pgx.Row) (capture.Record, error) {
	var (
		rec        capture.Record
		scheduleID *string
		format     string
		status     string
		retention  string
		idemKey    *string
	)
	err := row.Scan(
		&rec.ID, &scheduleID, &rec.OwnerID, &rec.URL, &format,
		&rec.Location, &rec.Digest, &status, &rec.ErrorText,
		&rec.ByteSize, &rec.RenderMillis, &rec.CreatedAt, &retention,
		&rec.Attempts, &idemKey,
	)
	if err != nil {
		return capture.Record{}, err
	}
	if scheduleID != nil {
		rec.ScheduleID = *scheduleID
	}
	if idemKey != nil {
		rec.IdempotencyKey = *idemKey
	}
	rec.Format = capture.Format(format)
	rec.Status = capture.Status(status)
	rec.Retention = capture.RetentionClass(retention)
	return rec, nil
}

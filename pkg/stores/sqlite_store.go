package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", s.cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// CreateExperiment creates a new experiment record
func (s *SQLiteStore) CreateExperiment(ctx context.Context, exp *Experiment) error {
	now := time.Now()
	if exp.StartedAt.IsZero() {
		exp.StartedAt = now
	}
	if exp.Status == "" {
		exp.Status = ExperimentStatusRunning
	}
	if exp.Metadata == "" {
		exp.Metadata = "{}"
	}
	exp.CreatedAt = now
	exp.UpdatedAt = now

	query := `
		INSERT INTO experiments (id, root_dir, status, started_at, completed_at, error, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		exp.ID,
		exp.RootDir,
		exp.Status,
		exp.StartedAt,
		exp.CompletedAt,
		exp.Error,
		exp.Metadata,
		exp.CreatedAt,
		exp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create experiment: %w", err)
	}

	return nil
}

// GetExperiment retrieves an experiment by ID
func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	query := `
		SELECT id, root_dir, status, started_at, completed_at, error, metadata, created_at, updated_at
		FROM experiments
		WHERE id = ?
	`

	exp := &Experiment{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&exp.ID,
		&exp.RootDir,
		&exp.Status,
		&exp.StartedAt,
		&exp.CompletedAt,
		&exp.Error,
		&exp.Metadata,
		&exp.CreatedAt,
		&exp.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}

	return exp, nil
}

// UpdateExperimentStatus updates the status of an experiment
func (s *SQLiteStore) UpdateExperimentStatus(ctx context.Context, id string, status ExperimentStatus, errMsg *string) error {
	query := `
		UPDATE experiments
		SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now()
	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, errMsg, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to update experiment status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListExperiments lists experiments with pagination, newest first
func (s *SQLiteStore) ListExperiments(ctx context.Context, limit, offset int) ([]*Experiment, error) {
	query := `
		SELECT id, root_dir, status, started_at, completed_at, error, metadata, created_at, updated_at
		FROM experiments
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	exps := []*Experiment{}
	for rows.Next() {
		exp := &Experiment{}
		err := rows.Scan(
			&exp.ID,
			&exp.RootDir,
			&exp.Status,
			&exp.StartedAt,
			&exp.CompletedAt,
			&exp.Error,
			&exp.Metadata,
			&exp.CreatedAt,
			&exp.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		exps = append(exps, exp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating experiments: %w", err)
	}

	return exps, nil
}

// DeleteExperiment deletes an experiment and, by cascade, everything recorded for it
func (s *SQLiteStore) DeleteExperiment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete experiment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}

	return nil
}

// UpsertResourceSnapshot inserts or replaces the snapshot of one resource
func (s *SQLiteStore) UpsertResourceSnapshot(ctx context.Context, snap *ResourceSnapshot) error {
	if snap.Times == "" {
		snap.Times = "{}"
	}
	if snap.Attributes == "" {
		snap.Attributes = "{}"
	}
	snap.UpdatedAt = time.Now()

	query := `
		INSERT INTO resource_snapshots (
			experiment_id, guid, type, label, state, times, attributes,
			failure_code, failure_cause, release_error, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(experiment_id, guid) DO UPDATE SET
			type = excluded.type,
			label = excluded.label,
			state = excluded.state,
			times = excluded.times,
			attributes = excluded.attributes,
			failure_code = excluded.failure_code,
			failure_cause = excluded.failure_cause,
			release_error = excluded.release_error,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		snap.ExperimentID,
		snap.GUID,
		snap.Type,
		snap.Label,
		snap.State,
		snap.Times,
		snap.Attributes,
		snap.FailureCode,
		snap.FailureCause,
		snap.ReleaseError,
		snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert resource snapshot: %w", err)
	}

	return nil
}

// ListResourceSnapshots lists the snapshots of an experiment ordered by guid
func (s *SQLiteStore) ListResourceSnapshots(ctx context.Context, experimentID string) ([]*ResourceSnapshot, error) {
	query := `
		SELECT experiment_id, guid, type, label, state, times, attributes,
			   failure_code, failure_cause, release_error, updated_at
		FROM resource_snapshots
		WHERE experiment_id = ?
		ORDER BY guid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []*ResourceSnapshot{}
	for rows.Next() {
		snap := &ResourceSnapshot{}
		err := rows.Scan(
			&snap.ExperimentID,
			&snap.GUID,
			&snap.Type,
			&snap.Label,
			&snap.State,
			&snap.Times,
			&snap.Attributes,
			&snap.FailureCode,
			&snap.FailureCause,
			&snap.ReleaseError,
			&snap.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource snapshots: %w", err)
	}

	return snaps, nil
}

// RecordTask inserts or updates a task outcome
func (s *SQLiteStore) RecordTask(ctx context.Context, task *TaskRecord) error {
	query := `
		INSERT INTO tasks (experiment_id, task_id, scheduled_for, status, result, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(experiment_id, task_id) DO UPDATE SET
			scheduled_for = excluded.scheduled_for,
			status = excluded.status,
			result = excluded.result,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ExperimentID,
		task.TaskID,
		task.ScheduledFor,
		task.Status,
		task.Result,
		task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record task: %w", err)
	}

	return nil
}

// ListTasks lists the recorded tasks of an experiment ordered by id
func (s *SQLiteStore) ListTasks(ctx context.Context, experimentID string) ([]*TaskRecord, error) {
	query := `
		SELECT experiment_id, task_id, scheduled_for, status, result, completed_at
		FROM tasks
		WHERE experiment_id = ?
		ORDER BY task_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*TaskRecord{}
	for rows.Next() {
		task := &TaskRecord{}
		err := rows.Scan(
			&task.ExperimentID,
			&task.TaskID,
			&task.ScheduledFor,
			&task.Status,
			&task.Result,
			&task.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	query := `
		INSERT INTO events (experiment_id, type, guid, task_id, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.ExperimentID,
		event.Type,
		event.GUID,
		event.TaskID,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events with optional filters and pagination, oldest first
func (s *SQLiteStore) GetEvents(ctx context.Context, q EventQuery) ([]*Event, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	query := `
		SELECT id, experiment_id, type, guid, task_id, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR experiment_id = ?)
		  AND (? IS NULL OR guid = ?)
		  AND (? IS NULL OR type = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		q.ExperimentID, q.ExperimentID,
		q.GUID, q.GUID,
		q.Type, q.Type,
		q.Level, q.Level,
		q.Limit, q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.ExperimentID,
			&event.Type,
			&event.GUID,
			&event.TaskID,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/minerlink/minerlink/pkg/backend"
	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/locator"
	"github.com/minerlink/minerlink/pkg/telemetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Temp resource states.
const (
	TempStaged  = "staged"
	TempDeleted = "deleted"
	TempFailed  = "failed"
)

// Config holds journal configuration.
type Config struct {
	// Path is the database file.
	Path string `yaml:"path" json:"path" validate:"required"`

	// BusyTimeout is how long a writer waits for the database lock.
	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout"`
}

// JobRecord is a journaled job.
type JobRecord struct {
	ID         string
	RemoteID   string
	Backend    string
	Process    string
	Queue      string
	Status     backend.JobStatus
	Diagnostic string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
}

// TempRecord is a journaled temp resource.
type TempRecord struct {
	ID        int64
	JobID     string
	Backend   string
	Locator   string
	State     string
	Error     string
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Journal records jobs and the temp resources they stage in SQLite so that
// leftovers of failed or interrupted cleanups can be swept later.
type Journal struct {
	db     *sql.DB
	path   string
	logger *telemetry.Logger
}

// Open opens the journal at cfg.Path and brings its schema up to date.
func Open(ctx context.Context, cfg Config, logger *telemetry.Logger) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = telemetry.Nop()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_time_format=sqlite",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	j := &Journal{db: db, path: cfg.Path, logger: logger.NewComponentLogger("journal")}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(j.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// HealthCheck verifies the database answers.
func (j *Journal) HealthCheck(ctx context.Context) error {
	var one int
	if err := j.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// RecordJob inserts or updates the row of job.
func (j *Journal) RecordJob(ctx context.Context, backendName string, job *backend.Job) error {
	now := time.Now().UTC()
	var finished *time.Time
	if !job.FinishedAt.IsZero() {
		t := job.FinishedAt.UTC()
		finished = &t
	}
	process := ""
	if job.Process != nil {
		process = job.Process.String()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO jobs (id, remote_id, backend, process, queue, status, diagnostic, created_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remote_id = excluded.remote_id,
			status = excluded.status,
			diagnostic = excluded.diagnostic,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at
	`, job.ID, job.RemoteID, backendName, process, job.Queue, string(job.Status), job.Diagnostic, now, now, finished)
	if err != nil {
		return fmt.Errorf("failed to record job: %w", err)
	}
	return nil
}

// RecordTransition updates the job row and appends the transition.
func (j *Journal) RecordTransition(ctx context.Context, backendName string, job *backend.Job, from backend.JobStatus) error {
	if err := j.RecordJob(ctx, backendName, job); err != nil {
		return err
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transitions (job_id, from_status, to_status, at) VALUES (?, ?, ?, ?)`,
		job.ID, string(from), string(job.Status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// RecordTemp notes that loc was created for job.
func (j *Journal) RecordTemp(ctx context.Context, backendName string, job *backend.Job, loc locator.Locator) error {
	now := time.Now().UTC()
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO temp_resources (job_id, backend, locator, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, locator) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`, job.ID, backendName, loc.String(), TempStaged, now, now)
	if err != nil {
		return fmt.Errorf("failed to record temp resource: %w", err)
	}
	return nil
}

// RecordCleanup marks loc deleted, or failed with cause when cause is not
// nil.
func (j *Journal) RecordCleanup(ctx context.Context, jobID string, loc locator.Locator, cause error) error {
	state, msg := TempDeleted, ""
	if cause != nil {
		state, msg = TempFailed, cause.Error()
	}
	_, err := j.db.ExecContext(ctx, `
		UPDATE temp_resources
		SET state = ?, error = ?, attempts = attempts + 1, updated_at = ?
		WHERE job_id = ? AND locator = ?
	`, state, msg, time.Now().UTC(), jobID, loc.String())
	if err != nil {
		return fmt.Errorf("failed to record cleanup: %w", err)
	}
	return nil
}

// Job returns the journaled job with id.
func (j *Journal) Job(ctx context.Context, id string) (*JobRecord, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT id, remote_id, backend, process, queue, status, diagnostic, created_at, updated_at, finished_at
		FROM jobs WHERE id = ?
	`, id)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.KindNotFound, "job %s is not journaled", id)
	}
	return rec, err
}

// Jobs returns the journaled jobs, newest first. An empty status returns
// every job.
func (j *Journal) Jobs(ctx context.Context, status backend.JobStatus, limit int) ([]*JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, remote_id, backend, process, queue, status, diagnostic, created_at, updated_at, finished_at
		FROM jobs
		WHERE (? = '' OR status = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`, string(status), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Transitions returns the recorded status changes of job in order.
func (j *Journal) Transitions(ctx context.Context, jobID string) ([][2]backend.JobStatus, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT from_status, to_status FROM transitions WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var out [][2]backend.JobStatus
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		out = append(out, [2]backend.JobStatus{backend.JobStatus(from), backend.JobStatus(to)})
	}
	return out, rows.Err()
}

// Temps returns the temp resources of job in creation order.
func (j *Journal) Temps(ctx context.Context, jobID string) ([]*TempRecord, error) {
	return j.queryTemps(ctx, `
		SELECT id, job_id, backend, locator, state, error, attempts, created_at, updated_at
		FROM temp_resources WHERE job_id = ? ORDER BY id
	`, jobID)
}

// Leftovers returns temp resources that still need deleting: those whose
// cleanup failed, and staged ones untouched since before cutoff.
func (j *Journal) Leftovers(ctx context.Context, cutoff time.Time) ([]*TempRecord, error) {
	return j.queryTemps(ctx, `
		SELECT id, job_id, backend, locator, state, error, attempts, created_at, updated_at
		FROM temp_resources
		WHERE state = ? OR (state = ? AND updated_at < ?)
		ORDER BY id
	`, TempFailed, TempStaged, cutoff.UTC())
}

func (j *Journal) queryTemps(ctx context.Context, query string, args ...interface{}) ([]*TempRecord, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list temp resources: %w", err)
	}
	defer rows.Close()

	var out []*TempRecord
	for rows.Next() {
		rec := &TempRecord{}
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Backend, &rec.Locator, &rec.State,
			&rec.Error, &rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan temp resource: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*JobRecord, error) {
	rec := &JobRecord{}
	var status string
	var finished sql.NullTime
	err := s.Scan(&rec.ID, &rec.RemoteID, &rec.Backend, &rec.Process, &rec.Queue,
		&status, &rec.Diagnostic, &rec.CreatedAt, &rec.UpdatedAt, &finished)
	if err != nil {
		return nil, err
	}
	rec.Status = backend.JobStatus(status)
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	return rec, nil
}

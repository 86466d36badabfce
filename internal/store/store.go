// Package store is the job database (carpetbag.db): schema creation,
// row insert/update, and persistent job-id counter backing the job
// table's id, srcpkg, status, log, buildlog, built, valid, and timing
// columns, opened and scanned the modernc.org/sqlite way.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	_ "modernc.org/sqlite"

	"github.com/jturney/carpetbag/internal/job"
)

const timeLayout = time.RFC3339Nano

// Store owns the job database and the persistent monotonic job-id
// counter file. Both are touched only by the main loop (single writer),
// per spec.md §5.
type Store struct {
	db          *sql.DB
	counterPath string
}

// Open creates (if needed) the job database at dbPath with the schema
// spec.md §4.7 names verbatim, and prepares the persistent counter file
// at counterPath for Current/Allocate.
func Open(dbPath, counterPath string) (*Store, error) {
	dsn := strings.TrimPrefix(dbPath, "sqlite://")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open job database %s: %w", dsn, err)
	}

	//nolint:noctx
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER NOT NULL PRIMARY KEY,
			srcpkg TEXT NOT NULL,
			status TEXT NOT NULL,
			log TEXT NOT NULL DEFAULT '',
			buildlog TEXT NOT NULL DEFAULT '',
			built INTEGER,
			valid INTEGER,
			start_timestamp TEXT,
			end_timestamp TEXT
		) STRICT;
	`)
	if err != nil {
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	db.SetMaxOpenConns(1)

	return &Store{db: db, counterPath: counterPath}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close job database: %w", err)
	}

	return nil
}

// Current reads the persistent job-id counter, returning 0 if the
// counter file does not yet exist (fresh install). Mirrors
// original_source/builder.py's startup read of `.jobid`.
func (s *Store) Current() (int64, error) {
	data, err := os.ReadFile(s.counterPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("read job-id counter %s: %w", s.counterPath, err)
	}

	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse job-id counter %s: %w", s.counterPath, err)
	}

	return n, nil
}

// Allocate increments and synchronously persists the job-id counter,
// returning the freshly allocated id. Never called by the builder — the
// id is handed to it as an argument (spec.md §9).
func (s *Store) Allocate() (int64, error) {
	current, err := s.Current()
	if err != nil {
		return 0, err
	}

	next := current + 1

	if err := os.WriteFile(s.counterPath, []byte(strconv.FormatInt(next, 10)), 0o644); err != nil {
		return 0, fmt.Errorf("persist job-id counter %s: %w", s.counterPath, err)
	}

	return next, nil
}

// row is the on-disk shape of a jobs record: timestamps as text and
// built/valid as nullable ints, scanned manually into job.Job the way
// storage/sqlite/driver.go scans created_at/updated_at as plain strings
// before parsing them.
type row struct {
	ID       int64          `db:"id"`
	Srcpkg   string         `db:"srcpkg"`
	Status   string         `db:"status"`
	Log      string         `db:"log"`
	Buildlog string         `db:"buildlog"`
	Built    sql.NullInt64  `db:"built"`
	Valid    sql.NullInt64  `db:"valid"`
	Start    sql.NullString `db:"start_timestamp"`
	End      sql.NullString `db:"end_timestamp"`
}

func (r row) toJob() *job.Job {
	j := &job.Job{
		ID:           r.ID,
		Srcpkg:       r.Srcpkg,
		Status:       job.Status(r.Status),
		LogPath:      r.Log,
		BuildLogPath: r.Buildlog,
	}

	if r.Built.Valid {
		j.Built = job.BoolPtr(r.Built.Int64 != 0)
	}

	if r.Valid.Valid {
		j.Valid = job.BoolPtr(r.Valid.Int64 != 0)
	}

	if r.Start.Valid {
		if t, err := time.Parse(timeLayout, r.Start.String); err == nil {
			j.Start = &t
		}
	}

	if r.End.Valid {
		if t, err := time.Parse(timeLayout, r.End.String); err == nil {
			j.End = &t
		}
	}

	return j
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: t.Format(timeLayout), Valid: true}
}

func formatBool(b *bool) sql.NullInt64 {
	if b == nil {
		return sql.NullInt64{}
	}

	v := int64(0)
	if *b {
		v = 1
	}

	return sql.NullInt64{Int64: v, Valid: true}
}

// Insert admits a new pending job row.
func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, srcpkg, status, log, buildlog, built, valid, start_timestamp, end_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.Srcpkg, string(j.Status), j.LogPath, j.BuildLogPath,
		formatBool(j.Built), formatBool(j.Valid), formatTime(j.Start), formatTime(j.End))
	if err != nil {
		return fmt.Errorf("insert job %d: %w", j.ID, err)
	}

	return nil
}

// Update persists a job row's mutable fields (status, logs, built/valid,
// timings) back to the database.
func (s *Store) Update(ctx context.Context, j *job.Job) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?, log = ?, buildlog = ?, built = ?, valid = ?,
			start_timestamp = ?, end_timestamp = ?
		WHERE id = ?
	`, string(j.Status), j.LogPath, j.BuildLogPath,
		formatBool(j.Built), formatBool(j.Valid), formatTime(j.Start), formatTime(j.End), j.ID)
	if err != nil {
		return fmt.Errorf("update job %d: %w", j.ID, err)
	}

	return nil
}

// Pending returns every job row currently in StatusPending, in id order.
func (s *Store) Pending(ctx context.Context) ([]*job.Job, error) {
	var rows []row

	err := sqlscan.Select(ctx, s.db, &rows, `
		SELECT id, srcpkg, status, log, buildlog, built, valid, start_timestamp, end_timestamp
		FROM jobs WHERE status = ? ORDER BY id ASC
	`, string(job.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("select pending jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}

	return jobs, nil
}

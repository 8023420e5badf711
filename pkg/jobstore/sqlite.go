package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"

	"github.com/3leaps/godetonate/pkg/job"
)

const driverSQLite = "jobstore-sqlite"

func init() {
	sql.Register(driverSQLite, &sqlite.Driver{})
}

// SchemaVersion is the current jobs schema.
const SchemaVersion = 2

// SQLiteStore persists jobs in a local SQLite database (pure Go driver).
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (and creates if needed) the database at path and applies
// migrations. ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	// One connection: keeps ":memory:" databases shared and serializes
	// writers without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping job store: %w", err)
	}
	if err := configure(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func buildDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	switch {
	case path == "":
		return "", errors.New("job store path is required")
	case path == ":memory:":
		return path, nil
	case strings.HasPrefix(path, "file:"):
		return path, nil
	}

	dir := filepath.Dir(filepath.Clean(path))
	if dir != "." && dir != string(filepath.Separator) {
		// #nosec G301 -- data directories use 0755 for multi-user access compatibility
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create store directory: %w", err)
		}
	}
	return "file:" + filepath.Clean(path), nil
}

func configure(ctx context.Context, db *sql.DB, dsn string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

// Migrate creates (or upgrades) the schema in-place.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			job_uuid TEXT NOT NULL UNIQUE,
			sample_hash TEXT NOT NULL,
			sample_path TEXT NOT NULL,
			environment TEXT NOT NULL,
			state TEXT NOT NULL,
			submitted_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			deadline TEXT NOT NULL,
			instance_handle TEXT,
			result_ref TEXT,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_sample_hash ON jobs(sample_hash);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_submitted_at ON jobs(submitted_at);`,

		// Ingested summary.json documents, one per completed job.
		`CREATE TABLE IF NOT EXISTS job_summaries (
			job_id TEXT PRIMARY KEY,
			ingested_at TEXT NOT NULL,
			body TEXT NOT NULL,
			FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	// v2: environment filter index for the list endpoint.
	if current < 2 {
		if _, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_jobs_environment ON jobs(environment);`); err != nil {
			return fmt.Errorf("exec migration statement: %w", err)
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

const jobColumns = `job_id, job_uuid, sample_hash, sample_path, environment, state,
	submitted_at, started_at, completed_at, deadline, instance_handle, result_ref, error`

func (s *SQLiteStore) Create(ctx context.Context, j *job.Job) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, jobArgs(j)...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: jobs.job_id") {
			return fmt.Errorf("%w: %s", job.ErrDuplicateJobID, j.JobID)
		}
		return fmt.Errorf("create job %s: %w", j.JobID, err)
	}
	return nil
}

func jobArgs(j *job.Job) []any {
	return []any{
		j.JobID, j.JobUUID, j.SampleRef.Hash, j.SampleRef.Path, string(j.Environment), string(j.State),
		formatTime(j.SubmittedAt), formatTimePtr(j.StartedAt), formatTimePtr(j.CompletedAt), formatTime(j.Deadline),
		nullString(j.InstanceHandle), nullString(j.ResultRef), nullString(j.Error),
	}
}

func (s *SQLiteStore) Put(ctx context.Context, j *job.Job) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			state=excluded.state,
			started_at=excluded.started_at,
			completed_at=excluded.completed_at,
			instance_handle=excluded.instance_handle,
			result_ref=excluded.result_ref,
			error=excluded.error`, jobArgs(j)...)
	if err != nil {
		return fmt.Errorf("put job %s: %w", j.JobID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*job.Job, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id=?`, jobID)
}

func (s *SQLiteStore) GetByUUID(ctx context.Context, jobUUID string) (*job.Job, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_uuid=?`, jobUUID)
}

func (s *SQLiteStore) getOne(ctx context.Context, query, arg string) (*job.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", arg, err)
	}
	return j, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]job.Job, error) {
	var where []string
	var args []any

	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ",")+")")
	}
	if f.Environment != "" {
		where = append(where, "environment=?")
		args = append(args, string(f.Environment))
	}
	if f.SampleHash != "" {
		where = append(where, "sample_hash=?")
		args = append(args, strings.ToLower(f.SampleHash))
	}
	if !f.CompletedBefore.IsZero() {
		where = append(where, "completed_at IS NOT NULL AND completed_at < ?")
		args = append(args, formatTime(f.CompletedBefore))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY submitted_at DESC, job_id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id=?`, jobID); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

func (s *SQLiteStore) PutSummary(ctx context.Context, jobID string, summary []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO job_summaries (job_id, ingested_at, body)
		VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET ingested_at=excluded.ingested_at, body=excluded.body`,
		jobID, formatTime(time.Now()), string(summary))
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return job.ErrNotFound
		}
		return fmt.Errorf("put summary %s: %w", jobID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSummary(ctx context.Context, jobID string) ([]byte, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM job_summaries WHERE job_id=?`, jobID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get summary %s: %w", jobID, err)
	}
	return []byte(body), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*job.Job, error) {
	var (
		j                         job.Job
		env, state                string
		submitted, deadline       string
		started, completed        sql.NullString
		handle, resultRef, errMsg sql.NullString
	)
	if err := r.Scan(&j.JobID, &j.JobUUID, &j.SampleRef.Hash, &j.SampleRef.Path, &env, &state,
		&submitted, &started, &completed, &deadline, &handle, &resultRef, &errMsg); err != nil {
		return nil, err
	}
	j.Environment = job.Environment(env)
	j.State = job.State(state)
	j.InstanceHandle = handle.String
	j.ResultRef = resultRef.String
	j.Error = errMsg.String

	var err error
	if j.SubmittedAt, err = parseTime(submitted); err != nil {
		return nil, err
	}
	if j.Deadline, err = parseTime(deadline); err != nil {
		return nil, err
	}
	if j.StartedAt, err = parseTimePtr(started); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, err
	}
	return &j, nil
}

// Timestamps are stored as fixed-width UTC text so lexical order matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

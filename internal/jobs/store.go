package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"codeintel/internal/logging"
)

// Store persists jobs in a dedicated SQLite database.
type Store struct {
	conn   *sql.DB
	logger *logging.Logger
	dbPath string
}

// OpenStore opens or creates the jobs database under storageRoot.
func OpenStore(storageRoot string, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(storageRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	dbPath := filepath.Join(storageRoot, "jobs.sqlite")
	dbExists := fileExists(dbPath)

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open jobs database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	store := &Store{conn: conn, logger: logger, dbPath: dbPath}

	if !dbExists {
		logger.Info("Creating jobs database", map[string]interface{}{
			"path": dbPath,
		})
	}
	if err := store.initializeSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize jobs schema: %w", err)
	}

	return store, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *Store) initializeSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			args TEXT,
			status TEXT NOT NULL DEFAULT 'queued',
			queued_at TEXT NOT NULL,
			process_after TEXT,
			started_at TEXT,
			finished_at TEXT,
			failure_reason TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_queued_at ON jobs(queued_at DESC);
		CREATE INDEX IF NOT EXISTS idx_jobs_name ON jobs(name);

		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		);
		INSERT OR REPLACE INTO schema_version (version) VALUES (1);
	`

	_, err := s.conn.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Enqueue inserts a job in the queued state.
func (s *Store) Enqueue(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO jobs (id, name, args, status, queued_at, process_after, started_at, finished_at, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		job.ID,
		job.Name,
		nullString(job.Args),
		job.Status,
		job.QueuedAt.Format(time.RFC3339),
		nullTime(job.ProcessAfter),
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
		nullString(job.FailureReason),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Debug("Enqueued job", map[string]interface{}{
		"jobId": job.ID,
		"name":  job.Name,
	})
	return nil
}

// EnsureOnlyRepeatableJob guarantees exactly one pending job with the
// given name exists: any queued or delayed duplicates are dropped, then a
// fresh delayed job is scheduled for processAfter.
func (s *Store) EnsureOnlyRepeatableJob(ctx context.Context, name Name, args interface{}, processAfter time.Time) (*Job, error) {
	job, err := NewJob(name, args)
	if err != nil {
		return nil, err
	}
	job.Status = StatusDelayed
	after := processAfter.UTC()
	job.ProcessAfter = &after

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM jobs WHERE name = ? AND status IN ('queued', 'delayed')
	`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to drop duplicate jobs: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, name, args, status, queued_at, process_after)
		VALUES (?, ?, ?, ?, ?, ?)
	`, job.ID, job.Name, nullString(job.Args), job.Status, job.QueuedAt.Format(time.RFC3339), nullTime(job.ProcessAfter))
	if err != nil {
		return nil, fmt.Errorf("failed to schedule repeatable job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit repeatable job: %w", err)
	}
	return job, nil
}

// GetJob retrieves a job by id, or nil when unknown.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, name, args, status, queued_at, process_after, started_at, finished_at, failure_reason
		FROM jobs WHERE id = ?
	`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// Dequeue promotes due delayed jobs and claims the oldest queued job,
// marking it active. Returns nil when the queue is empty.
func (s *Store) Dequeue(ctx context.Context) (*Job, error) {
	now := time.Now().UTC()

	_, err := s.conn.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', process_after = NULL
		WHERE status = 'delayed' AND process_after <= ?
	`, now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, name, args, status, queued_at, process_after, started_at, finished_at, failure_reason
		FROM jobs WHERE status = 'queued'
		ORDER BY queued_at ASC LIMIT 1
	`)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job.Status = StatusActive
	job.StartedAt = &now

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'active', started_at = ? WHERE id = ?
	`, now.Format(time.RFC3339), job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark job active: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return job, nil
}

// MarkCompleted finishes a job successfully.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	return s.finish(ctx, id, StatusCompleted, "")
}

// MarkFailed finishes a job with a failure reason.
func (s *Store) MarkFailed(ctx context.Context, id string, reason string) error {
	return s.finish(ctx, id, StatusFailed, reason)
}

func (s *Store) finish(ctx context.Context, id string, status Status, reason string) error {
	now := time.Now().UTC()
	result, err := s.conn.ExecContext(ctx, `
		UPDATE jobs SET status = ?, finished_at = ?, failure_reason = ? WHERE id = ?
	`, status, now.Format(time.RFC3339), nullString(reason), id)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("job not found: %s", id)
	}
	return nil
}

// Page is one window of jobs plus the total matching count.
type Page struct {
	Jobs       []*Job `json:"jobs"`
	TotalCount int    `json:"totalCount"`
}

// SliceJobs returns a window of jobs in the given status, newest first.
// The status string is validated before it touches the query.
func (s *Store) SliceJobs(ctx context.Context, statusStr string, limit, offset int) (*Page, error) {
	status, err := ParseStatus(statusStr)
	if err != nil {
		return nil, err
	}

	var count int
	err = s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, status).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, name, args, status, queued_at, process_after, started_at, finished_at, failure_reason
		FROM jobs WHERE status = ?
		ORDER BY queued_at DESC LIMIT ? OFFSET ?
	`, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	page := &Page{TotalCount: count}
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		page.Jobs = append(page.Jobs, job)
	}
	return page, rows.Err()
}

// SearchJobs returns jobs whose name, arguments, or failure reason match
// the term, newest first.
func (s *Store) SearchJobs(ctx context.Context, term string, limit int) ([]*Job, error) {
	pattern := "%" + term + "%"
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, name, args, status, queued_at, process_after, started_at, finished_at, failure_reason
		FROM jobs
		WHERE name LIKE ? OR args LIKE ? OR failure_reason LIKE ?
		ORDER BY queued_at DESC LIMIT ?
	`, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CleanOld removes finished jobs older than maxAge and returns how many
// were removed.
func (s *Store) CleanOld(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	result, err := s.conn.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed') AND finished_at < ?
	`, cutoff.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to clean old jobs: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row *sql.Row) (*Job, error) { return scanFrom(row) }

func scanJobRows(rows *sql.Rows) (*Job, error) { return scanFrom(rows) }

func scanFrom(row rowScanner) (*Job, error) {
	var job Job
	var args, processAfter, startedAt, finishedAt, failureReason sql.NullString
	var queuedAt string

	err := row.Scan(&job.ID, &job.Name, &args, &job.Status, &queuedAt, &processAfter, &startedAt, &finishedAt, &failureReason)
	if err != nil {
		return nil, err
	}

	job.Args = args.String
	job.FailureReason = failureReason.String
	if t, err := time.Parse(time.RFC3339, queuedAt); err == nil {
		job.QueuedAt = t
	}
	job.ProcessAfter = parseNullTime(processAfter)
	job.StartedAt = parseNullTime(startedAt)
	job.FinishedAt = parseNullTime(finishedAt)
	return &job, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

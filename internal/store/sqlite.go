package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/smileloop/smileloop/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id             TEXT PRIMARY KEY,
    status         TEXT NOT NULL,
    email          TEXT NOT NULL DEFAULT '',
    ip_address     TEXT NOT NULL DEFAULT '',
    user_agent     TEXT NOT NULL DEFAULT '',
    provider       TEXT NOT NULL DEFAULT '',
    pipeline       TEXT NOT NULL DEFAULT '',
    preset         TEXT NOT NULL DEFAULT '',
    prompt         TEXT NOT NULL DEFAULT '',
    input_ref      TEXT NOT NULL DEFAULT '',
    preview_ref    TEXT NOT NULL DEFAULT '',
    full_ref       TEXT NOT NULL DEFAULT '',
    progress_step  TEXT NOT NULL DEFAULT '',
    error          TEXT NOT NULL DEFAULT '',
    checkout_id    TEXT NOT NULL DEFAULT '',
    payment_status TEXT NOT NULL DEFAULT 'none',
    download_count INTEGER NOT NULL DEFAULT 0,
    duration_ms    INTEGER,
    created_at     DATETIME NOT NULL,
    updated_at     DATETIME NOT NULL,
    started_at     DATETIME,
    finished_at    DATETIME,
    paid_at        DATETIME
)`

const createCheckoutIndex = `CREATE INDEX IF NOT EXISTS idx_jobs_checkout ON jobs(checkout_id)`

const createEventsIndex = `CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, seq)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS job_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    step       TEXT NOT NULL,
    message    TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createRateLimitsTable = `
CREATE TABLE IF NOT EXISTS rate_limits (
    key          TEXT PRIMARY KEY,
    count        INTEGER NOT NULL,
    window_start INTEGER NOT NULL
)`

const jobColumns = `id, status, email, ip_address, user_agent, provider, pipeline, preset,
	prompt, input_ref, preview_ref, full_ref, progress_step, error, checkout_id,
	payment_status, download_count, duration_ms, created_at, updated_at,
	started_at, finished_at, paid_at`

// ErrNotFound is returned when a job is not found.
var ErrNotFound = errors.New("job not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: SQLite has a single writer, and every ":memory:"
	// connection would otherwise see its own empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []struct{ name, sql string }{
		{"jobs table", createJobsTable},
		{"checkout index", createCheckoutIndex},
		{"job_events table", createEventsTable},
		{"job_events index", createEventsIndex},
		{"rate_limits table", createRateLimitsTable},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s: %w", stmt.name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*model.Job, error) {
	j := &model.Job{}
	err := r.Scan(
		&j.ID, &j.Status, &j.Email, &j.IPAddress, &j.UserAgent, &j.Provider, &j.Pipeline, &j.Preset,
		&j.Prompt, &j.InputRef, &j.PreviewRef, &j.FullRef, &j.ProgressStep, &j.Error, &j.CheckoutID,
		&j.PaymentStatus, &j.DownloadCount, &j.DurationMS, &j.CreatedAt, &j.UpdatedAt,
		&j.StartedAt, &j.FinishedAt, &j.PaidAt,
	)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	if j.PaymentStatus == "" {
		j.PaymentStatus = model.PaymentNone
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Status, j.Email, j.IPAddress, j.UserAgent, j.Provider, j.Pipeline, j.Preset,
		j.Prompt, j.InputRef, j.PreviewRef, j.FullRef, j.ProgressStep, j.Error, j.CheckoutID,
		j.PaymentStatus, j.DownloadCount, j.DurationMS, j.CreatedAt, j.UpdatedAt,
		j.StartedAt, j.FinishedAt, j.PaidAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// GetJobByCheckout retrieves the job that owns a checkout reference.
func (s *SQLiteStore) GetJobByCheckout(ctx context.Context, checkoutID string) (*model.Job, error) {
	if checkoutID == "" {
		return nil, ErrNotFound
	}
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE checkout_id = ?`, checkoutID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by checkout: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC,
// along with the total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// currentStatus reads a job's status inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read job status: %w", err)
	}
	return status, nil
}

// UpdateJobStatus moves a job to status if the transition is allowed. It sets
// started_at when processing begins and finished_at when processing ends.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
	switch status {
	case model.StatusProcessing:
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, started_at = ?, updated_at = ? WHERE id = ?",
			status, now, now, id)
	case model.StatusPreviewReady, model.StatusFailed:
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, finished_at = ?, updated_at = ? WHERE id = ?",
			status, now, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?",
			status, now, id)
	}
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	return tx.Commit()
}

// UpdateJob persists the lifecycle fields of j. A status change must be a
// valid transition from the stored status.
func (s *SQLiteStore) UpdateJob(ctx context.Context, j *model.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, j.ID)
	if err != nil {
		return err
	}
	if from != j.Status && !model.ValidTransition(from, j.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, j.Status)
	}

	j.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, provider = ?, input_ref = ?, preview_ref = ?, full_ref = ?,
			progress_step = ?, error = ?, duration_ms = ?, updated_at = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		j.Status, j.Provider, j.InputRef, j.PreviewRef, j.FullRef,
		j.ProgressStep, j.Error, j.DurationMS, j.UpdatedAt, j.StartedAt, j.FinishedAt,
		j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProgress records the job's current processing step.
func (s *SQLiteStore) SetProgress(ctx context.Context, id, step string) error {
	return s.execOne(ctx, "set progress",
		"UPDATE jobs SET progress_step = ?, updated_at = ? WHERE id = ?",
		step, time.Now().UTC(), id)
}

// SetCheckout attaches a checkout reference to a job and marks its payment pending.
func (s *SQLiteStore) SetCheckout(ctx context.Context, id, checkoutID string) error {
	return s.execOne(ctx, "set checkout",
		"UPDATE jobs SET checkout_id = ?, payment_status = ?, updated_at = ? WHERE id = ? AND status = ?",
		checkoutID, model.PaymentPending, time.Now().UTC(), id, model.StatusPreviewReady)
}

// MarkPaid moves a preview_ready job to paid. Marking an already paid job is a no-op.
func (s *SQLiteStore) MarkPaid(ctx context.Context, id string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if from == model.StatusPaid {
		return nil
	}
	if !model.ValidTransition(from, model.StatusPaid) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, model.StatusPaid)
	}

	at = at.UTC()
	if _, err := tx.ExecContext(ctx,
		"UPDATE jobs SET status = ?, payment_status = ?, paid_at = ?, updated_at = ? WHERE id = ?",
		model.StatusPaid, model.PaymentPaid, at, at, id,
	); err != nil {
		return fmt.Errorf("mark paid: %w", err)
	}

	return tx.Commit()
}

// IncrementDownloads bumps the job's full-video download counter.
func (s *SQLiteStore) IncrementDownloads(ctx context.Context, id string) error {
	return s.execOne(ctx, "increment downloads",
		"UPDATE jobs SET download_count = download_count + 1 WHERE id = ?", id)
}

// ListFinishedBefore returns jobs that finished before the cutoff and still
// reference stored artifacts.
func (s *SQLiteStore) ListFinishedBefore(ctx context.Context, before time.Time) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		WHERE finished_at IS NOT NULL AND finished_at < ?
			AND (input_ref != '' OR preview_ref != '' OR full_ref != '')
		ORDER BY finished_at`, before.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list finished jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListActiveJobs returns queued and processing jobs, oldest first.
func (s *SQLiteStore) ListActiveJobs(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (?, ?) ORDER BY created_at`,
		model.StatusQueued, model.StatusProcessing,
	)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClearArtifacts forgets a job's stored artifact references.
func (s *SQLiteStore) ClearArtifacts(ctx context.Context, id string) error {
	return s.execOne(ctx, "clear artifacts",
		"UPDATE jobs SET input_ref = '', preview_ref = '', full_ref = '', updated_at = ? WHERE id = ?",
		time.Now().UTC(), id)
}

// GetJobStats returns aggregate job statistics.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &JobStats{
		CountByStatus:   make(map[string]int),
		CountByProvider: make(map[string]int),
	}

	var avg sql.NullFloat64
	var downloads sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_ms), SUM(download_count) FROM jobs",
	).Scan(&stats.Total, &avg, &downloads); err != nil {
		return nil, fmt.Errorf("aggregate jobs: %w", err)
	}
	stats.AvgDurationMS = avg.Float64
	stats.Downloads = int(downloads.Int64)

	if err := countBy(ctx, tx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := countBy(ctx, tx, "provider", stats.CountByProvider); err != nil {
		return nil, err
	}

	return stats, nil
}

func countBy(ctx context.Context, tx *sql.Tx, column string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM jobs WHERE "+column+" != '' GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// InsertEvent persists a progress line for a job.
func (s *SQLiteStore) InsertEvent(ctx context.Context, jobID string, seq int, step, message string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO job_events (job_id, seq, step, message, created_at) VALUES (?, ?, ?, ?, ?)",
		jobID, seq, step, message, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// GetEvents returns a job's progress lines ordered by sequence.
func (s *SQLiteStore) GetEvents(ctx context.Context, jobID string) ([]model.JobEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, job_id, seq, step, message, created_at FROM job_events WHERE job_id = ? ORDER BY seq",
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get job events: %w", err)
	}
	defer rows.Close()

	events := []model.JobEvent{}
	for rows.Next() {
		var e model.JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.Seq, &e.Step, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RateCount returns the number of hits recorded for key in its current window.
// An expired window counts as zero.
func (s *SQLiteStore) RateCount(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	var count int
	var start int64
	err := s.db.QueryRowContext(ctx,
		"SELECT count, window_start FROM rate_limits WHERE key = ?", key,
	).Scan(&count, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read rate limit: %w", err)
	}
	if now.Unix()-start >= int64(window.Seconds()) {
		return 0, nil
	}
	return count, nil
}

// ReserveRate counts one request against every limit, all or nothing. When
// any counter is already at its limit nothing is written and the index of
// that limit is returned; otherwise it returns -1. The read and the write
// share one transaction, so concurrent reservations cannot overshoot.
func (s *SQLiteStore) ReserveRate(ctx context.Context, limits []RateLimit, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	type hit struct {
		exists  bool
		expired bool
	}
	hits := make([]hit, len(limits))
	for i, l := range limits {
		var count int
		var start int64
		err := tx.QueryRowContext(ctx,
			"SELECT count, window_start FROM rate_limits WHERE key = ?", l.Key,
		).Scan(&count, &start)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			continue
		case err != nil:
			return 0, fmt.Errorf("read rate limit: %w", err)
		}
		hits[i].exists = true
		if now.Unix()-start >= int64(l.Window.Seconds()) {
			hits[i].expired = true
			continue
		}
		if count >= l.Limit {
			return i, nil
		}
	}

	for i, l := range limits {
		switch {
		case !hits[i].exists:
			_, err = tx.ExecContext(ctx,
				"INSERT INTO rate_limits (key, count, window_start) VALUES (?, 1, ?)", l.Key, now.Unix())
		case hits[i].expired:
			_, err = tx.ExecContext(ctx,
				"UPDATE rate_limits SET count = 1, window_start = ? WHERE key = ?", now.Unix(), l.Key)
		default:
			_, err = tx.ExecContext(ctx,
				"UPDATE rate_limits SET count = count + 1 WHERE key = ?", l.Key)
		}
		if err != nil {
			return 0, fmt.Errorf("increment rate limit: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rate reservation: %w", err)
	}
	return -1, nil
}

// ReleaseRate gives back a reservation made at reservedAt. Counters whose
// window has since restarted are left alone.
func (s *SQLiteStore) ReleaseRate(ctx context.Context, limits []RateLimit, reservedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, l := range limits {
		if _, err := tx.ExecContext(ctx,
			"UPDATE rate_limits SET count = count - 1 WHERE key = ? AND count > 0 AND window_start <= ?",
			l.Key, reservedAt.Unix(),
		); err != nil {
			return fmt.Errorf("release rate limit: %w", err)
		}
	}
	return tx.Commit()
}

// PurgeRateLimits deletes counters whose window opened before the cutoff.
func (s *SQLiteStore) PurgeRateLimits(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM rate_limits WHERE window_start < ?", before.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge rate limits: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

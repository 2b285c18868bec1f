package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/loom/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    user_id       TEXT,
    org_id        TEXT,
    graft         TEXT NOT NULL,
    typespec      TEXT,
    arguments     TEXT,
    channel       TEXT,
    format        TEXT NOT NULL,
    destination   TEXT NOT NULL,
    no_cache      INTEGER NOT NULL DEFAULT 0,
    fingerprint   TEXT NOT NULL,
    ttl_s         INTEGER,
    stage         TEXT NOT NULL,
    progress      TEXT,
    error_code    TEXT,
    error_message TEXT,
    state_ts      DATETIME NOT NULL,
    result_url    TEXT,
    created_at    DATETIME NOT NULL,
    expires_at    DATETIME
)`

var createJobIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_jobs_fingerprint ON jobs(fingerprint)",
	"CREATE INDEX IF NOT EXISTS idx_jobs_expires_at ON jobs(expires_at)",
	"CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)",
}

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

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createJobsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	for _, stmt := range createJobIndexes {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create job index: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const jobColumns = `id, user_id, org_id, graft, typespec, arguments, channel,
	format, destination, no_cache, fingerprint, ttl_s, stage, progress,
	error_code, error_message, state_ts, result_url, created_at, expires_at`

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	args, err := marshalNullable(j.Arguments, len(j.Arguments) > 0)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	format, err := json.Marshal(j.Format)
	if err != nil {
		return fmt.Errorf("marshal format: %w", err)
	}
	dest, err := json.Marshal(j.Destination)
	if err != nil {
		return fmt.Errorf("marshal destination: %w", err)
	}
	progress, err := marshalNullable(j.State.Progress, j.State.Progress != nil)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	var errCode, errMsg *string
	if j.State.Error != nil {
		errCode = &j.State.Error.Code
		errMsg = &j.State.Error.Message
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.User, j.Org, string(j.Graft), j.Typespec, args, j.Channel,
		string(format), string(dest), j.NoCache, j.Fingerprint, j.TTLSeconds,
		string(j.State.Stage), progress, errCode, errMsg, j.State.Timestamp,
		j.ResultURL, j.CreatedAt, j.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs ordered by created_at DESC, filtered by creation time
// range, along with the total count of matching jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, f ListFilter) ([]*model.Job, int, error) {
	where := "WHERE 1=1"
	var args []any
	if !f.Since.IsZero() {
		where += " AND created_at >= ?"
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		where += " AND created_at <= ?"
		args = append(args, f.Until)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs `+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...,
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

// UpdateState overwrites the mutable state of a job.
func (s *SQLiteStore) UpdateState(ctx context.Context, id string, st model.State) error {
	progress, err := marshalNullable(st.Progress, st.Progress != nil)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	var errCode, errMsg *string
	if st.Error != nil {
		errCode = &st.Error.Code
		errMsg = &st.Error.Message
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET stage = ?, progress = ?, error_code = ?, error_message = ?, state_ts = ?
		WHERE id = ?`,
		string(st.Stage), progress, errCode, errMsg, st.Timestamp, id,
	)
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	return checkAffected(result)
}

// SetResult records the delivered result URL and the retention deadline.
func (s *SQLiteStore) SetResult(ctx context.Context, id, resultURL string, expiresAt *time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET result_url = ?, expires_at = ? WHERE id = ?",
		resultURL, expiresAt, id,
	)
	if err != nil {
		return fmt.Errorf("set job result: %w", err)
	}
	return checkAffected(result)
}

// ListExpired returns jobs whose retention deadline has passed.
func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes a job record.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return checkAffected(result)
}

// GetJobStats computes aggregate statistics across all jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{CountByStage: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT stage, COUNT(*) FROM jobs GROUP BY stage")
	if err != nil {
		return nil, fmt.Errorf("count jobs by stage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var stage string
		var count int
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, fmt.Errorf("scan stage count: %w", err)
		}
		stats.CountByStage[stage] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage counts: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE no_cache = 0").Scan(&stats.Cacheable); err != nil {
		return nil, fmt.Errorf("count cacheable jobs: %w", err)
	}

	return stats, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanJob.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*model.Job, error) {
	j := &model.Job{}
	var (
		graft, format, dest        string
		args, progress             sql.NullString
		user, org, typespec, chann sql.NullString
		errCode, errMsg, resultURL sql.NullString
		stage                      string
	)

	err := sc.Scan(
		&j.ID, &user, &org, &graft, &typespec, &args, &chann,
		&format, &dest, &j.NoCache, &j.Fingerprint, &j.TTLSeconds, &stage,
		&progress, &errCode, &errMsg, &j.State.Timestamp, &resultURL,
		&j.CreatedAt, &j.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	j.User = user.String
	j.Org = org.String
	j.Typespec = typespec.String
	j.Channel = chann.String
	j.ResultURL = resultURL.String
	j.Graft = json.RawMessage(graft)
	j.State.Stage = model.Stage(stage)

	if args.Valid {
		if err := json.Unmarshal([]byte(args.String), &j.Arguments); err != nil {
			return nil, fmt.Errorf("unmarshal arguments: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(format), &j.Format); err != nil {
		return nil, fmt.Errorf("unmarshal format: %w", err)
	}
	if err := json.Unmarshal([]byte(dest), &j.Destination); err != nil {
		return nil, fmt.Errorf("unmarshal destination: %w", err)
	}
	if progress.Valid {
		j.State.Progress = &model.TasksProgress{}
		if err := json.Unmarshal([]byte(progress.String), j.State.Progress); err != nil {
			return nil, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	if errCode.Valid && errCode.String != "" {
		j.State.Error = &model.JobError{Code: errCode.String, Message: errMsg.String}
	}

	return j, nil
}

// marshalNullable marshals v to a JSON string, or NULL when present is false.
func marshalNullable(v any, present bool) (*string, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func checkAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "mechx/internal/errors"
)

// MySQLStore keeps job state in the mech_jobs table.
type MySQLStore struct {
	db *sql.DB
}

const createJobsTableSQL = `CREATE TABLE IF NOT EXISTS mech_jobs (
        id VARCHAR(64) PRIMARY KEY,
        request MEDIUMTEXT NOT NULL,
        priority_mech CHAR(42) NOT NULL,
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        last_error TEXT NOT NULL,
        error_code VARCHAR(64) NOT NULL DEFAULT '',
        tx_hash CHAR(66) NOT NULL DEFAULT '',
        result MEDIUMTEXT NULL,
        request_count INT NOT NULL DEFAULT 0,
        delivered_count INT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_mech_jobs_status (status),
        INDEX idx_mech_jobs_mech (priority_mech),
        INDEX idx_mech_jobs_updated (updated_at)
)`

const selectJobColumns = `id, request, status, attempts, max_retries, last_error, error_code, result, created_at, updated_at`

// NewMySQLStore connects and creates the table when missing.
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "mysql dsn is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open mysql")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping mysql")
	}
	store := &MySQLStore{db: db}
	if _, err := db.ExecContext(ctx, createJobsTableSQL); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create mech_jobs table")
	}
	return store, nil
}

// Create implements Store.
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task is nil")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "task id is required")
	}
	now := time.Now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now

	request, err := json.Marshal(task.Request)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode job request")
	}

	const stmt = `INSERT INTO mech_jobs
        (id, request, priority_mech, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', '', ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		task.ID, string(request), task.Request.PriorityMech, string(task.Status),
		task.Attempts, task.MaxRetries, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert job")
	}
	return nil
}

// Get implements Store.
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectJobColumns+` FROM mech_jobs WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// Claim implements Store.
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const stmt = `UPDATE mech_jobs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, stmt, string(StatusRunning), time.Now().Unix(), id, string(StatusPending), string(StatusFailed))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "claim job")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "claim job")
	}
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected > 0 {
		return task, nil
	}
	switch {
	case task.Status == StatusSucceeded:
		return task, ErrTaskCompleted
	case task.Status == StatusRunning:
		return task, ErrTaskConflict
	case task.Attempts >= task.MaxRetries:
		return task, ErrTaskExhausted
	default:
		return task, ErrTaskConflict
	}
}

// MarkSucceeded implements Store.
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode job result")
	}
	requests, delivered := result.counts()
	const stmt = `UPDATE mech_jobs SET status = ?, result = ?, tx_hash = ?, request_count = ?, delivered_count = ?,
        updated_at = ?, last_error = '', error_code = '' WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(StatusSucceeded), string(encoded), result.TxHash,
		requests, delivered, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "mark job succeeded")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MarkFailed implements Store. A terminal failure caps max_retries at the
// attempts already made.
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool, result *ExecutionResult) error {
	var (
		encoded             sql.NullString
		requests, delivered sql.NullInt64
		txHash              string
	)
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode job result")
		}
		encoded = sql.NullString{String: string(raw), Valid: true}
		txHash = result.TxHash
		r, d := result.counts()
		requests = sql.NullInt64{Int64: int64(r), Valid: true}
		delivered = sql.NullInt64{Int64: int64(d), Valid: true}
	}
	const stmt = `UPDATE mech_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ?,
        max_retries = CASE WHEN ? THEN LEAST(max_retries, attempts) ELSE max_retries END,
        result = COALESCE(?, result), tx_hash = CASE WHEN ? <> '' THEN ? ELSE tx_hash END,
        request_count = COALESCE(?, request_count), delivered_count = COALESCE(?, delivered_count)
        WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(StatusFailed), lastError, string(code), time.Now().Unix(),
		terminal, encoded, txHash, txHash, requests, delivered, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "mark job failed")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Requeue implements Store.
func (s *MySQLStore) Requeue(ctx context.Context, id string) (*Task, error) {
	const stmt = `UPDATE mech_jobs SET status = ?, max_retries = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND result IS NULL`
	res, err := s.db.ExecContext(ctx, stmt, string(StatusPending), time.Now().Unix(), id, string(StatusFailed))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "requeue job")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "requeue job")
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return task, nil
	}
	if err := requeueable(task); err != nil {
		return task, err
	}
	return task, ErrTaskConflict
}

// List implements Store.
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.normalize()

	query := `SELECT ` + selectJobColumns + ` FROM mech_jobs`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.OldestFirst {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list jobs")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate jobs")
	}
	return tasks, nil
}

// Stats implements Store.
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (JobStats, error) {
	opts.normalize()

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(request_count), 0),
        COALESCE(SUM(delivered_count), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM mech_jobs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats JobStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total, &stats.Pending, &stats.Running, &stats.Succeeded, &stats.Failed,
		&stats.Requests, &stats.Delivered, &stats.OldestUpdatedAt, &stats.NewestUpdatedAt,
	); err != nil {
		return JobStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "job stats")
	}
	stats.Undelivered = stats.Requests - stats.Delivered
	return stats, nil
}

// Close implements Store.
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task    Task
		status  string
		request string
		result  sql.NullString
	)
	if err := row.Scan(&task.ID, &request, &status, &task.Attempts, &task.MaxRetries,
		&task.LastError, &task.ErrorCode, &result, &task.CreatedAt, &task.UpdatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan job")
	}
	task.Status = Status(status)
	if err := json.Unmarshal([]byte(request), &task.Request); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode job request")
	}
	if result.Valid && strings.TrimSpace(result.String) != "" {
		var r ExecutionResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode job result")
		}
		task.Result = &r
	}
	return &task, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.PriorityMech != "" {
		conditions = append(conditions, "priority_mech = ?")
		args = append(args, opts.PriorityMech)
	}
	if since := opts.sinceUnix(); since > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, since)
	}
	if until := opts.untilUnix(); until > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, until)
	}
	if opts.Submitted != nil {
		if *opts.Submitted {
			conditions = append(conditions, "result IS NOT NULL")
		} else {
			conditions = append(conditions, "result IS NULL")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR priority_mech LIKE ? OR tx_hash LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)

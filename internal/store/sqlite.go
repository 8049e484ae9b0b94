package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fusionn-autosub/internal/job"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Serialize access so read-modify-write transactions never interleave.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &SQLite{db: db, path: path}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLite) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func unixMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertJob(ctx context.Context, ex execer, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO jobs (id, batch_id, status, priority, data, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, nullString(j.BatchID), string(j.Status), j.Config.Priority, string(data),
		j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(), unixMillis(j.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLite) CreateJob(ctx context.Context, j *job.Job) error {
	return retryOnBusy(ctx, func() error {
		return insertJob(ctx, s.db, j)
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner, id string) (*job.Job, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var j job.Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (*job.Job, error) {
	var (
		j   *job.Job
		err error
	)
	retryErr := retryOnBusy(ctx, func() error {
		j, err = scanJob(s.db.QueryRowContext(ctx, "SELECT data FROM jobs WHERE id = ?", id), id)
		return err
	})
	if retryErr != nil {
		return nil, retryErr
	}
	return j, nil
}

func (s *SQLite) UpdateJob(ctx context.Context, id string, fn func(*job.Job) error) (*job.Job, error) {
	var updated *job.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRowContext(ctx, "SELECT data FROM jobs WHERE id = ?", id), id)
		if err != nil {
			return err
		}
		if err := fn(j); err != nil {
			return err
		}
		data, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, priority = ?, data = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
			string(j.Status), j.Config.Priority, string(data), j.UpdatedAt.UnixMilli(), unixMillis(j.CompletedAt), id,
		); err != nil {
			return fmt.Errorf("update job %s: %w", id, err)
		}
		updated = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLite) ListJobs(ctx context.Context, filter JobFilter) ([]*job.Job, error) {
	query := "SELECT id, data FROM jobs"
	var (
		where []string
		args  []any
	)
	if filter.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, filter.BatchID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	var jobs []*job.Job
	err := retryOnBusy(ctx, func() error {
		jobs = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id, data string
			if err := rows.Scan(&id, &data); err != nil {
				return fmt.Errorf("scan job: %w", err)
			}
			var j job.Job
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				return fmt.Errorf("decode job %s: %w", id, err)
			}
			jobs = append(jobs, &j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func insertBatch(ctx context.Context, ex execer, b *job.Batch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", b.ID, err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO batches (id, status, data, created_at, updated_at, completed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, string(b.Status), string(data), b.CreatedAt.UnixMilli(), b.UpdatedAt.UnixMilli(), unixMillis(b.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", b.ID, err)
	}
	return nil
}

func (s *SQLite) CreateBatch(ctx context.Context, b *job.Batch, jobs []*job.Job) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertBatch(ctx, tx, b); err != nil {
			return err
		}
		for _, j := range jobs {
			if err := insertJob(ctx, tx, j); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanBatch(row rowScanner, id string) (*job.Batch, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load batch %s: %w", id, err)
	}
	var b job.Batch
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, fmt.Errorf("decode batch %s: %w", id, err)
	}
	return &b, nil
}

func (s *SQLite) GetBatch(ctx context.Context, id string) (*job.Batch, error) {
	var (
		b   *job.Batch
		err error
	)
	retryErr := retryOnBusy(ctx, func() error {
		b, err = scanBatch(s.db.QueryRowContext(ctx, "SELECT data FROM batches WHERE id = ?", id), id)
		return err
	})
	if retryErr != nil {
		return nil, retryErr
	}
	return b, nil
}

func (s *SQLite) UpdateBatch(ctx context.Context, id string, fn func(*job.Batch) error) (*job.Batch, error) {
	var updated *job.Batch
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b, err := scanBatch(tx.QueryRowContext(ctx, "SELECT data FROM batches WHERE id = ?", id), id)
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode batch %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE batches SET status = ?, data = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
			string(b.Status), string(data), b.UpdatedAt.UnixMilli(), unixMillis(b.CompletedAt), id,
		); err != nil {
			return fmt.Errorf("update batch %s: %w", id, err)
		}
		updated = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLite) ListOpenBatches(ctx context.Context) ([]*job.Batch, error) {
	var batches []*job.Batch
	err := retryOnBusy(ctx, func() error {
		batches = nil
		rows, err := s.db.QueryContext(ctx,
			"SELECT id, data FROM batches WHERE status IN (?, ?) ORDER BY created_at, id",
			string(job.BatchQueued), string(job.BatchProcessing),
		)
		if err != nil {
			return fmt.Errorf("list batches: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id, data string
			if err := rows.Scan(&id, &data); err != nil {
				return fmt.Errorf("scan batch: %w", err)
			}
			var b job.Batch
			if err := json.Unmarshal([]byte(data), &b); err != nil {
				return fmt.Errorf("decode batch %s: %w", id, err)
			}
			batches = append(batches, &b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *SQLite) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (Purged, error) {
	var purged Purged
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		purged = Purged{}
		purged.JobIDs, err = deleteReturningIDs(ctx, tx,
			`DELETE FROM jobs WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
			 RETURNING id`,
			string(job.StatusCompleted), string(job.StatusFailed), string(job.StatusCancelled), cutoff.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("delete jobs: %w", err)
		}
		purged.BatchIDs, err = deleteReturningIDs(ctx, tx,
			`DELETE FROM batches WHERE status IN (?, ?, ?)
			 AND NOT EXISTS (SELECT 1 FROM jobs WHERE jobs.batch_id = batches.id)
			 RETURNING id`,
			string(job.BatchCompleted), string(job.BatchPartial), string(job.BatchCancelled),
		)
		if err != nil {
			return fmt.Errorf("delete batches: %w", err)
		}
		return nil
	})
	if err != nil {
		return Purged{}, err
	}
	return purged, nil
}

func deleteReturningIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

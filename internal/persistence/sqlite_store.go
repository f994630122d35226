package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MimeLyc/lottr/internal/jobs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore keeps queued jobs and finished run history.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		// embed.FS paths always use forward slashes
		content, err := migrationFiles.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

func (s *SQLiteStore) LoadJobs(ctx context.Context) ([]*jobs.RunJob, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, source, dedupe_key, file, output, report, status, error, created_at, updated_at
		 FROM jobs
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.RunJob, 0)
	for rows.Next() {
		var item jobs.RunJob
		var status string
		if err := rows.Scan(
			&item.ID,
			&item.Source,
			&item.DedupeKey,
			&item.Payload.File,
			&item.Payload.Output,
			&item.Payload.Report,
			&status,
			&item.Error,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		item.Status = jobs.Status(status)
		ret = append(ret, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	return err
}

func (s *SQLiteStore) UpsertJob(ctx context.Context, job *jobs.RunJob) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
			id, source, dedupe_key, file, output, report, status, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source=excluded.source,
			dedupe_key=excluded.dedupe_key,
			file=excluded.file,
			output=excluded.output,
			report=excluded.report,
			status=excluded.status,
			error=excluded.error,
			updated_at=excluded.updated_at`,
		job.ID,
		job.Source,
		job.DedupeKey,
		job.Payload.File,
		job.Payload.Output,
		job.Payload.Report,
		string(job.Status),
		job.Error,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	return err
}

// SaveRun records a finished run. Saving the same run id twice replaces it.
func (s *SQLiteStore) SaveRun(ctx context.Context, rec RunRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	reportJSON := rec.ReportJSON
	if reportJSON == "" {
		reportJSON = "{}"
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs (
			run_id, job_id, file, output, started_at, finished_at, lines, candidates, batches,
			translated, failed_batches, failed_lines, exit_code, report_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			job_id=excluded.job_id,
			file=excluded.file,
			output=excluded.output,
			started_at=excluded.started_at,
			finished_at=excluded.finished_at,
			lines=excluded.lines,
			candidates=excluded.candidates,
			batches=excluded.batches,
			translated=excluded.translated,
			failed_batches=excluded.failed_batches,
			failed_lines=excluded.failed_lines,
			exit_code=excluded.exit_code,
			report_json=excluded.report_json`,
		rec.RunID,
		rec.JobID,
		rec.File,
		rec.Output,
		rec.StartedAt.UTC(),
		rec.FinishedAt.UTC(),
		rec.Lines,
		rec.Candidates,
		rec.Batches,
		rec.Translated,
		rec.FailedBatches,
		rec.FailedLines,
		rec.ExitCode,
		reportJSON,
	)
	return err
}

const runColumns = `run_id, job_id, file, output, started_at, finished_at, lines, candidates, batches,
	translated, failed_batches, failed_lines, exit_code, report_json`

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY finished_at DESC, run_id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]RunRecord, 0)
	for rows.Next() {
		item, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// GetRun looks up one run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (RunRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	item, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, false, nil
		}
		return RunRecord{}, false, err
	}
	return item, true, nil
}

// LastSuccess returns when the latest fully successful run of file started.
func (s *SQLiteStore) LastSuccess(ctx context.Context, file string) (time.Time, bool, error) {
	var startedAt time.Time
	err := s.db.QueryRowContext(
		ctx,
		`SELECT started_at FROM runs WHERE file = ? AND exit_code = 0 ORDER BY started_at DESC LIMIT 1`,
		file,
	).Scan(&startedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return startedAt, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var item RunRecord
	err := row.Scan(
		&item.RunID,
		&item.JobID,
		&item.File,
		&item.Output,
		&item.StartedAt,
		&item.FinishedAt,
		&item.Lines,
		&item.Candidates,
		&item.Batches,
		&item.Translated,
		&item.FailedBatches,
		&item.FailedLines,
		&item.ExitCode,
		&item.ReportJSON,
	)
	return item, err
}

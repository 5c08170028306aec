// Package history keeps an audit trail of stage runs in SQLite. Planners
// never read it; the ledger and the filesystem stay the source of truth.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxStderrBytes = 64 * 1024

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Start records a run as running and returns its id.
func (s *Store) Start(ctx context.Context, req StartRequest) (string, error) {
	if req.Stage == "" {
		return "", fmt.Errorf("stage is empty")
	}

	files := req.Files
	if files == nil {
		files = []string{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return "", fmt.Errorf("encode files: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(timeLayout)

	_, err = s.db.ExecContext(ctx, `
INSERT INTO stage_runs(
  id, stage, status, dry_run, file_count, files, worklist_digest, command, created_at, started_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, req.Stage, StatusRunning, req.DryRun, len(req.Files), string(filesJSON), req.Digest, req.Command, now, now)
	if err != nil {
		return "", fmt.Errorf("record run start: %w", err)
	}
	return id, nil
}

// Complete marks a run terminal.
func (s *Store) Complete(ctx context.Context, id string, res Result) error {
	if id == "" {
		return fmt.Errorf("run id is empty")
	}
	if res.Status != StatusCompleted && res.Status != StatusFailed {
		return fmt.Errorf("invalid terminal status: %q", res.Status)
	}

	var stderrVal any
	if res.Stderr != nil {
		v := *res.Stderr
		if len(v) > maxStderrBytes {
			v = v[:maxStderrBytes]
		}
		stderrVal = v
	}

	completedAt := time.Now().UTC().Format(timeLayout)
	r, err := s.db.ExecContext(ctx, `
UPDATE stage_runs
SET status = ?, exit_code = ?, completed_at = ?, last_error = ?, stderr = ?
WHERE id = ?;
`, res.Status, res.ExitCode, completedAt, res.LastError, stderrVal, id)
	if err != nil {
		return fmt.Errorf("record run completion: %w", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("record run completion: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

const runColumns = `id, stage, status, dry_run, file_count, files, worklist_digest, command, exit_code,
  created_at, started_at, completed_at, last_error, stderr`

// Get loads one run by id.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM stage_runs WHERE id = ?;`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// Recent returns the newest runs first. An empty stage matches every stage.
func (s *Store) Recent(ctx context.Context, stage string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+runColumns+`
FROM stage_runs
WHERE ? = '' OR stage = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, stage, stage, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent runs: %w", err)
	}
	return out, nil
}

// Prune deletes finished runs older than retention.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-retention).Format(timeLayout)
	r, err := s.db.ExecContext(ctx, `
DELETE FROM stage_runs
WHERE status != ? AND created_at < ?;
`, StatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return r.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r            Run
		statusS      string
		dryRun       bool
		files        sql.NullString
		digest       sql.NullString
		command      sql.NullString
		exitCode     sql.NullInt64
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		lastError    sql.NullString
		stderr       sql.NullString
	)
	err := sc.Scan(
		&r.ID, &r.Stage, &statusS, &dryRun, &r.FileCount, &files, &digest, &command, &exitCode,
		&createdAtS, &startedAtS, &completedAtS, &lastError, &stderr,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	r.Status = Status(statusS)
	r.DryRun = dryRun
	if files.Valid && files.String != "" {
		if err := json.Unmarshal([]byte(files.String), &r.Files); err != nil {
			return nil, fmt.Errorf("decode files for run %s: %w", r.ID, err)
		}
	}
	r.Digest = digest.String
	r.Command = command.String
	if exitCode.Valid {
		v := int(exitCode.Int64)
		r.ExitCode = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		r.CreatedAt = t
	}
	if startedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAtS.String); err == nil {
			r.StartedAt = &t
		}
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			r.CompletedAt = &t
		}
	}
	if lastError.Valid {
		r.LastError = &lastError.String
	}
	if stderr.Valid {
		r.Stderr = &stderr.String
	}
	return &r, nil
}

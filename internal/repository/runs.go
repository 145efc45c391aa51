package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/internal/domain"
)

const runColumns = `run_id, session_id, plan_id, status, trigger_source, checkpoint_key, checkpoint, error, metrics,
	created_at, started_at, resumed_at, completed_at`

// EnsureSession creates the session row if it does not exist.
func (q *queries) EnsureSession(ctx context.Context, sessionID string) error {
	_, err := q.exec(ctx,
		`INSERT INTO sessions (session_id, last_seq, created_at) VALUES (?, 0, ?) ON CONFLICT (session_id) DO NOTHING`,
		sessionID, time.Now().UTC())
	return err
}

// GetSession retrieves a session by ID.
func (q *queries) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	err := q.queryRow(ctx,
		`SELECT session_id, last_seq, created_at FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&session.SessionID, &session.LastSeq, &session.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// NextSeq increments the per-session counter in one statement.
// Inside a transaction the row stays locked until commit.
func (q *queries) NextSeq(ctx context.Context, sessionID string) (int64, error) {
	if err := q.EnsureSession(ctx, sessionID); err != nil {
		return 0, fmt.Errorf("failed to ensure session: %w", err)
	}
	var seq int64
	err := q.queryRow(ctx,
		`UPDATE sessions SET last_seq = last_seq + 1 WHERE session_id = ? RETURNING last_seq`,
		sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate seq: %w", err)
	}
	return seq, nil
}

// CreateRun creates a new run.
func (q *queries) CreateRun(ctx context.Context, run *domain.Run) error {
	if err := q.EnsureSession(ctx, run.SessionID); err != nil {
		return fmt.Errorf("failed to ensure session: %w", err)
	}
	errData, metrics, err := encodeRunJSON(run)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.SessionID, nullString(run.PlanID), run.Status, run.TriggerSource,
		nullString(run.CheckpointKey), nullBytes(run.Checkpoint), errData, metrics,
		run.CreatedAt.UTC(), nullTime(run.StartedAt), nullTime(run.ResumedAt), nullTime(run.CompletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create run %s: %w", run.RunID, domain.ErrConflict)
		}
		return err
	}
	return nil
}

// GetRun retrieves a run by ID.
func (q *queries) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := q.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return run, err
}

// GetActiveRun returns the non-terminal run of a session, or ErrNotFound.
func (q *queries) GetActiveRun(ctx context.Context, sessionID string) (*domain.Run, error) {
	row := q.queryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE session_id = ? AND status IN (?, ?, ?) LIMIT 1`,
		sessionID, domain.RunStatusQueued, domain.RunStatusRunning, domain.RunStatusWaitingInput)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return run, err
}

// ListRuns lists the runs of a session, newest first.
func (q *queries) ListRuns(ctx context.Context, sessionID string, limit int) ([]*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE session_id = ? ORDER BY created_at DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListIdleRuns returns queued or running plan runs whose latest event, or
// creation when they have none, is older than idleSince.
func (q *queries) ListIdleRuns(ctx context.Context, idleSince time.Time, limit int) ([]*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs r
		WHERE status IN (?, ?) AND plan_id IS NOT NULL
		AND COALESCE((SELECT MAX(e.created_at) FROM events e WHERE e.run_id = r.run_id), r.created_at) < ?
		ORDER BY created_at ASC`
	args := []any{domain.RunStatusQueued, domain.RunStatusRunning, idleSince.UTC()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRun persists every mutable field of run, guarded by the expected status.
func (q *queries) UpdateRun(ctx context.Context, run *domain.Run, expected domain.RunStatus) error {
	errData, metrics, err := encodeRunJSON(run)
	if err != nil {
		return err
	}
	res, err := q.exec(ctx,
		`UPDATE runs SET status = ?, plan_id = ?, checkpoint_key = ?, checkpoint = ?, error = ?, metrics = ?,
			started_at = ?, resumed_at = ?, completed_at = ?
		WHERE run_id = ? AND status = ?`,
		run.Status, nullString(run.PlanID), nullString(run.CheckpointKey), nullBytes(run.Checkpoint), errData, metrics,
		nullTime(run.StartedAt), nullTime(run.ResumedAt), nullTime(run.CompletedAt),
		run.RunID, expected)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update run %s: %w", run.RunID, domain.ErrConflict)
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s is no longer %s: %w", run.RunID, expected, domain.ErrConflict)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var planID, checkpointKey, checkpoint, errData, metrics sql.NullString
	var startedAt, resumedAt, completedAt sql.NullTime
	err := row.Scan(&run.RunID, &run.SessionID, &planID, &run.Status, &run.TriggerSource,
		&checkpointKey, &checkpoint, &errData, &metrics,
		&run.CreatedAt, &startedAt, &resumedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	run.PlanID = planID.String
	run.CheckpointKey = checkpointKey.String
	if checkpoint.Valid && checkpoint.String != "" {
		run.Checkpoint = json.RawMessage(checkpoint.String)
	}
	if errData.Valid && errData.String != "" {
		var runErr domain.RunError
		if err := json.Unmarshal([]byte(errData.String), &runErr); err != nil {
			return nil, fmt.Errorf("failed to decode run error: %w", err)
		}
		run.Error = &runErr
	}
	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &run.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode run metrics: %w", err)
		}
	}
	run.StartedAt = timePtr(startedAt)
	run.ResumedAt = timePtr(resumedAt)
	run.CompletedAt = timePtr(completedAt)
	return &run, nil
}

func encodeRunJSON(run *domain.Run) (sql.NullString, string, error) {
	var errData sql.NullString
	if run.Error != nil {
		b, err := json.Marshal(run.Error)
		if err != nil {
			return errData, "", fmt.Errorf("failed to marshal run error: %w", err)
		}
		errData = sql.NullString{String: string(b), Valid: true}
	}
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return errData, "", fmt.Errorf("failed to marshal run metrics: %w", err)
	}
	return errData, string(metrics), nil
}

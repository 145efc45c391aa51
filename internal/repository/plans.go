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

const taskColumns = `plan_id, task_id, title, agent_role, status, progress, depends_on, can_parallel, retry_count,
	error_message, input, result, created_at, started_at, completed_at`

// CreatePlan stores a plan together with its tasks.
func (q *queries) CreatePlan(ctx context.Context, plan *domain.Plan) error {
	_, err := q.exec(ctx,
		`INSERT INTO plans (plan_id, session_id, name, created_at) VALUES (?, ?, ?, ?)`,
		plan.PlanID, plan.SessionID, plan.Name, plan.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}
	for i, task := range plan.Tasks {
		deps, err := json.Marshal(task.DependsOn)
		if err != nil {
			return fmt.Errorf("failed to marshal depends_on: %w", err)
		}
		_, err = q.exec(ctx,
			`INSERT INTO tasks (plan_id, task_id, position, title, agent_role, status, progress, depends_on, can_parallel,
				retry_count, error_message, input, result, created_at, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			plan.PlanID, task.TaskID, i, task.Title, task.AgentRole, task.Status, task.Progress, string(deps), boolInt(task.CanParallel),
			task.RetryCount, nullString(task.ErrorMessage), nullBytes(task.Input), nullBytes(task.Result),
			task.CreatedAt.UTC(), nullTime(task.StartedAt), nullTime(task.CompletedAt))
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", task.TaskID, err)
		}
	}
	return nil
}

// GetPlan retrieves a plan and its tasks in declaration order.
func (q *queries) GetPlan(ctx context.Context, planID string) (*domain.Plan, error) {
	var plan domain.Plan
	err := q.queryRow(ctx,
		`SELECT plan_id, session_id, name, created_at FROM plans WHERE plan_id = ?`,
		planID).Scan(&plan.PlanID, &plan.SessionID, &plan.Name, &plan.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := q.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE plan_id = ? ORDER BY position ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		plan.Tasks = append(plan.Tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// UpdateTask persists the mutable fields of a task.
func (q *queries) UpdateTask(ctx context.Context, task *domain.Task) error {
	res, err := q.exec(ctx,
		`UPDATE tasks SET status = ?, progress = ?, retry_count = ?, error_message = ?, result = ?, started_at = ?, completed_at = ?
		WHERE plan_id = ? AND task_id = ?`,
		task.Status, task.Progress, task.RetryCount, nullString(task.ErrorMessage), nullBytes(task.Result),
		nullTime(task.StartedAt), nullTime(task.CompletedAt), task.PlanID, task.TaskID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s/%s: %w", task.PlanID, task.TaskID, domain.ErrNotFound)
	}
	return nil
}

// ListStaleTasks returns in-progress or retrying tasks started before the cutoff.
func (q *queries) ListStaleTasks(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN (?, ?) AND started_at < ? ORDER BY started_at ASC`
	args := []any{domain.TaskStatusInProgress, domain.TaskStatusRetrying, startedBefore.UTC()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var task domain.Task
	var deps, errMsg, input, result sql.NullString
	var canParallel int
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&task.PlanID, &task.TaskID, &task.Title, &task.AgentRole, &task.Status, &task.Progress,
		&deps, &canParallel, &task.RetryCount, &errMsg, &input, &result,
		&task.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &task.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to decode depends_on: %w", err)
		}
	}
	task.CanParallel = canParallel != 0
	task.ErrorMessage = errMsg.String
	if input.Valid && input.String != "" {
		task.Input = json.RawMessage(input.String)
	}
	if result.Valid && result.String != "" {
		task.Result = json.RawMessage(result.String)
	}
	task.StartedAt = timePtr(startedAt)
	task.CompletedAt = timePtr(completedAt)
	return &task, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

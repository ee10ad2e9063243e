package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CalWeave/CalWeave/internal/util"
)

// Compile-time check that SQLiteStore implements TaskRepo.
var _ TaskRepo = (*SQLiteStore)(nil)

const taskColumns = `id, queue, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

func (s *SQLiteStore) EnqueueTask(queue string, runAt time.Time, payloadJSON, dedupeKey string, maxAttempts int) (string, error) {
	id := util.GenerateRandomID("task_", 32)
	now := time.Now()

	if dedupeKey != "" {
		// Check for existing non-terminal task with same dedupe key
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM tasks WHERE dedupe_key = ? AND status NOT IN ('done', 'failed', 'canceled')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("SQLiteStore.EnqueueTask: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO tasks (id, queue, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
		id, queue, runAt, payloadJSON, maxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue task failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueTask", "id", id, "queue", queue, "runAt", runAt)
	return id, nil
}

func (s *SQLiteStore) ClaimDueTasks(queue string, now time.Time, limit int) ([]Task, error) {
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE queue = ? AND status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`,
		queue, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks query failed: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due tasks iteration failed: %w", err)
	}

	// Mark claimed tasks as running
	for i := range tasks {
		_, err := s.db.Exec(
			`UPDATE tasks SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, tasks[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark task running failed: %w", err)
		}
		tasks[i].Status = TaskStatusRunning
		tasks[i].LockedAt = &now
	}
	return tasks, nil
}

func (s *SQLiteStore) CompleteTask(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE tasks SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("complete task failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailTask(id string, errMsg string, nextRunAt time.Time) error {
	now := time.Now()
	// Retry if attempts remain, otherwise mark permanently failed.
	_, err := s.db.Exec(
		`UPDATE tasks SET
		   attempt = attempt + 1,
		   last_error = ?,
		   status = CASE WHEN attempt + 1 < max_attempts THEN 'queued' ELSE 'failed' END,
		   run_at = CASE WHEN attempt + 1 < max_attempts THEN ? ELSE run_at END,
		   locked_at = NULL,
		   updated_at = ?
		 WHERE id = ?`,
		errMsg, nextRunAt, now, id,
	)
	if err != nil {
		return fmt.Errorf("fail task failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailTaskTerminal(id string, errMsg string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE tasks SET status = 'failed', last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, now, id,
	)
	if err != nil {
		return fmt.Errorf("fail task terminal failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeferTask(id string, runAt time.Time) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE tasks SET status = 'queued', run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		runAt, now, id,
	)
	if err != nil {
		return fmt.Errorf("defer task failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleRunningTasks(staleBefore time.Time) (int, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'queued', locked_at = NULL, updated_at = ?
		 WHERE status = 'running' AND locked_at < ?`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks rows affected failed: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

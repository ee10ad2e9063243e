package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CalWeave/CalWeave/internal/util"
)

// Compile-time check that PostgresStore implements TaskRepo.
var _ TaskRepo = (*PostgresStore)(nil)

func (s *PostgresStore) EnqueueTask(queue string, runAt time.Time, payloadJSON, dedupeKey string, maxAttempts int) (string, error) {
	id := util.GenerateRandomID("task_", 32)
	now := time.Now()

	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM tasks WHERE dedupe_key = $1 AND status NOT IN ('done', 'failed', 'canceled')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.EnqueueTask: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO tasks (id, queue, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7, $8)`,
		id, queue, runAt, payloadJSON, maxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue task failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueTask", "id", id, "queue", queue, "runAt", runAt)
	return id, nil
}

func (s *PostgresStore) ClaimDueTasks(queue string, now time.Time, limit int) ([]Task, error) {
	rows, err := s.db.Query(
		`UPDATE tasks SET status = 'running', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM tasks WHERE queue = $2 AND status = 'queued' AND run_at <= $1
		   ORDER BY run_at ASC LIMIT $3
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+taskColumns,
		now, queue, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks failed: %w", err)
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
	return tasks, nil
}

func (s *PostgresStore) CompleteTask(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE tasks SET status = 'done', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("complete task failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailTask(id string, errMsg string, nextRunAt time.Time) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE tasks SET
		   attempt = attempt + 1,
		   last_error = $1,
		   status = CASE WHEN attempt + 1 < max_attempts THEN 'queued' ELSE 'failed' END,
		   run_at = CASE WHEN attempt + 1 < max_attempts THEN $2 ELSE run_at END,
		   locked_at = NULL,
		   updated_at = $3
		 WHERE id = $4`,
		errMsg, nextRunAt, now, id,
	)
	if err != nil {
		return fmt.Errorf("fail task failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailTaskTerminal(id string, errMsg string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE tasks SET status = 'failed', last_error = $1, locked_at = NULL, updated_at = $2 WHERE id = $3`,
		errMsg, now, id,
	)
	if err != nil {
		return fmt.Errorf("fail task terminal failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeferTask(id string, runAt time.Time) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE tasks SET status = 'queued', run_at = $1, locked_at = NULL, updated_at = $2 WHERE id = $3`,
		runAt, now, id,
	)
	if err != nil {
		return fmt.Errorf("defer task failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleRunningTasks(staleBefore time.Time) (int, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'queued', locked_at = NULL, updated_at = $1
		 WHERE status = 'running' AND locked_at < $2`,
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

func (s *PostgresStore) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

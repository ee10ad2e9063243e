// Package store provides storage backends for CalWeave.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/CalWeave/CalWeave/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store, TaskRepo, and DedupRepo over PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateJob(j models.Job) error {
	mediaRef, intent, err := jobJSONFields(j)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO jobs (id, user_id, phone, channel_id, status, message_id, media_ref_json, command_text,
		   audio_path, transcript, transcript_provider, intent_json, calendar_provider, calendar_event_id,
		   error_message, error_stage, retry_count, is_test, pause_after, test_config_json, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		j.ID, j.UserID, j.Phone, nilIfEmpty(j.ChannelID), j.Status, j.MessageID, mediaRef, nilIfEmpty(j.CommandText),
		nilIfEmpty(j.AudioPath), nilIfEmpty(j.Transcript), nilIfEmpty(j.TranscriptProvider), intent,
		nilIfEmpty(j.CalendarProvider), nilIfEmpty(j.CalendarEventID), nilIfEmpty(j.ErrorMessage),
		nilIfEmpty(string(j.ErrorStage)), j.RetryCount, j.IsTest, nilIfEmpty(string(j.PauseAfter)),
		nilIfEmpty(j.TestConfigJSON), j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.CreateJob failed", "error", err, "jobID", j.ID)
		return fmt.Errorf("failed to insert job %s: %w", j.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return &j, nil
}

func (s *PostgresStore) UpdateJob(j models.Job) error {
	mediaRef, intent, err := jobJSONFields(j)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE jobs SET status = $1, media_ref_json = $2, command_text = $3, audio_path = $4, transcript = $5,
		   transcript_provider = $6, intent_json = $7, calendar_provider = $8, calendar_event_id = $9,
		   error_message = $10, error_stage = $11, retry_count = $12, is_test = $13, pause_after = $14,
		   test_config_json = $15, updated_at = $16
		 WHERE id = $17`,
		j.Status, mediaRef, nilIfEmpty(j.CommandText), nilIfEmpty(j.AudioPath), nilIfEmpty(j.Transcript),
		nilIfEmpty(j.TranscriptProvider), intent, nilIfEmpty(j.CalendarProvider), nilIfEmpty(j.CalendarEventID),
		nilIfEmpty(j.ErrorMessage), nilIfEmpty(string(j.ErrorStage)), j.RetryCount, j.IsTest,
		nilIfEmpty(string(j.PauseAfter)), nilIfEmpty(j.TestConfigJSON), time.Now(), j.ID,
	)
	if err != nil {
		slog.Error("PostgresStore.UpdateJob failed", "error", err, "jobID", j.ID)
		return fmt.Errorf("failed to update job %s: %w", j.ID, err)
	}
	return nil
}

func (s *PostgresStore) SetJobStatus(id string, status models.JobStatus) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3`, status, time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore.SetJobStatus failed", "error", err, "jobID", id, "status", status)
		return fmt.Errorf("failed to set job %s status: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) SavePendingIntent(pi models.PendingIntent) error {
	snapshotJSON, err := json.Marshal(pi.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal intent snapshot failed: %w", err)
	}
	planJSON, err := json.Marshal(pi.Plan)
	if err != nil {
		return fmt.Errorf("marshal clarification plan failed: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO pending_intents (id, job_id, user_id, phone, snapshot_json, plan_json, status, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (job_id) DO UPDATE SET
		   snapshot_json = EXCLUDED.snapshot_json,
		   plan_json = EXCLUDED.plan_json,
		   status = EXCLUDED.status,
		   expires_at = EXCLUDED.expires_at,
		   updated_at = EXCLUDED.updated_at`,
		pi.ID, pi.JobID, pi.UserID, pi.Phone, string(snapshotJSON), string(planJSON),
		pi.Status, pi.ExpiresAt, pi.CreatedAt, pi.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.SavePendingIntent failed", "error", err, "jobID", pi.JobID)
		return fmt.Errorf("failed to save pending intent for job %s: %w", pi.JobID, err)
	}
	return nil
}

func (s *PostgresStore) GetPendingIntent(id string) (*models.PendingIntent, error) {
	row := s.db.QueryRow(`SELECT `+pendingIntentColumns+` FROM pending_intents WHERE id = $1`, id)
	pi, err := scanPendingIntent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending intent %s: %w", id, err)
	}
	return &pi, nil
}

func (s *PostgresStore) GetPendingIntentByJobID(jobID string) (*models.PendingIntent, error) {
	row := s.db.QueryRow(`SELECT `+pendingIntentColumns+` FROM pending_intents WHERE job_id = $1`, jobID)
	pi, err := scanPendingIntent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending intent for job %s: %w", jobID, err)
	}
	return &pi, nil
}

func (s *PostgresStore) GetActivePendingIntentByPhone(phone string) (*models.PendingIntent, error) {
	row := s.db.QueryRow(
		`SELECT `+pendingIntentColumns+` FROM pending_intents
		 WHERE phone = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1`,
		phone, models.PendingStatusAwaitingClarification,
	)
	pi, err := scanPendingIntent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active pending intent for %s: %w", phone, err)
	}
	return &pi, nil
}

func (s *PostgresStore) ListPendingIntentsByStatus(status models.PendingIntentStatus) ([]models.PendingIntent, error) {
	rows, err := s.db.Query(`SELECT `+pendingIntentColumns+` FROM pending_intents WHERE status = $1`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending intents: %w", err)
	}
	defer rows.Close()

	var intents []models.PendingIntent
	for rows.Next() {
		pi, err := scanPendingIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending intent row: %w", err)
		}
		intents = append(intents, pi)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending intent rows: %w", err)
	}
	return intents, nil
}

func (s *PostgresStore) DeletePendingIntent(id string) error {
	_, err := s.db.Exec(`DELETE FROM pending_intents WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore.DeletePendingIntent failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete pending intent %s: %w", id, err)
	}
	return nil
}

// transitionPendingIntent applies mutate to the plan of an intent still in
// awaiting_clarification, inside one transaction with the row locked. Returns
// false without error when the row is gone or already left that status.
func (s *PostgresStore) transitionPendingIntent(id string, status models.PendingIntentStatus, at time.Time, mutate func(*models.ClarificationPlan) bool) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction failed: %w", err)
	}
	defer tx.Rollback()

	var planJSON string
	err = tx.QueryRow(
		`SELECT plan_json FROM pending_intents WHERE id = $1 AND status = $2 FOR UPDATE`,
		id, models.PendingStatusAwaitingClarification,
	).Scan(&planJSON)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock pending intent %s failed: %w", id, err)
	}

	var plan models.ClarificationPlan
	if err := json.Unmarshal([]byte(planJSON), &plan); err != nil {
		return false, fmt.Errorf("unmarshal clarification plan failed: %w", err)
	}
	if !mutate(&plan) {
		return false, nil
	}
	updated, err := json.Marshal(plan)
	if err != nil {
		return false, fmt.Errorf("marshal clarification plan failed: %w", err)
	}

	_, err = tx.Exec(
		`UPDATE pending_intents SET plan_json = $1, status = $2, updated_at = $3
		 WHERE id = $4 AND status = $5`,
		string(updated), status, at, id, models.PendingStatusAwaitingClarification,
	)
	if err != nil {
		return false, fmt.Errorf("update pending intent %s failed: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit pending intent transition failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ExpirePendingIntent(id string, expiredAt time.Time) (bool, error) {
	return s.transitionPendingIntent(id, models.PendingStatusExpired, expiredAt, func(plan *models.ClarificationPlan) bool {
		at := expiredAt
		plan.ExpiredAt = &at
		return true
	})
}

func (s *PostgresStore) MarkPendingIntentReminded(id string, remindedAt time.Time) (bool, error) {
	return s.transitionPendingIntent(id, models.PendingStatusAwaitingClarification, remindedAt, func(plan *models.ClarificationPlan) bool {
		if plan.ReminderSentAt != nil {
			return false
		}
		at := remindedAt
		plan.ReminderSentAt = &at
		return true
	})
}

func (s *PostgresStore) SaveInteractivePrompt(p models.InteractivePrompt) error {
	optionsJSON, err := json.Marshal(p.Options)
	if err != nil {
		return fmt.Errorf("marshal prompt options failed: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO interactive_prompts (id, pending_intent_id, job_id, field, channel, question, options_json,
		   selected_value, response_msg_id, answered, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (pending_intent_id, field) DO UPDATE SET
		   selected_value = EXCLUDED.selected_value,
		   response_msg_id = EXCLUDED.response_msg_id,
		   answered = EXCLUDED.answered,
		   updated_at = EXCLUDED.updated_at`,
		p.ID, p.PendingIntentID, p.JobID, p.Field, p.Channel, p.Question, string(optionsJSON),
		nilIfEmpty(p.SelectedValue), nilIfEmpty(p.ResponseMsgID), p.Answered, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.SaveInteractivePrompt failed", "error", err, "pendingIntentID", p.PendingIntentID, "field", p.Field)
		return fmt.Errorf("failed to save interactive prompt: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInteractivePrompt(pendingIntentID, field string) (*models.InteractivePrompt, error) {
	row := s.db.QueryRow(
		`SELECT id, pending_intent_id, job_id, field, channel, question, options_json, selected_value,
		   response_msg_id, answered, created_at, updated_at
		 FROM interactive_prompts WHERE pending_intent_id = $1 AND field = $2`,
		pendingIntentID, field,
	)
	p, err := scanInteractivePrompt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interactive prompt: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) CreateFlowSession(fs models.FlowSession) error {
	fieldsJSON, err := json.Marshal(fs.Fields)
	if err != nil {
		return fmt.Errorf("marshal flow fields failed: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO flow_sessions (token, pending_intent_id, job_id, fields_json, raw_payload, received, received_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		fs.Token, fs.PendingIntentID, fs.JobID, string(fieldsJSON), nilIfEmpty(fs.RawPayload), fs.Received, fs.ReceivedAt, fs.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.CreateFlowSession failed", "error", err, "token", fs.Token)
		return fmt.Errorf("failed to insert flow session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFlowSession(token string) (*models.FlowSession, error) {
	var fs models.FlowSession
	var fieldsJSON string
	var rawPayload sql.NullString
	var receivedAt sql.NullTime
	err := s.db.QueryRow(
		`SELECT token, pending_intent_id, job_id, fields_json, raw_payload, received, received_at, created_at
		 FROM flow_sessions WHERE token = $1`,
		token,
	).Scan(&fs.Token, &fs.PendingIntentID, &fs.JobID, &fieldsJSON, &rawPayload, &fs.Received, &receivedAt, &fs.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow session: %w", err)
	}
	fs.RawPayload = rawPayload.String
	if receivedAt.Valid {
		fs.ReceivedAt = &receivedAt.Time
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &fs.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal flow fields failed: %w", err)
	}
	return &fs, nil
}

func (s *PostgresStore) MarkFlowSessionReceived(token, rawPayload string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE flow_sessions SET raw_payload = $1, received = TRUE, received_at = $2 WHERE token = $3`,
		rawPayload, now, token,
	)
	if err != nil {
		slog.Error("PostgresStore.MarkFlowSessionReceived failed", "error", err, "token", token)
		return fmt.Errorf("failed to mark flow session received: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendStageTiming(t models.StageTiming) (int, error) {
	var seq int
	err := s.db.QueryRow(
		`INSERT INTO stage_timings (job_id, seq, stage, started_at, finished_at, success, metadata)
		 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6 FROM stage_timings WHERE job_id = $1
		 RETURNING seq`,
		t.JobID, t.Stage, t.StartedAt, t.FinishedAt, t.Success, nilIfEmpty(t.Metadata),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to insert stage timing: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) ListStageTimings(jobID string) ([]models.StageTiming, error) {
	rows, err := s.db.Query(
		`SELECT job_id, seq, stage, started_at, finished_at, success, metadata
		 FROM stage_timings WHERE job_id = $1 ORDER BY seq ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage timings: %w", err)
	}
	defer rows.Close()

	var timings []models.StageTiming
	for rows.Next() {
		var t models.StageTiming
		var finishedAt sql.NullTime
		var metadata sql.NullString
		if err := rows.Scan(&t.JobID, &t.Seq, &t.Stage, &t.StartedAt, &finishedAt, &t.Success, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan stage timing row: %w", err)
		}
		if finishedAt.Valid {
			t.FinishedAt = &finishedAt.Time
		}
		t.Metadata = metadata.String
		timings = append(timings, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stage timing rows: %w", err)
	}
	return timings, nil
}

func (s *PostgresStore) AppendStagePayload(p models.StagePayload) (int, error) {
	var seq int
	err := s.db.QueryRow(
		`INSERT INTO stage_payloads (job_id, seq, stage, payload_json, recorded_at)
		 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4 FROM stage_payloads WHERE job_id = $1
		 RETURNING seq`,
		p.JobID, p.Stage, p.PayloadJSON, p.RecordedAt,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to insert stage payload: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) ListStagePayloads(jobID string) ([]models.StagePayload, error) {
	rows, err := s.db.Query(
		`SELECT job_id, seq, stage, payload_json, recorded_at FROM stage_payloads WHERE job_id = $1 ORDER BY seq ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage payloads: %w", err)
	}
	defer rows.Close()

	var payloads []models.StagePayload
	for rows.Next() {
		var p models.StagePayload
		if err := rows.Scan(&p.JobID, &p.Seq, &p.Stage, &p.PayloadJSON, &p.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage payload row: %w", err)
		}
		payloads = append(payloads, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stage payload rows: %w", err)
	}
	return payloads, nil
}

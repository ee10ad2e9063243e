// Package store provides storage backends for CalWeave.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/CalWeave/CalWeave/internal/models"
	"github.com/CalWeave/CalWeave/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store, TaskRepo, and DedupRepo over a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(j models.Job) error {
	mediaRef, intent, err := jobJSONFields(j)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO jobs (id, user_id, phone, channel_id, status, message_id, media_ref_json, command_text,
		   audio_path, transcript, transcript_provider, intent_json, calendar_provider, calendar_event_id,
		   error_message, error_stage, retry_count, is_test, pause_after, test_config_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.UserID, j.Phone, nilIfEmpty(j.ChannelID), j.Status, j.MessageID, mediaRef, nilIfEmpty(j.CommandText),
		nilIfEmpty(j.AudioPath), nilIfEmpty(j.Transcript), nilIfEmpty(j.TranscriptProvider), intent,
		nilIfEmpty(j.CalendarProvider), nilIfEmpty(j.CalendarEventID), nilIfEmpty(j.ErrorMessage),
		nilIfEmpty(string(j.ErrorStage)), j.RetryCount, j.IsTest, nilIfEmpty(string(j.PauseAfter)),
		nilIfEmpty(j.TestConfigJSON), j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.CreateJob failed", "error", err, "jobID", j.ID)
		return fmt.Errorf("failed to insert job %s: %w", j.ID, err)
	}
	slog.Debug("SQLiteStore.CreateJob succeeded", "jobID", j.ID, "status", j.Status)
	return nil
}

func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetJob failed", "error", err, "jobID", id)
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return &j, nil
}

func (s *SQLiteStore) UpdateJob(j models.Job) error {
	mediaRef, intent, err := jobJSONFields(j)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE jobs SET status = ?, media_ref_json = ?, command_text = ?, audio_path = ?, transcript = ?,
		   transcript_provider = ?, intent_json = ?, calendar_provider = ?, calendar_event_id = ?,
		   error_message = ?, error_stage = ?, retry_count = ?, is_test = ?, pause_after = ?,
		   test_config_json = ?, updated_at = ?
		 WHERE id = ?`,
		j.Status, mediaRef, nilIfEmpty(j.CommandText), nilIfEmpty(j.AudioPath), nilIfEmpty(j.Transcript),
		nilIfEmpty(j.TranscriptProvider), intent, nilIfEmpty(j.CalendarProvider), nilIfEmpty(j.CalendarEventID),
		nilIfEmpty(j.ErrorMessage), nilIfEmpty(string(j.ErrorStage)), j.RetryCount, j.IsTest,
		nilIfEmpty(string(j.PauseAfter)), nilIfEmpty(j.TestConfigJSON), time.Now(), j.ID,
	)
	if err != nil {
		slog.Error("SQLiteStore.UpdateJob failed", "error", err, "jobID", j.ID)
		return fmt.Errorf("failed to update job %s: %w", j.ID, err)
	}
	return nil
}

func (s *SQLiteStore) SetJobStatus(id string, status models.JobStatus) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore.SetJobStatus failed", "error", err, "jobID", id, "status", status)
		return fmt.Errorf("failed to set job %s status: %w", id, err)
	}
	slog.Debug("SQLiteStore.SetJobStatus succeeded", "jobID", id, "status", status)
	return nil
}

func (s *SQLiteStore) SavePendingIntent(pi models.PendingIntent) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   snapshot_json = excluded.snapshot_json,
		   plan_json = excluded.plan_json,
		   status = excluded.status,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		pi.ID, pi.JobID, pi.UserID, pi.Phone, string(snapshotJSON), string(planJSON),
		pi.Status, pi.ExpiresAt, pi.CreatedAt, pi.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.SavePendingIntent failed", "error", err, "jobID", pi.JobID)
		return fmt.Errorf("failed to save pending intent for job %s: %w", pi.JobID, err)
	}
	slog.Debug("SQLiteStore.SavePendingIntent succeeded", "id", pi.ID, "jobID", pi.JobID, "status", pi.Status)
	return nil
}

func (s *SQLiteStore) GetPendingIntent(id string) (*models.PendingIntent, error) {
	row := s.db.QueryRow(`SELECT `+pendingIntentColumns+` FROM pending_intents WHERE id = ?`, id)
	pi, err := scanPendingIntent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending intent %s: %w", id, err)
	}
	return &pi, nil
}

func (s *SQLiteStore) GetPendingIntentByJobID(jobID string) (*models.PendingIntent, error) {
	row := s.db.QueryRow(`SELECT `+pendingIntentColumns+` FROM pending_intents WHERE job_id = ?`, jobID)
	pi, err := scanPendingIntent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending intent for job %s: %w", jobID, err)
	}
	return &pi, nil
}

func (s *SQLiteStore) GetActivePendingIntentByPhone(phone string) (*models.PendingIntent, error) {
	row := s.db.QueryRow(
		`SELECT `+pendingIntentColumns+` FROM pending_intents
		 WHERE phone = ? AND status = ? ORDER BY created_at DESC LIMIT 1`,
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

func (s *SQLiteStore) ListPendingIntentsByStatus(status models.PendingIntentStatus) ([]models.PendingIntent, error) {
	rows, err := s.db.Query(`SELECT `+pendingIntentColumns+` FROM pending_intents WHERE status = ?`, status)
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

func (s *SQLiteStore) DeletePendingIntent(id string) error {
	_, err := s.db.Exec(`DELETE FROM pending_intents WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore.DeletePendingIntent failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete pending intent %s: %w", id, err)
	}
	slog.Debug("SQLiteStore.DeletePendingIntent succeeded", "id", id)
	return nil
}

// transitionPendingIntent applies mutate to the plan of an intent still in
// awaiting_clarification, inside one transaction. Returns false without error
// when the row is gone or already left that status.
func (s *SQLiteStore) transitionPendingIntent(id string, status models.PendingIntentStatus, at time.Time, mutate func(*models.ClarificationPlan) bool) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction failed: %w", err)
	}
	defer tx.Rollback()

	var planJSON string
	err = tx.QueryRow(
		`SELECT plan_json FROM pending_intents WHERE id = ? AND status = ?`,
		id, models.PendingStatusAwaitingClarification,
	).Scan(&planJSON)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read pending intent %s failed: %w", id, err)
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

	res, err := tx.Exec(
		`UPDATE pending_intents SET plan_json = ?, status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(updated), status, at, id, models.PendingStatusAwaitingClarification,
	)
	if err != nil {
		return false, fmt.Errorf("update pending intent %s failed: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected failed: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit pending intent transition failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) ExpirePendingIntent(id string, expiredAt time.Time) (bool, error) {
	return s.transitionPendingIntent(id, models.PendingStatusExpired, expiredAt, func(plan *models.ClarificationPlan) bool {
		at := expiredAt
		plan.ExpiredAt = &at
		return true
	})
}

func (s *SQLiteStore) MarkPendingIntentReminded(id string, remindedAt time.Time) (bool, error) {
	return s.transitionPendingIntent(id, models.PendingStatusAwaitingClarification, remindedAt, func(plan *models.ClarificationPlan) bool {
		if plan.ReminderSentAt != nil {
			return false
		}
		at := remindedAt
		plan.ReminderSentAt = &at
		return true
	})
}

func (s *SQLiteStore) SaveInteractivePrompt(p models.InteractivePrompt) error {
	optionsJSON, err := json.Marshal(p.Options)
	if err != nil {
		return fmt.Errorf("marshal prompt options failed: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO interactive_prompts (id, pending_intent_id, job_id, field, channel, question, options_json,
		   selected_value, response_msg_id, answered, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pending_intent_id, field) DO UPDATE SET
		   selected_value = excluded.selected_value,
		   response_msg_id = excluded.response_msg_id,
		   answered = excluded.answered,
		   updated_at = excluded.updated_at`,
		p.ID, p.PendingIntentID, p.JobID, p.Field, p.Channel, p.Question, string(optionsJSON),
		nilIfEmpty(p.SelectedValue), nilIfEmpty(p.ResponseMsgID), p.Answered, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveInteractivePrompt failed", "error", err, "pendingIntentID", p.PendingIntentID, "field", p.Field)
		return fmt.Errorf("failed to save interactive prompt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetInteractivePrompt(pendingIntentID, field string) (*models.InteractivePrompt, error) {
	row := s.db.QueryRow(
		`SELECT id, pending_intent_id, job_id, field, channel, question, options_json, selected_value,
		   response_msg_id, answered, created_at, updated_at
		 FROM interactive_prompts WHERE pending_intent_id = ? AND field = ?`,
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

func (s *SQLiteStore) CreateFlowSession(fs models.FlowSession) error {
	fieldsJSON, err := json.Marshal(fs.Fields)
	if err != nil {
		return fmt.Errorf("marshal flow fields failed: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO flow_sessions (token, pending_intent_id, job_id, fields_json, raw_payload, received, received_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fs.Token, fs.PendingIntentID, fs.JobID, string(fieldsJSON), nilIfEmpty(fs.RawPayload), fs.Received, fs.ReceivedAt, fs.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.CreateFlowSession failed", "error", err, "token", fs.Token)
		return fmt.Errorf("failed to insert flow session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFlowSession(token string) (*models.FlowSession, error) {
	var fs models.FlowSession
	var fieldsJSON string
	var rawPayload sql.NullString
	var receivedAt sql.NullTime
	err := s.db.QueryRow(
		`SELECT token, pending_intent_id, job_id, fields_json, raw_payload, received, received_at, created_at
		 FROM flow_sessions WHERE token = ?`,
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

func (s *SQLiteStore) MarkFlowSessionReceived(token, rawPayload string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE flow_sessions SET raw_payload = ?, received = 1, received_at = ? WHERE token = ?`,
		rawPayload, now, token,
	)
	if err != nil {
		slog.Error("SQLiteStore.MarkFlowSessionReceived failed", "error", err, "token", token)
		return fmt.Errorf("failed to mark flow session received: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendStageTiming(t models.StageTiming) (int, error) {
	var seq int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM stage_timings WHERE job_id = ?`, t.JobID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to compute timing seq: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO stage_timings (job_id, seq, stage, started_at, finished_at, success, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.JobID, seq, t.Stage, t.StartedAt, t.FinishedAt, t.Success, nilIfEmpty(t.Metadata),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert stage timing: %w", err)
	}
	return seq, nil
}

func (s *SQLiteStore) ListStageTimings(jobID string) ([]models.StageTiming, error) {
	rows, err := s.db.Query(
		`SELECT job_id, seq, stage, started_at, finished_at, success, metadata
		 FROM stage_timings WHERE job_id = ? ORDER BY seq ASC`,
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

func (s *SQLiteStore) AppendStagePayload(p models.StagePayload) (int, error) {
	var seq int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM stage_payloads WHERE job_id = ?`, p.JobID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to compute payload seq: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO stage_payloads (job_id, seq, stage, payload_json, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		p.JobID, seq, p.Stage, p.PayloadJSON, p.RecordedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert stage payload: %w", err)
	}
	return seq, nil
}

func (s *SQLiteStore) ListStagePayloads(jobID string) ([]models.StagePayload, error) {
	rows, err := s.db.Query(
		`SELECT job_id, seq, stage, payload_json, recorded_at FROM stage_payloads WHERE job_id = ? ORDER BY seq ASC`,
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

// NewJobID generates a new job identifier.
func NewJobID() string {
	return util.GenerateRandomID("job_", 32)
}

// NewPendingIntentID generates a new pending intent identifier.
func NewPendingIntentID() string {
	return util.GenerateRandomID("pin_", 32)
}

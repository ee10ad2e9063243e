package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/CalWeave/CalWeave/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows, letting one scan
// helper serve single-row and multi-row queries on either backend.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// jobColumns is the canonical column list for job queries, matching scanJob.
const jobColumns = `id, user_id, phone, channel_id, status, message_id, media_ref_json, command_text,
	audio_path, transcript, transcript_provider, intent_json, calendar_provider, calendar_event_id,
	error_message, error_stage, retry_count, is_test, pause_after, test_config_json, created_at, updated_at`

// scanJob scans a Job from a row using the jobColumns order.
func scanJob(row rowScanner) (models.Job, error) {
	var j models.Job
	var channelID, mediaRefJSON, commandText, audioPath, transcript, transcriptProvider sql.NullString
	var intentJSON, calProvider, calEventID, errMessage, errStage, pauseAfter, testConfig sql.NullString
	err := row.Scan(
		&j.ID, &j.UserID, &j.Phone, &channelID, &j.Status, &j.MessageID, &mediaRefJSON, &commandText,
		&audioPath, &transcript, &transcriptProvider, &intentJSON, &calProvider, &calEventID,
		&errMessage, &errStage, &j.RetryCount, &j.IsTest, &pauseAfter, &testConfig, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.ChannelID = channelID.String
	j.CommandText = commandText.String
	j.AudioPath = audioPath.String
	j.Transcript = transcript.String
	j.TranscriptProvider = transcriptProvider.String
	j.CalendarProvider = calProvider.String
	j.CalendarEventID = calEventID.String
	j.ErrorMessage = errMessage.String
	j.ErrorStage = models.Stage(errStage.String)
	j.PauseAfter = models.Stage(pauseAfter.String)
	j.TestConfigJSON = testConfig.String
	if mediaRefJSON.Valid && mediaRefJSON.String != "" {
		var ref models.MediaRef
		if err := json.Unmarshal([]byte(mediaRefJSON.String), &ref); err != nil {
			return j, fmt.Errorf("unmarshal media ref failed: %w", err)
		}
		j.MediaRef = &ref
	}
	if intentJSON.Valid && intentJSON.String != "" {
		var snap models.IntentSnapshot
		if err := json.Unmarshal([]byte(intentJSON.String), &snap); err != nil {
			return j, fmt.Errorf("unmarshal intent snapshot failed: %w", err)
		}
		j.Intent = &snap
	}
	return j, nil
}

// jobJSONFields marshals the Job's nested structures for storage.
func jobJSONFields(j models.Job) (mediaRef, intent interface{}, err error) {
	mediaRef, intent = nil, nil
	if j.MediaRef != nil {
		b, err := json.Marshal(j.MediaRef)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal media ref failed: %w", err)
		}
		mediaRef = string(b)
	}
	if j.Intent != nil {
		b, err := json.Marshal(j.Intent)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal intent snapshot failed: %w", err)
		}
		intent = string(b)
	}
	return mediaRef, intent, nil
}

// pendingIntentColumns is the canonical column list for pending intent queries.
const pendingIntentColumns = `id, job_id, user_id, phone, snapshot_json, plan_json, status, expires_at, created_at, updated_at`

// scanPendingIntent scans a PendingIntent from a row.
func scanPendingIntent(row rowScanner) (models.PendingIntent, error) {
	var pi models.PendingIntent
	var snapshotJSON, planJSON string
	err := row.Scan(
		&pi.ID, &pi.JobID, &pi.UserID, &pi.Phone, &snapshotJSON, &planJSON,
		&pi.Status, &pi.ExpiresAt, &pi.CreatedAt, &pi.UpdatedAt,
	)
	if err != nil {
		return pi, err
	}
	if err := json.Unmarshal([]byte(snapshotJSON), &pi.Snapshot); err != nil {
		return pi, fmt.Errorf("unmarshal intent snapshot failed: %w", err)
	}
	if err := json.Unmarshal([]byte(planJSON), &pi.Plan); err != nil {
		return pi, fmt.Errorf("unmarshal clarification plan failed: %w", err)
	}
	return pi, nil
}

// scanInteractivePrompt scans an InteractivePrompt from a row.
func scanInteractivePrompt(row rowScanner) (models.InteractivePrompt, error) {
	var p models.InteractivePrompt
	var optionsJSON string
	var selectedValue, responseMsgID sql.NullString
	err := row.Scan(
		&p.ID, &p.PendingIntentID, &p.JobID, &p.Field, &p.Channel, &p.Question,
		&optionsJSON, &selectedValue, &responseMsgID, &p.Answered, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}
	p.SelectedValue = selectedValue.String
	p.ResponseMsgID = responseMsgID.String
	if err := json.Unmarshal([]byte(optionsJSON), &p.Options); err != nil {
		return p, fmt.Errorf("unmarshal prompt options failed: %w", err)
	}
	return p, nil
}

// scanTask scans a Task from a row.
func scanTask(row rowScanner) (Task, error) {
	var t Task
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.Queue, &t.RunAt, &payloadJSON, &t.Status, &t.Attempt, &t.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return t, fmt.Errorf("scan task failed: %w", err)
	}
	t.PayloadJSON = payloadJSON.String
	t.LastError = lastError.String
	t.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		t.LockedAt = &lockedAt.Time
	}
	return t, nil
}

// Package models defines job lifecycle structures for CalWeave.
package models

import (
	"strings"
	"time"
)

// JobStatus represents where a message-processing job sits in the pipeline.
type JobStatus string

const (
	JobStatusPending              JobStatus = "pending"
	JobStatusDownloading          JobStatus = "downloading"
	JobStatusTranscribing         JobStatus = "transcribing"
	JobStatusTranscribed          JobStatus = "transcribed"
	JobStatusProcessingIntent     JobStatus = "processing_intent"
	JobStatusAwaitingClarify      JobStatus = "awaiting_clarification"
	JobStatusCreatingEvent        JobStatus = "creating_event"
	JobStatusUpdatingEvent        JobStatus = "updating_event"
	JobStatusDeletingEvent        JobStatus = "deleting_event"
	JobStatusCompleted            JobStatus = "completed"
	JobStatusFailed               JobStatus = "failed"
	JobStatusClarificationTimeout JobStatus = "clarification_timeout"

	// PausedStatusPrefix marks test-mode statuses of the form "paused_after_<stage>".
	PausedStatusPrefix = "paused_after_"
)

// IsTerminal reports whether the status permits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusClarificationTimeout:
		return true
	default:
		return false
	}
}

// PausedAfter builds the test-mode status recorded once a stage finished
// under a pause flag.
func PausedAfter(stage Stage) JobStatus {
	return JobStatus(PausedStatusPrefix + string(stage))
}

// IsPaused reports whether the status is a test-mode pause state.
func (s JobStatus) IsPaused() bool {
	return strings.HasPrefix(string(s), PausedStatusPrefix)
}

// Stage identifies one discrete unit of pipeline work. Each stage is backed
// by its own queue with an independent retry and concurrency policy.
type Stage string

const (
	StageDownload      Stage = "download"
	StageTranscribe    Stage = "transcribe"
	StageProcessIntent Stage = "process-intent"
	StageCreateEvent   Stage = "create-event"
	StageUpdateEvent   Stage = "update-event"
	StageDeleteEvent   Stage = "delete-event"
	StageNotify        Stage = "notify"
)

// Job represents one end-to-end message-to-calendar-action processing unit.
type Job struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Phone     string `json:"phone"`
	ChannelID string `json:"channel_id,omitempty"`

	Status JobStatus `json:"status"`

	// Inbound payload. MediaRef is set for voice notes, CommandText for
	// typed commands (which skip the download and transcribe stages).
	MessageID   string    `json:"message_id"`
	MediaRef    *MediaRef `json:"media_ref,omitempty"`
	CommandText string    `json:"command_text,omitempty"`

	// Transcription result.
	AudioPath          string `json:"audio_path,omitempty"`
	Transcript         string `json:"transcript,omitempty"`
	TranscriptProvider string `json:"transcript_provider,omitempty"`

	// Latest merged extraction result.
	Intent *IntentSnapshot `json:"intent,omitempty"`

	// Calendar outcome once a mutation succeeded.
	CalendarProvider string `json:"calendar_provider,omitempty"`
	CalendarEventID  string `json:"calendar_event_id,omitempty"`

	// Error bookkeeping for terminal failures.
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorStage   Stage  `json:"error_stage,omitempty"`
	RetryCount   int    `json:"retry_count"`

	// Test-mode controls.
	IsTest         bool   `json:"is_test,omitempty"`
	PauseAfter     Stage  `json:"pause_after,omitempty"`
	TestConfigJSON string `json:"test_config_json,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResumedStatus maps a test-mode pause back to the status the job would have
// carried had the pause not happened, so the deferred next stage proceeds.
func ResumedStatus(stage Stage) JobStatus {
	switch stage {
	case StageDownload:
		return JobStatusTranscribing
	case StageTranscribe:
		return JobStatusTranscribed
	case StageProcessIntent:
		return JobStatusProcessingIntent
	case StageCreateEvent, StageUpdateEvent, StageDeleteEvent, StageNotify:
		return JobStatusCompleted
	default:
		return JobStatusPending
	}
}

// QueuePayload is the JSON body carried by every stage queue task. Stages are
// re-entrant from the job record alone, so the payload stays minimal.
type QueuePayload struct {
	JobID string `json:"job_id"`
}

// ShouldPauseAfter reports whether the job's test-mode pause flag targets the
// stage that just finished. The following stage re-defers at entry while the
// job status remains paused.
func (j *Job) ShouldPauseAfter(stage Stage) bool {
	return j.IsTest && j.PauseAfter != "" && j.PauseAfter == stage
}

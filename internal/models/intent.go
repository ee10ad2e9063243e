// Package models defines intent extraction and clarification structures.
package models

import "time"

// IntentAction is the resolved calendar action for a job. The pipeline routes
// jobs through an exhaustive transition table keyed by this enum, never by
// matching on raw strings from the extraction service.
type IntentAction string

const (
	ActionCreate      IntentAction = "create"
	ActionUpdate      IntentAction = "update"
	ActionDelete      IntentAction = "delete"
	ActionQuery       IntentAction = "query"
	ActionUnsupported IntentAction = "unsupported"
)

// IsValidIntentAction checks if the given action is one the pipeline knows.
func IsValidIntentAction(a IntentAction) bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionQuery, ActionUnsupported:
		return true
	default:
		return false
	}
}

// IntentSnapshotVersion is the current snapshot schema version. Persisted
// snapshots carry it so in-flight pending intents survive schema evolution.
const IntentSnapshotVersion = 1

// FollowUp is one clarification question proposed by the extraction service
// for a field it could not resolve.
type FollowUp struct {
	Field    string   `json:"field"`
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// Conflict describes a detected scheduling collision. Detection itself is
// performed upstream; the pipeline only carries the summary and asks the user
// to keep, move, or cancel.
type Conflict struct {
	Summary       string `json:"summary"`
	EventID       string `json:"event_id,omitempty"`
	ConflictStart string `json:"conflict_start,omitempty"`
	ConflictEnd   string `json:"conflict_end,omitempty"`
}

// IntentSnapshot is the structured, versioned result of one extraction pass,
// merged with any clarification answers collected so far.
type IntentSnapshot struct {
	Version         int          `json:"version"`
	Action          IntentAction `json:"action"`
	Title           string       `json:"title,omitempty"`
	Datetime        string       `json:"datetime,omitempty"`
	Location        string       `json:"location,omitempty"`
	DurationMinutes int          `json:"duration_minutes,omitempty"`
	Attendees       []string     `json:"attendees,omitempty"`
	TargetEventID   string       `json:"target_event_id,omitempty"`
	Confidence      float64      `json:"confidence"`
	FollowUp        []FollowUp   `json:"follow_up,omitempty"`
	Conflict        *Conflict    `json:"conflict,omitempty"`
}

// PendingIntentStatus represents the lifecycle state of a pending intent.
type PendingIntentStatus string

const (
	// PendingStatusAwaitingClarification means at least one prompt is
	// outstanding and the job is suspended.
	PendingStatusAwaitingClarification PendingIntentStatus = "awaiting_clarification"
	// PendingStatusAwaitingProcessing means the last required answer arrived
	// and a resolve-intent pass is in flight; the watchdog must not touch it.
	PendingStatusAwaitingProcessing PendingIntentStatus = "awaiting_processing"
	// PendingStatusExpired means the validity window elapsed without answers.
	PendingStatusExpired PendingIntentStatus = "expired"
)

// PendingIntent is the durable record of an intent awaiting user
// clarification. At most one active record exists per job.
type PendingIntent struct {
	ID        string              `json:"id"`
	JobID     string              `json:"job_id"`
	UserID    string              `json:"user_id"`
	Phone     string              `json:"phone"`
	Snapshot  IntentSnapshot      `json:"snapshot"`
	Plan      ClarificationPlan   `json:"plan"`
	Status    PendingIntentStatus `json:"status"`
	ExpiresAt time.Time           `json:"expires_at"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

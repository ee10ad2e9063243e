// Package models defines observability records for pipeline debugging.
package models

import "time"

// StageTiming is one append-only timing record for a stage execution, ordered
// by a per-job monotonically increasing sequence number. These records exist
// purely for observability and participate in no control-flow decisions.
type StageTiming struct {
	JobID      string     `json:"job_id"`
	Seq        int        `json:"seq"`
	Stage      Stage      `json:"stage"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Success    bool       `json:"success"`
	Metadata   string     `json:"metadata,omitempty"` // free-form JSON
}

// StagePayload is one append-only snapshot of the payload a stage received,
// kept alongside timings for post-hoc debugging of redeliveries.
type StagePayload struct {
	JobID       string    `json:"job_id"`
	Seq         int       `json:"seq"`
	Stage       Stage     `json:"stage"`
	PayloadJSON string    `json:"payload_json"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Package models defines the per-prompt mirror records used by response
// ingestion.
package models

import "time"

// InteractivePrompt mirrors one dispatched button/list question so a later
// tap can be resolved without re-parsing the whole clarification plan.
// Correlated by (PendingIntentID, Field); updated exactly once on the first
// matching response.
type InteractivePrompt struct {
	ID              string        `json:"id"`
	PendingIntentID string        `json:"pending_intent_id"`
	JobID           string        `json:"job_id"`
	Field           string        `json:"field"`
	Channel         PromptChannel `json:"channel"`
	Question        string        `json:"question"`
	Options         []string      `json:"options"`
	SelectedValue   string        `json:"selected_value,omitempty"`
	ResponseMsgID   string        `json:"response_msg_id,omitempty"`
	Answered        bool          `json:"answered"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// FlowSession tracks one dispatched structured form, keyed by an opaque
// token. Created on dispatch, mutated once on submission.
type FlowSession struct {
	Token           string     `json:"token"`
	PendingIntentID string     `json:"pending_intent_id"`
	JobID           string     `json:"job_id"`
	Fields          []string   `json:"fields"`
	RawPayload      string     `json:"raw_payload,omitempty"`
	Received        bool       `json:"received"`
	ReceivedAt      *time.Time `json:"received_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

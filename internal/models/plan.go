// Package models defines the clarification plan bookkeeping embedded in a
// pending intent.
package models

import "time"

// Synthetic clarification fields injected by the engine rather than proposed
// by the extraction service.
const (
	// FieldConflict asks the user to keep/move/cancel on a detected collision.
	FieldConflict = "conflict"
	// FieldTime asks for a replacement time after the user chose "move".
	FieldTime = "time"
)

// Conflict prompt answers.
const (
	ConflictKeep   = "keep"
	ConflictMove   = "move"
	ConflictCancel = "cancel"
)

// PromptChannel identifies how a clarification question was delivered.
type PromptChannel string

const (
	// ChannelText is a free-text question.
	ChannelText PromptChannel = "text"
	// ChannelButtons is a tappable button prompt (1-3 options).
	ChannelButtons PromptChannel = "buttons"
	// ChannelList is a selectable list prompt (4+ options).
	ChannelList PromptChannel = "list"
	// ChannelFlow is a structured multi-field form.
	ChannelFlow PromptChannel = "flow"
)

// ResponseSource identifies which ingestion adapter recorded an answer.
type ResponseSource string

const (
	SourceText        ResponseSource = "text"
	SourceInteractive ResponseSource = "interactive"
	SourceFlow        ResponseSource = "flow"
)

// PromptEntry records one dispatched question. The plan keeps at most one
// entry per field so a question is never re-issued across resolve passes.
type PromptEntry struct {
	Field             string        `json:"field"`
	Channel           PromptChannel `json:"channel"`
	Question          string        `json:"question"`
	Options           []string      `json:"options,omitempty"`
	ExternalMessageID string        `json:"external_message_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// FieldResponse records one answered field. Repeated answers for the same
// field are last-write-wins.
type FieldResponse struct {
	Value       string         `json:"value"`
	Label       string         `json:"label,omitempty"`
	Source      ResponseSource `json:"source"`
	RespondedAt time.Time      `json:"responded_at"`
}

// ClarificationPlan tracks which fields still need an answer, which prompts
// have been sent, and which answers have arrived. Invariant: a field present
// in Responses is never present in PendingFields.
type ClarificationPlan struct {
	PendingFields  []string                 `json:"pending_fields"`
	Prompts        []PromptEntry            `json:"prompts,omitempty"`
	Responses      map[string]FieldResponse `json:"responses,omitempty"`
	ReminderSentAt *time.Time               `json:"reminder_sent_at,omitempty"`
	ExpiredAt      *time.Time               `json:"expired_at,omitempty"`
}

// HasPendingField reports whether the field still awaits an answer.
func (p *ClarificationPlan) HasPendingField(field string) bool {
	for _, f := range p.PendingFields {
		if f == field {
			return true
		}
	}
	return false
}

// PromptFor returns the prompt entry for a field, or nil if none was sent.
func (p *ClarificationPlan) PromptFor(field string) *PromptEntry {
	for i := range p.Prompts {
		if p.Prompts[i].Field == field {
			return &p.Prompts[i]
		}
	}
	return nil
}

// RemovePendingField drops a field from the pending set, preserving order.
func (p *ClarificationPlan) RemovePendingField(field string) {
	kept := p.PendingFields[:0]
	for _, f := range p.PendingFields {
		if f != field {
			kept = append(kept, f)
		}
	}
	p.PendingFields = kept
}

// RecordResponse stores an answer and drops the field from the pending set.
func (p *ClarificationPlan) RecordResponse(field string, resp FieldResponse) {
	if p.Responses == nil {
		p.Responses = make(map[string]FieldResponse)
	}
	p.Responses[field] = resp
	p.RemovePendingField(field)
}

// NextUnprompted returns the first pending field without a prompt entry, or
// empty string when every pending field has already been asked.
func (p *ClarificationPlan) NextUnprompted() string {
	for _, f := range p.PendingFields {
		if p.PromptFor(f) == nil {
			return f
		}
	}
	return ""
}

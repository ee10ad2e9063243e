// Package models defines the core data structures for CalWeave.
//
// It includes the job, pending-intent, and clarification-plan types shared
// across the pipeline, the clarification engine, and the messaging layer.
package models

import (
	"errors"
)

// Validation constants for inbound and outbound message handling.
const (
	// MaxQuestionLength defines the maximum allowed length for a clarification question
	MaxQuestionLength = 1024
	// MaxOptionLabelLength defines the maximum allowed length for an option label
	MaxOptionLabelLength = 100
	// MaxButtonOptions defines the largest option set still rendered as tappable buttons
	MaxButtonOptions = 3
	// MaxListOptions defines the maximum number of rows allowed in a list prompt
	MaxListOptions = 10
)

// Error variables for better error handling and testability
var (
	ErrEmptyRecipient     = errors.New("recipient cannot be empty")
	ErrEmptyQuestion      = errors.New("question cannot be empty")
	ErrQuestionTooLong    = errors.New("question exceeds maximum length")
	ErrOptionLabelTooLong = errors.New("option label exceeds maximum length")
	ErrTooManyOptions     = errors.New("too many options for a list prompt")
	ErrJobNotFound        = errors.New("job not found")
	ErrPendingIntentGone  = errors.New("pending intent not found")
	ErrFlowSessionGone    = errors.New("flow session not found")
	ErrInvalidOptionID    = errors.New("malformed option identifier")
)

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Receipt represents a delivery/read receipt for an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// ResponseKind discriminates the shape of an inbound message.
type ResponseKind string

const (
	// ResponseKindText is a plain typed message.
	ResponseKindText ResponseKind = "text"
	// ResponseKindAudio is a voice note carrying a media reference.
	ResponseKindAudio ResponseKind = "audio"
	// ResponseKindButtonReply is a tap on a button prompt.
	ResponseKindButtonReply ResponseKind = "button_reply"
	// ResponseKindListReply is a selection from a list prompt.
	ResponseKindListReply ResponseKind = "list_reply"
	// ResponseKindFlowReply is a structured multi-field form submission.
	ResponseKindFlowReply ResponseKind = "flow_reply"
)

// Response represents an incoming message from a participant, normalized
// across channels. SelectionID carries the tapped option identifier for
// button/list replies; Media carries the voice-note reference for audio.
type Response struct {
	From        string       `json:"from"`
	MessageID   string       `json:"message_id"`
	Kind        ResponseKind `json:"kind"`
	Body        string       `json:"body"`
	SelectionID string       `json:"selection_id,omitempty"`
	FlowToken   string       `json:"flow_token,omitempty"`
	FlowPayload string       `json:"flow_payload,omitempty"`
	Media       *MediaRef    `json:"media,omitempty"`
	Time        int64        `json:"time"`
}

// MediaRef holds everything needed to download an encrypted WhatsApp media
// item after the originating event has been discarded.
type MediaRef struct {
	URL           string `json:"url"`
	DirectPath    string `json:"direct_path"`
	MediaKey      []byte `json:"media_key"`
	FileSHA256    []byte `json:"file_sha256"`
	FileEncSHA256 []byte `json:"file_enc_sha256"`
	FileLength    uint64 `json:"file_length"`
	Mimetype      string `json:"mimetype"`
	Seconds       uint32 `json:"seconds,omitempty"`
}

// API Response types for consistent JSON responses

// APIStatus represents the status field of an API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

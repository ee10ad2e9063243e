// Package genai provides the language-model client used for intent extraction.
//
// The extraction service is treated as an opaque collaborator: it receives the
// transcript plus prompt context (current time, contacts, recent events) and
// returns a structured intent snapshot with follow-up questions for any field
// it could not resolve.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/CalWeave/CalWeave/internal/calendar"
	"github.com/CalWeave/CalWeave/internal/models"
)

// ClientInterface defines the operations the pipeline needs from the
// language-model client. Satisfied by Client and by test mocks.
type ClientInterface interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
	RunIntentPipeline(ctx context.Context, input IntentInput) (*models.IntentSnapshot, error)
}

// IntentInput carries everything the extraction pass needs.
type IntentInput struct {
	// Text is the transcript or typed command to extract from.
	Text string
	// Now anchors relative date expressions ("tomorrow", "next Tuesday").
	Now time.Time
	// Contacts are attendee candidates for name resolution.
	Contacts []calendar.Contact
	// RecentEvents feed update/delete target matching and conflict detection.
	RecentEvents []calendar.Event
	// Answers are clarification answers collected so far, keyed by field.
	Answers map[string]string
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel overrides the chat model used for extraction.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// Client wraps the OpenAI chat completion API for intent extraction.
type Client struct {
	client openai.Client
	model  string
}

var _ ClientInterface = (*Client)(nil)

// NewClient creates a GenAI client from the provided options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	return &Client{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
	}, nil
}

// GenerateWithMessages sends the given message list and returns the first
// choice's content.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// RunIntentPipeline extracts a structured intent snapshot from the input text.
// Fields the model could not resolve come back as follow-up questions; a
// detected scheduling collision comes back as a conflict summary.
func (c *Client) RunIntentPipeline(ctx context.Context, input IntentInput) (*models.IntentSnapshot, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(intentSystemPrompt),
		openai.UserMessage(buildIntentUserPrompt(input)),
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("intent extraction failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("intent extraction returned no choices")
	}

	snapshot, err := ParseIntentSnapshot(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	slog.Debug("Client.RunIntentPipeline: extraction completed",
		"action", snapshot.Action, "followUps", len(snapshot.FollowUp), "hasConflict", snapshot.Conflict != nil)
	return snapshot, nil
}

// ParseIntentSnapshot decodes the model's JSON output into a snapshot,
// normalizing the action and stamping the snapshot version.
func ParseIntentSnapshot(raw string) (*models.IntentSnapshot, error) {
	raw = strings.TrimSpace(raw)
	// Some models wrap JSON in a fenced code block despite the response format.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var snapshot models.IntentSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return nil, fmt.Errorf("decode intent snapshot failed: %w", err)
	}

	snapshot.Action = models.IntentAction(strings.ToLower(string(snapshot.Action)))
	if !models.IsValidIntentAction(snapshot.Action) {
		snapshot.Action = models.ActionUnsupported
	}
	if snapshot.Version == 0 {
		snapshot.Version = models.IntentSnapshotVersion
	}
	return &snapshot, nil
}

const intentSystemPrompt = `You are a calendar assistant that extracts structured intent from chat messages.
Given a message, respond with a single JSON object:
{
  "action": "create" | "update" | "delete" | "query" | "unsupported",
  "title": string,
  "datetime": string (RFC 3339, resolved against the provided current time),
  "location": string,
  "duration_minutes": number,
  "attendees": [string],
  "target_event_id": string (for update/delete, matched against the recent events list),
  "confidence": number between 0 and 1,
  "follow_up": [{"field": string, "question": string, "options": [string]}],
  "conflict": {"summary": string, "event_id": string, "conflict_start": string, "conflict_end": string} or null
}
Rules:
- Omit fields you cannot determine and add a follow_up entry for each required field that is missing or ambiguous.
- Required fields: title and datetime for create; target_event_id for update and delete.
- If the requested time collides with a recent event, set "conflict" with a short human-readable summary.
- Match attendee names against the contact list when possible.
- Previously collected answers are authoritative; never ask about a field that already has an answer.`

func buildIntentUserPrompt(input IntentInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current time: %s\n", input.Now.Format(time.RFC3339))

	if len(input.Contacts) > 0 {
		b.WriteString("Contacts:\n")
		for _, c := range input.Contacts {
			fmt.Fprintf(&b, "- %s <%s>\n", c.Name, c.Email)
		}
	}
	if len(input.RecentEvents) > 0 {
		b.WriteString("Recent events:\n")
		for _, e := range input.RecentEvents {
			fmt.Fprintf(&b, "- id=%s title=%q start=%s end=%s\n", e.ID, e.Title, e.Start, e.End)
		}
	}
	if len(input.Answers) > 0 {
		b.WriteString("Previously collected answers:\n")
		for field, answer := range input.Answers {
			fmt.Fprintf(&b, "- %s: %s\n", field, answer)
		}
	}

	fmt.Fprintf(&b, "Message: %s\n", input.Text)
	return b.String()
}

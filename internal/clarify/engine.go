// Package clarify implements the clarification engine: it owns the
// pending-intent lifecycle, from building a plan out of missing fields,
// through dispatching prompts over chat-native channels, to merging answers
// and deciding when a suspended job may resume.
package clarify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/CalWeave/CalWeave/internal/models"
	"github.com/CalWeave/CalWeave/internal/queue"
	"github.com/CalWeave/CalWeave/internal/store"
	"github.com/CalWeave/CalWeave/internal/util"
)

// DefaultExpiryWindow bounds how long a pending intent waits for answers.
const DefaultExpiryWindow = 5 * time.Minute

// reminderNum/reminderDen derive the reminder threshold as a fraction of the
// expiry window, so a configured window keeps a proportional reminder point.
const (
	reminderNum = 2
	reminderDen = 5
)

// PromptOption is one selectable option handed to the outbound channel.
type PromptOption struct {
	ID    string
	Label string
}

// Messenger is the outbound surface the engine dispatches prompts and notices
// through. Implemented by the messaging services.
type Messenger interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendButtons(ctx context.Context, to string, body string, options []PromptOption) error
	SendList(ctx context.Context, to string, body string, options []PromptOption) error
}

// Opts holds configuration options for the engine.
type Opts struct {
	ExpiryWindow time.Duration
}

// Option defines a configuration option for the engine.
type Option func(*Opts)

// WithExpiryWindow overrides how long a pending intent stays answerable.
func WithExpiryWindow(d time.Duration) Option {
	return func(o *Opts) {
		o.ExpiryWindow = d
	}
}

// Engine coordinates pending intents, prompt dispatch, and resumption. It is
// stateless between calls; every decision is made against the durable store.
type Engine struct {
	store        store.Store
	enq          queue.Enqueuer
	msgr         Messenger
	expiryWindow time.Duration

	now func() time.Time
}

// NewEngine creates a clarification engine.
func NewEngine(st store.Store, enq queue.Enqueuer, msgr Messenger, opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ExpiryWindow <= 0 {
		cfg.ExpiryWindow = DefaultExpiryWindow
	}
	return &Engine{
		store:        st,
		enq:          enq,
		msgr:         msgr,
		expiryWindow: cfg.ExpiryWindow,
		now:          time.Now,
	}
}

// ReminderThreshold returns the remaining-time threshold below which the
// watchdog sends a reminder.
func (e *Engine) ReminderThreshold() time.Duration {
	return e.expiryWindow * reminderNum / reminderDen
}

// Evaluate merges the freshly computed snapshot into the job's clarification
// state. It returns true when the intent is fully resolved (the job should
// route to its action); false when the job must suspend awaiting answers.
func (e *Engine) Evaluate(ctx context.Context, job *models.Job, snapshot *models.IntentSnapshot) (bool, error) {
	pi, err := e.store.GetPendingIntentByJobID(job.ID)
	if err != nil {
		return false, fmt.Errorf("load pending intent failed: %w", err)
	}

	var plan models.ClarificationPlan
	if pi != nil {
		plan = pi.Plan
	}

	target := TargetFields(snapshot, plan.Responses)
	MergeClarificationPlan(&plan, target)

	if len(plan.PendingFields) == 0 {
		if pi != nil {
			if err := e.store.DeletePendingIntent(pi.ID); err != nil {
				return false, fmt.Errorf("delete pending intent failed: %w", err)
			}
			slog.Debug("Engine.Evaluate: intent resolved, pending intent deleted", "jobID", job.ID, "pendingIntentID", pi.ID)
		}
		return true, nil
	}

	now := e.now()
	if pi == nil {
		pi = &models.PendingIntent{
			ID:        store.NewPendingIntentID(),
			JobID:     job.ID,
			UserID:    job.UserID,
			Phone:     job.Phone,
			CreatedAt: now,
		}
	}
	pi.Snapshot = *snapshot
	pi.Plan = plan
	pi.Status = models.PendingStatusAwaitingClarification
	pi.ExpiresAt = now.Add(e.expiryWindow)
	pi.UpdatedAt = now

	// Pick the prompt before persisting so the plan already carries its
	// entry; redelivery then finds nothing unprompted and stays silent.
	field := pi.Plan.NextUnprompted()
	var dispatch *preparedPrompt
	if field != "" {
		dispatch, err = e.preparePrompt(pi, snapshot, field)
		if err != nil {
			return false, err
		}
		pi.Plan.Prompts = append(pi.Plan.Prompts, dispatch.entry)
	}

	if err := e.store.SavePendingIntent(*pi); err != nil {
		return false, fmt.Errorf("save pending intent failed: %w", err)
	}
	if err := e.store.SetJobStatus(job.ID, models.JobStatusAwaitingClarify); err != nil {
		return false, fmt.Errorf("set job status failed: %w", err)
	}

	if dispatch != nil {
		if err := e.sendPrompt(ctx, pi, dispatch); err != nil {
			// Prompt entry is already persisted; a retry will not re-send.
			// The watchdog reminder re-surfaces unanswered fields later.
			slog.Error("Engine.Evaluate: prompt dispatch failed", "jobID", job.ID, "field", field, "error", err)
			return false, err
		}
		slog.Info("Engine.Evaluate: clarification prompt dispatched",
			"jobID", job.ID, "pendingIntentID", pi.ID, "field", field, "channel", dispatch.entry.Channel)
	} else {
		slog.Debug("Engine.Evaluate: all pending fields already prompted", "jobID", job.ID, "pending", pi.Plan.PendingFields)
	}

	return false, nil
}

// preparedPrompt pairs a plan entry with the concrete options to send.
type preparedPrompt struct {
	entry   models.PromptEntry
	options []PromptOption
}

func (e *Engine) preparePrompt(pi *models.PendingIntent, snapshot *models.IntentSnapshot, field string) (*preparedPrompt, error) {
	question, optionValues := questionFor(snapshot, field)
	if question == "" {
		return nil, fmt.Errorf("no question available for field %s", field)
	}
	if len(question) > models.MaxQuestionLength {
		question = question[:models.MaxQuestionLength]
	}
	if len(optionValues) > models.MaxListOptions {
		optionValues = optionValues[:models.MaxListOptions]
	}

	channel := models.ChannelText
	switch {
	case len(optionValues) == 0:
		channel = models.ChannelText
	case len(optionValues) <= models.MaxButtonOptions:
		channel = models.ChannelButtons
	default:
		channel = models.ChannelList
	}

	options := make([]PromptOption, 0, len(optionValues))
	for i, v := range optionValues {
		options = append(options, PromptOption{
			ID:    EncodeOptionID(pi.ID, field, i, v),
			Label: optionLabel(field, v),
		})
	}

	return &preparedPrompt{
		entry: models.PromptEntry{
			Field:     field,
			Channel:   channel,
			Question:  question,
			Options:   optionValues,
			CreatedAt: e.now(),
		},
		options: options,
	}, nil
}

func (e *Engine) sendPrompt(ctx context.Context, pi *models.PendingIntent, p *preparedPrompt) error {
	if p.entry.Channel != models.ChannelText {
		// Mirror record so a later tap resolves without re-parsing the plan.
		mirror := models.InteractivePrompt{
			ID:              util.GenerateRandomID("iap_", 16),
			PendingIntentID: pi.ID,
			JobID:           pi.JobID,
			Field:           p.entry.Field,
			Channel:         p.entry.Channel,
			Question:        p.entry.Question,
			Options:         p.entry.Options,
			CreatedAt:       e.now(),
			UpdatedAt:       e.now(),
		}
		if err := e.store.SaveInteractivePrompt(mirror); err != nil {
			return fmt.Errorf("save interactive prompt failed: %w", err)
		}
	}

	switch p.entry.Channel {
	case models.ChannelText:
		return e.msgr.SendMessage(ctx, pi.Phone, p.entry.Question)
	case models.ChannelButtons:
		return e.msgr.SendButtons(ctx, pi.Phone, p.entry.Question, p.options)
	case models.ChannelList:
		return e.msgr.SendList(ctx, pi.Phone, p.entry.Question, p.options)
	default:
		return fmt.Errorf("unknown prompt channel %s", p.entry.Channel)
	}
}

// questionFor resolves the question text and option values for a field.
// Synthetic fields carry fixed questions; everything else comes from the
// extraction service's follow-up list.
func questionFor(snapshot *models.IntentSnapshot, field string) (string, []string) {
	switch field {
	case models.FieldConflict:
		summary := "an existing event"
		if snapshot.Conflict != nil && snapshot.Conflict.Summary != "" {
			summary = snapshot.Conflict.Summary
		}
		question := fmt.Sprintf("That time overlaps with %s. Keep both, move it, or cancel?", summary)
		return question, []string{models.ConflictKeep, models.ConflictMove, models.ConflictCancel}
	case models.FieldTime:
		return "What time should it be instead?", nil
	}

	for _, fu := range snapshot.FollowUp {
		if fu.Field == field {
			return fu.Question, fu.Options
		}
	}
	return "", nil
}

// optionLabel renders the user-visible label for an option value.
func optionLabel(field, value string) string {
	if field == models.FieldConflict {
		switch value {
		case models.ConflictKeep:
			return "Keep both"
		case models.ConflictMove:
			return "Move it"
		case models.ConflictCancel:
			return "Cancel"
		}
	}
	if len(value) > models.MaxOptionLabelLength {
		return value[:models.MaxOptionLabelLength]
	}
	return value
}

// enqueueResume schedules a fresh resolve-intent pass for the job. The queue
// identity is deliberately non-deterministic: this is an intentional
// re-entry, distinct from the original process-intent task.
func (e *Engine) enqueueResume(jobID string) error {
	payload := fmt.Sprintf(`{"job_id":%q}`, jobID)
	dedupeKey := fmt.Sprintf("process-%s-%d", jobID, e.now().UnixNano())
	_, err := e.enq.Enqueue(string(models.StageProcessIntent), e.now(), payload, dedupeKey)
	if err != nil {
		return fmt.Errorf("enqueue resume failed: %w", err)
	}
	slog.Debug("Engine.enqueueResume: resolve-intent re-enqueued", "jobID", jobID, "dedupeKey", dedupeKey)
	return nil
}

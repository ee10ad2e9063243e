package clarify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/CalWeave/CalWeave/internal/models"
	"github.com/CalWeave/CalWeave/internal/util"
)

// flowFrameworkKeys are payload keys carried by the form transport itself,
// never treated as answered fields.
var flowFrameworkKeys = map[string]bool{
	"flow_token": true,
	"version":    true,
	"screen":     true,
	"action":     true,
}

// HandleTextReply routes a free-text reply into the clarification plan. It
// returns false when the sender has no active pending intent, so the caller
// can treat the message as a fresh command instead.
func (e *Engine) HandleTextReply(ctx context.Context, resp models.Response) (bool, error) {
	pi, err := e.store.GetActivePendingIntentByPhone(resp.From)
	if err != nil {
		return false, fmt.Errorf("load pending intent by phone failed: %w", err)
	}
	if pi == nil {
		return false, nil
	}

	field := e.pickTextField(pi)
	if field == "" {
		slog.Debug("Engine.HandleTextReply: no pending field for reply", "pendingIntentID", pi.ID, "from", resp.From)
		return false, nil
	}

	// A text reply can still answer a button/list prompt; re-validate the raw
	// text against the live option set so the canonical value is recorded.
	value := strings.TrimSpace(resp.Body)
	label := ""
	if prompt, err := e.store.GetInteractivePrompt(pi.ID, field); err == nil && prompt != nil {
		if canonical, ok := matchOption(prompt.Options, value); ok {
			value = canonical
			label = resp.Body
		}
	}

	err = e.recordAnswer(ctx, pi, field, value, label, models.SourceText, resp.MessageID)
	return true, err
}

// pickTextField returns the field a free-text reply should answer: the first
// pending field with an outstanding free-text prompt, else the first pending.
func (e *Engine) pickTextField(pi *models.PendingIntent) string {
	for _, f := range pi.Plan.PendingFields {
		if p := pi.Plan.PromptFor(f); p != nil && p.Channel == models.ChannelText {
			return f
		}
	}
	if len(pi.Plan.PendingFields) > 0 {
		return pi.Plan.PendingFields[0]
	}
	return ""
}

// HandleInteractiveReply routes a button/list tap. The option ID is decoded
// for routing, but the answer value is re-resolved against the stored prompt
// record; the decoded value is only a hint.
func (e *Engine) HandleInteractiveReply(ctx context.Context, resp models.Response) error {
	decoded, err := DecodeOptionID(resp.SelectionID)
	if err != nil {
		// Not one of ours (or corrupted); fall back to the text path so the
		// raw tap label can still answer an outstanding prompt.
		slog.Debug("Engine.HandleInteractiveReply: undecodable selection, falling back to text", "selectionID", resp.SelectionID, "from", resp.From)
		_, terr := e.HandleTextReply(ctx, resp)
		return terr
	}

	pi, err := e.store.GetPendingIntent(decoded.PendingIntentID)
	if err != nil {
		return fmt.Errorf("load pending intent failed: %w", err)
	}
	if pi == nil {
		// Stale tap on an expired or resolved prompt. Terminal and silent.
		slog.Info("Engine.HandleInteractiveReply: pending intent gone, ignoring tap", "pendingIntentID", decoded.PendingIntentID, "from", resp.From)
		return nil
	}

	value := decoded.Value
	label := resp.Body
	prompt, err := e.store.GetInteractivePrompt(pi.ID, decoded.Field)
	if err != nil {
		return fmt.Errorf("load interactive prompt failed: %w", err)
	}
	if prompt != nil {
		if decoded.Index < len(prompt.Options) && prompt.Options[decoded.Index] == decoded.Value {
			value = prompt.Options[decoded.Index]
		} else if canonical, ok := matchOption(prompt.Options, decoded.Value); ok {
			value = canonical
		} else if canonical, ok := matchOption(prompt.Options, resp.Body); ok {
			value = canonical
		} else {
			value = strings.TrimSpace(resp.Body)
		}

		prompt.Answered = true
		prompt.SelectedValue = value
		prompt.ResponseMsgID = resp.MessageID
		prompt.UpdatedAt = e.now()
		if err := e.store.SaveInteractivePrompt(*prompt); err != nil {
			return fmt.Errorf("update interactive prompt failed: %w", err)
		}
	}

	return e.recordAnswer(ctx, pi, decoded.Field, value, label, models.SourceInteractive, resp.MessageID)
}

// HandleFlowSubmission routes a structured form submission. Every
// non-framework key in the payload is one answered field; the whole
// submission triggers a single resume.
func (e *Engine) HandleFlowSubmission(ctx context.Context, token, payloadJSON string) error {
	fs, err := e.store.GetFlowSession(token)
	if err != nil {
		return fmt.Errorf("load flow session failed: %w", err)
	}
	if fs == nil {
		slog.Info("Engine.HandleFlowSubmission: flow session gone, ignoring", "token", token)
		return nil
	}
	if fs.Received {
		slog.Debug("Engine.HandleFlowSubmission: duplicate submission ignored", "token", token)
		return nil
	}

	pi, err := e.store.GetPendingIntent(fs.PendingIntentID)
	if err != nil {
		return fmt.Errorf("load pending intent failed: %w", err)
	}
	if pi == nil {
		slog.Info("Engine.HandleFlowSubmission: pending intent gone, ignoring", "token", token, "pendingIntentID", fs.PendingIntentID)
		return nil
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return fmt.Errorf("decode flow payload failed: %w", err)
	}

	if err := e.store.MarkFlowSessionReceived(token, payloadJSON); err != nil {
		return fmt.Errorf("mark flow session received failed: %w", err)
	}

	now := e.now()
	for key, raw := range payload {
		if flowFrameworkKeys[key] {
			continue
		}
		value := strings.TrimSpace(fmt.Sprintf("%v", raw))
		if value == "" {
			continue
		}
		if key == models.FieldConflict && value == models.ConflictCancel {
			return e.cancelJob(ctx, pi)
		}
		pi.Plan.RecordResponse(key, models.FieldResponse{
			Value:       value,
			Source:      models.SourceFlow,
			RespondedAt: now,
		})
	}

	pi.Status = models.PendingStatusAwaitingProcessing
	pi.UpdatedAt = now
	if err := e.store.SavePendingIntent(*pi); err != nil {
		return fmt.Errorf("save pending intent failed: %w", err)
	}
	return e.enqueueResume(pi.JobID)
}

// DispatchFlowForm opens a structured form session covering every currently
// pending field and tells the user how to fill it. Used by the inspection API
// to exercise the flow channel end to end.
func (e *Engine) DispatchFlowForm(ctx context.Context, pendingIntentID string) (*models.FlowSession, error) {
	pi, err := e.store.GetPendingIntent(pendingIntentID)
	if err != nil {
		return nil, fmt.Errorf("load pending intent failed: %w", err)
	}
	if pi == nil {
		return nil, models.ErrPendingIntentGone
	}
	if len(pi.Plan.PendingFields) == 0 {
		return nil, fmt.Errorf("pending intent %s has no pending fields", pendingIntentID)
	}

	fs := models.FlowSession{
		Token:           util.GenerateRandomID("flw_", 16),
		PendingIntentID: pi.ID,
		JobID:           pi.JobID,
		Fields:          append([]string(nil), pi.Plan.PendingFields...),
		CreatedAt:       e.now(),
	}
	if err := e.store.CreateFlowSession(fs); err != nil {
		return nil, fmt.Errorf("create flow session failed: %w", err)
	}

	body := "Please fill in: " + strings.Join(fs.Fields, ", ")
	if err := e.msgr.SendMessage(ctx, pi.Phone, body); err != nil {
		slog.Error("Engine.DispatchFlowForm: form notice failed", "pendingIntentID", pi.ID, "error", err)
	}
	return &fs, nil
}

// recordAnswer applies one answered field, handles the conflict special
// cases, and resumes the job. Duplicate answers are last-write-wins.
func (e *Engine) recordAnswer(ctx context.Context, pi *models.PendingIntent, field, value, label string, source models.ResponseSource, messageID string) error {
	if field == models.FieldConflict && strings.EqualFold(value, models.ConflictCancel) {
		return e.cancelJob(ctx, pi)
	}

	pi.Plan.RecordResponse(field, models.FieldResponse{
		Value:       value,
		Label:       label,
		Source:      source,
		RespondedAt: e.now(),
	})
	pi.Status = models.PendingStatusAwaitingProcessing
	pi.UpdatedAt = e.now()

	if err := e.store.SavePendingIntent(*pi); err != nil {
		return fmt.Errorf("save pending intent failed: %w", err)
	}

	slog.Info("Engine.recordAnswer: answer recorded",
		"jobID", pi.JobID, "pendingIntentID", pi.ID, "field", field, "source", source, "messageID", messageID)
	return e.enqueueResume(pi.JobID)
}

// cancelJob completes the job without any calendar mutation after the user
// chose to cancel on a conflict prompt.
func (e *Engine) cancelJob(ctx context.Context, pi *models.PendingIntent) error {
	if err := e.store.DeletePendingIntent(pi.ID); err != nil {
		return fmt.Errorf("delete pending intent failed: %w", err)
	}
	if err := e.store.SetJobStatus(pi.JobID, models.JobStatusCompleted); err != nil {
		return fmt.Errorf("set job status failed: %w", err)
	}
	if err := e.msgr.SendMessage(ctx, pi.Phone, "Okay, I won't touch your calendar for that one."); err != nil {
		slog.Error("Engine.cancelJob: cancellation notice failed", "jobID", pi.JobID, "error", err)
	}
	slog.Info("Engine.cancelJob: job canceled on conflict", "jobID", pi.JobID, "pendingIntentID", pi.ID)
	return nil
}

// matchOption finds a canonical option value matching free text, comparing
// case-insensitively.
func matchOption(options []string, text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	for _, opt := range options {
		if strings.EqualFold(opt, text) {
			return opt, true
		}
	}
	return "", false
}

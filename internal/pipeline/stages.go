package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/CalWeave/CalWeave/internal/calendar"
	"github.com/CalWeave/CalWeave/internal/clarify"
	"github.com/CalWeave/CalWeave/internal/genai"
	"github.com/CalWeave/CalWeave/internal/models"
	"github.com/CalWeave/CalWeave/internal/queue"
)

// HandleDownload fetches the voice note bytes and stages them on disk.
func (p *Pipeline) HandleDownload(ctx context.Context, payloadJSON string) error {
	job, err := p.loadJob(models.StageDownload, payloadJSON)
	if job == nil || err != nil {
		return err
	}
	started := p.now()

	if job.MediaRef == nil {
		return p.failJob(job, models.StageDownload, fmt.Errorf("job has no media reference"))
	}

	if err := p.store.SetJobStatus(job.ID, models.JobStatusDownloading); err != nil {
		return fmt.Errorf("set status failed: %w", err)
	}

	data, err := p.downloader.DownloadMedia(ctx, job.MediaRef)
	if err != nil {
		// Transient media server failures are retryable.
		p.recordTiming(job.ID, models.StageDownload, started, false, nil)
		return fmt.Errorf("download media failed: %w", err)
	}
	if len(data) == 0 {
		return p.failJob(job, models.StageDownload, fmt.Errorf("media download returned no data"))
	}

	path := p.audioPath(job.ID)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return p.failJob(job, models.StageDownload, fmt.Errorf("stage audio file failed: %w", err))
	}
	job.AudioPath = path

	paused, err := p.finishStage(job, models.StageDownload, models.JobStatusTranscribing)
	if err != nil {
		return err
	}
	p.recordTiming(job.ID, models.StageDownload, started, true, map[string]interface{}{"bytes": len(data)})
	if paused {
		slog.Info("HandleDownload: job paused after download", "jobID", job.ID)
	}
	return p.enqueueStage(models.StageTranscribe, job.ID)
}

// HandleTranscribe converts the staged audio into transcript text.
func (p *Pipeline) HandleTranscribe(ctx context.Context, payloadJSON string) error {
	job, err := p.loadJob(models.StageTranscribe, payloadJSON)
	if job == nil || err != nil {
		return err
	}
	started := p.now()

	if job.AudioPath == "" {
		return p.failJob(job, models.StageTranscribe, fmt.Errorf("job has no staged audio"))
	}

	audio, err := os.ReadFile(job.AudioPath)
	if err != nil {
		return p.failJob(job, models.StageTranscribe, fmt.Errorf("read staged audio failed: %w", err))
	}

	mimeType := "audio/ogg"
	if job.MediaRef != nil && job.MediaRef.Mimetype != "" {
		mimeType = job.MediaRef.Mimetype
	}

	text, err := p.transcriber.Transcribe(ctx, audio, mimeType)
	if err != nil {
		p.recordTiming(job.ID, models.StageTranscribe, started, false, nil)
		return fmt.Errorf("transcription failed: %w", err)
	}
	if text == "" {
		return p.failJob(job, models.StageTranscribe, fmt.Errorf("voice note produced no transcript"))
	}

	job.Transcript = text
	job.TranscriptProvider = p.transcriber.Provider()

	paused, err := p.finishStage(job, models.StageTranscribe, models.JobStatusTranscribed)
	if err != nil {
		return err
	}
	p.recordTiming(job.ID, models.StageTranscribe, started, true, map[string]interface{}{"chars": len(text), "provider": job.TranscriptProvider})
	if paused {
		slog.Info("HandleTranscribe: job paused after transcribe", "jobID", job.ID)
	}
	return p.enqueueStage(models.StageProcessIntent, job.ID)
}

// HandleProcessIntent runs extraction, merges clarification state, and routes
// the job: to a mutation stage when resolved, to suspension when fields are
// missing, or to completion with a notice for unsupported actions.
func (p *Pipeline) HandleProcessIntent(ctx context.Context, payloadJSON string) error {
	job, err := p.loadJob(models.StageProcessIntent, payloadJSON)
	if job == nil || err != nil {
		return err
	}
	started := p.now()

	text := job.Transcript
	if text == "" {
		text = job.CommandText
	}
	if text == "" {
		return p.failJob(job, models.StageProcessIntent, fmt.Errorf("job has no text to extract from"))
	}

	// Status may regress here from awaiting_clarification; that is the only
	// permitted regression.
	if err := p.store.SetJobStatus(job.ID, models.JobStatusProcessingIntent); err != nil {
		return fmt.Errorf("set status failed: %w", err)
	}
	job.Status = models.JobStatusProcessingIntent

	var answers map[string]models.FieldResponse
	pi, err := p.store.GetPendingIntentByJobID(job.ID)
	if err != nil {
		return fmt.Errorf("load pending intent failed: %w", err)
	}
	if pi != nil {
		answers = pi.Plan.Responses
	}

	contacts, err := p.calendar.GetContacts(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("load contacts failed: %w", err)
	}
	recents, err := p.calendar.GetRecentEvents(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("load recent events failed: %w", err)
	}

	snapshot, err := p.genai.RunIntentPipeline(ctx, genai.IntentInput{
		Text:         text,
		Now:          p.now(),
		Contacts:     contacts,
		RecentEvents: recents,
		Answers:      answerValues(answers),
	})
	if err != nil {
		p.recordTiming(job.ID, models.StageProcessIntent, started, false, nil)
		return fmt.Errorf("intent extraction failed: %w", err)
	}
	clarify.ApplyAnswers(snapshot, answers)

	// Persist the snapshot before any externally observable side effect.
	job.Intent = snapshot
	job.UpdatedAt = p.now()
	if err := p.store.UpdateJob(*job); err != nil {
		return fmt.Errorf("update job failed: %w", err)
	}

	resolved, err := p.clarify.Evaluate(ctx, job, snapshot)
	if err != nil {
		p.recordTiming(job.ID, models.StageProcessIntent, started, false, nil)
		return err
	}
	if !resolved {
		// Suspended: no successor enqueued; resumption arrives as its own
		// process-intent task once an answer lands.
		p.recordTiming(job.ID, models.StageProcessIntent, started, true, map[string]interface{}{"suspended": true})
		return nil
	}

	stage, ok := mutationStages[snapshot.Action]
	if !ok {
		// Read-only or unsupported request: complete with a notice.
		paused, err := p.finishStage(job, models.StageProcessIntent, models.JobStatusCompleted)
		if err != nil {
			return err
		}
		p.recordTiming(job.ID, models.StageProcessIntent, started, true, map[string]interface{}{"action": string(snapshot.Action)})
		if paused {
			slog.Info("HandleProcessIntent: job paused after process-intent", "jobID", job.ID)
		}
		return p.enqueueStage(models.StageNotify, job.ID)
	}

	paused, err := p.finishStage(job, models.StageProcessIntent, models.JobStatusProcessingIntent)
	if err != nil {
		return err
	}
	p.recordTiming(job.ID, models.StageProcessIntent, started, true, map[string]interface{}{"action": string(snapshot.Action)})
	if paused {
		slog.Info("HandleProcessIntent: job paused after process-intent", "jobID", job.ID)
	}
	return p.enqueueStage(stage, job.ID)
}

// mutationHandler builds the stage handler for one calendar mutation stage.
func (p *Pipeline) mutationHandler(stage models.Stage) queue.Handler {
	return func(ctx context.Context, payloadJSON string) error {
		job, err := p.loadJob(stage, payloadJSON)
		if job == nil || err != nil {
			return err
		}
		started := p.now()

		if job.Intent == nil {
			return p.failJob(job, stage, fmt.Errorf("job has no resolved intent"))
		}
		if job.CalendarEventID != "" {
			// Redelivery after the mutation already succeeded.
			slog.Info("Pipeline mutation: calendar outcome already recorded, skipping", "jobID", job.ID, "stage", stage)
			return nil
		}

		if err := p.store.SetJobStatus(job.ID, runningStatus[stage]); err != nil {
			return fmt.Errorf("set status failed: %w", err)
		}

		var result *calendar.MutationResult
		switch stage {
		case models.StageCreateEvent:
			result, err = p.calendar.CreateEvent(ctx, job.UserID, *job.Intent)
		case models.StageUpdateEvent:
			result, err = p.calendar.UpdateEvent(ctx, job.UserID, *job.Intent)
		case models.StageDeleteEvent:
			result, err = p.calendar.DeleteEvent(ctx, job.UserID, *job.Intent)
		default:
			return p.failJob(job, stage, fmt.Errorf("unknown mutation stage %s", stage))
		}
		if err != nil {
			// Transport errors are retryable; the provider bridge returns
			// them distinct from a definitive rejection.
			p.recordTiming(job.ID, stage, started, false, nil)
			return fmt.Errorf("calendar mutation failed: %w", err)
		}
		if !result.Success {
			return p.failJob(job, stage, fmt.Errorf("calendar rejected mutation: %s", result.Message))
		}

		job.CalendarProvider = result.Provider
		if result.Event != nil {
			job.CalendarEventID = result.Event.ID
		}

		paused, err := p.finishStage(job, stage, models.JobStatusCompleted)
		if err != nil {
			return err
		}
		p.recordTiming(job.ID, stage, started, true, map[string]interface{}{"provider": result.Provider})
		if paused {
			slog.Info("Pipeline mutation: job paused after mutation", "jobID", job.ID, "stage", stage)
		}
		return p.enqueueStage(models.StageNotify, job.ID)
	}
}

// HandleNotify sends the final user-facing notice. It is fire-and-forget with
// respect to the job: its own failure never reverts a completed job, and it
// runs for terminal statuses by design, so it skips the shared entry guard.
func (p *Pipeline) HandleNotify(ctx context.Context, payloadJSON string) error {
	var payload models.QueuePayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return queue.Terminal(fmt.Errorf("decode notify payload failed: %w", err))
	}

	job, err := p.store.GetJob(payload.JobID)
	if err != nil {
		return fmt.Errorf("load job failed: %w", err)
	}
	if job == nil {
		slog.Info("HandleNotify: job gone, skipping", "jobID", payload.JobID)
		return nil
	}
	if job.Status.IsPaused() {
		return queue.Defer(p.pauseRecheck)
	}

	body := notificationBody(job)
	if body == "" {
		return nil
	}
	if err := p.msgr.SendMessage(ctx, job.Phone, body); err != nil {
		// Retryable within the notify queue's own budget; never touches the
		// job record.
		return fmt.Errorf("send notification failed: %w", err)
	}
	slog.Debug("HandleNotify: notification sent", "jobID", job.ID, "status", job.Status)
	return nil
}

// notificationBody composes the final user-facing message from the job state.
func notificationBody(job *models.Job) string {
	if job.Status == models.JobStatusFailed {
		return "Sorry, I couldn't finish that calendar request. Please try again."
	}
	if job.Intent == nil {
		return ""
	}

	switch job.Intent.Action {
	case models.ActionCreate:
		return fmt.Sprintf("Done! I've added %q to your calendar for %s.", job.Intent.Title, job.Intent.Datetime)
	case models.ActionUpdate:
		return "Done! I've updated that event on your calendar."
	case models.ActionDelete:
		return "Done! I've removed that event from your calendar."
	case models.ActionQuery:
		return "I can't answer calendar questions yet, but I can create, move, or cancel events for you."
	default:
		return "I wasn't sure what calendar change you wanted, so I didn't touch anything."
	}
}

// answerValues flattens recorded field responses to plain values for the
// extraction prompt.
func answerValues(responses map[string]models.FieldResponse) map[string]string {
	if len(responses) == 0 {
		return nil
	}
	out := make(map[string]string, len(responses))
	for field, resp := range responses {
		out[field] = resp.Value
	}
	return out
}

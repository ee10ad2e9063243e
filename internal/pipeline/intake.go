package pipeline

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/CalWeave/CalWeave/internal/models"
	"github.com/CalWeave/CalWeave/internal/store"
)

// testCommandPrefix marks a typed command as a test-mode job. The remainder
// of the prefix argument names the stage to pause after, e.g.
// "/test pause=transcribe book dentist tomorrow".
const testCommandPrefix = "/test"

// IntakeMessage creates a job for an inbound message and enqueues its first
// stage: download for voice notes, process-intent directly for typed
// commands. Returns the created job.
func (p *Pipeline) IntakeMessage(userID string, resp models.Response) (*models.Job, error) {
	job := models.Job{
		ID:        store.NewJobID(),
		UserID:    userID,
		Phone:     resp.From,
		Status:    models.JobStatusPending,
		MessageID: resp.MessageID,
		CreatedAt: p.now(),
		UpdatedAt: p.now(),
	}

	var firstStage models.Stage
	switch resp.Kind {
	case models.ResponseKindAudio:
		if resp.Media == nil {
			return nil, fmt.Errorf("audio message without media reference")
		}
		job.MediaRef = resp.Media
		firstStage = models.StageDownload
	case models.ResponseKindText:
		text := strings.TrimSpace(resp.Body)
		if strings.HasPrefix(text, testCommandPrefix) {
			text = applyTestDirectives(&job, text)
		}
		if text == "" {
			return nil, fmt.Errorf("text message is empty")
		}
		job.CommandText = text
		firstStage = models.StageProcessIntent
	default:
		return nil, fmt.Errorf("unsupported inbound kind %s", resp.Kind)
	}

	if err := p.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("create job failed: %w", err)
	}
	if err := p.enqueueStage(firstStage, job.ID); err != nil {
		return nil, err
	}

	slog.Info("Pipeline.IntakeMessage: job created",
		"jobID", job.ID, "kind", resp.Kind, "firstStage", firstStage, "isTest", job.IsTest)
	return &job, nil
}

// applyTestDirectives parses "/test [pause=<stage>]" directives off the front
// of a typed command, marking the job as a test job. Returns the remaining
// command text.
func applyTestDirectives(job *models.Job, text string) string {
	job.IsTest = true
	rest := strings.TrimSpace(strings.TrimPrefix(text, testCommandPrefix))

	for {
		word, tail, _ := strings.Cut(rest, " ")
		if after, ok := strings.CutPrefix(word, "pause="); ok {
			job.PauseAfter = models.Stage(after)
			rest = strings.TrimSpace(tail)
			continue
		}
		break
	}
	return rest
}

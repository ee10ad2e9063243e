// Package pipeline implements the staged processors that turn an inbound chat
// message into a calendar mutation.
//
// Each stage is a named queue with its own retry and concurrency policy; a
// stage performs its effect against the durable store and enqueues its
// logical successor. Suspension for clarification is simply not enqueuing a
// successor; resumption arrives as a separately enqueued process-intent task.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/CalWeave/CalWeave/internal/calendar"
	"github.com/CalWeave/CalWeave/internal/clarify"
	"github.com/CalWeave/CalWeave/internal/genai"
	"github.com/CalWeave/CalWeave/internal/models"
	"github.com/CalWeave/CalWeave/internal/queue"
	"github.com/CalWeave/CalWeave/internal/store"
	"github.com/CalWeave/CalWeave/internal/transcribe"
)

// DefaultPauseRecheck is how long a deferred stage waits before re-checking a
// test-mode paused job.
const DefaultPauseRecheck = 3 * time.Second

// MediaDownloader fetches voice note bytes from a stored media reference.
// Satisfied by the WhatsApp client.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, ref *models.MediaRef) ([]byte, error)
}

// mutationStages routes a resolved intent action to its pipeline stage.
// Query and unsupported actions have no stage: they complete with a notice.
var mutationStages = map[models.IntentAction]models.Stage{
	models.ActionCreate: models.StageCreateEvent,
	models.ActionUpdate: models.StageUpdateEvent,
	models.ActionDelete: models.StageDeleteEvent,
}

// runningStatus is the status a mutation stage records while calling the
// calendar collaborator.
var runningStatus = map[models.Stage]models.JobStatus{
	models.StageCreateEvent: models.JobStatusCreatingEvent,
	models.StageUpdateEvent: models.JobStatusUpdatingEvent,
	models.StageDeleteEvent: models.JobStatusDeletingEvent,
}

// Opts holds configuration options for the pipeline.
type Opts struct {
	MediaDir     string
	PauseRecheck time.Duration
}

// Option defines a configuration option for the pipeline.
type Option func(*Opts)

// WithMediaDir sets where downloaded voice notes are staged.
func WithMediaDir(dir string) Option {
	return func(o *Opts) {
		o.MediaDir = dir
	}
}

// WithPauseRecheck overrides the re-check delay for paused jobs.
func WithPauseRecheck(d time.Duration) Option {
	return func(o *Opts) {
		o.PauseRecheck = d
	}
}

// Pipeline wires the stage processors to their collaborators.
type Pipeline struct {
	store       store.Store
	enq         queue.Enqueuer
	downloader  MediaDownloader
	transcriber transcribe.Transcriber
	genai       genai.ClientInterface
	calendar    calendar.Service
	clarify     *clarify.Engine
	msgr        clarify.Messenger

	mediaDir     string
	pauseRecheck time.Duration
	now          func() time.Time
}

// NewPipeline creates the pipeline from its collaborators.
func NewPipeline(st store.Store, enq queue.Enqueuer, dl MediaDownloader, tr transcribe.Transcriber, gc genai.ClientInterface, cal calendar.Service, ce *clarify.Engine, msgr clarify.Messenger, opts ...Option) *Pipeline {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MediaDir == "" {
		cfg.MediaDir = os.TempDir()
	}
	if cfg.PauseRecheck <= 0 {
		cfg.PauseRecheck = DefaultPauseRecheck
	}
	return &Pipeline{
		store:        st,
		enq:          enq,
		downloader:   dl,
		transcriber:  tr,
		genai:        gc,
		calendar:     cal,
		clarify:      ce,
		msgr:         msgr,
		mediaDir:     cfg.MediaDir,
		pauseRecheck: cfg.PauseRecheck,
		now:          time.Now,
	}
}

// Register binds every stage handler to its queue on the runner. Transcription
// concurrency is kept low relative to notification concurrency.
func (p *Pipeline) Register(r *queue.Runner) {
	r.Register(string(models.StageDownload), queue.Config{Attempts: 5, Backoff: 30 * time.Second, Concurrency: 4}, p.HandleDownload)
	r.Register(string(models.StageTranscribe), queue.Config{Attempts: 3, Backoff: 30 * time.Second, Concurrency: 2}, p.HandleTranscribe)
	r.Register(string(models.StageProcessIntent), queue.Config{Attempts: 3, Backoff: 20 * time.Second, Concurrency: 4}, p.HandleProcessIntent)
	r.Register(string(models.StageCreateEvent), queue.Config{Attempts: 5, Backoff: 30 * time.Second, Concurrency: 4}, p.mutationHandler(models.StageCreateEvent))
	r.Register(string(models.StageUpdateEvent), queue.Config{Attempts: 5, Backoff: 30 * time.Second, Concurrency: 4}, p.mutationHandler(models.StageUpdateEvent))
	r.Register(string(models.StageDeleteEvent), queue.Config{Attempts: 5, Backoff: 30 * time.Second, Concurrency: 4}, p.mutationHandler(models.StageDeleteEvent))
	r.Register(string(models.StageNotify), queue.Config{Attempts: 3, Backoff: 10 * time.Second, Concurrency: 8}, p.HandleNotify)
}

// enqueueStage inserts the deterministic queue item for a stage. Redelivery of
// an already-enqueued stage is a no-op thanks to the dedupe key.
func (p *Pipeline) enqueueStage(stage models.Stage, jobID string) error {
	payload, err := json.Marshal(models.QueuePayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}
	dedupeKey := fmt.Sprintf("%s-%s", stage, jobID)
	if _, err := p.enq.Enqueue(string(stage), p.now(), string(payload), dedupeKey); err != nil {
		return fmt.Errorf("enqueue %s failed: %w", stage, err)
	}
	return nil
}

// loadJob is the shared stage prologue: parse the payload, load the job, and
// apply the entry guards. A nil job with nil error means the stage should
// silently complete (job vanished, terminal, or nothing to do).
func (p *Pipeline) loadJob(stage models.Stage, payloadJSON string) (*models.Job, error) {
	var payload models.QueuePayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, queue.Terminal(fmt.Errorf("decode %s payload failed: %w", stage, err))
	}

	job, err := p.store.GetJob(payload.JobID)
	if err != nil {
		return nil, fmt.Errorf("load job failed: %w", err)
	}
	if job == nil {
		// The correlating record vanished; terminal and silent.
		slog.Info("Pipeline.loadJob: job gone, skipping stage", "stage", stage, "jobID", payload.JobID)
		return nil, nil
	}
	if job.Status.IsTerminal() {
		slog.Debug("Pipeline.loadJob: job already terminal, skipping stage", "stage", stage, "jobID", job.ID, "status", job.Status)
		return nil, nil
	}
	if job.Status.IsPaused() {
		// Deliberate re-delay; checked at entry, not mid-stage.
		slog.Debug("Pipeline.loadJob: job paused, deferring stage", "stage", stage, "jobID", job.ID, "status", job.Status)
		return nil, queue.Defer(p.pauseRecheck)
	}

	p.recordPayload(job.ID, stage, payloadJSON)
	return job, nil
}

// finishStage persists the job after a successful stage and applies the
// test-mode pause flag. It returns true when the job paused, in which case
// the caller still enqueues the successor (which then defers itself).
func (p *Pipeline) finishStage(job *models.Job, stage models.Stage, nextStatus models.JobStatus) (bool, error) {
	paused := job.ShouldPauseAfter(stage)
	if paused {
		job.Status = models.PausedAfter(stage)
	} else {
		job.Status = nextStatus
	}
	job.UpdatedAt = p.now()
	if err := p.store.UpdateJob(*job); err != nil {
		return false, fmt.Errorf("update job failed: %w", err)
	}
	return paused, nil
}

// failJob records a terminal stage failure and schedules the best-effort
// user notification. Always returns a terminal queue error.
func (p *Pipeline) failJob(job *models.Job, stage models.Stage, cause error) error {
	job.Status = models.JobStatusFailed
	job.ErrorMessage = cause.Error()
	job.ErrorStage = stage
	job.UpdatedAt = p.now()
	if err := p.store.UpdateJob(*job); err != nil {
		slog.Error("Pipeline.failJob: persist failure failed", "jobID", job.ID, "stage", stage, "error", err)
	}
	if err := p.enqueueStage(models.StageNotify, job.ID); err != nil {
		slog.Error("Pipeline.failJob: notify enqueue failed", "jobID", job.ID, "error", err)
	}
	slog.Error("Pipeline.failJob: job failed terminally", "jobID", job.ID, "stage", stage, "error", cause)
	return queue.Terminal(cause)
}

func (p *Pipeline) recordPayload(jobID string, stage models.Stage, payloadJSON string) {
	if _, err := p.store.AppendStagePayload(models.StagePayload{
		JobID:       jobID,
		Stage:       stage,
		PayloadJSON: payloadJSON,
		RecordedAt:  p.now(),
	}); err != nil {
		slog.Warn("Pipeline.recordPayload: append failed", "jobID", jobID, "stage", stage, "error", err)
	}
}

func (p *Pipeline) recordTiming(jobID string, stage models.Stage, startedAt time.Time, success bool, metadata map[string]interface{}) {
	finished := p.now()
	var meta string
	if len(metadata) > 0 {
		if b, err := json.Marshal(metadata); err == nil {
			meta = string(b)
		}
	}
	if _, err := p.store.AppendStageTiming(models.StageTiming{
		JobID:      jobID,
		Stage:      stage,
		StartedAt:  startedAt,
		FinishedAt: &finished,
		Success:    success,
		Metadata:   meta,
	}); err != nil {
		slog.Warn("Pipeline.recordTiming: append failed", "jobID", jobID, "stage", stage, "error", err)
	}
}

func (p *Pipeline) audioPath(jobID string) string {
	return filepath.Join(p.mediaDir, jobID+".ogg")
}

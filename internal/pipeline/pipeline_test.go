package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CalWeave/CalWeave/internal/calendar"
	"github.com/CalWeave/CalWeave/internal/clarify"
	"github.com/CalWeave/CalWeave/internal/genai"
	"github.com/CalWeave/CalWeave/internal/models"
	"github.com/CalWeave/CalWeave/internal/queue"
	"github.com/CalWeave/CalWeave/internal/store"
	"github.com/openai/openai-go"
)

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	return f.text, f.err
}

func (f *fakeTranscriber) Provider() string { return "fake" }

type fakeGenAI struct {
	mu        sync.Mutex
	snapshots []*models.IntentSnapshot
	calls     int
}

func (f *fakeGenAI) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	return "", nil
}

func (f *fakeGenAI) RunIntentPipeline(ctx context.Context, input genai.IntentInput) (*models.IntentSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snapshots) == 0 {
		return nil, errors.New("no scripted snapshot")
	}
	idx := f.calls
	if idx >= len(f.snapshots) {
		idx = len(f.snapshots) - 1
	}
	f.calls++
	snapshot := *f.snapshots[idx]
	return &snapshot, nil
}

type fakeCalendar struct {
	mu      sync.Mutex
	creates int
	updates int
	deletes int
	fail    bool
	failMsg string
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, userID string, intent models.IntentSnapshot) (*calendar.MutationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.fail {
		return &calendar.MutationResult{Success: false, Message: f.failMsg}, nil
	}
	return &calendar.MutationResult{Success: true, Provider: "google", Event: &calendar.Event{ID: "evt_created"}}, nil
}

func (f *fakeCalendar) UpdateEvent(ctx context.Context, userID string, intent models.IntentSnapshot) (*calendar.MutationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	return &calendar.MutationResult{Success: true, Provider: "google", Event: &calendar.Event{ID: intent.TargetEventID}}, nil
}

func (f *fakeCalendar) DeleteEvent(ctx context.Context, userID string, intent models.IntentSnapshot) (*calendar.MutationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return &calendar.MutationResult{Success: true, Provider: "google", Event: &calendar.Event{ID: intent.TargetEventID}}, nil
}

func (f *fakeCalendar) GetContacts(ctx context.Context, userID string) ([]calendar.Contact, error) {
	return nil, nil
}

func (f *fakeCalendar) GetRecentEvents(ctx context.Context, userID string) ([]calendar.Event, error) {
	return nil, nil
}

type fakeDownloader struct {
	data []byte
	err  error
}

func (f *fakeDownloader) DownloadMedia(ctx context.Context, ref *models.MediaRef) ([]byte, error) {
	return f.data, f.err
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeMessenger) SendMessage(ctx context.Context, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, body)
	return nil
}

func (f *fakeMessenger) SendButtons(ctx context.Context, to, body string, options []clarify.PromptOption) error {
	return f.SendMessage(ctx, to, body)
}

func (f *fakeMessenger) SendList(ctx context.Context, to, body string, options []clarify.PromptOption) error {
	return f.SendMessage(ctx, to, body)
}

// memQueue mimics the durable queue's dedupe-and-deliver behavior in memory.
type memQueue struct {
	mu     sync.Mutex
	tasks  []memTask
	dedupe map[string]bool
}

type memTask struct {
	Queue   string
	Payload string
}

func newMemQueue() *memQueue {
	return &memQueue{dedupe: make(map[string]bool)}
}

func (q *memQueue) Enqueue(queueName string, runAt time.Time, payloadJSON, dedupeKey string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dedupe[dedupeKey] {
		return dedupeKey, nil
	}
	q.dedupe[dedupeKey] = true
	q.tasks = append(q.tasks, memTask{Queue: queueName, Payload: payloadJSON})
	return dedupeKey, nil
}

func (q *memQueue) pop() (memTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return memTask{}, false
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t, true
}

// statusTrackingStore records every job status persisted, in write order.
type statusTrackingStore struct {
	*store.InMemoryStore
	mu       sync.Mutex
	statuses []models.JobStatus
}

func (s *statusTrackingStore) UpdateJob(j models.Job) error {
	s.mu.Lock()
	s.statuses = append(s.statuses, j.Status)
	s.mu.Unlock()
	return s.InMemoryStore.UpdateJob(j)
}

func (s *statusTrackingStore) SetJobStatus(id string, status models.JobStatus) error {
	s.mu.Lock()
	s.statuses = append(s.statuses, status)
	s.mu.Unlock()
	return s.InMemoryStore.SetJobStatus(id, status)
}

type testRig struct {
	pipeline *Pipeline
	engine   *clarify.Engine
	store    *store.InMemoryStore
	queue    *memQueue
	cal      *fakeCalendar
	genai    *fakeGenAI
	msgr     *fakeMessenger
}

func newTestRig(t *testing.T, snapshots ...*models.IntentSnapshot) *testRig {
	t.Helper()
	st := store.NewInMemoryStore()
	q := newMemQueue()
	msgr := &fakeMessenger{}
	cal := &fakeCalendar{}
	gc := &fakeGenAI{snapshots: snapshots}
	engine := clarify.NewEngine(st, q, msgr)

	p := NewPipeline(st, q, &fakeDownloader{data: []byte("oggdata")}, &fakeTranscriber{text: "book dentist tomorrow 3pm"}, gc, cal, engine, msgr,
		WithMediaDir(t.TempDir()))

	return &testRig{pipeline: p, engine: engine, store: st, queue: q, cal: cal, genai: gc, msgr: msgr}
}

// drain delivers queued tasks until the queue is empty, dispatching each to
// its stage handler the way the runner would.
func (r *testRig) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	handlers := map[string]queue.Handler{
		string(models.StageDownload):      r.pipeline.HandleDownload,
		string(models.StageTranscribe):    r.pipeline.HandleTranscribe,
		string(models.StageProcessIntent): r.pipeline.HandleProcessIntent,
		string(models.StageCreateEvent):   r.pipeline.mutationHandler(models.StageCreateEvent),
		string(models.StageUpdateEvent):   r.pipeline.mutationHandler(models.StageUpdateEvent),
		string(models.StageDeleteEvent):   r.pipeline.mutationHandler(models.StageDeleteEvent),
		string(models.StageNotify):        r.pipeline.HandleNotify,
	}

	for i := 0; i < 100; i++ {
		task, ok := r.queue.pop()
		if !ok {
			return
		}
		handler, ok := handlers[task.Queue]
		if !ok {
			t.Fatalf("no handler for queue %s", task.Queue)
		}
		if err := handler(ctx, task.Payload); err != nil {
			var deferErr *queue.DeferError
			if errors.As(err, &deferErr) {
				continue
			}
			var termErr *queue.TerminalError
			if errors.As(err, &termErr) {
				continue
			}
			t.Fatalf("handler %s failed: %v", task.Queue, err)
		}
	}
	t.Fatal("drain did not terminate")
}

func payloadFor(jobID string) string {
	b, _ := json.Marshal(models.QueuePayload{JobID: jobID})
	return string(b)
}

func voiceResponse() models.Response {
	return models.Response{
		From:      "+15551234567",
		MessageID: "MSG1",
		Kind:      models.ResponseKindAudio,
		Media:     &models.MediaRef{URL: "https://mmg.whatsapp.net/v/abc", Mimetype: "audio/ogg"},
		Time:      time.Now().Unix(),
	}
}

func completeCreateSnapshot() *models.IntentSnapshot {
	return &models.IntentSnapshot{
		Action:     models.ActionCreate,
		Title:      "Dentist",
		Datetime:   "2026-09-02T15:00:00Z",
		Confidence: 0.9,
	}
}

func TestVoiceNoteHappyPath(t *testing.T) {
	rig := newTestRig(t, completeCreateSnapshot())

	job, err := rig.pipeline.IntakeMessage("user-1", voiceResponse())
	if err != nil {
		t.Fatalf("intake failed: %v", err)
	}
	rig.drain(t)

	got, _ := rig.store.GetJob(job.ID)
	if got.Status != models.JobStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.Transcript != "book dentist tomorrow 3pm" {
		t.Errorf("transcript not recorded: %q", got.Transcript)
	}
	if got.CalendarEventID != "evt_created" || got.CalendarProvider != "google" {
		t.Errorf("calendar outcome missing: %+v", got)
	}
	if rig.cal.creates != 1 {
		t.Errorf("expected 1 create call, got %d", rig.cal.creates)
	}
	if len(rig.msgr.sent) != 1 || !strings.Contains(rig.msgr.sent[0], "Dentist") {
		t.Errorf("expected one success notification, got %v", rig.msgr.sent)
	}

	timings, _ := rig.store.ListStageTimings(job.ID)
	if len(timings) < 4 {
		t.Errorf("expected timings for each stage, got %d", len(timings))
	}
}

func TestTypedCommandSkipsAudioStages(t *testing.T) {
	rig := newTestRig(t, completeCreateSnapshot())

	job, err := rig.pipeline.IntakeMessage("user-1", models.Response{
		From: "+15551234567", MessageID: "MSG1", Kind: models.ResponseKindText,
		Body: "book dentist tomorrow 3pm",
	})
	if err != nil {
		t.Fatalf("intake failed: %v", err)
	}
	rig.drain(t)

	got, _ := rig.store.GetJob(job.ID)
	if got.Status != models.JobStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.Transcript != "" || got.AudioPath != "" {
		t.Errorf("audio stages ran for a typed command: %+v", got)
	}
}

func TestProcessIntentStatusNeverRegresses(t *testing.T) {
	st := &statusTrackingStore{InMemoryStore: store.NewInMemoryStore()}
	q := newMemQueue()
	msgr := &fakeMessenger{}
	cal := &fakeCalendar{}
	gc := &fakeGenAI{snapshots: []*models.IntentSnapshot{completeCreateSnapshot()}}
	engine := clarify.NewEngine(st, q, msgr)
	p := NewPipeline(st, q, &fakeDownloader{}, &fakeTranscriber{}, gc, cal, engine, msgr,
		WithMediaDir(t.TempDir()))
	rig := &testRig{pipeline: p, queue: q}

	job, err := p.IntakeMessage("user-1", models.Response{
		From: "+15551234567", MessageID: "MSG1", Kind: models.ResponseKindText, Body: "book dentist",
	})
	if err != nil {
		t.Fatalf("intake failed: %v", err)
	}
	before, _ := st.GetJob(job.ID)
	intakeStatus := before.Status

	rig.drain(t)

	idx := -1
	for i, s := range st.statuses {
		if s == models.JobStatusProcessingIntent {
			idx = i
			break
		}
	}
	if idx == -1 {
		t.Fatal("processing_intent was never persisted")
	}
	// Once extraction has begun, no write may carry the pre-extraction status.
	for _, s := range st.statuses[idx+1:] {
		if s == intakeStatus {
			t.Errorf("persisted status regressed to %s after extraction began: %v", s, st.statuses)
		}
	}
}

func TestMutationRedeliveryIsIdempotent(t *testing.T) {
	rig := newTestRig(t, completeCreateSnapshot())

	job, err := rig.pipeline.IntakeMessage("user-1", models.Response{
		From: "+15551234567", MessageID: "MSG1", Kind: models.ResponseKindText, Body: "book dentist",
	})
	if err != nil {
		t.Fatalf("intake failed: %v", err)
	}
	rig.drain(t)

	// Redeliver the already-completed mutation stage.
	handler := rig.pipeline.mutationHandler(models.StageCreateEvent)
	if err := handler(context.Background(), payloadFor(job.ID)); err != nil {
		t.Fatalf("redelivery errored: %v", err)
	}
	if rig.cal.creates != 1 {
		t.Errorf("redelivery duplicated the mutation: %d creates", rig.cal.creates)
	}
}

func TestRejectedMutationFailsTerminally(t *testing.T) {
	rig := newTestRig(t, completeCreateSnapshot())
	rig.cal.fail = true
	rig.cal.failMsg = "calendar is read-only"

	job, err := rig.pipeline.IntakeMessage("user-1", models.Response{
		From: "+15551234567", MessageID: "MSG1", Kind: models.ResponseKindText, Body: "book dentist",
	})
	if err != nil {
		t.Fatalf("intake failed: %v", err)
	}
	rig.drain(t)

	got, _ := rig.store.GetJob(job.ID)
	if got.Status != models.JobStatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.ErrorStage != models.StageCreateEvent {
		t.Errorf("expected error stage create-event, got %s", got.ErrorStage)
	}
	found := false
	for _, body := range rig.msgr.sent {
		if strings.Contains(body, "Sorry") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected failure notification, got %v", rig.msgr.sent)
	}
}

func TestUnsupportedActionCompletesWithNotice(t *testing.T) {
	rig := newTestRig(t, &models.IntentSnapshot{Action: models.ActionQuery, Confidence: 0.8})

	job, err := rig.pipeline.IntakeMessage("user-1", models.Response{
		From: "+15551234567", MessageID: "MSG1", Kind: models.ResponseKindText, Body: "what's on my calendar?",
	})
	if err != nil {
		t.Fatalf("intake failed: %v", err)
	}
	rig.drain(t)

	got, _ := rig.store.GetJob(job.ID)
	if got.Status != models.JobStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.CalendarEventID != "" {
		t.Error("query job should not mutate the calendar")
	}
	if len(rig.msgr.sent) != 1 || !strings.Contains(rig.msgr.sent[0], "can't answer") {
		t.Errorf("expected explanatory notice, got %v", rig.msgr.sent)
	}
}

func TestClarificationSuspendsAndResumes(t *testing.T) {
	incomplete := &models.IntentSnapshot{
		Action:   models.ActionCreate,
		Datetime: "2026-09-02T15:00:00Z",
		FollowUp: []models.FollowUp{{Field: "title", Question: "What should it be called?"}},
	}
	rig := newTestRig(t, incomplete, completeCreateSnapshot())

	job, err := rig.pipeline.IntakeMessage("user-1", models.Response{
		From: "+15551234567", MessageID: "MSG1", Kind: models.ResponseKindText, Body: "book something tomorrow",
	})
	if err != nil {
		t.Fatalf("intake failed: %v", err)
	}
	rig.drain(t)

	got, _ := rig.store.GetJob(job.ID)
	if got.Status != models.JobStatusAwaitingClarify {
		t.Fatalf("expected awaiting_clarification, got %s", got.Status)
	}
	if rig.cal.creates != 0 {
		t.Fatal("calendar mutated while awaiting clarification")
	}

	// Answer arrives; ingestion enqueues a fresh resolve pass.
	handled, err := rig.engine.HandleTextReply(context.Background(), models.Response{
		From: job.Phone, MessageID: "MSG2", Kind: models.ResponseKindText, Body: "Dentist",
	})
	if err != nil || !handled {
		t.Fatalf("reply not handled: handled=%v err=%v", handled, err)
	}
	rig.drain(t)

	got, _ = rig.store.GetJob(job.ID)
	if got.Status != models.JobStatusCompleted {
		t.Errorf("expected completed after resume, got %s", got.Status)
	}
	if rig.cal.creates != 1 {
		t.Errorf("expected 1 create after resume, got %d", rig.cal.creates)
	}
}

func TestPauseAfterTranscribe(t *testing.T) {
	rig := newTestRig(t, completeCreateSnapshot())

	resp := voiceResponse()
	job, err := rig.pipeline.IntakeMessage("user-1", resp)
	if err != nil {
		t.Fatalf("intake failed: %v", err)
	}
	job.IsTest = true
	job.PauseAfter = models.StageTranscribe
	if err := rig.store.UpdateJob(*job); err != nil {
		t.Fatalf("update job failed: %v", err)
	}
	rig.drain(t)

	got, _ := rig.store.GetJob(job.ID)
	if got.Status != models.PausedAfter(models.StageTranscribe) {
		t.Fatalf("expected paused_after_transcribe, got %s", got.Status)
	}
	if got.Transcript == "" {
		t.Error("transcribe stage did not finish before pausing")
	}

	// The successor stage defers while paused, without consuming an attempt.
	err = rig.pipeline.HandleProcessIntent(context.Background(), payloadFor(job.ID))
	var deferErr *queue.DeferError
	if !errors.As(err, &deferErr) {
		t.Fatalf("expected defer while paused, got %v", err)
	}

	// Resume and let the deferred stage proceed.
	if err := rig.store.SetJobStatus(job.ID, models.ResumedStatus(models.StageTranscribe)); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if err := rig.pipeline.HandleProcessIntent(context.Background(), payloadFor(job.ID)); err != nil {
		t.Fatalf("resumed stage failed: %v", err)
	}
	rig.drain(t)

	got, _ = rig.store.GetJob(job.ID)
	if got.Status != models.JobStatusCompleted {
		t.Errorf("expected completed after resume, got %s", got.Status)
	}
}

func TestApplyTestDirectives(t *testing.T) {
	job := &models.Job{}
	rest := applyTestDirectives(job, "/test pause=transcribe book dentist tomorrow")
	if !job.IsTest {
		t.Error("job not marked as test")
	}
	if job.PauseAfter != models.StageTranscribe {
		t.Errorf("pause stage not parsed: %q", job.PauseAfter)
	}
	if rest != "book dentist tomorrow" {
		t.Errorf("unexpected remaining command: %q", rest)
	}
}

func TestNotifyFailureDoesNotRevertCompletion(t *testing.T) {
	rig := newTestRig(t, completeCreateSnapshot())

	job, err := rig.pipeline.IntakeMessage("user-1", models.Response{
		From: "+15551234567", MessageID: "MSG1", Kind: models.ResponseKindText, Body: "book dentist",
	})
	if err != nil {
		t.Fatalf("intake failed: %v", err)
	}
	rig.drain(t)

	// A redelivered notify for a completed job must leave the status alone.
	if err := rig.pipeline.HandleNotify(context.Background(), payloadFor(job.ID)); err != nil {
		t.Fatalf("notify redelivery errored: %v", err)
	}
	got, _ := rig.store.GetJob(job.ID)
	if got.Status != models.JobStatusCompleted {
		t.Errorf("notify touched job status: %s", got.Status)
	}
}

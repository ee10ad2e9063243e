// Package store provides storage backends for CalWeave.
//
// This file implements an in-memory store used by unit tests and local
// development. It mirrors the SQL backends' semantics, including task dedupe
// and pending-intent upsert-by-job.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/CalWeave/CalWeave/internal/models"
	"github.com/CalWeave/CalWeave/internal/util"
)

// InMemoryStore implements Store, TaskRepo, and DedupRepo in process memory.
type InMemoryStore struct {
	mu             sync.Mutex
	jobs           map[string]models.Job
	pendingIntents map[string]models.PendingIntent // by ID
	prompts        map[string]models.InteractivePrompt // by pendingIntentID + "/" + field
	flowSessions   map[string]models.FlowSession
	timings        map[string][]models.StageTiming
	payloads       map[string][]models.StagePayload
	tasks          map[string]Task
	dedup          map[string]DedupRecord
}

// Compile-time checks.
var (
	_ Store    = (*InMemoryStore)(nil)
	_ TaskRepo = (*InMemoryStore)(nil)
	_ DedupRepo = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:           make(map[string]models.Job),
		pendingIntents: make(map[string]models.PendingIntent),
		prompts:        make(map[string]models.InteractivePrompt),
		flowSessions:   make(map[string]models.FlowSession),
		timings:        make(map[string][]models.StageTiming),
		payloads:       make(map[string][]models.StagePayload),
		tasks:          make(map[string]Task),
		dedup:          make(map[string]DedupRecord),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateJob(j models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *InMemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	out := j
	return &out, nil
}

func (s *InMemoryStore) UpdateJob(j models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.UpdatedAt = time.Now()
	s.jobs[j.ID] = j
	return nil
}

func (s *InMemoryStore) SetJobStatus(id string, status models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	j.Status = status
	j.UpdatedAt = time.Now()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) SavePendingIntent(pi models.PendingIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Enforce the one-active-record-per-job constraint the SQL backends get
	// from the unique index.
	for id, existing := range s.pendingIntents {
		if existing.JobID == pi.JobID && id != pi.ID {
			delete(s.pendingIntents, id)
		}
	}
	s.pendingIntents[pi.ID] = pi
	return nil
}

func (s *InMemoryStore) GetPendingIntent(id string) (*models.PendingIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pi, ok := s.pendingIntents[id]
	if !ok {
		return nil, nil
	}
	out := pi
	return &out, nil
}

func (s *InMemoryStore) GetPendingIntentByJobID(jobID string) (*models.PendingIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pi := range s.pendingIntents {
		if pi.JobID == jobID {
			out := pi
			return &out, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) GetActivePendingIntentByPhone(phone string) (*models.PendingIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *models.PendingIntent
	for _, pi := range s.pendingIntents {
		if pi.Phone != phone || pi.Status != models.PendingStatusAwaitingClarification {
			continue
		}
		if newest == nil || pi.CreatedAt.After(newest.CreatedAt) {
			out := pi
			newest = &out
		}
	}
	return newest, nil
}

func (s *InMemoryStore) ListPendingIntentsByStatus(status models.PendingIntentStatus) ([]models.PendingIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var intents []models.PendingIntent
	for _, pi := range s.pendingIntents {
		if pi.Status == status {
			intents = append(intents, pi)
		}
	}
	sort.Slice(intents, func(i, j int) bool { return intents[i].CreatedAt.Before(intents[j].CreatedAt) })
	return intents, nil
}

func (s *InMemoryStore) DeletePendingIntent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingIntents, id)
	return nil
}

func (s *InMemoryStore) ExpirePendingIntent(id string, expiredAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pi, ok := s.pendingIntents[id]
	if !ok || pi.Status != models.PendingStatusAwaitingClarification {
		return false, nil
	}
	at := expiredAt
	pi.Plan.ExpiredAt = &at
	pi.Status = models.PendingStatusExpired
	pi.UpdatedAt = expiredAt
	s.pendingIntents[id] = pi
	return true, nil
}

func (s *InMemoryStore) MarkPendingIntentReminded(id string, remindedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pi, ok := s.pendingIntents[id]
	if !ok || pi.Status != models.PendingStatusAwaitingClarification || pi.Plan.ReminderSentAt != nil {
		return false, nil
	}
	at := remindedAt
	pi.Plan.ReminderSentAt = &at
	pi.UpdatedAt = remindedAt
	s.pendingIntents[id] = pi
	return true, nil
}

func (s *InMemoryStore) SaveInteractivePrompt(p models.InteractivePrompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[p.PendingIntentID+"/"+p.Field] = p
	return nil
}

func (s *InMemoryStore) GetInteractivePrompt(pendingIntentID, field string) (*models.InteractivePrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prompts[pendingIntentID+"/"+field]
	if !ok {
		return nil, nil
	}
	out := p
	return &out, nil
}

func (s *InMemoryStore) CreateFlowSession(fs models.FlowSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flowSessions[fs.Token] = fs
	return nil
}

func (s *InMemoryStore) GetFlowSession(token string) (*models.FlowSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.flowSessions[token]
	if !ok {
		return nil, nil
	}
	out := fs
	return &out, nil
}

func (s *InMemoryStore) MarkFlowSessionReceived(token, rawPayload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.flowSessions[token]
	if !ok {
		return models.ErrFlowSessionGone
	}
	now := time.Now()
	fs.RawPayload = rawPayload
	fs.Received = true
	fs.ReceivedAt = &now
	s.flowSessions[token] = fs
	return nil
}

func (s *InMemoryStore) AppendStageTiming(t models.StageTiming) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Seq = len(s.timings[t.JobID]) + 1
	s.timings[t.JobID] = append(s.timings[t.JobID], t)
	return t.Seq, nil
}

func (s *InMemoryStore) ListStageTimings(jobID string) ([]models.StageTiming, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.StageTiming, len(s.timings[jobID]))
	copy(out, s.timings[jobID])
	return out, nil
}

func (s *InMemoryStore) AppendStagePayload(p models.StagePayload) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Seq = len(s.payloads[p.JobID]) + 1
	s.payloads[p.JobID] = append(s.payloads[p.JobID], p)
	return p.Seq, nil
}

func (s *InMemoryStore) ListStagePayloads(jobID string) ([]models.StagePayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.StagePayload, len(s.payloads[jobID]))
	copy(out, s.payloads[jobID])
	return out, nil
}

func (s *InMemoryStore) EnqueueTask(queue string, runAt time.Time, payloadJSON, dedupeKey string, maxAttempts int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, t := range s.tasks {
			if t.DedupeKey == dedupeKey && t.Status != TaskStatusDone && t.Status != TaskStatusFailed && t.Status != TaskStatusCanceled {
				return t.ID, nil
			}
		}
	}
	now := time.Now()
	t := Task{
		ID:          util.GenerateRandomID("task_", 32),
		Queue:       queue,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      TaskStatusQueued,
		MaxAttempts: maxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.tasks[t.ID] = t
	return t.ID, nil
}

func (s *InMemoryStore) ClaimDueTasks(queue string, now time.Time, limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Task
	for _, t := range s.tasks {
		if t.Queue == queue && t.Status == TaskStatusQueued && !t.RunAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		t := due[i]
		lockedAt := now
		t.Status = TaskStatusRunning
		t.LockedAt = &lockedAt
		t.UpdatedAt = now
		s.tasks[t.ID] = t
		due[i] = t
	}
	return due, nil
}

func (s *InMemoryStore) CompleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	t.Status = TaskStatusDone
	t.LockedAt = nil
	t.UpdatedAt = time.Now()
	s.tasks[id] = t
	return nil
}

func (s *InMemoryStore) FailTask(id string, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	t.Attempt++
	t.LastError = errMsg
	t.LockedAt = nil
	if t.Attempt < t.MaxAttempts {
		t.Status = TaskStatusQueued
		t.RunAt = nextRunAt
	} else {
		t.Status = TaskStatusFailed
	}
	t.UpdatedAt = time.Now()
	s.tasks[id] = t
	return nil
}

func (s *InMemoryStore) FailTaskTerminal(id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	t.Status = TaskStatusFailed
	t.LastError = errMsg
	t.LockedAt = nil
	t.UpdatedAt = time.Now()
	s.tasks[id] = t
	return nil
}

func (s *InMemoryStore) DeferTask(id string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	t.Status = TaskStatusQueued
	t.RunAt = runAt
	t.LockedAt = nil
	t.UpdatedAt = time.Now()
	s.tasks[id] = t
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningTasks(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, t := range s.tasks {
		if t.Status == TaskStatusRunning && t.LockedAt != nil && t.LockedAt.Before(staleBefore) {
			t.Status = TaskStatusQueued
			t.LockedAt = nil
			t.UpdatedAt = time.Now()
			s.tasks[id] = t
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) GetTask(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	out := t
	return &out, nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, Phone: phone, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.dedup[messageID] = rec
	return nil
}

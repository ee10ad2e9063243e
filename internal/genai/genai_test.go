package genai

import (
	"strings"
	"testing"
	"time"

	"github.com/CalWeave/CalWeave/internal/calendar"
	"github.com/CalWeave/CalWeave/internal/models"
)

func TestParseIntentSnapshot_Create(t *testing.T) {
	raw := `{
		"action": "create",
		"title": "Dentist",
		"datetime": "2026-09-02T15:00:00Z",
		"duration_minutes": 30,
		"confidence": 0.92
	}`
	snapshot, err := ParseIntentSnapshot(raw)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if snapshot.Action != models.ActionCreate {
		t.Errorf("expected action create, got %s", snapshot.Action)
	}
	if snapshot.Title != "Dentist" {
		t.Errorf("expected title Dentist, got %q", snapshot.Title)
	}
	if snapshot.Version != models.IntentSnapshotVersion {
		t.Errorf("expected version %d, got %d", models.IntentSnapshotVersion, snapshot.Version)
	}
}

func TestParseIntentSnapshot_FollowUpsAndConflict(t *testing.T) {
	raw := `{
		"action": "create",
		"datetime": "2026-09-02T15:00:00Z",
		"confidence": 0.8,
		"follow_up": [{"field": "title", "question": "What should the event be called?"}],
		"conflict": {"summary": "Overlaps with Standup at 15:00", "event_id": "evt_1"}
	}`
	snapshot, err := ParseIntentSnapshot(raw)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(snapshot.FollowUp) != 1 || snapshot.FollowUp[0].Field != "title" {
		t.Errorf("unexpected follow-ups: %+v", snapshot.FollowUp)
	}
	if snapshot.Conflict == nil || snapshot.Conflict.EventID != "evt_1" {
		t.Errorf("unexpected conflict: %+v", snapshot.Conflict)
	}
}

func TestParseIntentSnapshot_FencedJSON(t *testing.T) {
	raw := "```json\n{\"action\": \"DELETE\", \"target_event_id\": \"evt_9\", \"confidence\": 0.7}\n```"
	snapshot, err := ParseIntentSnapshot(raw)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if snapshot.Action != models.ActionDelete {
		t.Errorf("expected action delete, got %s", snapshot.Action)
	}
}

func TestParseIntentSnapshot_UnknownActionBecomesUnsupported(t *testing.T) {
	snapshot, err := ParseIntentSnapshot(`{"action": "summarize", "confidence": 0.5}`)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if snapshot.Action != models.ActionUnsupported {
		t.Errorf("expected unsupported, got %s", snapshot.Action)
	}
}

func TestParseIntentSnapshot_InvalidJSON(t *testing.T) {
	if _, err := ParseIntentSnapshot("not json at all"); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestBuildIntentUserPrompt(t *testing.T) {
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	prompt := buildIntentUserPrompt(IntentInput{
		Text: "move my dentist appointment to Friday",
		Now:  now,
		Contacts: []calendar.Contact{
			{Name: "Alice", Email: "alice@example.com"},
		},
		RecentEvents: []calendar.Event{
			{ID: "evt_1", Title: "Dentist", Start: "2026-09-02T15:00:00Z"},
		},
		Answers: map[string]string{"time": "Friday 3pm"},
	})

	for _, want := range []string{
		"2026-09-01T10:00:00Z",
		"alice@example.com",
		"evt_1",
		"time: Friday 3pm",
		"move my dentist appointment",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

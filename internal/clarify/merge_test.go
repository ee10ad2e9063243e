package clarify

import (
	"math/rand"
	"testing"
	"time"

	"github.com/CalWeave/CalWeave/internal/models"
)

func TestTargetFields(t *testing.T) {
	snapshot := &models.IntentSnapshot{
		FollowUp: []models.FollowUp{
			{Field: "title", Question: "Title?"},
			{Field: "datetime", Question: "When?"},
		},
		Conflict: &models.Conflict{Summary: "Standup"},
	}

	got := TargetFields(snapshot, nil)
	want := []string{"title", "datetime", models.FieldConflict}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestTargetFields_MoveInjectsTime(t *testing.T) {
	snapshot := &models.IntentSnapshot{Conflict: &models.Conflict{Summary: "Standup"}}
	responses := map[string]models.FieldResponse{
		models.FieldConflict: {Value: models.ConflictMove},
	}
	got := TargetFields(snapshot, responses)

	found := false
	for _, f := range got {
		if f == models.FieldTime {
			found = true
		}
	}
	if !found {
		t.Errorf("time field not injected after move: %v", got)
	}
}

func TestMerge_AnsweredFieldsDropFromPending(t *testing.T) {
	plan := models.ClarificationPlan{
		Responses: map[string]models.FieldResponse{
			"title": {Value: "Dinner", Source: models.SourceText},
		},
	}
	MergeClarificationPlan(&plan, []string{"title", "datetime"})

	if plan.HasPendingField("title") {
		t.Error("answered field still pending")
	}
	if !plan.HasPendingField("datetime") {
		t.Error("unanswered field missing from pending")
	}
}

func TestMerge_NoLongerRequiredFieldsDrop(t *testing.T) {
	plan := models.ClarificationPlan{PendingFields: []string{models.FieldConflict, "title"}}
	// Conflict resolved upstream; only title remains required.
	MergeClarificationPlan(&plan, []string{"title"})

	if plan.HasPendingField(models.FieldConflict) {
		t.Error("stale conflict field survived merge")
	}
	if !plan.HasPendingField("title") {
		t.Error("title dropped unexpectedly")
	}
}

// Plan convergence: any answer order empties the pending set.
func TestMerge_Convergence(t *testing.T) {
	fields := []string{"title", "datetime", "location", "target_event_id"}
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 20; trial++ {
		order := rng.Perm(len(fields))
		plan := models.ClarificationPlan{PendingFields: append([]string(nil), fields...)}

		for _, idx := range order {
			plan.RecordResponse(fields[idx], models.FieldResponse{
				Value:       "answer",
				Source:      models.SourceText,
				RespondedAt: time.Now(),
			})
			MergeClarificationPlan(&plan, fields)
		}

		if len(plan.PendingFields) != 0 {
			t.Fatalf("trial %d: pending fields did not converge: %v", trial, plan.PendingFields)
		}
	}
}

func TestApplyAnswers_FillsGapsOnly(t *testing.T) {
	snapshot := &models.IntentSnapshot{
		Title:    "Already extracted",
		Datetime: "",
	}
	ApplyAnswers(snapshot, map[string]models.FieldResponse{
		"title":          {Value: "User title"},
		models.FieldTime: {Value: "2026-09-04T16:00:00Z"},
	})

	if snapshot.Title != "Already extracted" {
		t.Errorf("model-resolved title clobbered: %q", snapshot.Title)
	}
	if snapshot.Datetime != "2026-09-04T16:00:00Z" {
		t.Errorf("empty datetime not backfilled: %q", snapshot.Datetime)
	}
}

func TestOptionIDRoundTrip(t *testing.T) {
	id := EncodeOptionID("pin_abc123", "location", 2, "Cafe / Bar")
	decoded, err := DecodeOptionID(id)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.PendingIntentID != "pin_abc123" || decoded.Field != "location" || decoded.Index != 2 || decoded.Value != "Cafe / Bar" {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}

func TestDecodeOptionID_Malformed(t *testing.T) {
	for _, bad := range []string{
		"",
		"garbage",
		"cw2.pin_1.f.0.61",
		"cw1.pin_1.f.x.61",
		"cw1.pin_1.f.0.zz",
		"cw1.pin_1.f.-1.61",
	} {
		if _, err := DecodeOptionID(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

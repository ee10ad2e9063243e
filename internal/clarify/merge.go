package clarify

import (
	"github.com/CalWeave/CalWeave/internal/models"
)

// TargetFields computes the fields the current snapshot still requires,
// given the answers already collected. The conflict field is synthetic: it is
// injected whenever the detector reports a collision, and a follow-on time
// field is injected once the user has chosen to move the colliding event.
func TargetFields(snapshot *models.IntentSnapshot, responses map[string]models.FieldResponse) []string {
	var fields []string
	seen := make(map[string]bool)

	add := func(f string) {
		if f == "" || seen[f] {
			return
		}
		seen[f] = true
		fields = append(fields, f)
	}

	for _, fu := range snapshot.FollowUp {
		add(fu.Field)
	}
	if snapshot.Conflict != nil {
		add(models.FieldConflict)
	}
	if resp, ok := responses[models.FieldConflict]; ok && resp.Value == models.ConflictMove {
		add(models.FieldTime)
	}

	return fields
}

// MergeClarificationPlan reconciles the plan's pending set with a freshly
// computed target field list. Fields already answered stay answered and are
// dropped from pending; fields no longer required disappear from pending even
// if never answered. Prompt history is append-only and survives the merge so
// no field is ever prompted twice.
func MergeClarificationPlan(plan *models.ClarificationPlan, target []string) {
	pending := make([]string, 0, len(target))
	for _, f := range target {
		if _, answered := plan.Responses[f]; answered {
			continue
		}
		pending = append(pending, f)
	}
	plan.PendingFields = pending
}

// ApplyAnswers backfills snapshot fields from collected clarification
// answers. The extraction service already receives the answers and normally
// incorporates them; the backfill only fills gaps the model left empty, so a
// model-resolved value (e.g. a normalized datetime) is never clobbered by raw
// reply text.
func ApplyAnswers(snapshot *models.IntentSnapshot, responses map[string]models.FieldResponse) {
	for field, resp := range responses {
		switch field {
		case "title":
			if snapshot.Title == "" {
				snapshot.Title = resp.Value
			}
		case models.FieldTime, "datetime", "date":
			if snapshot.Datetime == "" {
				snapshot.Datetime = resp.Value
			}
		case "location":
			if snapshot.Location == "" {
				snapshot.Location = resp.Value
			}
		case "target_event_id", "event":
			if snapshot.TargetEventID == "" {
				snapshot.TargetEventID = resp.Value
			}
		}
	}
}

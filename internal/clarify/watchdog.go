package clarify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/CalWeave/CalWeave/internal/models"
)

// Sweep is the watchdog pass over pending intents still awaiting answers.
// Intents in awaiting_processing are excluded by the status filter: a resume
// is in flight and must not be touched. Per-record failures are logged and
// skipped so one bad record never halts the sweep; Sweep itself never fails.
func (e *Engine) Sweep(ctx context.Context) {
	pending, err := e.store.ListPendingIntentsByStatus(models.PendingStatusAwaitingClarification)
	if err != nil {
		slog.Error("Engine.Sweep: list pending intents failed", "error", err)
		return
	}

	var reminders, expiries int
	for i := range pending {
		pi := &pending[i]
		if err := e.sweepOne(ctx, pi, &reminders, &expiries); err != nil {
			slog.Error("Engine.Sweep: pending intent sweep failed", "pendingIntentID", pi.ID, "jobID", pi.JobID, "error", err)
		}
	}

	if reminders > 0 || expiries > 0 {
		slog.Info("Engine.Sweep: sweep completed", "checked", len(pending), "reminders", reminders, "expiries", expiries)
	} else {
		slog.Debug("Engine.Sweep: sweep completed", "checked", len(pending))
	}
}

// sweepOne handles one listed intent. The listed record is only a hint: every
// write goes through a conditional store transition keyed on the live status,
// so an answer arriving between the list read and the write wins and the
// sweep's transition is skipped. Notices go out only after the transition
// committed.
func (e *Engine) sweepOne(ctx context.Context, pi *models.PendingIntent, reminders, expiries *int) error {
	now := e.now()
	remaining := pi.ExpiresAt.Sub(now)

	if remaining < 0 {
		if pi.Plan.ExpiredAt != nil {
			return nil
		}

		expired, err := e.store.ExpirePendingIntent(pi.ID, now)
		if err != nil {
			return fmt.Errorf("expire pending intent failed: %w", err)
		}
		if !expired {
			slog.Debug("Engine.sweepOne: intent no longer awaiting clarification, skipping expiry", "pendingIntentID", pi.ID, "jobID", pi.JobID)
			return nil
		}
		if err := e.store.SetJobStatus(pi.JobID, models.JobStatusClarificationTimeout); err != nil {
			return fmt.Errorf("set job timeout status failed: %w", err)
		}

		notice := "I didn't hear back in time, so I've dropped that request."
		if len(pi.Plan.PendingFields) > 0 {
			notice = fmt.Sprintf("I didn't hear back in time (still needed: %s), so I've dropped that request.",
				strings.Join(pi.Plan.PendingFields, ", "))
		}
		if err := e.msgr.SendMessage(ctx, pi.Phone, notice); err != nil {
			slog.Error("Engine.sweepOne: timeout notice failed", "pendingIntentID", pi.ID, "error", err)
		}
		*expiries++
		slog.Info("Engine.sweepOne: pending intent expired", "pendingIntentID", pi.ID, "jobID", pi.JobID)
		return nil
	}

	if remaining <= e.ReminderThreshold() && pi.Plan.ReminderSentAt == nil {
		reminded, err := e.store.MarkPendingIntentReminded(pi.ID, now)
		if err != nil {
			return fmt.Errorf("mark pending intent reminded failed: %w", err)
		}
		if !reminded {
			slog.Debug("Engine.sweepOne: intent already reminded or no longer awaiting clarification", "pendingIntentID", pi.ID, "jobID", pi.JobID)
			return nil
		}
		if err := e.msgr.SendMessage(ctx, pi.Phone, "Still there? I'm waiting on an answer to finish your calendar request."); err != nil {
			slog.Error("Engine.sweepOne: reminder failed", "pendingIntentID", pi.ID, "error", err)
		}
		*reminders++
		slog.Debug("Engine.sweepOne: reminder sent", "pendingIntentID", pi.ID, "jobID", pi.JobID)
	}

	return nil
}

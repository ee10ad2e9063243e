package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CalWeave/CalWeave/internal/store"
)

// waitForTask polls until the task reaches the wanted status or the deadline
// passes.
func waitForTask(t *testing.T, st *store.InMemoryStore, id string, want store.TaskStatus) *store.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(id)
		if err != nil {
			t.Fatalf("GetTask failed: %v", err)
		}
		if task != nil && task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := st.GetTask(id)
	t.Fatalf("task %s never reached %s, last state: %+v", id, want, task)
	return nil
}

func startRunner(t *testing.T, r *Runner) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestRunnerExecutesTask(t *testing.T) {
	st := store.NewInMemoryStore()
	r := NewRunner(st, 5*time.Millisecond)

	var calls atomic.Int32
	var gotPayload atomic.Value
	r.Register("transcribe", Config{}, func(ctx context.Context, payload string) error {
		calls.Add(1)
		gotPayload.Store(payload)
		return nil
	})

	id, err := r.Enqueue("transcribe", time.Now(), `{"job_id":"job_1"}`, "transcribe-job_1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	startRunner(t, r)
	waitForTask(t, st, id, store.TaskStatusDone)

	if calls.Load() != 1 {
		t.Errorf("expected 1 execution, got %d", calls.Load())
	}
	if gotPayload.Load() != `{"job_id":"job_1"}` {
		t.Errorf("handler got wrong payload: %v", gotPayload.Load())
	}
}

func TestRunnerRetriesFailedTask(t *testing.T) {
	st := store.NewInMemoryStore()
	r := NewRunner(st, 5*time.Millisecond)

	var calls atomic.Int32
	r.Register("create-event", Config{Attempts: 3, Backoff: time.Millisecond}, func(ctx context.Context, payload string) error {
		if calls.Add(1) == 1 {
			return fmt.Errorf("bridge unreachable")
		}
		return nil
	})

	id, err := r.Enqueue("create-event", time.Now(), "{}", "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	startRunner(t, r)
	task := waitForTask(t, st, id, store.TaskStatusDone)

	if calls.Load() != 2 {
		t.Errorf("expected 2 executions, got %d", calls.Load())
	}
	if task.Attempt != 1 {
		t.Errorf("expected 1 recorded attempt, got %d", task.Attempt)
	}
}

func TestRunnerExhaustsAttemptBudget(t *testing.T) {
	st := store.NewInMemoryStore()
	r := NewRunner(st, 5*time.Millisecond)

	var calls atomic.Int32
	r.Register("notify", Config{Attempts: 2, Backoff: time.Millisecond}, func(ctx context.Context, payload string) error {
		calls.Add(1)
		return fmt.Errorf("send failed")
	})

	id, err := r.Enqueue("notify", time.Now(), "{}", "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	startRunner(t, r)
	task := waitForTask(t, st, id, store.TaskStatusFailed)

	if calls.Load() != 2 {
		t.Errorf("expected 2 executions, got %d", calls.Load())
	}
	if task.LastError != "send failed" {
		t.Errorf("last error not recorded: %q", task.LastError)
	}
}

func TestRunnerTerminalErrorSkipsRetries(t *testing.T) {
	st := store.NewInMemoryStore()
	r := NewRunner(st, 5*time.Millisecond)

	var calls atomic.Int32
	r.Register("create-event", Config{Attempts: 5, Backoff: time.Millisecond}, func(ctx context.Context, payload string) error {
		calls.Add(1)
		return Terminal(fmt.Errorf("rejected by calendar"))
	})

	id, err := r.Enqueue("create-event", time.Now(), "{}", "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	startRunner(t, r)
	waitForTask(t, st, id, store.TaskStatusFailed)

	// Give the poller a couple more cycles to prove no redelivery happens.
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("terminal failure should execute once, got %d", calls.Load())
	}
}

func TestRunnerDeferRedeliversWithoutConsumingAttempts(t *testing.T) {
	st := store.NewInMemoryStore()
	r := NewRunner(st, 5*time.Millisecond)

	var calls atomic.Int32
	r.Register("process-intent", Config{Attempts: 3, Backoff: time.Millisecond}, func(ctx context.Context, payload string) error {
		if calls.Add(1) == 1 {
			return Defer(time.Millisecond)
		}
		return nil
	})

	id, err := r.Enqueue("process-intent", time.Now(), "{}", "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	startRunner(t, r)
	task := waitForTask(t, st, id, store.TaskStatusDone)

	if calls.Load() != 2 {
		t.Errorf("expected redelivery after defer, got %d executions", calls.Load())
	}
	if task.Attempt != 0 {
		t.Errorf("defer should not consume the attempt budget, got attempt %d", task.Attempt)
	}
}

func TestRunnerConcurrencyLimit(t *testing.T) {
	st := store.NewInMemoryStore()
	r := NewRunner(st, 5*time.Millisecond)

	var running, peak atomic.Int32
	r.Register("download", Config{Concurrency: 2}, func(ctx context.Context, payload string) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	})

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := r.Enqueue("download", time.Now(), "{}", fmt.Sprintf("download-job_%d", i))
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, id)
	}

	startRunner(t, r)
	for _, id := range ids {
		waitForTask(t, st, id, store.TaskStatusDone)
	}

	if peak.Load() > 2 {
		t.Errorf("expected at most 2 concurrent executions, saw %d", peak.Load())
	}
}

func TestEnqueueDedupeAcrossRedelivery(t *testing.T) {
	st := store.NewInMemoryStore()
	r := NewRunner(st, time.Hour) // never polls

	r.Register("transcribe", Config{}, func(ctx context.Context, payload string) error { return nil })

	id1, err := r.Enqueue("transcribe", time.Now().Add(time.Hour), "{}", "transcribe-job_1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	id2, err := r.Enqueue("transcribe", time.Now().Add(time.Hour), "{}", "transcribe-job_1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("duplicate enqueue created a second task: %s vs %s", id1, id2)
	}
}

func TestTerminalErrorUnwraps(t *testing.T) {
	base := fmt.Errorf("rejected")
	err := Terminal(base)

	var termErr *TerminalError
	if !errors.As(err, &termErr) {
		t.Fatal("expected TerminalError")
	}
	if !errors.Is(err, base) {
		t.Error("Terminal should wrap the original error")
	}
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"reminder-engine/internal/clock"
	"reminder-engine/internal/dispatch"
	"reminder-engine/internal/reminder"
	"reminder-engine/internal/storage"
)

var testTime = time.Date(2025, 5, 21, 10, 0, 0, 0, time.UTC)

// recordingSink remembers every delivery and can be scripted to fail.
type recordingSink struct {
	mu    sync.Mutex
	sent  []string
	fails int
}

func (s *recordingSink) Send(ctx context.Context, recipient, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return dispatch.Permanent(errors.New("scripted failure"))
	}
	s.sent = append(s.sent, message)
	return nil
}

func (s *recordingSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func newTestScheduler(t *testing.T) (*Scheduler, *storage.MemoryStore, *recordingSink, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testTime)
	store := storage.NewMemoryStore(clk)
	sink := &recordingSink{}
	disp := dispatch.New(sink, time.Second, dispatch.Policy{MaxAttempts: 1}, zerolog.Nop())
	sched := New(store, disp, clk, Config{
		TickInterval: 100 * time.Millisecond,
		BatchLimit:   10,
		ReclaimAfter: 2 * time.Minute,
	}, zerolog.Nop())
	return sched, store, sink, clk
}

func mustCreate(t *testing.T, store storage.Store, r *reminder.Reminder) {
	t.Helper()
	if err := store.CreateReminder(r); err != nil {
		t.Fatalf("failed to create reminder: %v", err)
	}
}

func TestSchedulerFiresRepeatingReminderOnCadence(t *testing.T) {
	sched, store, sink, clk := newTestScheduler(t)
	mustCreate(t, store, reminder.New("r1", "alice", "alice@example.com", "stand up", testTime, time.Hour, 3, testTime))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		sched.Tick(ctx)
		// An immediate second tick must find nothing due.
		sched.Tick(ctx)
		clk.Advance(time.Hour)
	}

	if got := len(sink.messages()); got != 3 {
		t.Fatalf("expected 3 deliveries, got %d", got)
	}
	r, err := store.GetReminder("r1")
	if err != nil {
		t.Fatalf("failed to get reminder: %v", err)
	}
	if r.Status != reminder.StatusRetired {
		t.Errorf("status: got %q, want retired", r.Status)
	}
	if r.OccurrencesRemaining != 0 {
		t.Errorf("reminders_left: got %d, want 0", r.OccurrencesRemaining)
	}
	if r.NextDueAt != nil {
		t.Errorf("retired reminder still has next due time %v", r.NextDueAt)
	}
}

func TestSchedulerReschedulesAtFixedCadence(t *testing.T) {
	sched, store, _, clk := newTestScheduler(t)
	mustCreate(t, store, reminder.New("r1", "alice", "alice@example.com", "water plants", testTime, time.Hour, 3, testTime))

	// Fire 150 minutes late; the next occurrence must land back on the
	// original grid, not 1h after the late fire.
	clk.Advance(150 * time.Minute)
	sched.Tick(context.Background())

	r, err := store.GetReminder("r1")
	if err != nil {
		t.Fatalf("failed to get reminder: %v", err)
	}
	want := testTime.Add(3 * time.Hour)
	if r.NextDueAt == nil || !r.NextDueAt.Equal(want) {
		t.Errorf("next due: got %v, want %v", r.NextDueAt, want)
	}
}

func TestSchedulerSkipsFutureAndCancelledReminders(t *testing.T) {
	sched, store, sink, _ := newTestScheduler(t)
	mustCreate(t, store, reminder.New("future", "alice", "alice@example.com", "later", testTime.Add(time.Hour), 0, 1, testTime))
	mustCreate(t, store, reminder.New("gone", "alice", "alice@example.com", "cancelled", testTime, 0, 1, testTime))
	if err := store.Cancel("gone", "alice"); err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}

	sched.Tick(context.Background())

	if got := len(sink.messages()); got != 0 {
		t.Fatalf("expected no deliveries, got %d: %v", got, sink.messages())
	}
}

func TestSchedulerCancelBetweenOccurrences(t *testing.T) {
	sched, store, sink, clk := newTestScheduler(t)
	mustCreate(t, store, reminder.New("r1", "alice", "alice@example.com", "ping", testTime, time.Hour, 5, testTime))

	ctx := context.Background()
	sched.Tick(ctx)
	if err := store.Cancel("r1", "alice"); err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}

	clk.Advance(time.Hour)
	sched.Tick(ctx)
	clk.Advance(time.Hour)
	sched.Tick(ctx)

	if got := len(sink.messages()); got != 1 {
		t.Fatalf("expected 1 delivery before cancel, got %d", got)
	}
	r, err := store.GetReminder("r1")
	if err != nil {
		t.Fatalf("failed to get reminder: %v", err)
	}
	if r.Status != reminder.StatusRetired || r.OccurrencesRemaining != 0 {
		t.Errorf("cancelled reminder not retired: status=%q left=%d", r.Status, r.OccurrencesRemaining)
	}
}

func TestSchedulerFailedDeliveryConsumesOccurrence(t *testing.T) {
	sched, store, sink, clk := newTestScheduler(t)
	sink.fails = 1
	mustCreate(t, store, reminder.New("r1", "alice", "alice@example.com", "flaky", testTime, time.Hour, 2, testTime))

	ctx := context.Background()
	sched.Tick(ctx)

	r, err := store.GetReminder("r1")
	if err != nil {
		t.Fatalf("failed to get reminder: %v", err)
	}
	if r.OccurrencesRemaining != 1 {
		t.Fatalf("failed occurrence not consumed: reminders_left=%d", r.OccurrencesRemaining)
	}
	want := testTime.Add(time.Hour)
	if r.NextDueAt == nil || !r.NextDueAt.Equal(want) {
		t.Fatalf("next due: got %v, want %v", r.NextDueAt, want)
	}

	clk.Advance(time.Hour)
	sched.Tick(ctx)
	if got := len(sink.messages()); got != 1 {
		t.Errorf("expected the second occurrence to deliver, got %d messages", got)
	}
}

func TestSchedulerSweepReclaimsStuckClaims(t *testing.T) {
	sched, store, sink, clk := newTestScheduler(t)
	mustCreate(t, store, reminder.New("r1", "alice", "alice@example.com", "orphaned", testTime, time.Hour, 2, testTime))

	// Simulate a crashed worker: claim without ever committing.
	if _, err := store.ClaimDue(clk.Now(), 10); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}

	// Before the timeout the sweep must leave the claim alone.
	clk.Advance(time.Minute)
	sched.Sweep()
	sched.Tick(context.Background())
	if got := len(sink.messages()); got != 0 {
		t.Fatalf("reclaimed too early, got %d deliveries", got)
	}

	clk.Advance(2 * time.Minute)
	sched.Sweep()
	sched.Tick(context.Background())
	if got := len(sink.messages()); got != 1 {
		t.Fatalf("expected reclaimed reminder to fire once, got %d deliveries", got)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	sched, store, sink, _ := newTestScheduler(t)
	mustCreate(t, store, reminder.New("r1", "alice", "alice@example.com", "hello", testTime, 0, 1, testTime))

	sched.Start()
	deadline := time.After(2 * time.Second)
	for len(sink.messages()) == 0 {
		select {
		case <-deadline:
			t.Fatal("reminder never delivered by the running loop")
		case <-time.After(10 * time.Millisecond):
		}
	}
	sched.Stop()
	// Stop is idempotent.
	sched.Stop()
}

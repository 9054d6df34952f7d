package reminder

import (
	"errors"
	"testing"
	"time"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return ts
}

func firingReminder(due time.Time, interval time.Duration, remaining int) *Reminder {
	return &Reminder{
		ID:                   "rem1",
		OwnerID:              "owner1",
		Recipient:            "alice@example.com",
		Message:              "hello",
		NextDueAt:            &due,
		Interval:             interval,
		OccurrencesRemaining: remaining,
		Status:               StatusFiring,
	}
}

func TestNextOccurrenceReschedules(t *testing.T) {
	due := mustTime(t, "2025-05-21T10:00:00Z")
	r := firingReminder(due, time.Hour, 3)

	out := NextOccurrence(r, due)
	if out.Retire {
		t.Fatal("expected reschedule, got retire")
	}
	if out.OccurrencesRemaining != 2 {
		t.Errorf("remaining: got %d, want 2", out.OccurrencesRemaining)
	}
	if want := due.Add(time.Hour); !out.NextDueAt.Equal(want) {
		t.Errorf("next due: got %s, want %s", out.NextDueAt, want)
	}
}

func TestNextOccurrenceRetiresAtZero(t *testing.T) {
	due := mustTime(t, "2025-05-21T10:00:00Z")
	r := firingReminder(due, time.Hour, 1)

	out := NextOccurrence(r, due)
	if !out.Retire {
		t.Fatal("expected retire for last occurrence")
	}
}

func TestNextOccurrencePreservesCadenceWhenDelayed(t *testing.T) {
	due := mustTime(t, "2025-05-21T10:00:00Z")
	r := firingReminder(due, time.Hour, 5)

	// Dispatch happens 2h30m late: the 11:00 and 12:00 slots are gone, the
	// next fire must be 13:00, still on the hour.
	now := due.Add(2*time.Hour + 30*time.Minute)
	out := NextOccurrence(r, now)
	if out.Retire {
		t.Fatal("expected reschedule, got retire")
	}
	if want := mustTime(t, "2025-05-21T13:00:00Z"); !out.NextDueAt.Equal(want) {
		t.Errorf("next due: got %s, want %s", out.NextDueAt, want)
	}
	if out.OccurrencesRemaining != 4 {
		t.Errorf("remaining: got %d, want 4; a delayed dispatch consumes exactly one occurrence", out.OccurrencesRemaining)
	}
}

func TestNextOccurrenceExactBoundary(t *testing.T) {
	due := mustTime(t, "2025-05-21T10:00:00Z")
	r := firingReminder(due, time.Hour, 3)

	// Fired exactly one interval late: 11:00 has passed, next is 12:00.
	now := due.Add(time.Hour)
	out := NextOccurrence(r, now)
	if want := mustTime(t, "2025-05-21T12:00:00Z"); !out.NextDueAt.Equal(want) {
		t.Errorf("next due: got %s, want %s", out.NextDueAt, want)
	}
}

func TestNextOccurrenceNeverMovesBackward(t *testing.T) {
	due := mustTime(t, "2025-05-21T10:00:00Z")
	r := firingReminder(due, time.Hour, 10)

	now := due
	for i := 0; i < 5; i++ {
		out := NextOccurrence(r, now)
		if out.Retire {
			t.Fatal("unexpected retire")
		}
		if !out.NextDueAt.After(*r.NextDueAt) {
			t.Fatalf("next due %s not after previous %s", out.NextDueAt, *r.NextDueAt)
		}
		next := out.NextDueAt
		r.NextDueAt = &next
		r.OccurrencesRemaining = out.OccurrencesRemaining
		now = next
	}
}

func TestValidate(t *testing.T) {
	now := mustTime(t, "2025-05-21T10:00:00Z")
	grace := time.Minute

	valid := func() *Reminder {
		due := now.Add(time.Hour)
		return New("rem1", "owner1", "alice@example.com", "hello", due, time.Hour, 3, now)
	}

	if err := valid().Validate(now, grace); err != nil {
		t.Fatalf("valid reminder rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Reminder)
	}{
		{"missing recipient", func(r *Reminder) { r.Recipient = "" }},
		{"missing message", func(r *Reminder) { r.Message = "" }},
		{"zero count", func(r *Reminder) { r.OccurrencesRemaining = 0 }},
		{"negative count", func(r *Reminder) { r.OccurrencesRemaining = -1 }},
		{"repeating without interval", func(r *Reminder) { r.Interval = 0 }},
		{"missing due time", func(r *Reminder) { r.NextDueAt = nil }},
		{"due time in the past", func(r *Reminder) {
			past := now.Add(-time.Hour)
			r.NextDueAt = &past
		}},
	}
	for _, tc := range cases {
		r := valid()
		tc.mutate(r)
		err := r.Validate(now, grace)
		if err == nil {
			t.Errorf("%s: expected validation error, got nil", tc.name)
			continue
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: expected *ValidationError, got %T", tc.name, err)
		}
	}

	// Within the grace window is still acceptable.
	r := valid()
	recent := now.Add(-30 * time.Second)
	r.NextDueAt = &recent
	if err := r.Validate(now, grace); err != nil {
		t.Errorf("due time within grace window rejected: %v", err)
	}

	// A one-shot reminder does not need an interval.
	r = valid()
	r.OccurrencesRemaining = 1
	r.Interval = 0
	if err := r.Validate(now, grace); err != nil {
		t.Errorf("one-shot reminder without interval rejected: %v", err)
	}
}

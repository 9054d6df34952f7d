package storage

import (
	"errors"
	"time"

	"reminder-engine/internal/reminder"
)

// Sentinel errors shared by every backend. Validation failures are reported
// as *reminder.ValidationError.
var (
	// ErrNotFound means the reminder does not exist or belongs to another owner.
	ErrNotFound = errors.New("reminder not found")
	// ErrConflict means the reminder is not in the state the operation requires,
	// e.g. committing an occurrence that was never claimed or was already committed.
	ErrConflict = errors.New("reminder not in expected state")
)

// DefaultGraceWindow is how far in the past a first occurrence may lie at
// creation before it is rejected.
const DefaultGraceWindow = time.Minute

// Store defines durable persistence for reminders. It is the single source of
// truth: scheduler workers in any number of processes may share one Store, and
// serialization of occurrences rests entirely on ClaimDue's atomicity.
type Store interface {
	// CreateReminder validates and persists a new reminder.
	CreateReminder(r *reminder.Reminder) error

	// GetReminder returns the reminder with the given id.
	GetReminder(id string) (*reminder.Reminder, error)

	// ListForOwner returns the owner's reminders ordered by next due time
	// ascending, retired ones last.
	ListForOwner(ownerID string) ([]*reminder.Reminder, error)

	// ClaimDue atomically transitions up to limit due scheduled reminders into
	// firing and returns them. No two concurrent callers receive the same row.
	ClaimDue(now time.Time, limit int) ([]*reminder.Reminder, error)

	// CommitOccurrence applies the occurrence calculator's decision to a firing
	// reminder. Returns ErrConflict unless the row is currently firing. A cancel
	// requested while the row was firing wins over the outcome: the reminder is
	// retired regardless.
	CommitOccurrence(id string, out reminder.Outcome, firedAt time.Time) error

	// Cancel retires a scheduled reminder immediately. If the reminder is
	// currently firing it marks it for retirement at commit time instead.
	Cancel(id, ownerID string) error

	// DeleteReminder removes the reminder entirely. Explicit deletion only;
	// retirement never deletes.
	DeleteReminder(id, ownerID string) error

	// ReclaimStuck returns firing reminders claimed longer than olderThan ago
	// back to scheduled with their next due time set to now, so a crashed
	// worker's claims make forward progress again. Reminders with a pending
	// cancel are retired instead. Returns the number of rows touched.
	ReclaimStuck(now time.Time, olderThan time.Duration) (int, error)

	Close() error
}

// applyOutcome mutates r in place per the committed outcome. Shared by the
// in-process backends; the SQL and Mongo backends express the same transition
// in their query languages.
func applyOutcome(r *reminder.Reminder, out reminder.Outcome, firedAt time.Time) {
	fired := firedAt
	r.LastFiredAt = &fired
	r.ClaimedAt = nil
	if out.Retire || r.CancelRequested {
		retire(r)
		return
	}
	next := out.NextDueAt
	r.Status = reminder.StatusScheduled
	r.NextDueAt = &next
	r.OccurrencesRemaining = out.OccurrencesRemaining
}

func retire(r *reminder.Reminder) {
	r.Status = reminder.StatusRetired
	r.NextDueAt = nil
	r.OccurrencesRemaining = 0
	r.CancelRequested = false
	r.ClaimedAt = nil
}

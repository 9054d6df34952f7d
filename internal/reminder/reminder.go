package reminder

import (
	"fmt"
	"time"
)

// Status tracks where a reminder sits in its lifecycle.
//
// scheduled -> firing -> scheduled (more occurrences left)
// scheduled -> firing -> retired   (last occurrence fired, or cancelled)
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusFiring    Status = "firing"
	StatusRetired   Status = "retired"
)

// Reminder is a message scheduled for delivery to a recipient, optionally
// repeating at a fixed interval for a bounded number of occurrences.
//
// NextDueAt is nil exactly when Status is retired; while scheduled it is the
// authoritative time of the next fire. OccurrencesRemaining reaches exactly
// zero at retirement and never goes negative.
type Reminder struct {
	ID                   string        `json:"id" bson:"id"`
	OwnerID              string        `json:"user_id" bson:"owner_id"`
	Recipient            string        `json:"recipient_email" bson:"recipient"`
	Message              string        `json:"message" bson:"message"`
	NextDueAt            *time.Time    `json:"next_reminder,omitempty" bson:"next_due_at,omitempty"`
	Interval             time.Duration `json:"interval" bson:"interval"`
	OccurrencesRemaining int           `json:"reminders_left" bson:"occurrences_remaining"`
	Status               Status        `json:"status" bson:"status"`
	LastFiredAt          *time.Time    `json:"last_fired_at,omitempty" bson:"last_fired_at,omitempty"`
	ClaimedAt            *time.Time    `json:"claimed_at,omitempty" bson:"claimed_at,omitempty"`
	CancelRequested      bool          `json:"cancel_requested,omitempty" bson:"cancel_requested"`
	CreatedAt            time.Time     `json:"created_at" bson:"created_at"`
}

// New builds a scheduled reminder with its first occurrence at firstDueAt.
func New(id, ownerID, recipient, message string, firstDueAt time.Time, interval time.Duration, count int, now time.Time) *Reminder {
	due := firstDueAt
	return &Reminder{
		ID:                   id,
		OwnerID:              ownerID,
		Recipient:            recipient,
		Message:              message,
		NextDueAt:            &due,
		Interval:             interval,
		OccurrencesRemaining: count,
		Status:               StatusScheduled,
		CreatedAt:            now,
	}
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (r *Reminder) Clone() *Reminder {
	cp := *r
	if r.NextDueAt != nil {
		t := *r.NextDueAt
		cp.NextDueAt = &t
	}
	if r.LastFiredAt != nil {
		t := *r.LastFiredAt
		cp.LastFiredAt = &t
	}
	if r.ClaimedAt != nil {
		t := *r.ClaimedAt
		cp.ClaimedAt = &t
	}
	return &cp
}

// ValidationError reports a reminder definition the engine refuses to accept.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks a reminder at creation time. A first occurrence further in
// the past than the grace window is rejected; within the window it is accepted
// and fires on the next tick.
func (r *Reminder) Validate(now time.Time, grace time.Duration) error {
	if r.ID == "" {
		return validationf("reminder id is required")
	}
	if r.OwnerID == "" {
		return validationf("owner id is required")
	}
	if r.Recipient == "" {
		return validationf("recipient is required")
	}
	if r.Message == "" {
		return validationf("message is required")
	}
	if r.OccurrencesRemaining < 1 {
		return validationf("number of reminders must be at least 1, got %d", r.OccurrencesRemaining)
	}
	if r.OccurrencesRemaining > 1 && r.Interval <= 0 {
		return validationf("interval must be positive for repeating reminders")
	}
	if r.NextDueAt == nil {
		return validationf("first reminder time is required")
	}
	if r.NextDueAt.Before(now.Add(-grace)) {
		return validationf("first reminder time %s is in the past", r.NextDueAt.Format(time.RFC3339))
	}
	return nil
}

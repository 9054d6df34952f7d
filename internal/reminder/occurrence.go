package reminder

import "time"

// Outcome is the occurrence calculator's decision for a fired reminder:
// either retire it, or reschedule it with the given next due time and
// remaining count.
type Outcome struct {
	Retire               bool
	NextDueAt            time.Time
	OccurrencesRemaining int
}

// NextOccurrence decides what happens to a firing reminder after its
// occurrence has been consumed at now.
//
// The next due time is computed from the previous due time, not from now, so
// dispatch latency never shifts the cadence. If dispatch was delayed past one
// or more whole intervals, the missed slots are skipped rather than fired as
// a burst, keeping the original alignment.
func NextOccurrence(r *Reminder, now time.Time) Outcome {
	remaining := r.OccurrencesRemaining - 1
	if remaining <= 0 {
		return Outcome{Retire: true}
	}

	prev := now
	if r.NextDueAt != nil {
		prev = *r.NextDueAt
	}
	next := prev.Add(r.Interval)
	if !next.After(now) && r.Interval > 0 {
		missed := now.Sub(next) / r.Interval
		next = next.Add((missed + 1) * r.Interval)
	}

	return Outcome{NextDueAt: next, OccurrencesRemaining: remaining}
}

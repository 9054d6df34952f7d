package storage

import (
	"sort"
	"sync"
	"time"

	"reminder-engine/internal/clock"
	"reminder-engine/internal/reminder"
)

// MemoryStore keeps reminders in a mutex-guarded map. Useful for tests and
// single-process deployments that can afford to lose state on restart.
type MemoryStore struct {
	mu        sync.Mutex
	reminders map[string]*reminder.Reminder
	clk       clock.Clock
	grace     time.Duration
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		reminders: make(map[string]*reminder.Reminder),
		clk:       clk,
		grace:     DefaultGraceWindow,
	}
}

// SetGraceWindow overrides how far in the past a first occurrence may lie.
func (m *MemoryStore) SetGraceWindow(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grace = d
}

func (m *MemoryStore) CreateReminder(r *reminder.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := r.Validate(m.clk.Now(), m.grace); err != nil {
		return err
	}
	if _, exists := m.reminders[r.ID]; exists {
		return ErrConflict
	}
	m.reminders[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetReminder(id string) (*reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListForOwner(ownerID string) ([]*reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*reminder.Reminder
	for _, r := range m.reminders {
		if r.OwnerID == ownerID {
			list = append(list, r.Clone())
		}
	}
	sortByNextDue(list)
	return list, nil
}

func (m *MemoryStore) ClaimDue(now time.Time, limit int) ([]*reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*reminder.Reminder
	for _, r := range m.reminders {
		if r.Status == reminder.StatusScheduled && r.NextDueAt != nil && !r.NextDueAt.After(now) {
			due = append(due, r)
		}
	}
	sortByNextDue(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*reminder.Reminder, 0, len(due))
	for _, r := range due {
		claimedAt := now
		r.Status = reminder.StatusFiring
		r.ClaimedAt = &claimedAt
		claimed = append(claimed, r.Clone())
	}
	return claimed, nil
}

func (m *MemoryStore) CommitOccurrence(id string, out reminder.Outcome, firedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != reminder.StatusFiring {
		return ErrConflict
	}
	applyOutcome(r, out, firedAt)
	return nil
}

func (m *MemoryStore) Cancel(id, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok || r.OwnerID != ownerID {
		return ErrNotFound
	}
	if r.Status == reminder.StatusFiring {
		// Honored at commit time.
		r.CancelRequested = true
		return nil
	}
	retire(r)
	return nil
}

func (m *MemoryStore) DeleteReminder(id, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok || r.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(m.reminders, id)
	return nil
}

func (m *MemoryStore) ReclaimStuck(now time.Time, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, r := range m.reminders {
		if r.Status != reminder.StatusFiring || r.ClaimedAt == nil {
			continue
		}
		if now.Sub(*r.ClaimedAt) < olderThan {
			continue
		}
		if r.CancelRequested {
			retire(r)
		} else {
			due := now
			r.Status = reminder.StatusScheduled
			r.NextDueAt = &due
			r.ClaimedAt = nil
		}
		count++
	}
	return count, nil
}

func (m *MemoryStore) Close() error { return nil }

// sortByNextDue orders by next due time ascending with retired (nil) last.
func sortByNextDue(list []*reminder.Reminder) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].NextDueAt, list[j].NextDueAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
}

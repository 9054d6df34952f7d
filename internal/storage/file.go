package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"reminder-engine/internal/clock"
	"reminder-engine/internal/reminder"
)

// FileStore persists reminders as a JSON map in a single file. Every mutation
// rewrites the file, so it is only suitable for small single-process
// deployments; cross-process claim exclusivity is not provided.
type FileStore struct {
	path  string
	mu    sync.Mutex
	clk   clock.Clock
	grace time.Duration
}

func NewFileStore(path string, clk clock.Clock) *FileStore {
	return &FileStore{
		path:  path,
		clk:   clk,
		grace: DefaultGraceWindow,
	}
}

// SetGraceWindow overrides how far in the past a first occurrence may lie.
func (fs *FileStore) SetGraceWindow(d time.Duration) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.grace = d
}

func (fs *FileStore) load() (map[string]*reminder.Reminder, error) {
	reminders := make(map[string]*reminder.Reminder)
	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		return reminders, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read reminder file: %w", err)
	}
	if len(data) == 0 {
		return reminders, nil
	}
	if err := json.Unmarshal(data, &reminders); err != nil {
		return nil, fmt.Errorf("failed to parse reminder file: %w", err)
	}
	return reminders, nil
}

func (fs *FileStore) save(reminders map[string]*reminder.Reminder) error {
	data, err := json.MarshalIndent(reminders, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal reminders: %w", err)
	}
	if err := os.WriteFile(fs.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write reminder file: %w", err)
	}
	return nil
}

func (fs *FileStore) CreateReminder(r *reminder.Reminder) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := r.Validate(fs.clk.Now(), fs.grace); err != nil {
		return err
	}
	reminders, err := fs.load()
	if err != nil {
		return err
	}
	if _, exists := reminders[r.ID]; exists {
		return ErrConflict
	}
	reminders[r.ID] = r.Clone()
	return fs.save(reminders)
}

func (fs *FileStore) GetReminder(id string) (*reminder.Reminder, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	reminders, err := fs.load()
	if err != nil {
		return nil, err
	}
	r, ok := reminders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (fs *FileStore) ListForOwner(ownerID string) ([]*reminder.Reminder, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	reminders, err := fs.load()
	if err != nil {
		return nil, err
	}
	var list []*reminder.Reminder
	for _, r := range reminders {
		if r.OwnerID == ownerID {
			list = append(list, r)
		}
	}
	sortByNextDue(list)
	return list, nil
}

func (fs *FileStore) ClaimDue(now time.Time, limit int) ([]*reminder.Reminder, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	reminders, err := fs.load()
	if err != nil {
		return nil, err
	}

	var due []*reminder.Reminder
	for _, r := range reminders {
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
	if len(claimed) == 0 {
		return nil, nil
	}
	if err := fs.save(reminders); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (fs *FileStore) CommitOccurrence(id string, out reminder.Outcome, firedAt time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	reminders, err := fs.load()
	if err != nil {
		return err
	}
	r, ok := reminders[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != reminder.StatusFiring {
		return ErrConflict
	}
	applyOutcome(r, out, firedAt)
	return fs.save(reminders)
}

func (fs *FileStore) Cancel(id, ownerID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	reminders, err := fs.load()
	if err != nil {
		return err
	}
	r, ok := reminders[id]
	if !ok || r.OwnerID != ownerID {
		return ErrNotFound
	}
	if r.Status == reminder.StatusFiring {
		r.CancelRequested = true
	} else {
		retire(r)
	}
	return fs.save(reminders)
}

func (fs *FileStore) DeleteReminder(id, ownerID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	reminders, err := fs.load()
	if err != nil {
		return err
	}
	r, ok := reminders[id]
	if !ok || r.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(reminders, id)
	return fs.save(reminders)
}

func (fs *FileStore) ReclaimStuck(now time.Time, olderThan time.Duration) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	reminders, err := fs.load()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, r := range reminders {
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
	if count == 0 {
		return 0, nil
	}
	return count, fs.save(reminders)
}

func (fs *FileStore) Close() error { return nil }

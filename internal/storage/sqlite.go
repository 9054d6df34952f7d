package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"reminder-engine/internal/clock"
	"reminder-engine/internal/reminder"
)

// sqliteTimeFormat is fixed-width UTC so stored timestamps compare correctly
// as text.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is the durable single-node backend.
type SQLiteStore struct {
	db    *sql.DB
	mu    sync.Mutex
	clk   clock.Clock
	grace time.Duration
}

// NewSQLiteStore opens (and if needed initializes) a SQLite database at dbPath.
func NewSQLiteStore(dbPath string, clk clock.Clock) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db, clk: clk, grace: DefaultGraceWindow}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SetGraceWindow overrides how far in the past a first occurrence may lie.
func (s *SQLiteStore) SetGraceWindow(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grace = d
}

func (s *SQLiteStore) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS reminders (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			recipient TEXT NOT NULL,
			message TEXT NOT NULL,
			next_due_at TEXT, -- fixed-width UTC, NULL once retired
			interval_ns INTEGER NOT NULL,
			occurrences_remaining INTEGER NOT NULL,
			status TEXT NOT NULL,
			last_fired_at TEXT,
			claimed_at TEXT,
			claim_token TEXT,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_owner ON reminders(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(status, next_due_at)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %q: %w", query, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	str := formatTime(*t)
	return &str
}

// parseTimeString parses a stored timestamp, accepting a few ISO 8601 shapes
// for rows written by older builds.
func parseTimeString(timeStr string) (time.Time, error) {
	formats := []string{
		sqliteTimeFormat,
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, timeStr); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse time string: %s", timeStr)
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTimeString(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const reminderColumns = `id, owner_id, recipient, message, next_due_at, interval_ns,
	occurrences_remaining, status, last_fired_at, claimed_at, cancel_requested, created_at`

func scanReminder(scan func(dest ...interface{}) error) (*reminder.Reminder, error) {
	var r reminder.Reminder
	var nextDueStr, lastFiredStr, claimedStr *string
	var createdStr string
	var intervalNs int64
	var status string

	err := scan(&r.ID, &r.OwnerID, &r.Recipient, &r.Message, &nextDueStr, &intervalNs,
		&r.OccurrencesRemaining, &status, &lastFiredStr, &claimedStr, &r.CancelRequested, &createdStr)
	if err != nil {
		return nil, err
	}

	r.Interval = time.Duration(intervalNs)
	r.Status = reminder.Status(status)
	if r.NextDueAt, err = parseTimePtr(nextDueStr); err != nil {
		return nil, fmt.Errorf("failed to parse next due time: %w", err)
	}
	if r.LastFiredAt, err = parseTimePtr(lastFiredStr); err != nil {
		return nil, fmt.Errorf("failed to parse last fired time: %w", err)
	}
	if r.ClaimedAt, err = parseTimePtr(claimedStr); err != nil {
		return nil, fmt.Errorf("failed to parse claimed time: %w", err)
	}
	created, err := parseTimeString(createdStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created time: %w", err)
	}
	r.CreatedAt = created
	return &r, nil
}

func (s *SQLiteStore) CreateReminder(r *reminder.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := r.Validate(s.clk.Now(), s.grace); err != nil {
		return err
	}

	_, err := s.db.Exec(`INSERT INTO reminders
		(id, owner_id, recipient, message, next_due_at, interval_ns,
		occurrences_remaining, status, last_fired_at, claimed_at, cancel_requested, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OwnerID, r.Recipient, r.Message, formatTimePtr(r.NextDueAt), int64(r.Interval),
		r.OccurrencesRemaining, string(r.Status), formatTimePtr(r.LastFiredAt),
		formatTimePtr(r.ClaimedAt), r.CancelRequested, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create reminder: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetReminder(id string) (*reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reminder: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListForOwner(ownerID string) ([]*reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT `+reminderColumns+` FROM reminders
		WHERE owner_id = ?
		ORDER BY next_due_at IS NULL, next_due_at ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reminders: %w", err)
	}
	defer rows.Close()

	var reminders []*reminder.Reminder
	for rows.Next() {
		r, err := scanReminder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reminder: %w", err)
		}
		reminders = append(reminders, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return reminders, nil
}

func (s *SQLiteStore) ClaimDue(now time.Time, limit int) ([]*reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A single UPDATE stamps a fresh claim token on the batch, so the
	// transition is atomic even with other processes on the same database.
	token := uuid.NewString()
	nowStr := formatTime(now)
	res, err := s.db.Exec(`UPDATE reminders
		SET status = ?, claimed_at = ?, claim_token = ?
		WHERE id IN (
			SELECT id FROM reminders
			WHERE status = ? AND next_due_at IS NOT NULL AND next_due_at <= ?
			ORDER BY next_due_at ASC
			LIMIT ?
		)`,
		string(reminder.StatusFiring), nowStr, token,
		string(reminder.StatusScheduled), nowStr, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due reminders: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(`SELECT `+reminderColumns+` FROM reminders
		WHERE claim_token = ? ORDER BY next_due_at ASC`, token)
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed reminders: %w", err)
	}
	defer rows.Close()

	var claimed []*reminder.Reminder
	for rows.Next() {
		r, err := scanReminder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed reminder: %w", err)
		}
		claimed = append(claimed, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return claimed, nil
}

func (s *SQLiteStore) CommitOccurrence(id string, out reminder.Outcome, firedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var status string
	var cancelRequested bool
	err := s.db.QueryRow(`SELECT status, cancel_requested FROM reminders WHERE id = ?`, id).
		Scan(&status, &cancelRequested)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read reminder state: %w", err)
	}
	if reminder.Status(status) != reminder.StatusFiring {
		return ErrConflict
	}

	firedStr := formatTime(firedAt)
	var res sql.Result
	if out.Retire || cancelRequested {
		res, err = s.db.Exec(`UPDATE reminders
			SET status = ?, next_due_at = NULL, occurrences_remaining = 0,
			    last_fired_at = ?, claimed_at = NULL, claim_token = NULL, cancel_requested = 0
			WHERE id = ? AND status = ?`,
			string(reminder.StatusRetired), firedStr, id, string(reminder.StatusFiring))
	} else {
		res, err = s.db.Exec(`UPDATE reminders
			SET status = ?, next_due_at = ?, occurrences_remaining = ?,
			    last_fired_at = ?, claimed_at = NULL, claim_token = NULL
			WHERE id = ? AND status = ?`,
			string(reminder.StatusScheduled), formatTime(out.NextDueAt), out.OccurrencesRemaining,
			firedStr, id, string(reminder.StatusFiring))
	}
	if err != nil {
		return fmt.Errorf("failed to commit occurrence: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) Cancel(id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE reminders
		SET status = ?, next_due_at = NULL, occurrences_remaining = 0, cancel_requested = 0
		WHERE id = ? AND owner_id = ? AND status = ?`,
		string(reminder.StatusRetired), id, ownerID, string(reminder.StatusScheduled))
	if err != nil {
		return fmt.Errorf("failed to cancel reminder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Already claimed: mark for retirement at commit time.
	res, err = s.db.Exec(`UPDATE reminders SET cancel_requested = 1
		WHERE id = ? AND owner_id = ? AND status = ?`,
		id, ownerID, string(reminder.StatusFiring))
	if err != nil {
		return fmt.Errorf("failed to flag reminder for cancellation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Retired cancels are a no-op as long as the row exists and is ours.
	var one int
	err = s.db.QueryRow(`SELECT 1 FROM reminders WHERE id = ? AND owner_id = ?`, id, ownerID).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check reminder: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteReminder(id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM reminders WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete reminder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ReclaimStuck(now time.Time, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := formatTime(now.Add(-olderThan))
	total := 0

	res, err := s.db.Exec(`UPDATE reminders
		SET status = ?, next_due_at = ?, claimed_at = NULL, claim_token = NULL
		WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at <= ? AND cancel_requested = 0`,
		string(reminder.StatusScheduled), formatTime(now), string(reminder.StatusFiring), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stuck reminders: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += int(n)
	}

	res, err = s.db.Exec(`UPDATE reminders
		SET status = ?, next_due_at = NULL, occurrences_remaining = 0,
		    claimed_at = NULL, claim_token = NULL, cancel_requested = 0
		WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at <= ? AND cancel_requested = 1`,
		string(reminder.StatusRetired), string(reminder.StatusFiring), cutoff)
	if err != nil {
		return total, fmt.Errorf("failed to retire cancelled stuck reminders: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += int(n)
	}
	return total, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// MinReminderInterval is the smallest repeat interval a definition may have.
const MinReminderInterval = 60 * time.Second

var ErrIntervalTooShort = errors.New("reminder interval must be at least 60 seconds")
var ErrNotFound = errors.New("not found")

type Reminder struct {
	ID         int64
	Recipient  string
	Body       string
	Interval   time.Duration
	Enabled    bool
	LastSentAt *time.Time
	NextDueAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CreateReminder stores a definition with next_due = created_at + interval.
func (s *Store) CreateReminder(ctx context.Context, recipient, body string, interval time.Duration, enabled bool) (Reminder, error) {
	if interval < MinReminderInterval {
		return Reminder{}, ErrIntervalTooShort
	}
	now := time.Now()
	due := now.Add(interval)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reminders (recipient, body, interval_seconds, enabled, next_due_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		recipient, body, int64(interval.Seconds()), boolInt(enabled), fmtTime(due), fmtTime(now), fmtTime(now))
	if err != nil {
		return Reminder{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Reminder{}, err
	}
	return s.GetReminder(ctx, id)
}

func (s *Store) GetReminder(ctx context.Context, id int64) (Reminder, error) {
	row := s.db.QueryRowContext(ctx, reminderSelect+` WHERE id = ?`, id)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return Reminder{}, ErrNotFound
	}
	return r, err
}

func (s *Store) ListReminders(ctx context.Context) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, reminderSelect+` ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateReminder replaces the mutable fields of a definition and recomputes
// next_due from last_sent (or created_at before the first send).
func (s *Store) UpdateReminder(ctx context.Context, id int64, recipient, body string, interval time.Duration, enabled bool) (Reminder, error) {
	if interval < MinReminderInterval {
		return Reminder{}, ErrIntervalTooShort
	}
	cur, err := s.GetReminder(ctx, id)
	if err != nil {
		return Reminder{}, err
	}
	base := cur.CreatedAt
	if cur.LastSentAt != nil {
		base = *cur.LastSentAt
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		UPDATE reminders SET recipient = ?, body = ?, interval_seconds = ?, enabled = ?, next_due_at = ?, updated_at = ?
		WHERE id = ?`,
		recipient, body, int64(interval.Seconds()), boolInt(enabled), fmtTime(base.Add(interval)), fmtTime(now), id)
	if err != nil {
		return Reminder{}, err
	}
	return s.GetReminder(ctx, id)
}

func (s *Store) DeleteReminder(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// TriggerReminder pulls a definition's next_due to now so the scheduler
// fires it on its next tick. Backs the administrative "send now" action.
func (s *Store) TriggerReminder(ctx context.Context, id int64) error {
	now := fmtTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET next_due_at = ?, updated_at = ?
		WHERE id = ?`, now, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// DueReminders returns enabled definitions whose next_due has arrived,
// oldest-due first.
func (s *Store) DueReminders(ctx context.Context, limit int) ([]Reminder, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		reminderSelect+` WHERE enabled = 1 AND next_due_at IS NOT NULL AND next_due_at <= ?
		ORDER BY next_due_at ASC LIMIT ?`,
		fmtTime(time.Now()), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkReminderSent advances the schedule: last_sent = now,
// next_due = now + interval. Called on every attempt, sent or skipped, so a
// due item can never wedge the scheduler.
func (s *Store) MarkReminderSent(ctx context.Context, id int64, interval time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET last_sent_at = ?, next_due_at = ?, updated_at = ?
		WHERE id = ?`,
		fmtTime(now), fmtTime(now.Add(interval)), fmtTime(now), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

const reminderSelect = `
	SELECT id, recipient, body, interval_seconds, enabled, last_sent_at, next_due_at, created_at, updated_at
	FROM reminders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (Reminder, error) {
	var r Reminder
	var seconds int64
	var enabled int
	var lastSent, nextDue sql.NullString
	var created, updated string
	if err := row.Scan(&r.ID, &r.Recipient, &r.Body, &seconds, &enabled,
		&lastSent, &nextDue, &created, &updated); err != nil {
		return Reminder{}, err
	}
	r.Interval = time.Duration(seconds) * time.Second
	r.Enabled = enabled != 0
	r.LastSentAt = scanTime(lastSent)
	r.NextDueAt = scanTime(nextDue)
	if t, err := parseTime(created); err == nil {
		r.CreatedAt = t
	}
	if t, err := parseTime(updated); err == nil {
		r.UpdatedAt = t
	}
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

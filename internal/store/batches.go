package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"smsd/internal/contact"
	"smsd/pkg/logx"
)

const (
	BatchStatusPending             = "pending"
	BatchStatusProcessing          = "processing"
	BatchStatusCompleted           = "completed"
	BatchStatusCompletedWithErrors = "completed_with_errors"
	BatchStatusFailed              = "failed"
)

const (
	RecipientStatusPending = "pending"
	RecipientStatusSent    = "sent"
	RecipientStatusFailed  = "failed"
	RecipientStatusInvalid = "invalid"
)

// ErrInvalidRecipient is the fixed error recorded on rows whose address
// failed normalization or pattern validation.
const ErrInvalidRecipient = "invalid phone number"

var ErrNoRecipients = errors.New("batch has no usable recipients")
var ErrEmptyBody = errors.New("batch body must not be empty")

type Batch struct {
	ID          string
	Body        string
	Sender      string
	Status      string
	Error       string
	Total       int
	Sent        int
	Failed      int
	Invalid     int
	CreatedAt   time.Time
	ScheduledAt *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Pending is derived, never stored, so it cannot drift from the counters.
func (b Batch) Pending() int { return b.Total - b.Sent - b.Failed - b.Invalid }

type BatchRecipient struct {
	ID                int64
	BatchID           string
	RawAddress        string
	NormalizedAddress string // empty when normalization failed
	Status            string
	ProviderID        string
	Error             string
	CreatedAt         time.Time
	SentAt            *time.Time
}

// CreateBatch persists a batch with a fixed, immutable recipient set.
// Recipients are normalized and deduplicated by normalized address (raw,
// lower-cased, when normalization fails); duplicates are skipped, and
// recipients that fail normalization are stored as invalid immediately.
func (s *Store) CreateBatch(ctx context.Context, body string, recipients []string, sender string, scheduledAt *time.Time) (Batch, error) {
	if strings.TrimSpace(body) == "" {
		return Batch{}, ErrEmptyBody
	}

	type cleaned struct {
		raw        string
		normalized string // empty when invalid
	}
	seen := map[string]struct{}{}
	var rows []cleaned
	invalid := 0
	for _, raw := range recipients {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		key := contact.Normalize(raw)
		valid := contact.IsPhone(raw)
		dedupKey := key
		if !valid || dedupKey == "" {
			dedupKey = strings.ToLower(raw)
		}
		if _, dup := seen[dedupKey]; dup {
			s.log.Debug("batch recipient skipped as duplicate", logx.String("raw", raw))
			continue
		}
		seen[dedupKey] = struct{}{}
		if !valid {
			invalid++
			rows = append(rows, cleaned{raw: raw})
			continue
		}
		rows = append(rows, cleaned{raw: raw, normalized: key})
	}
	if len(rows) == 0 {
		return Batch{}, ErrNoRecipients
	}

	now := time.Now()
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Batch{}, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO broadcast_batches (id, body, sender, status, total_count, invalid_count, created_at, scheduled_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?, ?)`,
		id, body, sender, len(rows), invalid, fmtTime(now), nullTime(scheduledAt))
	if err != nil {
		return Batch{}, err
	}

	for _, r := range rows {
		status := RecipientStatusPending
		var errText any
		if r.normalized == "" {
			status = RecipientStatusInvalid
			errText = ErrInvalidRecipient
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO broadcast_recipients (batch_id, raw_address, normalized_address, status, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, r.raw, nullStr(r.normalized), status, errText, fmtTime(now))
		if err != nil {
			return Batch{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Batch{}, err
	}
	return s.GetBatch(ctx, id)
}

// ReserveNextBatch atomically claims the oldest due pending batch. The
// conditional UPDATE guarded on status='pending' plus the affected-row check
// is the sole concurrency-safety mechanism: when two pollers race, exactly
// one sees an affected row and the other gets nil.
//
// A pending batch qualifies once its scheduled time has arrived and it
// either still has a pending recipient or consists solely of invalid rows
// (which the processor finalizes without sending).
func (s *Store) ReserveNextBatch(ctx context.Context) (*Batch, error) {
	nowStr := fmtTime(time.Now())
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM broadcast_batches b
		WHERE status = 'pending'
		  AND (scheduled_at IS NULL OR scheduled_at <= ?)
		  AND (EXISTS (SELECT 1 FROM broadcast_recipients r WHERE r.batch_id = b.id AND r.status = 'pending')
		       OR NOT EXISTS (SELECT 1 FROM broadcast_recipients r WHERE r.batch_id = b.id AND r.status IN ('pending', 'sent', 'failed')))
		ORDER BY created_at ASC LIMIT 1`, nowStr).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE broadcast_batches SET status = 'processing', started_at = ?
		WHERE id = ? AND status = 'pending'`, nowStr, id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Lost the race to a concurrent reservation.
		return nil, nil
	}

	b, err := s.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (Batch, error) {
	row := s.db.QueryRowContext(ctx, batchSelect+` WHERE id = ?`, id)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return Batch{}, ErrNotFound
	}
	return b, err
}

func (s *Store) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, batchSelect+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// PendingRecipients returns the batch's unprocessed rows in insertion order.
func (s *Store) PendingRecipients(ctx context.Context, batchID string) ([]BatchRecipient, error) {
	rows, err := s.db.QueryContext(ctx,
		recipientSelect+` WHERE batch_id = ? AND status = 'pending' ORDER BY id ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecipients(rows)
}

func (s *Store) BatchRecipients(ctx context.Context, batchID string) ([]BatchRecipient, error) {
	rows, err := s.db.QueryContext(ctx,
		recipientSelect+` WHERE batch_id = ? ORDER BY id ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecipients(rows)
}

func (s *Store) UpdateRecipient(ctx context.Context, id int64, status, providerID, errText string, sentAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE broadcast_recipients SET status = ?, provider_id = ?, error = ?, sent_at = ?
		WHERE id = ?`,
		status, nullStr(providerID), nullStr(errText), nullTime(sentAt), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// RecalcBatchCounters recomputes the counters from the authoritative
// per-recipient rows in one statement, so they can never drift.
func (s *Store) RecalcBatchCounters(ctx context.Context, batchID string) (Batch, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE broadcast_batches SET
			total_count   = (SELECT COUNT(*) FROM broadcast_recipients WHERE batch_id = ?),
			sent_count    = (SELECT COUNT(*) FROM broadcast_recipients WHERE batch_id = ? AND status = 'sent'),
			failed_count  = (SELECT COUNT(*) FROM broadcast_recipients WHERE batch_id = ? AND status = 'failed'),
			invalid_count = (SELECT COUNT(*) FROM broadcast_recipients WHERE batch_id = ? AND status = 'invalid')
		WHERE id = ?`,
		batchID, batchID, batchID, batchID, batchID)
	if err != nil {
		return Batch{}, err
	}
	return s.GetBatch(ctx, batchID)
}

func (s *Store) UpdateBatchStatus(ctx context.Context, batchID, status, errText string, completedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE broadcast_batches SET status = ?, error = ?, completed_at = ?
		WHERE id = ?`,
		status, nullStr(errText), nullTime(completedAt), batchID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

const batchSelect = `
	SELECT id, body, sender, status, error, total_count, sent_count, failed_count, invalid_count,
	       created_at, scheduled_at, started_at, completed_at
	FROM broadcast_batches`

const recipientSelect = `
	SELECT id, batch_id, raw_address, normalized_address, status, provider_id, error, created_at, sent_at
	FROM broadcast_recipients`

func scanBatch(row rowScanner) (Batch, error) {
	var b Batch
	var errText, scheduled, started, completed sql.NullString
	var created string
	if err := row.Scan(&b.ID, &b.Body, &b.Sender, &b.Status, &errText,
		&b.Total, &b.Sent, &b.Failed, &b.Invalid,
		&created, &scheduled, &started, &completed); err != nil {
		return Batch{}, err
	}
	b.Error = errText.String
	if t, err := parseTime(created); err == nil {
		b.CreatedAt = t
	}
	b.ScheduledAt = scanTime(scheduled)
	b.StartedAt = scanTime(started)
	b.CompletedAt = scanTime(completed)
	return b, nil
}

func scanRecipients(rows *sql.Rows) ([]BatchRecipient, error) {
	var out []BatchRecipient
	for rows.Next() {
		var r BatchRecipient
		var normalized, providerID, errText, sentAt sql.NullString
		var created string
		if err := rows.Scan(&r.ID, &r.BatchID, &r.RawAddress, &normalized, &r.Status,
			&providerID, &errText, &created, &sentAt); err != nil {
			return nil, err
		}
		r.NormalizedAddress = normalized.String
		r.ProviderID = providerID.String
		r.Error = errText.String
		if t, err := parseTime(created); err == nil {
			r.CreatedAt = t
		}
		r.SentAt = scanTime(sentAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

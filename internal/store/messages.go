package store

import (
	"context"
	"database/sql"
	"time"

	"smsd/internal/contact"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

const (
	MessageStatusQueued   = "queued"
	MessageStatusSent     = "sent"
	MessageStatusFailed   = "failed"
	MessageStatusReceived = "received"
)

// reconcileWindow is how far a placeholder record's creation time may drift
// from the provider-confirmed creation time and still be treated as the same
// message.
const reconcileWindow = 600 * time.Second

type Message struct {
	ID         int64
	ProviderID string // empty when the provider has not assigned one yet
	Direction  string
	Sender     string
	Recipient  string
	Body       string
	Status     string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type MessageParams struct {
	ProviderID string
	Direction  string
	Sender     string
	Recipient  string
	Body       string
	Status     string
	Error      string
	CreatedAt  time.Time // zero means now
}

// UpsertMessage reconciles externally-assigned identifiers with records that
// may already exist:
//
//  1. a record with the same provider identifier is updated in place;
//  2. otherwise the newest placeholder (same direction/sender/recipient, no
//     identifier, created within the reconcile window) gets the identifier
//     attached;
//  3. otherwise a new record is inserted. A uniqueness conflict during the
//     insert means a concurrent writer won with the same identifier, so the
//     insert falls back to updating that row.
func (s *Store) UpsertMessage(ctx context.Context, p MessageParams) (int64, error) {
	now := time.Now()
	created := p.CreatedAt
	if created.IsZero() {
		created = now
	}

	if p.ProviderID == "" {
		return s.InsertMessage(ctx, p)
	}

	if id, ok, err := s.updateByProviderID(ctx, p, now); err != nil || ok {
		return id, err
	}

	// Attach the identifier to the newest matching placeholder.
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM messages
		WHERE provider_id IS NULL AND direction = ? AND sender = ? AND recipient = ?
		  AND created_at BETWEEN ? AND ?
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		p.Direction, p.Sender, p.Recipient,
		fmtTime(created.Add(-reconcileWindow)), fmtTime(created.Add(reconcileWindow)),
	).Scan(&id)
	switch {
	case err == nil:
		_, err = s.db.ExecContext(ctx, `
			UPDATE messages SET provider_id = ?, body = ?, status = ?, error = ?, updated_at = ?
			WHERE id = ?`,
			p.ProviderID, p.Body, p.Status, nullStr(p.Error), fmtTime(now), id)
		return id, err
	case err != sql.ErrNoRows:
		return 0, err
	}

	id, err = s.insert(ctx, p, created, now)
	if isUniqueViolation(err) {
		if id2, ok, err2 := s.updateByProviderID(ctx, p, now); err2 == nil && ok {
			return id2, nil
		}
	}
	return id, err
}

// InsertMessage is an unconditional insert with no reconciliation; use it
// when identifier collision is not a concern.
func (s *Store) InsertMessage(ctx context.Context, p MessageParams) (int64, error) {
	now := time.Now()
	created := p.CreatedAt
	if created.IsZero() {
		created = now
	}
	return s.insert(ctx, p, created, now)
}

func (s *Store) insert(ctx context.Context, p MessageParams, created, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (provider_id, direction, sender, recipient, body, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullStr(p.ProviderID), p.Direction, p.Sender, p.Recipient, p.Body, p.Status,
		nullStr(p.Error), fmtTime(created), fmtTime(now))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) updateByProviderID(ctx context.Context, p MessageParams, now time.Time) (int64, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET body = ?, status = ?, error = ?, updated_at = ?
		WHERE provider_id = ?`,
		p.Body, p.Status, nullStr(p.Error), fmtTime(now), p.ProviderID)
	if err != nil {
		return 0, false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return 0, false, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM messages WHERE provider_id = ?`, p.ProviderID).Scan(&id)
	return id, err == nil, err
}

// UpdateMessageStatusByProviderID applies an asynchronous delivery-status
// callback. Returns false when no record carries the identifier.
func (s *Store) UpdateMessageStatusByProviderID(ctx context.Context, providerID, status, errText string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, error = ?, updated_at = ?
		WHERE provider_id = ?`,
		status, nullStr(errText), fmtTime(time.Now()), providerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) ListMessages(ctx context.Context, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_id, direction, sender, recipient, body, status, error, created_at, updated_at
		FROM messages ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListInboundAfter returns inbound records newer than lastID, oldest first.
func (s *Store) ListInboundAfter(ctx context.Context, lastID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_id, direction, sender, recipient, body, status, error, created_at, updated_at
		FROM messages WHERE direction = 'inbound' AND id > ?
		ORDER BY id ASC LIMIT ?`, lastID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesByContact returns the conversation with one counterpart, oldest
// first. The lookup goes through the store-side normalizer expression so it
// matches rows regardless of how the address was formatted at write time.
func (s *Store) MessagesByContact(ctx context.Context, addr string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	key := contact.Normalize(addr)
	q := `
		SELECT id, provider_id, direction, sender, recipient, body, status, error, created_at, updated_at
		FROM messages
		WHERE ` + contact.SQLExpr("sender") + ` = ? OR ` + contact.SQLExpr("recipient") + ` = ?
		ORDER BY id ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, key, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

type Conversation struct {
	Contact      string
	MessageCount int64
	LastBody     string
	LastAt       time.Time
}

// ListConversations groups messages by normalized counterpart address,
// most recently active first.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	// The counterpart of an inbound message is its sender; of an outbound
	// message, its recipient.
	counterpart := "CASE direction WHEN 'inbound' THEN sender ELSE recipient END"
	q := `
		SELECT key, COUNT(*) AS n, body, MAX(created_at) AS last_at
		FROM (SELECT ` + contact.SQLExpr(counterpart) + ` AS key, body, created_at FROM messages)
		WHERE key <> ''
		GROUP BY key ORDER BY last_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var lastAt string
		if err := rows.Scan(&c.Contact, &c.MessageCount, &c.LastBody, &lastAt); err != nil {
			return nil, err
		}
		if t, err := parseTime(lastAt); err == nil {
			c.LastAt = t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type Stats struct {
	Total    int64
	Inbound  int64
	Outbound int64
	Failed   int64
	ByStatus map[string]int64
}

func (s *Store) MessageStats(ctx context.Context) (Stats, error) {
	st := Stats{ByStatus: map[string]int64{}}
	rows, err := s.db.QueryContext(ctx, `
		SELECT direction, status, COUNT(*) FROM messages GROUP BY direction, status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var direction, status string
		var n int64
		if err := rows.Scan(&direction, &status, &n); err != nil {
			return st, err
		}
		st.Total += n
		switch direction {
		case DirectionInbound:
			st.Inbound += n
		case DirectionOutbound:
			st.Outbound += n
		}
		if status == MessageStatusFailed {
			st.Failed += n
		}
		st.ByStatus[status] += n
	}
	return st, rows.Err()
}

// PruneMessagesBefore deletes terminal message rows older than the cutoff.
// Used by the retention job; administrative deletes go elsewhere.
func (s *Store) PruneMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var providerID, errText sql.NullString
		var created, updated string
		if err := rows.Scan(&m.ID, &providerID, &m.Direction, &m.Sender, &m.Recipient,
			&m.Body, &m.Status, &errText, &created, &updated); err != nil {
			return nil, err
		}
		m.ProviderID = providerID.String
		m.Error = errText.String
		if t, err := parseTime(created); err == nil {
			m.CreatedAt = t
		}
		if t, err := parseTime(updated); err == nil {
			m.UpdatedAt = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"time"
)

// AutoReplySettings is the singleton auto-reply configuration. The worker
// re-reads it on every dequeue so administrative changes apply immediately.
type AutoReplySettings struct {
	Enabled      bool
	Message      string
	EnabledSince *time.Time
}

func (s *Store) AutoReplyConfig(ctx context.Context) (AutoReplySettings, error) {
	var cfg AutoReplySettings
	var enabled int
	var since sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, message, enabled_since FROM autoreply_config WHERE id = 1`,
	).Scan(&enabled, &cfg.Message, &since)
	if err != nil {
		return cfg, err
	}
	cfg.Enabled = enabled != 0
	cfg.EnabledSince = scanTime(since)
	return cfg, nil
}

// SetAutoReplyConfig replaces the singleton. Turning auto-reply on stamps
// enabled_since; turning it off clears it.
func (s *Store) SetAutoReplyConfig(ctx context.Context, enabled bool, message string) error {
	var since any
	if enabled {
		since = fmtTime(time.Now())
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE autoreply_config SET enabled = ?, message = ?, enabled_since = ? WHERE id = 1`,
		boolInt(enabled), message, since)
	return err
}

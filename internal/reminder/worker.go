// Package reminder fires durable one-recipient reminder definitions on
// their repeat intervals.
package reminder

import (
	"context"
	"strings"
	"time"

	"smsd/internal/contact"
	"smsd/internal/provider"
	"smsd/internal/store"
	"smsd/pkg/logx"
)

type Config struct {
	Interval  time.Duration // default 5s
	BatchSize int           // due items fetched per tick; default 50
	Sender    string        // sender identity; empty blocks sends
}

// Worker polls for due reminders and fires them. A definition fires at most
// once per interval regardless of outcome: the schedule advances on success,
// on send failure, and on validation failure, so no due item can wedge the
// loop.
type Worker struct {
	store  *store.Store
	client provider.Client
	cfg    Config
	log    logx.Logger
}

func New(st *store.Store, client provider.Client, cfg Config, log logx.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{store: st, client: client, cfg: cfg, log: log}
}

func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("reminder scheduler started", logx.Duration("interval", w.cfg.Interval))
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	due, err := w.store.DueReminders(ctx, w.cfg.BatchSize)
	if err != nil {
		w.log.Error("due reminder query failed", logx.Err(err))
		return
	}
	for _, r := range due {
		w.fire(ctx, r)
	}
}

func (w *Worker) fire(ctx context.Context, r store.Reminder) {
	// Validation failures still advance the schedule; otherwise a broken
	// definition would come back due every tick forever.
	to := contact.Normalize(r.Recipient)
	switch {
	case !contact.IsPhone(r.Recipient):
		w.log.Warn("reminder recipient failed validation; skipping send",
			logx.Int64("reminder", r.ID), logx.String("recipient", r.Recipient))
		w.advance(ctx, r)
		return
	case strings.TrimSpace(r.Body) == "":
		w.log.Warn("reminder body empty; skipping send", logx.Int64("reminder", r.ID))
		w.advance(ctx, r)
		return
	case strings.TrimSpace(w.cfg.Sender) == "":
		w.log.Warn("no sender identity configured; skipping send", logx.Int64("reminder", r.ID))
		w.advance(ctx, r)
		return
	}

	receipt, err := w.client.Send(ctx, to, r.Body, w.cfg.Sender)
	if err != nil {
		w.log.Warn("reminder send failed", logx.Int64("reminder", r.ID), logx.String("to", to), logx.Err(err))
		if _, perr := w.store.InsertMessage(ctx, store.MessageParams{
			Direction: store.DirectionOutbound,
			Sender:    w.cfg.Sender,
			Recipient: to,
			Body:      r.Body,
			Status:    store.MessageStatusFailed,
			Error:     err.Error(),
		}); perr != nil {
			w.log.Error("reminder failure persist failed", logx.Int64("reminder", r.ID), logx.Err(perr))
		}
		w.advance(ctx, r)
		return
	}

	if _, perr := w.store.UpsertMessage(ctx, store.MessageParams{
		ProviderID: receipt.ProviderID,
		Direction:  store.DirectionOutbound,
		Sender:     w.cfg.Sender,
		Recipient:  to,
		Body:       r.Body,
		Status:     receipt.Status,
	}); perr != nil {
		w.log.Error("reminder persist failed", logx.Int64("reminder", r.ID), logx.Err(perr))
	}
	w.advance(ctx, r)
	w.log.Info("reminder sent", logx.Int64("reminder", r.ID), logx.String("to", to),
		logx.String("provider_id", receipt.ProviderID))
}

func (w *Worker) advance(ctx context.Context, r store.Reminder) {
	if err := w.store.MarkReminderSent(ctx, r.ID, r.Interval); err != nil {
		w.log.Error("reminder reschedule failed", logx.Int64("reminder", r.ID), logx.Err(err))
	}
}

// Package broadcast processes multi-recipient send batches: reserve one
// pending batch at a time, walk its recipients in insertion order, and
// finalize the batch from the per-recipient outcomes.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"smsd/internal/contact"
	"smsd/internal/provider"
	"smsd/internal/store"
	"smsd/pkg/logx"
)

type Config struct {
	Interval time.Duration // default 2s

	// MessagesPerSecond paces successful sends; 0 disables pacing.
	MessagesPerSecond float64
}

// Worker is the batch processor. At most one batch is processing
// system-wide at a time; the store's conditional-update reservation
// enforces that, not any in-process lock.
type Worker struct {
	store   *store.Store
	client  provider.Client
	limiter *rate.Limiter // nil when unpaced
	cfg     Config
	log     logx.Logger
}

func New(st *store.Store, client provider.Client, cfg Config, log logx.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Worker{store: st, client: client, cfg: cfg, log: log}
	if cfg.MessagesPerSecond > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), 1)
	}
	return w
}

func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("broadcast processor started", logx.Duration("interval", w.cfg.Interval))
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
	batch, err := w.store.ReserveNextBatch(ctx)
	if err != nil {
		w.log.Error("batch reservation failed", logx.Err(err))
		return
	}
	if batch == nil {
		return
	}
	w.process(ctx, batch)
}

func (w *Worker) process(ctx context.Context, b *store.Batch) {
	start := time.Now()
	w.log.Info("batch processing started", logx.String("batch", b.ID), logx.Int("total", b.Total))

	recipients, err := w.store.PendingRecipients(ctx, b.ID)
	if err != nil {
		w.fail(ctx, b.ID, fmt.Errorf("listing pending recipients: %w", err))
		return
	}

	// All recipients may already be terminal (e.g. every address was
	// invalid at creation); finalize straight away.
	if len(recipients) == 0 {
		w.finalize(ctx, b.ID, start)
		return
	}

	for _, r := range recipients {
		if err := w.sendOne(ctx, b, r); err != nil {
			// Store-level failure: finalize as failed rather than leaving
			// the batch stuck in processing.
			w.fail(ctx, b.ID, err)
			return
		}
	}
	w.finalize(ctx, b.ID, start)
}

// sendOne handles a single recipient. Its error return is reserved for
// store failures; provider and validation outcomes are recorded on the row.
func (w *Worker) sendOne(ctx context.Context, b *store.Batch, r store.BatchRecipient) error {
	now := time.Now()
	if !contact.IsPhone(r.NormalizedAddress) {
		return w.store.UpdateRecipient(ctx, r.ID, store.RecipientStatusInvalid, "", store.ErrInvalidRecipient, &now)
	}

	receipt, err := w.client.Send(ctx, r.NormalizedAddress, b.Body, b.Sender)
	if err != nil {
		var pe *provider.Error
		errText := err.Error()
		if errors.As(err, &pe) {
			errText = pe.Summary()
		}
		w.log.Warn("batch recipient send failed", logx.String("batch", b.ID),
			logx.String("to", r.NormalizedAddress), logx.Err(err))
		now = time.Now()
		return w.store.UpdateRecipient(ctx, r.ID, store.RecipientStatusFailed, "", errText, &now)
	}

	now = time.Now()
	if err := w.store.UpdateRecipient(ctx, r.ID, store.RecipientStatusSent, receipt.ProviderID, "", &now); err != nil {
		return err
	}
	if _, err := w.store.UpsertMessage(ctx, store.MessageParams{
		ProviderID: receipt.ProviderID,
		Direction:  store.DirectionOutbound,
		Sender:     b.Sender,
		Recipient:  r.NormalizedAddress,
		Body:       b.Body,
		Status:     receipt.Status,
	}); err != nil {
		return err
	}

	// Pace after each successful send to respect provider rate limits.
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) finalize(ctx context.Context, batchID string, start time.Time) {
	b, err := w.store.RecalcBatchCounters(ctx, batchID)
	if err != nil {
		w.fail(ctx, batchID, fmt.Errorf("recomputing counters: %w", err))
		return
	}

	status := store.BatchStatusCompleted
	var errText string
	switch {
	case b.Total == 0 || b.Sent == b.Total:
		status = store.BatchStatusCompleted
	case b.Failed == b.Total:
		status = store.BatchStatusFailed
		errText = fmt.Sprintf("all %d recipients failed", b.Total)
	case b.Failed > 0:
		status = store.BatchStatusCompletedWithErrors
		errText = fmt.Sprintf("%d of %d recipients failed", b.Failed, b.Total)
	case b.Pending() > 0:
		// Should not normally happen within one tick, but processing is
		// the correct state when recipients remain.
		w.log.Warn("batch still has pending recipients after pass",
			logx.String("batch", b.ID), logx.Int("pending", b.Pending()))
		return
	case b.Invalid == b.Total:
		status = store.BatchStatusCompletedWithErrors
		errText = fmt.Sprintf("all %d recipients invalid", b.Total)
	}

	now := time.Now()
	if err := w.store.UpdateBatchStatus(ctx, b.ID, status, errText, &now); err != nil {
		w.log.Error("batch finalize failed", logx.String("batch", b.ID), logx.Err(err))
		return
	}
	w.log.Info("batch processing finished", logx.String("batch", b.ID),
		logx.String("status", status), logx.Int("sent", b.Sent), logx.Int("failed", b.Failed),
		logx.Int("invalid", b.Invalid), logx.Duration("dur", time.Since(start)))
}

// fail finalizes a batch after a batch-level error so it never sticks in
// processing.
func (w *Worker) fail(ctx context.Context, batchID string, cause error) {
	w.log.Error("batch processing failed", logx.String("batch", batchID), logx.Err(cause))
	if _, err := w.store.RecalcBatchCounters(ctx, batchID); err != nil {
		w.log.Error("batch counter recompute failed", logx.String("batch", batchID), logx.Err(err))
	}
	now := time.Now()
	if err := w.store.UpdateBatchStatus(ctx, batchID, store.BatchStatusFailed, cause.Error(), &now); err != nil {
		w.log.Error("batch failure persist failed", logx.String("batch", batchID), logx.Err(err))
	}
}

package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"smsd/internal/contact"
	"smsd/internal/provider"
	"smsd/internal/store"
	"smsd/pkg/logx"
)

// AnswerRequest describes one digest generation call.
type AnswerRequest struct {
	Query           string
	PerCategoryTopK int
	AllCategories   bool
}

type AnswerResult struct {
	Success bool
	Answer  string
}

// AnswerService generates digest text from stored knowledge. Implementations
// live outside this process core.
type AnswerService interface {
	Answer(ctx context.Context, req AnswerRequest) (AnswerResult, error)
}

type Config struct {
	Interval time.Duration // default 60s

	// Window is the tolerance around each recipient's send time; default 1m.
	Window time.Duration

	PerCategoryTopK int    // default 5
	DefaultQuery    string // used when a recipient has no prompt
	Sender          string
}

type Worker struct {
	manager *Manager
	store   *store.Store
	client  provider.Client
	answers AnswerService
	cfg     Config
	log     logx.Logger

	// now is swappable in tests.
	now func() time.Time
}

func New(m *Manager, st *store.Store, client provider.Client, answers AnswerService, cfg Config, log logx.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.PerCategoryTopK <= 0 {
		cfg.PerCategoryTopK = 5
	}
	if cfg.DefaultQuery == "" {
		cfg.DefaultQuery = "Summarize today's most important updates."
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{
		manager: m,
		store:   st,
		client:  client,
		answers: answers,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("notification scheduler started", logx.Duration("interval", w.cfg.Interval))
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
	now := w.now()
	for _, r := range w.manager.Recipients() {
		if !r.Enabled {
			continue
		}
		due, err := w.due(r, now)
		if err != nil {
			w.log.Warn("notification recipient skipped", logx.String("recipient", r.ID), logx.Err(err))
			continue
		}
		if !due {
			continue
		}
		if !contact.IsPhone(r.Phone) {
			w.log.Warn("notification recipient has invalid phone",
				logx.String("recipient", r.ID), logx.String("phone", r.Phone))
			continue
		}
		w.dispatch(ctx, r, now)
	}
}

// due reports whether the recipient's send window is open and it has not
// already been served today (local calendar date).
func (w *Worker) due(r Recipient, now time.Time) (bool, error) {
	hour, minute, err := parseHHMM(r.SendTime)
	if err != nil {
		return false, err
	}
	if r.LastSentAt != nil && sameLocalDay(*r.LastSentAt, now) {
		return false, nil
	}
	target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	diff := now.Sub(target)
	if diff < 0 {
		diff = -diff
	}
	return diff <= w.cfg.Window, nil
}

func (w *Worker) dispatch(ctx context.Context, r Recipient, now time.Time) {
	query := strings.TrimSpace(r.Prompt)
	if query == "" {
		query = w.cfg.DefaultQuery
	}
	if !r.AllCategories && r.Topic != "" {
		query = fmt.Sprintf("%s (topic: %s)", query, r.Topic)
	}

	res, err := w.answers.Answer(ctx, AnswerRequest{
		Query:           query,
		PerCategoryTopK: w.cfg.PerCategoryTopK,
		AllCategories:   r.AllCategories,
	})
	if err != nil {
		w.log.Error("digest generation failed", logx.String("recipient", r.ID), logx.Err(err))
		return
	}
	if !res.Success || strings.TrimSpace(res.Answer) == "" {
		w.log.Warn("digest generation returned no answer", logx.String("recipient", r.ID))
		return
	}

	to := contact.Normalize(r.Phone)
	body := fmt.Sprintf("Daily digest %s\n\n%s", now.Format("2006-01-02"), res.Answer)
	receipt, err := w.client.Send(ctx, to, body, w.cfg.Sender)
	if err != nil {
		w.log.Error("notification send failed", logx.String("recipient", r.ID), logx.Err(err))
		return
	}

	if _, err := w.store.UpsertMessage(ctx, store.MessageParams{
		ProviderID: receipt.ProviderID,
		Direction:  store.DirectionOutbound,
		Sender:     w.cfg.Sender,
		Recipient:  to,
		Body:       body,
		Status:     receipt.Status,
	}); err != nil {
		w.log.Error("notification message persist failed", logx.String("recipient", r.ID), logx.Err(err))
	}

	// The watermark is stamped only after provider-confirmed success and is
	// flushed to disk before this tick ends.
	if err := w.manager.SetLastSent(r.ID, now); err != nil {
		w.log.Error("notification watermark persist failed", logx.String("recipient", r.ID), logx.Err(err))
		return
	}
	w.log.Info("notification sent", logx.String("recipient", r.ID), logx.String("to", to))
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

func sameLocalDay(a, b time.Time) bool {
	ay, am, ad := a.Local().Date()
	by, bm, bd := b.Local().Date()
	return ay == by && am == bm && ad == bd
}

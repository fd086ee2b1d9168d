package autoreply

import (
	"context"
	"strings"
	"time"

	"smsd/internal/contact"
	"smsd/internal/provider"
	"smsd/internal/store"
	"smsd/pkg/logx"
)

const historyDepth = 20

type WorkerConfig struct {
	// WaitTimeout bounds each queue wait; default 2s.
	WaitTimeout time.Duration
	// RecentCap bounds the processed-identifier memory; default 256.
	RecentCap int
	// Sender is the fallback sender identity when the inbound payload does
	// not carry one.
	Sender string
}

// Worker drains the dispatch queue and replies to inbound messages using
// the selected strategy. It runs for the lifetime of the process; every
// per-item failure is logged and swallowed.
type Worker struct {
	store    *store.Store
	client   provider.Client
	producer ReplyProducer
	queue    *Queue
	recent   *recentSet
	cfg      WorkerConfig
	log      logx.Logger
}

func NewWorker(st *store.Store, client provider.Client, producer ReplyProducer, queue *Queue, cfg WorkerConfig, log logx.Logger) *Worker {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{
		store:    st,
		client:   client,
		producer: producer,
		queue:    queue,
		recent:   newRecentSet(cfg.RecentCap),
		cfg:      cfg,
		log:      log,
	}
}

func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("auto-reply worker started", logx.Duration("wait_timeout", w.cfg.WaitTimeout))
	for {
		if ctx.Err() != nil {
			return nil
		}
		p, ok := w.queue.Dequeue(ctx, w.cfg.WaitTimeout)
		if !ok {
			continue
		}
		w.handle(ctx, p)
	}
}

func (w *Worker) handle(ctx context.Context, p Payload) {
	cfg, err := w.store.AutoReplyConfig(ctx)
	if err != nil {
		w.log.Error("auto-reply config read failed", logx.Err(err))
		return
	}
	if !cfg.Enabled || strings.TrimSpace(cfg.Message) == "" {
		w.log.Debug("auto-reply disabled or empty; skipping", logx.String("from", p.From))
		return
	}

	to := contact.Normalize(p.From)
	if !contact.IsPhone(p.From) {
		w.log.Warn("auto-reply sender failed validation; skipping", logx.String("from", p.From))
		return
	}

	if p.ProviderID != "" && w.recent.Has(p.ProviderID) {
		w.log.Debug("auto-reply already processed; skipping", logx.String("provider_id", p.ProviderID))
		return
	}

	history, err := w.store.MessagesByContact(ctx, to, historyDepth)
	if err != nil {
		w.log.Error("auto-reply history read failed", logx.Err(err))
		history = nil
	}

	sender := p.To
	if sender == "" {
		sender = w.cfg.Sender
	}

	body, err := w.producer.ProduceReply(ctx, cfg.Message, history, p.Body)
	if err != nil {
		w.log.Warn("reply generation failed", logx.String("to", to), logx.Err(err))
		w.persistFailure(ctx, sender, to, cfg.Message, err.Error())
		return
	}

	receipt, err := w.client.Send(ctx, to, body, sender)
	if err != nil {
		w.log.Warn("auto-reply send failed", logx.String("to", to), logx.Err(err))
		w.persistFailure(ctx, sender, to, body, err.Error())
		return
	}

	w.recent.Add(p.ProviderID)
	_, err = w.store.UpsertMessage(ctx, store.MessageParams{
		ProviderID: receipt.ProviderID,
		Direction:  store.DirectionOutbound,
		Sender:     sender,
		Recipient:  to,
		Body:       body,
		Status:     receipt.Status,
	})
	if err != nil {
		w.log.Error("auto-reply persist failed", logx.String("to", to), logx.Err(err))
	}
	w.log.Info("auto-reply sent", logx.String("to", to), logx.String("provider_id", receipt.ProviderID))
}

func (w *Worker) persistFailure(ctx context.Context, sender, to, body, errText string) {
	_, err := w.store.InsertMessage(ctx, store.MessageParams{
		Direction: store.DirectionOutbound,
		Sender:    sender,
		Recipient: to,
		Body:      body,
		Status:    store.MessageStatusFailed,
		Error:     errText,
	})
	if err != nil {
		w.log.Error("auto-reply failure persist failed", logx.String("to", to), logx.Err(err))
	}
}

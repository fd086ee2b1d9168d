// Package app assembles the dispatcher: config, logging, store, provider
// client, and the four background workers.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"smsd/internal/autoreply"
	"smsd/internal/broadcast"
	"smsd/internal/config"
	"smsd/internal/notify"
	"smsd/internal/provider"
	"smsd/internal/reminder"
	"smsd/internal/runtime/supervisor"
	"smsd/internal/store"
	"smsd/pkg/logx"
)

const providerTokenEnv = "SMSD_PROVIDER_TOKEN"

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store  *store.Store
	client provider.Client
	queue  *autoreply.Queue

	notifyMgr *notify.Manager

	// Optional capabilities, injected before Start.
	textGen autoreply.TextGenerator
	answers notify.AnswerService

	cron *cron.Cron

	started bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	token := strings.TrimSpace(cfg.Provider.Token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(providerTokenEnv))
	}
	provTimeout, err := config.ParseDurationOrDefault("provider.timeout", cfg.Provider.Timeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	client, err := provider.NewHTTPClient(provider.HTTPConfig{
		URL:     cfg.Provider.URL,
		Token:   token,
		Timeout: provTimeout,
	}, log.With(logx.String("comp", "provider")))
	if err != nil {
		return nil, err
	}

	queue := autoreply.NewQueue(cfg.AutoReply.QueueSize, log.With(logx.String("comp", "autoreply")))

	var notifyMgr *notify.Manager
	if cfg.Notify.Enabled {
		path := cfg.Notify.Path
		if strings.TrimSpace(path) == "" {
			path = "./notifications.yaml"
		}
		notifyMgr = notify.NewManager(path)
		if err := notifyMgr.Load(); err != nil {
			return nil, err
		}
	}

	return &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		store:     st,
		client:    client,
		queue:     queue,
		notifyMgr: notifyMgr,
	}, nil
}

// Queue exposes the inbound dispatch queue for the receive path.
func (a *App) Queue() *autoreply.Queue { return a.queue }

func (a *App) Store() *store.Store { return a.store }

// SetTextGenerator installs the reply-text generator backing the "ai"
// auto-reply strategy. Must be called before Start.
func (a *App) SetTextGenerator(g autoreply.TextGenerator) { a.textGen = g }

// SetAnswerService installs the digest generator for daily notifications.
// Must be called before Start.
func (a *App) SetAnswerService(s notify.AnswerService) { a.answers = s }

// ReceiveInbound is the entry point for the provider's inbound webhook:
// it persists the inbound record and, when auto-reply is enabled, hands the
// payload to the dispatch queue.
func (a *App) ReceiveInbound(ctx context.Context, providerID, from, to, body string) error {
	_, err := a.store.UpsertMessage(ctx, store.MessageParams{
		ProviderID: providerID,
		Direction:  store.DirectionInbound,
		Sender:     from,
		Recipient:  to,
		Body:       body,
		Status:     store.MessageStatusReceived,
	})
	if err != nil {
		return err
	}

	cfg, err := a.store.AutoReplyConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.Enabled {
		a.queue.Enqueue(autoreply.Payload{ProviderID: providerID, From: from, To: to, Body: body})
	}
	return nil
}

// Start is idempotent; calling it again after a successful start is a no-op.
func (a *App) Start(ctx context.Context) error {
	if a.started {
		return nil
	}
	a.started = true

	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	producer, err := autoreply.SelectProducer(cfg.AutoReply.Strategy, cfg.AutoReply.Keywords, a.textGen)
	if err != nil {
		return err
	}

	arWait, err := config.ParseDurationOrDefault("auto_reply.wait_timeout", cfg.AutoReply.WaitTimeout, 2*time.Second)
	if err != nil {
		return err
	}
	arWorker := autoreply.NewWorker(a.store, a.client, producer, a.queue, autoreply.WorkerConfig{
		WaitTimeout: arWait,
		RecentCap:   cfg.AutoReply.RecentCap,
		Sender:      cfg.Provider.From,
	}, a.log.With(logx.String("comp", "autoreply")))
	a.sup.GoRestart("autoreply.worker", arWorker.Run)

	remInterval, err := config.ParseDurationOrDefault("reminder.interval", cfg.Reminder.Interval, 5*time.Second)
	if err != nil {
		return err
	}
	remWorker := reminder.New(a.store, a.client, reminder.Config{
		Interval:  remInterval,
		BatchSize: cfg.Reminder.BatchSize,
		Sender:    cfg.Provider.From,
	}, a.log.With(logx.String("comp", "reminder")))
	a.sup.GoRestart("reminder.scheduler", remWorker.Run)

	bcInterval, err := config.ParseDurationOrDefault("broadcast.interval", cfg.Broadcast.Interval, 2*time.Second)
	if err != nil {
		return err
	}
	bcWorker := broadcast.New(a.store, a.client, broadcast.Config{
		Interval:          bcInterval,
		MessagesPerSecond: cfg.Broadcast.MessagesPerSecond,
	}, a.log.With(logx.String("comp", "broadcast")))
	a.sup.GoRestart("broadcast.processor", bcWorker.Run)

	if a.notifyMgr != nil {
		if a.answers == nil {
			a.log.Warn("notifications enabled without an answer service, scheduler not started")
		} else {
			nInterval, err := config.ParseDurationOrDefault("notifications.interval", cfg.Notify.Interval, time.Minute)
			if err != nil {
				return err
			}
			nWindow, err := config.ParseDurationOrDefault("notifications.window", cfg.Notify.Window, time.Minute)
			if err != nil {
				return err
			}
			nWorker := notify.New(a.notifyMgr, a.store, a.client, a.answers, notify.Config{
				Interval:        nInterval,
				Window:          nWindow,
				PerCategoryTopK: cfg.Notify.PerCategoryTopK,
				DefaultQuery:    cfg.Notify.DefaultQuery,
				Sender:          cfg.Provider.From,
			}, a.log.With(logx.String("comp", "notify")))
			a.sup.GoRestart("notify.scheduler", nWorker.Run)
		}
	}

	if err := a.startRetention(cfg); err != nil {
		return err
	}

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.apply", func(c context.Context) error {
		updates := a.cfgm.Subscribe(1)
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-c.Done():
				return nil
			case next := <-updates:
				if next == nil {
					continue
				}
				a.logs.Apply(logx.Config{
					Level:   next.Logging.Level,
					Console: next.Logging.Console,
					File: logx.FileConfig{
						Enabled: next.Logging.File.Enabled,
						Path:    next.Logging.File.Path,
					},
				})
				a.log.Info("configuration reloaded")
			}
		}
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("dispatcher started")
	return nil
}

func (a *App) startRetention(cfg *config.Config) error {
	if !cfg.Retention.Enabled {
		return nil
	}
	schedule := strings.TrimSpace(cfg.Retention.Schedule)
	if schedule == "" {
		schedule = "0 4 * * *"
	}
	maxAge := cfg.Retention.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 90
	}

	a.cron = cron.New()
	_, err := a.cron.AddFunc(schedule, func() {
		cutoff := time.Now().UTC().AddDate(0, 0, -maxAge)
		n, err := a.store.PruneMessagesBefore(context.Background(), cutoff)
		if err != nil {
			a.log.Error("message retention prune failed", logx.Err(err))
			return
		}
		a.log.Info("message retention prune finished", logx.Int64("pruned", n))
	})
	if err != nil {
		return fmt.Errorf("retention.schedule: %w", err)
	}
	a.cron.Start()
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.cron != nil {
		stopCtx := a.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}

	var firstErr error
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil {
			firstErr = err
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	a.log.Info("dispatcher stopped")
	return firstErr
}

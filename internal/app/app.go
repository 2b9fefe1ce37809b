// Package app wires the delivery pipeline together: config, logging, queue,
// bot API client, templates, orchestrator, webhook server and maintenance.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bookbot/internal/botapi"
	"bookbot/internal/config"
	"bookbot/internal/eventbus"
	"bookbot/internal/maintenance"
	"bookbot/internal/notify"
	"bookbot/internal/queue"
	"bookbot/internal/template"
	"bookbot/internal/webhook"
	logx "bookbot/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type App struct {
	cfg *config.Config

	log      logx.Logger
	logClose func() error

	bus       eventbus.Bus
	queue     *queue.Queue
	client    *botapi.Client
	templates *template.Engine
	svc       *notify.Service
	server    *webhook.Server
	maint     *maintenance.Service

	cancelWatch context.CancelFunc
	serverErr   chan error
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	log, logClose := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	a, err := build(cfg, log)
	if err != nil {
		_ = logClose()
		return nil, err
	}
	a.logClose = logClose
	return a, nil
}

func build(cfg *config.Config, log logx.Logger) (*App, error) {
	bus := eventbus.New()

	qcfg, err := mapQueueConfig(cfg.Queue)
	if err != nil {
		return nil, err
	}
	q, err := queue.Open(qcfg, log.With(logx.String("comp", "queue")))
	if err != nil {
		return nil, err
	}

	ccfg, err := mapClientConfig(cfg.Bot)
	if err != nil {
		q.Close()
		return nil, err
	}
	client, err := botapi.New(ccfg, log.With(logx.String("comp", "botapi")))
	if err != nil {
		q.Close()
		return nil, err
	}

	templates, err := template.New(template.Config{
		Dir:             cfg.Templates.Dir,
		DefaultLanguage: cfg.Templates.DefaultLanguage,
	}, log.With(logx.String("comp", "templates")))
	if err != nil {
		q.Close()
		return nil, err
	}

	pollInterval, err := config.ParseDurationOrDefault("queue.poll_interval", cfg.Queue.PollInterval, 2*time.Second)
	if err != nil {
		q.Close()
		return nil, err
	}
	svc := notify.New(notify.Config{
		ChatID:          cfg.Notify.ChatID,
		DefaultLanguage: cfg.Templates.DefaultLanguage,
		DefaultPriority: queue.ParsePriority(cfg.Notify.DefaultPriority),
		PollInterval:    pollInterval,
	}, q, client, templates, bus, log.With(logx.String("comp", "notify")))

	router := webhook.NewRouter(log.With(logx.String("comp", "router")))
	webhook.NewHandlers(client, svc, q, nil, log.With(logx.String("comp", "handlers"))).Register(router)

	server := webhook.NewServer(webhook.Config{
		Addr:                cfg.Webhook.Addr,
		Secret:              cfg.Webhook.Secret,
		PublicURL:           cfg.Webhook.PublicURL,
		AdminToken:          cfg.Webhook.AdminToken,
		SenderRatePerMinute: cfg.Webhook.SenderRatePerMinute,
		BlockedSenders:      cfg.Webhook.BlockedSenders,
	}, router, svc, q, bus, log.With(logx.String("comp", "webhook")))

	var maint *maintenance.Service
	if mc := cfg.Maintenance; mc != nil && mc.Enabled {
		retention, err := config.ParseDurationOrDefault("queue.retention", cfg.Queue.Retention, 7*24*time.Hour)
		if err != nil {
			q.Close()
			return nil, err
		}
		maint, err = maintenance.New(maintenance.Config{
			Enabled:         true,
			PruneSchedule:   mc.PruneSchedule,
			MetricsSchedule: mc.MetricsSchedule,
			Timezone:        mc.Timezone,
			Retention:       retention,
		}, q, log.With(logx.String("comp", "maintenance")))
		if err != nil {
			q.Close()
			return nil, err
		}
	}

	return &App{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		queue:     q,
		client:    client,
		templates: templates,
		svc:       svc,
		server:    server,
		maint:     maint,
		serverErr: make(chan error, 1),
	}, nil
}

// Done yields the webhook server's terminal error, if any.
func (a *App) Done() <-chan error { return a.serverErr }

func (a *App) Start(ctx context.Context) error {
	// Verify credentials before anything goes live.
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	acct, err := a.client.GetAccountInfo(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("bot api unreachable: %w", err)
	}
	a.log.Info("bot account verified",
		logx.Int64("id", acct.ID),
		logx.String("username", acct.Username))

	if url := strings.TrimSpace(a.cfg.Webhook.PublicURL); url != "" {
		regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := a.client.SetWebhook(regCtx, url+"/webhook", a.cfg.Webhook.Secret)
		cancel()
		if err != nil {
			return fmt.Errorf("webhook registration: %w", err)
		}
		a.log.Info("webhook registered", logx.String("url", url+"/webhook"))
	}

	if err := a.svc.StartWorker(ctx); err != nil {
		return err
	}

	if a.cfg.Templates.Watch && strings.TrimSpace(a.cfg.Templates.Dir) != "" {
		watchCtx, cancelWatch := context.WithCancel(context.Background())
		a.cancelWatch = cancelWatch
		if err := a.templates.Watch(watchCtx); err != nil {
			a.log.Warn("template watch unavailable", logx.Err(err))
		}
	}

	if a.maint != nil {
		a.maint.Start()
	}

	go func() {
		a.serverErr <- a.server.Start()
	}()

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Bound each shutdown step so one stalled component can't hold the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("webhook", 5*time.Second, a.server.Shutdown)
	step("worker", 10*time.Second, func(c context.Context) error {
		a.svc.StopWorker(c)
		return nil
	})
	if a.maint != nil {
		step("maintenance", 5*time.Second, func(context.Context) error {
			a.maint.Stop()
			return nil
		})
	}
	if a.cancelWatch != nil {
		a.cancelWatch()
	}
	step("queue", 2*time.Second, func(context.Context) error { return a.queue.Close() })

	a.log.Info("stopped")
	if a.logClose != nil {
		_ = a.logClose()
	}
	return nil
}

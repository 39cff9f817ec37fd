// Package pinwatch watches fragments of web pages and notifies the user when
// their text changes. Service wires the store, the triggers, the fetcher,
// the notifier and the scheduler together and exposes them over HTTP and MCP.
package pinwatch

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hazyhaar/pinwatch/capture"
	"github.com/hazyhaar/pinwatch/fetch"
	"github.com/hazyhaar/pinwatch/notify"
	"github.com/hazyhaar/pinwatch/observability"
	"github.com/hazyhaar/pinwatch/scheduler"
	"github.com/hazyhaar/pinwatch/trigger"
	"github.com/hazyhaar/pinwatch/urlguard"
	"github.com/hazyhaar/pinwatch/watch"
	"github.com/hazyhaar/pinwatch/watchlist"
)

// Service is a running pinwatch instance.
type Service struct {
	cfg    *Config
	db     *sql.DB
	logger *slog.Logger

	store    *watchlist.Store
	triggers trigger.Service
	cron     *trigger.CronService
	fetcher  fetch.Fetcher
	browser  *fetch.BrowserFetcher
	notifier *notify.Dispatcher
	events   *observability.EventLogger
	sched    *scheduler.Scheduler
	captures *capture.Registry
	registry *prometheus.Registry
	guard    urlguard.Guard

	mailer  notify.Mailer
	alerter notify.Alerter
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithTrigger replaces the cron trigger service. The service must accept a
// handler through SetHandler(trigger.FireFunc).
func WithTrigger(t trigger.Service) Option {
	return func(s *Service) { s.triggers = t }
}

// WithFetcher replaces the fetcher built from Config.Fetch.
func WithFetcher(f fetch.Fetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

// WithMailer replaces the SendGrid mailer built from Config.Email.
func WithMailer(m notify.Mailer) Option {
	return func(s *Service) { s.mailer = m }
}

// WithAlerter replaces the alerter built from Config.Alerts.
func WithAlerter(a notify.Alerter) Option {
	return func(s *Service) { s.alerter = a }
}

type handlerSetter interface {
	SetHandler(trigger.FireFunc)
}

// New builds a Service on db. The schemas of the store and the event log
// are applied. Call Start to restore triggers.
func New(db *sql.DB, cfg *Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		db:       db,
		captures: capture.NewRegistry(),
		registry: prometheus.NewRegistry(),
		guard:    urlguard.Guard{BlockPrivate: cfg.Fetch.BlockPrivate},
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	persist, err := watchlist.NewSQLitePersistence(db)
	if err != nil {
		return nil, err
	}
	s.store = watchlist.NewStore(persist, watchlist.WithLogger(s.logger))

	if err := observability.Init(db); err != nil {
		return nil, err
	}
	s.events = observability.NewEventLogger(db, observability.WithLogger(s.logger))

	if s.fetcher == nil {
		s.fetcher = s.buildFetcher()
	}
	if s.mailer == nil && cfg.Email.APIKey != "" {
		s.mailer = notify.NewSendGridMailer(cfg.Email.Endpoint, cfg.Email.APIKey, cfg.Email.From)
	}
	if s.alerter == nil {
		s.alerter = s.buildAlerter()
	}
	s.notifier = notify.NewDispatcher(notify.Config{
		Alerter:        s.alerter,
		Mailer:         s.mailer,
		DefaultSubject: cfg.Email.DefaultSubject,
		Logger:         s.logger,
	})

	if s.triggers == nil {
		s.triggers = trigger.NewCronService(s.logger)
	}
	if c, ok := s.triggers.(*trigger.CronService); ok {
		s.cron = c
	}

	s.sched, err = scheduler.New(scheduler.Config{
		Store:        s.store,
		Trigger:      s.triggers,
		Fetcher:      s.fetcher,
		Notifier:     s.notifier,
		Events:       s.events,
		MinPeriod:    cfg.Scheduler.MinPeriod,
		MaxPeriod:    cfg.Scheduler.MaxPeriod,
		FetchTimeout: cfg.Scheduler.FetchTimeout,
		Registerer:   s.registry,
		Logger:       s.logger,
	})
	if err != nil {
		return nil, err
	}
	hs, ok := s.triggers.(handlerSetter)
	if !ok {
		return nil, fmt.Errorf("pinwatch: trigger service %T has no SetHandler", s.triggers)
	}
	hs.SetHandler(s.sched.HandleFire)
	return s, nil
}

func (s *Service) buildFetcher() fetch.Fetcher {
	fc := s.cfg.Fetch
	var httpOpts []fetch.HTTPOption
	httpOpts = append(httpOpts, fetch.WithLogger(s.logger))
	if fc.UserAgent != "" {
		httpOpts = append(httpOpts, fetch.WithUserAgent(fc.UserAgent))
	}
	if fc.MaxBytes > 0 {
		httpOpts = append(httpOpts, fetch.WithMaxBytes(fc.MaxBytes))
	}
	hf := fetch.NewHTTP(httpOpts...)
	if fc.Mode == "http" {
		return hf
	}

	s.browser = fetch.NewBrowser(fetch.BrowserConfig{
		RemoteURL:        fc.Browser.Remote,
		ResourceBlocking: fc.Browser.ResourceBlocking,
		Logger:           s.logger,
	})
	if fc.Mode == "browser" {
		return s.browser
	}
	return &fetch.Auto{HTTP: hf, Browser: s.browser, Logger: s.logger}
}

func (s *Service) buildAlerter() notify.Alerter {
	local := notify.LogAlerter{Logger: s.logger}
	if s.cfg.Alerts.WebhookURL == "" {
		return local
	}
	return notify.MultiAlerter{local, notify.NewWebhookAlerter(s.cfg.Alerts.WebhookURL)}
}

// Start restores one trigger per stored task, starts the cron loop and the
// event retention sweep, and polls the store for tasks added or removed by
// another process. It returns after the triggers are registered.
func (s *Service) Start(ctx context.Context) error {
	n, err := s.sched.RestartAll(ctx)
	if err != nil {
		s.logger.Error("pinwatch: some triggers were not restored", "restored", n, "error", err)
	}
	if s.cron != nil {
		s.cron.Start()
	}
	go s.sweepEvents(ctx)
	if s.cfg.Scheduler.SyncInterval > 0 {
		w := watch.New(s.db, watch.Options{
			Interval: s.cfg.Scheduler.SyncInterval,
			Detector: watch.MaxColumn("store_documents", "version"),
			Logger:   s.logger,
		})
		go w.Run(ctx, func(ctx context.Context) error {
			_, _, err := s.sched.Sync(ctx)
			return err
		})
	}
	s.logger.Info("pinwatch: started", "tasks", n, "fetch_mode", s.cfg.Fetch.Mode)
	return nil
}

func (s *Service) sweepEvents(ctx context.Context) {
	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()
	for {
		if n, err := observability.Cleanup(ctx, s.db, s.cfg.Events.RetentionDays); err != nil {
			s.logger.Warn("pinwatch: event cleanup failed", "error", err)
		} else if n > 0 {
			s.logger.Info("pinwatch: old events deleted", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Close cancels in-flight runs, stops the triggers, waits for the runs to
// return and closes the browser.
func (s *Service) Close() error {
	s.sched.Cancel()
	if s.cron != nil {
		s.cron.Stop()
	}
	s.sched.Close()
	if s.browser != nil {
		return s.browser.Close()
	}
	return nil
}

// Scheduler returns the task scheduler.
func (s *Service) Scheduler() *scheduler.Scheduler { return s.sched }

// Store returns the watch list store.
func (s *Service) Store() *watchlist.Store { return s.store }

// Events returns the event log.
func (s *Service) Events() *observability.EventLogger { return s.events }

// Captures returns the open capture sessions.
func (s *Service) Captures() *capture.Registry { return s.captures }

// Metrics returns the registry served on /metrics.
func (s *Service) Metrics() *prometheus.Registry { return s.registry }

// Package app wires the gateway together and owns its lifecycle:
// init, load, serve, flush, teardown.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"wafilter/internal/http/handler"
	"wafilter/internal/http/routes"
	"wafilter/internal/http/server"
	"wafilter/internal/infra/alert"
	"wafilter/internal/infra/config"
	infralogger "wafilter/internal/infra/logger"
	"wafilter/internal/infra/metrics"
	"wafilter/internal/infra/store"
	"wafilter/internal/infra/webhook"
	"wafilter/internal/infra/whats"
	"wafilter/internal/usecases/pipeline"
	pkglogger "wafilter/pkg/logger"
)

// App represents the running gateway
type App struct {
	cfg    *config.Config
	logger pkglogger.Logger

	configs  *store.ConfigStore
	stats    *store.StatsStore
	messages *store.MessageStore
	media    *store.MediaStore

	dispatcher *webhook.Dispatcher
	alerts     *alert.Sink
	metrics    *metrics.Metrics
	pipe       *pipeline.Pipeline
	adapter    *whats.Adapter
	server     *server.Server
	scheduler  *cron.Cron

	consumerDone chan struct{}
}

// New builds the application from configuration
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log := infralogger.New(&cfg.Log)

	a := &App{
		cfg:          cfg,
		logger:       log,
		consumerDone: make(chan struct{}),
	}

	if err := a.buildStores(); err != nil {
		return nil, err
	}
	a.buildPipeline()
	a.buildServer()

	return a, nil
}

// buildStores creates and loads the durable stores
func (a *App) buildStores() error {
	cfg := a.cfg

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	a.configs = store.NewConfigStore(cfg.Storage.DataDir, cfg.Webhook.DefaultURL, a.logger)
	a.stats = store.NewStatsStore(cfg.Storage.DataDir, cfg.Storage.RecentEventsLimit, a.logger)
	a.messages = store.NewMessageStore(cfg.Storage.DataDir, cfg.Storage.MaxPerSource,
		cfg.Storage.MaxTotalMessages, a.logger)
	a.media = store.NewMediaStore(cfg.Storage.DataDir, cfg.Storage.MaxMediaFiles,
		cfg.Storage.MaxMediaBytes, a.logger)

	for name, load := range map[string]func() error{
		"config":   a.configs.Load,
		"stats":    a.stats.Load,
		"messages": a.messages.Load,
		"media":    a.media.Load,
	} {
		if err := load(); err != nil {
			// Stores start empty on a bad file rather than refusing to boot
			a.logger.WarnWithError("store load failed, starting empty", err, pkglogger.Fields{
				"store": name,
			})
		}
	}
	return nil
}

// buildPipeline creates the dispatcher, alert sink, metrics, the optional
// WhatsApp adapter, and the event pipeline
func (a *App) buildPipeline() {
	cfg := a.cfg

	a.metrics = metrics.New()
	a.dispatcher = webhook.New(a.configs, cfg.Webhook.SecondaryURL, cfg.Instance,
		webhook.Options{}, a.logger)
	a.alerts = alert.New(cfg.Alert.NotificationURL, cfg.Alert.SlackURL, cfg.Instance,
		a.stats, a.metrics, a.logger)

	var resolver pipeline.LinkedIDResolver
	selfPhone := pipeline.SelfPhoneFunc(func() string { return "" })

	if cfg.WhatsApp.Enabled {
		adapter, err := whats.New(&cfg.WhatsApp, a.media, a.logger)
		if err != nil {
			a.logger.ErrorWithError("failed to create WhatsApp adapter, continuing without it", err, nil)
		} else {
			a.adapter = adapter
			resolver = adapter
			selfPhone = adapter.OwnerPhone
		}
	}

	a.pipe = pipeline.New(pipeline.Deps{
		Config:     cfg,
		Configs:    a.configs,
		Stats:      a.stats,
		Messages:   a.messages,
		Dispatcher: a.dispatcher,
		Alerts:     a.alerts,
		Metrics:    a.metrics,
		Resolver:   resolver,
		SelfPhone:  selfPhone,
		Logger:     a.logger,
	})
}

// buildServer creates the HTTP surface
func (a *App) buildServer() {
	var sender handler.MessageSender
	if a.adapter != nil {
		sender = a.adapter
	}

	ingressHandler := handler.NewIngressHandler(a.pipe, a.configs, a.logger)
	adminHandler := handler.NewAdminHandler(a.configs, a.stats, a.messages, a.media,
		a.dispatcher, a.pipe.Connection(), sender, a.logger)
	healthHandler := handler.NewHealthHandler(a.stats, a.messages, sender)

	router := routes.NewRouter(ingressHandler, adminHandler, healthHandler,
		a.metrics.Handler(), a.cfg, a.logger)
	a.server = server.New(router, &a.cfg.Server, a.logger)
}

// Run starts everything and blocks until a termination signal
func (a *App) Run() error {
	a.logger.InfoWithFields("starting whatsapp-filter gateway", pkglogger.Fields{
		"instance":         a.cfg.Instance,
		"addr":             a.cfg.GetServerAddress(),
		"whatsapp_enabled": a.adapter != nil,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.startScheduler()

	if a.adapter != nil {
		go a.consumeAdapterEvents()
		if err := a.adapter.Connect(); err != nil {
			a.logger.ErrorWithError("WhatsApp connect failed", err, nil)
		}
	} else {
		close(a.consumerDone)
	}

	serverErrors := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		a.shutdown()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
		a.shutdown()
		return nil
	}
}

// consumeAdapterEvents is the router's consumer loop over the adapter's
// envelope channel; it ends when the adapter closes the channel
func (a *App) consumeAdapterEvents() {
	defer close(a.consumerDone)

	for env := range a.adapter.Events() {
		result := a.pipe.Route(context.Background(), env)
		if !result.Success {
			a.logger.DebugWithFields("adapter event not processed", pkglogger.Fields{
				"event":  string(env.Kind),
				"error":  result.Error,
				"reason": result.Reason,
			})
		}
	}
}

// startScheduler runs the periodic persistence jobs: stats every five
// minutes, the message store's dirty flush every minute
func (a *App) startScheduler() {
	a.scheduler = cron.New()

	_, _ = a.scheduler.AddFunc("@every 5m", func() {
		if err := a.stats.Save(); err != nil {
			a.logger.WarnWithError("periodic stats save failed", err, nil)
		}
	})
	_, _ = a.scheduler.AddFunc("@every 1m", func() {
		if err := a.messages.FlushIfDirty(); err != nil {
			a.logger.WarnWithError("periodic message flush failed", err, nil)
		}
	})

	a.scheduler.Start()
}

// shutdown tears the gateway down in order: stop accepting events, close the
// adapter, stop the scheduler, then flush config, stats and messages
func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.server.Stop(shutdownCtx); err != nil {
		a.logger.WarnWithError("HTTP server shutdown failed", err, nil)
	}

	if a.adapter != nil {
		a.adapter.Close()
	}

	// Wait for in-flight adapter events to drain
	select {
	case <-a.consumerDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("timed out waiting for event consumer")
	}

	if a.scheduler != nil {
		stopCtx := a.scheduler.Stop()
		select {
		case <-stopCtx.Done():
		case <-shutdownCtx.Done():
		}
	}

	flush := func(name string, fn func() error) {
		if err := fn(); err != nil {
			a.logger.WarnWithError("final flush failed", err, pkglogger.Fields{
				"store": name,
			})
		}
	}
	flush("config", a.configs.Save)
	flush("stats", a.stats.Save)
	flush("messages", a.messages.Save)

	a.logger.Info("gateway stopped")
}

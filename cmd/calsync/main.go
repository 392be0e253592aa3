package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentworkforce/calsync/internal/calsync"
	"github.com/agentworkforce/calsync/internal/config"
	"github.com/agentworkforce/calsync/internal/httpapi"
	"github.com/agentworkforce/calsync/internal/providers"
)

func main() {
	configPath := flag.String("config", os.Getenv("CALSYNC_CONFIG"), "path to the YAML config file")
	envFile := flag.String("env-file", ".env", "path to a .env file")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("failed to load env file: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Fatalf("calsync failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := log.Default()
	store, err := calsync.BuildCacheStoreFromDSN(cfg.CacheDSN)
	if err != nil {
		return fmt.Errorf("initialize cache store: %w", err)
	}
	defer store.Close()

	adapters, local, err := buildAdapters(cfg, logger)
	if err != nil {
		return err
	}
	if len(adapters.Sources()) == 0 {
		logger.Printf("no calendar sources configured; serving the cache only")
	}

	orchestrator, err := calsync.NewOrchestrator(ctx, calsync.OrchestratorOptions{
		Store:             store,
		Adapters:          adapters,
		Feed:              calsync.NewChangeFeed(),
		Logger:            logger,
		DegradedThreshold: cfg.Sync.DegradedThreshold,
		FailureBackoff:    cfg.Sync.FailureBackoff,
		OnDegraded: func(source calsync.Source, err error) {
			logger.Printf("source degraded source=%s code=%s: %v", source, calsync.ErrorCode(err), err)
		},
		OnAuthExpired: func(source calsync.Source, err error) {
			logger.Printf("source needs re-authentication source=%s: %v", source, err)
		},
	})
	if err != nil {
		return fmt.Errorf("initialize orchestrator: %w", err)
	}
	webhooks, err := calsync.NewWebhookService(calsync.WebhookServiceOptions{
		Store:           store,
		Adapters:        adapters,
		Reconciler:      orchestrator,
		CallbackBaseURL: cfg.CallbackBaseURL,
		RenewalWindow:   cfg.Schedule.RenewalWindow,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("initialize webhook service: %w", err)
	}
	queue := calsync.NewNotificationQueue(calsync.NotificationQueueOptions{
		Capacity: cfg.Webhook.QueueSize,
		Workers:  cfg.Webhook.Workers,
		Handler:  webhooks.Handle,
		Logger:   logger,
	})
	defer queue.Close()

	scheduler, err := calsync.NewScheduler(calsync.SchedulerOptions{
		Orchestrator:     orchestrator,
		Webhooks:         webhooks,
		Store:            store,
		PollSpec:         cfg.Schedule.Poll,
		RenewSpec:        cfg.Schedule.Renew,
		CleanupSpec:      cfg.Schedule.Cleanup,
		EventRetention:   cfg.Schedule.EventRetention,
		DeletedRetention: cfg.Schedule.DeletedRetention,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("initialize scheduler: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	server := httpapi.NewServer(httpapi.Dependencies{
		Store:        store,
		Orchestrator: orchestrator,
		Webhooks:     webhooks,
		Queue:        queue,
	}, httpapi.ServerConfig{
		AuthToken:      cfg.AuthToken,
		RateLimitMax:   cfg.Webhook.RateLimitPerMinute,
		MaxBodyBytes:   cfg.Webhook.MaxBodyBytes,
		TrustedProxies: cfg.Webhook.TrustedProxies,
		Logger:         logger,
	})
	httpServer := newHTTPServer(cfg.Listen, server)

	go startup(ctx, orchestrator, webhooks, adapters, cfg.CallbackBaseURL != "", logger)
	if local != nil && cfg.Local.Watch {
		go func() {
			err := local.Watch(ctx, func() {
				if _, err := orchestrator.IncrementalSync(ctx, calsync.SourceLocal); err != nil {
					logger.Printf("local calendar sync failed: %v", err)
				}
			})
			if err != nil {
				logger.Printf("local calendar watch stopped: %v", err)
			}
		}()
	}
	scheduler.Start()

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("calsync listening on %s", cfg.Listen)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = scheduler.Stop(context.Background())
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Printf("scheduler shutdown: %v", err)
	}
	if drained := queue.Drain(shutdownCtx); drained > 0 {
		logger.Printf("drained %d pending notifications", drained)
	}
	return nil
}

// startup brings every source up to date and makes sure push subscriptions
// exist when a public callback URL is configured.
func startup(ctx context.Context, orchestrator *calsync.Orchestrator, webhooks *calsync.WebhookService, adapters *calsync.AdapterRegistry, subscribe bool, logger calsync.Logger) {
	if _, err := orchestrator.PollAll(ctx); err != nil {
		logger.Printf("initial sync finished with errors: %v", err)
	}
	if !subscribe {
		return
	}
	for _, source := range adapters.Sources() {
		if _, err := adapters.Subscriber(source); err != nil {
			continue
		}
		if _, err := webhooks.Register(ctx, source); err != nil {
			logger.Printf("subscription registration failed source=%s: %v", source, err)
		}
	}
}

func buildAdapters(cfg *config.Config, logger calsync.Logger) (*calsync.AdapterRegistry, *providers.LocalAdapter, error) {
	registry := calsync.NewAdapterRegistry()
	httpOpts := providers.HTTPOptions{UserAgent: "calsync/1"}
	if cfg.Google.Enabled() {
		google := providers.NewGoogleAdapter(providers.GoogleOptions{
			BaseURL:       cfg.Google.BaseURL,
			CalendarID:    cfg.Google.CalendarID,
			CalendarName:  cfg.Google.CalendarName,
			CalendarColor: cfg.Google.CalendarColor,
			Tokens:        providers.StaticToken(cfg.Google.AccessToken),
			HTTP:          httpOpts,
		})
		if err := registry.Register(google); err != nil {
			return nil, nil, err
		}
	}
	if cfg.Outlook.Enabled() {
		outlook := providers.NewOutlookAdapter(providers.OutlookOptions{
			BaseURL:       cfg.Outlook.BaseURL,
			CalendarID:    cfg.Outlook.CalendarID,
			CalendarName:  cfg.Outlook.CalendarName,
			CalendarColor: cfg.Outlook.CalendarColor,
			Tokens:        providers.StaticToken(cfg.Outlook.AccessToken),
			HTTP:          httpOpts,
		})
		if err := registry.Register(outlook); err != nil {
			return nil, nil, err
		}
	}
	var local *providers.LocalAdapter
	if cfg.Local.Path != "" {
		var err error
		local, err = providers.NewLocalAdapter(providers.LocalOptions{
			Path:          cfg.Local.Path,
			CalendarName:  cfg.Local.CalendarName,
			CalendarColor: cfg.Local.CalendarColor,
			PastHorizon:   cfg.Local.PastHorizon,
			FutureHorizon: cfg.Local.FutureHorizon,
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("initialize local calendar: %w", err)
		}
		if err := registry.Register(local); err != nil {
			return nil, nil, err
		}
	}
	return registry, local, nil
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       httpapi.ReadTimeout,
		WriteTimeout:      httpapi.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 16,
	}
}

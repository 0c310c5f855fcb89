package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/llmrelay/llmrelay/internal/app"
	"github.com/llmrelay/llmrelay/internal/auth"
	"github.com/llmrelay/llmrelay/internal/circuitbreaker"
	"github.com/llmrelay/llmrelay/internal/clientversion"
	"github.com/llmrelay/llmrelay/internal/cloudauth"
	"github.com/llmrelay/llmrelay/internal/config"
	"github.com/llmrelay/llmrelay/internal/errorrule"
	"github.com/llmrelay/llmrelay/internal/ratelimit"
	"github.com/llmrelay/llmrelay/internal/redisstate"
	"github.com/llmrelay/llmrelay/internal/reqfilter"
	"github.com/llmrelay/llmrelay/internal/server"
	"github.com/llmrelay/llmrelay/internal/session"
	"github.com/llmrelay/llmrelay/internal/storage/sqlite"
	"github.com/llmrelay/llmrelay/internal/telemetry"
	"github.com/llmrelay/llmrelay/internal/timewin"
	"github.com/llmrelay/llmrelay/internal/upstream"
	"github.com/llmrelay/llmrelay/internal/worker"
)

const dnsRefreshEvery = 5 * time.Minute

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting llmrelay", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Shared state and time windows
	clock := timewin.New(cfg.Timezone)
	state, err := redisstate.New(cfg.Redis.URL, clock)
	if err != nil {
		return err
	}
	defer state.Close()

	sessions := session.NewTracker(state)
	guard := ratelimit.NewGuard(state, clock, sessions, cfg.RateLimit.Enabled)
	versions := clientversion.New(state, cfg.ClientVersion.GAThreshold, cfg.ClientVersion.Enabled)
	breakers := circuitbreaker.NewRegistry(state)
	if providers, err := store.ListProviders(ctx); err == nil {
		breakers.Preload(ctx, providers)
	}

	// Upstream plumbing
	resolver := &dnscache.Resolver{}
	go refreshDNS(ctx, resolver)
	tokens := cloudauth.NewTokenManager()
	executor := upstream.NewExecutor(resolver, breakers, tokens)

	// Application services
	authn, err := auth.New(store, store)
	if err != nil {
		return err
	}
	prices, err := app.NewPriceCache(store)
	if err != nil {
		return err
	}
	rules := errorrule.NewTable()
	filters := reqfilter.NewEngine()
	recorder := worker.NewRequestRecorder(store)

	proxySvc := app.NewProxyService(store, authn, guard, sessions, versions, filters,
		executor, recorder, prices, clock)
	adminSvc := app.NewAdminService(store, authn, breakers, rules, filters, prices)

	// Telemetry
	var stats *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		stats = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	// Background workers
	runner := worker.NewRunner(
		recorder,
		worker.NewRuleReloadWorker(store, rules, filters),
		worker.NewPriceImportWorker(store, prices, cfg.Pricing.ImportURL),
	)
	workersDone := make(chan error, 1)
	go func() { workersDone <- runner.Run(ctx) }()

	handler := server.New(server.Deps{
		Proxy:      proxySvc,
		Admin:      adminSvc,
		Rules:      rules,
		AdminToken: cfg.Admin.Token,
		ReadyCheck: store.Ping,
		Metrics:    metricsHandler,
		Stats:      stats,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("llmrelay ready", "addr", cfg.Server.Addr)

	select {
	case <-ctx.Done():
		slog.Info("shutting down", "signal", os.Interrupt)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	// Workers drain their queues after cancellation.
	<-workersDone

	slog.Info("llmrelay stopped")
	return nil
}

// refreshDNS keeps the cached resolver entries fresh.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver) {
	ticker := time.NewTicker(dnsRefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			resolver.Refresh(true)
		case <-ctx.Done():
			return
		}
	}
}

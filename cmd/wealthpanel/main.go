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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/broker"
	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/catalog"
	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/frankfurter"
	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/memory"
	sqliteadapter "github.com/ericfisherdev/wealthpanel/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/wealthpanel/internal/adapter/driving/http"
	"github.com/ericfisherdev/wealthpanel/internal/application"
	"github.com/ericfisherdev/wealthpanel/internal/config"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
	"github.com/ericfisherdev/wealthpanel/internal/vault"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"session_store", cfg.SessionStore,
		"session_ttl", cfg.SessionTTL,
		"legacy_encryption", cfg.HasSecretKey(),
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Wire driven adapters.
	userStore := sqliteadapter.NewUserRepo(db)
	accountStore := sqliteadapter.NewAccountRepo(db)
	snapshotStore := sqliteadapter.NewSnapshotRepo(db)
	rateStore := sqliteadapter.NewRateRepo(db)

	var sessionStore driven.SessionStore
	if cfg.SessionStore == config.SessionStoreSQLite {
		sessionStore = sqliteadapter.NewSessionRepo(db)
	} else {
		memStore := memory.NewSessionStore()
		// Live integrations hold bank sessions; close them before exit.
		defer func() {
			if closeErr := memStore.Close(); closeErr != nil {
				slog.Error("error closing parked sessions", "error", closeErr)
			}
		}()
		sessionStore = memStore
	}

	brokers, err := catalog.Default()
	if err != nil {
		return err
	}
	factory := broker.NewFactory(broker.WithFinTSProductID(cfg.FinTSProductID))
	rateSource := frankfurter.NewClient(cfg.RatesURL)

	v, err := vault.New(cfg.SecretKey)
	if err != nil {
		return err
	}

	// 6. Metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := application.NewMetrics(registry)

	// 7. Application services.
	converter := application.NewCurrencyConverter(rateStore, rateSource, metrics)
	keySvc := application.NewKeyService(userStore, accountStore, v)
	pollPolicy := application.PollPolicy{
		Interval:        cfg.PollInterval,
		InitialAttempts: cfg.PollAttemptsInitial,
		RetryInterval:   cfg.PollRetryInterval,
		RetryAttempts:   cfg.PollAttemptsRetry,
	}
	flow := application.NewAuthFlow(pollPolicy, metrics)
	sessions := application.NewSessionManager(sessionStore, cfg.SessionTTL, metrics)

	syncSvc := application.NewSyncService(
		userStore,
		accountStore,
		snapshotStore,
		brokers,
		factory,
		keySvc,
		flow,
		sessions,
		converter,
		application.BackfillPolicy{
			MaxLookbackDays: cfg.BackfillMaxLookbackDays,
			BufferDays:      cfg.BackfillBufferDays,
			SkipRecentDays:  cfg.BackfillSkipRecentDays,
		},
		metrics,
	)
	accountSvc := application.NewAccountService(userStore, accountStore, snapshotStore, brokers, keySvc, converter)
	discoverySvc := application.NewDiscoveryService(brokers, factory, flow, sessions)
	wealthSvc := application.NewWealthService(userStore, accountStore, snapshotStore, brokers, converter)
	userSvc := application.NewUserService(userStore)
	healthSvc := application.NewHealthService(accountStore)

	scheduler := application.NewScheduler(application.ScheduleConfig{
		Sweep:      cfg.SweepSchedule,
		AutoSync:   cfg.SyncSchedule,
		Rates:      cfg.RatesSchedule,
		Currencies: cfg.RatesCurrencies,
	}, sessions, syncSvc, converter)

	// 8. HTTP handler with API routes, health check and metrics.
	apiHandler := httphandler.NewHandler(httphandler.Services{
		Accounts:  accountSvc,
		Sync:      syncSvc,
		Discovery: discoverySvc,
		Wealth:    wealthSvc,
		Keys:      keySvc,
		Users:     userSvc,
		Health:    healthSvc,
		Brokers:   brokers,
	}, slog.Default())
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	handler := httphandler.NewServeMux(apiHandler, []byte(cfg.JWTSecret), metricsHandler, slog.Default())

	// Decoupled approvals are polled inside the request, so the write
	// timeout must outlast the poll budget.
	writeTimeout := max(pollPolicy.InitialBudget(), pollPolicy.RetryBudget()) + time.Minute

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return scheduler.Start(gctx)
	})

	// 9. Wait for shutdown signal or a failed component.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
		return nil
	})

	slog.Info("wealthpanel started",
		"listen_addr", cfg.ListenAddr,
		"sync_schedule", cfg.SyncSchedule,
		"rates_schedule", cfg.RatesSchedule,
	)

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("shutdown complete")
	return nil
}

// Package main provides the review daemon: scheduled runs, a directory
// watcher for incoming prescription files and the inspection API.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/medikontrol/go-sut/internal/advisor"
	"github.com/medikontrol/go-sut/internal/api/handlers"
	"github.com/medikontrol/go-sut/internal/api/middleware"
	"github.com/medikontrol/go-sut/internal/config"
	"github.com/medikontrol/go-sut/internal/events"
	"github.com/medikontrol/go-sut/internal/history"
	"github.com/medikontrol/go-sut/internal/observability/metrics"
	"github.com/medikontrol/go-sut/internal/observability/tracing"
	"github.com/medikontrol/go-sut/internal/pipeline"
	"github.com/medikontrol/go-sut/internal/report"
	"github.com/medikontrol/go-sut/internal/rules"
	"github.com/medikontrol/go-sut/internal/schedule"
	"github.com/medikontrol/go-sut/internal/source"
	"github.com/medikontrol/go-sut/internal/store"
	"github.com/medikontrol/go-sut/pkg/circuitbreaker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.DefaultConfig("sut-daemon"))
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			tp.Shutdown(shutdownCtx)
		}()
	}

	m := metrics.New()

	holder := rules.NewHolder(rules.DefaultSnapshot())
	if cfg.Review.RulesFile != "" {
		snap, err := rules.LoadFile(cfg.Review.RulesFile)
		if err != nil {
			logger.Fatal("rule snapshot load failed", zap.Error(err))
		}
		holder.Swap(snap)
	}

	st, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer st.Close()

	reports, err := report.NewWriter(cfg.Paths.ReportDir, logger)
	if err != nil {
		logger.Fatal("report writer init failed", zap.Error(err))
	}
	hist, err := history.NewTracker(history.Config{Dir: cfg.Paths.HistoryDir}, logger)
	if err != nil {
		logger.Fatal("history init failed", zap.Error(err))
	}

	publisher, err := events.NewPublisher(events.PublisherConfig{Brokers: cfg.Events.Brokers}, logger)
	if err != nil {
		logger.Fatal("event publisher init failed", zap.Error(err))
	}
	defer publisher.Close()

	if len(cfg.Events.Brokers) > 0 {
		admin, err := events.NewAdmin(cfg.Events.Brokers, logger)
		if err != nil {
			logger.Fatal("kafka admin init failed", zap.Error(err))
		}
		if err := admin.EnsureTopics(ctx); err != nil {
			logger.Fatal("topic provisioning failed", zap.Error(err))
		}
		admin.Close()
	}

	adv, err := buildAdvisor(cfg, m, logger)
	if err != nil {
		logger.Fatal("advisor init failed", zap.Error(err))
	}

	p, err := pipeline.New(pipeline.RunContext{
		Config:    cfg,
		Holder:    holder,
		Advisor:   adv,
		Store:     st,
		History:   hist,
		Reports:   reports,
		Publisher: publisher,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("pipeline init failed", zap.Error(err))
	}

	ingest := func(runCtx context.Context, path string) error {
		src, err := source.NewFileSource(path)
		if err != nil {
			logger.Error("watched file open failed", zap.String("path", path), zap.Error(err))
			return err
		}
		defer src.Close()

		m.WatcherIngests.Inc()
		if _, err := p.Run(runCtx, src, "watcher"); err != nil {
			logger.Error("watched run failed", zap.String("path", path), zap.Error(err))
			return err
		}
		return nil
	}

	watcher := schedule.NewWatcher(schedule.WatcherConfig{
		Dirs:         cfg.Daemon.WatchDirs,
		Patterns:     cfg.Daemon.WatchPatterns,
		PollInterval: cfg.PollInterval(),
	}, ingest, logger)

	// Scheduled slots force an immediate rescan so files parked between polls
	// are reviewed on time.
	scheduler, err := schedule.NewScheduler(cfg.Daemon.Schedule, func(runCtx context.Context) {
		watcher.Poll(runCtx)
	}, logger)
	if err != nil {
		logger.Fatal("scheduler init failed", zap.Error(err))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		watcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	submit := func(runCtx context.Context, path string) (string, int, error) {
		src, err := source.NewFileSource(path)
		if err != nil {
			return "", pipeline.ExitFatal, err
		}
		defer src.Close()

		result, err := p.Run(runCtx, src, "api")
		if err != nil {
			return result.RunID, result.ExitCode, err
		}
		return result.RunID, result.ExitCode, nil
	}

	server := buildServer(cfg, st, hist, reports, holder, submit, logger)
	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("daemon started",
		zap.String("addr", cfg.Daemon.ListenAddr),
		zap.Strings("watch_dirs", cfg.Daemon.WatchDirs),
		zap.Strings("schedule", cfg.Daemon.Schedule))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	wg.Wait()
	logger.Info("daemon stopped")
}

func buildServer(cfg *config.Config, st store.DecisionStore, hist *history.Tracker, reports *report.Writer, holder *rules.Holder, submit handlers.RunSubmitFunc, logger *zap.Logger) *http.Server {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("sut-daemon"))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"sut-daemon"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := st.Stats(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready"}`))
			return
		}
		w.Write([]byte(`{"status":"ready"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	reviewHandler := handlers.NewReviewHandler(st, hist, reports, holder, submit, logger)
	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Daemon.APIKey != "" {
			r.Use(middleware.APIKeyAuth(map[string]string{cfg.Daemon.APIKey: "daemon-client"}))
		}
		r.Mount("/", reviewHandler.Routes())
	})

	return &http.Server{
		Addr:         cfg.Daemon.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func buildAdvisor(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (advisor.DecisionAdvisor, error) {
	if !cfg.Advisor.Enabled {
		return nil, nil
	}
	if cfg.Advisor.Stub {
		return advisor.NewStub(), nil
	}
	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("advisor"), logger)
	if err != nil {
		return nil, err
	}
	breaker.OnStateChange(func(name string, state circuitbreaker.State) {
		m.SetBreakerState(name, string(state))
	})
	m.SetBreakerState("advisor", string(circuitbreaker.StateClosed))
	return advisor.NewHTTP(advisor.HTTPConfig{
		Endpoint: cfg.Advisor.Endpoint,
		APIKey:   cfg.Advisor.APIKey,
		Timeout:  cfg.AdvisorTimeout(),
	}, breaker, logger)
}

func buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.DecisionStore, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Store.DSN, logger)
	default:
		return store.NewFileStore(cfg.Store.Dir, logger)
	}
}

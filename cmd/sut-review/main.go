// Package main provides the batch review CLI. It processes one prescription
// file and exits with a code describing the run outcome.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/medikontrol/go-sut/internal/advisor"
	"github.com/medikontrol/go-sut/internal/config"
	"github.com/medikontrol/go-sut/internal/events"
	"github.com/medikontrol/go-sut/internal/history"
	"github.com/medikontrol/go-sut/internal/pipeline"
	"github.com/medikontrol/go-sut/internal/report"
	"github.com/medikontrol/go-sut/internal/rules"
	"github.com/medikontrol/go-sut/internal/source"
	"github.com/medikontrol/go-sut/internal/store"
	"github.com/medikontrol/go-sut/pkg/circuitbreaker"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file")
		inputPath  = flag.String("input", "", "prescription JSON file to review (required)")
		useStub    = flag.Bool("stub-advisor", false, "use the deterministic stub advisor")
	)
	flag.Parse()

	if *inputPath == "" {
		fmt.Fprintln(os.Stderr, "usage: sut-review -input <prescriptions.json> [-config <config.yaml>]")
		os.Exit(pipeline.ExitConfig)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config load failed", zap.Error(err))
		logger.Sync()
		os.Exit(pipeline.ExitConfig)
	}
	if *useStub {
		cfg.Advisor.Enabled = true
		cfg.Advisor.Stub = true
	}

	os.Exit(run(cfg, *inputPath, logger))
}

func run(cfg *config.Config, inputPath string, logger *zap.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	holder, err := buildHolder(cfg)
	if err != nil {
		logger.Error("rule snapshot load failed", zap.Error(err))
		return pipeline.ExitConfig
	}

	st, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store init failed", zap.Error(err))
		return pipeline.ExitFatal
	}
	defer st.Close()

	reports, err := report.NewWriter(cfg.Paths.ReportDir, logger)
	if err != nil {
		logger.Error("report writer init failed", zap.Error(err))
		return pipeline.ExitFatal
	}

	hist, err := history.NewTracker(history.Config{Dir: cfg.Paths.HistoryDir}, logger)
	if err != nil {
		logger.Error("history init failed", zap.Error(err))
		return pipeline.ExitFatal
	}

	publisher, err := events.NewPublisher(events.PublisherConfig{Brokers: cfg.Events.Brokers}, logger)
	if err != nil {
		logger.Error("event publisher init failed", zap.Error(err))
		return pipeline.ExitFatal
	}
	defer publisher.Close()

	adv, err := buildAdvisor(cfg, logger)
	if err != nil {
		logger.Error("advisor init failed", zap.Error(err))
		return pipeline.ExitConfig
	}

	p, err := pipeline.New(pipeline.RunContext{
		Config:    cfg,
		Holder:    holder,
		Advisor:   adv,
		Store:     st,
		History:   hist,
		Reports:   reports,
		Publisher: publisher,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("pipeline init failed", zap.Error(err))
		return pipeline.ExitConfig
	}

	src, err := source.NewFileSource(inputPath)
	if err != nil {
		logger.Error("input open failed", zap.String("path", inputPath), zap.Error(err))
		return pipeline.ExitFatal
	}
	defer src.Close()

	result, err := p.Run(ctx, src, "cli")
	if err != nil {
		logger.Error("run failed", zap.Error(err))
		return result.ExitCode
	}

	logger.Info("review complete",
		zap.String("run_id", result.RunID),
		zap.String("report", result.ReportPath),
		zap.Int("exit_code", result.ExitCode))
	return result.ExitCode
}

func buildHolder(cfg *config.Config) (*rules.Holder, error) {
	if cfg.Review.RulesFile == "" {
		return rules.NewHolder(rules.DefaultSnapshot()), nil
	}
	snap, err := rules.LoadFile(cfg.Review.RulesFile)
	if err != nil {
		return nil, err
	}
	return rules.NewHolder(snap), nil
}

func buildAdvisor(cfg *config.Config, logger *zap.Logger) (advisor.DecisionAdvisor, error) {
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

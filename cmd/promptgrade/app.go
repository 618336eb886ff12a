package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptgrade/internal/config"
	"github.com/fyrsmithlabs/promptgrade/internal/evaluator"
	"github.com/fyrsmithlabs/promptgrade/internal/generation"
	"github.com/fyrsmithlabs/promptgrade/internal/history"
	"github.com/fyrsmithlabs/promptgrade/internal/logging"
	"github.com/fyrsmithlabs/promptgrade/internal/secrets"
	"github.com/fyrsmithlabs/promptgrade/internal/telemetry"
)

const instrumentationName = "github.com/fyrsmithlabs/promptgrade/cmd/promptgrade"

// app holds everything a command needs to run evaluations.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	redactor  *secrets.Redactor
	history   history.Store
	service   *evaluator.Service
}

// newApp loads configuration and wires the evaluation service.
//
// Wiring order:
//  1. Configuration (defaults, file, environment)
//  2. Telemetry, then the logger bridged to it
//  3. Secret redaction
//  4. Generation providers
//  5. History store
//  6. Evaluation service
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	telCfg := telemetry.NewDefaultConfig()
	telCfg.ServiceVersion = version
	if err := cfg.Unmarshal("telemetry", telCfg); err != nil {
		return nil, err
	}
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	if err := cfg.Unmarshal("logging", logCfg); err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	if degraded, reason := tel.Degraded(); degraded && telCfg.Enabled {
		logger.Warn(ctx, "telemetry degraded", zap.String("reason", reason))
	}

	a := &app{cfg: cfg, logger: logger, telemetry: tel}

	a.redactor, err = secrets.New(secrets.Config{
		Enabled:       cfg.Secrets.Enabled,
		AllowlistPath: cfg.Secrets.AllowlistPath,
	}, logger)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("initializing secret redaction: %w", err)
	}

	tracer := tel.Tracer(instrumentationName)
	client, err := generation.FromConfig(cfg.Generation, a.redactor, tracer, logger)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("initializing generation: %w", err)
	}

	a.history, err = history.FromConfig(ctx, cfg.History, logger)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("initializing history: %w", err)
	}

	registry, err := evaluator.RegistryFromConfig(cfg.Categories)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("loading task categories: %w", err)
	}

	a.service, err = evaluator.NewService(client,
		evaluator.ConfigFromPipeline(cfg.Pipeline, cfg.Generation.Temperature),
		logger,
		evaluator.WithRegistry(registry),
		evaluator.WithHistory(history.LookupFromConfig(a.history, cfg.History)),
		evaluator.WithTracer(tracer),
	)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("initializing evaluator: %w", err)
	}

	logger.Info(ctx, "promptgrade ready",
		zap.Strings("providers", cfg.Generation.Providers),
		zap.String("history", cfg.History.Provider),
		zap.Bool("redaction", a.redactor.Enabled()))
	return a, nil
}

// record stores res in the history store when it is worth remembering.
func (a *app) record(ctx context.Context, input string, res *evaluator.Result) {
	if a.history == nil || !res.Recordable() {
		return
	}
	if err := a.history.Record(ctx, evaluator.HistoryRecord(input, res)); err != nil {
		a.logger.Warn(ctx, "recording evaluation failed", zap.String("run_id", res.RunID), zap.Error(err))
	}
}

// close releases the history store and flushes telemetry and logs.
func (a *app) close(ctx context.Context) {
	var errs []error
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	errs = append(errs, a.telemetry.Shutdown(ctx))
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn(ctx, "shutdown incomplete", zap.Error(err))
	}
	_ = a.logger.Sync() // Best-effort sync on shutdown
}

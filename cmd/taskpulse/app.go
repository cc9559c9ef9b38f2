package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/basket/taskpulse/internal/bus"
	"github.com/basket/taskpulse/internal/config"
	"github.com/basket/taskpulse/internal/otel"
	"github.com/basket/taskpulse/internal/overdue"
	"github.com/basket/taskpulse/internal/persistence"
	"github.com/basket/taskpulse/internal/telemetry"
	"github.com/basket/taskpulse/internal/tracker"
)

// app is the wiring every command shares: config, logging, the event bus,
// the store and the tracker service on top of it.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	store    *persistence.Store
	provider *otel.Provider
	metrics  *otel.Metrics
	svc      *tracker.Service

	closers []io.Closer
}

type appOptions struct {
	// quiet keeps logs out of stderr; one-shot commands print their own
	// output and only log to the file.
	quiet bool
	// memoryFallback opens an in-memory store when the database file cannot
	// be opened, so a daemon keeps waking agents with a degraded ledger.
	memoryFallback bool
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, bus: bus.New(), closers: []io.Closer{logCloser}}

	a.provider, err = otel.Init(ctx, cfg.OTel)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init otel: %w", err)
	}
	a.metrics, err = otel.NewMetrics(a.provider.Meter)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a.store, err = persistence.Open(cfg.DBPath, a.bus)
	if err != nil {
		if !opts.memoryFallback {
			a.Close()
			return nil, fmt.Errorf("open store: %w", err)
		}
		logger.Error("store unavailable, falling back to in-memory ledger", "path", cfg.DBPath, "error", err)
		a.store, err = persistence.Open(persistence.MemoryPath, a.bus)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open in-memory store: %w", err)
		}
	}
	a.closers = append(a.closers, a.store)

	a.svc, err = tracker.New(tracker.Config{
		Store:                 a.store,
		Evaluator:             overdue.NewEvaluator(cfg.OverdueThreshold),
		DefaultStatusInterval: cfg.DefaultStatusInterval,
		IdleThreshold:         cfg.IdleThresholdDuration(),
		Bus:                   a.bus,
		Metrics:               a.metrics,
		Logger:                logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	if a.provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.provider.Shutdown(ctx); err != nil {
			a.logger.Warn("otel shutdown failed", "error", err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && a.logger != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit prints v as JSON under --json, otherwise calls text.
func emit(w io.Writer, v any, text func(io.Writer)) error {
	if jsonOutput {
		return printJSON(w, v)
	}
	text(w)
	return nil
}

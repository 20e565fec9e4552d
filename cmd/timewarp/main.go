// Command timewarp is the process entry point for the Time Warp
// engine (spec §6a). It is intentionally thin: argument parsing is out
// of scope, so it takes exactly one positional argument, a
// configuration file path, builds an engine.Engine running the PHOLD
// demonstration model, runs it to completion, and reports the result.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ROOT-Sim/core-sub001/internal/config"
	"github.com/ROOT-Sim/core-sub001/internal/engine"
	"github.com/ROOT-Sim/core-sub001/internal/event"
	"github.com/ROOT-Sim/core-sub001/internal/logging"
	"github.com/ROOT-Sim/core-sub001/internal/model"
	"github.com/ROOT-Sim/core-sub001/internal/model/phold"
)

const usage = "usage: timewarp <config.yaml>"

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	if err := run(os.Args[1]); err != nil {
		fmt.Fprintln(os.Stderr, "timewarp:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := logging.New(cfg.LogLevel, os.Stderr)

	pholdCfg := phold.Config{LPCount: cfg.LPs, Mean: 1.0, Lookahead: 0}
	newModel := func(event.LPID) model.Model { return phold.New(pholdCfg) }

	eng, err := engine.New(cfg, newModel, logger)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	if cfg.MetricsAddr != "" {
		eng.Stats().EnablePrometheus(prometheus.DefaultRegisterer)
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	if cfg.ListenAddr != "" && eng.Transport() != nil {
		srv := &http.Server{Addr: cfg.ListenAddr, Handler: eng.Transport().Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn().Err(err).Msg("peer transport server stopped")
			}
		}()
		defer srv.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info().Str("run_id", eng.RunID()).Int("lps", cfg.LPs).Msg("starting run")
	if err := eng.Run(ctx); err != nil {
		return fmt.Errorf("run %s: %w", eng.RunID(), err)
	}
	logger.Info().Str("run_id", eng.RunID()).Msg("run complete")
	return nil
}

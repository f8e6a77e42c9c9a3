// Command server runs the batchgate completion gateway.
//
// Configuration is read from a YAML file (see -config, BATCHGATE_CONFIG,
// ./config.yaml and /etc/batchgate/config.yaml) with BATCHGATE_* environment
// overrides. The only required setting is engine.backend_url
// (BATCHGATE_BACKEND_URL).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/rhuss/batchgate/pkg/coalesce"
	"github.com/rhuss/batchgate/pkg/config"
	"github.com/rhuss/batchgate/pkg/debug"
	"github.com/rhuss/batchgate/pkg/engine"
	"github.com/rhuss/batchgate/pkg/provider/openaicompat"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "batchgate: %v\n", err)
		os.Exit(2)
	}

	logger := debug.Setup(debug.Options{
		Categories: cfg.Logging.Debug,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	backend, err := openaicompat.New(openaicompat.Config{
		BaseURL: cfg.Engine.BackendURL,
		APIKey:  cfg.Engine.APIKey,
		Timeout: cfg.Engine.Timeout,
	})
	if err != nil {
		return fmt.Errorf("creating backend client: %w", err)
	}
	defer backend.Close()

	coalescer, err := coalesce.New(backend, coalesce.Config{
		GracePeriod:   cfg.Coalesce.GracePeriod,
		CallTimeout:   cfg.Coalesce.CallTimeout,
		Workers:       cfg.Coalesce.Workers,
		IgnoredParams: cfg.Coalesce.IgnoredParams,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating coalescer: %w", err)
	}
	defer coalescer.Close()

	sink, err := newUsageSink(ctx, cfg.Usage)
	if err != nil {
		return fmt.Errorf("creating usage sink: %w", err)
	}
	defer sink.Close()

	eng, err := engine.New(coalescer, sink, engine.Config{
		DefaultModel: cfg.Engine.DefaultModel,
		ForceModel:   cfg.Engine.ForceModel,
		Validation:   validationConfig(cfg.Engine),
		Models:       backend,
		SinkName:     cfg.Usage.Type,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	chain, err := newAuthChain(cfg.Auth)
	if err != nil {
		return fmt.Errorf("configuring auth: %w", err)
	}
	limiter := newRateLimiter(cfg.Auth.RateLimit)

	srv := newServer(cfg, eng, chain, limiter, sink, logger)

	logger.Info("batchgate starting",
		"addr", cfg.Server.Addr(),
		"backend", cfg.Engine.BackendURL,
		"default_model", cfg.Engine.DefaultModel,
		"grace_period", cfg.Coalesce.GracePeriod,
		"workers", cfg.Coalesce.Workers,
		"usage", cfg.Usage.Type,
		"auth", cfg.Auth.Type,
	)

	// The dispatcher outlives the HTTP server so that callers still waiting
	// during graceful shutdown get their results.
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := coalescer.Run(dispatchCtx)
		if errors.Is(err, context.Canceled) || errors.Is(err, coalesce.ErrClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer stopDispatch()
		err := srv.Run(gctx)
		coalescer.Close()
		return err
	})
	if limiter != nil {
		g.Go(func() error {
			limiter.RunSweeper(gctx, cfg.Auth.RateLimit.SweepInterval, cfg.Auth.RateLimit.IdleTimeout)
			return nil
		})
	}
	return g.Wait()
}

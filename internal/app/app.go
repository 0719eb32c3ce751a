// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skobkin/cpuhz-web/internal/clock"
	"github.com/skobkin/cpuhz-web/internal/config"
	"github.com/skobkin/cpuhz-web/internal/cpustat"
	"github.com/skobkin/cpuhz-web/internal/httpserver"
	"github.com/skobkin/cpuhz-web/internal/mqttsink"
	"github.com/skobkin/cpuhz-web/internal/sampler"
	"github.com/skobkin/cpuhz-web/internal/topology"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	cores, err := topology.Discover(cfg.SysfsRoot, baseLogger.With("component", "cpu_discovery"))
	if err != nil {
		return fmt.Errorf("discover cpus: %w", err)
	}
	host := topology.Detect()
	appLogger.Info("detected host",
		"brand", host.Brand,
		"logical_cores", host.LogicalCores,
		"online", host.Online,
		"sysfs_cpus", len(cores),
	)

	pool, threads, err := StartPool(cfg.Sampler, baseLogger)
	if err != nil {
		return err
	}
	warnOffline(appLogger, cores, threads)

	reader := sampler.NewReader(cfg.SysfsRoot, baseLogger.With("component", "cpufreq_reader"))
	samplerManager, err := sampler.NewManager(cfg.SampleInterval, pool, reader, baseLogger)
	if err != nil {
		pool.Stop()
		return fmt.Errorf("init sampler manager: %w", err)
	}

	loadManager, err := cpustat.NewManager(cfg.Load, cfg.ProcRoot, baseLogger)
	if err != nil {
		_ = samplerManager.Close()
		return fmt.Errorf("init load scanner: %w", err)
	}

	var sink *mqttsink.Sink
	if cfg.MQTT.Enabled() {
		sink, err = mqttsink.New(cfg.MQTT, samplerManager, baseLogger)
		if err != nil {
			_ = samplerManager.Close()
			_ = loadManager.Close()
			return fmt.Errorf("init mqtt sink: %w", err)
		}
	}

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), host, cores, samplerManager, loadManager)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return samplerManager.Run(gctx)
	})
	g.Go(func() error {
		return loadManager.Run(gctx)
	})
	if sink != nil {
		g.Go(func() error {
			if err := sink.Run(gctx); err != nil {
				// Broker failures are logged, not fatal.
				appLogger.Warn("mqtt sink stopped", "err", err)
			}
			return nil
		})
	}

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("shutdown initiated", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	appLogger.Info("shutdown complete")
	return nil
}

// StartPool creates the monitor pool described by cfg and starts one
// monitor per core. A zero thread count means every online logical CPU.
func StartPool(cfg config.SamplerConfig, logger *slog.Logger) (*sampler.Pool, int, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = topology.LogicalCount()
	}

	source := cfg.Clock
	pool, err := sampler.NewPool(sampler.PoolConfig{
		SpinCount:     cfg.SpinCount,
		Attempts:      cfg.Attempts,
		VerifyCore:    cfg.VerifyCore,
		AllowUnpinned: cfg.AllowUnpinned,
		NewClock: func() (sampler.Clock, error) {
			return clock.New(source)
		},
	}, logger)
	if err != nil {
		return nil, 0, fmt.Errorf("init sampler pool: %w", err)
	}

	if err := pool.Start(threads); err != nil {
		return nil, 0, err
	}
	return pool, threads, nil
}

func warnOffline(logger *slog.Logger, cores []topology.CPU, threads int) {
	for _, cpu := range cores {
		if cpu.ID < threads && !cpu.Online {
			logger.Warn("monitored cpu is offline", "cpu", cpu.ID)
		}
	}
}

package app

import (
	"io"
	"log/slog"
	"testing"

	"github.com/skobkin/cpuhz-web/internal/clock"
	"github.com/skobkin/cpuhz-web/internal/config"
)

func TestStartPoolSamplesOneCore(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool, threads, err := StartPool(config.SamplerConfig{
		Threads:       1,
		SpinCount:     200,
		Attempts:      2,
		Clock:         clock.SourceMonotonic,
		AllowUnpinned: true,
	}, logger)
	if err != nil {
		t.Fatalf("StartPool returned error: %v", err)
	}
	defer pool.Stop()

	if threads != 1 {
		t.Fatalf("expected 1 thread, got %d", threads)
	}
	if err := pool.Sample(); err != nil {
		t.Fatalf("Sample returned error: %v", err)
	}
	if mhz := pool.MHz(0); mhz <= 0 {
		t.Fatalf("expected positive estimate, got %f", mhz)
	}
}

func TestStartPoolRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, _, err := StartPool(config.SamplerConfig{Threads: 1, Attempts: 1}, logger); err == nil {
		t.Fatal("expected error for zero spin count")
	}
	if _, _, err := StartPool(config.SamplerConfig{Threads: 1, SpinCount: 10, Attempts: 1, Clock: "sundial"}, logger); err == nil {
		t.Fatal("expected error for unknown clock source")
	}
}

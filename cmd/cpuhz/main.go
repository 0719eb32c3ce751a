package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/skobkin/cpuhz-web/internal/app"
	"github.com/skobkin/cpuhz-web/internal/clock"
	"github.com/skobkin/cpuhz-web/internal/config"
	"github.com/skobkin/cpuhz-web/internal/sampler"
	"github.com/skobkin/cpuhz-web/internal/spin"
	"github.com/skobkin/cpuhz-web/internal/topology"
)

type options struct {
	sampler    config.SamplerConfig
	interval   time.Duration
	count      int
	sysfsRoot  string
	jsonOutput bool
	verbose    bool
}

func parseFlags() (options, error) {
	defaults, err := config.Load()
	if err != nil {
		return options{}, err
	}
	threads := defaults.Sampler.Threads
	if threads <= 0 {
		threads = topology.LogicalCount()
	}

	var (
		opts        options
		clockSource string
	)
	opts.sampler = defaults.Sampler
	flag.IntVar(&opts.sampler.Threads, "threads", threads, "Number of cores to monitor, starting at core 0")
	flag.IntVar(&opts.sampler.SpinCount, "samples", defaults.Sampler.SpinCount, "Cycle spins per measurement")
	flag.IntVar(&opts.sampler.Attempts, "attempts", defaults.Sampler.Attempts, "Measurements per round; the highest wins")
	flag.StringVar(&clockSource, "clock", defaults.Sampler.Clock, "Time source: monotonic or thread_cpu")
	flag.DurationVar(&opts.interval, "interval", defaults.SampleInterval, "Delay between printed rounds")
	flag.IntVar(&opts.count, "count", 0, "Stop after this many rounds (0 runs until interrupted)")
	flag.BoolVar(&opts.sampler.AllowUnpinned, "allow-unpinned", defaults.Sampler.AllowUnpinned, "Keep running when a monitor cannot be pinned")
	flag.BoolVar(&opts.sampler.VerifyCore, "verify-core", defaults.Sampler.VerifyCore, "Invalidate readings taken off the pinned core")
	flag.StringVar(&opts.sysfsRoot, "sysfs", defaults.SysfsRoot, "Path to sysfs root")
	flag.BoolVar(&opts.jsonOutput, "json", false, "Emit one JSON snapshot per round")
	flag.BoolVar(&opts.verbose, "v", false, "Log sampler lifecycle to stderr")
	flag.Parse()

	source, err := clock.Parse(clockSource)
	if err != nil {
		return options{}, err
	}
	opts.sampler.Clock = source

	switch {
	case opts.sampler.Threads < 1:
		return options{}, errors.New("--threads must be >= 1")
	case opts.sampler.SpinCount < 1:
		return options{}, errors.New("--samples must be >= 1")
	case opts.sampler.Attempts < 1:
		return options{}, errors.New("--attempts must be >= 1")
	case opts.interval <= 0:
		return options{}, errors.New("--interval must be > 0")
	case opts.count < 0:
		return options{}, errors.New("--count must be >= 0")
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger, os.Stdout); err != nil {
		logger.Error("sampling failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger, out io.Writer) error {
	if !opts.jsonOutput {
		printBanner(out, topology.Detect(), opts)
	}

	pool, _, err := app.StartPool(opts.sampler, logger)
	if err != nil {
		return err
	}

	reader := sampler.NewReader(opts.sysfsRoot, logger)
	manager, err := sampler.NewManager(opts.interval, pool, reader, logger)
	if err != nil {
		pool.Stop()
		return err
	}

	updates, unsubscribe := manager.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- manager.Run(ctx)
	}()

	printErr := printRounds(updates, opts, out)
	cancel()
	runErr := <-errCh
	if printErr != nil {
		return printErr
	}
	return runErr
}

// printRounds writes one line or JSON object per snapshot. It returns once
// count rounds are printed, or when updates closes.
func printRounds(updates <-chan sampler.Snapshot, opts options, out io.Writer) error {
	enc := json.NewEncoder(out)
	printed := 0
	for snapshot := range updates {
		if opts.jsonOutput {
			if err := enc.Encode(snapshot); err != nil {
				return fmt.Errorf("encode snapshot: %w", err)
			}
		} else {
			fmt.Fprintln(out, formatLine(snapshot))
		}

		printed++
		if opts.count > 0 && printed >= opts.count {
			return nil
		}
	}
	return nil
}

func printBanner(out io.Writer, host topology.Host, opts options) {
	brand := host.Brand
	if brand == "" {
		brand = "unknown CPU"
	}
	nominal := "unknown"
	if host.BaseMHz != nil {
		nominal = humanize.SIWithDigits(*host.BaseMHz*1e6, 2, "Hz")
	}

	exact := ""
	if !(spin.Executor{}).Exact() {
		exact = " (approximate executor)"
	}

	fmt.Fprintf(out, "%s, nominal %s, %d logical cores\n", brand, nominal, host.LogicalCores)
	fmt.Fprintf(out, "monitoring %d cores, %s spins x %d attempts, %s clock%s\n",
		opts.sampler.Threads,
		humanize.Comma(int64(opts.sampler.SpinCount)),
		opts.sampler.Attempts,
		opts.sampler.Clock,
		exact,
	)
}

func formatLine(snapshot sampler.Snapshot) string {
	fields := make([]string, len(snapshot.Cores))
	for i, core := range snapshot.Cores {
		if core.MHz == nil {
			fields[i] = fmt.Sprintf("%9s", "-")
			continue
		}
		fields[i] = fmt.Sprintf("%9.2f", *core.MHz)
	}
	return strings.Join(fields, " ")
}

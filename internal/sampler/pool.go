package sampler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/skobkin/cpuhz-web/internal/affinity"
	"github.com/skobkin/cpuhz-web/internal/barrier"
	"github.com/skobkin/cpuhz-web/internal/clock"
	"github.com/skobkin/cpuhz-web/internal/spin"
)

var (
	// ErrNotStarted is returned when sampling a pool whose monitors were never started.
	ErrNotStarted = errors.New("sampler pool not started")
	// ErrStopped is returned when using a pool after Stop.
	ErrStopped = errors.New("sampler pool stopped")
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("sampler pool already started")

	errNoClock = errors.New("monitor has no clock")
)

// DriftError reports a monitor that was found executing on a core other than
// the one it was pinned to, meaning the OS dropped or ignored the affinity.
type DriftError struct {
	Index int
	Core  int
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("monitor %d observed on core %d", e.Index, e.Core)
}

// ThreadResult is the outcome of one monitor for one round.
type ThreadResult struct {
	MHz    float64
	CoreID *int
	Pinned bool
	Err    error
}

// Valid reports whether the measurement can be trusted.
func (r ThreadResult) Valid() bool {
	return r.Err == nil
}

// PoolConfig configures a Pool. Zero-valued collaborators fall back to the
// native implementations.
type PoolConfig struct {
	SpinCount     int
	Attempts      int
	VerifyCore    bool
	AllowUnpinned bool

	Executor    Executor
	NewClock    func() (Clock, error)
	NewAffinity func() affinity.Controller
}

// Pool runs one monitor thread per logical core and drives them through
// lock-step rounds with three barriers:
//
//	start:    orchestrator releases n monitors into a round
//	complete: monitors report a measurement, then again once back to idle
//	end:      orchestrator lets monitors leave the round after reading
//
// The second completion signal keeps a fast monitor from entering the next
// round before a slow one has left the current one, which would let it take
// the slow monitor's start token.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger

	start    barrier.Barrier
	complete barrier.Barrier
	end      barrier.Barrier
	cancel   atomic.Bool

	roundMu sync.Mutex
	started bool
	stopped bool
	threads int
	results []ThreadResult
	rounds  atomic.Uint64

	wg       sync.WaitGroup
	stopOnce sync.Once
}

type initReport struct {
	index int
	err   error
	// degraded marks failures the pool may tolerate in unpinned mode.
	degraded bool
}

// NewPool validates the configuration and returns an idle pool.
func NewPool(cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	if cfg.SpinCount <= 0 {
		return nil, fmt.Errorf("spin count must be > 0")
	}
	if cfg.Attempts <= 0 {
		return nil, fmt.Errorf("attempts must be > 0")
	}
	if cfg.Executor == nil {
		cfg.Executor = spin.Executor{}
	}
	if cfg.NewClock == nil {
		cfg.NewClock = func() (Clock, error) { return clock.Monotonic{}, nil }
	}
	if cfg.NewAffinity == nil {
		cfg.NewAffinity = affinity.Native
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Pool{
		cfg:    cfg,
		logger: logger.With("component", "sampler_pool"),
	}, nil
}

// Start spawns one monitor per core index in [0, threads) and waits until
// each has configured its thread. Any affinity or priority failure aborts
// startup unless AllowUnpinned is set, in which case the affected monitors
// run unpinned and their results say so.
func (p *Pool) Start(threads int) error {
	if threads < 1 {
		return fmt.Errorf("thread count must be >= 1, got %d", threads)
	}

	p.roundMu.Lock()
	switch {
	case p.stopped:
		p.roundMu.Unlock()
		return ErrStopped
	case p.started:
		p.roundMu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.threads = threads
	p.results = make([]ThreadResult, threads)
	p.roundMu.Unlock()

	reports := make(chan initReport, threads)
	p.wg.Add(threads)
	for i := 0; i < threads; i++ {
		go p.monitor(i, reports)
	}

	var (
		errs     []error
		unpinned int
	)
	for range threads {
		report := <-reports
		if report.err == nil {
			continue
		}
		if report.degraded && p.cfg.AllowUnpinned {
			unpinned++
			p.logger.Warn("monitor running degraded", "index", report.index, "err", report.err)
			continue
		}
		errs = append(errs, fmt.Errorf("monitor %d: %w", report.index, report.err))
	}

	if err := errors.Join(errs...); err != nil {
		p.Stop()
		return fmt.Errorf("start monitors: %w", err)
	}

	p.logger.Info("monitors started",
		"threads", threads,
		"spin_count", p.cfg.SpinCount,
		"attempts", p.cfg.Attempts,
		"degraded", unpinned,
	)
	return nil
}

// Sample runs one round: every monitor measures its core once, and the call
// returns only after all of them reported and went back to idle. It must
// not be called concurrently with itself.
func (p *Pool) Sample() error {
	p.roundMu.Lock()
	defer p.roundMu.Unlock()

	if p.stopped {
		return ErrStopped
	}
	if !p.started {
		return ErrNotStarted
	}

	for i := range p.results {
		p.results[i] = ThreadResult{}
	}
	p.start.NotifyN(p.threads)
	p.complete.WaitN(p.threads)
	p.end.NotifyN(p.threads)
	p.complete.WaitN(p.threads)
	p.rounds.Add(1)

	return p.inspect()
}

func (p *Pool) inspect() error {
	var fatal []error
	for i, result := range p.results {
		if result.Err == nil {
			continue
		}
		if errors.Is(result.Err, ErrClockStalled) || errors.Is(result.Err, errNoClock) {
			fatal = append(fatal, fmt.Errorf("monitor %d: %w", i, result.Err))
			continue
		}
		var drift *DriftError
		if errors.As(result.Err, &drift) {
			p.logger.Warn("core affinity drift", "index", drift.Index, "core", drift.Core)
			continue
		}
		p.logger.Warn("monitor round error", "index", i, "err", result.Err)
	}
	return errors.Join(fatal...)
}

// Stop cancels all monitors, releases them through one last round and joins
// them. A Sample in flight on another goroutine finishes first. Safe to call
// more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		// The flag only changes between rounds.
		p.roundMu.Lock()
		defer p.roundMu.Unlock()
		p.cancel.Store(true)

		wasRunning := p.started && !p.stopped
		p.stopped = true
		if !wasRunning {
			return
		}

		p.start.NotifyN(p.threads)
		p.complete.WaitN(p.threads)
		p.wg.Wait()
		p.logger.Info("monitors stopped", "threads", p.threads, "rounds", p.rounds.Load())
	})
}

func (p *Pool) monitor(index int, reports chan<- initReport) {
	defer p.wg.Done()

	// Never unlocked: when the goroutine returns the runtime retires the
	// thread together with its modified affinity and priority.
	runtime.LockOSThread()

	ctl := p.cfg.NewAffinity()
	report := initReport{index: index}
	pinned := true
	if err := ctl.BindToCore(index); err != nil {
		report.err = fmt.Errorf("bind to core: %w", err)
		report.degraded = true
		pinned = false
	} else if err := ctl.SetMaxPriority(); err != nil {
		report.err = fmt.Errorf("raise priority: %w", err)
		report.degraded = true
	}

	var meter *Meter
	if clk, err := p.cfg.NewClock(); err != nil {
		report.err = errors.Join(report.err, fmt.Errorf("init clock: %w", err))
		report.degraded = false
	} else {
		meter = NewMeter(p.cfg.Executor, clk)
	}

	reports <- report

	verify := p.cfg.VerifyCore && pinned
	slot := &p.results[index]

	for {
		p.start.Wait()
		if p.cancel.Load() {
			p.complete.Notify()
			return
		}

		*slot = p.measure(index, meter, ctl, pinned, verify)

		p.complete.Notify()
		p.end.Wait()
		p.complete.Notify()
	}
}

func (p *Pool) measure(index int, meter *Meter, ctl affinity.Controller, pinned, verify bool) ThreadResult {
	result := ThreadResult{Pinned: pinned}
	if meter == nil {
		result.Err = errNoClock
		return result
	}

	mhz, err := meter.MeasureBest(p.cfg.Attempts, p.cfg.SpinCount)
	if err != nil {
		result.Err = err
		return result
	}
	result.MHz = mhz

	core, err := ctl.CurrentCore()
	if err != nil {
		if verify {
			result.Err = fmt.Errorf("query current core: %w", err)
		}
		return result
	}
	result.CoreID = &core
	if verify && core != index {
		result.Err = &DriftError{Index: index, Core: core}
	}
	return result
}

// ThreadCount returns the number of monitors.
func (p *Pool) ThreadCount() int {
	return len(p.results)
}

// Rounds returns the number of completed Sample calls.
func (p *Pool) Rounds() uint64 {
	return p.rounds.Load()
}

// MHz returns the estimate of monitor i from the last round.
func (p *Pool) MHz(i int) float64 {
	return p.results[i].MHz
}

// CoreID returns the core monitor i observed itself on in the last round.
func (p *Pool) CoreID(i int) (int, bool) {
	if id := p.results[i].CoreID; id != nil {
		return *id, true
	}
	return 0, false
}

// Result returns the full record of monitor i from the last round.
func (p *Pool) Result(i int) ThreadResult {
	return p.results[i]
}

// Results copies all records from the last round.
func (p *Pool) Results() []ThreadResult {
	out := make([]ThreadResult, len(p.results))
	copy(out, p.results)
	return out
}

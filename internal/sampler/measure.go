package sampler

import (
	"errors"
	"time"
)

// ErrClockStalled reports a spin that took no measurable time. The clock is
// assumed strictly monotonic over a non-empty busy spin, so this means the
// time source is broken.
var ErrClockStalled = errors.New("clock did not advance across a cycle spin")

// preMeasureYield gives the scheduler a chance to run whatever it owes
// before the timer starts, making preemption mid-spin less likely.
const preMeasureYield = time.Microsecond

// Executor busy-executes a fixed number of cycles per spin.
type Executor interface {
	Execute(spins int)
	CyclesPerSpin() int
}

// Clock supplies monotonic readings. One instance is used by one thread.
type Clock interface {
	Now() time.Duration
}

// Meter turns timed cycle spins into MHz estimates.
type Meter struct {
	exec  Executor
	clock Clock
	yield func()
}

// NewMeter builds a Meter from an executor and the clock of the calling
// thread.
func NewMeter(exec Executor, clock Clock) *Meter {
	return &Meter{
		exec:  exec,
		clock: clock,
		yield: func() { time.Sleep(preMeasureYield) },
	}
}

// MeasureOnce times a single spin and converts it into MHz.
func (m *Meter) MeasureOnce(spins int) (float64, error) {
	if m.yield != nil {
		m.yield()
	}

	start := m.clock.Now()
	m.exec.Execute(spins)
	elapsed := (m.clock.Now() - start).Seconds()
	if elapsed <= 0 {
		return 0, ErrClockStalled
	}

	cycles := float64(m.exec.CyclesPerSpin()) * float64(spins)
	return cycles / elapsed / 1e6, nil
}

// MeasureBest returns the highest estimate across attempts. Throttling,
// cache misses and preemption only ever lower an observation, so the
// maximum of several short trials is the closest to the real clock.
func (m *Meter) MeasureBest(attempts, spins int) (float64, error) {
	if attempts < 1 {
		attempts = 1
	}
	var best float64
	for i := 0; i < attempts; i++ {
		mhz, err := m.MeasureOnce(spins)
		if err != nil {
			return 0, err
		}
		if mhz > best {
			best = mhz
		}
	}
	return best, nil
}

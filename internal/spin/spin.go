// Package spin executes a fixed, architecture-known number of clock cycles.
//
// The cycle cost per spin is load-bearing for every frequency estimate, so
// the hot loop lives in hand-written assembly on amd64 and arm64: each spin
// is a chain of 50 dependent register-register adds whose latency the loop
// counter update overlaps. Add-immediate chains are avoided because some
// cores fold them at rename and retire more than one per cycle.
package spin

// CyclesPerSpin is the number of core clock cycles one spin costs.
const CyclesPerSpin = 50

// Executor busy-executes spins * CyclesPerSpin cycles. It holds no state and
// is safe to call from any thread.
type Executor struct{}

// Execute spins for the requested count and returns once the work is retired.
// Non-positive counts return immediately.
func (Executor) Execute(spins int) {
	if spins <= 0 {
		return
	}
	executeFixedCycles(spins)
}

// CyclesPerSpin reports the cycle cost of a single spin.
func (Executor) CyclesPerSpin() int {
	return CyclesPerSpin
}

// Exact reports whether this build uses the assembly loop. The
// portable fallback cannot promise a cycle count.
func (Executor) Exact() bool {
	return exact
}

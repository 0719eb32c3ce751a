package spin

import (
	"testing"
	"time"
)

func TestExecuteReturns(t *testing.T) {
	t.Parallel()

	var exec Executor
	exec.Execute(0)
	exec.Execute(-5)

	start := time.Now()
	exec.Execute(10_000)
	if elapsed := time.Since(start); elapsed <= 0 {
		t.Fatalf("expected positive elapsed time, got %s", elapsed)
	}
}

func TestCyclesPerSpin(t *testing.T) {
	t.Parallel()

	var exec Executor
	if got := exec.CyclesPerSpin(); got != 50 {
		t.Fatalf("expected 50 cycles per spin, got %d", got)
	}
}

func TestExecuteScalesWithSpins(t *testing.T) {
	t.Parallel()

	var exec Executor
	measure := func(spins int) time.Duration {
		best := time.Duration(1<<63 - 1)
		for range 5 {
			start := time.Now()
			exec.Execute(spins)
			if d := time.Since(start); d < best {
				best = d
			}
		}
		return best
	}

	short := measure(20_000)
	long := measure(200_000)
	if long < 2*short {
		t.Fatalf("ten times the spins took %s vs %s", long, short)
	}
}

func BenchmarkExecute(b *testing.B) {
	var exec Executor
	for b.Loop() {
		exec.Execute(1000)
	}
}

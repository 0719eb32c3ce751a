//go:build linux

package clock

import (
	"runtime"
	"testing"
)

func TestThreadCPUCountsBusyTime(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c, err := New(SourceThreadCPU)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	start := c.Now()
	var acc uint64
	for i := 0; i < 5_000_000; i++ {
		acc += uint64(i)
	}
	if acc == 0 {
		t.Fatal("unexpected zero accumulator")
	}
	if elapsed := c.Now() - start; elapsed <= 0 {
		t.Fatalf("expected thread cpu time to advance, got %s", elapsed)
	}
}

//go:build linux

package clock

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ThreadCPU reads CLOCK_THREAD_CPUTIME_ID for the calling OS thread. Time the
// thread spends descheduled is not counted, which filters preemption out of
// a spin measurement. The goroutine must be locked to its thread.
type ThreadCPU struct{}

func newThreadCPU() (Clock, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_THREAD_CPUTIME_ID, &ts); err != nil {
		return nil, fmt.Errorf("clock_gettime(CLOCK_THREAD_CPUTIME_ID): %w", err)
	}
	return ThreadCPU{}, nil
}

// Now returns the CPU time consumed by the calling thread.
func (ThreadCPU) Now() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_THREAD_CPUTIME_ID, &ts); err != nil {
		return 0
	}
	return time.Duration(ts.Nano())
}

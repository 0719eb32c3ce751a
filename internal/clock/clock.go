// Package clock provides the time sources used to time cycle spins.
package clock

import (
	"fmt"
	"strings"
	"time"
)

// Source names accepted by Parse.
const (
	SourceMonotonic = "monotonic"
	SourceThreadCPU = "thread_cpu"
)

// Clock returns readings on a timeline that only moves forward. Differences
// between two readings are elapsed time; absolute values carry no meaning.
type Clock interface {
	Now() time.Duration
}

var epoch = time.Now()

// Monotonic reads the runtime monotonic clock, which is not affected by
// wall-clock steps or NTP slewing.
type Monotonic struct{}

// Now returns the time elapsed since package initialisation.
func (Monotonic) Now() time.Duration {
	return time.Since(epoch)
}

// New returns a clock for the named source. ThreadCPU readings are only
// meaningful on the thread that took them, so callers create one per thread.
func New(source string) (Clock, error) {
	switch source {
	case SourceMonotonic, "":
		return Monotonic{}, nil
	case SourceThreadCPU:
		return newThreadCPU()
	default:
		return nil, fmt.Errorf("unknown clock source %q", source)
	}
}

// Parse normalises and validates a clock source name.
func Parse(input string) (string, error) {
	value := strings.ToLower(strings.TrimSpace(input))
	switch value {
	case "", SourceMonotonic:
		return SourceMonotonic, nil
	case SourceThreadCPU, "thread-cpu", "cputime":
		return SourceThreadCPU, nil
	default:
		return "", fmt.Errorf("unsupported clock source %q", input)
	}
}

//go:build !linux

package clock

import (
	"errors"
	"fmt"
)

func newThreadCPU() (Clock, error) {
	return nil, fmt.Errorf("thread cpu clock: %w", errors.ErrUnsupported)
}

//go:build !linux

package affinity

import (
	"errors"
	"fmt"
)

type native struct{}

func (native) BindToCore(core int) error {
	return fmt.Errorf("bind to core %d: %w", core, errors.ErrUnsupported)
}

func (native) SetMaxPriority() error {
	return fmt.Errorf("set thread priority: %w", errors.ErrUnsupported)
}

func (native) CurrentCore() (int, error) {
	return -1, fmt.Errorf("current core: %w", errors.ErrUnsupported)
}

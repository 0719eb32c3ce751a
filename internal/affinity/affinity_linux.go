//go:build linux

package affinity

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Nice values range from -20 (highest priority) to 19.
const (
	highestNice = -20
	lowestNice  = 19
)

type native struct{}

func (native) BindToCore(core int) error {
	if core < 0 {
		return fmt.Errorf("invalid core %d", core)
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity core %d: %w", core, err)
	}
	return nil
}

// SetMaxPriority lowers the thread nice value as far as it is permitted.
// On Linux setpriority with a TID only affects that thread. Root tries -20
// first; without CAP_SYS_NICE (common in containers) it falls back to the
// RLIMIT_NICE headroom like any other user. Without headroom the thread
// already runs at its highest permitted priority and the call is a no-op,
// matching SCHED_OTHER whose only static priority is 0.
func (native) SetMaxPriority() error {
	tid := unix.Gettid()
	if unix.Geteuid() == 0 {
		err := unix.Setpriority(unix.PRIO_PROCESS, tid, highestNice)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EACCES) && !errors.Is(err, unix.EPERM) {
			return fmt.Errorf("setpriority nice %d: %w", highestNice, err)
		}
	}

	target, ok, err := permittedNice()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, tid, target); err != nil {
		return fmt.Errorf("setpriority nice %d: %w", target, err)
	}
	return nil
}

func (native) CurrentCore() (int, error) {
	var cpu, node uint32
	_, _, errno := unix.RawSyscall(unix.SYS_GETCPU,
		uintptr(unsafe.Pointer(&cpu)),
		uintptr(unsafe.Pointer(&node)),
		0)
	if errno != 0 {
		return -1, fmt.Errorf("getcpu: %w", errno)
	}
	return int(cpu), nil
}

// permittedNice derives the lowest nice value RLIMIT_NICE allows.
func permittedNice() (int, bool, error) {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NICE, &limit); err != nil {
		if errors.Is(err, unix.EINVAL) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("getrlimit RLIMIT_NICE: %w", err)
	}
	return niceFromRlimit(limit.Cur)
}

// niceFromRlimit maps an RLIMIT_NICE value (20 - nice) to the lowest nice a
// process may request. Values of 20 or below grant no headroom below 0.
func niceFromRlimit(cur uint64) (int, bool, error) {
	if cur >= 40 {
		return highestNice, true, nil
	}
	nice := 20 - int(cur)
	if nice >= 0 {
		return 0, false, nil
	}
	if nice < highestNice {
		nice = highestNice
	}
	if nice > lowestNice {
		nice = lowestNice
	}
	return nice, true, nil
}

// Package topology describes the logical CPUs of the host: what sysfs says
// about each one and what the processor reports about itself.
package topology

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

const (
	cpuClassPath = "devices/system/cpu"
)

// CPU describes a single logical CPU discovered via sysfs.
type CPU struct {
	ID       int      `json:"id"`
	Online   bool     `json:"online"`
	Package  int      `json:"package"`
	Core     int      `json:"core"`
	Siblings []int    `json:"siblings,omitempty"`
	MinMHz   *float64 `json:"min_mhz"`
	MaxMHz   *float64 `json:"max_mhz"`
	Driver   string   `json:"driver,omitempty"`
	Governor string   `json:"governor,omitempty"`
}

// Discover enumerates logical CPUs exposed via sysfs under the provided root.
// A missing cpu class directory is not an error; it yields no CPUs.
func Discover(root string, logger *slog.Logger) ([]CPU, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sysRoot, err := os.OpenRoot(root)
	if err != nil {
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	entries, err := fs.ReadDir(sysRoot.FS(), cpuClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("cpu class path missing", "path", filepath.Join(root, cpuClassPath))
			return nil, nil
		}
		return nil, fmt.Errorf("read cpu class dir: %w", err)
	}

	var cpus []CPU
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "cpu") || !allDigits(name[3:]) {
			continue
		}
		if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		id, err := strconv.Atoi(name[3:])
		if err != nil {
			continue
		}

		cpuRoot, err := sysRoot.OpenRoot(filepath.Join(cpuClassPath, name))
		if err != nil {
			logger.Warn("failed to open cpu root", "cpu", name, "err", err)
			continue
		}
		cpus = append(cpus, loadCPU(id, cpuRoot))
		if err := cpuRoot.Close(); err != nil {
			logger.Debug("failed to close cpu root", "cpu", name, "err", err)
		}
	}

	sort.Slice(cpus, func(i, j int) bool {
		return cpus[i].ID < cpus[j].ID
	})
	return cpus, nil
}

func loadCPU(id int, cpuRoot *os.Root) CPU {
	cpu := CPU{
		ID:      id,
		Online:  true,
		Package: -1,
		Core:    -1,
	}

	// cpu0 usually has no online file because it cannot be offlined.
	if value, err := readTrim(cpuRoot, "online"); err == nil {
		cpu.Online = value == "1"
	}
	if value, err := readInt(cpuRoot, "topology/physical_package_id"); err == nil {
		cpu.Package = value
	}
	if value, err := readInt(cpuRoot, "topology/core_id"); err == nil {
		cpu.Core = value
	}
	if value, err := readTrim(cpuRoot, "topology/thread_siblings_list"); err == nil {
		if siblings, err := ParseList(value); err == nil {
			cpu.Siblings = siblings
		}
	}

	cpu.MinMHz = readKHz(cpuRoot, "cpufreq/cpuinfo_min_freq")
	cpu.MaxMHz = readKHz(cpuRoot, "cpufreq/cpuinfo_max_freq")
	cpu.Driver, _ = readTrim(cpuRoot, "cpufreq/scaling_driver")
	cpu.Governor, _ = readTrim(cpuRoot, "cpufreq/scaling_governor")
	return cpu
}

// ParseList parses the kernel cpulist format, e.g. "0-3,8,10-11".
func ParseList(value string) ([]int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(value, ",") {
		lo, hi, isRange := strings.Cut(strings.TrimSpace(part), "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("parse cpu list %q: %w", value, err)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("parse cpu list %q: %w", value, err)
			}
		}
		if end < start {
			return nil, fmt.Errorf("parse cpu list %q: descending range", value)
		}
		for cpu := start; cpu <= end; cpu++ {
			out = append(out, cpu)
		}
	}
	return out, nil
}

func readKHz(root *os.Root, name string) *float64 {
	value, err := readTrim(root, name)
	if err != nil {
		return nil
	}
	khz, err := strconv.ParseFloat(value, 64)
	if err != nil || khz <= 0 {
		return nil
	}
	mhz := khz / 1000
	return &mhz
}

func readInt(root *os.Root, name string) (int, error) {
	value, err := readTrim(root, name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(value)
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func allDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

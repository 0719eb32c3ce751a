package sampler

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	cpuClassPath          = "devices/system/cpu"
	scalingCurFilename    = "scaling_cur_freq"
	cpuinfoCurFilename    = "cpuinfo_cur_freq"
	scalingMaxFilename    = "scaling_max_freq"
	scalingGovFilename    = "scaling_governor"
	kilohertzPerMegahertz = 1000
)

// Reader fetches the kernel's own view of per-core frequency from cpufreq.
// It is used to annotate measured values, never to replace them.
type Reader struct {
	sysfsRoot string
	logger    *slog.Logger
}

// NewReader constructs a Reader rooted at sysfsRoot (usually "/sys").
func NewReader(sysfsRoot string, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reader{
		sysfsRoot: sysfsRoot,
		logger:    logger.With("component", "cpufreq_reader"),
	}
}

// CurrentMHz returns the reported frequency for the core, or nil when the
// kernel does not expose cpufreq for it.
func (r *Reader) CurrentMHz(core int) *float64 {
	if r == nil || core < 0 {
		return nil
	}
	dir := r.cpufreqDir(core)
	for _, name := range []string{scalingCurFilename, cpuinfoCurFilename} {
		if value := r.readScaledFloat(filepath.Join(dir, name), kilohertzPerMegahertz); value != nil {
			return value
		}
	}
	return nil
}

// MaxMHz returns the scaling ceiling for the core, if exposed.
func (r *Reader) MaxMHz(core int) *float64 {
	if r == nil || core < 0 {
		return nil
	}
	return r.readScaledFloat(filepath.Join(r.cpufreqDir(core), scalingMaxFilename), kilohertzPerMegahertz)
}

// Governor returns the active scaling governor, or "" if unknown.
func (r *Reader) Governor(core int) string {
	if r == nil || core < 0 {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(r.cpufreqDir(core), scalingGovFilename))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Annotate fills ReportedMHz for every core in the snapshot.
func (r *Reader) Annotate(snapshot *Snapshot) {
	if r == nil || snapshot == nil {
		return
	}
	for i := range snapshot.Cores {
		core := snapshot.Cores[i].Index
		if id := snapshot.Cores[i].CoreID; id != nil {
			core = *id
		}
		snapshot.Cores[i].ReportedMHz = r.CurrentMHz(core)
	}
}

func (r *Reader) cpufreqDir(core int) string {
	return filepath.Join(r.sysfsRoot, cpuClassPath, "cpu"+strconv.Itoa(core), "cpufreq")
}

func (r *Reader) readScaledFloat(path string, divisor float64) *float64 {
	value, err := r.readFloatValue(path)
	if err != nil {
		return nil
	}
	if value <= 0 {
		return nil
	}
	return float64Ptr(value / divisor)
}

func (r *Reader) readFloatValue(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	valueStr := strings.TrimSpace(string(data))
	if valueStr == "" {
		return 0, fmt.Errorf("empty value")
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		r.logger.Debug("failed to parse float value", "path", path, "value", valueStr, "err", err)
		return 0, fmt.Errorf("parse float: %w", err)
	}
	return value, nil
}

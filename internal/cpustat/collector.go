package cpustat

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/tklauser/go-sysconf"
)

const (
	statFilename   = "stat"
	fallbackClkTck = 100
)

// times holds the cumulative jiffy counters of one cpu line.
type times struct {
	user, nice, system, idle, iowait, irq, softirq, steal uint64
}

func (t times) total() uint64 {
	return t.user + t.nice + t.system + t.idle + t.iowait + t.irq + t.softirq + t.steal
}

func (t times) idleAll() uint64 {
	return t.idle + t.iowait
}

func (t times) busy() uint64 {
	return t.total() - t.idleAll()
}

type collector struct {
	procRoot *os.Root
	clkTck   float64
	logger   *slog.Logger
}

func newCollector(procRoot string, logger *slog.Logger) (*collector, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	root, err := os.OpenRoot(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open proc root: %w", err)
	}

	clkTck, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clkTck <= 0 {
		logger.Warn("sysconf(SC_CLK_TCK) unavailable, using fallback", "fallback", fallbackClkTck, "err", err)
		clkTck = fallbackClkTck
	}

	return &collector{
		procRoot: root,
		clkTck:   float64(clkTck),
		logger:   logger,
	}, nil
}

// collect returns the aggregate counters and the per-cpu counters keyed by
// logical CPU id.
func (c *collector) collect() (times, map[int]times, error) {
	data, err := c.procRoot.ReadFile(statFilename)
	if err != nil {
		return times{}, nil, err
	}
	return parseStat(data)
}

func (c *collector) seconds(jiffies uint64) float64 {
	return float64(jiffies) / c.clkTck
}

func (c *collector) Close() error {
	if c.procRoot == nil {
		return nil
	}
	return c.procRoot.Close()
}

func parseStat(data []byte) (times, map[int]times, error) {
	var (
		aggregate times
		found     bool
	)
	perCPU := make(map[int]times)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || !strings.HasPrefix(fields[0], "cpu") {
			continue
		}
		parsed, err := parseTimes(fields[1:])
		if err != nil {
			return times{}, nil, fmt.Errorf("parse %s: %w", fields[0], err)
		}
		if fields[0] == "cpu" {
			aggregate = parsed
			found = true
			continue
		}
		id, err := strconv.Atoi(fields[0][len("cpu"):])
		if err != nil {
			continue
		}
		perCPU[id] = parsed
	}
	if err := scanner.Err(); err != nil {
		return times{}, nil, err
	}
	if !found {
		return times{}, nil, fmt.Errorf("aggregate cpu line not found")
	}
	return aggregate, perCPU, nil
}

func parseTimes(fields []string) (times, error) {
	values := make([]uint64, 8)
	for i := 0; i < len(values) && i < len(fields); i++ {
		v, err := strconv.ParseUint(fields[i], 10, 64)
		if err != nil {
			return times{}, err
		}
		values[i] = v
	}
	return times{
		user:    values[0],
		nice:    values[1],
		system:  values[2],
		idle:    values[3],
		iowait:  values[4],
		irq:     values[5],
		softirq: values[6],
		steal:   values[7],
	}, nil
}

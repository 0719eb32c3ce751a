package cpustat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skobkin/cpuhz-web/internal/config"
)

// ErrDisabled is returned by Subscribe when the scanner is turned off.
var ErrDisabled = errors.New("load scanner disabled")

// Manager periodically scans /proc/stat and fan-outs utilisation snapshots.
type Manager struct {
	cfg    config.LoadConfig
	logger *slog.Logger

	collector *collector

	mu          sync.RWMutex
	latest      *Snapshot
	prevTotal   times
	prevCPU     map[int]times
	subscribers map[*loadSubscriber]struct{}
	closeOnce   sync.Once
	closeErr    error
}

// NewManager constructs a load scanner reading procRoot (usually "/proc").
func NewManager(cfg config.LoadConfig, procRoot string, logger *slog.Logger) (*Manager, error) {
	if procRoot == "" {
		procRoot = "/proc"
	}
	if cfg.ScanInterval <= 0 {
		return nil, fmt.Errorf("scan interval must be > 0")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	manager := &Manager{
		cfg:         cfg,
		logger:      logger.With("component", "cpustat_manager"),
		subscribers: make(map[*loadSubscriber]struct{}),
	}
	if !cfg.Enable {
		return manager, nil
	}

	coll, err := newCollector(procRoot, logger.With("component", "cpustat_collector"))
	if err != nil {
		return nil, fmt.Errorf("init collector: %w", err)
	}
	manager.collector = coll
	return manager, nil
}

// Run starts the periodic scanner until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if !m.cfg.Enable {
		<-ctx.Done()
		return m.Close()
	}

	m.logger.Info("load scanner started", "interval", m.cfg.ScanInterval)
	m.performScan(time.Now())

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("load scanner stopping", "reason", ctx.Err())
			return m.Close()
		case now := <-ticker.C:
			m.performScan(now)
		}
	}
}

// Enabled reports whether the scanner collects data.
func (m *Manager) Enabled() bool {
	return m.cfg.Enable
}

// Latest returns the most recent snapshot.
func (m *Manager) Latest() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return Snapshot{}, false
	}
	return *m.latest, true
}

// Subscribe registers for load snapshot updates.
func (m *Manager) Subscribe() (<-chan Snapshot, func(), error) {
	if !m.cfg.Enable {
		return nil, nil, ErrDisabled
	}

	sub := newLoadSubscriber()

	m.mu.Lock()
	m.subscribers[sub] = struct{}{}
	if m.latest != nil {
		sub.send(*m.latest)
	}
	m.mu.Unlock()

	unsubscribe := func() {
		m.removeSubscriber(sub)
	}
	return sub.channel(), unsubscribe, nil
}

// Ready reports whether at least one scan has been performed. A disabled
// scanner is always ready.
func (m *Manager) Ready() bool {
	if !m.cfg.Enable {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest != nil
}

func (m *Manager) performScan(now time.Time) {
	total, perCPU, err := m.collector.collect()
	if err != nil {
		m.logger.Warn("load scan failed", "err", err)
		return
	}

	m.mu.RLock()
	prevTotal, prevCPU := m.prevTotal, m.prevCPU
	m.mu.RUnlock()

	snapshot := Snapshot{
		Timestamp: now.UTC(),
		Cores:     make([]CoreLoad, 0, len(perCPU)),
	}
	if prevCPU != nil {
		snapshot.Total, _ = utilisation(prevTotal, total)
	}
	for id, current := range perCPU {
		core := CoreLoad{
			CPU:         id,
			BusySeconds: m.collector.seconds(current.busy()),
		}
		if prev, ok := prevCPU[id]; ok {
			core.BusyPct, core.IOWaitPct = utilisation(prev, current)
		}
		snapshot.Cores = append(snapshot.Cores, core)
	}
	sort.Slice(snapshot.Cores, func(i, j int) bool {
		return snapshot.Cores[i].CPU < snapshot.Cores[j].CPU
	})

	m.publish(snapshot, total, perCPU)
}

// utilisation returns busy and iowait percentages between two readings, or
// nils when the counters did not move forward (idle tick-less CPU or a
// counter reset after hotplug).
func utilisation(prev, current times) (busy, iowait *float64) {
	prevTotal, curTotal := prev.total(), current.total()
	if curTotal <= prevTotal {
		return nil, nil
	}
	deltaTotal := float64(curTotal - prevTotal)

	var deltaBusy float64
	if current.busy() >= prev.busy() {
		deltaBusy = float64(current.busy() - prev.busy())
	}
	var deltaIOWait float64
	if current.iowait >= prev.iowait {
		deltaIOWait = float64(current.iowait - prev.iowait)
	}

	busyPct := clampPct(deltaBusy / deltaTotal * 100)
	iowaitPct := clampPct(deltaIOWait / deltaTotal * 100)
	return &busyPct, &iowaitPct
}

func clampPct(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

func (m *Manager) publish(snapshot Snapshot, total times, perCPU map[int]times) {
	m.mu.Lock()
	m.latest = &snapshot
	m.prevTotal = total
	m.prevCPU = perCPU
	subs := make([]*loadSubscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.send(snapshot)
	}
}

func (m *Manager) removeSubscriber(sub *loadSubscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, sub)
	sub.close()
}

// Close releases the /proc handle retained by the manager.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		if m.collector != nil {
			if err := m.collector.Close(); err != nil {
				m.closeErr = fmt.Errorf("close collector: %w", err)
			}
		}
	})
	return m.closeErr
}

type loadSubscriber struct {
	ch     chan Snapshot
	mu     sync.Mutex
	closed bool
}

func newLoadSubscriber() *loadSubscriber {
	return &loadSubscriber{
		ch: make(chan Snapshot, 1),
	}
}

func (s *loadSubscriber) channel() <-chan Snapshot {
	return s.ch
}

func (s *loadSubscriber) send(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snapshot:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snapshot:
		default:
		}
	}
}

func (s *loadSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}

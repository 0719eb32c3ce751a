package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// RoundRunner is the part of Pool the Manager drives.
type RoundRunner interface {
	Sample() error
	Results() []ThreadResult
	Rounds() uint64
	Stop()
}

// Manager runs sampling rounds on a fixed interval, caches the latest
// snapshot, and fan-outs updates to subscribers.
type Manager struct {
	interval time.Duration
	pool     RoundRunner
	reader   *Reader
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.RWMutex
	latest      *Snapshot
	drift       []uint64
	invalid     []uint64
	subscribers map[*subscriber]struct{}
	closeOnce   sync.Once
}

// NewManager builds a Manager around a started pool. The reader is optional;
// without it snapshots carry no reported frequency.
func NewManager(interval time.Duration, pool RoundRunner, reader *Reader, logger *slog.Logger) (*Manager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	manager := &Manager{
		interval:    interval,
		pool:        pool,
		reader:      reader,
		logger:      logger.With("component", "sampler_manager"),
		now:         time.Now,
		subscribers: make(map[*subscriber]struct{}),
	}
	return manager, nil
}

// Run samples until the context is canceled or a round fails fatally. The
// pool is stopped before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	defer m.Close()

	m.logger.Info("sampler started", "interval", m.interval)

	// Initial sample to prime cache.
	if err := m.round(); err != nil {
		return err
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("sampler stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			if err := m.round(); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) round() error {
	if err := m.pool.Sample(); err != nil {
		m.logger.Error("sampling round failed", "err", err)
		return fmt.Errorf("sample round: %w", err)
	}

	results := m.pool.Results()
	snapshot := newSnapshot(m.now(), m.pool.Rounds(), results)
	m.reader.Annotate(&snapshot)
	m.store(snapshot, results)
	return nil
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

// Subscribe registers a listener for new snapshots. The latest snapshot, if
// any, is delivered immediately. Slow listeners only ever see the newest one.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := newSubscriber()
	m.subscribers[sub] = struct{}{}
	if m.latest != nil {
		sub.send(*m.latest)
	}

	unsubscribe := func() {
		m.removeSubscriber(sub)
	}
	return sub.channel(), unsubscribe
}

// Ready reports whether at least one round has been published.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest != nil
}

// Rounds returns the number of completed rounds.
func (m *Manager) Rounds() uint64 {
	return m.pool.Rounds()
}

// CoreStats holds cumulative per-core failure counters.
type CoreStats struct {
	Drift   uint64
	Invalid uint64
}

// Stats returns cumulative counters indexed by monitor.
func (m *Manager) Stats() []CoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make([]CoreStats, len(m.drift))
	for i := range stats {
		stats[i] = CoreStats{Drift: m.drift[i], Invalid: m.invalid[i]}
	}
	return stats
}

func (m *Manager) store(snapshot Snapshot, results []ThreadResult) {
	m.mu.Lock()
	m.latest = &snapshot
	if len(m.drift) != len(results) {
		m.drift = make([]uint64, len(results))
		m.invalid = make([]uint64, len(results))
	}
	for i, result := range results {
		if result.Err == nil {
			continue
		}
		m.invalid[i]++
		var drift *DriftError
		if errors.As(result.Err, &drift) {
			m.drift[i]++
		}
	}

	targetSubs := make([]*subscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		targetSubs = append(targetSubs, sub)
	}
	m.mu.Unlock()

	for _, sub := range targetSubs {
		sub.send(snapshot)
	}
}

func (m *Manager) removeSubscriber(sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, sub)
	sub.close()
}

// Close stops the pool and closes all subscriber channels. Safe for repeated use.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.pool.Stop()

		m.mu.Lock()
		defer m.mu.Unlock()
		for sub := range m.subscribers {
			sub.close()
			delete(m.subscribers, sub)
		}
	})
	return nil
}

type subscriber struct {
	ch     chan Snapshot
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan Snapshot, 1),
	}
}

func (s *subscriber) channel() <-chan Snapshot {
	return s.ch
}

func (s *subscriber) send(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snapshot:
		return
	default:
		// Drop oldest to make room for new snapshot.
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

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}

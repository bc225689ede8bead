package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skobkin/nvtweak/internal/gpu"
)

// Refresher is the part of the device adapter driven by the sampler.
type Refresher interface {
	Refresh(ctx context.Context) error
	Snapshot() gpu.Snapshot
}

// Manager refreshes the device on a fixed cadence, caches the latest sample
// and fans it out to subscribers.
type Manager struct {
	interval time.Duration
	device   Refresher
	logger   *slog.Logger

	mu          sync.RWMutex
	latest      Sample
	hasLatest   bool
	subscribers map[*subscriber]struct{}
	lastWarning string
	hasData     bool

	refreshes  atomic.Uint64
	incomplete atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// NewManager builds a Manager around the device adapter.
func NewManager(interval time.Duration, device Refresher, logger *slog.Logger) (*Manager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if device == nil {
		return nil, fmt.Errorf("device must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		interval:    interval,
		device:      device,
		logger:      logger.With("component", "sampler_manager"),
		subscribers: make(map[*subscriber]struct{}),
	}, nil
}

// Interval returns the refresh cadence.
func (m *Manager) Interval() time.Duration {
	return m.interval
}

// Run refreshes the device until the context is canceled. Refreshes happen
// on this goroutine only.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("sampler started", "interval", m.interval)

	// Initial sample to prime cache.
	m.sample(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("sampler stopping", "reason", ctx.Err())
			return m.Close()
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Manager) sample(ctx context.Context) {
	err := m.device.Refresh(ctx)
	if err != nil && ctx.Err() != nil {
		return
	}
	m.refreshes.Add(1)

	sample := Sample{
		Timestamp: time.Now().UTC(),
		Metrics:   m.device.Snapshot(),
	}

	if err != nil {
		m.incomplete.Add(1)
		sample.Warnings = warningFields(err)
		m.logRefreshFailure(sample.Warnings, err)
	} else {
		m.clearRefreshFailure()
	}

	// Until one field has been read the snapshot holds only zero values,
	// so nothing is published and Ready stays false.
	if !m.markData(readAnyField(err)) {
		return
	}
	m.storeSample(sample)
}

// readAnyField reports whether a pass that returned err updated at least one
// field. A strict-mode abort carries no count and is treated as empty.
func readAnyField(err error) bool {
	if err == nil {
		return true
	}
	var refreshErr *gpu.RefreshError
	if errors.As(err, &refreshErr) {
		return !refreshErr.AllFailed()
	}
	return false
}

func (m *Manager) markData(fresh bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fresh {
		m.hasData = true
	}
	return m.hasData
}

func warningFields(err error) []string {
	var refreshErr *gpu.RefreshError
	if errors.As(err, &refreshErr) {
		return refreshErr.Fields()
	}
	var queryErr *gpu.QueryError
	if errors.As(err, &queryErr) {
		return []string{queryErr.Field}
	}
	return []string{err.Error()}
}

// logRefreshFailure warns when the set of failing fields changes and logs
// repeats at debug level so a missing sensor does not flood the log.
func (m *Manager) logRefreshFailure(fields []string, err error) {
	key := strings.Join(fields, ",")
	m.mu.Lock()
	changed := key != m.lastWarning
	m.lastWarning = key
	m.mu.Unlock()

	if changed {
		m.logger.Warn("refresh incomplete", "fields", fields, "err", err)
		return
	}
	m.logger.Debug("refresh incomplete", "fields", fields)
}

func (m *Manager) clearRefreshFailure() {
	m.mu.Lock()
	recovered := m.lastWarning != ""
	m.lastWarning = ""
	m.mu.Unlock()

	if recovered {
		m.logger.Info("refresh recovered")
	}
}

// Latest returns the most recent sample.
func (m *Manager) Latest() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.hasLatest
}

// Subscribe registers a listener for new samples. The channel holds at most
// one pending sample; slow readers only ever see the newest one.
func (m *Manager) Subscribe() (<-chan Sample, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := newSubscriber()
	m.subscribers[sub] = struct{}{}

	if m.hasLatest {
		sub.send(m.latest)
	}

	unsubscribe := func() {
		m.removeSubscriber(sub)
	}

	return sub.channel(), unsubscribe
}

// Ready reports whether a sample holding device data has been published.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasLatest
}

// Stats returns the number of refresh passes and how many were incomplete.
func (m *Manager) Stats() (refreshes, incomplete uint64) {
	return m.refreshes.Load(), m.incomplete.Load()
}

func (m *Manager) storeSample(sample Sample) {
	m.mu.Lock()
	m.latest = sample
	m.hasLatest = true

	targetSubs := make([]*subscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		targetSubs = append(targetSubs, sub)
	}
	m.mu.Unlock()

	for _, sub := range targetSubs {
		sub.send(sample)
	}
}

func (m *Manager) removeSubscriber(sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.subscribers, sub)
	sub.close()
}

// Close releases the device if it holds resources. Safe for repeated use.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		if closer, ok := m.device.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				m.closeErr = fmt.Errorf("close device: %w", err)
			}
		}
	})
	return m.closeErr
}

type subscriber struct {
	ch     chan Sample
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan Sample, 1),
	}
}

func (s *subscriber) channel() <-chan Sample {
	return s.ch
}

func (s *subscriber) send(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- sample:
		return
	default:
		// Drop oldest to make room for new sample.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- sample:
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

package toolserver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/loopgate/loopgate/pkg/safego"
)

// DefaultHealthInterval is how often the monitor sweeps the fleet.
const DefaultHealthInterval = 60 * time.Second

// HealthMonitor periodically probes connected servers and reconnects
// servers the retry policy still permits. Sweeps never overlap: a tick that
// lands while a sweep is running is dropped.
type HealthMonitor struct {
	registry *Registry
	interval time.Duration
	logger   *zap.Logger

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHealthMonitor builds a monitor. interval <= 0 selects the default.
func NewHealthMonitor(registry *Registry, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	return &HealthMonitor{
		registry: registry,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop. It runs until Stop or ctx cancellation.
func (m *HealthMonitor) Start(ctx context.Context) {
	safego.Go(m.logger, "health-monitor", func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				safego.Go(m.logger, "health-sweep", func() { m.sweep(ctx) })
			}
		}
	})
}

// Stop halts the loop. Safe to call more than once.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// sweep probes every connected server and retries eligible down servers,
// all concurrently. The CAS guard drops ticks that land mid-sweep.
func (m *HealthMonitor) sweep(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Debug("Skipping health sweep, previous sweep still running")
		return
	}
	defer m.running.Store(false)

	var wg sync.WaitGroup
	for _, rec := range m.registry.List() {
		rec := rec
		switch rec.Status {
		case StatusConnected:
			wg.Add(1)
			safego.Go(m.logger, "health-"+rec.Name, func() {
				defer wg.Done()
				m.checkOne(ctx, rec.Name)
			})
		case StatusDisconnected, StatusError:
			if m.registry.CanRetry(rec.Name) {
				wg.Add(1)
				safego.Go(m.logger, "retry-"+rec.Name, func() {
					defer wg.Done()
					if err := m.registry.Connect(ctx, rec.Name); err != nil {
						m.logger.Debug("Retry connect failed", zap.String("server", rec.Name), zap.Error(err))
					}
				})
			}
		}
	}
	wg.Wait()
}

func (m *HealthMonitor) checkOne(ctx context.Context, name string) {
	if m.registry.CheckHealth(ctx, name) {
		return
	}
	m.logger.Warn("Health check failed", zap.String("server", name))
	m.registry.MarkUnhealthy(name, "health check failed")
	if m.registry.CanRetry(name) {
		if err := m.registry.Connect(ctx, name); err != nil {
			m.logger.Debug("Reconnect after failed health check failed", zap.String("server", name), zap.Error(err))
		}
	}
}

package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/loopgate/loopgate/pkg/errors"
	"github.com/loopgate/loopgate/pkg/safego"
)

// DiscoveryReport says what one discovery pass did per server.
type DiscoveryReport struct {
	Merged  []string          `json:"merged"`
	Skipped []string          `json:"skipped"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// DiscoverAll pulls capability lists from every connected server whose last
// discovery has gone stale, concurrently. One server's failure never blocks
// the others; it lands in the report instead.
func (c *Catalog) DiscoverAll(ctx context.Context) DiscoveryReport {
	report := DiscoveryReport{Errors: make(map[string]string)}
	var reportMu sync.Mutex
	var wg sync.WaitGroup

	for _, server := range c.source.ConnectedServers() {
		if c.fresh(server) {
			report.Skipped = append(report.Skipped, server)
			continue
		}
		wg.Add(1)
		srv := server
		safego.Go(c.logger, "discover-"+srv, func() {
			defer wg.Done()
			disc, err := c.source.Discover(ctx, srv)
			if err != nil {
				c.logger.Warn("Discovery failed", zap.String("server", srv), zap.Error(err))
				reportMu.Lock()
				report.Errors[srv] = err.Error()
				reportMu.Unlock()
				return
			}
			c.merge(srv, disc)
			reportMu.Lock()
			report.Merged = append(report.Merged, srv)
			reportMu.Unlock()
		})
	}
	wg.Wait()

	sort.Strings(report.Merged)
	sort.Strings(report.Skipped)
	return report
}

// RefreshServer re-discovers one server immediately, bypassing the
// freshness window.
func (c *Catalog) RefreshServer(ctx context.Context, server string) error {
	disc, err := c.source.Discover(ctx, server)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeServerUnhealthy, fmt.Sprintf("discover %q", server), err)
	}
	c.merge(server, disc)
	return nil
}

// fresh reports whether a server's last discovery is inside the TTL window.
func (c *Catalog) fresh(server string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	last, ok := c.lastDiscovery[server]
	return ok && time.Since(last) < c.cacheTTL
}

// StartAutoDiscovery launches a background loop that re-runs DiscoverAll on
// the given interval. Passes never overlap: a tick landing mid-pass is
// dropped.
func (c *Catalog) StartAutoDiscovery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultDiscoveryTTL
	}
	var running atomic.Bool
	safego.Go(c.logger, "catalog-autodiscovery", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if !running.CompareAndSwap(false, true) {
					continue
				}
				safego.Go(c.logger, "catalog-discovery-pass", func() {
					defer running.Store(false)
					report := c.DiscoverAll(ctx)
					if len(report.Merged) > 0 || len(report.Errors) > 0 {
						c.logger.Debug("Auto-discovery pass",
							zap.Strings("merged", report.Merged),
							zap.Int("skipped", len(report.Skipped)),
							zap.Int("errors", len(report.Errors)),
						)
					}
				})
			}
		}
	})
}

// Stop halts auto-discovery. Safe to call more than once.
func (c *Catalog) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

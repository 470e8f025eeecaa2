// Package application is the dependency injection container: it builds every
// long-lived component from configuration and owns their startup and
// shutdown order.
package application

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loopgate/loopgate/internal/domain/service"
	"github.com/loopgate/loopgate/internal/infrastructure/catalog"
	"github.com/loopgate/loopgate/internal/infrastructure/config"
	"github.com/loopgate/loopgate/internal/infrastructure/invoker"
	"github.com/loopgate/loopgate/internal/infrastructure/llm"
	"github.com/loopgate/loopgate/internal/infrastructure/metrics"
	"github.com/loopgate/loopgate/internal/infrastructure/toolserver"
	httpserver "github.com/loopgate/loopgate/internal/interfaces/http"
	"github.com/loopgate/loopgate/internal/interfaces/ws"
	"github.com/loopgate/loopgate/pkg/safego"
)

const (
	// upstreamSmokeTimeout bounds the startup reachability probe.
	upstreamSmokeTimeout = 10 * time.Second

	// discoverTimeout bounds the capability pull that follows a connect.
	discoverTimeout = 30 * time.Second
)

// App wires the proxy together.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	// Fleet and capabilities.
	registry *toolserver.Registry
	catalog  *catalog.Catalog
	invoker  *invoker.Invoker
	health   *toolserver.HealthMonitor
	watcher  *config.ServersWatcher

	// Upstream and reasoning.
	upstream *llm.Client
	reasoner *llm.Client
	pipeline *service.Pipeline

	// Interfaces.
	hub        *ws.Hub
	httpServer *httpserver.Server

	// cancel stops the background loops started by Start.
	cancel context.CancelFunc
}

// NewApp builds the full component graph. Nothing connects or listens yet;
// that happens in Start.
func NewApp(cfg *config.Config, version string, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &App{cfg: cfg, logger: logger}
	app.initFleet()
	app.initUpstream()
	app.initPipeline()
	app.initInterfaces(version)
	app.wireHooks()
	return app, nil
}

// initFleet builds the registry, the capability catalog, and the invoker.
func (app *App) initFleet() {
	app.logger.Info("Initializing tool server fleet")
	app.registry = toolserver.NewRegistry(app.logger)
	app.catalog = catalog.New(app.registry, app.cfg.Catalog.DiscoveryTTL, app.logger)

	cache := invoker.NewResultCache(app.cfg.Invoker.CacheTTL, 0)
	app.invoker = invoker.New(
		app.registry,
		app.catalog,
		cache,
		invoker.Strategy(app.cfg.Invoker.Strategy),
		app.logger,
	)
	if len(app.cfg.Invoker.AllowTools) > 0 {
		app.invoker.AddFilter(invoker.AllowListFilter(app.cfg.Invoker.AllowTools))
	}
	if len(app.cfg.Invoker.DenyTools) > 0 {
		app.invoker.AddFilter(invoker.DenyListFilter(app.cfg.Invoker.DenyTools))
	}

	if app.cfg.Health.Enabled {
		app.health = toolserver.NewHealthMonitor(app.registry, app.cfg.Health.Interval, app.logger)
	}
}

// initUpstream builds the chat-completions client the proxy forwards to,
// plus a second client for the reasoning agents when they run on a
// different model.
func (app *App) initUpstream() {
	app.logger.Info("Initializing upstream client",
		zap.String("provider", app.cfg.Upstream.Provider),
		zap.String("base_url", app.cfg.Upstream.BaseURL),
		zap.String("model", app.cfg.Upstream.Model),
	)
	app.upstream = llm.New(llm.Config{
		BaseURL: app.cfg.Upstream.BaseURL,
		APIKey:  app.cfg.Upstream.APIKey,
		Model:   app.cfg.Upstream.Model,
		Timeout: app.cfg.Upstream.Timeout,
	}, app.logger)

	app.reasoner = app.upstream
	if model := app.cfg.PipelineModel(); model != app.cfg.Upstream.Model {
		app.reasoner = llm.New(llm.Config{
			BaseURL: app.cfg.Upstream.BaseURL,
			APIKey:  app.cfg.Upstream.APIKey,
			Model:   model,
			Timeout: app.cfg.Upstream.Timeout,
		}, app.logger)
	}
}

// initPipeline builds the four-phase reasoning pipeline on top of the
// reasoner client and the tool bridge.
func (app *App) initPipeline() {
	app.logger.Info("Initializing reasoning pipeline",
		zap.Bool("enabled", app.cfg.Pipeline.Enabled),
		zap.String("backend", app.cfg.Pipeline.Backend),
		zap.String("model", app.cfg.PipelineModel()),
	)
	runner := &toolBridge{
		invoker: app.invoker,
		catalog: app.catalog,
		noCache: !app.cfg.Invoker.CacheEnabled,
	}
	app.pipeline = service.NewPipeline(app.reasoner, runner, service.Config{
		Enabled:          app.cfg.Pipeline.Enabled,
		AgentBackend:     app.cfg.Pipeline.Backend,
		PhaseTimeout:     app.cfg.Pipeline.PhaseTimeout,
		MaxParallelTools: app.cfg.Pipeline.MaxParallelTools,
	}, app.logger)
}

// initInterfaces builds the event feed hub and the HTTP server.
func (app *App) initInterfaces(version string) {
	app.logger.Info("Initializing interfaces")
	app.hub = ws.NewHub(app.logger)
	app.httpServer = httpserver.NewServer(
		httpserver.Config{
			Host: app.cfg.Gateway.Host,
			Port: app.cfg.Gateway.Port,
			Mode: app.cfg.Gateway.Mode,
		},
		httpserver.Deps{
			Upstream:    app.upstream,
			Pipeline:    app.pipeline,
			Registry:    app.registry,
			Catalog:     app.catalog,
			Invoker:     app.invoker,
			Hub:         app.hub,
			ServersPath: app.cfg.Servers.File,
			Version:     version,
		},
		app.logger,
	)
}

// wireHooks connects registry lifecycle events to the catalog, the event
// feed, and the fleet gauges. The registry fires hooks outside its locks,
// so these callbacks may call back into it.
func (app *App) wireHooks() {
	app.registry.SetHooks(toolserver.Hooks{
		OnStatusChange: func(server string, from, to toolserver.ServerStatus) {
			metrics.ServerStateTransitions.WithLabelValues(server, string(to)).Inc()
			switch {
			case to == toolserver.StatusConnected:
				metrics.ConnectedServers.Inc()
			case from == toolserver.StatusConnected:
				metrics.ConnectedServers.Dec()
			}
			app.hub.Broadcast(ws.EventServerStatus, map[string]interface{}{
				"server": server,
				"from":   string(from),
				"to":     string(to),
			})
		},
		OnConnected: func(server string) {
			app.hub.Broadcast(ws.EventServerConnected, map[string]interface{}{
				"server": server,
			})
			ctx, cancel := context.WithTimeout(context.Background(), discoverTimeout)
			defer cancel()
			if err := app.catalog.RefreshServer(ctx, server); err != nil {
				app.logger.Warn("Initial discovery failed",
					zap.String("server", server),
					zap.Error(err),
				)
				return
			}
			app.hub.Broadcast(ws.EventDiscovery, map[string]interface{}{
				"server": server,
				"tools":  len(app.catalog.ToolsForServer(server)),
			})
		},
		OnUnregistered: func(server string) {
			app.catalog.RemoveServer(server)
			app.hub.Broadcast(ws.EventServerUnregistered, map[string]interface{}{
				"server": server,
			})
		},
	})
}

// Start brings the proxy up: upstream smoke test, event feed, fleet
// registration, HTTP listener, then the background loops. Enabled servers
// connect asynchronously; startup never waits for them.
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")

	smokeCtx, cancelSmoke := context.WithTimeout(ctx, upstreamSmokeTimeout)
	defer cancelSmoke()
	if _, err := app.upstream.Models(smokeCtx); err != nil {
		return fmt.Errorf("upstream unreachable at %s: %w", app.cfg.Upstream.BaseURL, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	safego.Go(app.logger, "ws-hub", func() { app.hub.Run(runCtx) })

	if err := app.loadFleet(); err != nil {
		cancel()
		return fmt.Errorf("failed to load server fleet: %w", err)
	}

	if err := app.httpServer.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if app.health != nil {
		app.health.Start(runCtx)
	}
	if app.cfg.Catalog.AutoDiscovery {
		app.catalog.StartAutoDiscovery(runCtx, app.cfg.Catalog.DiscoveryInterval)
	}
	if app.watcher != nil {
		if err := app.watcher.Start(); err != nil {
			app.logger.Warn("Fleet hot reload unavailable", zap.Error(err))
		}
	}

	app.logger.Info("Application started successfully",
		zap.String("address", fmt.Sprintf("%s:%d", app.cfg.Gateway.Host, app.cfg.Gateway.Port)),
	)
	return nil
}

// loadFleet registers every server from the fleet file. Enabled servers
// begin connecting as they register. A server the registry rejects is
// skipped, not fatal; an unreadable or invalid fleet file is fatal.
func (app *App) loadFleet() error {
	path := app.cfg.Servers.File
	entries, err := config.LoadServers(path)
	if err != nil {
		return err
	}
	for _, cfg := range entries {
		if err := app.registry.Register(cfg); err != nil {
			app.logger.Warn("Skipping fleet entry",
				zap.String("server", cfg.Name),
				zap.Error(err),
			)
		}
	}
	app.logger.Info("Tool server fleet loaded",
		zap.String("file", path),
		zap.Int("servers", len(entries)),
	)

	if app.cfg.Servers.HotReload {
		app.watcher = config.NewServersWatcher(path, entries, app.registry, app.logger)
	}
	return nil
}

// Stop shuts the proxy down in reverse start order. Individual failures are
// logged, not returned, so shutdown always runs to the end.
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if app.watcher != nil {
		app.watcher.Stop()
	}
	app.catalog.Stop()
	if app.health != nil {
		app.health.Stop()
	}
	if err := app.httpServer.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}
	app.registry.DisconnectAll()
	if app.cancel != nil {
		app.cancel()
	}

	app.logger.Info("Application stopped successfully")
	return nil
}

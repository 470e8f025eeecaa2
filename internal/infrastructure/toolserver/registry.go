package toolserver

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

// serverRecord is the registry's mutable state for one server. The client
// pointer is replaced on every connect; records survive across attempts.
type serverRecord struct {
	cfg             ServerConfig
	status          ServerStatus
	client          *Client
	connectAttempts int
	lastAttempt     time.Time
	lastHealthCheck time.Time
	lastError       string
	connectedAt     time.Time
	toolCount       int
	resourceCount   int
	promptCount     int
}

// ServerRecord is a point-in-time snapshot of one server, shaped for the
// admin API.
type ServerRecord struct {
	Name            string        `json:"name"`
	Transport       TransportKind `json:"transport"`
	Status          ServerStatus  `json:"status"`
	Enabled         bool          `json:"enabled"`
	ConnectAttempts int           `json:"connect_attempts"`
	LastAttempt     time.Time     `json:"last_attempt"`
	LastHealthCheck time.Time     `json:"last_health_check"`
	LastError       string        `json:"last_error,omitempty"`
	ConnectedAt     time.Time     `json:"connected_at"`
	Tools           int           `json:"tools"`
	Resources       int           `json:"resources"`
	Prompts         int           `json:"prompts"`
}

// RegistryStats aggregates fleet counters for the stats endpoint.
type RegistryStats struct {
	TotalServers   int `json:"total_servers"`
	Connected      int `json:"connected"`
	Connecting     int `json:"connecting"`
	Disconnected   int `json:"disconnected"`
	Disabled       int `json:"disabled"`
	Errored        int `json:"errored"`
	TotalTools     int `json:"total_tools"`
	TotalResources int `json:"total_resources"`
	TotalPrompts   int `json:"total_prompts"`
}

// Hooks let the application observe fleet changes without the registry
// knowing about catalogs or event hubs. Hooks run outside registry locks.
type Hooks struct {
	OnStatusChange func(server string, from, to ServerStatus)
	OnConnected    func(server string)
	OnUnregistered func(server string)
}

// Registry owns the tool-server fleet: registration, connection lifecycle,
// retry bookkeeping, and call routing.
type Registry struct {
	logger *zap.Logger

	mu      sync.RWMutex
	servers map[string]*serverRecord

	hooksMu sync.RWMutex
	hooks   Hooks

	// newClient overrides client construction in tests.
	newClient func(cfg ServerConfig, logger *zap.Logger) *Client
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:    logger,
		servers:   make(map[string]*serverRecord),
		newClient: NewClient,
	}
}

// SetHooks installs fleet observers. Call before traffic starts.
func (r *Registry) SetHooks(h Hooks) {
	r.hooksMu.Lock()
	r.hooks = h
	r.hooksMu.Unlock()
}

func (r *Registry) fireStatusChange(name string, from, to ServerStatus) {
	r.hooksMu.RLock()
	fn := r.hooks.OnStatusChange
	r.hooksMu.RUnlock()
	if fn != nil {
		fn(name, from, to)
	}
}

func (r *Registry) fireConnected(name string) {
	r.hooksMu.RLock()
	fn := r.hooks.OnConnected
	r.hooksMu.RUnlock()
	if fn != nil {
		fn(name)
	}
}

func (r *Registry) fireUnregistered(name string) {
	r.hooksMu.RLock()
	fn := r.hooks.OnUnregistered
	r.hooksMu.RUnlock()
	if fn != nil {
		fn(name)
	}
}

// Register adds a server to the fleet. Disabled servers are tracked but
// never dialed; enabled servers get an asynchronous first connect attempt.
func (r *Registry) Register(cfg ServerConfig) error {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.servers[cfg.Name]; exists {
		r.mu.Unlock()
		return apperrors.NewAlreadyExistsError(fmt.Sprintf("server %q already registered", cfg.Name))
	}
	status := StatusDisconnected
	if !cfg.Enabled {
		status = StatusDisabled
	}
	r.servers[cfg.Name] = &serverRecord{cfg: cfg, status: status}
	r.mu.Unlock()

	r.logger.Info("Registered tool server",
		zap.String("server", cfg.Name),
		zap.String("transport", string(cfg.Transport)),
		zap.Bool("enabled", cfg.Enabled),
	)
	if cfg.Enabled {
		name := cfg.Name
		safego.Go(r.logger, "register-connect-"+name, func() {
			if err := r.Connect(context.Background(), name); err != nil {
				r.logger.Debug("Initial connect attempt failed",
					zap.String("server", name), zap.Error(err))
			}
		})
	}
	return nil
}

// Unregister disconnects and removes a server.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	rec, ok := r.servers[name]
	if !ok {
		r.mu.Unlock()
		return apperrors.NewNotFoundError(fmt.Sprintf("server %q not registered", name))
	}
	client := rec.client
	delete(r.servers, name)
	r.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	r.logger.Info("Unregistered tool server", zap.String("server", name))
	r.fireUnregistered(name)
	return nil
}

// Connect dials one server. Already connected or in-flight servers are a
// no-op; disabled servers are an error. The dial runs outside the registry
// lock so one slow server never stalls the fleet.
func (r *Registry) Connect(ctx context.Context, name string) error {
	r.mu.Lock()
	rec, ok := r.servers[name]
	if !ok {
		r.mu.Unlock()
		return apperrors.NewNotFoundError(fmt.Sprintf("server %q not registered", name))
	}
	switch rec.status {
	case StatusConnected, StatusConnecting:
		r.mu.Unlock()
		return nil
	}
	if err := checkTransition(name, rec.status, StatusConnecting); err != nil {
		r.mu.Unlock()
		return err
	}
	from := rec.status
	rec.status = StatusConnecting
	rec.connectAttempts++
	rec.lastAttempt = time.Now()
	attempt := rec.connectAttempts
	cfg := rec.cfg
	r.mu.Unlock()
	r.fireStatusChange(name, from, StatusConnecting)

	client := r.newClient(cfg, r.logger)
	err := client.Connect(ctx)

	r.mu.Lock()
	current, ok := r.servers[name]
	if !ok || current != rec || rec.status != StatusConnecting {
		// Unregistered or superseded while dialing; discard the client.
		r.mu.Unlock()
		if err == nil {
			client.Disconnect()
		}
		return apperrors.NewNotFoundError(fmt.Sprintf("server %q changed during connect", name))
	}
	if err != nil {
		rec.status = StatusError
		rec.lastError = err.Error()
		rec.client = nil
		r.mu.Unlock()
		r.fireStatusChange(name, StatusConnecting, StatusError)
		r.logger.Warn("Tool server connect failed",
			zap.String("server", name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}

	rec.status = StatusConnected
	rec.client = client
	rec.connectAttempts = 0
	rec.lastError = ""
	rec.connectedAt = time.Now()
	rec.toolCount = len(client.AvailableTools())
	rec.resourceCount = len(client.AvailableResources())
	rec.promptCount = len(client.AvailablePrompts())
	r.mu.Unlock()

	r.fireStatusChange(name, StatusConnecting, StatusConnected)
	r.fireConnected(name)
	return nil
}

// Disconnect tears down one server's client and parks it as disconnected.
func (r *Registry) Disconnect(name string) error {
	r.mu.Lock()
	rec, ok := r.servers[name]
	if !ok {
		r.mu.Unlock()
		return apperrors.NewNotFoundError(fmt.Sprintf("server %q not registered", name))
	}
	from := rec.status
	if from == StatusDisabled || from == StatusDisconnected {
		r.mu.Unlock()
		return nil
	}
	client := rec.client
	rec.client = nil
	rec.status = StatusDisconnected
	rec.toolCount, rec.resourceCount, rec.promptCount = 0, 0, 0
	r.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	r.fireStatusChange(name, from, StatusDisconnected)
	return nil
}

// MarkUnhealthy moves a connected server to error after a failed health
// check and tears its client down.
func (r *Registry) MarkUnhealthy(name, reason string) {
	r.mu.Lock()
	rec, ok := r.servers[name]
	if !ok || rec.status != StatusConnected {
		r.mu.Unlock()
		return
	}
	client := rec.client
	rec.client = nil
	rec.status = StatusError
	rec.lastError = reason
	rec.toolCount, rec.resourceCount, rec.promptCount = 0, 0, 0
	r.mu.Unlock()

	if client != nil {
		safego.Go(r.logger, "teardown-"+name, client.Disconnect)
	}
	r.fireStatusChange(name, StatusConnected, StatusError)
}

// ConnectAll dials every eligible server concurrently and returns how many
// came up.
func (r *Registry) ConnectAll(ctx context.Context) int {
	r.mu.RLock()
	names := make([]string, 0, len(r.servers))
	for name, rec := range r.servers {
		if rec.status == StatusDisconnected || rec.status == StatusError {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	var connected atomic.Int32
	for _, name := range names {
		wg.Add(1)
		n := name
		safego.Go(r.logger, "connect-"+n, func() {
			defer wg.Done()
			if err := r.Connect(ctx, n); err == nil {
				connected.Add(1)
			}
		})
	}
	wg.Wait()
	return int(connected.Load())
}

// DisconnectAll tears down every connected server concurrently.
func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		n := name
		safego.Go(r.logger, "disconnect-"+n, func() {
			defer wg.Done()
			_ = r.Disconnect(n)
		})
	}
	wg.Wait()
}

// CanRetry reports whether the retry policy permits another connect attempt:
// the attempt budget is not exhausted and the delay since the last attempt
// has elapsed. Success resets the budget.
func (r *Registry) CanRetry(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.servers[name]
	if !ok {
		return false
	}
	switch rec.status {
	case StatusDisabled, StatusConnected, StatusConnecting:
		return false
	}
	if rec.connectAttempts >= rec.cfg.RetryAttempts {
		return false
	}
	return !time.Now().Before(rec.lastAttempt.Add(rec.cfg.RetryDelay))
}

// CheckHealth probes one connected server and records the result. The probe
// refreshes the server's tool snapshot as a side effect.
func (r *Registry) CheckHealth(ctx context.Context, name string) bool {
	r.mu.RLock()
	rec, ok := r.servers[name]
	var client *Client
	if ok {
		client = rec.client
	}
	r.mu.RUnlock()
	if !ok || client == nil {
		return false
	}

	healthy := client.HealthCheck(ctx)

	r.mu.Lock()
	if current, still := r.servers[name]; still && current == rec {
		rec.lastHealthCheck = time.Now()
		if healthy {
			rec.toolCount = len(client.AvailableTools())
		}
	}
	r.mu.Unlock()
	return healthy
}

// Get returns a snapshot of one server.
func (r *Registry) Get(name string) (ServerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.servers[name]
	if !ok {
		return ServerRecord{}, apperrors.NewNotFoundError(fmt.Sprintf("server %q not registered", name))
	}
	return snapshotRecord(rec), nil
}

// List returns snapshots of every server, sorted by name.
func (r *Registry) List() []ServerRecord {
	r.mu.RLock()
	out := make([]ServerRecord, 0, len(r.servers))
	for _, rec := range r.servers {
		out = append(out, snapshotRecord(rec))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ConnectedServers returns the names of servers with a ready client, sorted.
func (r *Registry) ConnectedServers() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.servers))
	for name, rec := range r.servers {
		if rec.status == StatusConnected && rec.client != nil {
			out = append(out, name)
		}
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// FindServersWithTool returns connected servers whose snapshot includes the
// named tool.
func (r *Registry) FindServersWithTool(tool string) []string {
	r.mu.RLock()
	clients := make(map[string]*Client, len(r.servers))
	for name, rec := range r.servers {
		if rec.status == StatusConnected && rec.client != nil {
			clients[name] = rec.client
		}
	}
	r.mu.RUnlock()

	var out []string
	for name, client := range clients {
		for _, t := range client.AvailableTools() {
			if t.Name == tool {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Stats aggregates fleet counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := RegistryStats{TotalServers: len(r.servers)}
	for _, rec := range r.servers {
		switch rec.status {
		case StatusConnected:
			stats.Connected++
		case StatusConnecting:
			stats.Connecting++
		case StatusDisconnected:
			stats.Disconnected++
		case StatusDisabled:
			stats.Disabled++
		case StatusError:
			stats.Errored++
		}
		stats.TotalTools += rec.toolCount
		stats.TotalResources += rec.resourceCount
		stats.TotalPrompts += rec.promptCount
	}
	return stats
}

// Healthy reports whether a server can take calls right now.
func (r *Registry) Healthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.servers[name]
	return ok && rec.status == StatusConnected && rec.client != nil && rec.client.Ready()
}

// Call routes one tool call to a connected server.
func (r *Registry) Call(ctx context.Context, server, tool string, args map[string]interface{}) (*ToolCallResult, error) {
	client, err := r.clientFor(server)
	if err != nil {
		return nil, err
	}
	return client.CallTool(ctx, tool, args)
}

// Read routes one resource read to a connected server.
func (r *Registry) Read(ctx context.Context, server, uri string) (*ResourceReadResult, error) {
	client, err := r.clientFor(server)
	if err != nil {
		return nil, err
	}
	return client.ReadResource(ctx, uri)
}

// Prompt routes one prompt render to a connected server.
func (r *Registry) Prompt(ctx context.Context, server, name string, args map[string]string) (*PromptGetResult, error) {
	client, err := r.clientFor(server)
	if err != nil {
		return nil, err
	}
	return client.GetPrompt(ctx, name, args)
}

// Discover pulls fresh capability lists from one connected server. A tools
// failure fails discovery; resources and prompts degrade to empty.
func (r *Registry) Discover(ctx context.Context, server string) (*Discovery, error) {
	client, err := r.clientFor(server)
	if err != nil {
		return nil, err
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	resources, err := client.ListResources(ctx)
	if err != nil {
		r.logger.Debug("resources/list failed during discovery", zap.String("server", server), zap.Error(err))
		resources = nil
	}
	prompts, err := client.ListPrompts(ctx)
	if err != nil {
		r.logger.Debug("prompts/list failed during discovery", zap.String("server", server), zap.Error(err))
		prompts = nil
	}
	return &Discovery{Tools: tools, Resources: resources, Prompts: prompts}, nil
}

// ListTools pulls a fresh tool list from one connected server.
func (r *Registry) ListTools(ctx context.Context, server string) ([]ToolDescriptor, error) {
	client, err := r.clientFor(server)
	if err != nil {
		return nil, err
	}
	return client.ListTools(ctx)
}

func (r *Registry) clientFor(server string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.servers[server]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("server %q not registered", server))
	}
	if rec.status != StatusConnected || rec.client == nil {
		return nil, apperrors.NewServerUnhealthyError(fmt.Sprintf("server %q is %s", server, rec.status), nil)
	}
	return rec.client, nil
}

func snapshotRecord(rec *serverRecord) ServerRecord {
	return ServerRecord{
		Name:            rec.cfg.Name,
		Transport:       rec.cfg.Transport,
		Status:          rec.status,
		Enabled:         rec.cfg.Enabled,
		ConnectAttempts: rec.connectAttempts,
		LastAttempt:     rec.lastAttempt,
		LastHealthCheck: rec.lastHealthCheck,
		LastError:       rec.lastError,
		ConnectedAt:     rec.connectedAt,
		Tools:           rec.toolCount,
		Resources:       rec.resourceCount,
		Prompts:         rec.promptCount,
	}
}

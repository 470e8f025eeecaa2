package catalog

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loopgate/loopgate/internal/infrastructure/metrics"
	"github.com/loopgate/loopgate/internal/infrastructure/toolserver"
)

// DefaultDiscoveryTTL is how long a server's discovery stays fresh.
const DefaultDiscoveryTTL = 5 * time.Minute

// Availability is the catalog's last knowledge of whether a tool is callable.
type Availability string

const (
	AvailabilityAvailable   Availability = "available"
	AvailabilityUnavailable Availability = "unavailable"
	AvailabilityError       Availability = "error"
	AvailabilityUnknown     Availability = "unknown"
)

// ToolEntry is one tool in the merged catalog. Name is the catalog name,
// qualified as "server.tool" when two servers collide on a base name;
// BaseName is always the wire name the owning server knows.
type ToolEntry struct {
	Name           string          `json:"name"`
	BaseName       string          `json:"base_name"`
	ServerName     string          `json:"server_name"`
	Description    string          `json:"description,omitempty"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`
	Availability   Availability    `json:"availability"`
	UsageCount     int64           `json:"usage_count"`
	LastUsed       time.Time       `json:"last_used"`
	ResponseTimeMS int64           `json:"response_time_ms"`
	LastChecked    time.Time       `json:"last_checked"`
	LastError      string          `json:"last_error,omitempty"`
}

// ResourceEntry is one resource in the merged catalog, keyed by URI.
type ResourceEntry struct {
	URI          string       `json:"uri"`
	ServerName   string       `json:"server_name"`
	Name         string       `json:"name,omitempty"`
	Description  string       `json:"description,omitempty"`
	MimeType     string       `json:"mime_type,omitempty"`
	Availability Availability `json:"availability"`
	AccessCount  int64        `json:"access_count"`
	LastAccessed time.Time    `json:"last_accessed"`
}

// PromptEntry is one prompt template in the merged catalog.
type PromptEntry struct {
	Name        string                      `json:"name"`
	BaseName    string                      `json:"base_name"`
	ServerName  string                      `json:"server_name"`
	Description string                      `json:"description,omitempty"`
	Arguments   []toolserver.PromptArgument `json:"arguments,omitempty"`
}

// Summary aggregates catalog counts for the admin API.
type Summary struct {
	Servers        int            `json:"servers"`
	Tools          int            `json:"tools"`
	Resources      int            `json:"resources"`
	Prompts        int            `json:"prompts"`
	ToolsPerServer map[string]int `json:"tools_per_server"`
}

// Source is where the catalog pulls capability lists from. The registry
// implements it.
type Source interface {
	ConnectedServers() []string
	Discover(ctx context.Context, server string) (*toolserver.Discovery, error)
	ListTools(ctx context.Context, server string) ([]toolserver.ToolDescriptor, error)
}

// Catalog merges every connected server's tools, resources, and prompts into
// unified views. Merges replace one server's entries atomically; other
// servers' entries and usage statistics survive.
type Catalog struct {
	source   Source
	logger   *zap.Logger
	cacheTTL time.Duration

	mu            sync.RWMutex
	tools         map[string]*ToolEntry
	resources     map[string]*ResourceEntry
	prompts       map[string]*PromptEntry
	serversFor    map[string][]string // base tool name -> servers offering it
	lastDiscovery map[string]time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds an empty catalog over the given source. ttl <= 0 selects the
// default discovery freshness window.
func New(source Source, ttl time.Duration, logger *zap.Logger) *Catalog {
	if ttl <= 0 {
		ttl = DefaultDiscoveryTTL
	}
	return &Catalog{
		source:        source,
		logger:        logger,
		cacheTTL:      ttl,
		tools:         make(map[string]*ToolEntry),
		resources:     make(map[string]*ResourceEntry),
		prompts:       make(map[string]*PromptEntry),
		serversFor:    make(map[string][]string),
		lastDiscovery: make(map[string]time.Time),
		stopCh:        make(chan struct{}),
	}
}

// merge replaces one server's entries with a fresh discovery. Usage counters
// carry over for tools the server still offers. Names that collide with a
// different server's entry are qualified as "server.name"; once qualified, a
// name stays qualified until its server re-merges without the collision.
func (c *Catalog) merge(server string, disc *toolserver.Discovery) {
	c.mu.Lock()
	defer c.mu.Unlock()

	type usage struct {
		count    int64
		lastUsed time.Time
		rtMS     int64
	}
	oldUsage := make(map[string]usage)
	for key, entry := range c.tools {
		if entry.ServerName != server {
			continue
		}
		oldUsage[entry.BaseName] = usage{entry.UsageCount, entry.LastUsed, entry.ResponseTimeMS}
		delete(c.tools, key)
		c.removeServerFor(entry.BaseName, server)
	}
	for uri, entry := range c.resources {
		if entry.ServerName == server {
			delete(c.resources, uri)
		}
	}
	for key, entry := range c.prompts {
		if entry.ServerName == server {
			delete(c.prompts, key)
		}
	}

	for _, tool := range disc.Tools {
		key := tool.Name
		if existing, ok := c.tools[key]; ok && existing.ServerName != server {
			key = server + "." + tool.Name
			c.logger.Info("Tool name collision, qualifying",
				zap.String("tool", tool.Name),
				zap.String("owner", existing.ServerName),
				zap.String("qualified", key),
			)
		}
		entry := &ToolEntry{
			Name:         key,
			BaseName:     tool.Name,
			ServerName:   server,
			Description:  tool.Description,
			InputSchema:  tool.InputSchema,
			Availability: AvailabilityAvailable,
			LastChecked:  time.Now(),
		}
		if u, ok := oldUsage[tool.Name]; ok {
			entry.UsageCount = u.count
			entry.LastUsed = u.lastUsed
			entry.ResponseTimeMS = u.rtMS
		}
		c.tools[key] = entry
		c.addServerFor(tool.Name, server)
	}

	for _, res := range disc.Resources {
		c.resources[res.URI] = &ResourceEntry{
			URI:          res.URI,
			ServerName:   server,
			Name:         res.Name,
			Description:  res.Description,
			MimeType:     res.MimeType,
			Availability: AvailabilityAvailable,
		}
	}

	for _, prompt := range disc.Prompts {
		key := prompt.Name
		if existing, ok := c.prompts[key]; ok && existing.ServerName != server {
			key = server + "." + prompt.Name
		}
		c.prompts[key] = &PromptEntry{
			Name:        key,
			BaseName:    prompt.Name,
			ServerName:  server,
			Description: prompt.Description,
			Arguments:   prompt.Arguments,
		}
	}

	c.lastDiscovery[server] = time.Now()
	c.updateGauges()
	c.logger.Debug("Merged server catalog",
		zap.String("server", server),
		zap.Int("tools", len(disc.Tools)),
		zap.Int("resources", len(disc.Resources)),
		zap.Int("prompts", len(disc.Prompts)),
	)
}

// updateGauges publishes entry counts. Callers hold c.mu.
func (c *Catalog) updateGauges() {
	metrics.CatalogEntries.WithLabelValues("tool").Set(float64(len(c.tools)))
	metrics.CatalogEntries.WithLabelValues("resource").Set(float64(len(c.resources)))
	metrics.CatalogEntries.WithLabelValues("prompt").Set(float64(len(c.prompts)))
}

func (c *Catalog) addServerFor(base, server string) {
	for _, s := range c.serversFor[base] {
		if s == server {
			return
		}
	}
	c.serversFor[base] = append(c.serversFor[base], server)
}

func (c *Catalog) removeServerFor(base, server string) {
	list := c.serversFor[base]
	for i, s := range list {
		if s == server {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.serversFor, base)
	} else {
		c.serversFor[base] = list
	}
}

// RemoveServer purges every entry a server contributed. Other servers'
// entries are untouched.
func (c *Catalog) RemoveServer(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.tools {
		if entry.ServerName == server {
			delete(c.tools, key)
			c.removeServerFor(entry.BaseName, server)
		}
	}
	for uri, entry := range c.resources {
		if entry.ServerName == server {
			delete(c.resources, uri)
		}
	}
	for key, entry := range c.prompts {
		if entry.ServerName == server {
			delete(c.prompts, key)
		}
	}
	delete(c.lastDiscovery, server)
	c.updateGauges()
	c.logger.Debug("Removed server from catalog", zap.String("server", server))
}

// Tool looks one tool up by catalog name.
func (c *Catalog) Tool(name string) (ToolEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.tools[name]
	if !ok {
		return ToolEntry{}, false
	}
	return *entry, true
}

// Tools returns every tool entry, sorted by catalog name.
func (c *Catalog) Tools() []ToolEntry {
	c.mu.RLock()
	out := make([]ToolEntry, 0, len(c.tools))
	for _, entry := range c.tools {
		out = append(out, *entry)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToolsForServer returns one server's tool entries, sorted by catalog name.
func (c *Catalog) ToolsForServer(server string) []ToolEntry {
	c.mu.RLock()
	var out []ToolEntry
	for _, entry := range c.tools {
		if entry.ServerName == server {
			out = append(out, *entry)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resource looks one resource up by URI.
func (c *Catalog) Resource(uri string) (ResourceEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.resources[uri]
	if !ok {
		return ResourceEntry{}, false
	}
	return *entry, true
}

// Resources returns every resource entry, sorted by URI.
func (c *Catalog) Resources() []ResourceEntry {
	c.mu.RLock()
	out := make([]ResourceEntry, 0, len(c.resources))
	for _, entry := range c.resources {
		out = append(out, *entry)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// Prompt looks one prompt up by catalog name.
func (c *Catalog) Prompt(name string) (PromptEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.prompts[name]
	if !ok {
		return PromptEntry{}, false
	}
	return *entry, true
}

// Prompts returns every prompt entry, sorted by catalog name.
func (c *Catalog) Prompts() []PromptEntry {
	c.mu.RLock()
	out := make([]PromptEntry, 0, len(c.prompts))
	for _, entry := range c.prompts {
		out = append(out, *entry)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Search returns tools whose name or description contains the query.
func (c *Catalog) Search(query string, caseSensitive bool) []ToolEntry {
	if !caseSensitive {
		query = strings.ToLower(query)
	}
	match := func(s string) bool {
		if !caseSensitive {
			s = strings.ToLower(s)
		}
		return strings.Contains(s, query)
	}

	c.mu.RLock()
	var out []ToolEntry
	for _, entry := range c.tools {
		if match(entry.Name) || match(entry.Description) {
			out = append(out, *entry)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ServersFor returns the servers offering a tool. Base names may map to
// several servers; a qualified name maps to its owner.
func (c *Catalog) ServersFor(name string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if list, ok := c.serversFor[name]; ok {
		out := make([]string, len(list))
		copy(out, list)
		return out
	}
	if entry, ok := c.tools[name]; ok {
		return []string{entry.ServerName}
	}
	return nil
}

// RecordToolUsage bumps a tool's usage counter and stores the latest
// response time. Unknown names are ignored.
func (c *Catalog) RecordToolUsage(name string, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.tools[name]
	if !ok {
		return
	}
	entry.UsageCount++
	entry.LastUsed = time.Now()
	entry.ResponseTimeMS = elapsed.Milliseconds()
}

// RecordResourceAccess bumps a resource's access counter.
func (c *Catalog) RecordResourceAccess(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.resources[uri]
	if !ok {
		return
	}
	entry.AccessCount++
	entry.LastAccessed = time.Now()
}

// UpdateToolAvailability re-probes a tool's owning server and records
// whether the tool is still offered.
func (c *Catalog) UpdateToolAvailability(ctx context.Context, name string) error {
	c.mu.RLock()
	entry, ok := c.tools[name]
	var server, base string
	if ok {
		server, base = entry.ServerName, entry.BaseName
	}
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	tools, err := c.source.ListTools(ctx, server)

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok = c.tools[name]
	if !ok {
		return err
	}
	entry.LastChecked = time.Now()
	if err != nil {
		entry.Availability = AvailabilityError
		entry.LastError = err.Error()
		return err
	}
	entry.Availability = AvailabilityUnavailable
	entry.LastError = ""
	for _, t := range tools {
		if t.Name == base {
			entry.Availability = AvailabilityAvailable
			break
		}
	}
	return nil
}

// Summarize aggregates the catalog's counts.
func (c *Catalog) Summarize() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Summary{
		Servers:        len(c.lastDiscovery),
		Tools:          len(c.tools),
		Resources:      len(c.resources),
		Prompts:        len(c.prompts),
		ToolsPerServer: make(map[string]int),
	}
	for _, entry := range c.tools {
		s.ToolsPerServer[entry.ServerName]++
	}
	return s
}

// UsageStatistics returns every tool entry sorted by usage, busiest first.
func (c *Catalog) UsageStatistics() []ToolEntry {
	out := c.Tools()
	sort.SliceStable(out, func(i, j int) bool { return out[i].UsageCount > out[j].UsageCount })
	return out
}

package invoker

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loopgate/loopgate/internal/infrastructure/catalog"
	"github.com/loopgate/loopgate/internal/infrastructure/metrics"
	"github.com/loopgate/loopgate/internal/infrastructure/toolserver"
	apperrors "github.com/loopgate/loopgate/pkg/errors"
)

// Strategy selects among several healthy servers offering the same tool.
type Strategy string

const (
	StrategyFirstAvailable  Strategy = "first_available"
	StrategyRoundRobin      Strategy = "round_robin"
	StrategyFastestResponse Strategy = "fastest_response"
	StrategyLeastUsed       Strategy = "least_used"
	StrategyRandom          Strategy = "random"
)

// DefaultBatchConcurrency bounds parallel batch execution when the caller
// does not.
const DefaultBatchConcurrency = 3

// Request describes one tool invocation.
type Request struct {
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	// Server pins the call to one server; empty lets the strategy choose.
	Server   string        `json:"server,omitempty"`
	Timeout  time.Duration `json:"-"`
	CacheTTL time.Duration `json:"-"`
	NoCache  bool          `json:"no_cache,omitempty"`
	// Strategy overrides the invoker default for this call.
	Strategy Strategy `json:"strategy,omitempty"`
}

// Outcome is the uniform result of one invocation. Failures are data, not
// Go errors: callers fold outcomes into reasoning context either way.
type Outcome struct {
	Success         bool   `json:"success"`
	ToolName        string `json:"tool_name"`
	ServerName      string `json:"server_name,omitempty"`
	Result          string `json:"result,omitempty"`
	Error           string `json:"error_message,omitempty"`
	ErrorKind       string `json:"error_kind,omitempty"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	FromCache       bool   `json:"from_cache,omitempty"`
}

// ResourceOutcome is the uniform result of one resource read.
type ResourceOutcome struct {
	Success    bool   `json:"success"`
	URI        string `json:"uri"`
	ServerName string `json:"server_name,omitempty"`
	Content    string `json:"content,omitempty"`
	Error      string `json:"error_message,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
}

// PromptOutcome is the uniform result of one prompt render.
type PromptOutcome struct {
	Success     bool                       `json:"success"`
	Name        string                     `json:"name"`
	ServerName  string                     `json:"server_name,omitempty"`
	Description string                     `json:"description,omitempty"`
	Messages    []toolserver.PromptMessage `json:"messages,omitempty"`
	Error       string                     `json:"error_message,omitempty"`
	ErrorKind   string                     `json:"error_kind,omitempty"`
}

// Filter vetoes calls before they reach any server. All filters must pass.
type Filter func(tool string, args map[string]interface{}) bool

// ServerSource routes calls to healthy servers. The registry implements it.
type ServerSource interface {
	Healthy(name string) bool
	Call(ctx context.Context, server, tool string, args map[string]interface{}) (*toolserver.ToolCallResult, error)
	Read(ctx context.Context, server, uri string) (*toolserver.ResourceReadResult, error)
	Prompt(ctx context.Context, server, name string, args map[string]string) (*toolserver.PromptGetResult, error)
}

// Invoker executes tool calls: filters, cache, candidate selection,
// dispatch, usage recording.
type Invoker struct {
	servers ServerSource
	catalog *catalog.Catalog
	cache   *ResultCache
	logger  *zap.Logger

	mu       sync.RWMutex
	strategy Strategy
	filters  []Filter

	rrMu       sync.Mutex
	rrCounters map[string]int
}

// New builds an invoker. An empty strategy defaults to first_available.
func New(servers ServerSource, cat *catalog.Catalog, cache *ResultCache, strategy Strategy, logger *zap.Logger) *Invoker {
	if strategy == "" {
		strategy = StrategyFirstAvailable
	}
	return &Invoker{
		servers:    servers,
		catalog:    cat,
		cache:      cache,
		logger:     logger,
		strategy:   strategy,
		rrCounters: make(map[string]int),
	}
}

// AddFilter appends a veto filter.
func (i *Invoker) AddFilter(f Filter) {
	i.mu.Lock()
	i.filters = append(i.filters, f)
	i.mu.Unlock()
}

// SetStrategy replaces the default selection strategy.
func (i *Invoker) SetStrategy(s Strategy) {
	i.mu.Lock()
	i.strategy = s
	i.mu.Unlock()
}

// Strategy returns the default selection strategy.
func (i *Invoker) Strategy() Strategy {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.strategy
}

// CacheStats exposes the result cache counters.
func (i *Invoker) CacheStats() CacheStats {
	return i.cache.Stats()
}

// ExecuteTool runs one invocation end to end: filters, cache lookup,
// candidate selection, the call itself, usage recording, and caching of
// successful outcomes.
func (i *Invoker) ExecuteTool(ctx context.Context, req Request) Outcome {
	if !i.permitted(req.Tool, req.Arguments) {
		i.logger.Debug("Tool call denied by filter", zap.String("tool", req.Tool))
		return Outcome{
			Success:   false,
			ToolName:  req.Tool,
			Error:     fmt.Sprintf("tool %q denied by filter", req.Tool),
			ErrorKind: string(apperrors.CodeDeniedByFilter),
		}
	}

	if !req.NoCache {
		if out, ok := i.cache.Get(req.Tool, req.Server, req.Arguments); ok {
			metrics.CacheEventsTotal.WithLabelValues("hit").Inc()
			return out
		}
		metrics.CacheEventsTotal.WithLabelValues("miss").Inc()
	}

	server, errOut := i.selectServer(req)
	if errOut != nil {
		return *errOut
	}

	wireName := req.Tool
	if entry, ok := i.catalog.Tool(req.Tool); ok {
		wireName = entry.BaseName
	}

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := i.servers.Call(callCtx, server, wireName, req.Arguments)
	elapsed := time.Since(start)

	out := Outcome{
		ToolName:        req.Tool,
		ServerName:      server,
		ExecutionTimeMS: elapsed.Milliseconds(),
	}
	switch {
	case err != nil:
		out.Error = err.Error()
		out.ErrorKind = string(apperrors.CodeOf(err))
	case result.IsError:
		out.Error = result.Text()
	default:
		out.Success = true
		out.Result = result.Text()
	}

	metrics.ToolCallsTotal.WithLabelValues(req.Tool, server, outcomeLabel(out.Success)).Inc()
	metrics.ToolCallDuration.WithLabelValues(req.Tool).Observe(elapsed.Seconds())

	if out.Success {
		i.catalog.RecordToolUsage(req.Tool, elapsed)
		if !req.NoCache {
			i.cache.Put(req.Tool, req.Server, req.Arguments, out, req.CacheTTL)
			metrics.CacheEventsTotal.WithLabelValues("store").Inc()
		}
	} else {
		i.logger.Debug("Tool call failed",
			zap.String("tool", req.Tool),
			zap.String("server", server),
			zap.String("error", out.Error),
		)
	}
	return out
}

// ExecuteBatch runs several invocations, preserving request order in the
// returned slice. Parallel execution is bounded by maxConcurrent.
func (i *Invoker) ExecuteBatch(ctx context.Context, reqs []Request, parallel bool, maxConcurrent int) []Outcome {
	results := make([]Outcome, len(reqs))
	if !parallel {
		for idx, req := range reqs {
			results[idx] = i.ExecuteTool(ctx, req)
		}
		return results
	}

	if maxConcurrent <= 0 {
		maxConcurrent = DefaultBatchConcurrency
	}
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	for idx, req := range reqs {
		wg.Add(1)
		go func(idx int, req Request) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = i.ExecuteTool(ctx, req)
		}(idx, req)
	}
	wg.Wait()
	return results
}

// GetResource reads one resource. An empty server resolves the owner from
// the catalog.
func (i *Invoker) GetResource(ctx context.Context, uri, server string) ResourceOutcome {
	if server == "" {
		entry, ok := i.catalog.Resource(uri)
		if !ok {
			return ResourceOutcome{
				URI:       uri,
				Error:     fmt.Sprintf("resource %q not in catalog", uri),
				ErrorKind: string(apperrors.CodeNotFound),
			}
		}
		server = entry.ServerName
	}

	result, err := i.servers.Read(ctx, server, uri)
	if err != nil {
		return ResourceOutcome{
			URI:        uri,
			ServerName: server,
			Error:      err.Error(),
			ErrorKind:  string(apperrors.CodeOf(err)),
		}
	}
	i.catalog.RecordResourceAccess(uri)
	return ResourceOutcome{
		Success:    true,
		URI:        uri,
		ServerName: server,
		Content:    result.Text(),
	}
}

// GetPrompt renders one prompt template. An empty server resolves the owner
// from the catalog; the wire name drops any collision qualifier.
func (i *Invoker) GetPrompt(ctx context.Context, name string, args map[string]string, server string) PromptOutcome {
	wireName := name
	if entry, ok := i.catalog.Prompt(name); ok {
		wireName = entry.BaseName
		if server == "" {
			server = entry.ServerName
		}
	}
	if server == "" {
		return PromptOutcome{
			Name:      name,
			Error:     fmt.Sprintf("prompt %q not in catalog", name),
			ErrorKind: string(apperrors.CodeNotFound),
		}
	}

	result, err := i.servers.Prompt(ctx, server, wireName, args)
	if err != nil {
		return PromptOutcome{
			Name:       name,
			ServerName: server,
			Error:      err.Error(),
			ErrorKind:  string(apperrors.CodeOf(err)),
		}
	}
	return PromptOutcome{
		Success:     true,
		Name:        name,
		ServerName:  server,
		Description: result.Description,
		Messages:    result.Messages,
	}
}

func (i *Invoker) permitted(tool string, args map[string]interface{}) bool {
	i.mu.RLock()
	filters := i.filters
	i.mu.RUnlock()
	for _, f := range filters {
		if !f(tool, args) {
			return false
		}
	}
	return true
}

// selectServer resolves the candidate set and applies the strategy. The
// second return is a ready-made failure outcome.
func (i *Invoker) selectServer(req Request) (string, *Outcome) {
	if req.Server != "" {
		if !i.servers.Healthy(req.Server) {
			return "", &Outcome{
				Success:   false,
				ToolName:  req.Tool,
				Error:     fmt.Sprintf("pinned server %q is not healthy", req.Server),
				ErrorKind: string(apperrors.CodeServerUnhealthy),
			}
		}
		return req.Server, nil
	}

	var candidates []string
	for _, s := range i.catalog.ServersFor(req.Tool) {
		if i.servers.Healthy(s) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return "", &Outcome{
			Success:   false,
			ToolName:  req.Tool,
			Error:     fmt.Sprintf("no healthy server offers tool %q", req.Tool),
			ErrorKind: string(apperrors.CodeNoServer),
		}
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = i.Strategy()
	}
	return i.pick(req.Tool, candidates, strategy), nil
}

func (i *Invoker) pick(tool string, candidates []string, strategy Strategy) string {
	if len(candidates) == 1 {
		return candidates[0]
	}
	switch strategy {
	case StrategyRoundRobin:
		i.rrMu.Lock()
		n := i.rrCounters[tool]
		i.rrCounters[tool] = n + 1
		i.rrMu.Unlock()
		return candidates[n%len(candidates)]
	case StrategyFastestResponse:
		return i.bestBy(tool, candidates, func(e catalog.ToolEntry) int64 { return e.ResponseTimeMS })
	case StrategyLeastUsed:
		return i.bestBy(tool, candidates, func(e catalog.ToolEntry) int64 { return e.UsageCount })
	case StrategyRandom:
		return candidates[rand.Intn(len(candidates))]
	default:
		return candidates[0]
	}
}

// bestBy picks the candidate with the smallest score; ties keep candidate
// order. Servers without a catalog entry score zero.
func (i *Invoker) bestBy(tool string, candidates []string, score func(catalog.ToolEntry) int64) string {
	best := candidates[0]
	bestScore := i.scoreFor(tool, candidates[0], score)
	for _, s := range candidates[1:] {
		if sc := i.scoreFor(tool, s, score); sc < bestScore {
			best, bestScore = s, sc
		}
	}
	return best
}

func (i *Invoker) scoreFor(tool, server string, score func(catalog.ToolEntry) int64) int64 {
	if e, ok := i.catalog.Tool(tool); ok && e.ServerName == server {
		return score(e)
	}
	if e, ok := i.catalog.Tool(server + "." + tool); ok {
		return score(e)
	}
	return 0
}

func outcomeLabel(success bool) string {
	return strconv.FormatBool(success)
}

// AllowListFilter permits only the named tools. An empty list permits none.
func AllowListFilter(allowed []string) Filter {
	set := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		set[name] = true
	}
	return func(tool string, _ map[string]interface{}) bool {
		return set[tool]
	}
}

// DenyListFilter vetoes the named tools.
func DenyListFilter(denied []string) Filter {
	set := make(map[string]bool, len(denied))
	for _, name := range denied {
		set[name] = true
	}
	return func(tool string, _ map[string]interface{}) bool {
		return !set[tool]
	}
}

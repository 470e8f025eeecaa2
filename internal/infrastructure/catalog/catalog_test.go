package catalog

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/loopgate/loopgate/internal/infrastructure/toolserver"
)

// fakeSource scripts per-server discoveries and counts wire pulls.
type fakeSource struct {
	mu        sync.Mutex
	servers   map[string]*toolserver.Discovery
	errors    map[string]error
	discovers map[string]int
	listings  map[string][]toolserver.ToolDescriptor
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		servers:   make(map[string]*toolserver.Discovery),
		errors:    make(map[string]error),
		discovers: make(map[string]int),
		listings:  make(map[string][]toolserver.ToolDescriptor),
	}
}

func (f *fakeSource) setTools(server string, names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var tools []toolserver.ToolDescriptor
	for _, n := range names {
		tools = append(tools, toolserver.ToolDescriptor{Name: n, Description: "the " + n + " tool"})
	}
	f.servers[server] = &toolserver.Discovery{Tools: tools}
	f.listings[server] = tools
}

func (f *fakeSource) ConnectedServers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.servers {
		out = append(out, name)
	}
	return out
}

func (f *fakeSource) Discover(_ context.Context, server string) (*toolserver.Discovery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovers[server]++
	if err := f.errors[server]; err != nil {
		return nil, err
	}
	disc, ok := f.servers[server]
	if !ok {
		return nil, fmt.Errorf("unknown server %q", server)
	}
	return disc, nil
}

func (f *fakeSource) ListTools(_ context.Context, server string) ([]toolserver.ToolDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errors[server]; err != nil {
		return nil, err
	}
	return f.listings[server], nil
}

func (f *fakeSource) discoverCount(server string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discovers[server]
}

func TestCatalogDiscoverAllMerges(t *testing.T) {
	src := newFakeSource()
	src.setTools("s1", "alpha", "beta")
	src.setTools("s2", "gamma")
	src.mu.Lock()
	src.servers["s2"].Resources = []toolserver.ResourceDescriptor{{URI: "file:///data.txt", Name: "data"}}
	src.servers["s2"].Prompts = []toolserver.PromptDescriptor{{Name: "summarize"}}
	src.mu.Unlock()

	c := New(src, time.Minute, zap.NewNop())
	report := c.DiscoverAll(context.Background())

	if !reflect.DeepEqual(report.Merged, []string{"s1", "s2"}) {
		t.Fatalf("merged = %v", report.Merged)
	}
	if got := len(c.Tools()); got != 3 {
		t.Fatalf("tools = %d, want 3", got)
	}
	if _, ok := c.Resource("file:///data.txt"); !ok {
		t.Fatal("resource missing")
	}
	if _, ok := c.Prompt("summarize"); !ok {
		t.Fatal("prompt missing")
	}
	if got := c.ServersFor("alpha"); !reflect.DeepEqual(got, []string{"s1"}) {
		t.Fatalf("ServersFor(alpha) = %v", got)
	}

	sum := c.Summarize()
	if sum.Servers != 2 || sum.Tools != 3 || sum.ToolsPerServer["s1"] != 2 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestCatalogCollisionQualifiesLaterServer(t *testing.T) {
	src := newFakeSource()
	src.setTools("s1", "search")
	src.setTools("s2", "search", "fetch")

	c := New(src, time.Minute, zap.NewNop())
	if err := c.RefreshServer(context.Background(), "s1"); err != nil {
		t.Fatalf("refresh s1: %v", err)
	}
	if err := c.RefreshServer(context.Background(), "s2"); err != nil {
		t.Fatalf("refresh s2: %v", err)
	}

	first, ok := c.Tool("search")
	if !ok || first.ServerName != "s1" {
		t.Fatalf("search entry = %+v (ok=%v)", first, ok)
	}
	qualified, ok := c.Tool("s2.search")
	if !ok || qualified.ServerName != "s2" || qualified.BaseName != "search" {
		t.Fatalf("s2.search entry = %+v (ok=%v)", qualified, ok)
	}

	if got := c.ServersFor("search"); !reflect.DeepEqual(got, []string{"s1", "s2"}) {
		t.Fatalf("ServersFor(search) = %v", got)
	}
	if got := c.ServersFor("s2.search"); !reflect.DeepEqual(got, []string{"s2"}) {
		t.Fatalf("ServersFor(s2.search) = %v", got)
	}
}

func TestCatalogFreshnessWindow(t *testing.T) {
	src := newFakeSource()
	src.setTools("s1", "alpha")

	c := New(src, time.Minute, zap.NewNop())
	c.DiscoverAll(context.Background())
	report := c.DiscoverAll(context.Background())

	if len(report.Skipped) != 1 || report.Skipped[0] != "s1" {
		t.Fatalf("second pass report = %+v", report)
	}
	if got := src.discoverCount("s1"); got != 1 {
		t.Fatalf("wire discoveries = %d, want 1", got)
	}

	// RefreshServer bypasses the window.
	if err := c.RefreshServer(context.Background(), "s1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := src.discoverCount("s1"); got != 2 {
		t.Fatalf("wire discoveries after refresh = %d, want 2", got)
	}
}

func TestCatalogExpiredWindowRediscovers(t *testing.T) {
	src := newFakeSource()
	src.setTools("s1", "alpha")

	c := New(src, time.Millisecond, zap.NewNop())
	c.DiscoverAll(context.Background())
	time.Sleep(3 * time.Millisecond)
	report := c.DiscoverAll(context.Background())

	if len(report.Merged) != 1 {
		t.Fatalf("report after expiry = %+v", report)
	}
	if got := src.discoverCount("s1"); got != 2 {
		t.Fatalf("wire discoveries = %d, want 2", got)
	}
}

func TestCatalogReMergeIsolation(t *testing.T) {
	src := newFakeSource()
	src.setTools("s1", "alpha", "old")
	src.setTools("s2", "gamma")

	c := New(src, time.Minute, zap.NewNop())
	c.DiscoverAll(context.Background())

	// s1 drops "old" and gains "new"; s2 must be untouched.
	src.setTools("s1", "alpha", "new")
	if err := c.RefreshServer(context.Background(), "s1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, ok := c.Tool("old"); ok {
		t.Fatal("stale s1 tool survived re-merge")
	}
	if _, ok := c.Tool("new"); !ok {
		t.Fatal("fresh s1 tool missing")
	}
	if _, ok := c.Tool("gamma"); !ok {
		t.Fatal("s2 entry lost during s1 re-merge")
	}
	if got := c.ServersFor("old"); got != nil {
		t.Fatalf("ServersFor(old) = %v, want nil", got)
	}
}

func TestCatalogUsageSurvivesReMerge(t *testing.T) {
	src := newFakeSource()
	src.setTools("s1", "alpha")

	c := New(src, time.Minute, zap.NewNop())
	c.DiscoverAll(context.Background())

	c.RecordToolUsage("alpha", 120*time.Millisecond)
	c.RecordToolUsage("alpha", 80*time.Millisecond)

	entry, _ := c.Tool("alpha")
	if entry.UsageCount != 2 {
		t.Fatalf("usage = %d, want 2", entry.UsageCount)
	}
	// Response time keeps the last observation, not an average.
	if entry.ResponseTimeMS != 80 {
		t.Fatalf("response time = %d, want 80", entry.ResponseTimeMS)
	}

	if err := c.RefreshServer(context.Background(), "s1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	entry, _ = c.Tool("alpha")
	if entry.UsageCount != 2 || entry.ResponseTimeMS != 80 {
		t.Fatalf("usage lost on re-merge: %+v", entry)
	}
}

func TestCatalogRemoveServer(t *testing.T) {
	src := newFakeSource()
	src.setTools("s1", "alpha")
	src.setTools("s2", "beta")

	c := New(src, time.Minute, zap.NewNop())
	c.DiscoverAll(context.Background())

	c.RemoveServer("s1")

	if _, ok := c.Tool("alpha"); ok {
		t.Fatal("s1 tool survived removal")
	}
	if _, ok := c.Tool("beta"); !ok {
		t.Fatal("s2 tool lost on s1 removal")
	}
	if got := c.ServersFor("alpha"); got != nil {
		t.Fatalf("ServersFor(alpha) = %v", got)
	}

	// Removal also clears freshness, so a re-added server is rediscovered.
	report := c.DiscoverAll(context.Background())
	if !reflect.DeepEqual(report.Merged, []string{"s1"}) {
		t.Fatalf("report after re-add = %+v", report)
	}
}

func TestCatalogSearch(t *testing.T) {
	src := newFakeSource()
	src.setTools("s1", "find_tickets", "create_ticket")
	src.setTools("s2", "weather_report")

	c := New(src, time.Minute, zap.NewNop())
	c.DiscoverAll(context.Background())

	got := c.Search("TICKET", false)
	if len(got) != 2 {
		t.Fatalf("search hits = %d, want 2", len(got))
	}
	if got := c.Search("TICKET", true); len(got) != 0 {
		t.Fatalf("case-sensitive hits = %d, want 0", len(got))
	}
	// Descriptions match too ("the weather_report tool").
	if got := c.Search("weather_report tool", false); len(got) != 1 {
		t.Fatalf("description hits = %d, want 1", len(got))
	}
}

func TestCatalogDiscoveryErrorIsolation(t *testing.T) {
	src := newFakeSource()
	src.setTools("good", "alpha")
	src.setTools("bad", "beta")
	src.mu.Lock()
	src.errors["bad"] = fmt.Errorf("handshake exploded")
	src.mu.Unlock()

	c := New(src, time.Minute, zap.NewNop())
	report := c.DiscoverAll(context.Background())

	if !reflect.DeepEqual(report.Merged, []string{"good"}) {
		t.Fatalf("merged = %v", report.Merged)
	}
	if report.Errors["bad"] == "" {
		t.Fatalf("errors = %v", report.Errors)
	}
	if _, ok := c.Tool("alpha"); !ok {
		t.Fatal("healthy server blocked by failing one")
	}
}

func TestCatalogUpdateToolAvailability(t *testing.T) {
	src := newFakeSource()
	src.setTools("s1", "alpha", "beta")

	c := New(src, time.Minute, zap.NewNop())
	c.DiscoverAll(context.Background())

	// Server stops offering beta.
	src.mu.Lock()
	src.listings["s1"] = []toolserver.ToolDescriptor{{Name: "alpha"}}
	src.mu.Unlock()

	if err := c.UpdateToolAvailability(context.Background(), "beta"); err != nil {
		t.Fatalf("update: %v", err)
	}
	entry, _ := c.Tool("beta")
	if entry.Availability != AvailabilityUnavailable {
		t.Fatalf("availability = %s, want unavailable", entry.Availability)
	}

	if err := c.UpdateToolAvailability(context.Background(), "alpha"); err != nil {
		t.Fatalf("update: %v", err)
	}
	entry, _ = c.Tool("alpha")
	if entry.Availability != AvailabilityAvailable {
		t.Fatalf("availability = %s, want available", entry.Availability)
	}

	src.mu.Lock()
	src.errors["s1"] = fmt.Errorf("gone")
	src.mu.Unlock()
	if err := c.UpdateToolAvailability(context.Background(), "alpha"); err == nil {
		t.Fatal("expected probe error")
	}
	entry, _ = c.Tool("alpha")
	if entry.Availability != AvailabilityError || entry.LastError == "" {
		t.Fatalf("entry after failed probe = %+v", entry)
	}
}

func TestCatalogUsageStatisticsOrder(t *testing.T) {
	src := newFakeSource()
	src.setTools("s1", "hot", "cold")

	c := New(src, time.Minute, zap.NewNop())
	c.DiscoverAll(context.Background())

	c.RecordToolUsage("hot", 10*time.Millisecond)
	c.RecordToolUsage("hot", 10*time.Millisecond)
	c.RecordToolUsage("cold", 10*time.Millisecond)

	stats := c.UsageStatistics()
	if len(stats) != 2 || stats[0].Name != "hot" || stats[1].Name != "cold" {
		t.Fatalf("stats order = %+v", stats)
	}
}

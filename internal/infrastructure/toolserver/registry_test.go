package toolserver

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/loopgate/loopgate/pkg/errors"
)

// fakeRegistry wires client construction to in-process fake servers.
// Servers without a fake fail to dial.
func fakeRegistry(fakes map[string]*fakeServer) *Registry {
	r := NewRegistry(zap.NewNop())
	r.newClient = func(cfg ServerConfig, logger *zap.Logger) *Client {
		c := NewClient(cfg, logger)
		c.newTransport = func(context.Context) (Transport, error) {
			fake, ok := fakes[cfg.Name]
			if !ok {
				return nil, apperrors.NewServerUnhealthyError("dial refused", nil)
			}
			return fake, nil
		}
		return c
	}
	return r
}

// waitStatus blocks until the server reaches the wanted status. Registration
// kicks off an async connect, so tests sync on its outcome here.
func waitStatus(t *testing.T, r *Registry, name string, want ServerStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec, err := r.Get(name); err == nil && rec.Status == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	rec, _ := r.Get(name)
	t.Fatalf("server %s status = %s, want %s", name, rec.Status, want)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegistryRegisterValidation(t *testing.T) {
	r := fakeRegistry(nil)

	bad := ServerConfig{Name: "nocmd", Transport: TransportStdio, Enabled: true}
	err := r.Register(bad)
	if err == nil || !apperrors.IsConfigInvalid(err) {
		t.Fatalf("expected CONFIG_INVALID, got %v", err)
	}

	good := testServerConfig("s1")
	if err := r.Register(good); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err = r.Register(good)
	if err == nil || !apperrors.IsAlreadyExists(err) {
		t.Fatalf("expected ALREADY_EXISTS, got %v", err)
	}
}

func TestRegistryDisabledServer(t *testing.T) {
	r := fakeRegistry(map[string]*fakeServer{"off": newFakeServer()})
	cfg := testServerConfig("off")
	cfg.Enabled = false
	if err := r.Register(cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rec, err := r.Get("off")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != StatusDisabled {
		t.Fatalf("status = %s, want disabled", rec.Status)
	}
	if err := r.Connect(context.Background(), "off"); err == nil {
		t.Fatal("connecting a disabled server should fail")
	}
	if r.Healthy("off") {
		t.Fatal("disabled server reported healthy")
	}
	if got := r.ConnectAll(context.Background()); got != 0 {
		t.Fatalf("ConnectAll = %d, want 0", got)
	}
}

func TestRegistryRegisterConnectsAsync(t *testing.T) {
	fake := newFakeServer(ToolDescriptor{Name: "search"})
	fake.callText["search"] = "found it"
	r := fakeRegistry(map[string]*fakeServer{"s1": fake})
	if err := r.Register(testServerConfig("s1")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	waitStatus(t, r, "s1", StatusConnected)
	rec, _ := r.Get("s1")
	if rec.Tools != 1 || rec.ConnectAttempts != 0 {
		t.Fatalf("record = %+v", rec)
	}
	if !r.Healthy("s1") {
		t.Fatal("connected server not healthy")
	}
	if got := r.ConnectedServers(); !reflect.DeepEqual(got, []string{"s1"}) {
		t.Fatalf("ConnectedServers = %v", got)
	}

	// Connecting an already connected server is a no-op.
	if err := r.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("re-Connect: %v", err)
	}

	result, err := r.Call(context.Background(), "s1", "search", map[string]interface{}{"q": "x"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Text() != "found it" {
		t.Fatalf("result = %q", result.Text())
	}
}

func TestRegistryConnectFailureAndRetryBudget(t *testing.T) {
	r := fakeRegistry(nil) // every dial refused
	cfg := testServerConfig("down")
	cfg.RetryAttempts = 2
	cfg.RetryDelay = 250 * time.Millisecond
	if err := r.Register(cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// The registration-time attempt fails.
	waitFor(t, "first attempt to fail", func() bool {
		rec, err := r.Get("down")
		return err == nil && rec.Status == StatusError && rec.ConnectAttempts == 1
	})
	rec, _ := r.Get("down")
	if rec.LastError == "" {
		t.Fatalf("record = %+v", rec)
	}

	// Delay has not elapsed yet.
	if r.CanRetry("down") {
		t.Fatal("CanRetry true immediately after attempt")
	}
	time.Sleep(300 * time.Millisecond)
	if !r.CanRetry("down") {
		t.Fatal("CanRetry false after delay elapsed")
	}

	// Exhaust the budget with a second failed attempt.
	if err := r.Connect(context.Background(), "down"); err == nil {
		t.Fatal("expected connect failure")
	}
	time.Sleep(300 * time.Millisecond)
	if r.CanRetry("down") {
		rec, _ := r.Get("down")
		t.Fatalf("CanRetry true with budget exhausted: %+v", rec)
	}
}

func TestRegistryHooks(t *testing.T) {
	fake := newFakeServer(ToolDescriptor{Name: "a"})
	r := fakeRegistry(map[string]*fakeServer{"s1": fake})

	var mu sync.Mutex
	var transitions []string
	var connected, unregistered []string
	r.SetHooks(Hooks{
		OnStatusChange: func(server string, from, to ServerStatus) {
			mu.Lock()
			transitions = append(transitions, string(from)+">"+string(to))
			mu.Unlock()
		},
		OnConnected: func(server string) {
			mu.Lock()
			connected = append(connected, server)
			mu.Unlock()
		},
		OnUnregistered: func(server string) {
			mu.Lock()
			unregistered = append(unregistered, server)
			mu.Unlock()
		},
	})

	if err := r.Register(testServerConfig("s1")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	waitStatus(t, r, "s1", StatusConnected)
	if err := r.Unregister("s1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"disconnected>connecting", "connecting>connected"}
	if !reflect.DeepEqual(transitions, want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	if !reflect.DeepEqual(connected, []string{"s1"}) {
		t.Fatalf("connected hook = %v", connected)
	}
	if !reflect.DeepEqual(unregistered, []string{"s1"}) {
		t.Fatalf("unregistered hook = %v", unregistered)
	}

	if _, err := r.Get("s1"); !apperrors.IsNotFound(err) {
		t.Fatalf("Get after unregister = %v, want NOT_FOUND", err)
	}
}

func TestRegistryReRegisterAfterUnregister(t *testing.T) {
	fake := newFakeServer(ToolDescriptor{Name: "a"})
	r := fakeRegistry(map[string]*fakeServer{"s1": fake})
	cfg := testServerConfig("s1")

	if err := r.Register(cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	waitStatus(t, r, "s1", StatusConnected)
	if err := r.Unregister("s1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	// Registering the same config again behaves like the first time.
	if err := r.Register(cfg); err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	waitStatus(t, r, "s1", StatusConnected)
	rec, _ := r.Get("s1")
	if rec.Tools != 1 || rec.ConnectAttempts != 0 || rec.LastError != "" {
		t.Fatalf("record after re-register = %+v", rec)
	}
	stats := r.Stats()
	if stats.TotalServers != 1 || stats.Connected != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRegistryFindServersWithTool(t *testing.T) {
	s1 := newFakeServer(ToolDescriptor{Name: "alpha"})
	s2 := newFakeServer(ToolDescriptor{Name: "alpha"}, ToolDescriptor{Name: "beta"})
	r := fakeRegistry(map[string]*fakeServer{"s1": s1, "s2": s2})
	for _, name := range []string{"s1", "s2"} {
		if err := r.Register(testServerConfig(name)); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
		waitStatus(t, r, name, StatusConnected)
	}

	if got := r.FindServersWithTool("alpha"); !reflect.DeepEqual(got, []string{"s1", "s2"}) {
		t.Fatalf("alpha on %v", got)
	}
	if got := r.FindServersWithTool("beta"); !reflect.DeepEqual(got, []string{"s2"}) {
		t.Fatalf("beta on %v", got)
	}
	if got := r.FindServersWithTool("gamma"); len(got) != 0 {
		t.Fatalf("gamma on %v", got)
	}
}

func TestRegistryConnectAllAfterDisconnectAll(t *testing.T) {
	s1 := newFakeServer(ToolDescriptor{Name: "a"})
	s2 := newFakeServer(ToolDescriptor{Name: "b"})
	r := fakeRegistry(map[string]*fakeServer{"s1": s1, "s2": s2})
	for _, name := range []string{"s1", "s2"} {
		if err := r.Register(testServerConfig(name)); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
		waitStatus(t, r, name, StatusConnected)
	}

	r.DisconnectAll()
	for _, name := range []string{"s1", "s2"} {
		rec, _ := r.Get(name)
		if rec.Status != StatusDisconnected {
			t.Fatalf("%s status = %s after DisconnectAll", name, rec.Status)
		}
	}

	if got := r.ConnectAll(context.Background()); got != 2 {
		t.Fatalf("ConnectAll = %d, want 2", got)
	}
	if got := r.ConnectedServers(); !reflect.DeepEqual(got, []string{"s1", "s2"}) {
		t.Fatalf("ConnectedServers = %v", got)
	}
}

func TestRegistryMarkUnhealthy(t *testing.T) {
	fake := newFakeServer(ToolDescriptor{Name: "a"})
	r := fakeRegistry(map[string]*fakeServer{"s1": fake})
	if err := r.Register(testServerConfig("s1")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	waitStatus(t, r, "s1", StatusConnected)

	r.MarkUnhealthy("s1", "probe failed")

	rec, _ := r.Get("s1")
	if rec.Status != StatusError || rec.LastError != "probe failed" {
		t.Fatalf("record = %+v", rec)
	}
	if r.Healthy("s1") {
		t.Fatal("unhealthy server reported healthy")
	}
	if _, err := r.Call(context.Background(), "s1", "a", nil); !apperrors.IsServerUnhealthy(err) {
		t.Fatalf("Call = %v, want SERVER_UNHEALTHY", err)
	}
}

func TestRegistryStats(t *testing.T) {
	s1 := newFakeServer(ToolDescriptor{Name: "a"}, ToolDescriptor{Name: "b"})
	r := fakeRegistry(map[string]*fakeServer{"s1": s1})
	if err := r.Register(testServerConfig("s1")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	off := testServerConfig("off")
	off.Enabled = false
	if err := r.Register(off); err != nil {
		t.Fatalf("Register off: %v", err)
	}
	waitStatus(t, r, "s1", StatusConnected)

	stats := r.Stats()
	if stats.TotalServers != 2 || stats.Connected != 1 || stats.Disabled != 1 || stats.TotalTools != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRegistryDiscover(t *testing.T) {
	fake := newFakeServer(ToolDescriptor{Name: "a"})
	r := fakeRegistry(map[string]*fakeServer{"s1": fake})
	if err := r.Register(testServerConfig("s1")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	waitStatus(t, r, "s1", StatusConnected)

	disc, err := r.Discover(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(disc.Tools) != 1 || disc.Tools[0].Name != "a" {
		t.Fatalf("tools = %+v", disc.Tools)
	}
	// Optional families on a tools-only server come back empty.
	if len(disc.Resources) != 0 || len(disc.Prompts) != 0 {
		t.Fatalf("discovery = %+v", disc)
	}

	if _, err := r.Discover(context.Background(), "missing"); !apperrors.IsNotFound(err) {
		t.Fatalf("Discover missing = %v, want NOT_FOUND", err)
	}
}

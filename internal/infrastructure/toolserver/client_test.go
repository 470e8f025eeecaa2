package toolserver

import (
	"context"
	"testing"

	"go.uber.org/zap"

	apperrors "github.com/loopgate/loopgate/pkg/errors"
)

func TestClientConnectHandshake(t *testing.T) {
	fake := newFakeServer(
		ToolDescriptor{Name: "search", Description: "find things"},
		ToolDescriptor{Name: "fetch", Description: "get a url"},
	)
	c := newTestClient(t, fake)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.Ready() {
		t.Fatalf("state = %s, want ready", c.State())
	}
	if c.Info().Name != "fake-server" {
		t.Fatalf("server info = %+v", c.Info())
	}
	if got := len(c.AvailableTools()); got != 2 {
		t.Fatalf("tools = %d, want 2", got)
	}
	// Optional capability families are tolerated when missing.
	if got := len(c.AvailableResources()); got != 0 {
		t.Fatalf("resources = %d, want 0", got)
	}

	notes := fake.notifications()
	if len(notes) != 1 || notes[0] != NotificationInitialized {
		t.Fatalf("notifications = %v, want [%s]", notes, NotificationInitialized)
	}
}

func TestClientConnectNotReusable(t *testing.T) {
	fake := newFakeServer()
	c := newTestClient(t, fake)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("second Connect should fail")
	}
}

func TestClientCallTool(t *testing.T) {
	fake := newFakeServer(ToolDescriptor{Name: "search"})
	fake.callText["search"] = "three results"
	c := newTestClient(t, fake)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	result, err := c.CallTool(context.Background(), "search", map[string]interface{}{"query": "go"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.Text() != "three results" {
		t.Fatalf("result = %q", result.Text())
	}

	calls := fake.calls()
	if len(calls) != 1 || calls[0].Name != "search" || calls[0].Arguments["query"] != "go" {
		t.Fatalf("server saw %+v", calls)
	}
}

func TestClientCallToolServerError(t *testing.T) {
	fake := newFakeServer(ToolDescriptor{Name: "broken"})
	fake.callErr["broken"] = &RPCError{Code: ErrCodeInternal, Message: "boom"}
	c := newTestClient(t, fake)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if _, err := c.CallTool(context.Background(), "broken", nil); err == nil {
		t.Fatal("expected rpc error")
	}
}

func TestClientCallBeforeConnect(t *testing.T) {
	c := newTestClient(t, newFakeServer())
	_, err := c.CallTool(context.Background(), "search", nil)
	if err == nil {
		t.Fatal("expected error before connect")
	}
	if !apperrors.IsServerUnhealthy(err) {
		t.Fatalf("code = %s, want SERVER_UNHEALTHY", apperrors.CodeOf(err))
	}
}

func TestClientHandshakeRejected(t *testing.T) {
	fake := newFakeServer()
	c := NewClient(testServerConfig("reject"), zap.NewNop())
	c.newTransport = func(context.Context) (Transport, error) { return &rejectingTransport{fake}, nil }

	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if !apperrors.IsProtocolError(err) {
		t.Fatalf("code = %s, want PROTOCOL_ERROR (%v)", apperrors.CodeOf(err), err)
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want failed", c.State())
	}
}

// rejectingTransport refuses the initialize call and delegates the rest.
type rejectingTransport struct{ *fakeServer }

func (r *rejectingTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if req.Method == MethodInitialize {
		return errResp(req.ID, ErrCodeInvalidRequest, "go away"), nil
	}
	return r.fakeServer.Send(ctx, req)
}

func TestClientDisconnect(t *testing.T) {
	fake := newFakeServer(ToolDescriptor{Name: "x"})
	c := newTestClient(t, fake)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.Disconnect()
	c.Disconnect() // idempotent

	if c.State() != StateClosed {
		t.Fatalf("state = %s, want closed", c.State())
	}
	if !fake.closed.Load() {
		t.Fatal("transport not closed")
	}
	notes := fake.notifications()
	if len(notes) != 2 || notes[1] != NotificationShutdown {
		t.Fatalf("notifications = %v, want shutdown last", notes)
	}
}

func TestClientHealthCheckRefreshesSnapshot(t *testing.T) {
	fake := newFakeServer(ToolDescriptor{Name: "one"})
	c := newTestClient(t, fake)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	fake.mu.Lock()
	fake.tools = append(fake.tools, ToolDescriptor{Name: "two"})
	fake.mu.Unlock()

	if !c.HealthCheck(context.Background()) {
		t.Fatal("health check failed against healthy server")
	}
	if got := len(c.AvailableTools()); got != 2 {
		t.Fatalf("tools after health check = %d, want 2", got)
	}

	fake.failTools.Store(true)
	if c.HealthCheck(context.Background()) {
		t.Fatal("health check passed against broken server")
	}
}

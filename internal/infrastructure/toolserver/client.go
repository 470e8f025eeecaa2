package toolserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/loopgate/loopgate/pkg/errors"
	"github.com/loopgate/loopgate/pkg/safego"
)

const (
	clientName    = "loopgate"
	clientVersion = "1.0.0"

	// processExitGrace is how long Disconnect waits for a child to exit
	// after stdin closes before killing it.
	processExitGrace = 2 * time.Second
)

// ClientState is the lifecycle position of one client.
type ClientState int32

const (
	StateCreated ClientState = iota
	StateConnecting
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

func (s ClientState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Client is one connection to one tool server. A client is single-use: it
// connects once and is discarded after disconnecting or failing. Calls are
// single-flight; the registry issues at most one RPC per server at a time.
type Client struct {
	cfg    ServerConfig
	logger *zap.Logger

	state  atomic.Int32
	nextID atomic.Int64

	// callMu serializes RPCs so call/response pairs never interleave on
	// the wire.
	callMu sync.Mutex

	mu         sync.RWMutex
	transport  Transport
	serverInfo ServerInfo
	tools      []ToolDescriptor
	resources  []ResourceDescriptor
	prompts    []PromptDescriptor

	cmd      *exec.Cmd
	procExit chan error

	closeOnce sync.Once

	// newTransport overrides dialing in tests.
	newTransport func(ctx context.Context) (Transport, error)
}

// NewClient builds a client for a normalized config. Call Connect next.
func NewClient(cfg ServerConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:      cfg,
		logger:   logger.With(zap.String("server", cfg.Name)),
		procExit: make(chan error, 1),
	}
}

// Connect dials the server, runs the initialize handshake, and pulls the
// capability snapshots. On failure the client is unusable and any spawned
// process has been reaped.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateCreated), int32(StateConnecting)) {
		return apperrors.NewInvalidInputError(fmt.Sprintf("client for %q is %s, not reusable", c.cfg.Name, c.State()))
	}

	if err := c.dial(ctx); err != nil {
		c.state.Store(int32(StateFailed))
		return err
	}

	t := c.getTransport()
	t.OnViolation(c.onViolation)
	t.OnNotification(c.onNotification)

	if err := c.handshake(ctx); err != nil {
		c.state.Store(int32(StateFailed))
		c.abortConnect()
		return err
	}

	c.state.Store(int32(StateReady))
	c.logger.Info("Connected to tool server",
		zap.String("server_name", c.Info().Name),
		zap.Int("tools", len(c.AvailableTools())),
	)
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	if c.newTransport != nil {
		t, err := c.newTransport(ctx)
		if err != nil {
			return err
		}
		c.setTransport(t)
		return nil
	}

	switch c.cfg.Transport {
	case TransportStdio:
		return c.dialStdio()
	case TransportHTTPSSE:
		t, err := NewSSETransport(c.cfg, c.logger)
		if err != nil {
			return err
		}
		c.setTransport(t)
		return nil
	default:
		return apperrors.NewConfigInvalidError(fmt.Sprintf("unknown transport %q", c.cfg.Transport))
	}
}

func (c *Client) dialStdio() error {
	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range c.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = &lineWriter{logger: c.logger}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "open stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "open stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return apperrors.NewServerUnhealthyError(fmt.Sprintf("start %q", c.cfg.Command), err)
	}

	c.cmd = cmd
	c.setTransport(NewStdioTransport(stdin, stdout, c.logger))
	go c.reap()
	return nil
}

// reap waits for the child. An exit while the client is serving poisons it.
func (c *Client) reap() {
	err := c.cmd.Wait()
	c.procExit <- err

	readyDied := c.state.CompareAndSwap(int32(StateReady), int32(StateFailed))
	connectingDied := c.state.CompareAndSwap(int32(StateConnecting), int32(StateFailed))
	if readyDied || connectingDied {
		c.logger.Warn("Tool server process exited unexpectedly", zap.Error(err))
		if t := c.getTransport(); t != nil {
			_ = t.Close()
		}
	}
}

func (c *Client) handshake(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      ClientInfo{Name: clientName, Version: clientVersion},
	}
	var result InitializeResult
	if err := c.call(ctx, MethodInitialize, params, &result); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return apperrors.Wrap(apperrors.CodeProtocolError, "initialize rejected", err)
		}
		return err
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	note, err := NewNotification(NotificationInitialized, nil)
	if err != nil {
		return err
	}
	if err := c.getTransport().SendNotification(note); err != nil {
		return err
	}

	// Tools are the point of a tool server; resources and prompts are
	// optional capability families.
	var tools ToolsListResult
	if err := c.call(ctx, MethodToolsList, nil, &tools); err != nil {
		if !isMethodNotFound(err) {
			return err
		}
	}
	var res ResourcesListResult
	if err := c.call(ctx, MethodResourcesList, nil, &res); err != nil && !isMethodNotFound(err) {
		c.logger.Debug("resources/list failed", zap.Error(err))
	}
	var prompts PromptsListResult
	if err := c.call(ctx, MethodPromptsList, nil, &prompts); err != nil && !isMethodNotFound(err) {
		c.logger.Debug("prompts/list failed", zap.Error(err))
	}

	c.mu.Lock()
	c.tools = tools.Tools
	c.resources = res.Resources
	c.prompts = prompts.Prompts
	c.mu.Unlock()
	return nil
}

// call runs one RPC under the single-flight lock with the per-call timeout.
func (c *Client) call(ctx context.Context, method string, params, out interface{}) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	req, err := NewRequest(c.nextID.Add(1), method, params)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.getTransport().Send(callCtx, req)
	if err != nil {
		return err
	}
	if out == nil {
		if resp.Error != nil {
			return resp.Error
		}
		return nil
	}
	return ParseResult(resp, out)
}

func (c *Client) ensureReady() error {
	if c.State() != StateReady {
		return apperrors.NewServerUnhealthyError(fmt.Sprintf("server %q is %s", c.cfg.Name, c.State()), nil)
	}
	return nil
}

// CallTool invokes one tool by its wire name.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolCallResult, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}
	var result ToolCallResult
	if err := c.call(ctx, MethodToolsCall, ToolCallParams{Name: name, Arguments: args}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListTools refreshes and returns the tool snapshot.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}
	var result ToolsListResult
	if err := c.call(ctx, MethodToolsList, nil, &result); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()
	return result.Tools, nil
}

// ListResources refreshes and returns the resource snapshot. Servers without
// the capability yield an empty list.
func (c *Client) ListResources(ctx context.Context) ([]ResourceDescriptor, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}
	var result ResourcesListResult
	if err := c.call(ctx, MethodResourcesList, nil, &result); err != nil {
		if isMethodNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	c.mu.Lock()
	c.resources = result.Resources
	c.mu.Unlock()
	return result.Resources, nil
}

// ReadResource fetches one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ResourceReadResult, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}
	var result ResourceReadResult
	if err := c.call(ctx, MethodResourcesRead, ResourceReadParams{URI: uri}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListPrompts refreshes and returns the prompt snapshot.
func (c *Client) ListPrompts(ctx context.Context) ([]PromptDescriptor, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}
	var result PromptsListResult
	if err := c.call(ctx, MethodPromptsList, nil, &result); err != nil {
		if isMethodNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	c.mu.Lock()
	c.prompts = result.Prompts
	c.mu.Unlock()
	return result.Prompts, nil
}

// GetPrompt renders one prompt template.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptGetResult, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}
	var result PromptGetResult
	if err := c.call(ctx, MethodPromptsGet, PromptGetParams{Name: name, Arguments: args}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HealthCheck probes the server with tools/list and reports liveness. The
// snapshot refreshes as a side effect, so health checks also pick up tool
// changes.
func (c *Client) HealthCheck(ctx context.Context) bool {
	_, err := c.ListTools(ctx)
	return err == nil
}

// Disconnect shuts the client down: shutdown notification, transport close
// (EOF on the child's stdin), then a bounded wait before killing the
// process. Safe to call more than once and from any state.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		prev := ClientState(c.state.Swap(int32(StateClosing)))

		t := c.getTransport()
		if t != nil && prev == StateReady {
			if note, err := NewNotification(NotificationShutdown, nil); err == nil {
				_ = t.SendNotification(note)
			}
		}
		if t != nil {
			_ = t.Close()
		}
		c.waitProcess()

		final := StateClosed
		if prev == StateFailed {
			final = StateFailed
		}
		c.state.Store(int32(final))
		c.logger.Debug("Disconnected from tool server")
	})
}

// abortConnect reaps a half-connected client after a handshake failure.
func (c *Client) abortConnect() {
	if t := c.getTransport(); t != nil {
		_ = t.Close()
	}
	c.waitProcess()
}

func (c *Client) waitProcess() {
	if c.cmd == nil {
		return
	}
	select {
	case <-c.procExit:
	case <-time.After(processExitGrace):
		c.logger.Warn("Tool server ignored shutdown, killing process")
		_ = c.cmd.Process.Kill()
		<-c.procExit
	}
}

// onViolation poisons the client when the server breaks protocol. Teardown
// runs off the transport's read goroutine.
func (c *Client) onViolation(err error) {
	readyBroke := c.state.CompareAndSwap(int32(StateReady), int32(StateFailed))
	connectingBroke := c.state.CompareAndSwap(int32(StateConnecting), int32(StateFailed))
	if readyBroke || connectingBroke {
		c.logger.Warn("Poisoning client after protocol violation", zap.Error(err))
		safego.Go(c.logger, "toolserver-teardown-"+c.cfg.Name, c.Disconnect)
	}
}

func (c *Client) onNotification(req *Request) {
	c.logger.Debug("Notification from tool server", zap.String("method", req.Method))
}

func (c *Client) setTransport(t Transport) {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
}

func (c *Client) getTransport() Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

// Name is the configured server name.
func (c *Client) Name() string { return c.cfg.Name }

// Info is the identity the server reported during the handshake.
func (c *Client) Info() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// State is the current lifecycle position.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// Ready reports whether the client can serve calls.
func (c *Client) Ready() bool { return c.State() == StateReady }

// AvailableTools returns the last tool snapshot.
func (c *Client) AvailableTools() []ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ToolDescriptor, len(c.tools))
	copy(out, c.tools)
	return out
}

// AvailableResources returns the last resource snapshot.
func (c *Client) AvailableResources() []ResourceDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ResourceDescriptor, len(c.resources))
	copy(out, c.resources)
	return out
}

// AvailablePrompts returns the last prompt snapshot.
func (c *Client) AvailablePrompts() []PromptDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]PromptDescriptor, len(c.prompts))
	copy(out, c.prompts)
	return out
}

func isMethodNotFound(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.IsMethodNotFound()
}

// lineWriter forwards a child's stderr to the log, one line per entry.
type lineWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	logger *zap.Logger
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			w.buf.WriteString(line)
			break
		}
		if s := strings.TrimSpace(line); s != "" {
			w.logger.Warn("Tool server stderr", zap.String("line", s))
		}
	}
	return len(p), nil
}

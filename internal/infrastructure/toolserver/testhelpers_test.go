package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

// fakeServer implements Transport directly, answering RPCs in-process the
// way a well-behaved tool server would.
type fakeServer struct {
	mu        sync.Mutex
	tools     []ToolDescriptor
	callText  map[string]string
	callErr   map[string]*RPCError
	seenCalls []ToolCallParams
	notes     []string

	failTools atomic.Bool
	closed    atomic.Bool

	notifyFn    func(*Request)
	violationFn func(error)
}

func newFakeServer(tools ...ToolDescriptor) *fakeServer {
	return &fakeServer{
		tools:    tools,
		callText: make(map[string]string),
		callErr:  make(map[string]*RPCError),
	}
}

func (f *fakeServer) Send(_ context.Context, req *Request) (*Response, error) {
	switch req.Method {
	case MethodInitialize:
		return okResp(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "fake-server", Version: "0.0.1"},
		})
	case MethodToolsList:
		if f.failTools.Load() {
			return errResp(req.ID, ErrCodeInternal, "listing broken"), nil
		}
		f.mu.Lock()
		tools := append([]ToolDescriptor(nil), f.tools...)
		f.mu.Unlock()
		return okResp(req.ID, ToolsListResult{Tools: tools})
	case MethodToolsCall:
		var params ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResp(req.ID, ErrCodeInvalidParams, err.Error()), nil
		}
		f.mu.Lock()
		f.seenCalls = append(f.seenCalls, params)
		f.mu.Unlock()
		if rpcErr, ok := f.callErr[params.Name]; ok {
			return errResp(req.ID, rpcErr.Code, rpcErr.Message), nil
		}
		text, ok := f.callText[params.Name]
		if !ok {
			return errResp(req.ID, ErrCodeInvalidParams, fmt.Sprintf("unknown tool %q", params.Name)), nil
		}
		return okResp(req.ID, ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}})
	case MethodResourcesList, MethodPromptsList:
		return errResp(req.ID, ErrCodeMethodNotFound, "not supported"), nil
	case MethodResourcesRead:
		var params ResourceReadParams
		_ = json.Unmarshal(req.Params, &params)
		return okResp(req.ID, ResourceReadResult{Contents: []ResourceContents{{URI: params.URI, Text: "resource body"}}})
	default:
		return errResp(req.ID, ErrCodeMethodNotFound, req.Method), nil
	}
}

func (f *fakeServer) SendNotification(req *Request) error {
	f.mu.Lock()
	f.notes = append(f.notes, req.Method)
	f.mu.Unlock()
	return nil
}

func (f *fakeServer) OnNotification(fn func(*Request)) { f.notifyFn = fn }
func (f *fakeServer) OnViolation(fn func(error))       { f.violationFn = fn }

func (f *fakeServer) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeServer) notifications() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notes...)
}

func (f *fakeServer) calls() []ToolCallParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ToolCallParams(nil), f.seenCalls...)
}

func okResp(id interface{}, v interface{}) (*Response, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: jsonRPCVersion, ID: id, Result: raw}, nil
}

func errResp(id interface{}, code int, message string) *Response {
	return &Response{JSONRPC: jsonRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message}}
}

func testServerConfig(name string) ServerConfig {
	cfg := ServerConfig{
		Name:      name,
		Transport: TransportStdio,
		Command:   "/bin/true",
		Enabled:   true,
	}
	cfg.Normalize()
	return cfg
}

// newTestClient wires a client to an in-process fake server.
func newTestClient(t *testing.T, fake *fakeServer) *Client {
	t.Helper()
	c := NewClient(testServerConfig("fake"), zap.NewNop())
	c.newTransport = func(context.Context) (Transport, error) { return fake, nil }
	return c
}

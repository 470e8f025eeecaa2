package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	apperrors "github.com/loopgate/loopgate/pkg/errors"
)

const (
	initialScanBuffer = 64 * 1024
	maxScanBuffer     = 1024 * 1024
)

// StdioTransport speaks line-delimited JSON-RPC over a child process's
// stdin/stdout. One goroutine owns the read side; writes are serialized by
// a mutex.
type StdioTransport struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *zap.Logger

	writeMu sync.Mutex
	calls   *correlator

	notifyFn    atomic.Value // func(*Request)
	violationFn atomic.Value // func(error)
	failure     atomic.Value // error

	done      chan struct{}
	closeOnce sync.Once
}

// NewStdioTransport wraps the child's pipes and starts the read loop.
func NewStdioTransport(stdin io.WriteCloser, stdout io.ReadCloser, logger *zap.Logger) *StdioTransport {
	t := &StdioTransport{
		stdin:  stdin,
		stdout: stdout,
		logger: logger,
		calls:  newCorrelator(),
		done:   make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *StdioTransport) OnNotification(fn func(*Request)) {
	t.notifyFn.Store(fn)
}

func (t *StdioTransport) OnViolation(fn func(error)) {
	t.violationFn.Store(fn)
}

// Send writes the request and waits for the matching response.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	id, ok := req.ID.(int64)
	if !ok {
		return nil, apperrors.NewInvalidInputError("request id must be int64")
	}
	ch, ok := t.calls.register(id)
	if !ok {
		return nil, apperrors.NewInternalError(fmt.Sprintf("duplicate request id %d", id))
	}

	if err := t.write(req); err != nil {
		t.calls.drop(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, t.failureError()
		}
		return resp, nil
	case <-ctx.Done():
		t.calls.drop(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.NewTimeoutError(fmt.Sprintf("request %q timed out", req.Method))
		}
		return nil, apperrors.NewCancelledError(fmt.Sprintf("request %q cancelled", req.Method), ctx.Err())
	case <-t.done:
		t.calls.drop(id)
		return nil, t.failureError()
	}
}

// SendNotification writes a request without waiting for anything back.
func (t *StdioTransport) SendNotification(req *Request) error {
	return t.write(req)
}

func (t *StdioTransport) write(req *Request) error {
	select {
	case <-t.done:
		return t.failureError()
	default:
	}

	data, err := json.Marshal(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "marshal request", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(data); err != nil {
		return apperrors.NewServerUnhealthyError("write to server stdin", err)
	}
	return nil
}

// Close shuts the transport down. Closing stdin signals EOF to the child.
func (t *StdioTransport) Close() error {
	t.shutdown(nil)
	return nil
}

func (t *StdioTransport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		if cause != nil {
			t.failure.Store(cause)
		}
		close(t.done)
		_ = t.stdin.Close()
		t.calls.failAll()
	})
}

func (t *StdioTransport) failureError() error {
	if err, ok := t.failure.Load().(error); ok && err != nil {
		return err
	}
	return apperrors.NewProtocolError("connection closed")
}

// readLoop owns stdout: one JSON object per line, dispatched by shape.
func (t *StdioTransport) readLoop() {
	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, initialScanBuffer), maxScanBuffer)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var probe struct {
			ID     interface{}     `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *RPCError       `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			t.violate(apperrors.NewProtocolError(fmt.Sprintf("malformed frame: %v", err)))
			return
		}

		switch {
		case probe.Method != "":
			// Server-initiated notification (or request; we never
			// answer, matching our declared capabilities).
			if fn, ok := t.notifyFn.Load().(func(*Request)); ok && fn != nil {
				req := &Request{JSONRPC: jsonRPCVersion, ID: probe.ID, Method: probe.Method, Params: probe.Params}
				go fn(req)
			}
		case probe.ID != nil:
			id, ok := normalizeID(probe.ID)
			if !ok {
				t.violate(apperrors.NewProtocolError(fmt.Sprintf("response id %v is not an integer", probe.ID)))
				return
			}
			resp := &Response{JSONRPC: jsonRPCVersion, ID: id, Result: probe.Result, Error: probe.Error}
			if !t.calls.resolve(id, resp) {
				t.violate(apperrors.NewProtocolError(fmt.Sprintf("response for unknown request id %d", id)))
				return
			}
		default:
			t.violate(apperrors.NewProtocolError("frame is neither response nor notification"))
			return
		}
	}

	if err := scanner.Err(); err != nil {
		t.shutdown(apperrors.NewServerUnhealthyError("read from server stdout", err))
		return
	}
	// EOF: the process closed stdout, usually because it exited.
	t.shutdown(apperrors.NewServerUnhealthyError("server closed its stdout", io.EOF))
}

func (t *StdioTransport) violate(err error) {
	t.logger.Warn("Protocol violation from tool server", zap.Error(err))
	t.shutdown(err)
	if fn, ok := t.violationFn.Load().(func(error)); ok && fn != nil {
		fn(err)
	}
}

// normalizeID coerces the decoded id into our int64 request-id space.
// encoding/json hands numbers back as float64.
func normalizeID(v interface{}) (int64, bool) {
	switch id := v.(type) {
	case int64:
		return id, true
	case int:
		return int64(id), true
	case float64:
		if id != float64(int64(id)) {
			return 0, false
		}
		return int64(id), true
	case json.Number:
		n, err := id.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

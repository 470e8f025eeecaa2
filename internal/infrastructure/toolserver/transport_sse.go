package toolserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/loopgate/loopgate/pkg/errors"
)

// SSETransport speaks JSON-RPC over HTTP. The server pushes an event stream
// on a long-lived GET; requests are POSTed to the endpoint the server
// announces on that stream, and responses arrive as stream events.
type SSETransport struct {
	baseURL string
	headers map[string]string
	client  *http.Client
	logger  *zap.Logger

	stream io.ReadCloser
	cancel context.CancelFunc

	endpoint atomic.Value // string, the announced POST target

	calls       *correlator
	notifyFn    atomic.Value // func(*Request)
	violationFn atomic.Value // func(error)
	failure     atomic.Value // error

	done      chan struct{}
	closeOnce sync.Once
}

// NewSSETransport opens the event stream and starts the read loop. The
// stream outlives the dial context; Close tears it down.
func NewSSETransport(cfg ServerConfig, logger *zap.Logger) (*SSETransport, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	t := &SSETransport{
		baseURL: cfg.URL,
		headers: cfg.Headers,
		logger:  logger,
		cancel:  cancel,
		calls:   newCorrelator(),
		done:    make(chan struct{}),
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				ResponseHeaderTimeout: 30 * time.Second,
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		cancel()
		return nil, apperrors.NewConfigInvalidError(fmt.Sprintf("server url %q: %v", cfg.URL, err))
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return nil, apperrors.NewServerUnhealthyError("open event stream", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, apperrors.NewServerUnhealthyError(fmt.Sprintf("event stream returned %s", resp.Status), nil)
	}

	t.stream = resp.Body
	go t.readLoop()
	return t, nil
}

func (t *SSETransport) OnNotification(fn func(*Request)) {
	t.notifyFn.Store(fn)
}

func (t *SSETransport) OnViolation(fn func(error)) {
	t.violationFn.Store(fn)
}

// Send POSTs the request and waits for its response on the event stream.
func (t *SSETransport) Send(ctx context.Context, req *Request) (*Response, error) {
	id, ok := req.ID.(int64)
	if !ok {
		return nil, apperrors.NewInvalidInputError("request id must be int64")
	}
	ch, ok := t.calls.register(id)
	if !ok {
		return nil, apperrors.NewInternalError(fmt.Sprintf("duplicate request id %d", id))
	}

	if err := t.post(ctx, req); err != nil {
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

func (t *SSETransport) SendNotification(req *Request) error {
	return t.post(context.Background(), req)
}

func (t *SSETransport) post(ctx context.Context, req *Request) error {
	select {
	case <-t.done:
		return t.failureError()
	default:
	}

	data, err := json.Marshal(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.postTarget(), bytes.NewReader(data))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "build post request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return apperrors.NewServerUnhealthyError("post to server", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= http.StatusMultipleChoices {
		return apperrors.NewServerUnhealthyError(fmt.Sprintf("server returned %s", resp.Status), nil)
	}
	return nil
}

// postTarget is the announced endpoint, or the stream URL until (or unless)
// the server announces one.
func (t *SSETransport) postTarget() string {
	if ep, ok := t.endpoint.Load().(string); ok && ep != "" {
		return ep
	}
	return t.baseURL
}

func (t *SSETransport) Close() error {
	t.shutdown(nil)
	return nil
}

func (t *SSETransport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		if cause != nil {
			t.failure.Store(cause)
		}
		close(t.done)
		t.cancel()
		if t.stream != nil {
			_ = t.stream.Close()
		}
		t.calls.failAll()
	})
}

func (t *SSETransport) failureError() error {
	if err, ok := t.failure.Load().(error); ok && err != nil {
		return err
	}
	return apperrors.NewProtocolError("connection closed")
}

// readLoop parses the event stream: "event:"/"data:" lines accumulate a
// frame, a blank line dispatches it, ":" lines are keep-alive comments.
func (t *SSETransport) readLoop() {
	scanner := bufio.NewScanner(t.stream)
	scanner.Buffer(make([]byte, initialScanBuffer), maxScanBuffer)

	event := ""
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				payload := data.String()
				data.Reset()
				name := event
				event = ""
				if !t.handleEvent(name, payload) {
					return
				}
			} else {
				event = ""
			}
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	select {
	case <-t.done:
		return
	default:
	}
	if err := scanner.Err(); err != nil {
		t.shutdown(apperrors.NewServerUnhealthyError("read event stream", err))
		return
	}
	t.shutdown(apperrors.NewServerUnhealthyError("server closed its event stream", io.EOF))
}

// handleEvent dispatches one frame. Returns false when the transport has
// shut down on a violation.
func (t *SSETransport) handleEvent(name, payload string) bool {
	if name == "endpoint" {
		target, err := t.resolveEndpoint(payload)
		if err != nil {
			t.violate(apperrors.NewProtocolError(fmt.Sprintf("bad endpoint announcement %q: %v", payload, err)))
			return false
		}
		t.endpoint.Store(target)
		return true
	}

	var probe struct {
		ID     interface{}     `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal([]byte(payload), &probe); err != nil {
		t.violate(apperrors.NewProtocolError(fmt.Sprintf("malformed frame: %v", err)))
		return false
	}

	switch {
	case probe.Method != "":
		if fn, ok := t.notifyFn.Load().(func(*Request)); ok && fn != nil {
			req := &Request{JSONRPC: jsonRPCVersion, ID: probe.ID, Method: probe.Method, Params: probe.Params}
			go fn(req)
		}
	case probe.ID != nil:
		id, ok := normalizeID(probe.ID)
		if !ok {
			t.violate(apperrors.NewProtocolError(fmt.Sprintf("response id %v is not an integer", probe.ID)))
			return false
		}
		resp := &Response{JSONRPC: jsonRPCVersion, ID: id, Result: probe.Result, Error: probe.Error}
		if !t.calls.resolve(id, resp) {
			t.violate(apperrors.NewProtocolError(fmt.Sprintf("response for unknown request id %d", id)))
			return false
		}
	default:
		t.violate(apperrors.NewProtocolError("frame is neither response nor notification"))
		return false
	}
	return true
}

func (t *SSETransport) resolveEndpoint(raw string) (string, error) {
	base, err := url.Parse(t.baseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func (t *SSETransport) violate(err error) {
	t.logger.Warn("Protocol violation from tool server", zap.Error(err))
	t.shutdown(err)
	if fn, ok := t.violationFn.Load().(func(error)); ok && fn != nil {
		fn(err)
	}
}

package llm

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loopgate/loopgate/internal/domain/entity"
	"github.com/loopgate/loopgate/internal/infrastructure/metrics"
	apperrors "github.com/loopgate/loopgate/pkg/errors"
	"github.com/loopgate/loopgate/pkg/safego"
)

const (
	// defaultBaseURL targets the OpenAI API; any compatible endpoint
	// (Bailian, DeepSeek, Ollama, vLLM, ...) works the same way.
	defaultBaseURL = "https://api.openai.com/v1"

	// sseIdleTimeout bounds how long a relay waits between upstream reads.
	// Some providers stall mid-stream without closing the connection.
	sseIdleTimeout = 60 * time.Second

	// errorBodyLimit caps how much of an upstream error body lands in logs
	// and error messages.
	errorBodyLimit = 2048
)

// Config selects the upstream OpenAI-compatible endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// Timeout bounds non-streaming completion calls (pipeline phases).
	Timeout time.Duration
}

// Client is the upstream chat-completions client. It serves two callers: the
// reasoning pipeline (short non-streaming completions) and the proxy handler
// (long-lived SSE relays).
type Client struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

// New builds an upstream client. No overall http.Client timeout is set:
// streaming responses live for minutes, so deadlines come from the transport
// knobs and per-call contexts instead.
func New(cfg Config, logger *zap.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		timeout: timeout,
		client:  &http.Client{Transport: transport},
		logger:  logger.With(zap.String("component", "upstream")),
	}
}

// Model returns the configured default model.
func (c *Client) Model() string { return c.model }

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string              `json:"model"`
	Messages    []completionMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
	Stream      bool                `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Message completionMessage `json:"message"`
	} `json:"choices"`
}

// Complete runs one short non-streaming completion. The pipeline's LLM-backed
// agents use it for intent, planning, and sufficiency turns.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	reqBody := completionRequest{
		Model:       c.model,
		Temperature: 0.1,
	}
	if systemPrompt != "" {
		reqBody.Messages = append(reqBody.Messages, completionMessage{Role: "system", Content: systemPrompt})
	}
	reqBody.Messages = append(reqBody.Messages, completionMessage{Role: "user", Content: userPrompt})

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(callCtx, "/chat/completions", reqBody, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.NewUpstreamFailureError("read completion response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", upstreamStatusError(resp.StatusCode, body)
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", apperrors.NewUpstreamFailureError("parse completion response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", apperrors.NewUpstreamFailureError("empty completion: no choices", nil)
	}
	return parsed.Choices[0].Message.Content, nil
}

// OpenStream forwards a chat request upstream with streaming forced on and
// returns the live response body. The caller owns the body and normally hands
// it straight to RelaySSE.
func (c *Client) OpenStream(ctx context.Context, req *entity.ChatCompletionRequest) (io.ReadCloser, error) {
	out := req.Clone()
	out.Stream = true
	if out.Model == "" {
		out.Model = c.model
	}

	resp, err := c.post(ctx, "/chat/completions", out, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()
		return nil, upstreamStatusError(resp.StatusCode, body)
	}
	metrics.UpstreamRequestsTotal.WithLabelValues("200").Inc()
	return resp.Body, nil
}

// RelaySSE reads the upstream event stream and hands each data payload to
// sink, verbatim. The upstream [DONE] sentinel is consumed, not forwarded:
// the proxy writes its own single terminator after the relay returns. A nil
// error means the stream ended cleanly.
func (c *Client) RelaySSE(ctx context.Context, body io.ReadCloser, sink func(payload []byte) error) error {
	defer body.Close()

	// Unblock the scanner if the client goes away mid-stream.
	relayDone := make(chan struct{})
	defer close(relayDone)
	safego.Go(c.logger, "sse-relay-watchdog", func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-relayDone:
		}
	})

	scanner := bufio.NewScanner(&idleTimeoutReader{r: body, timeout: sseIdleTimeout})
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	forwarded := 0
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			c.logger.Debug("Upstream stream complete", zap.Int("chunks", forwarded))
			return nil
		}
		if payload == "" {
			continue
		}
		if err := sink([]byte(payload)); err != nil {
			return apperrors.NewCancelledError("client write failed during relay", err)
		}
		forwarded++
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return apperrors.NewCancelledError("upstream relay cancelled", ctx.Err())
		}
		if err == errIdleTimeout {
			c.logger.Warn("Upstream stream stalled",
				zap.Duration("idle_timeout", sseIdleTimeout),
				zap.Int("chunks", forwarded),
			)
			return apperrors.NewUpstreamFailureError(
				fmt.Sprintf("upstream stalled: no data for %v", sseIdleTimeout), err)
		}
		return apperrors.NewUpstreamFailureError("upstream stream read failed", err)
	}
	// EOF without [DONE]: some providers just close the connection.
	c.logger.Debug("Upstream stream closed without terminator", zap.Int("chunks", forwarded))
	return nil
}

// Models lists the upstream's models.
func (c *Client) Models(ctx context.Context) (*entity.ModelList, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, apperrors.NewUpstreamFailureError("create models request", err)
	}
	c.setHeaders(httpReq, false)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewUpstreamFailureError("list models", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewUpstreamFailureError("read models response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamStatusError(resp.StatusCode, body)
	}

	var list entity.ModelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, apperrors.NewUpstreamFailureError("parse models response", err)
	}
	return &list, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, streaming bool) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewInternalError("marshal upstream request: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewUpstreamFailureError("create upstream request", err)
	}
	c.setHeaders(httpReq, streaming)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues("error").Inc()
		if ctx.Err() != nil {
			return nil, apperrors.NewCancelledError("upstream request cancelled", ctx.Err())
		}
		return nil, apperrors.NewUpstreamFailureError("upstream request failed", err)
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request, streaming bool) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}
}

func upstreamStatusError(status int, body []byte) error {
	metrics.UpstreamRequestsTotal.WithLabelValues(fmt.Sprintf("%d", status)).Inc()
	snippet := string(body)
	if len(snippet) > errorBodyLimit {
		snippet = snippet[:errorBodyLimit] + "..."
	}
	return apperrors.NewUpstreamFailureError(
		fmt.Sprintf("upstream error %d: %s", status, snippet), nil)
}

var errIdleTimeout = fmt.Errorf("sse read idle timeout")

// idleTimeoutReader applies a per-Read deadline so a silent upstream cannot
// hold a relay open forever.
type idleTimeoutReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *idleTimeoutReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}

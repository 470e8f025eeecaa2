package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loopgate/loopgate/internal/domain/entity"
	"github.com/loopgate/loopgate/internal/domain/service"
	"github.com/loopgate/loopgate/internal/infrastructure/metrics"
	"github.com/loopgate/loopgate/internal/interfaces/ws"
	apperrors "github.com/loopgate/loopgate/pkg/errors"
)

// Upstream is the slice of the model client the chat handler needs.
type Upstream interface {
	OpenStream(ctx context.Context, req *entity.ChatCompletionRequest) (io.ReadCloser, error)
	RelaySSE(ctx context.Context, body io.ReadCloser, sink func(payload []byte) error) error
	Model() string
}

// Reasoning runs the pre-answer pipeline and yields its progress events.
type Reasoning interface {
	Run(ctx context.Context, req *entity.ChatCompletionRequest) (*service.Result, <-chan entity.PipelineEvent)
}

// Feed receives lifecycle events for the websocket event feed. May be nil.
type Feed interface {
	Broadcast(eventType string, data interface{})
}

// ChatHandler serves POST /v1/chat/completions: reasoning events first, then
// the upstream stream relayed verbatim, then one [DONE].
type ChatHandler struct {
	upstream Upstream
	pipeline Reasoning
	feed     Feed
	logger   *zap.Logger
}

// NewChatHandler creates the chat-completions handler. feed may be nil.
func NewChatHandler(upstream Upstream, pipeline Reasoning, feed Feed, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		upstream: upstream,
		pipeline: pipeline,
		feed:     feed,
		logger:   logger.With(zap.String("component", "chat")),
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ChatHandler) ChatCompletions(c *gin.Context) {
	var req entity.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, openAIError(err.Error(), "invalid_request_error"))
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, openAIError("messages array must not be empty", "invalid_request_error"))
		return
	}
	if !req.Stream {
		c.JSON(http.StatusBadRequest, openAIError(
			`this proxy serves streaming completions only; set "stream": true`, "invalid_request_error"))
		return
	}

	ctx := c.Request.Context()

	// Drop reasoning scaffolding a client echoed back from earlier turns.
	cleaned := service.StripReasoningArtifacts(&req)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("X-Accel-Buffering", "no")

	model := cleaned.Model
	if model == "" {
		model = h.upstream.Model()
	}
	stream := newChunkStream(c.Writer, model, h.logger)
	stream.role("assistant")

	// Phase events all land before the first upstream delta: the channel
	// closes only after the pipeline has produced its result.
	result, events := h.pipeline.Run(ctx, cleaned)
	for ev := range events {
		if h.feed != nil {
			h.feed.Broadcast(ws.EventPipeline, ev)
		}
		stream.content(ev.Text + "\n\n")
	}
	recordPipelineMetrics(result)
	if result.Err != nil {
		// Already surfaced as an error event; the original request still
		// goes upstream so the caller gets an answer.
		h.logger.Warn("Pipeline failed, forwarding request unaugmented",
			zap.Error(result.Err),
			zap.Duration("elapsed", result.Elapsed),
		)
	}
	if ctx.Err() != nil {
		h.logger.Debug("Client left before upstream call")
		return
	}

	body, err := h.upstream.OpenStream(ctx, result.Augmented)
	if err != nil {
		h.logger.Error("Upstream request failed", zap.Error(err))
		stream.fail(err)
		stream.done()
		return
	}

	if err := h.upstream.RelaySSE(ctx, body, stream.raw); err != nil {
		if apperrors.IsCancelled(err) {
			h.logger.Debug("Relay cancelled", zap.Error(err))
			return
		}
		h.logger.Error("Upstream relay failed", zap.Error(err))
		stream.fail(err)
	}
	stream.done()
}

func recordPipelineMetrics(result *service.Result) {
	outcome := "ok"
	if result.Err != nil {
		outcome = "error"
	}
	metrics.PipelineRunsTotal.WithLabelValues(outcome).Inc()
	for _, rec := range result.History {
		metrics.PipelinePhaseDuration.WithLabelValues(string(rec.Phase)).Observe(rec.Took.Seconds())
	}
}

// openAIError shapes an error body the way OpenAI clients expect.
func openAIError(message, errType string) gin.H {
	return gin.H{
		"error": gin.H{
			"message": message,
			"type":    errType,
		},
	}
}

// chunkStream writes chat.completion.chunk frames for one response. After the
// first write failure it goes quiet: the client is gone and every later frame
// would fail the same way.
type chunkStream struct {
	w       gin.ResponseWriter
	id      string
	created int64
	model   string
	logger  *zap.Logger
	failed  bool
}

func newChunkStream(w gin.ResponseWriter, model string, logger *zap.Logger) *chunkStream {
	return &chunkStream{
		w:       w,
		id:      "chatcmpl-" + uuid.NewString(),
		created: time.Now().Unix(),
		model:   model,
		logger:  logger,
	}
}

func (s *chunkStream) role(role string) {
	s.chunk(entity.ChunkDelta{Role: role}, nil)
}

func (s *chunkStream) content(text string) {
	s.chunk(entity.ChunkDelta{Content: text}, nil)
}

// fail renders a terminal error as a visible delta with a finish reason, so
// clients that only display content still surface it.
func (s *chunkStream) fail(err error) {
	reason := "stop"
	s.chunk(entity.ChunkDelta{Content: fmt.Sprintf("\n❌ %v", err)}, &reason)
}

func (s *chunkStream) chunk(delta entity.ChunkDelta, finish *string) {
	payload, err := json.Marshal(entity.ChatCompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []entity.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
	if err != nil {
		s.logger.Error("Failed to marshal chunk", zap.Error(err))
		return
	}
	s.raw(payload)
}

// raw writes one pre-serialized payload as an SSE data line. It doubles as
// the relay sink for upstream chunks.
func (s *chunkStream) raw(payload []byte) error {
	if s.failed {
		return apperrors.NewCancelledError("client stream already failed", nil)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		s.failed = true
		return err
	}
	s.w.Flush()
	return nil
}

func (s *chunkStream) done() {
	if s.failed {
		return
	}
	io.WriteString(s.w, "data: [DONE]\n\n")
	s.w.Flush()
}

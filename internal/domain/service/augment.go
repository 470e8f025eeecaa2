package service

import (
	"fmt"
	"strings"

	"github.com/loopgate/loopgate/internal/domain/entity"
)

// BuildAugmentedRequest folds successful tool results into the request. All
// pre-existing system messages and a labeled tool-results block are merged
// into one system message at position 0; non-system messages keep their
// order. When there is nothing to merge the request passes through unchanged.
func BuildAugmentedRequest(req *entity.ChatCompletionRequest, results []entity.StepResult) *entity.ChatCompletionRequest {
	systems := req.SystemMessages()

	var contextBlock string
	if len(results) > 0 {
		var b strings.Builder
		b.WriteString("Context gathered from tools:\n")
		for _, r := range results {
			fmt.Fprintf(&b, "\n[%s] %s\n", r.ToolName, r.Result)
		}
		contextBlock = b.String()
	}

	if len(systems) == 0 && contextBlock == "" {
		return req.Clone()
	}

	parts := make([]string, 0, len(systems)+1)
	parts = append(parts, systems...)
	if contextBlock != "" {
		parts = append(parts, contextBlock)
	}

	out := req.Clone()
	merged := make([]entity.ChatMessage, 0, len(out.Messages)+1)
	merged = append(merged, entity.ChatMessage{Role: "system", Content: strings.Join(parts, "\n\n")})
	for _, m := range out.Messages {
		if m.Role != "system" {
			merged = append(merged, m)
		}
	}
	out.Messages = merged
	return out
}

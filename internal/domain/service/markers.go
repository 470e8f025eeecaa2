package service

import (
	"strings"

	"github.com/loopgate/loopgate/internal/domain/entity"
)

// reasoningMarkers open messages that this proxy itself injected on earlier
// turns: synthetic reasoning deltas a chat client echoed back as history, or
// analysis blocks. They must never reach the upstream model again.
var reasoningMarkers = []string{
	"🧠 **Reasoning**",
	"**Response Analysis:**",
	"[loopgate-internal]",
}

func hasReasoningMarker(content string) bool {
	trimmed := strings.TrimSpace(content)
	for _, marker := range reasoningMarkers {
		if strings.HasPrefix(trimmed, marker) {
			return true
		}
	}
	return false
}

// StripReasoningArtifacts drops messages that carry a reasoning marker. The
// proxy applies it once per request, before augmentation, so multi-turn
// conversations cannot feed the model its own scaffolding.
func StripReasoningArtifacts(req *entity.ChatCompletionRequest) *entity.ChatCompletionRequest {
	out := req.Clone()
	kept := out.Messages[:0]
	for _, m := range out.Messages {
		if hasReasoningMarker(m.Content) {
			continue
		}
		kept = append(kept, m)
	}
	out.Messages = kept
	return out
}

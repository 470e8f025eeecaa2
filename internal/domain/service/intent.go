package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/loopgate/loopgate/internal/domain/entity"
	apperrors "github.com/loopgate/loopgate/pkg/errors"
)

// intentKeywords drives the rule-based classifier: hits per domain are
// counted and the best-scoring domain wins.
var intentKeywords = map[string][]string{
	entity.IntentTaskManagement: {
		"ticket", "task", "issue", "assigned", "sprint", "backlog", "jira", "todo",
	},
	entity.IntentVersionControl: {
		"commit", "branch", "merge", "pull request", "repo", "git", "diff", "push",
	},
	entity.IntentFileManagement: {
		"file", "folder", "directory", "upload", "download", "rename", "move", "copy",
	},
	entity.IntentDataAnalysis: {
		"analyze", "analysis", "chart", "metric", "report", "statistics", "trend", "aggregate",
	},
	entity.IntentGeneralQuery: {
		"what", "how", "why", "when", "where", "who", "weather", "search", "find", "show",
	},
}

const intentSystemPrompt = `You classify a user's request for a tool-using assistant.
Respond with a single JSON object, no prose:
{"intent_type": one of ["task_management","version_control","file_management","data_analysis","general_query","conversation"],
 "primary_goal": string,
 "required_systems": [string],
 "specific_actions": [string],
 "information_needed": [string],
 "complexity_level": "low"|"medium"|"high",
 "estimated_steps": int,
 "confidence": float 0..1,
 "reasoning": string}`

// IntentAgent runs phase 1. LLM-backed when a reasoner is present; the
// deterministic keyword classifier covers the rules backend and every LLM
// failure (error, timeout, unparseable output).
type IntentAgent struct {
	reasoner Reasoner
	logger   *zap.Logger
}

// Analyze classifies the request. It never fails: the fallback always
// produces a usable record.
func (a *IntentAgent) Analyze(ctx context.Context, rc *entity.ReasoningContext) *entity.IntentAnalysis {
	if a.reasoner != nil {
		intent, err := a.analyzeLLM(ctx, rc)
		if err == nil {
			return intent
		}
		a.logger.Debug("Intent agent falling back to rules", zap.Error(err))
	}
	return a.analyzeRules(rc.UserMessage)
}

func (a *IntentAgent) analyzeLLM(ctx context.Context, rc *entity.ReasoningContext) (*entity.IntentAnalysis, error) {
	var tools strings.Builder
	for _, t := range rc.AvailableTools {
		fmt.Fprintf(&tools, "- %s (%s): %s\n", t.Name, t.Server, t.Description)
	}
	user := fmt.Sprintf("User request:\n%s\n\nAvailable tools:\n%s", rc.UserMessage, tools.String())

	raw, err := a.reasoner.Complete(ctx, intentSystemPrompt, user)
	if err != nil {
		return nil, err
	}

	var intent entity.IntentAnalysis
	if err := parseAgentJSON(raw, &intent); err != nil {
		return nil, err
	}
	if !validIntentType(intent.IntentType) {
		return nil, apperrors.NewParseError("unknown intent_type " + intent.IntentType)
	}
	intent.Confidence = clamp01(intent.Confidence)
	return &intent, nil
}

// analyzeRules scores keyword hits per domain. No hits at all means the
// request is plain conversation.
func (a *IntentAgent) analyzeRules(message string) *entity.IntentAnalysis {
	lower := strings.ToLower(message)

	best := ""
	bestHits := 0
	var bestWords []string
	for _, intentType := range []string{
		entity.IntentTaskManagement,
		entity.IntentVersionControl,
		entity.IntentFileManagement,
		entity.IntentDataAnalysis,
		entity.IntentGeneralQuery,
	} {
		hits := 0
		var words []string
		for _, kw := range intentKeywords[intentType] {
			if strings.Contains(lower, kw) {
				hits++
				words = append(words, kw)
			}
		}
		if hits > bestHits {
			best, bestHits, bestWords = intentType, hits, words
		}
	}

	if bestHits == 0 {
		return &entity.IntentAnalysis{
			IntentType:      entity.IntentConversation,
			PrimaryGoal:     "respond conversationally",
			ComplexityLevel: "low",
			EstimatedSteps:  1,
			Confidence:      0.4,
			Reasoning:       "no actionable keywords matched",
		}
	}

	confidence := 0.5 + 0.15*float64(bestHits)
	if confidence > 0.95 {
		confidence = 0.95
	}
	return &entity.IntentAnalysis{
		IntentType:      best,
		PrimaryGoal:     strings.TrimSpace(message),
		SpecificActions: bestWords,
		ComplexityLevel: complexityFor(bestHits),
		EstimatedSteps:  bestHits + 1,
		Confidence:      confidence,
		Reasoning:       fmt.Sprintf("matched %d %s keywords", bestHits, best),
	}
}

func complexityFor(hits int) string {
	switch {
	case hits >= 3:
		return "high"
	case hits == 2:
		return "medium"
	default:
		return "low"
	}
}

func validIntentType(t string) bool {
	switch t {
	case entity.IntentTaskManagement, entity.IntentVersionControl,
		entity.IntentFileManagement, entity.IntentDataAnalysis,
		entity.IntentGeneralQuery, entity.IntentConversation:
		return true
	}
	return false
}

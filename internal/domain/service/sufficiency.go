package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/loopgate/loopgate/internal/domain/entity"
	apperrors "github.com/loopgate/loopgate/pkg/errors"
)

const sufficiencySystemPrompt = `You judge whether collected tool results suffice to answer a request.
Respond with a single JSON object, no prose:
{"is_sufficient": bool,
 "sufficiency_score": float 0..1,
 "missing_information": [string],
 "collected_information": [string],
 "recommendation": "stop_and_respond"|"continue_collection"|"need_clarification",
 "reasoning": string,
 "confidence": float 0..1}`

// SufficiencyAgent runs phase 4: it judges the collected context. The rule
// backend is deliberately simple: anything collected is enough, and the
// recommendation is always to respond.
type SufficiencyAgent struct {
	reasoner Reasoner
	logger   *zap.Logger
}

// Evaluate scores the collected context; it never fails.
func (a *SufficiencyAgent) Evaluate(ctx context.Context, rc *entity.ReasoningContext) *entity.SufficiencyEvaluation {
	if a.reasoner != nil {
		eval, err := a.evaluateLLM(ctx, rc)
		if err == nil {
			return eval
		}
		a.logger.Debug("Sufficiency agent falling back to rules", zap.Error(err))
	}
	return a.evaluateRules(rc)
}

func (a *SufficiencyAgent) evaluateLLM(ctx context.Context, rc *entity.ReasoningContext) (*entity.SufficiencyEvaluation, error) {
	collected, err := json.Marshal(rc.CollectedContext)
	if err != nil {
		collected = []byte("[]")
	}
	intentType := ""
	if rc.Intent != nil {
		intentType = rc.Intent.IntentType
	}
	user := fmt.Sprintf("Request: %s\nIntent: %s\nCollected results:\n%s",
		rc.UserMessage, intentType, collected)

	raw, err := a.reasoner.Complete(ctx, sufficiencySystemPrompt, user)
	if err != nil {
		return nil, err
	}

	var eval entity.SufficiencyEvaluation
	if err := parseAgentJSON(raw, &eval); err != nil {
		return nil, err
	}
	if !validRecommendation(eval.Recommendation) {
		return nil, apperrors.NewParseError("unknown recommendation " + eval.Recommendation)
	}
	eval.SufficiencyScore = clamp01(eval.SufficiencyScore)
	eval.Confidence = clamp01(eval.Confidence)
	return &eval, nil
}

func (a *SufficiencyAgent) evaluateRules(rc *entity.ReasoningContext) *entity.SufficiencyEvaluation {
	successes := rc.SuccessfulResults()

	score := 0.0
	if rc.Plan != nil {
		if total := rc.Plan.ToolCallSteps(); total > 0 {
			score = clamp01(float64(len(successes)) / float64(total))
		}
	}

	eval := &entity.SufficiencyEvaluation{
		IsSufficient:     len(successes) > 0,
		SufficiencyScore: score,
		Recommendation:   entity.RecommendStop,
		Confidence:       0.5,
		Reasoning:        fmt.Sprintf("%d successful results collected", len(successes)),
	}
	for _, r := range successes {
		eval.CollectedInformation = append(eval.CollectedInformation, r.ToolName)
	}
	for _, r := range rc.CollectedContext {
		if !r.Success {
			eval.MissingInformation = append(eval.MissingInformation, r.ToolName)
		}
	}
	return eval
}

func validRecommendation(r string) bool {
	switch r {
	case entity.RecommendStop, entity.RecommendContinue, entity.RecommendClarify:
		return true
	}
	return false
}

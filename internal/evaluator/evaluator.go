// Package evaluator scores a completed action attempt with a judge model
// and decides success or failure for the retry loop.
package evaluator

import (
	"context"
	"fmt"

	"github.com/planweave/planweave"
	"github.com/planweave/planweave/internal/modelout"
	"github.com/planweave/planweave/internal/prompt"
)

// judgeParseRetries is how many times a malformed judge response is
// re-requested before the conservative fallback verdict is used.
const judgeParseRetries = 1

// Evaluator wraps the judge model call. Evaluation failure must never
// crash the plan: every path returns a usable ReflectionResult.
type Evaluator struct {
	provider planweave.CompletionProvider
	model    planweave.ModelConfig
	logger   planweave.Logger
}

func New(provider planweave.CompletionProvider, model planweave.ModelConfig, logger planweave.Logger) *Evaluator {
	if logger == nil {
		logger = planweave.NopLogger{}
	}
	return &Evaluator{provider: provider, model: model, logger: logger}
}

// Evaluate judges one attempt's output against the action's objective.
// Malformed judge responses are retried, then downgraded to a conservative
// negative verdict.
func (e *Evaluator) Evaluate(ctx context.Context, goal string, action *planweave.Action, output *planweave.Output, toolCalls []planweave.ToolCall) *planweave.ReflectionResult {
	system, user := prompt.JudgePrompt(goal, action, output, toolCalls)
	req := planweave.CompletionRequest{
		Model:       e.model.Model,
		Temperature: e.model.Temperature,
		Messages: []planweave.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		JSONSchema: prompt.ReflectionSchema(),
	}

	var lastErr error
	for attempt := 0; attempt <= judgeParseRetries; attempt++ {
		resp, err := e.provider.Complete(ctx, req)
		if err != nil {
			lastErr = err
			e.logger.Warn("judge call failed", map[string]interface{}{
				"action":  action.ID,
				"attempt": attempt,
				"error":   err.Error(),
			})
			continue
		}

		var verdict planweave.ReflectionResult
		if err := modelout.ParseJSON(resp.Content, &verdict); err != nil {
			lastErr = err
			e.logger.Warn("judge returned malformed verdict", map[string]interface{}{
				"action":  action.ID,
				"attempt": attempt,
				"error":   err.Error(),
			})
			continue
		}

		clampScore(&verdict)
		return &verdict
	}

	return Fallback(fmt.Sprintf("evaluation unavailable: %v", lastErr))
}

// Fallback is the conservative verdict used when the judge cannot be
// consulted: not successful, zero quality, with an explanatory issue.
func Fallback(reason string) *planweave.ReflectionResult {
	return &planweave.ReflectionResult{
		IsSuccessful: false,
		QualityScore: 0.0,
		Issues:       []string{reason},
	}
}

func clampScore(r *planweave.ReflectionResult) {
	if r.QualityScore < 0 {
		r.QualityScore = 0
	}
	if r.QualityScore > 1 {
		r.QualityScore = 1
	}
}

// Package executor runs a single action to completion: context assembly,
// model invocation with tool calling, structured-output parsing, quality
// evaluation, and retry with human escalation.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/planweave/planweave"
	"github.com/planweave/planweave/internal/eventbus"
	"github.com/planweave/planweave/internal/evaluator"
	"github.com/planweave/planweave/internal/modelout"
	"github.com/planweave/planweave/internal/prompt"
	"github.com/planweave/planweave/internal/resolver"
)

// maxToolRounds bounds the tool-call sub-loop so a model that keeps
// requesting tools cannot spin forever.
const maxToolRounds = 8

// Executor owns one action for the duration of its execution. A single
// executing goroutine is the sole writer of the action's state until it
// reaches a terminal status.
type Executor struct {
	provider  planweave.CompletionProvider
	registry  planweave.ToolRegistry
	resolver  *resolver.Resolver
	evaluator Evaluator
	human     planweave.HumanInput
	notifier  planweave.Notifier
	bus       eventbus.EventBus
	logger    planweave.Logger
	config    planweave.Config
}

// Evaluator judges one attempt. Narrowed to an interface so tests can
// substitute deterministic verdicts.
type Evaluator interface {
	Evaluate(ctx context.Context, goal string, action *planweave.Action, output *planweave.Output, toolCalls []planweave.ToolCall) *planweave.ReflectionResult
}

// Option configures the Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger planweave.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithNotifier sets the progress notification channel.
func WithNotifier(n planweave.Notifier) Option {
	return func(e *Executor) { e.notifier = n }
}

// WithHumanInput sets the escalation channel. Without one, escalations
// resolve to their timeout defaults immediately.
func WithHumanInput(h planweave.HumanInput) Option {
	return func(e *Executor) { e.human = h }
}

// WithEventBus sets the event bus for execution events.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(e *Executor) { e.bus = bus }
}

// WithEvaluator overrides the judge-backed evaluator.
func WithEvaluator(ev Evaluator) Option {
	return func(e *Executor) { e.evaluator = ev }
}

// New creates an action executor.
func New(provider planweave.CompletionProvider, registry planweave.ToolRegistry, config planweave.Config, opts ...Option) *Executor {
	e := &Executor{
		provider: provider,
		registry: registry,
		config:   config,
		logger:   planweave.NopLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = resolver.New(e.logger)
	}
	if e.evaluator == nil {
		e.evaluator = evaluator.New(provider, config.JudgeModel, e.logger)
	}
	return e
}

// attemptResult holds one attempt's output and verdict for best-attempt
// tracking across retries.
type attemptResult struct {
	output     *planweave.Output
	reflection *planweave.ReflectionResult
}

// Execute runs the action through the retry-and-escalation loop. It
// returns nil when the action reaches completed or warning, a user-abort
// error when the human halts the plan, and a cancellation error when ctx
// ends. All other failures are absorbed into the action's terminal state.
func (e *Executor) Execute(ctx context.Context, plan *planweave.Plan, action *planweave.Action) error {
	action.UpdateStatus(planweave.ActionStatusInProgress, nil)
	e.publish(ctx, eventbus.EventActionStarted, action.ID, nil)
	e.status(ctx, "info", fmt.Sprintf("Executing %s: %s", action.ID, firstLine(action.Description)), false)

	requirements := e.enhanceRequirements(ctx, plan, action)

	for {
		best, attemptErr := e.runAttempts(ctx, plan, action, requirements)
		if ctx.Err() != nil {
			action.UpdateStatus(planweave.ActionStatusAborted, ctx.Err())
			e.publish(ctx, eventbus.EventActionAborted, action.ID, map[string]interface{}{"reason": "cancelled"})
			return planweave.NewCancelledError("execution", ctx.Err())
		}

		if best != nil && best.reflection != nil && best.reflection.IsSuccessful {
			e.finish(ctx, plan, action, best.output, planweave.ActionStatusCompleted)
			return nil
		}

		directive, guidance := e.escalate(ctx, action, best, attemptErr)
		switch directive {
		case planweave.DirectiveApprove:
			if best != nil && !best.output.IsEmpty() {
				e.finish(ctx, plan, action, best.output, planweave.ActionStatusWarning)
				return nil
			}
			// Nothing usable to approve; treat as abort.
			fallthrough
		case planweave.DirectiveAbort:
			failErr := planweave.NewActionExecutionError(action.ID, attemptErr)
			action.UpdateStatus(planweave.ActionStatusFailed, failErr)
			e.publish(ctx, eventbus.EventActionFailed, action.ID, nil)
			e.status(ctx, "error", fmt.Sprintf("Action %s failed, aborting plan", action.ID), false)
			return planweave.NewUserAbortedError(action.ID)
		case planweave.DirectiveRetry:
			if guidance != "" {
				action.SetGuidance(guidance)
			}
			e.publish(ctx, eventbus.EventActionRetry, action.ID, map[string]interface{}{"guided": guidance != ""})
		}
	}
}

// runAttempts performs up to MaxRetries+1 attempts, returning the best
// attempt seen. Equal scores favor the later attempt so a fresher answer
// wins ties.
func (e *Executor) runAttempts(ctx context.Context, plan *planweave.Plan, action *planweave.Action, requirements string) (*attemptResult, error) {
	var best *attemptResult
	var lastErr error
	feedback := ""

	maxAttempts := e.config.MaxRetries + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return best, ctx.Err()
		}
		if attempt > 0 {
			action.Retry()
			e.status(ctx, "info", fmt.Sprintf("Retrying %s (attempt %d/%d)", action.ID, attempt+1, maxAttempts), false)
		}
		action.ResetToolCalls()

		output, err := e.attempt(ctx, plan, action, requirements, feedback)
		if err != nil {
			lastErr = err
			feedback = fmt.Sprintf("- Issue: the previous attempt raised an error: %v\n", err)
			e.logger.Warn("action attempt failed", map[string]interface{}{
				"action":  action.ID,
				"attempt": attempt,
				"error":   err.Error(),
			})
			continue
		}

		var reflection *planweave.ReflectionResult
		if output.IsEmpty() {
			reflection = evaluator.Fallback("model returned empty output")
		} else {
			reflection = e.evaluator.Evaluate(ctx, plan.Goal, action, output, action.SnapshotToolCalls())
		}

		if best == nil || reflection.QualityScore >= best.reflection.QualityScore {
			best = &attemptResult{output: output, reflection: reflection}
		}
		if reflection.IsSuccessful {
			return best, nil
		}
		lastErr = nil
		feedback = prompt.RetryFeedback(reflection)
	}
	return best, lastErr
}

// attempt performs one model invocation including the tool-call sub-loop.
func (e *Executor) attempt(ctx context.Context, plan *planweave.Plan, action *planweave.Action, requirements, feedback string) (*planweave.Output, error) {
	completed := plan.CompletedOutputs()
	contextBlock := e.buildContext(action, completed)

	system := prompt.ForRole(action.Role)
	if action.UseLightweightContext {
		system += "\n\n" + prompt.LightweightInstruction()
	}
	userMsg := prompt.ActionPrompt(plan.Goal, action, contextBlock, requirements, feedback, action.Guidance())

	model := e.config.ModelForRole(action.Role)
	messages := []planweave.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: userMsg},
	}
	specs := e.registry.Specs(action.ToolIDs)

	for round := 0; round <= maxToolRounds; round++ {
		resp, err := e.provider.Complete(ctx, planweave.CompletionRequest{
			Model:       model.Model,
			Temperature: model.Temperature,
			Messages:    messages,
			Tools:       specs,
		})
		if err != nil {
			return nil, err
		}
		if len(resp.ToolCalls) == 0 {
			return modelout.ParseOutput(resp.Content), nil
		}

		messages = append(messages, planweave.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			display := e.invokeTool(ctx, action, completed, call)
			messages = append(messages, planweave.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    display,
			})
		}
	}
	return nil, planweave.NewActionExecutionError(action.ID, fmt.Errorf("tool-call loop exceeded %d rounds", maxToolRounds))
}

// invokeTool resolves references in the model-supplied arguments, filters
// them against the tool's declared parameters, executes, and returns the
// result string to feed back to the model. Tool errors are reported back
// to the model rather than failing the attempt.
func (e *Executor) invokeTool(ctx context.Context, action *planweave.Action, completed map[string]*planweave.Output, call planweave.CompletionToolCall) string {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		notFound := planweave.NewToolNotFoundError("execution", call.Name)
		action.RecordToolCall(planweave.ToolCall{
			ID:     call.ID,
			Name:   call.Name,
			Result: map[string]interface{}{"error": notFound.Error()},
		})
		return fmt.Sprintf(`{"error": %q}`, notFound.Error())
	}

	var rawArgs map[string]interface{}
	if err := json.Unmarshal([]byte(call.Arguments), &rawArgs); err != nil {
		return fmt.Sprintf(`{"error": "invalid tool arguments: %v"}`, err)
	}

	// Drop arguments the tool does not declare.
	allowed := tool.Spec().AllowedParams()
	filtered := make(map[string]interface{}, len(rawArgs))
	for name, value := range rawArgs {
		if allowed[name] {
			filtered[name] = value
		}
	}

	usedReferences := resolver.ContainsReference(filtered)
	resolved := e.resolver.Resolve(filtered, completed)

	result, err := tool.Execute(ctx, resolved)
	record := planweave.ToolCall{ID: call.ID, Name: call.Name, Arguments: resolved}
	if err != nil {
		toolErr := planweave.NewToolExecutionError("execution", call.Name, err)
		record.Result = map[string]interface{}{"error": toolErr.Error()}
		action.RecordToolCall(record)
		e.logger.Warn("tool execution failed", map[string]interface{}{
			"action": action.ID,
			"tool":   call.Name,
			"error":  toolErr.Error(),
		})
		return fmt.Sprintf(`{"error": %q}`, toolErr.Error())
	}
	record.Result = result
	action.RecordToolCall(record)

	display, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return fmt.Sprintf("%v", result)
	}
	// Bound prompt growth: a lightweight action that pulled full content in
	// via references gets a truncated view of an oversized result. Future
	// reference lookups still use the original output.
	if action.UseLightweightContext && usedReferences {
		return resolver.TruncateForDisplay(string(display), e.config.ToolResultDisplayLimit)
	}
	return string(display)
}

// buildContext renders the dependency outputs visible to the attempt:
// full content, or metadata only under lightweight context.
func (e *Executor) buildContext(action *planweave.Action, completed map[string]*planweave.Output) string {
	if len(action.Dependencies) == 0 {
		return ""
	}
	var b strings.Builder
	for _, dep := range action.Dependencies {
		out, ok := completed[dep]
		if !ok {
			continue
		}
		if action.UseLightweightContext {
			meta := dependencyMetadata(dep, out)
			if enc, err := json.Marshal(meta); err == nil {
				fmt.Fprintf(&b, "%s\n", enc)
			}
			continue
		}
		fmt.Fprintf(&b, "### Output of %s:\n%s\n\n", dep, out.PrimaryOutput)
	}
	return b.String()
}

// dependencyMetadata summarizes a dependency's output without exposing its
// content.
func dependencyMetadata(id string, out *planweave.Output) map[string]interface{} {
	content := out.PrimaryOutput
	return map[string]interface{}{
		"action_id":         id,
		"content_type":      classifyContent(content),
		"content_length":    len(content),
		"has_content":       content != "",
		"brief_description": fmt.Sprintf("output of step %s", id),
		"usage_note":        fmt.Sprintf("pass @%s as a tool parameter to use the full content", id),
	}
}

func classifyContent(content string) string {
	trimmed := strings.TrimSpace(content)
	switch {
	case trimmed == "":
		return "empty"
	case strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "["):
		return "structured"
	case strings.Contains(trimmed, "```"):
		return "code"
	case strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://"):
		return "link"
	case len(trimmed) > 500:
		return "document"
	default:
		return "text"
	}
}

// enhanceRequirements optionally asks the model for a numbered requirements
// list injected into the execution prompt. Failure is non-fatal.
func (e *Executor) enhanceRequirements(ctx context.Context, plan *planweave.Plan, action *planweave.Action) string {
	if !e.config.EnableRequirementEnhancement || action.Kind == planweave.ActionKindSynthesis {
		return ""
	}
	resp, err := e.provider.Complete(ctx, planweave.CompletionRequest{
		Model:       e.config.ActionModel.Model,
		Temperature: 0.2,
		Messages: []planweave.Message{
			{Role: "user", Content: prompt.EnhanceRequirementsPrompt(plan.Goal, action)},
		},
	})
	if err != nil {
		e.logger.Warn("requirement enhancement failed", map[string]interface{}{
			"action": action.ID,
			"error":  err.Error(),
		})
		return ""
	}
	return modelout.CleanThinkingTags(resp.Content)
}

// escalate surfaces the exhausted action to the human. The framing
// distinguishes exception failures from quality failures, and the timeout
// default is the safe choice for each: abort for failures, approve for
// degraded-but-usable output.
func (e *Executor) escalate(ctx context.Context, action *planweave.Action, best *attemptResult, attemptErr error) (planweave.HumanDirective, string) {
	usable := best != nil && !best.output.IsEmpty()

	var b strings.Builder
	if attemptErr != nil && !usable {
		fmt.Fprintf(&b, "Action %s failed with an error after %d attempts.\n", action.ID, e.config.MaxRetries+1)
		fmt.Fprintf(&b, "Task: %s\nError: %v\n", action.Description, attemptErr)
	} else {
		fmt.Fprintf(&b, "Action %s did not reach acceptable quality after %d attempts.\n", action.ID, e.config.MaxRetries+1)
		fmt.Fprintf(&b, "Task: %s\n", action.Description)
		if best != nil && best.reflection != nil {
			fmt.Fprintf(&b, "Best attempt scored %.2f.\n", best.reflection.QualityScore)
			for _, issue := range best.reflection.Issues {
				fmt.Fprintf(&b, "- %s\n", issue)
			}
		}
		if usable {
			fmt.Fprintf(&b, "\nBest output preview:\n%s\n", resolver.TruncateForDisplay(best.output.PrimaryOutput, 500))
		}
	}
	b.WriteString("\nReply 'retry' (optionally with guidance), 'approve' to accept as-is, or 'abort' to stop the plan.")

	e.publish(ctx, eventbus.EventEscalationRaised, action.ID, map[string]interface{}{"usable_output": usable})

	fallback := planweave.DirectiveAbort
	if usable {
		fallback = planweave.DirectiveApprove
	}
	if e.human == nil {
		return fallback, ""
	}

	directive, response, err := e.human.Ask(ctx, b.String(), e.config.UserResponseTimeout)
	if err != nil {
		e.publish(ctx, eventbus.EventEscalationTimeout, action.ID, nil)
		e.logger.Warn("escalation timed out, applying default", map[string]interface{}{
			"action":  action.ID,
			"default": fmt.Sprintf("%d", fallback),
		})
		return fallback, ""
	}
	e.publish(ctx, eventbus.EventEscalationAnswered, action.ID, map[string]interface{}{"directive": int(directive)})

	if directive == planweave.DirectiveRetry {
		return directive, strings.TrimSpace(response)
	}
	return directive, ""
}

func (e *Executor) finish(ctx context.Context, plan *planweave.Plan, action *planweave.Action, output *planweave.Output, status planweave.ActionStatus) {
	action.SetOutput(output)
	plan.SetResult(action.ID, output)
	action.ClearGuidance()
	action.UpdateStatus(status, nil)

	eventType := eventbus.EventActionSucceeded
	level := "info"
	if status == planweave.ActionStatusWarning {
		eventType = eventbus.EventActionWarning
		level = "warning"
	}
	e.publish(ctx, eventType, action.ID, map[string]interface{}{"duration_ms": action.Duration().Milliseconds()})
	e.status(ctx, level, fmt.Sprintf("Action %s finished (%s)", action.ID, status), false)
}

func (e *Executor) publish(ctx context.Context, eventType eventbus.EventType, actionID string, metadata map[string]interface{}) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(ctx, eventbus.NewEvent(eventType, actionID, "executor", metadata))
}

func (e *Executor) status(ctx context.Context, level, message string, done bool) {
	if e.notifier == nil {
		return
	}
	e.notifier.Status(ctx, level, message, done)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return resolver.Clip(s, 80)
}

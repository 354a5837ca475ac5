// Package builder asks the model to decompose a goal into a validated DAG
// of actions.
package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/planweave/planweave"
	"github.com/planweave/planweave/internal/cache"
	"github.com/planweave/planweave/internal/eventbus"
	"github.com/planweave/planweave/internal/modelout"
	"github.com/planweave/planweave/internal/prompt"
	"github.com/planweave/planweave/internal/synthesis"
)

// Builder generates plans with bounded validation retries. Structural
// failures are fed back into the conversation so the model can repair its
// own plan.
type Builder struct {
	provider planweave.CompletionProvider
	registry planweave.ToolRegistry
	cache    planweave.Cache
	bus      eventbus.EventBus
	logger   planweave.Logger
	config   planweave.Config
}

// Option configures the Builder.
type Option func(*Builder)

// WithLogger sets the logger.
func WithLogger(logger planweave.Logger) Option {
	return func(b *Builder) { b.logger = logger }
}

// WithCache enables reuse of validated plans across repeated goals.
func WithCache(c planweave.Cache) Option {
	return func(b *Builder) { b.cache = c }
}

// WithEventBus sets the event bus for generation events.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(b *Builder) { b.bus = bus }
}

// New creates a plan builder.
func New(provider planweave.CompletionProvider, registry planweave.ToolRegistry, config planweave.Config, opts ...Option) *Builder {
	b := &Builder{
		provider: provider,
		registry: registry,
		config:   config,
		logger:   planweave.NopLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// rawPlan is the shape the planner model is asked to produce.
type rawPlan struct {
	Goal    string              `json:"goal"`
	Actions []*planweave.Action `json:"actions"`
}

// Build generates and validates a plan for the goal. It fails with a
// plan-invalid error once the retry budget is exhausted.
func (b *Builder) Build(ctx context.Context, goal string) (*planweave.Plan, error) {
	catalog := b.registry.Catalog()

	if plan, ok := b.fromCache(ctx, goal, catalog); ok {
		return plan, nil
	}

	b.publish(ctx, eventbus.EventPlanGenerationStarted, goal, nil)

	messages := []planweave.Message{
		{Role: "system", Content: prompt.PlannerPrompt(catalog)},
		{Role: "user", Content: goal},
	}

	var lastErr error
	maxAttempts := b.config.PlanMaxRetries + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, planweave.NewCancelledError("planning", ctx.Err())
		}

		resp, err := b.provider.Complete(ctx, planweave.CompletionRequest{
			Model:       b.config.PlannerModel.Model,
			Temperature: b.config.PlannerModel.Temperature,
			Messages:    messages,
			JSONSchema:  prompt.PlanSchema(),
		})
		if err != nil {
			lastErr = planweave.NewPlanGenerationError(err)
			b.logger.Warn("planner call failed", map[string]interface{}{"attempt": attempt, "error": err.Error()})
			continue
		}

		var raw rawPlan
		if err := modelout.ParseJSON(resp.Content, &raw); err != nil {
			lastErr = planweave.NewPlanGenerationError(err)
			messages = b.appendRejection(messages, resp.Content, fmt.Sprintf("the response was not a valid JSON plan: %v", err))
			b.publish(ctx, eventbus.EventPlanGenerationRetry, goal, map[string]interface{}{"reason": "malformed_json"})
			continue
		}

		AssignRoles(raw.Actions)

		if err := Validate(raw.Actions); err != nil {
			lastErr = planweave.NewPlanInvalidError(err.Error(), nil)
			messages = b.appendRejection(messages, resp.Content, fmt.Sprintf("the plan was structurally invalid: %v. Regenerate the complete plan with this fixed.", err))
			b.publish(ctx, eventbus.EventPlanGenerationRetry, goal, map[string]interface{}{"reason": err.Error()})
			continue
		}

		plan := planweave.NewPlan(goal, raw.Actions)
		b.postProcess(ctx, plan, catalog)
		b.toCache(ctx, goal, catalog, raw.Actions)
		b.publish(ctx, eventbus.EventPlanGenerationSuccess, goal, map[string]interface{}{"actions": len(raw.Actions)})
		return plan, nil
	}

	b.publish(ctx, eventbus.EventPlanGenerationFailure, goal, nil)
	return nil, planweave.NewPlanInvalidError(
		fmt.Sprintf("no structurally valid plan after %d attempts", maxAttempts), lastErr)
}

func (b *Builder) appendRejection(messages []planweave.Message, response, reason string) []planweave.Message {
	return append(messages,
		planweave.Message{Role: "assistant", Content: response},
		planweave.Message{Role: "user", Content: reason},
	)
}

// AssignRoles resolves each action's execution role from its declared
// logical role, falling back to the kind default.
func AssignRoles(actions []*planweave.Action) {
	for _, a := range actions {
		switch a.ModelRole {
		case "WRITER_MODEL":
			a.Role = planweave.RoleWriter
		case "CODER_MODEL":
			a.Role = planweave.RoleCoder
		case "ACTION_MODEL":
			a.Role = planweave.RoleTool
		default:
			a.Role = planweave.RoleForKind(a.Kind)
		}
	}
}

// Plan caching: validated action lists are stored as JSON so every cache
// hit rebuilds fresh execution state.

func (b *Builder) fromCache(ctx context.Context, goal string, catalog []planweave.ToolSpec) (*planweave.Plan, bool) {
	if b.cache == nil || !b.config.EnablePlanCache {
		return nil, false
	}
	value, ok := b.cache.Get(ctx, cache.PlanKey(goal, catalog))
	if !ok {
		return nil, false
	}
	encoded, ok := value.(string)
	if !ok {
		return nil, false
	}
	var actions []*planweave.Action
	if err := json.Unmarshal([]byte(encoded), &actions); err != nil {
		return nil, false
	}
	if err := Validate(actions); err != nil {
		return nil, false
	}
	AssignRoles(actions)
	b.logger.Info("plan cache hit", map[string]interface{}{"goal": goal})
	return planweave.NewPlan(goal, actions), true
}

func (b *Builder) toCache(ctx context.Context, goal string, catalog []planweave.ToolSpec, actions []*planweave.Action) {
	if b.cache == nil || !b.config.EnablePlanCache {
		return
	}
	encoded, err := json.Marshal(actions)
	if err != nil {
		return
	}
	b.cache.Set(ctx, cache.PlanKey(goal, catalog), string(encoded))
}

// postProcess applies the best-effort enhancements. Every step here is
// non-fatal; a validated plan proceeds with whatever was enhanced.
func (b *Builder) postProcess(ctx context.Context, plan *planweave.Plan, catalog []planweave.ToolSpec) {
	b.assignMissingTools(ctx, plan, catalog)
	b.enhanceTemplate(plan)
	if b.config.EnableLightweightFlagging {
		b.flagLightweightActions(ctx, plan)
	}
}

// assignMissingTools gives tool-kind actions without declared tools a
// model-selected subset of the catalog.
func (b *Builder) assignMissingTools(ctx context.Context, plan *planweave.Plan, catalog []planweave.ToolSpec) {
	if len(catalog) == 0 {
		return
	}
	known := make(map[string]bool, len(catalog))
	for _, spec := range catalog {
		known[spec.Name] = true
	}

	for _, a := range plan.Actions {
		if a.Kind != planweave.ActionKindTool || len(a.ToolIDs) > 0 {
			continue
		}
		resp, err := b.provider.Complete(ctx, planweave.CompletionRequest{
			Model:       b.config.PlannerModel.Model,
			Temperature: 0.2,
			Messages: []planweave.Message{
				{Role: "user", Content: prompt.ToolAssignmentPrompt(a, catalog)},
			},
		})
		if err != nil {
			b.logger.Warn("tool assignment failed", map[string]interface{}{"action": a.ID, "error": err.Error()})
			continue
		}
		var selection struct {
			ToolIDs []string `json:"tool_ids"`
		}
		if err := modelout.ParseJSON(resp.Content, &selection); err != nil {
			b.logger.Warn("tool assignment returned malformed selection", map[string]interface{}{"action": a.ID, "error": err.Error()})
			continue
		}
		for _, id := range selection.ToolIDs {
			if known[id] {
				a.ToolIDs = append(a.ToolIDs, id)
			}
		}
	}
}

// enhanceTemplate appends placeholders for synthesis dependencies the
// template does not yet mention, so no dependency output is silently
// dropped from the deliverable.
func (b *Builder) enhanceTemplate(plan *planweave.Plan) {
	syn, ok := plan.SynthesisAction()
	if !ok {
		return
	}
	mentioned := make(map[string]bool)
	for _, id := range synthesis.Placeholders(syn.Description) {
		mentioned[id] = true
	}
	for _, dep := range syn.Dependencies {
		if !mentioned[dep] {
			syn.Description += fmt.Sprintf("\n\n{%s}", dep)
			b.logger.Info("template enhanced with missing dependency", map[string]interface{}{"dependency": dep})
		}
	}
}

// flagLightweightActions marks actions that only need metadata about their
// dependencies' outputs. Candidates pass a cheap heuristic first, then a
// YES/NO model confirmation.
func (b *Builder) flagLightweightActions(ctx context.Context, plan *planweave.Plan) {
	for _, a := range plan.Actions {
		if a.ID == planweave.SynthesisActionID || a.UseLightweightContext {
			continue
		}
		if !lightweightCandidate(a) {
			continue
		}
		resp, err := b.provider.Complete(ctx, planweave.CompletionRequest{
			Model:       b.config.PlannerModel.Model,
			Temperature: 0.0,
			Messages: []planweave.Message{
				{Role: "user", Content: prompt.LightweightConfirmPrompt(a)},
			},
		})
		if err != nil {
			b.logger.Warn("lightweight confirmation failed", map[string]interface{}{"action": a.ID, "error": err.Error()})
			continue
		}
		answer := strings.ToUpper(strings.TrimSpace(modelout.CleanThinkingTags(resp.Content)))
		if strings.HasPrefix(answer, "YES") {
			a.UseLightweightContext = true
			b.logger.Info("action flagged for lightweight context", map[string]interface{}{"action": a.ID})
		}
	}
}

var fileVerbs = []string{"file", "save", "organize", "archive", "move", "upload", "store"}

// lightweightCandidate applies the heuristic filter: more than one
// dependency, and either file-handling language or heavy tool fan-in.
func lightweightCandidate(a *planweave.Action) bool {
	if len(a.Dependencies) <= 1 {
		return false
	}
	desc := strings.ToLower(a.Description)
	for _, verb := range fileVerbs {
		if strings.Contains(desc, verb) {
			return true
		}
	}
	return len(a.ToolIDs) > 0 && len(a.Dependencies) > 3
}

func (b *Builder) publish(ctx context.Context, eventType eventbus.EventType, goal string, metadata map[string]interface{}) {
	if b.bus == nil {
		return
	}
	_ = b.bus.Publish(ctx, eventbus.NewEvent(eventType, goal, "builder", metadata))
}

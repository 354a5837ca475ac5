package planweave

import (
	"context"
	"time"
)

// Message is one turn of a model conversation.
type Message struct {
	Role       string               `json:"role"` // "system", "user", "assistant", "tool"
	Content    string               `json:"content"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
	ToolCalls  []CompletionToolCall `json:"tool_calls,omitempty"`
}

// CompletionToolCall is a tool invocation requested by the model.
type CompletionToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON argument object
}

// CompletionRequest describes one model invocation.
type CompletionRequest struct {
	Model       string                 `json:"model"`
	Messages    []Message              `json:"messages"`
	Temperature float64                `json:"temperature"`
	Tools       []ToolSpec             `json:"tools,omitempty"`
	JSONSchema  map[string]interface{} `json:"json_schema,omitempty"` // constrains the response when set
}

// CompletionResponse is the model's answer: plain content, or one or more
// tool invocations to execute before re-invoking.
type CompletionResponse struct {
	Content   string               `json:"content"`
	ToolCalls []CompletionToolCall `json:"tool_calls,omitempty"`
}

// CompletionProvider is the model-inference capability the engine depends on.
// Implementations must support plain, schema-constrained, and tool-calling
// completion.
type CompletionProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ToolSpec is the machine-readable description of a tool, used both to
// advertise the tool to the model and to filter model-supplied arguments
// before invocation.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"` // parameter name to schema fragment
	Required    []string               `json:"required,omitempty"`
}

// AllowedParams returns the set of argument names the spec admits.
func (s ToolSpec) AllowedParams() map[string]bool {
	allowed := make(map[string]bool, len(s.Parameters))
	for name := range s.Parameters {
		allowed[name] = true
	}
	return allowed
}

// Tool is an executable capability an action may invoke.
type Tool interface {
	// Execute performs the tool's action with resolved arguments.
	Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

	// Spec returns the tool's machine-readable description.
	Spec() ToolSpec

	// Validate checks if the provided input is valid for this tool.
	Validate(input map[string]interface{}) error

	// Name returns the tool's identifier.
	Name() string
}

// ToolRegistry resolves tool ids to executable tools.
type ToolRegistry interface {
	Get(id string) (Tool, bool)
	Specs(ids []string) []ToolSpec
	Catalog() []ToolSpec
}

// Notifier is the fire-and-forget progress/result channel consumed by a UI.
// Implementations must never block plan execution.
type Notifier interface {
	// Status emits a progress line.
	Status(ctx context.Context, level string, message string, done bool)
	// Message emits a user-visible content block.
	Message(ctx context.Context, content string)
	// Replace replaces the previously emitted visual state, used for live
	// progress diagrams.
	Replace(ctx context.Context, content string)
}

// HumanDirective is the answer to an escalation prompt.
type HumanDirective int

const (
	// DirectiveRetry re-runs the action, optionally with guidance appended.
	DirectiveRetry HumanDirective = iota
	// DirectiveApprove accepts the best attempt as a warning-quality result.
	DirectiveApprove
	// DirectiveAbort halts the whole plan.
	DirectiveAbort
)

// HumanInput is the escalation channel for failed or degraded actions.
type HumanInput interface {
	// Ask presents an escalation prompt and waits up to timeout for an
	// answer. The raw response accompanies the directive so retry guidance
	// can be carried into the next attempt.
	Ask(ctx context.Context, prompt string, timeout time.Duration) (HumanDirective, string, error)
}

// PlanBuilder decomposes a goal into a validated plan.
type PlanBuilder interface {
	Build(ctx context.Context, goal string) (*Plan, error)
}

// PlanRunner drives a plan's DAG to its fixed point and assembles the
// final deliverable. ExecuteActions runs every non-synthesis action;
// Synthesize performs the terminal template-substitution step.
type PlanRunner interface {
	ExecuteActions(ctx context.Context, plan *Plan) error
	Synthesize(ctx context.Context, plan *Plan) (string, error)
}

// Cache provides storage for frequently accessed data, like validated plans.
type Cache interface {
	Get(ctx context.Context, key string) (interface{}, bool)
	Set(ctx context.Context, key string, value interface{})
}

// Logger is the structured logging port passed explicitly to every
// component.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

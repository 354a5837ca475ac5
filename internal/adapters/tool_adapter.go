package adapters

import (
	"context"
	"fmt"

	"github.com/planweave/planweave"
)

// GoToolAdapter adapts a standard Go function to the planweave.Tool
// interface.
type GoToolAdapter struct {
	toolFunc  func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
	spec      planweave.ToolSpec
	validator func(map[string]interface{}) error
}

// ToolOption represents an option for configuring a GoToolAdapter.
type ToolOption func(*GoToolAdapter)

// WithValidator sets a custom validator function for the tool.
func WithValidator(validator func(map[string]interface{}) error) ToolOption {
	return func(adapter *GoToolAdapter) {
		adapter.validator = validator
	}
}

// WithDescription sets the tool's description shown to the planner and
// execution models.
func WithDescription(description string) ToolOption {
	return func(adapter *GoToolAdapter) {
		adapter.spec.Description = description
	}
}

// WithParameter declares one named parameter the tool accepts. Arguments
// outside the declared set are dropped before invocation.
func WithParameter(name, description string, required bool) ToolOption {
	return func(adapter *GoToolAdapter) {
		if adapter.spec.Parameters == nil {
			adapter.spec.Parameters = make(map[string]interface{})
		}
		adapter.spec.Parameters[name] = map[string]interface{}{
			"type":        "string",
			"description": description,
		}
		if required {
			adapter.spec.Required = append(adapter.spec.Required, name)
		}
	}
}

// NewGoToolAdapter creates a new adapter for a Go function.
func NewGoToolAdapter(
	name string,
	toolFunc func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error),
	options ...ToolOption) *GoToolAdapter {

	adapter := &GoToolAdapter{
		toolFunc: toolFunc,
		spec:     planweave.ToolSpec{Name: name},
		validator: func(input map[string]interface{}) error {
			if input == nil {
				return fmt.Errorf("input cannot be nil")
			}
			return nil
		},
	}
	for _, option := range options {
		option(adapter)
	}
	return adapter
}

// Execute implements the planweave.Tool interface.
func (a *GoToolAdapter) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if a.toolFunc == nil {
		return nil, fmt.Errorf("tool function is nil")
	}
	if err := a.Validate(input); err != nil {
		return nil, fmt.Errorf("input validation failed for %s: %w", a.spec.Name, err)
	}
	return a.toolFunc(ctx, input)
}

// Spec implements the planweave.Tool interface.
func (a *GoToolAdapter) Spec() planweave.ToolSpec {
	return a.spec
}

// Validate implements the planweave.Tool interface.
func (a *GoToolAdapter) Validate(input map[string]interface{}) error {
	if a.validator != nil {
		return a.validator(input)
	}
	return nil
}

// Name implements the planweave.Tool interface.
func (a *GoToolAdapter) Name() string {
	return a.spec.Name
}

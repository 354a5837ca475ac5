// Package planweave is the core runtime for goal-driven plan execution.
// A goal is decomposed into a DAG of actions by a PlanBuilder, the DAG is
// driven to its fixed point by a PlanRunner, and the terminal synthesis
// action assembles the deliverable.
package planweave

import (
	"context"
	"sync"

	"github.com/planweave/planweave/internal/eventbus"
)

// Engine is the main entry point into the planweave runtime. It wires the
// plan builder and plan runner behind a state machine and tracks
// asynchronous runs.
type Engine struct {
	builder PlanBuilder
	runner  PlanRunner
	bus     eventbus.EventBus
	logger  Logger

	config Config

	asyncRuns      map[string]*RunContext
	asyncRunsMutex sync.RWMutex
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithConfig sets the engine configuration.
func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config
	}
}

// WithBuilder sets the plan builder component.
func WithBuilder(builder PlanBuilder) Option {
	return func(e *Engine) {
		e.builder = builder
	}
}

// WithRunner sets the plan runner component.
func WithRunner(runner PlanRunner) Option {
	return func(e *Engine) {
		e.runner = runner
	}
}

// WithEventBus sets the event bus the engine publishes run events on.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an Engine with the provided options.
func New(options ...Option) (*Engine, error) {
	e := &Engine{
		config:    DefaultConfig(),
		logger:    NopLogger{},
		asyncRuns: make(map[string]*RunContext),
	}

	for _, option := range options {
		option(e)
	}

	if e.builder == nil {
		return nil, NewConfigurationError("a plan builder is required", nil)
	}
	if e.runner == nil {
		return nil, NewConfigurationError("a plan runner is required", nil)
	}
	if err := e.config.Validate(); err != nil {
		return nil, err
	}

	if e.config.EnableEventBus && e.bus == nil {
		e.bus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(e.config.EventBusBufferSize),
			eventbus.WithWorkerCount(e.config.EventBusWorkerCount),
		)
		e.logger.Info("initialized default channel event bus", nil)
	}

	return e, nil
}

// Run executes a goal end to end: planning, DAG execution, and synthesis.
// It returns the deliverable, which on a stalled plan is the execution
// report accompanying the stall error.
func (e *Engine) Run(ctx context.Context, goal string) (string, error) {
	sm := e.newStateMachine()
	rc := NewRunContext(goal)
	return sm.Execute(ctx, rc)
}

// Shutdown releases engine resources, closing the event bus if the engine
// owns one.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.bus != nil {
		return e.bus.Close()
	}
	return nil
}

func (e *Engine) newStateMachine() *StateMachine {
	var bus eventbus.EventBus
	if e.config.EnableEventBus {
		bus = e.bus
	}

	components := EngineComponents{
		Builder: e.builder,
		Runner:  e.runner,
		Config:  e.config,
		Logger:  e.logger,
	}

	return NewRunStateMachine(components, bus)
}

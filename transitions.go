package planweave

import (
	"context"
	"time"

	"github.com/planweave/planweave/internal/eventbus"
)

// EngineComponents holds the collaborators the run state machine drives.
type EngineComponents struct {
	Builder PlanBuilder
	Runner  PlanRunner
	Config  Config
	Logger  Logger
}

// NewRunStateMachine builds the state machine for one goal run:
// init -> planning -> execution -> synthesis -> complete, with error and
// cancelled as terminal sinks.
func NewRunStateMachine(components EngineComponents, bus eventbus.EventBus) *StateMachine {
	sm := NewStateMachine(bus)

	sm.RegisterTransition(StateInit, initTransition(components))
	sm.RegisterTransition(StatePlanning, planningTransition(components))
	sm.RegisterTransition(StateExecution, executionTransition(components))
	sm.RegisterTransition(StateSynthesis, synthesisTransition(components))

	return sm
}

func initTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, bus eventbus.EventBus, rc *RunContext) (RunState, error) {
		if err := components.Config.Validate(); err != nil {
			return StateError, err
		}
		if bus != nil {
			bus.Publish(ctx, eventbus.NewEvent(
				eventbus.EventSystemInfo,
				rc.Goal,
				"StateMachine.Init",
				map[string]interface{}{"timestamp": time.Now().Format(time.RFC3339)},
			))
		}
		return StatePlanning, nil
	}
}

func planningTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, bus eventbus.EventBus, rc *RunContext) (RunState, error) {
		plan, err := components.Builder.Build(ctx, rc.Goal)
		if err != nil {
			components.Logger.Error("plan generation failed", map[string]interface{}{
				"goal":  rc.Goal,
				"error": err.Error(),
			})
			return StateError, err
		}
		rc.SetPlan(plan)
		return StateExecution, nil
	}
}

func executionTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, bus eventbus.EventBus, rc *RunContext) (RunState, error) {
		if err := components.Runner.ExecuteActions(ctx, rc.Plan()); err != nil {
			return StateError, err
		}
		return StateSynthesis, nil
	}
}

func synthesisTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, bus eventbus.EventBus, rc *RunContext) (RunState, error) {
		deliverable, err := components.Runner.Synthesize(ctx, rc.Plan())
		// A stalled plan still yields the execution report as the
		// deliverable; keep it alongside the error.
		rc.SetDeliverable(deliverable)
		if err != nil {
			return StateError, err
		}
		rc.Complete()
		return StateComplete, nil
	}
}

package planweave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/planweave/planweave/internal/eventbus"
)

// RunState represents the phase a goal run is in.
type RunState string

const (
	// StateInit is the initial state of a run.
	StateInit RunState = "init"
	// StatePlanning covers plan generation and validation.
	StatePlanning RunState = "planning"
	// StateExecution covers DAG dispatch of the non-synthesis actions.
	StateExecution RunState = "execution"
	// StateSynthesis covers the terminal template-substitution step.
	StateSynthesis RunState = "synthesis"
	// StateError records a failed run.
	StateError RunState = "error"
	// StateComplete records a finished run.
	StateComplete RunState = "complete"
	// StateCancelled records a run torn down by context cancellation or
	// user abort.
	StateCancelled RunState = "cancelled"
	// StateUnknown is used when the status of an async run cannot be
	// determined.
	StateUnknown RunState = "unknown"
)

// RunContext carries the data for one goal run through the state machine.
// Async runs read it from other goroutines while the state machine drives
// it, so all mutable state sits behind the mutex.
type RunContext struct {
	Goal string

	mu sync.RWMutex

	plan        *Plan
	deliverable string

	lastError  error
	errorStage string

	currentState RunState
	stateStack   []RunState

	cancel context.CancelFunc

	startTime       time.Time
	endTime         time.Time
	stateStartTimes map[RunState]time.Time
}

// NewRunContext creates a run context for the given goal.
func NewRunContext(goal string) *RunContext {
	return &RunContext{
		Goal:            goal,
		currentState:    StateInit,
		stateStack:      []RunState{},
		startTime:       time.Now(),
		stateStartTimes: map[RunState]time.Time{StateInit: time.Now()},
	}
}

// State returns the run's current state.
func (rc *RunContext) State() RunState {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.currentState
}

// Plan returns the generated plan, or nil before planning finished.
func (rc *RunContext) Plan() *Plan {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.plan
}

// SetPlan records the generated plan.
func (rc *RunContext) SetPlan(plan *Plan) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.plan = plan
}

// Deliverable returns the run's result so far.
func (rc *RunContext) Deliverable() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.deliverable
}

// SetDeliverable records the run's result.
func (rc *RunContext) SetDeliverable(deliverable string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.deliverable = deliverable
}

// LastError returns the error the run ended with, if any.
func (rc *RunContext) LastError() error {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.lastError
}

// ErrorStage returns the state the run failed in.
func (rc *RunContext) ErrorStage() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.errorStage
}

// StartTime returns when the run began.
func (rc *RunContext) StartTime() time.Time {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.startTime
}

// StateEnteredAt returns when the run entered its current state.
func (rc *RunContext) StateEnteredAt() time.Time {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.stateStartTimes[rc.currentState]
}

// PushState pushes the current state onto the stack and enters a new one.
func (rc *RunContext) PushState(state RunState) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.stateStack = append(rc.stateStack, rc.currentState)
	rc.currentState = state
	rc.stateStartTimes[state] = time.Now()
}

// PopState restores the most recently pushed state. Returns false if the
// stack is empty.
func (rc *RunContext) PopState() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.stateStack) == 0 {
		return false
	}
	last := len(rc.stateStack) - 1
	rc.currentState = rc.stateStack[last]
	rc.stateStack = rc.stateStack[:last]
	rc.stateStartTimes[rc.currentState] = time.Now()
	return true
}

// advance moves the run into the next state.
func (rc *RunContext) advance(state RunState) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if isTerminal(rc.currentState) {
		return
	}
	rc.currentState = state
	rc.stateStartTimes[state] = time.Now()
}

func isTerminal(state RunState) bool {
	return state == StateComplete || state == StateError || state == StateCancelled
}

// IsTerminal reports whether the run has finished, failed, or been
// cancelled.
func (rc *RunContext) IsTerminal() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return isTerminal(rc.currentState)
}

// SetError records the error and moves the run to the error state. It is
// a no-op on a run that already reached a terminal state, so a
// cancellation cannot be overwritten by a late transition error.
func (rc *RunContext) SetError(err error, stage string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if isTerminal(rc.currentState) {
		return
	}
	rc.lastError = err
	rc.errorStage = stage
	rc.currentState = StateError
	rc.stateStartTimes[StateError] = time.Now()
}

// SetCancelled records the cancellation and moves the run to the
// cancelled state. No-op once terminal.
func (rc *RunContext) SetCancelled(err error, stage string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if isTerminal(rc.currentState) {
		return
	}
	rc.lastError = err
	rc.errorStage = stage
	rc.currentState = StateCancelled
	rc.stateStartTimes[StateCancelled] = time.Now()
}

// Complete marks the run finished and stamps the end time. No-op once
// terminal.
func (rc *RunContext) Complete() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if isTerminal(rc.currentState) {
		return
	}
	rc.currentState = StateComplete
	rc.endTime = time.Now()
	rc.stateStartTimes[StateComplete] = rc.endTime
}

// TotalDuration returns how long the run has been going, or took.
func (rc *RunContext) TotalDuration() time.Duration {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.currentState == StateComplete && !rc.endTime.IsZero() {
		return rc.endTime.Sub(rc.startTime)
	}
	return time.Since(rc.startTime)
}

// StateTransition advances a run from its current state, returning the
// next state.
type StateTransition func(ctx context.Context, bus eventbus.EventBus, rc *RunContext) (RunState, error)

// StateMachine drives a run through its phases.
type StateMachine struct {
	transitions map[RunState]StateTransition
	bus         eventbus.EventBus
}

// NewStateMachine creates an empty state machine over the given bus.
func NewStateMachine(bus eventbus.EventBus) *StateMachine {
	return &StateMachine{
		transitions: make(map[RunState]StateTransition),
		bus:         bus,
	}
}

// RegisterTransition registers the transition function for a state.
func (sm *StateMachine) RegisterTransition(state RunState, transition StateTransition) {
	sm.transitions[state] = transition
}

// Execute runs the state machine to a terminal state and returns the
// deliverable plus any error the run ended with.
func (sm *StateMachine) Execute(ctx context.Context, rc *RunContext) (string, error) {
	for !rc.IsTerminal() {
		state := rc.State()

		select {
		case <-ctx.Done():
			rc.SetCancelled(ctx.Err(), string(state))
			return rc.Deliverable(), NewCancelledError(string(state), ctx.Err())
		default:
		}

		transition, exists := sm.transitions[state]
		if !exists {
			err := NewInternalError(string(state), fmt.Sprintf("no transition defined for state %s", state), nil)
			rc.SetError(err, string(state))
			return rc.Deliverable(), err
		}

		nextState, err := transition(ctx, sm.bus, rc)
		if err != nil {
			stage := string(state)
			switch {
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || IsCode(err, ErrCodeCancelled):
				rc.SetCancelled(err, stage)
			case IsUserAborted(err):
				rc.SetCancelled(err, stage)
			default:
				rc.SetError(err, stage)
			}
			continue
		}

		rc.advance(nextState)
	}

	return rc.Deliverable(), rc.LastError()
}

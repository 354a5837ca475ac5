package planweave

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/planweave/planweave/internal/eventbus"
)

// AsyncRunStatus is the status snapshot of an asynchronous run.
type AsyncRunStatus struct {
	RunID        string        `json:"run_id"`
	Goal         string        `json:"goal"`
	CurrentState RunState      `json:"current_state"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
	IsComplete   bool          `json:"is_complete"`
	HasError     bool          `json:"has_error"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorStage   string        `json:"error_stage,omitempty"`
}

// RunAsync starts a goal run in the background and returns a run ID that
// can be used to poll status, fetch the result, or cancel.
func (e *Engine) RunAsync(ctx context.Context, goal string) (string, error) {
	runID := uuid.New().String()

	sm := e.newStateMachine()
	rc := NewRunContext(goal)

	asyncCtx, cancel := context.WithCancel(context.Background())
	rc.cancel = cancel

	e.asyncRunsMutex.Lock()
	e.asyncRuns[runID] = rc
	e.asyncRunsMutex.Unlock()

	e.publishAsyncEvent(ctx, eventbus.EventRunAsyncStarted, goal, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"run_id":    runID,
	})

	go func() {
		defer cancel()

		deliverable, err := sm.Execute(asyncCtx, rc)

		rc.SetDeliverable(deliverable)
		if err != nil {
			rc.SetError(err, string(rc.State()))
		}

		eventType := eventbus.EventRunAsyncSuccess
		metadata := map[string]interface{}{
			"run_id":      runID,
			"duration_ms": rc.TotalDuration().Milliseconds(),
		}
		if err != nil {
			eventType = eventbus.EventRunAsyncFailure
			metadata["error"] = err.Error()
			metadata["error_stage"] = rc.ErrorStage()
		}
		// The caller's context may be long gone by now.
		e.publishAsyncEvent(context.Background(), eventType, goal, metadata)
	}()

	return runID, nil
}

// AsyncStatus retrieves the current status of an asynchronous run.
func (e *Engine) AsyncStatus(runID string) (*AsyncRunStatus, error) {
	e.asyncRunsMutex.RLock()
	defer e.asyncRunsMutex.RUnlock()

	rc, exists := e.asyncRuns[runID]
	if !exists {
		return nil, fmt.Errorf("run with ID '%s' not found", runID)
	}

	state := rc.State()
	status := &AsyncRunStatus{
		RunID:        runID,
		Goal:         rc.Goal,
		CurrentState: state,
		StartTime:    rc.StartTime(),
		Duration:     rc.TotalDuration(),
		IsComplete:   state == StateComplete,
		HasError:     state == StateError,
	}

	if lastErr := rc.LastError(); lastErr != nil {
		status.ErrorMessage = lastErr.Error()
		status.ErrorStage = rc.ErrorStage()
	}

	return status, nil
}

// AsyncResult retrieves the deliverable of a completed asynchronous run.
// It returns an error while the run is still in progress or if the run
// failed.
func (e *Engine) AsyncResult(runID string) (string, error) {
	e.asyncRunsMutex.RLock()
	defer e.asyncRunsMutex.RUnlock()

	rc, exists := e.asyncRuns[runID]
	if !exists {
		return "", fmt.Errorf("run with ID '%s' not found", runID)
	}

	state := rc.State()
	switch state {
	case StateComplete:
		return rc.Deliverable(), nil
	case StateError:
		return "", fmt.Errorf("run failed during stage '%s': %w", rc.ErrorStage(), rc.LastError())
	case StateCancelled:
		return "", fmt.Errorf("run was cancelled during stage '%s': %w", rc.ErrorStage(), rc.LastError())
	default:
		return "", fmt.Errorf("run is still in progress (current state: %s)", state)
	}
}

// CancelAsync cancels an in-flight asynchronous run. Returns true if the
// run was cancelled, false if it had already reached a terminal state.
func (e *Engine) CancelAsync(runID string) (bool, error) {
	e.asyncRunsMutex.Lock()
	defer e.asyncRunsMutex.Unlock()

	rc, exists := e.asyncRuns[runID]
	if !exists {
		return false, fmt.Errorf("run with ID '%s' not found", runID)
	}

	if rc.IsTerminal() {
		return false, nil
	}

	if rc.cancel == nil {
		return false, fmt.Errorf("cannot cancel run: no cancel function recorded")
	}

	rc.cancel()
	rc.SetCancelled(fmt.Errorf("run cancelled by caller"), string(rc.State()))

	e.publishAsyncEvent(context.Background(), eventbus.EventRunAsyncCancelled, rc.Goal, map[string]interface{}{
		"run_id":      runID,
		"duration_ms": rc.TotalDuration().Milliseconds(),
	})

	return true, nil
}

// ListAsyncRuns returns the IDs of all tracked asynchronous runs mapped
// to their current state.
func (e *Engine) ListAsyncRuns() map[string]string {
	e.asyncRunsMutex.RLock()
	defer e.asyncRunsMutex.RUnlock()

	result := make(map[string]string, len(e.asyncRuns))
	for id, rc := range e.asyncRuns {
		result[id] = string(rc.State())
	}

	return result
}

// CleanupAsyncRuns removes terminal runs older than the given duration
// from the registry and returns how many were removed.
func (e *Engine) CleanupAsyncRuns(olderThan time.Duration) int {
	e.asyncRunsMutex.Lock()
	defer e.asyncRunsMutex.Unlock()

	now := time.Now()
	count := 0

	for id, rc := range e.asyncRuns {
		if rc.IsTerminal() && now.Sub(rc.StateEnteredAt()) > olderThan {
			delete(e.asyncRuns, id)
			count++
		}
	}

	return count
}

func (e *Engine) publishAsyncEvent(ctx context.Context, eventType eventbus.EventType, goal string, metadata map[string]interface{}) {
	if !e.config.EnableEventBus || e.bus == nil {
		return
	}
	e.bus.Publish(ctx, eventbus.NewEvent(eventType, goal, "Engine.RunAsync", metadata))
}

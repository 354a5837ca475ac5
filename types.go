package planweave

import (
	"sync"
	"time"
)

// ActionStatus represents the possible states of an action.
type ActionStatus string

const (
	// ActionStatusPending indicates the action is waiting for dependencies.
	ActionStatusPending ActionStatus = "pending"
	// ActionStatusInProgress indicates the action is currently executing.
	ActionStatusInProgress ActionStatus = "in_progress"
	// ActionStatusCompleted indicates the action finished with a passing output.
	ActionStatusCompleted ActionStatus = "completed"
	// ActionStatusWarning indicates the action finished with a degraded but usable output.
	ActionStatusWarning ActionStatus = "warning"
	// ActionStatusFailed indicates the action exhausted its retries without a usable output.
	ActionStatusFailed ActionStatus = "failed"
	// ActionStatusAborted indicates the user aborted the action.
	ActionStatusAborted ActionStatus = "aborted"
)

// IsTerminal reports whether the status is a final state.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case ActionStatusCompleted, ActionStatusWarning, ActionStatusFailed, ActionStatusAborted:
		return true
	}
	return false
}

// IsSatisfied reports whether the status unblocks dependent actions.
func (s ActionStatus) IsSatisfied() bool {
	return s == ActionStatusCompleted || s == ActionStatusWarning
}

// ActionKind determines which model role and temperature profile executes an action.
type ActionKind string

const (
	ActionKindTool      ActionKind = "tool"
	ActionKindText      ActionKind = "text"
	ActionKindCode      ActionKind = "code"
	ActionKindSynthesis ActionKind = "synthesis"
)

// ActionRole is the execution role assigned to an action at build time.
// It selects the system prompt and the configured model for the action,
// replacing string matching against model identifiers.
type ActionRole int

const (
	RoleTool ActionRole = iota
	RoleWriter
	RoleCoder
)

// String returns the logical role name used in generated plans.
func (r ActionRole) String() string {
	switch r {
	case RoleWriter:
		return "WRITER_MODEL"
	case RoleCoder:
		return "CODER_MODEL"
	default:
		return "ACTION_MODEL"
	}
}

// RoleForKind maps an action kind to its default execution role.
func RoleForKind(kind ActionKind) ActionRole {
	switch kind {
	case ActionKindText, ActionKindSynthesis:
		return RoleWriter
	case ActionKindCode:
		return RoleCoder
	default:
		return RoleTool
	}
}

// SynthesisActionID is the reserved id of the terminal synthesis action.
// Its description doubles as the template for the final deliverable.
const SynthesisActionID = "final_synthesis"

// GuidanceParam is the parameter key under which user-supplied retry
// guidance is stored between attempts.
const GuidanceParam = "user_guidance"

// Output is the structured result of a terminal successful action.
type Output struct {
	PrimaryOutput     string `json:"primary_output"`
	SupportingDetails string `json:"supporting_details,omitempty"`
}

// IsEmpty reports whether the output carries no deliverable content.
func (o *Output) IsEmpty() bool {
	return o == nil || o.PrimaryOutput == ""
}

// ToolCall records one tool invocation made while executing an action.
// Entries are kept for evaluation and cleared between retry attempts.
type ToolCall struct {
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Result    interface{}            `json:"result,omitempty"`
}

// ReflectionResult is the evaluator's verdict on one execution attempt.
// It lives only inside the retry loop that produced it.
type ReflectionResult struct {
	IsSuccessful bool     `json:"is_successful"`
	QualityScore float64  `json:"quality_score"`
	Issues       []string `json:"issues,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
}

// Action represents a single unit of work in a plan.
type Action struct {
	ID                    string                 `json:"id"`
	Kind                  ActionKind             `json:"kind"`
	Description           string                 `json:"description"`
	Params                map[string]interface{} `json:"params,omitempty"`
	Dependencies          []string               `json:"dependencies,omitempty"`
	ToolIDs               []string               `json:"tool_ids,omitempty"`
	UseLightweightContext bool                   `json:"use_lightweight_context,omitempty"`
	ModelRole             string                 `json:"model,omitempty"` // logical role name from the generated plan

	// Resolved at build time from Kind/ModelRole.
	Role ActionRole `json:"-"`

	// Internal execution state.
	status       ActionStatus `json:"-"`
	Output       *Output      `json:"-"`
	Error        error        `json:"-"`
	ErrorContext string       `json:"-"`
	ToolCalls    []ToolCall   `json:"-"`
	mutex        sync.Mutex   `json:"-"`
	DoneChannel  chan struct{} `json:"-"` // closed when the action reaches a terminal state

	// Execution metrics.
	StartTime  time.Time `json:"-"`
	EndTime    time.Time `json:"-"`
	RetryCount int       `json:"-"`
}

// GetStatus safely retrieves the action's current status.
func (a *Action) GetStatus() ActionStatus {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.status
}

// UpdateStatus safely updates the action's status and related information.
func (a *Action) UpdateStatus(newStatus ActionStatus, err error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	oldStatus := a.status
	a.status = newStatus

	now := time.Now()
	if newStatus == ActionStatusInProgress && oldStatus != ActionStatusInProgress {
		a.StartTime = now
	}
	if newStatus.IsTerminal() && !oldStatus.IsTerminal() {
		a.EndTime = now
	}

	if err != nil {
		a.Error = err
	}

	// Signal completion for dependent actions.
	if newStatus.IsTerminal() && !isClosed(a.DoneChannel) {
		close(a.DoneChannel)
	}
}

// SetOutput safely records the action's structured result.
func (a *Action) SetOutput(out *Output) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.Output = out
}

// GetOutput safely retrieves the action's structured result.
func (a *Action) GetOutput() *Output {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.Output
}

// RecordToolCall appends one tool invocation to the attempt bookkeeping.
func (a *Action) RecordToolCall(call ToolCall) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.ToolCalls = append(a.ToolCalls, call)
}

// SnapshotToolCalls returns a copy of the current attempt's tool invocations.
func (a *Action) SnapshotToolCalls() []ToolCall {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	calls := make([]ToolCall, len(a.ToolCalls))
	copy(calls, a.ToolCalls)
	return calls
}

// ResetToolCalls clears the tool invocation bookkeeping between attempts.
func (a *Action) ResetToolCalls() {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.ToolCalls = nil
}

// SetGuidance stores user-supplied retry guidance for the next attempt.
func (a *Action) SetGuidance(guidance string) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.Params == nil {
		a.Params = make(map[string]interface{})
	}
	a.Params[GuidanceParam] = guidance
}

// Guidance returns stored retry guidance, if any.
func (a *Action) Guidance() string {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if g, ok := a.Params[GuidanceParam].(string); ok {
		return g
	}
	return ""
}

// ClearGuidance removes stored retry guidance after a successful attempt.
func (a *Action) ClearGuidance() {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	delete(a.Params, GuidanceParam)
}

// SetErrorContext sets additional context for an error.
func (a *Action) SetErrorContext(context string) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.ErrorContext = context
}

// Duration returns the execution duration of the action.
func (a *Action) Duration() time.Duration {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.StartTime.IsZero() {
		return 0
	}
	if a.EndTime.IsZero() {
		return time.Since(a.StartTime)
	}
	return a.EndTime.Sub(a.StartTime)
}

// Retry increments the retry count and re-arms the action for another
// attempt. The status stays in_progress: the executor still owns the
// action, and dropping to pending would let a concurrent readiness scan
// dispatch it a second time.
func (a *Action) Retry() {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.RetryCount++
	a.status = ActionStatusInProgress
	if a.DoneChannel == nil || isClosed(a.DoneChannel) {
		a.DoneChannel = make(chan struct{})
	}
}

// isClosed checks if a channel is closed safely.
func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Plan represents one goal and its DAG of actions.
type Plan struct {
	Goal    string    `json:"goal"`
	Actions []*Action `json:"actions"`

	actionMap map[string]*Action
	results   map[string]*Output // outputs of satisfied actions, keyed by action id

	// StateMutex protects the action map and results during execution.
	StateMutex sync.RWMutex `json:"-"`
}

// NewPlan builds a plan over the given actions and initializes execution state.
func NewPlan(goal string, actions []*Action) *Plan {
	p := &Plan{
		Goal:      goal,
		Actions:   actions,
		actionMap: make(map[string]*Action, len(actions)),
		results:   make(map[string]*Output),
	}
	for _, action := range actions {
		action.status = ActionStatusPending
		action.DoneChannel = make(chan struct{})
		if action.Kind == "" {
			action.Kind = ActionKindTool
		}
		p.actionMap[action.ID] = action
	}
	return p
}

// GetAction safely retrieves an action by id.
func (p *Plan) GetAction(id string) (*Action, bool) {
	p.StateMutex.RLock()
	defer p.StateMutex.RUnlock()
	a, ok := p.actionMap[id]
	return a, ok
}

// SetResult safely records the output of a satisfied action.
func (p *Plan) SetResult(id string, out *Output) {
	p.StateMutex.Lock()
	defer p.StateMutex.Unlock()
	p.results[id] = out
}

// GetResult safely retrieves the output of a satisfied action.
func (p *Plan) GetResult(id string) (*Output, bool) {
	p.StateMutex.RLock()
	defer p.StateMutex.RUnlock()
	out, ok := p.results[id]
	return out, ok
}

// CompletedOutputs returns a copy of the satisfied-action output map.
func (p *Plan) CompletedOutputs() map[string]*Output {
	p.StateMutex.RLock()
	defer p.StateMutex.RUnlock()
	outs := make(map[string]*Output, len(p.results))
	for id, out := range p.results {
		outs[id] = out
	}
	return outs
}

// SynthesisAction returns the terminal synthesis action, if present.
func (p *Plan) SynthesisAction() (*Action, bool) {
	return p.GetAction(SynthesisActionID)
}

// ExecutionSummary aggregates terminal action counts for the final report.
type ExecutionSummary struct {
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Warnings  int           `json:"warnings"`
	Failed    int           `json:"failed"`
	Aborted   int           `json:"aborted"`
	Blocked   int           `json:"blocked"` // never became runnable
	Duration  time.Duration `json:"duration"`
}

// Summary computes the current execution summary of the plan.
func (p *Plan) Summary() ExecutionSummary {
	p.StateMutex.RLock()
	defer p.StateMutex.RUnlock()

	var s ExecutionSummary
	var earliest, latest time.Time
	for _, a := range p.Actions {
		s.Total++
		switch a.GetStatus() {
		case ActionStatusCompleted:
			s.Completed++
		case ActionStatusWarning:
			s.Warnings++
		case ActionStatusFailed:
			s.Failed++
		case ActionStatusAborted:
			s.Aborted++
		default:
			s.Blocked++
		}
		if !a.StartTime.IsZero() && (earliest.IsZero() || a.StartTime.Before(earliest)) {
			earliest = a.StartTime
		}
		if a.EndTime.After(latest) {
			latest = a.EndTime
		}
	}
	if !earliest.IsZero() && !latest.IsZero() {
		s.Duration = latest.Sub(earliest)
	}
	return s
}

package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/errgroup"

	"github.com/planweave/planweave"
	"github.com/planweave/planweave/internal/eventbus"
	"github.com/planweave/planweave/internal/synthesis"
)

// ActionRunner drives a single action to a terminal state.
type ActionRunner interface {
	Execute(ctx context.Context, plan *planweave.Plan, action *planweave.Action) error
}

// Scheduler walks a plan's dependency graph, dispatching ready actions to
// the runner under a concurrency bound and finishing with the synthesis
// step once everything else is terminal.
type Scheduler struct {
	runner   ActionRunner
	synth    *synthesis.Synthesizer
	notifier planweave.Notifier
	bus      eventbus.EventBus
	logger   planweave.Logger
	config   planweave.Config
	metrics  Metrics
}

// Option represents an option for configuring the Scheduler.
type Option func(*Scheduler)

func WithLogger(logger planweave.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithNotifier(n planweave.Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

func WithEventBus(bus eventbus.EventBus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// New creates a scheduler around the given action runner.
func New(runner ActionRunner, config planweave.Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner: runner,
		config: config,
		logger: planweave.NopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.synth = synthesis.New(s.logger)
	return s
}

// Metrics returns a snapshot of the statistics for the most recent run.
func (s *Scheduler) Metrics() Metrics {
	return s.metrics.Copy()
}

// Run executes the plan to its fixed point and returns the final
// deliverable. Actions that fail do not halt the run; their dependents
// simply never become runnable. A user abort or context cancellation
// halts the whole plan and is returned as the error. On a stalled plan
// the execution report is returned alongside a stall error so callers
// still see what did complete.
func (s *Scheduler) Run(ctx context.Context, plan *planweave.Plan) (string, error) {
	if err := s.ExecuteActions(ctx, plan); err != nil {
		return "", err
	}
	return s.Synthesize(ctx, plan)
}

// ExecuteActions drives every non-synthesis action to a terminal state.
// It returns only on user abort or context cancellation; ordinary action
// failures leave their dependents blocked and return nil.
func (s *Scheduler) ExecuteActions(ctx context.Context, plan *planweave.Plan) error {
	s.metrics.reset()
	s.logger.Info("starting plan execution", map[string]interface{}{
		"goal":    plan.Goal,
		"actions": len(plan.Actions),
	})
	s.publish(ctx, eventbus.EventPlanExecutionStarted, map[string]interface{}{
		"goal":    plan.Goal,
		"actions": len(plan.Actions),
	})
	s.refreshDiagram(ctx, plan)

	workers := pool.New().WithMaxGoroutines(s.config.MaxConcurrentActions)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.dispatch(gctx, plan, workers)
	})
	dispatchErr := g.Wait()
	workers.Wait()
	s.refreshDiagram(ctx, plan)

	if dispatchErr != nil {
		s.publish(ctx, eventbus.EventPlanExecutionFailure, map[string]interface{}{
			"error": dispatchErr.Error(),
		})
		s.logger.Error("plan execution halted", map[string]interface{}{
			"goal":  plan.Goal,
			"error": dispatchErr.Error(),
		})
		s.message(ctx, synthesis.ExecutionReport(plan))
		return dispatchErr
	}

	if blocked := s.blockedActions(plan); len(blocked) > 0 {
		s.publish(ctx, eventbus.EventPlanExecutionStalled, map[string]interface{}{
			"blocked": blocked,
		})
		s.logger.Warn("plan stalled, some actions never became runnable", map[string]interface{}{
			"blocked": blocked,
		})
	}
	return nil
}

// Synthesize performs the terminal template-substitution step and
// assembles the deliverable. On a stalled plan the execution report is
// returned alongside a stall error.
func (s *Scheduler) Synthesize(ctx context.Context, plan *planweave.Plan) (string, error) {
	blocked := s.blockedActions(plan)
	deliverable, synthesized := s.runSynthesis(ctx, plan)
	s.refreshDiagram(ctx, plan)

	if !synthesized {
		report := synthesis.ExecutionReport(plan)
		s.message(ctx, report)
		return report, planweave.NewStalledError(blocked)
	}

	if s.config.EnableActionSummaries {
		deliverable = s.appendSummaries(plan, deliverable)
	}
	s.message(ctx, deliverable)

	summary := plan.Summary()
	s.publish(ctx, eventbus.EventPlanExecutionSuccess, map[string]interface{}{
		"completed": summary.Completed,
		"warnings":  summary.Warnings,
		"failed":    summary.Failed,
		"duration":  summary.Duration.String(),
	})
	s.status(ctx, "info", fmt.Sprintf("Plan finished: %d completed, %d warnings, %d failed", summary.Completed, summary.Warnings, summary.Failed), true)

	if len(blocked) > 0 {
		return deliverable, planweave.NewStalledError(blocked)
	}
	return deliverable, nil
}

// dispatch runs the polling scheduling loop over the non-synthesis
// actions. It returns nil once no further progress is possible, an abort
// error when a worker reports a user abort, and a cancellation error when
// ctx ends. The returned error cancels the errgroup context, which winds
// down any in-flight workers.
func (s *Scheduler) dispatch(ctx context.Context, plan *planweave.Plan, workers *pool.Pool) error {
	var inFlight atomic.Int64
	abort := make(chan error, 1)

	for {
		select {
		case err := <-abort:
			return err
		case <-ctx.Done():
			s.abortPending(plan, ctx.Err())
			return planweave.NewCancelledError("execution", ctx.Err())
		default:
		}

		launched := false
		for _, action := range s.readyActions(plan) {
			if inFlight.Load() >= int64(s.config.MaxConcurrentActions) {
				break
			}
			action.UpdateStatus(planweave.ActionStatusInProgress, nil)
			inFlight.Add(1)
			launched = true
			a := action
			workers.Go(func() {
				defer inFlight.Add(-1)
				err := s.runner.Execute(ctx, plan, a)
				s.metrics.record(a)
				s.refreshDiagram(ctx, plan)
				s.publish(ctx, eventbus.EventPlanExecutionProgress, map[string]interface{}{
					"action": a.ID,
					"status": string(a.GetStatus()),
				})
				if err == nil {
					return
				}
				if planweave.IsUserAborted(err) {
					select {
					case abort <- err:
					default:
					}
					return
				}
				s.logger.Warn("action finished unsuccessfully", map[string]interface{}{
					"action": a.ID,
					"error":  err.Error(),
				})
			})
		}

		if !launched && inFlight.Load() == 0 {
			// Either every non-synthesis action is terminal or the
			// remainder is blocked behind failed dependencies. Blocked
			// actions keep their pending state for the report.
			return nil
		}

		select {
		case err := <-abort:
			return err
		case <-ctx.Done():
			s.abortPending(plan, ctx.Err())
			return planweave.NewCancelledError("execution", ctx.Err())
		case <-time.After(s.config.PollInterval):
		}
	}
}

// readyActions returns the pending non-synthesis actions whose
// dependencies are all satisfied, in declaration order.
func (s *Scheduler) readyActions(plan *planweave.Plan) []*planweave.Action {
	var ready []*planweave.Action
	for _, action := range plan.Actions {
		if action.ID == planweave.SynthesisActionID {
			continue
		}
		if action.GetStatus() != planweave.ActionStatusPending {
			continue
		}
		if s.dependenciesSatisfied(plan, action) {
			ready = append(ready, action)
		}
	}
	return ready
}

func (s *Scheduler) dependenciesSatisfied(plan *planweave.Plan, action *planweave.Action) bool {
	for _, depID := range action.Dependencies {
		dep, ok := plan.GetAction(depID)
		if !ok || !dep.GetStatus().IsSatisfied() {
			return false
		}
	}
	return true
}

// blockedActions returns the ids of non-synthesis actions that never
// became runnable.
func (s *Scheduler) blockedActions(plan *planweave.Plan) []string {
	var blocked []string
	for _, action := range plan.Actions {
		if action.ID == planweave.SynthesisActionID {
			continue
		}
		if action.GetStatus() == planweave.ActionStatusPending {
			blocked = append(blocked, action.ID)
		}
	}
	return blocked
}

// abortPending marks still-pending actions aborted when the run is torn
// down by cancellation.
func (s *Scheduler) abortPending(plan *planweave.Plan, cause error) {
	for _, action := range plan.Actions {
		if action.GetStatus() == planweave.ActionStatusPending {
			action.UpdateStatus(planweave.ActionStatusAborted, cause)
		}
	}
}

// runSynthesis performs the template-substitution step once every other
// action is terminal. It never calls the model. Returns the synthesized
// text and whether synthesis ran at all.
func (s *Scheduler) runSynthesis(ctx context.Context, plan *planweave.Plan) (string, bool) {
	syn, ok := plan.SynthesisAction()
	if !ok {
		return "", false
	}
	if !s.dependenciesSatisfied(plan, syn) {
		s.logger.Warn("synthesis blocked by unsatisfied dependencies", map[string]interface{}{
			"action": syn.ID,
		})
		return "", false
	}

	syn.UpdateStatus(planweave.ActionStatusInProgress, nil)
	s.publish(ctx, eventbus.EventSynthesisStarted, nil)
	s.status(ctx, "info", "Assembling final deliverable", false)

	text, warnings := s.synth.Synthesize(syn.Description, plan.CompletedOutputs())
	text = synthesis.CleanNestedMarkdown(text)

	status := planweave.ActionStatusCompleted
	for _, w := range warnings {
		s.logger.Warn("synthesis placeholder unresolved", map[string]interface{}{"detail": w})
		status = planweave.ActionStatusWarning
	}

	out := &planweave.Output{PrimaryOutput: text}
	syn.SetOutput(out)
	plan.SetResult(syn.ID, out)
	syn.UpdateStatus(status, nil)
	s.metrics.record(syn)
	s.publish(ctx, eventbus.EventSynthesisSuccess, map[string]interface{}{
		"warnings": len(warnings),
	})
	return text, true
}

// appendSummaries attaches collapsible per-action summaries and the
// execution report below the deliverable.
func (s *Scheduler) appendSummaries(plan *planweave.Plan, deliverable string) string {
	var b strings.Builder
	b.WriteString(deliverable)
	b.WriteString("\n\n---\n")
	for _, action := range plan.Actions {
		if action.ID == planweave.SynthesisActionID {
			continue
		}
		if summary := synthesis.ActionSummary(action); summary != "" {
			b.WriteString("\n")
			b.WriteString(summary)
		}
	}
	b.WriteString("\n")
	b.WriteString(synthesis.ExecutionReport(plan))
	return b.String()
}

func (s *Scheduler) refreshDiagram(ctx context.Context, plan *planweave.Plan) {
	if s.notifier == nil {
		return
	}
	s.notifier.Replace(ctx, synthesis.Mermaid(plan))
}

func (s *Scheduler) publish(ctx context.Context, eventType eventbus.EventType, metadata map[string]interface{}) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(ctx, eventbus.NewEvent(eventType, nil, "scheduler", metadata))
}

func (s *Scheduler) status(ctx context.Context, level, message string, done bool) {
	if s.notifier == nil {
		return
	}
	s.notifier.Status(ctx, level, message, done)
}

func (s *Scheduler) message(ctx context.Context, content string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Message(ctx, content)
}

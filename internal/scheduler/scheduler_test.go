package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/planweave/planweave"
)

type mockRunner struct {
	executeFunc func(ctx context.Context, plan *planweave.Plan, action *planweave.Action) error

	mu       sync.Mutex
	executed []string
}

func (m *mockRunner) Execute(ctx context.Context, plan *planweave.Plan, action *planweave.Action) error {
	m.mu.Lock()
	m.executed = append(m.executed, action.ID)
	m.mu.Unlock()
	return m.executeFunc(ctx, plan, action)
}

func complete(plan *planweave.Plan, action *planweave.Action, text string) {
	out := &planweave.Output{PrimaryOutput: text}
	action.SetOutput(out)
	plan.SetResult(action.ID, out)
	action.UpdateStatus(planweave.ActionStatusCompleted, nil)
}

func fail(action *planweave.Action, err error) {
	action.UpdateStatus(planweave.ActionStatusFailed, err)
}

func testConfig() planweave.Config {
	cfg := planweave.DefaultConfig()
	cfg.PollInterval = 2 * time.Millisecond
	cfg.EnableActionSummaries = false
	return cfg
}

func action(id string, deps ...string) *planweave.Action {
	return &planweave.Action{ID: id, Kind: planweave.ActionKindText, Description: id, Dependencies: deps}
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	outputs := map[string]string{"a": "x", "b": "y"}
	runner := &mockRunner{executeFunc: func(ctx context.Context, plan *planweave.Plan, a *planweave.Action) error {
		complete(plan, a, outputs[a.ID])
		return nil
	}}
	syn := action(planweave.SynthesisActionID, "b")
	syn.Kind = planweave.ActionKindSynthesis
	syn.Description = "Result: {b}"
	plan := planweave.NewPlan("goal", []*planweave.Action{action("a"), action("b", "a"), syn})

	s := New(runner, testConfig())
	deliverable, err := s.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if deliverable != "Result: y" {
		t.Errorf("expected %q, got %q", "Result: y", deliverable)
	}
	if len(runner.executed) != 2 || runner.executed[0] != "a" || runner.executed[1] != "b" {
		t.Errorf("expected a then b, got %v", runner.executed)
	}
	if syn.GetStatus() != planweave.ActionStatusCompleted {
		t.Errorf("synthesis status = %v", syn.GetStatus())
	}

	m := s.Metrics()
	if m.ActionsSatisfied != 3 {
		t.Errorf("metrics satisfied = %d, want 3", m.ActionsSatisfied)
	}
}

func TestRunUserAbortHaltsPlan(t *testing.T) {
	runner := &mockRunner{executeFunc: func(ctx context.Context, plan *planweave.Plan, a *planweave.Action) error {
		fail(a, planweave.NewActionExecutionError(a.ID, nil))
		return planweave.NewUserAbortedError(a.ID)
	}}
	syn := action(planweave.SynthesisActionID, "b")
	syn.Kind = planweave.ActionKindSynthesis
	syn.Description = "{b}"
	b := action("b", "a")
	plan := planweave.NewPlan("goal", []*planweave.Action{action("a"), b, syn})

	s := New(runner, testConfig())
	_, err := s.Run(context.Background(), plan)
	if !planweave.IsUserAborted(err) {
		t.Fatalf("expected user abort to propagate, got %v", err)
	}
	if b.GetStatus() != planweave.ActionStatusPending {
		t.Errorf("dependent of the aborted action must never start, status = %v", b.GetStatus())
	}

	summary := plan.Summary()
	if summary.Failed != 1 || summary.Blocked != 2 {
		t.Errorf("summary = %+v, want 1 failed and 2 blocked", summary)
	}
}

func TestRunFailedActionBlocksOnlyItsDependents(t *testing.T) {
	runner := &mockRunner{executeFunc: func(ctx context.Context, plan *planweave.Plan, a *planweave.Action) error {
		if a.ID == "a" {
			fail(a, planweave.NewActionExecutionError(a.ID, nil))
			return planweave.NewActionExecutionError(a.ID, nil)
		}
		complete(plan, a, "done")
		return nil
	}}
	syn := action(planweave.SynthesisActionID, "b", "c")
	syn.Kind = planweave.ActionKindSynthesis
	syn.Description = "{b} {c}"
	b := action("b", "a")
	c := action("c")
	plan := planweave.NewPlan("goal", []*planweave.Action{action("a"), b, c, syn})

	s := New(runner, testConfig())
	report, err := s.Run(context.Background(), plan)
	if !planweave.IsCode(err, planweave.ErrCodeStalled) {
		t.Fatalf("expected stall, got %v", err)
	}
	if c.GetStatus() != planweave.ActionStatusCompleted {
		t.Errorf("independent branch must still run, status = %v", c.GetStatus())
	}
	if b.GetStatus() != planweave.ActionStatusPending {
		t.Errorf("blocked dependent must stay pending, status = %v", b.GetStatus())
	}
	if syn.GetStatus() != planweave.ActionStatusPending {
		t.Errorf("synthesis with a blocked dependency must not run, status = %v", syn.GetStatus())
	}
	if !strings.Contains(report, "1 failed") || !strings.Contains(report, "blocked") {
		t.Errorf("stall report should count the failed and blocked actions: %q", report)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	var current, peak int64
	runner := &mockRunner{executeFunc: func(ctx context.Context, plan *planweave.Plan, a *planweave.Action) error {
		n := atomic.AddInt64(&current, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		complete(plan, a, "ok")
		return nil
	}}

	actions := []*planweave.Action{action("a"), action("b"), action("c"), action("d")}
	syn := action(planweave.SynthesisActionID, "a", "b", "c", "d")
	syn.Kind = planweave.ActionKindSynthesis
	syn.Description = "{a}{b}{c}{d}"
	plan := planweave.NewPlan("goal", append(actions, syn))

	cfg := testConfig()
	cfg.MaxConcurrentActions = 2
	s := New(runner, cfg)
	if _, err := s.Run(context.Background(), plan); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if p := atomic.LoadInt64(&peak); p > 2 {
		t.Errorf("concurrency bound exceeded: peak %d", p)
	}
}

func TestRunNeverStartsActionWithUnsatisfiedDependency(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 5; round++ {
		const n = 8
		actions := make([]*planweave.Action, 0, n+1)
		ids := make([]string, 0, n)
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("a%d", i)
			a := action(id)
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					a.Dependencies = append(a.Dependencies, ids[j])
				}
			}
			actions = append(actions, a)
			ids = append(ids, id)
		}
		syn := action(planweave.SynthesisActionID, ids...)
		syn.Kind = planweave.ActionKindSynthesis
		var tmpl strings.Builder
		for _, id := range ids {
			tmpl.WriteString("{" + id + "}")
		}
		syn.Description = tmpl.String()
		actions = append(actions, syn)
		plan := planweave.NewPlan("goal", actions)

		var violation atomic.Value
		runner := &mockRunner{executeFunc: func(ctx context.Context, p *planweave.Plan, a *planweave.Action) error {
			for _, dep := range a.Dependencies {
				d, _ := p.GetAction(dep)
				if !d.GetStatus().IsSatisfied() {
					violation.Store(fmt.Sprintf("%s started before %s was satisfied", a.ID, dep))
				}
			}
			complete(p, a, "ok")
			return nil
		}}

		cfg := testConfig()
		cfg.MaxConcurrentActions = 3
		s := New(runner, cfg)
		if _, err := s.Run(context.Background(), plan); err != nil {
			t.Fatalf("round %d: Run failed: %v", round, err)
		}
		if v := violation.Load(); v != nil {
			t.Fatalf("round %d: %v", round, v)
		}
	}
}

func TestRunSynthesisWarnsOnUnresolvedPlaceholder(t *testing.T) {
	runner := &mockRunner{executeFunc: func(ctx context.Context, plan *planweave.Plan, a *planweave.Action) error {
		complete(plan, a, "alpha")
		return nil
	}}
	syn := action(planweave.SynthesisActionID, "a")
	syn.Kind = planweave.ActionKindSynthesis
	syn.Description = "Result: {a} and {missing}"
	plan := planweave.NewPlan("goal", []*planweave.Action{action("a"), syn})

	s := New(runner, testConfig())
	deliverable, err := s.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(deliverable, "alpha") || !strings.Contains(deliverable, "{missing}") {
		t.Errorf("unexpected deliverable %q", deliverable)
	}
	if syn.GetStatus() != planweave.ActionStatusWarning {
		t.Errorf("synthesis with unresolved placeholders should end in warning, got %v", syn.GetStatus())
	}
}

func TestRunCancelledContext(t *testing.T) {
	runner := &mockRunner{executeFunc: func(ctx context.Context, plan *planweave.Plan, a *planweave.Action) error {
		complete(plan, a, "ok")
		return nil
	}}
	syn := action(planweave.SynthesisActionID, "a")
	syn.Kind = planweave.ActionKindSynthesis
	syn.Description = "{a}"
	a := action("a")
	plan := planweave.NewPlan("goal", []*planweave.Action{a, syn})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(runner, testConfig())
	_, err := s.Run(ctx, plan)
	if !planweave.IsCode(err, planweave.ErrCodeCancelled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if a.GetStatus() != planweave.ActionStatusAborted {
		t.Errorf("pending action should be marked aborted on cancellation, got %v", a.GetStatus())
	}
}

func TestRunAppendsSummariesWhenEnabled(t *testing.T) {
	runner := &mockRunner{executeFunc: func(ctx context.Context, plan *planweave.Plan, a *planweave.Action) error {
		complete(plan, a, "alpha")
		return nil
	}}
	syn := action(planweave.SynthesisActionID, "a")
	syn.Kind = planweave.ActionKindSynthesis
	syn.Description = "{a}"
	plan := planweave.NewPlan("goal", []*planweave.Action{action("a"), syn})

	cfg := testConfig()
	cfg.EnableActionSummaries = true
	s := New(runner, cfg)
	deliverable, err := s.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(deliverable, "<details>") {
		t.Error("expected collapsible action summaries in the deliverable")
	}
	if !strings.Contains(deliverable, "Execution") {
		t.Error("expected the execution report appended to the deliverable")
	}
}

func TestRunDoesNotRedispatchRetryingAction(t *testing.T) {
	var calls atomic.Int32
	runner := &mockRunner{executeFunc: func(ctx context.Context, plan *planweave.Plan, a *planweave.Action) error {
		if a.ID == "a" {
			calls.Add(1)
			// Re-arm for another attempt, then stay busy across several
			// poll intervals. The readiness scan must not hand the
			// action to a second goroutine meanwhile.
			a.Retry()
			if got := a.GetStatus(); got != planweave.ActionStatusInProgress {
				t.Errorf("status after Retry = %v, want in_progress", got)
			}
			time.Sleep(10 * time.Millisecond)
		}
		complete(plan, a, "x")
		return nil
	}}

	syn := action(planweave.SynthesisActionID, "a")
	syn.Kind = planweave.ActionKindSynthesis
	syn.Description = "{a}"
	plan := planweave.NewPlan("goal", []*planweave.Action{action("a"), syn})

	s := New(runner, testConfig())
	if _, err := s.Run(context.Background(), plan); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("action dispatched %d times, want 1", got)
	}
}

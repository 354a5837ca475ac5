package builder

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/planweave/planweave"
	"github.com/planweave/planweave/internal/cache"
)

type mockProvider struct {
	completeFunc func(ctx context.Context, req planweave.CompletionRequest) (*planweave.CompletionResponse, error)
	requests     []planweave.CompletionRequest
}

func (m *mockProvider) Complete(ctx context.Context, req planweave.CompletionRequest) (*planweave.CompletionResponse, error) {
	m.requests = append(m.requests, req)
	return m.completeFunc(ctx, req)
}

type mockRegistry struct {
	specs []planweave.ToolSpec
}

func (m *mockRegistry) Get(id string) (planweave.Tool, bool) { return nil, false }
func (m *mockRegistry) Specs(ids []string) []planweave.ToolSpec {
	return nil
}
func (m *mockRegistry) Catalog() []planweave.ToolSpec { return m.specs }

func validPlanJSON() string {
	return `{
		"goal": "write a story",
		"actions": [
			{"id": "outline", "kind": "text", "description": "Write an outline"},
			{"id": "chapter_1", "kind": "text", "description": "Write chapter 1", "dependencies": ["outline"], "model": "WRITER_MODEL"},
			{"id": "final_synthesis", "kind": "synthesis", "description": "Story: {chapter_1}", "dependencies": ["chapter_1"]}
		]
	}`
}

func testConfig() planweave.Config {
	cfg := planweave.DefaultConfig()
	cfg.PlanMaxRetries = 2
	cfg.EnableLightweightFlagging = false
	cfg.EnablePlanCache = false
	return cfg
}

func TestBuildValidPlan(t *testing.T) {
	provider := &mockProvider{completeFunc: func(ctx context.Context, req planweave.CompletionRequest) (*planweave.CompletionResponse, error) {
		return &planweave.CompletionResponse{Content: validPlanJSON()}, nil
	}}
	b := New(provider, &mockRegistry{}, testConfig())

	plan, err := b.Build(context.Background(), "write a story")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(plan.Actions) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(plan.Actions))
	}
	if plan.Actions[1].Role != planweave.RoleWriter {
		t.Errorf("declared WRITER_MODEL role not applied: %v", plan.Actions[1].Role)
	}
	if plan.Actions[0].Role != planweave.RoleWriter {
		t.Errorf("kind default role not applied for text action: %v", plan.Actions[0].Role)
	}
	if _, ok := plan.SynthesisAction(); !ok {
		t.Error("synthesis action missing from built plan")
	}
}

func TestBuildRetriesWithValidationFeedback(t *testing.T) {
	cyclic := `{
		"goal": "g",
		"actions": [
			{"id": "a", "kind": "text", "description": "A", "dependencies": ["b"]},
			{"id": "b", "kind": "text", "description": "B", "dependencies": ["a"]},
			{"id": "final_synthesis", "kind": "synthesis", "description": "{a}", "dependencies": ["a"]}
		]
	}`
	call := 0
	provider := &mockProvider{completeFunc: func(ctx context.Context, req planweave.CompletionRequest) (*planweave.CompletionResponse, error) {
		call++
		if call == 1 {
			return &planweave.CompletionResponse{Content: cyclic}, nil
		}
		return &planweave.CompletionResponse{Content: validPlanJSON()}, nil
	}}
	b := New(provider, &mockRegistry{}, testConfig())

	plan, err := b.Build(context.Background(), "g")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if plan == nil || call != 2 {
		t.Fatalf("expected a repaired plan on the second call, got %d calls", call)
	}

	// The rejection reason is in the conversation of the second request.
	secondReq := provider.requests[1]
	last := secondReq.Messages[len(secondReq.Messages)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "cycle") {
		t.Errorf("validation failure not fed back: %+v", last)
	}
}

func TestBuildExhaustsRetries(t *testing.T) {
	provider := &mockProvider{completeFunc: func(ctx context.Context, req planweave.CompletionRequest) (*planweave.CompletionResponse, error) {
		return &planweave.CompletionResponse{Content: `{"goal": "g", "actions": []}`}, nil
	}}
	b := New(provider, &mockRegistry{}, testConfig())

	_, err := b.Build(context.Background(), "g")
	if err == nil || !planweave.IsCode(err, planweave.ErrCodePlanInvalid) {
		t.Fatalf("expected plan-invalid error, got %v", err)
	}
	if len(provider.requests) != 3 {
		t.Errorf("expected PlanMaxRetries+1 attempts, got %d", len(provider.requests))
	}
}

func TestBuildAssignsMissingTools(t *testing.T) {
	withTool := `{
		"goal": "g",
		"actions": [
			{"id": "fetch", "kind": "tool", "description": "Search the web for news"},
			{"id": "final_synthesis", "kind": "synthesis", "description": "{fetch}", "dependencies": ["fetch"]}
		]
	}`
	provider := &mockProvider{completeFunc: func(ctx context.Context, req planweave.CompletionRequest) (*planweave.CompletionResponse, error) {
		if strings.Contains(req.Messages[len(req.Messages)-1].Content, "Select the tools") {
			return &planweave.CompletionResponse{Content: `{"tool_ids": ["search", "bogus"]}`}, nil
		}
		return &planweave.CompletionResponse{Content: withTool}, nil
	}}
	registry := &mockRegistry{specs: []planweave.ToolSpec{{Name: "search", Description: "web search"}}}
	b := New(provider, registry, testConfig())

	plan, err := b.Build(context.Background(), "g")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	fetch, _ := plan.GetAction("fetch")
	if len(fetch.ToolIDs) != 1 || fetch.ToolIDs[0] != "search" {
		t.Errorf("expected only known tools assigned, got %v", fetch.ToolIDs)
	}
}

func TestBuildEnhancesTemplateWithMissingDependencies(t *testing.T) {
	planJSON := `{
		"goal": "g",
		"actions": [
			{"id": "a", "kind": "text", "description": "A"},
			{"id": "b", "kind": "text", "description": "B"},
			{"id": "final_synthesis", "kind": "synthesis", "description": "Only: {a}", "dependencies": ["a", "b"]}
		]
	}`
	provider := &mockProvider{completeFunc: func(ctx context.Context, req planweave.CompletionRequest) (*planweave.CompletionResponse, error) {
		return &planweave.CompletionResponse{Content: planJSON}, nil
	}}
	b := New(provider, &mockRegistry{}, testConfig())

	plan, err := b.Build(context.Background(), "g")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	syn, _ := plan.SynthesisAction()
	if !strings.Contains(syn.Description, "{b}") {
		t.Errorf("unmentioned dependency not appended to template: %q", syn.Description)
	}
}

func TestBuildFlagsLightweightActions(t *testing.T) {
	planJSON := `{
		"goal": "g",
		"actions": [
			{"id": "a", "kind": "text", "description": "A"},
			{"id": "b", "kind": "text", "description": "B"},
			{"id": "organize", "kind": "tool", "description": "Organize the files into an archive", "dependencies": ["a", "b"], "tool_ids": ["save_file"]},
			{"id": "final_synthesis", "kind": "synthesis", "description": "{organize}", "dependencies": ["organize"]}
		]
	}`
	provider := &mockProvider{completeFunc: func(ctx context.Context, req planweave.CompletionRequest) (*planweave.CompletionResponse, error) {
		if strings.Contains(req.Messages[len(req.Messages)-1].Content, "Answer exactly YES or NO") {
			return &planweave.CompletionResponse{Content: "YES"}, nil
		}
		return &planweave.CompletionResponse{Content: planJSON}, nil
	}}
	cfg := testConfig()
	cfg.EnableLightweightFlagging = true
	b := New(provider, &mockRegistry{}, cfg)

	plan, err := b.Build(context.Background(), "g")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	organize, _ := plan.GetAction("organize")
	if !organize.UseLightweightContext {
		t.Error("heuristic candidate confirmed YES must be flagged")
	}
	a, _ := plan.GetAction("a")
	if a.UseLightweightContext {
		t.Error("non-candidate must not be flagged")
	}
}

func TestBuildUsesPlanCache(t *testing.T) {
	provider := &mockProvider{completeFunc: func(ctx context.Context, req planweave.CompletionRequest) (*planweave.CompletionResponse, error) {
		return &planweave.CompletionResponse{Content: validPlanJSON()}, nil
	}}
	c := cache.NewInMemoryCache(time.Minute, nil)
	defer c.Close()
	cfg := testConfig()
	cfg.EnablePlanCache = true
	b := New(provider, &mockRegistry{}, cfg, WithCache(c))

	first, err := b.Build(context.Background(), "write a story")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	modelCalls := len(provider.requests)

	second, err := b.Build(context.Background(), "write a story")
	if err != nil {
		t.Fatalf("cached Build failed: %v", err)
	}
	if len(provider.requests) != modelCalls {
		t.Error("cache hit must not call the model")
	}
	if first == second {
		t.Error("cache hit must produce a fresh plan instance")
	}
	if second.Actions[0].GetStatus() != planweave.ActionStatusPending {
		t.Errorf("cached plan must start pending, got %v", second.Actions[0].GetStatus())
	}

	var decoded []*planweave.Action
	encoded, _ := json.Marshal(first.Actions)
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("actions must round-trip for caching: %v", err)
	}
}

package synthesis

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/planweave/planweave"
)

func TestSynthesizeSubstitutesCompletedOutputs(t *testing.T) {
	s := New(nil)
	completed := map[string]*planweave.Output{
		"B": {PrimaryOutput: "y"},
	}

	result, warnings := s.Synthesize("Result: {B}", completed)

	if result != "Result: y" {
		t.Errorf("expected 'Result: y', got %q", result)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
}

func TestSynthesizePreservesLiteralProse(t *testing.T) {
	s := New(nil)
	completed := map[string]*planweave.Output{
		"intro": {PrimaryOutput: "Hello"},
		"body":  {PrimaryOutput: "World"},
	}

	template := "# Report\n\n{intro}\n\nSome authored prose.\n\n{body}\n"
	result, _ := s.Synthesize(template, completed)

	want := "# Report\n\nHello\n\nSome authored prose.\n\nWorld\n"
	if result != want {
		t.Errorf("template structure not byte-preserved:\n%q\nwant\n%q", result, want)
	}
}

func TestSynthesizeMissingPlaceholderLeftInPlace(t *testing.T) {
	s := New(nil)

	result, warnings := s.Synthesize("Output: {missing}", map[string]*planweave.Output{})

	if result != "Output: {missing}" {
		t.Errorf("missing placeholder should stay visible, got %q", result)
	}
	if len(warnings) != 1 {
		t.Errorf("expected one warning, got %v", warnings)
	}
}

func TestPlaceholders(t *testing.T) {
	ids := Placeholders("{a} then {b} then {a} again")
	if !reflect.DeepEqual(ids, []string{"a", "b"}) {
		t.Errorf("unexpected placeholder ids: %v", ids)
	}
}

func TestCleanNestedMarkdown(t *testing.T) {
	wrapped := "```markdown\n# Title\n\nBody\n```"
	if got := CleanNestedMarkdown(wrapped); got != "# Title\n\nBody" {
		t.Errorf("outer fence not stripped: %q", got)
	}

	plain := "# Title\n\n```go\ncode\n```"
	if got := CleanNestedMarkdown(plain); got != plain {
		t.Errorf("inner fences must not be touched: %q", got)
	}
}

func TestMermaidReflectsStatus(t *testing.T) {
	a := &planweave.Action{ID: "fetch", Kind: planweave.ActionKindTool, Description: "Fetch data"}
	b := &planweave.Action{ID: "final_synthesis", Kind: planweave.ActionKindSynthesis, Description: "{fetch}", Dependencies: []string{"fetch"}}
	plan := planweave.NewPlan("test goal", []*planweave.Action{a, b})
	a.UpdateStatus(planweave.ActionStatusCompleted, nil)

	diagram := Mermaid(plan)

	if !strings.Contains(diagram, "graph TD") {
		t.Error("expected a mermaid flowchart")
	}
	if !strings.Contains(diagram, "✅") {
		t.Error("completed action should carry its status marker")
	}
	if !strings.Contains(diagram, "fetch --> final_synthesis") {
		t.Errorf("expected dependency edge in diagram:\n%s", diagram)
	}
}

func TestMermaidHandlesMultiByteText(t *testing.T) {
	goal := strings.Repeat("日本語の長い目標テキスト", 10)
	a := &planweave.Action{ID: "write", Kind: planweave.ActionKindText, Description: strings.Repeat("第一章を書く、", 10)}
	plan := planweave.NewPlan(goal, []*planweave.Action{a})

	diagram := Mermaid(plan)

	if !utf8.ValidString(diagram) {
		t.Error("diagram contains invalid UTF-8 after shortening")
	}
	if !strings.Contains(diagram, "...") {
		t.Errorf("long goal and description should be shortened:\n%s", diagram)
	}
}

func TestExecutionReportListsFailures(t *testing.T) {
	a := &planweave.Action{ID: "a"}
	b := &planweave.Action{ID: "b", Dependencies: []string{"a"}}
	plan := planweave.NewPlan("goal", []*planweave.Action{a, b})
	a.UpdateStatus(planweave.ActionStatusFailed, planweave.NewActionExecutionError("a", nil))

	report := ExecutionReport(plan)

	if !strings.Contains(report, "1 failed") {
		t.Errorf("expected failed count in report:\n%s", report)
	}
	if !strings.Contains(report, "1 blocked") {
		t.Errorf("expected blocked count in report:\n%s", report)
	}
	if !strings.Contains(report, "a:") {
		t.Errorf("failed action must be listed:\n%s", report)
	}
}

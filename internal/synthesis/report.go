package synthesis

import (
	"fmt"
	"strings"
	"time"

	"github.com/planweave/planweave"
	"github.com/planweave/planweave/internal/resolver"
)

// CleanNestedMarkdown strips a redundant outer code fence a model sometimes
// wraps around an already-markdown deliverable.
func CleanNestedMarkdown(s string) string {
	trimmed := strings.TrimSpace(s)
	for _, fence := range []string{"```markdown", "```md"} {
		if strings.HasPrefix(trimmed, fence) && strings.HasSuffix(trimmed, "```") {
			inner := strings.TrimPrefix(trimmed, fence)
			inner = strings.TrimSuffix(inner, "```")
			return strings.TrimSpace(inner)
		}
	}
	return s
}

// ActionSummary renders one terminal action as a collapsible summary block.
func ActionSummary(a *planweave.Action) string {
	status := a.GetStatus()
	var b strings.Builder
	b.WriteString("<details>\n")
	b.WriteString(fmt.Sprintf("<summary>%s %s (%s, %s)</summary>\n\n", statusMarker(status), a.ID, status, a.Duration().Round(10*time.Millisecond)))

	if out := a.GetOutput(); out != nil && out.PrimaryOutput != "" {
		preview := resolver.Clip(out.PrimaryOutput, 500)
		b.WriteString(preview)
		b.WriteString("\n")
	} else if a.Error != nil {
		b.WriteString(fmt.Sprintf("Error: %v\n", a.Error))
	}
	b.WriteString("\n</details>")
	return b.String()
}

// ExecutionReport renders the final run summary appended after the
// deliverable. Every failed or aborted action appears here; nothing fails
// silently.
func ExecutionReport(plan *planweave.Plan) string {
	s := plan.Summary()
	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString(fmt.Sprintf("**Execution summary**: %d/%d completed", s.Completed+s.Warnings, s.Total))
	if s.Warnings > 0 {
		b.WriteString(fmt.Sprintf(", %d with warnings", s.Warnings))
	}
	if s.Failed > 0 {
		b.WriteString(fmt.Sprintf(", %d failed", s.Failed))
	}
	if s.Aborted > 0 {
		b.WriteString(fmt.Sprintf(", %d aborted", s.Aborted))
	}
	if s.Blocked > 0 {
		b.WriteString(fmt.Sprintf(", %d blocked", s.Blocked))
	}
	b.WriteString(fmt.Sprintf(" in %s\n", s.Duration.Round(10*time.Millisecond)))

	for _, a := range plan.Actions {
		switch a.GetStatus() {
		case planweave.ActionStatusFailed, planweave.ActionStatusAborted:
			reason := "no usable output"
			if a.Error != nil {
				reason = a.Error.Error()
			}
			b.WriteString(fmt.Sprintf("- %s %s: %s\n", statusMarker(a.GetStatus()), a.ID, reason))
		}
	}
	return b.String()
}

package synthesis

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/planweave/planweave"
	"github.com/planweave/planweave/internal/resolver"
)

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

func sanitizeID(id string) string {
	return unsafeIDChars.ReplaceAllString(id, "_")
}

func statusMarker(status planweave.ActionStatus) string {
	switch status {
	case planweave.ActionStatusCompleted:
		return "✅"
	case planweave.ActionStatusWarning:
		return "⚠️"
	case planweave.ActionStatusFailed:
		return "❌"
	case planweave.ActionStatusAborted:
		return "🛑"
	case planweave.ActionStatusInProgress:
		return "⚙️"
	default:
		return "⏳"
	}
}

func nodeLabel(a *planweave.Action) string {
	desc := a.Description
	if a.ID == planweave.SynthesisActionID {
		desc = "Assemble final deliverable"
	}
	desc = resolver.Clip(desc, 40)
	desc = strings.NewReplacer(`"`, "'", "\n", " ").Replace(desc)
	return fmt.Sprintf("%s %s", statusMarker(a.GetStatus()), desc)
}

// Mermaid renders the plan as a top-down flowchart snapshot of current
// execution state, suitable for a live progress diagram.
func Mermaid(plan *planweave.Plan) string {
	var b strings.Builder
	b.WriteString("graph TD\n")

	goal := resolver.Clip(plan.Goal, 60)
	goal = strings.NewReplacer(`"`, "'", "\n", " ").Replace(goal)
	b.WriteString(fmt.Sprintf("    goal[\"🎯 %s\"]\n", goal))

	for _, a := range plan.Actions {
		b.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", sanitizeID(a.ID), nodeLabel(a)))
	}
	for _, a := range plan.Actions {
		if len(a.Dependencies) == 0 {
			b.WriteString(fmt.Sprintf("    goal --> %s\n", sanitizeID(a.ID)))
			continue
		}
		for _, dep := range a.Dependencies {
			b.WriteString(fmt.Sprintf("    %s --> %s\n", sanitizeID(dep), sanitizeID(a.ID)))
		}
	}
	return "```mermaid\n" + b.String() + "```"
}

package builder

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/planweave/planweave"
	"github.com/planweave/planweave/internal/synthesis"
)

var (
	idPattern     = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	nestedPattern = regexp.MustCompile(`\{[A-Za-z0-9_-]+\.[^}]*\}`)
)

// Validate enforces the structural invariants a plan must satisfy before
// it may reach the scheduler. Model-generated plans are unreliable, so
// this is a hard gate: any violation rejects the whole plan.
func Validate(actions []*planweave.Action) error {
	if len(actions) == 0 {
		return fmt.Errorf("plan has no actions")
	}

	byID := make(map[string]*planweave.Action, len(actions))
	for _, a := range actions {
		if a.ID == "" {
			return fmt.Errorf("action with empty id")
		}
		if !idPattern.MatchString(a.ID) {
			return fmt.Errorf("action id %q contains invalid characters", a.ID)
		}
		if _, dup := byID[a.ID]; dup {
			return fmt.Errorf("duplicate action id %q", a.ID)
		}
		byID[a.ID] = a
	}

	syn, ok := byID[planweave.SynthesisActionID]
	if !ok {
		return fmt.Errorf("plan is missing the %s action", planweave.SynthesisActionID)
	}
	if actions[len(actions)-1].ID != planweave.SynthesisActionID {
		return fmt.Errorf("%s must be the last action in the plan", planweave.SynthesisActionID)
	}

	for _, a := range actions {
		for _, dep := range a.Dependencies {
			if dep == a.ID {
				return fmt.Errorf("action %q depends on itself", a.ID)
			}
			if _, exists := byID[dep]; !exists {
				return fmt.Errorf("action %q depends on unknown action %q", a.ID, dep)
			}
			if dep == planweave.SynthesisActionID {
				return fmt.Errorf("action %q depends on %s; nothing may depend on it", a.ID, planweave.SynthesisActionID)
			}
		}
	}

	if err := checkAcyclic(actions, byID); err != nil {
		return err
	}
	return validateTemplate(syn, byID)
}

// checkAcyclic runs a depth-first search over the dependency edges.
func checkAcyclic(actions []*planweave.Action, byID map[string]*planweave.Action) error {
	visited := make(map[string]bool, len(actions))
	inStack := make(map[string]bool, len(actions))

	var visit func(id string) error
	visit = func(id string) error {
		visited[id] = true
		inStack[id] = true
		for _, dep := range byID[id].Dependencies {
			if inStack[dep] {
				return fmt.Errorf("dependency cycle involving %q and %q", id, dep)
			}
			if !visited[dep] {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		inStack[id] = false
		return nil
	}

	for _, a := range actions {
		if !visited[a.ID] {
			if err := visit(a.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateTemplate checks the synthesis template: placeholder closure, no
// nested placeholders, and no embedded code.
func validateTemplate(syn *planweave.Action, byID map[string]*planweave.Action) error {
	template := syn.Description
	if strings.TrimSpace(template) == "" {
		return fmt.Errorf("%s has an empty template", planweave.SynthesisActionID)
	}
	if m := nestedPattern.FindString(template); m != "" {
		return fmt.Errorf("template contains nested placeholder %q; only whole-action placeholders like {action_id} are allowed", m)
	}
	if strings.Contains(template, "```") || strings.Contains(strings.ToLower(template), "<script") {
		return fmt.Errorf("template must be plain text, not code")
	}
	for _, id := range synthesis.Placeholders(template) {
		if id == planweave.SynthesisActionID {
			return fmt.Errorf("template must not reference %s itself", planweave.SynthesisActionID)
		}
		if _, exists := byID[id]; !exists {
			return fmt.Errorf("template placeholder {%s} does not match any action", id)
		}
	}
	return nil
}

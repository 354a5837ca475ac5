// Package synthesis assembles the final deliverable from a synthesis
// template and renders user-facing progress artifacts.
package synthesis

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/planweave/planweave"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_-]+)\}`)

// Synthesizer performs pure template substitution. It never invokes a
// model; the template's authored structure is byte-preserved outside of
// placeholder spans.
type Synthesizer struct {
	logger planweave.Logger
}

func New(logger planweave.Logger) *Synthesizer {
	if logger == nil {
		logger = planweave.NopLogger{}
	}
	return &Synthesizer{logger: logger}
}

// Synthesize substitutes each {action_id} placeholder with that action's
// primary output. Placeholders for missing or unsatisfied actions are left
// in place and reported as warnings.
func (s *Synthesizer) Synthesize(template string, completed map[string]*planweave.Output) (string, []string) {
	var warnings []string
	result := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		id := strings.Trim(match, "{}")
		if out, ok := completed[id]; ok && out != nil {
			return out.PrimaryOutput
		}
		warnings = append(warnings, fmt.Sprintf("no completed output for placeholder {%s}", id))
		return match
	})

	for _, w := range warnings {
		s.logger.Warn("synthesis placeholder unresolved", map[string]interface{}{"warning": w})
	}
	return result, warnings
}

// Placeholders returns the distinct action ids referenced by a template,
// in first-appearance order.
func Placeholders(template string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			ids = append(ids, m[1])
		}
	}
	return ids
}

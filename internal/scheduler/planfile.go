package scheduler

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/planweave/planweave"
	"github.com/planweave/planweave/internal/builder"
)

// PlanFile is a hand-authored plan definition. It offers the same DAG the
// builder would generate from a goal, without a model call, which makes
// repeatable pipelines and fixtures possible.
type PlanFile struct {
	Goal    string           `yaml:"goal"`
	Actions []PlanFileAction `yaml:"actions"`
}

// PlanFileAction mirrors the action fields a plan author controls.
type PlanFileAction struct {
	ID           string                 `yaml:"id"`
	Kind         string                 `yaml:"kind"`
	Description  string                 `yaml:"description"`
	Params       map[string]interface{} `yaml:"params"`
	Dependencies []string               `yaml:"dependencies"`
	ToolIDs      []string               `yaml:"tool_ids"`
	Lightweight  bool                   `yaml:"use_lightweight_context"`
	Model        string                 `yaml:"model"`
}

// PlanFileLoader loads a PlanFile from a source path.
type PlanFileLoader interface {
	Load(source string) (*PlanFile, error)
	Format() string
}

// YAMLLoader implements PlanFileLoader for YAML files.
type YAMLLoader struct{}

func (YAMLLoader) Format() string { return "yaml" }

func (YAMLLoader) Load(path string) (*PlanFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, planweave.NewConfigurationError(fmt.Sprintf("failed to open plan file %s", path), err)
	}
	defer f.Close()

	var pf PlanFile
	if err := yaml.NewDecoder(f).Decode(&pf); err != nil {
		return nil, planweave.NewConfigurationError(fmt.Sprintf("failed to parse plan file %s", path), err)
	}
	return &pf, nil
}

// ToPlan converts the file into an executable plan, applying the same
// structural validation the builder applies to generated plans.
func (pf *PlanFile) ToPlan() (*planweave.Plan, error) {
	actions := make([]*planweave.Action, 0, len(pf.Actions))
	for _, fa := range pf.Actions {
		actions = append(actions, &planweave.Action{
			ID:                    fa.ID,
			Kind:                  planweave.ActionKind(fa.Kind),
			Description:           fa.Description,
			Params:                fa.Params,
			Dependencies:          fa.Dependencies,
			ToolIDs:               fa.ToolIDs,
			UseLightweightContext: fa.Lightweight,
			ModelRole:             fa.Model,
		})
	}
	if err := builder.Validate(actions); err != nil {
		return nil, err
	}
	builder.AssignRoles(actions)
	return planweave.NewPlan(pf.Goal, actions), nil
}

// LoadPlanFile loads, validates, and converts a YAML plan file.
func LoadPlanFile(path string) (*planweave.Plan, error) {
	pf, err := YAMLLoader{}.Load(path)
	if err != nil {
		return nil, err
	}
	return pf.ToPlan()
}

package planweave

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelConfig names the concrete model and sampling temperature for one
// execution role.
type ModelConfig struct {
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

// Config holds the configuration options for the plan engine.
type Config struct {
	// Models per role. The planner model generates decompositions, the
	// judge model evaluates outputs, the rest execute actions by role.
	PlannerModel ModelConfig `yaml:"planner_model"`
	JudgeModel   ModelConfig `yaml:"judge_model"`
	ActionModel  ModelConfig `yaml:"action_model"`
	WriterModel  ModelConfig `yaml:"writer_model"`
	CoderModel   ModelConfig `yaml:"coder_model"`

	// Retry budgets.
	MaxRetries     int `yaml:"max_retries"`      // per-action attempts beyond the first
	PlanMaxRetries int `yaml:"plan_max_retries"` // plan generation attempts beyond the first

	// Scheduling.
	MaxConcurrentActions int           `yaml:"max_concurrent_actions"`
	PollInterval         time.Duration `yaml:"poll_interval"`

	// Human escalation.
	UserResponseTimeout time.Duration `yaml:"user_response_timeout"`

	// Display truncation for oversized tool results under lightweight
	// context. Results longer than the limit are shown head+tail.
	ToolResultDisplayLimit int `yaml:"tool_result_display_limit"`

	// Feature toggles.
	EnableLightweightFlagging    bool `yaml:"enable_lightweight_flagging"`
	EnableRequirementEnhancement bool `yaml:"enable_requirement_enhancement"`
	EnableActionSummaries        bool `yaml:"enable_action_summaries"`
	EnablePlanCache              bool `yaml:"enable_plan_cache"`

	// Event bus configuration.
	EnableEventBus      bool `yaml:"enable_event_bus"`
	EventBusBufferSize  int  `yaml:"event_bus_buffer_size"`
	EventBusWorkerCount int  `yaml:"event_bus_worker_count"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PlannerModel:                 ModelConfig{Model: "gpt-4o", Temperature: 0.6},
		JudgeModel:                   ModelConfig{Model: "gpt-4o", Temperature: 0.1},
		ActionModel:                  ModelConfig{Model: "gpt-4o", Temperature: 0.4},
		WriterModel:                  ModelConfig{Model: "gpt-4o", Temperature: 0.7},
		CoderModel:                   ModelConfig{Model: "gpt-4o", Temperature: 0.2},
		MaxRetries:                   3,
		PlanMaxRetries:               3,
		MaxConcurrentActions:         2,
		PollInterval:                 100 * time.Millisecond,
		UserResponseTimeout:          2 * time.Minute,
		ToolResultDisplayLimit:       200,
		EnableLightweightFlagging:    true,
		EnableRequirementEnhancement: false,
		EnableActionSummaries:        true,
		EnablePlanCache:              true,
		EnableEventBus:               true,
		EventBusBufferSize:           100,
		EventBusWorkerCount:          5,
	}
}

// ModelForRole returns the concrete model configuration for an action role.
// Total over the role enum.
func (c Config) ModelForRole(role ActionRole) ModelConfig {
	switch role {
	case RoleWriter:
		return c.WriterModel
	case RoleCoder:
		return c.CoderModel
	default:
		return c.ActionModel
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	if c.MaxConcurrentActions < 1 {
		return NewConfigurationError("max_concurrent_actions must be at least 1", nil)
	}
	if c.MaxRetries < 0 || c.PlanMaxRetries < 0 {
		return NewConfigurationError("retry budgets cannot be negative", nil)
	}
	if c.PollInterval <= 0 {
		return NewConfigurationError("poll_interval must be positive", nil)
	}
	if c.ToolResultDisplayLimit < 0 {
		return NewConfigurationError("tool_result_display_limit cannot be negative", nil)
	}
	return nil
}

// LoadConfig reads a YAML configuration file, applying defaults for any
// omitted field.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, NewConfigurationError(fmt.Sprintf("failed to read config file %s", path), err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, NewConfigurationError(fmt.Sprintf("failed to parse config file %s", path), err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

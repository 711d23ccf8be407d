// Package workflow provides the execution core: YAML definitions, the DAG
// planner, template resolution, and the step and workflow executors.
package workflow

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/gizmax/sandcastle/pkg/autopilot"
	"github.com/gizmax/sandcastle/pkg/optimizer"
	"github.com/gizmax/sandcastle/pkg/policy"
)

// Step types.
const (
	StepTypeStandard    = "standard"
	StepTypeApproval    = "approval"
	StepTypeSubWorkflow = "sub_workflow"
)

// RetryConfig controls per-step retry behavior.
type RetryConfig struct {
	// MaxAttempts bounds the retry loop (default 3).
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// Backoff is "exponential" or "fixed".
	Backoff string `yaml:"backoff" json:"backoff"`

	// OnFailure is "abort", "skip", or "fallback".
	OnFailure string `yaml:"on_failure" json:"on_failure"`
}

// FallbackConfig is the step's last-resort prompt and model.
type FallbackConfig struct {
	Prompt string `yaml:"prompt" json:"prompt"`
	Model  string `yaml:"model" json:"model"`
}

// CompletionConfig is what happens after a successful run.
type CompletionConfig struct {
	Webhook     string `yaml:"webhook,omitempty" json:"webhook,omitempty"`
	StoragePath string `yaml:"storage_path,omitempty" json:"storage_path,omitempty"`
}

// FailureConfig is what happens after a failed run.
type FailureConfig struct {
	DeadLetter bool   `yaml:"dead_letter,omitempty" json:"dead_letter,omitempty"`
	Webhook    string `yaml:"webhook,omitempty" json:"webhook,omitempty"`
}

// ApprovalConfig configures a human-approval gate.
type ApprovalConfig struct {
	Message      string  `yaml:"message" json:"message"`
	ShowData     string  `yaml:"show_data,omitempty" json:"show_data,omitempty"`
	TimeoutHours float64 `yaml:"timeout_hours,omitempty" json:"timeout_hours,omitempty"`
	OnTimeout    string  `yaml:"on_timeout,omitempty" json:"on_timeout,omitempty"`
	AllowEdit    bool    `yaml:"allow_edit,omitempty" json:"allow_edit,omitempty"`
}

// SubWorkflowConfig configures child-workflow recursion.
type SubWorkflowConfig struct {
	Workflow      string            `yaml:"workflow" json:"workflow"`
	InputMapping  map[string]string `yaml:"input_mapping,omitempty" json:"input_mapping,omitempty"`
	OutputMapping map[string]string `yaml:"output_mapping,omitempty" json:"output_mapping,omitempty"`
	MaxConcurrent int               `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty"`
	Timeout       int               `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// CSVOutputConfig writes a step's list/map output to a CSV file.
type CSVOutputConfig struct {
	Directory string `yaml:"directory" json:"directory"`

	// Mode is "new_file" or "append".
	Mode     string `yaml:"mode" json:"mode"`
	Filename string `yaml:"filename,omitempty" json:"filename,omitempty"`
}

// ModelPool is a step's optimizer pool: an explicit option list or "auto".
type ModelPool struct {
	Auto    bool
	Options []optimizer.ModelOption
}

// UnmarshalYAML accepts the string "auto" or a list of options.
func (p *ModelPool) UnmarshalYAML(unmarshal func(any) error) error {
	var auto string
	if err := unmarshal(&auto); err == nil {
		if auto != "auto" {
			return fmt.Errorf("model_pool must be a list or %q, got %q", "auto", auto)
		}
		p.Auto = true
		return nil
	}
	return unmarshal(&p.Options)
}

// Resolve returns the concrete option list.
func (p *ModelPool) Resolve() []optimizer.ModelOption {
	if p.Auto || len(p.Options) == 0 {
		return optimizer.DefaultPool()
	}
	return p.Options
}

// Step is one executable unit of a workflow.
type Step struct {
	ID           string             `yaml:"id" json:"id"`
	Prompt       string             `yaml:"prompt" json:"prompt"`
	DependsOn    []string           `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Model        string             `yaml:"model,omitempty" json:"model,omitempty"`
	MaxTurns     int                `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`
	Timeout      int                `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	ParallelOver string             `yaml:"parallel_over,omitempty" json:"parallel_over,omitempty"`
	OutputSchema map[string]any     `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
	Retry        *RetryConfig       `yaml:"retry,omitempty" json:"retry,omitempty"`
	Fallback     *FallbackConfig    `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	Type         string             `yaml:"type,omitempty" json:"type,omitempty"`
	Approval     *ApprovalConfig    `yaml:"approval_config,omitempty" json:"approval_config,omitempty"`
	SubWorkflow  *SubWorkflowConfig `yaml:"sub_workflow,omitempty" json:"sub_workflow,omitempty"`
	AutoPilot    *autopilot.Config  `yaml:"autopilot,omitempty" json:"autopilot,omitempty"`
	SLO          *optimizer.SLO     `yaml:"slo,omitempty" json:"slo,omitempty"`
	ModelPool    *ModelPool         `yaml:"model_pool,omitempty" json:"model_pool,omitempty"`

	// Policies: nil means all global policies apply; an empty list means
	// none; otherwise id references mixed with inline definitions.
	Policies []policy.StepPolicyRef `yaml:"policies,omitempty" json:"policies,omitempty"`

	CSVOutput *CSVOutputConfig `yaml:"csv_output,omitempty" json:"csv_output,omitempty"`

	// NoCache opts the step out of the step-result cache.
	NoCache bool `yaml:"no_cache,omitempty" json:"no_cache,omitempty"`
}

// EffectiveRetry returns the step's retry config with defaults applied.
// A step without a retry block runs exactly once; declaring one defaults
// to three attempts.
func (s *Step) EffectiveRetry() RetryConfig {
	r := RetryConfig{MaxAttempts: 1, Backoff: "exponential", OnFailure: "abort"}
	if s.Retry != nil {
		r.MaxAttempts = 3
		if s.Retry.MaxAttempts > 0 {
			r.MaxAttempts = s.Retry.MaxAttempts
		}
		if s.Retry.Backoff != "" {
			r.Backoff = s.Retry.Backoff
		}
		if s.Retry.OnFailure != "" {
			r.OnFailure = s.Retry.OnFailure
		}
	}
	return r
}

// Definition is a full workflow parsed from YAML.
type Definition struct {
	Name            string              `yaml:"name" json:"name"`
	Description     string              `yaml:"description,omitempty" json:"description,omitempty"`
	SandstormURL    string              `yaml:"sandstorm_url,omitempty" json:"sandstorm_url,omitempty"`
	DefaultModel    string              `yaml:"default_model,omitempty" json:"default_model,omitempty"`
	DefaultMaxTurns int                 `yaml:"default_max_turns,omitempty" json:"default_max_turns,omitempty"`
	DefaultTimeout  int                 `yaml:"default_timeout,omitempty" json:"default_timeout,omitempty"`
	Steps           []Step              `yaml:"steps" json:"steps"`
	OnComplete      *CompletionConfig   `yaml:"on_complete,omitempty" json:"on_complete,omitempty"`
	OnFailure       *FailureConfig      `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
	Schedule        string              `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Policies        []policy.Definition `yaml:"policies,omitempty" json:"policies,omitempty"`
	InputSchema     map[string]any      `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	MaxConcurrency  int                 `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
}

// GetStep returns a step by id.
func (d *Definition) GetStep(stepID string) (*Step, error) {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return &d.Steps[i], nil
		}
	}
	return nil, fmt.Errorf("step %q not found in workflow %q", stepID, d.Name)
}

// envPattern matches ${NAME} environment references in string scalars.
var envPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// interpolateEnv replaces ${NAME} with the environment value. Unset
// variables are left verbatim.
func interpolateEnv(content []byte) []byte {
	return envPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		if value, ok := os.LookupEnv(string(name)); ok {
			return []byte(value)
		}
		return match
	})
}

// Parse parses a workflow definition from YAML, interpolating ${NAME}
// environment references and applying workflow-level defaults to steps.
func Parse(content []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(interpolateEnv(content), &def); err != nil {
		return nil, fmt.Errorf("parsing workflow YAML: %w", err)
	}
	def.applyDefaults()
	return &def, nil
}

// ParseFile parses a workflow definition from a YAML file.
func ParseFile(path string) (*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

func (d *Definition) applyDefaults() {
	if d.SandstormURL == "" {
		d.SandstormURL = "http://localhost:8000"
	}
	if d.DefaultModel == "" {
		d.DefaultModel = "sonnet"
	}
	if d.DefaultMaxTurns == 0 {
		d.DefaultMaxTurns = 10
	}
	if d.DefaultTimeout == 0 {
		d.DefaultTimeout = 300
	}
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Model == "" {
			step.Model = d.DefaultModel
		}
		if step.MaxTurns == 0 {
			step.MaxTurns = d.DefaultMaxTurns
		}
		if step.Timeout == 0 {
			step.Timeout = d.DefaultTimeout
		}
		if step.Type == "" {
			step.Type = StepTypeStandard
		}
		if step.Approval != nil {
			if step.Approval.OnTimeout == "" {
				step.Approval.OnTimeout = "abort"
			}
			if step.Approval.TimeoutHours == 0 {
				step.Approval.TimeoutHours = 24
			}
		}
	}
}

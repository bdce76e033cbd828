package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkflowDocument is the serializable workflow format, accepted as YAML or JSON.
type WorkflowDocument struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Version     string            `json:"version,omitempty" yaml:"version,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs      []InputDefinition `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Constants   map[string]any    `json:"constants,omitempty" yaml:"constants,omitempty"`
	Config      WorkflowConfig    `json:"config,omitempty" yaml:"config,omitempty"`
	Steps       []StepDefinition  `json:"steps" yaml:"steps"`
}

// InputDefinition declares a typed workflow input.
type InputDefinition struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"` // string | number | integer | boolean | array | object
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// WorkflowConfig holds workflow-wide execution settings.
type WorkflowConfig struct {
	Timeout     Duration        `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RetryPolicy *RetryPolicy    `json:"retryPolicy,omitempty" yaml:"retryPolicy,omitempty"`
	Execution   ExecutionConfig `json:"execution,omitempty" yaml:"execution,omitempty"`
	Evidence    EvidenceConfig  `json:"evidence,omitempty" yaml:"evidence,omitempty"`
}

// ExecutionConfig controls error absorption and parallelism.
type ExecutionConfig struct {
	Mode             string `json:"mode,omitempty" yaml:"mode,omitempty"` // sequential | parallel
	MaxParallel      int    `json:"maxParallel,omitempty" yaml:"maxParallel,omitempty"`
	ContinueOnError  bool   `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`
	FailOnTruncation bool   `json:"failOnTruncation,omitempty" yaml:"failOnTruncation,omitempty"`
}

// EvidenceConfig enables evidence capture after successful steps.
type EvidenceConfig struct {
	Enabled   bool       `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	StepTypes []StepType `json:"stepTypes,omitempty" yaml:"stepTypes,omitempty"`
}

// StepDefinition describes a single node of the step tree.
type StepDefinition struct {
	ID              string            `json:"id" yaml:"id"`
	Type            StepType          `json:"type" yaml:"type"`
	Name            string            `json:"name,omitempty" yaml:"name,omitempty"`
	Params          map[string]any    `json:"params,omitempty" yaml:"params,omitempty"`
	Timeout         Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries         *int              `json:"retries,omitempty" yaml:"retries,omitempty"`
	RetryPolicy     *RetryPolicy      `json:"retryPolicy,omitempty" yaml:"retryPolicy,omitempty"`
	Condition       string            `json:"condition,omitempty" yaml:"condition,omitempty"` // CEL guard; the branch test for conditional steps
	ContinueOnError *bool             `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`
	Outputs         map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"` // variable -> jq over step outputs
	OutputVar       string            `json:"outputVar,omitempty" yaml:"outputVar,omitempty"`
	OnSuccess       []StepDefinition  `json:"onSuccess,omitempty" yaml:"onSuccess,omitempty"`
	OnError         []StepDefinition  `json:"onError,omitempty" yaml:"onError,omitempty"`

	// sequence, loop and parallel bodies.
	Steps []StepDefinition `json:"steps,omitempty" yaml:"steps,omitempty"`

	// conditional
	Then []StepDefinition `json:"then,omitempty" yaml:"then,omitempty"`
	Else []StepDefinition `json:"else,omitempty" yaml:"else,omitempty"`

	// loop
	Items         any    `json:"items,omitempty" yaml:"items,omitempty"`
	ItemVar       string `json:"itemVar,omitempty" yaml:"itemVar,omitempty"`
	IndexVar      string `json:"indexVar,omitempty" yaml:"indexVar,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty" yaml:"maxIterations,omitempty"`

	// parallel
	MaxConcurrency int `json:"maxConcurrency,omitempty" yaml:"maxConcurrency,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeSequence    StepType = "sequence"
	StepTypeNavigate    StepType = "navigate"
	StepTypeClick       StepType = "click"
	StepTypeFill        StepType = "fill"
	StepTypeExtract     StepType = "extract"
	StepTypeDetect      StepType = "detect"
	StepTypeWait        StepType = "wait"
	StepTypeScreenshot  StepType = "screenshot"
	StepTypeConditional StepType = "conditional"
	StepTypeLoop        StepType = "loop"
	StepTypeParallel    StepType = "parallel"
	StepTypeScript      StepType = "script"
	StepTypeVerify      StepType = "verify"
	StepTypeIngest      StepType = "ingest"
)

// AllStepTypes lists every step type in declaration order.
var AllStepTypes = []StepType{
	StepTypeSequence, StepTypeNavigate, StepTypeClick, StepTypeFill, StepTypeExtract,
	StepTypeDetect, StepTypeWait, StepTypeScreenshot, StepTypeConditional, StepTypeLoop,
	StepTypeParallel, StepTypeScript, StepTypeVerify, StepTypeIngest,
}

// IsControl reports whether the step type only arranges other steps.
func (t StepType) IsControl() bool {
	switch t {
	case StepTypeSequence, StepTypeConditional, StepTypeLoop, StepTypeParallel:
		return true
	}
	return false
}

// Backoff strategies.
const (
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy configures retry behavior for a step or a whole workflow.
type RetryPolicy struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	MaxRetries int      `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	BaseDelay  Duration `json:"baseDelay,omitempty" yaml:"baseDelay,omitempty"`
	Backoff    string   `json:"backoff,omitempty" yaml:"backoff,omitempty"` // linear | exponential (default: exponential)
	MaxDelay   Duration `json:"maxDelay,omitempty" yaml:"maxDelay,omitempty"`
}

// Duration accepts either a number of milliseconds or a Go duration string.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func parseDuration(raw any) (Duration, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case float64:
		return Duration(time.Duration(v * float64(time.Millisecond))), nil
	case int:
		return Duration(time.Duration(v) * time.Millisecond), nil
	case string:
		if v == "" {
			return 0, nil
		}
		if ms, err := strconv.ParseFloat(v, 64); err == nil {
			return Duration(time.Duration(ms * float64(time.Millisecond))), nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", v, err)
		}
		return Duration(parsed), nil
	default:
		return 0, fmt.Errorf("invalid duration value %v", raw)
	}
}

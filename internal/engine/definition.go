package engine

import (
	"sort"
	"time"

	"github.com/rendis/houndflow/pkg/schema"
)

// DefaultMaxIterations bounds loops that declare no maxIterations.
const DefaultMaxIterations = 1000

// WorkflowDefinition is a loaded, immutable workflow ready to run.
type WorkflowDefinition struct {
	ID               string
	Name             string
	Version          string
	Inputs           []schema.InputDefinition
	Constants        []schema.Variable
	Retry            schema.RetryPolicy
	Timeout          time.Duration
	ContinueOnError  bool
	FailOnTruncation bool
	MaxParallel      int
	Evidence         schema.EvidenceConfig
	Plan             *Plan
	Document         *schema.WorkflowDocument
}

// NewDefinition compiles a document into a definition. Documents are expected
// to have passed validation; structural problems found here still surface as
// VALIDATION_ERROR.
func NewDefinition(doc *schema.WorkflowDocument) (*WorkflowDefinition, error) {
	if doc == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow document is nil")
	}
	if doc.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	if len(doc.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	var retry schema.RetryPolicy
	if doc.Config.RetryPolicy != nil {
		retry = *doc.Config.RetryPolicy
	}

	plan, err := BuildPlan(doc.Steps, retry)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(doc.Constants))
	for name := range doc.Constants {
		names = append(names, name)
	}
	sort.Strings(names)
	constants := make([]schema.Variable, 0, len(names))
	for _, name := range names {
		constants = append(constants, schema.Variable{Name: name, Value: copyValue(doc.Constants[name])})
	}

	exec := doc.Config.Execution
	maxParallel := exec.MaxParallel
	if exec.Mode == "sequential" {
		maxParallel = 1
	}

	return &WorkflowDefinition{
		ID:               doc.ID,
		Name:             doc.Name,
		Version:          doc.Version,
		Inputs:           doc.Inputs,
		Constants:        constants,
		Retry:            retry,
		Timeout:          doc.Config.Timeout.Std(),
		ContinueOnError:  exec.ContinueOnError,
		FailOnTruncation: exec.FailOnTruncation,
		MaxParallel:      maxParallel,
		Evidence:         doc.Config.Evidence,
		Plan:             plan,
		Document:         doc,
	}, nil
}

// continueOnError resolves the effective absorption flag of a node.
func (d *WorkflowDefinition) continueOnError(n *Node) bool {
	if n.Def.ContinueOnError != nil {
		return *n.Def.ContinueOnError
	}
	return d.ContinueOnError
}

// captures reports whether evidence is captured after the step type succeeds.
func (d *WorkflowDefinition) captures(t schema.StepType) bool {
	if !d.Evidence.Enabled || t.IsControl() {
		return false
	}
	if len(d.Evidence.StepTypes) == 0 {
		return true
	}
	for _, st := range d.Evidence.StepTypes {
		if st == t {
			return true
		}
	}
	return false
}

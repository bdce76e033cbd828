package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rendis/houndflow/pkg/schema"
)

var reservedIDs = map[string]bool{
	"then":       true,
	"else":       true,
	"on_success": true,
	"on_error":   true,
}

var iterationID = regexp.MustCompile(`^iter_\d+$`)

// requiredParams lists, per primitive step type, the param keys of which at
// least one must be present.
var requiredParams = map[schema.StepType][]string{
	schema.StepTypeNavigate: {"url"},
	schema.StepTypeClick:    {"selector"},
	schema.StepTypeFill:     {"selector", "fields"},
	schema.StepTypeWait:     {"duration", "selector"},
	schema.StepTypeScript:   {"expression", "script"},
	schema.StepTypeVerify:   {"schema", "assert", "expected"},
	schema.StepTypeIngest:   {"dataset"},
}

type semanticChecker struct {
	conditions ExpressionChecker
	outputs    ExpressionChecker
	result     *schema.ValidationResult
}

// validateSemantic checks what the schema cannot express: id rules per
// scope, the shape each step type needs, and that every expression compiles.
func validateSemantic(doc *schema.WorkflowDocument, conditions, outputs ExpressionChecker) *schema.ValidationResult {
	c := &semanticChecker{
		conditions: conditions,
		outputs:    outputs,
		result:     &schema.ValidationResult{},
	}
	c.checkInputs(doc.Inputs)
	c.checkEvidence(doc.Config.Evidence)
	c.checkList(doc.Steps, "steps")
	return c.result
}

func (c *semanticChecker) checkInputs(inputs []schema.InputDefinition) {
	seen := make(map[string]bool, len(inputs))
	for i, in := range inputs {
		path := fmt.Sprintf("inputs[%d]", i)
		if seen[in.Name] {
			c.result.AddErrorf(path+".name", schema.ErrCodeValidation, "duplicate input %q", in.Name)
		}
		seen[in.Name] = true
		if in.Default != nil && in.Type != "" && !matchesType(in.Default, in.Type) {
			c.result.AddErrorf(path+".default", schema.ErrCodeValidation,
				"default for %q is not of type %s", in.Name, in.Type)
		}
		if in.Required && in.Default != nil {
			c.result.AddWarning(path+".default", schema.ErrCodeValidation,
				fmt.Sprintf("input %q is required, its default is never used", in.Name))
		}
	}
}

func (c *semanticChecker) checkEvidence(ev schema.EvidenceConfig) {
	for i, t := range ev.StepTypes {
		if t.IsControl() {
			c.result.AddWarning(fmt.Sprintf("config.evidence.stepTypes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("evidence is never captured for control step type %q", t))
		}
	}
}

func (c *semanticChecker) checkList(steps []schema.StepDefinition, path string) {
	seen := make(map[string]bool, len(steps))
	for i := range steps {
		step := &steps[i]
		stepPath := fmt.Sprintf("%s[%d]", path, i)
		if seen[step.ID] {
			c.result.AddErrorf(stepPath+".id", schema.ErrCodeValidation,
				"duplicate step id %q in the same scope", step.ID)
		}
		seen[step.ID] = true
		c.checkStep(step, stepPath)
	}
}

func (c *semanticChecker) checkStep(step *schema.StepDefinition, path string) {
	c.checkID(step.ID, path)

	if step.Condition != "" && c.conditions != nil {
		if err := c.conditions.Check(step.Condition); err != nil {
			c.result.AddErrorf(path+".condition", schema.ErrCodeValidation, "invalid condition: %s", err.Error())
		}
	}
	c.checkOutputs(step, path)

	switch step.Type {
	case schema.StepTypeSequence, schema.StepTypeParallel:
		if len(step.Steps) == 0 {
			c.result.AddErrorf(path+".steps", schema.ErrCodeValidation, "%s step needs at least one child step", step.Type)
		}
	case schema.StepTypeConditional:
		if step.Condition == "" {
			c.result.AddError(path+".condition", schema.ErrCodeValidation, "conditional step needs a condition")
		}
		if len(step.Then) == 0 && len(step.Else) == 0 {
			c.result.AddWarning(path, schema.ErrCodeValidation, "conditional step has no then or else steps")
		}
	case schema.StepTypeLoop:
		if step.Items == nil {
			c.result.AddError(path+".items", schema.ErrCodeValidation, "loop step needs items")
		}
		if len(step.Steps) == 0 {
			c.result.AddError(path+".steps", schema.ErrCodeValidation, "loop step needs at least one body step")
		}
		if step.ItemVar != "" && step.ItemVar == step.IndexVar {
			c.result.AddError(path+".indexVar", schema.ErrCodeValidation, "itemVar and indexVar must differ")
		}
	default:
		c.checkParams(step, path)
	}

	c.checkMisplaced(step, path)

	c.checkList(step.Steps, path+".steps")
	c.checkList(step.Then, path+".then")
	c.checkList(step.Else, path+".else")
	c.checkList(step.OnSuccess, path+".onSuccess")
	c.checkList(step.OnError, path+".onError")
}

func (c *semanticChecker) checkID(id, path string) {
	switch {
	case id == "":
		c.result.AddError(path+".id", schema.ErrCodeValidation, "step id is required")
	case strings.Contains(id, "."):
		c.result.AddErrorf(path+".id", schema.ErrCodeValidation, "step id %q must not contain '.'", id)
	case reservedIDs[id] || iterationID.MatchString(id):
		c.result.AddErrorf(path+".id", schema.ErrCodeValidation, "step id %q is reserved", id)
	}
}

func (c *semanticChecker) checkOutputs(step *schema.StepDefinition, path string) {
	if c.outputs == nil || len(step.Outputs) == 0 {
		return
	}
	names := make([]string, 0, len(step.Outputs))
	for name := range step.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.outputs.Check(step.Outputs[name]); err != nil {
			c.result.AddErrorf(path+".outputs."+name, schema.ErrCodeValidation, "invalid output expression: %s", err.Error())
		}
	}
}

func (c *semanticChecker) checkParams(step *schema.StepDefinition, path string) {
	keys, ok := requiredParams[step.Type]
	if !ok {
		return
	}
	for _, k := range keys {
		if _, present := step.Params[k]; present {
			return
		}
	}
	if len(keys) == 1 {
		c.result.AddErrorf(path+".params", schema.ErrCodeValidation, "%s step needs param %q", step.Type, keys[0])
		return
	}
	c.result.AddErrorf(path+".params", schema.ErrCodeValidation, "%s step needs one of params %s", step.Type, strings.Join(keys, ", "))
}

// checkMisplaced flags nesting fields that the step type ignores.
func (c *semanticChecker) checkMisplaced(step *schema.StepDefinition, path string) {
	if !step.Type.IsControl() && len(step.Steps) > 0 {
		c.result.AddErrorf(path+".steps", schema.ErrCodeValidation, "%s step cannot have child steps", step.Type)
	}
	if step.Type != schema.StepTypeConditional && (len(step.Then) > 0 || len(step.Else) > 0) {
		c.result.AddErrorf(path, schema.ErrCodeValidation, "then/else are only valid on conditional steps")
	}
	if step.Type != schema.StepTypeLoop && step.Items != nil {
		c.result.AddWarning(path+".items", schema.ErrCodeValidation, "items is ignored outside loop steps")
	}
	if step.Type != schema.StepTypeParallel && step.MaxConcurrency > 0 {
		c.result.AddWarning(path+".maxConcurrency", schema.ErrCodeValidation, "maxConcurrency is ignored outside parallel steps")
	}
}

// matchesType reports whether v has the JSON type name t.
func matchesType(v any, t string) bool {
	switch t {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		switch v.(type) {
		case int, int32, int64, uint, uint32, uint64, float32, float64:
			return true
		}
		return false
	case "integer":
		switch n := v.(type) {
		case int, int32, int64, uint, uint32, uint64:
			return true
		case float64:
			return n == float64(int64(n))
		case float32:
			return n == float32(int64(n))
		}
		return false
	case "array":
		_, ok := toSlice(v)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	}
	return nil, false
}

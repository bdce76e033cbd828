package validation

import (
	"github.com/rendis/houndflow/pkg/schema"
)

// ExpressionChecker compiles an expression without evaluating it.
type ExpressionChecker interface {
	Check(expression string) error
}

// Validator runs the load-time pipeline for workflow documents:
//  1. Structural (JSON Schema)
//  2. Semantic (ids, step shapes, expression compilation)
//
// It also validates run inputs and ad-hoc values for verify steps.
type Validator struct {
	schemas    *SchemaValidator
	conditions ExpressionChecker
	outputs    ExpressionChecker
}

// NewValidator creates a Validator. conditions checks guard and branch
// expressions, outputs checks output bindings; either may be nil to skip.
func NewValidator(conditions, outputs ExpressionChecker) (*Validator, error) {
	sv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{schemas: sv, conditions: conditions, outputs: outputs}, nil
}

// ValidateRaw checks a decoded, untyped document against the workflow schema.
// Unknown fields are only visible at this stage.
func (v *Validator) ValidateRaw(raw any) *schema.ValidationResult {
	return v.schemas.ValidateDocument(raw)
}

// Validate runs both stages. Structural errors short-circuit the semantic stage.
func (v *Validator) Validate(doc *schema.WorkflowDocument) *schema.ValidationResult {
	if doc == nil {
		r := &schema.ValidationResult{}
		r.AddError("", schema.ErrCodeValidation, "workflow document is nil")
		return r
	}

	result := v.schemas.ValidateDocument(doc)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(doc, v.conditions, v.outputs))
	return result
}

// ValidateDocument returns Validate's result as a VALIDATION_ERROR, or nil.
func (v *Validator) ValidateDocument(doc *schema.WorkflowDocument) error {
	return v.Validate(doc).ToError()
}

// ValidateValue checks value against a JSON Schema.
func (v *Validator) ValidateValue(value any, schemaDoc any) *schema.ValidationResult {
	return v.schemas.ValidateValue(value, schemaDoc)
}

// ValidateInputs applies declared defaults, rejects missing required inputs
// and checks declared types. Undeclared inputs pass through unchecked.
func (v *Validator) ValidateInputs(defs []schema.InputDefinition, provided map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(provided)+len(defs))
	for k, val := range provided {
		out[k] = val
	}

	result := &schema.ValidationResult{}
	properties := make(map[string]any, len(defs))
	for _, d := range defs {
		if d.Type != "" {
			properties[d.Name] = map[string]any{"type": d.Type}
		}
		if _, ok := out[d.Name]; ok {
			continue
		}
		switch {
		case d.Default != nil:
			out[d.Name] = d.Default
		case d.Required:
			result.AddErrorf("inputs."+d.Name, schema.ErrCodeValidation, "required input %q is missing", d.Name)
		}
	}
	if err := result.ToError(); err != nil {
		return nil, err
	}
	if len(properties) == 0 {
		return out, nil
	}

	inputSchema := map[string]any{"type": "object", "properties": properties}
	typed := v.schemas.ValidateValue(out, inputSchema)
	for _, issue := range typed.Errors {
		result.AddError(joinPath("inputs", issue.Path), schema.ErrCodeValidation, issue.Message)
	}
	if err := result.ToError(); err != nil {
		return nil, err
	}
	return out, nil
}

func joinPath(prefix, path string) string {
	switch {
	case path == "":
		return prefix
	case path[0] == '[':
		return prefix + path
	}
	return prefix + "." + path
}

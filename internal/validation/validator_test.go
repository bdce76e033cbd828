package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/houndflow/internal/expressions"
	"github.com/rendis/houndflow/pkg/schema"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	v, err := NewValidator(cel, expressions.NewGoJQEngine())
	require.NoError(t, err)
	return v
}

func validDoc() *schema.WorkflowDocument {
	return &schema.WorkflowDocument{
		ID:   "search",
		Name: "Search",
		Inputs: []schema.InputDefinition{
			{Name: "query", Type: "string", Required: true},
			{Name: "pages", Type: "integer", Default: 2},
		},
		Steps: []schema.StepDefinition{
			{ID: "open", Type: schema.StepTypeNavigate, Params: map[string]any{"url": "https://example.com"}},
			{
				ID: "results", Type: schema.StepTypeExtract,
				Outputs: map[string]string{"titles": ".items | map(.title)"},
			},
			{
				ID: "each", Type: schema.StepTypeLoop, Items: "titles", MaxIterations: 5,
				Steps: []schema.StepDefinition{
					{ID: "shot", Type: schema.StepTypeScreenshot},
				},
			},
			{
				ID: "check", Type: schema.StepTypeConditional, Condition: "size(vars.titles) > 0",
				Then: []schema.StepDefinition{
					{ID: "ok", Type: schema.StepTypeScript, Params: map[string]any{"expression": "1 + 1"}},
				},
			},
		},
	}
}

func issuePaths(issues []schema.ValidationIssue) []string {
	paths := make([]string, len(issues))
	for i, issue := range issues {
		paths[i] = issue.Path
	}
	return paths
}

func TestValidateAcceptsWellFormedDocument(t *testing.T) {
	v := newValidator(t)
	result := v.Validate(validDoc())
	assert.True(t, result.Valid(), "%v", result.Errors)
	assert.NoError(t, v.ValidateDocument(validDoc()))
}

func TestValidateNilDocument(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateDocument(nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestValidateStructural(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name   string
		mutate func(*schema.WorkflowDocument)
		path   string
	}{
		{"missing id", func(d *schema.WorkflowDocument) { d.ID = "" }, "id"},
		{"no steps", func(d *schema.WorkflowDocument) { d.Steps = nil }, "steps"},
		{"unknown step type", func(d *schema.WorkflowDocument) { d.Steps[0].Type = "teleport" }, "steps[0].type"},
		{"dotted id", func(d *schema.WorkflowDocument) { d.Steps[0].ID = "a.b" }, "steps[0].id"},
		{"bad backoff", func(d *schema.WorkflowDocument) {
			d.Config.RetryPolicy = &schema.RetryPolicy{Enabled: true, Backoff: "random"}
		}, "config.retryPolicy.backoff"},
		{"bad mode", func(d *schema.WorkflowDocument) { d.Config.Execution.Mode = "eventually" }, "config.execution.mode"},
		{"bad output variable", func(d *schema.WorkflowDocument) { d.Steps[0].OutputVar = "not valid" }, "steps[0].outputVar"},
		{"nested unknown type", func(d *schema.WorkflowDocument) { d.Steps[2].Steps[0].Type = "" }, "steps[2].steps[0].type"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doc := validDoc()
			tc.mutate(doc)
			result := v.Validate(doc)
			require.False(t, result.Valid())
			assert.Contains(t, issuePaths(result.Errors), tc.path)
		})
	}
}

func TestValidateRawRejectsUnknownFields(t *testing.T) {
	v := newValidator(t)

	raw := map[string]any{
		"id": "wf",
		"steps": []any{
			map[string]any{"id": "a", "type": "click", "selector": "#go"},
		},
	}
	result := v.ValidateRaw(raw)
	require.False(t, result.Valid())
	assert.Contains(t, issuePaths(result.Errors), "steps[0]")

	raw["steps"] = []any{
		map[string]any{"id": "a", "type": "click", "params": map[string]any{"selector": "#go"}, "timeout": 1500},
	}
	result = v.ValidateRaw(raw)
	assert.True(t, result.Valid(), "%v", result.Errors)
}

func TestValidateRawDurations(t *testing.T) {
	v := newValidator(t)
	for _, d := range []any{"250ms", "1m30s", 2000, "1500"} {
		raw := map[string]any{
			"id":     "wf",
			"config": map[string]any{"timeout": d},
			"steps":  []any{map[string]any{"id": "a", "type": "screenshot"}},
		}
		assert.True(t, v.ValidateRaw(raw).Valid(), "duration %v", d)
	}

	raw := map[string]any{
		"id":     "wf",
		"config": map[string]any{"timeout": "soon"},
		"steps":  []any{map[string]any{"id": "a", "type": "screenshot"}},
	}
	assert.Contains(t, issuePaths(v.ValidateRaw(raw).Errors), "config.timeout")
}

func TestValidateSemantic(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name   string
		mutate func(*schema.WorkflowDocument)
		path   string
	}{
		{"reserved id", func(d *schema.WorkflowDocument) { d.Steps[0].ID = "then" }, "steps[0].id"},
		{"iteration id", func(d *schema.WorkflowDocument) { d.Steps[0].ID = "iter_3" }, "steps[0].id"},
		{"duplicate top-level id", func(d *schema.WorkflowDocument) { d.Steps[1].ID = "open" }, "steps[1].id"},
		{"duplicate nested id", func(d *schema.WorkflowDocument) {
			d.Steps[2].Steps = append(d.Steps[2].Steps, schema.StepDefinition{ID: "shot", Type: schema.StepTypeScreenshot})
		}, "steps[2].steps[1].id"},
		{"conditional without condition", func(d *schema.WorkflowDocument) { d.Steps[3].Condition = "" }, "steps[3].condition"},
		{"condition does not compile", func(d *schema.WorkflowDocument) { d.Steps[3].Condition = "vars.x >" }, "steps[3].condition"},
		{"condition is not boolean", func(d *schema.WorkflowDocument) { d.Steps[3].Condition = "'yes'" }, "steps[3].condition"},
		{"guard does not compile", func(d *schema.WorkflowDocument) { d.Steps[0].Condition = "((" }, "steps[0].condition"},
		{"output does not compile", func(d *schema.WorkflowDocument) {
			d.Steps[1].Outputs = map[string]string{"bad": ".items | map("}
		}, "steps[1].outputs.bad"},
		{"loop without items", func(d *schema.WorkflowDocument) { d.Steps[2].Items = nil }, "steps[2].items"},
		{"loop without body", func(d *schema.WorkflowDocument) { d.Steps[2].Steps = nil }, "steps[2].steps"},
		{"loop vars collide", func(d *schema.WorkflowDocument) {
			d.Steps[2].ItemVar, d.Steps[2].IndexVar = "x", "x"
		}, "steps[2].indexVar"},
		{"empty sequence", func(d *schema.WorkflowDocument) {
			d.Steps = append(d.Steps, schema.StepDefinition{ID: "group", Type: schema.StepTypeSequence})
		}, "steps[4].steps"},
		{"primitive with children", func(d *schema.WorkflowDocument) {
			d.Steps[0].Steps = []schema.StepDefinition{{ID: "x", Type: schema.StepTypeScreenshot}}
		}, "steps[0].steps"},
		{"then outside conditional", func(d *schema.WorkflowDocument) {
			d.Steps[0].Then = []schema.StepDefinition{{ID: "x", Type: schema.StepTypeScreenshot}}
		}, "steps[0]"},
		{"navigate without url", func(d *schema.WorkflowDocument) { d.Steps[0].Params = nil }, "steps[0].params"},
		{"script without source", func(d *schema.WorkflowDocument) { d.Steps[3].Then[0].Params = nil }, "steps[3].then[0].params"},
		{"handler is checked", func(d *schema.WorkflowDocument) {
			d.Steps[0].OnError = []schema.StepDefinition{{ID: "on_error", Type: schema.StepTypeScreenshot}}
		}, "steps[0].onError[0].id"},
		{"duplicate input", func(d *schema.WorkflowDocument) {
			d.Inputs = append(d.Inputs, schema.InputDefinition{Name: "query"})
		}, "inputs[2].name"},
		{"default of wrong type", func(d *schema.WorkflowDocument) { d.Inputs[1].Default = "two" }, "inputs[1].default"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doc := validDoc()
			tc.mutate(doc)
			result := v.Validate(doc)
			require.False(t, result.Valid())
			assert.Contains(t, issuePaths(result.Errors), tc.path)

			err := result.ToError()
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestValidateSemanticWarnings(t *testing.T) {
	v := newValidator(t)
	doc := validDoc()
	doc.Steps[0].MaxConcurrency = 3
	doc.Config.Evidence = schema.EvidenceConfig{Enabled: true, StepTypes: []schema.StepType{schema.StepTypeLoop}}

	result := v.Validate(doc)
	assert.True(t, result.Valid())
	assert.ElementsMatch(t, []string{"steps[0].maxConcurrency", "config.evidence.stepTypes[0]"}, issuePaths(result.Warnings))
}

func TestValidateWithoutExpressionCheckers(t *testing.T) {
	v, err := NewValidator(nil, nil)
	require.NoError(t, err)

	doc := validDoc()
	doc.Steps[3].Condition = "(("
	assert.True(t, v.Validate(doc).Valid())
}

func TestValidateInputs(t *testing.T) {
	v := newValidator(t)
	defs := validDoc().Inputs

	got, err := v.ValidateInputs(defs, map[string]any{"query": "shoes", "extra": true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"query": "shoes", "pages": 2, "extra": true}, got)

	got, err = v.ValidateInputs(defs, map[string]any{"query": "shoes", "pages": float64(4)})
	require.NoError(t, err)
	assert.Equal(t, float64(4), got["pages"])

	_, err = v.ValidateInputs(defs, map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "query")

	_, err = v.ValidateInputs(defs, map[string]any{"query": 7})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inputs.query")

	_, err = v.ValidateInputs(defs, map[string]any{"query": "x", "pages": 1.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inputs.pages")
}

func TestValidateInputsDoesNotMutateProvided(t *testing.T) {
	v := newValidator(t)
	provided := map[string]any{"query": "shoes"}
	_, err := v.ValidateInputs(validDoc().Inputs, provided)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"query": "shoes"}, provided)
}

func TestValidateValue(t *testing.T) {
	v := newValidator(t)
	s := map[string]any{
		"type":     "object",
		"required": []any{"title"},
		"properties": map[string]any{
			"title": map[string]any{"type": "string", "minLength": 1},
			"price": map[string]any{"type": "number", "minimum": 0},
		},
	}

	assert.True(t, v.ValidateValue(map[string]any{"title": "Boots", "price": 12.5}, s).Valid())

	result := v.ValidateValue(map[string]any{"title": "Boots", "price": -1}, s)
	require.False(t, result.Valid())
	assert.Equal(t, []string{"price"}, issuePaths(result.Errors))

	result = v.ValidateValue(map[string]any{}, s)
	require.False(t, result.Valid())

	result = v.ValidateValue("x", []byte(`{"type": 12}`))
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeInvalidParams, result.Errors[0].Code)
}

func TestInstancePath(t *testing.T) {
	assert.Equal(t, "", instancePath("", nil))
	assert.Equal(t, "steps[0].params", instancePath("", []string{"steps", "0", "params"}))
	assert.Equal(t, "inputs.count", instancePath("inputs", []string{"count"}))
	assert.Equal(t, "[2]", instancePath("", []string{"2"}))
}

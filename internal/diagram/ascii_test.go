package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/houndflow/pkg/schema"
)

func TestRenderASCIILinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)

	assert.Contains(t, output, "=== Product Search ===")
	assert.Contains(t, output, "┌")
	assert.Contains(t, output, "┘")
	assert.Contains(t, output, "▼")
	assert.Contains(t, output, "│ open      │")
	assert.Contains(t, output, "│ (browser) │")
	assert.Contains(t, output, "Start")
	assert.Contains(t, output, "End")
	assert.NotContains(t, output, "sub-steps")
}

func TestRenderASCIIWithStatus(t *testing.T) {
	model := &DiagramModel{
		Title: "Test",
		Nodes: []*Node{
			{ID: "s", Label: "Start", Kind: NodeKindStart},
			{ID: "a", Label: "a\n(click)", Kind: NodeKindBrowser, Status: &StatusOverlay{Status: "completed", DurationMs: 150}},
			{ID: "b", Label: "b\n(fill)", Kind: NodeKindBrowser, Status: &StatusOverlay{Status: "failed"}},
			{ID: "e", Label: "End", Kind: NodeKindEnd},
		},
	}

	output := RenderASCII(model)
	assert.Contains(t, output, "[OK]")
	assert.Contains(t, output, "150ms")
	assert.Contains(t, output, "[FAIL]")
}

func TestRenderASCIISubSteps(t *testing.T) {
	snap := &schema.ExecutionSnapshot{
		StepResults: map[string]*schema.StepResult{
			"iterate.iter_0.visit": {Status: schema.OutcomeCompleted},
			"iterate.iter_1.visit": {Status: schema.OutcomeCompleted},
		},
	}
	model, err := Build(loopWorkflow(), snap)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "--- iterate sub-steps ---")
	assert.Contains(t, output, "  [body]\n")
	assert.Contains(t, output, "    visit [OK] x2\n")
	assert.Contains(t, output, "    shot\n")
}

func TestRenderASCIINestedChildren(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.StepDefinition{{
			ID:   "outer",
			Type: schema.StepTypeSequence,
			Steps: []schema.StepDefinition{{
				ID:   "inner",
				Type: schema.StepTypeLoop,
				Steps: []schema.StepDefinition{
					{ID: "leaf", Type: schema.StepTypeClick},
				},
			}},
		}},
	}
	model, err := Build(doc, nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "  [steps]\n    inner\n      [body]\n        leaf\n")
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "a", firstLine("a\nb"))
	assert.Equal(t, "abc", firstLine("abc"))
}

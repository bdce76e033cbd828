package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/houndflow/pkg/schema"
)

// --- Test workflow builders ---

func linearWorkflow() *schema.WorkflowDocument {
	return &schema.WorkflowDocument{
		ID:   "search",
		Name: "Product Search",
		Steps: []schema.StepDefinition{
			{ID: "open", Type: schema.StepTypeNavigate},
			{ID: "query", Type: schema.StepTypeFill},
			{ID: "titles", Type: schema.StepTypeExtract},
		},
	}
}

func conditionWorkflow() *schema.WorkflowDocument {
	return &schema.WorkflowDocument{
		ID: "gate",
		Steps: []schema.StepDefinition{
			{ID: "probe", Type: schema.StepTypeDetect},
			{
				ID:        "decide",
				Type:      schema.StepTypeConditional,
				Condition: "vars.found",
				Then:      []schema.StepDefinition{{ID: "solve", Type: schema.StepTypeClick}},
				Else:      []schema.StepDefinition{{ID: "skip", Type: schema.StepTypeWait}},
			},
		},
	}
}

func parallelWorkflow() *schema.WorkflowDocument {
	return &schema.WorkflowDocument{
		Steps: []schema.StepDefinition{
			{ID: "setup", Type: schema.StepTypeScript},
			{
				ID:   "fan-out",
				Type: schema.StepTypeParallel,
				Steps: []schema.StepDefinition{
					{ID: "a1", Type: schema.StepTypeScreenshot},
					{ID: "b1", Type: schema.StepTypeScreenshot},
				},
			},
		},
	}
}

func loopWorkflow() *schema.WorkflowDocument {
	return &schema.WorkflowDocument{
		Steps: []schema.StepDefinition{
			{
				ID:    "iterate",
				Type:  schema.StepTypeLoop,
				Items: "${vars.urls}",
				Steps: []schema.StepDefinition{
					{ID: "visit", Type: schema.StepTypeNavigate},
					{ID: "shot", Type: schema.StepTypeScreenshot},
				},
			},
		},
	}
}

func findByID(nodes []*Node, id string) *Node {
	var found *Node
	walk(nodes, func(n *Node) {
		if n.ID == id {
			found = n
		}
	})
	return found
}

// --- Build tests ---

func TestBuildNilDocument(t *testing.T) {
	_, err := Build(nil, nil)
	require.Error(t, err)
}

func TestBuildLinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Product Search", model.Title)
	require.Len(t, model.Nodes, 5)
	assert.Equal(t, NodeKindStart, model.Nodes[0].Kind)
	assert.Equal(t, NodeKindEnd, model.Nodes[4].Kind)
	assert.Equal(t, NodeKindBrowser, model.Nodes[1].Kind)

	assert.Equal(t, []Edge{
		{From: startID, To: "open"},
		{From: "open", To: "query"},
		{From: "query", To: "titles"},
		{From: "titles", To: endID},
	}, model.Edges)
}

func TestBuildEmptyWorkflow(t *testing.T) {
	model, err := Build(&schema.WorkflowDocument{ID: "empty"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "empty", model.Title)
	assert.Len(t, model.Nodes, 2)
	assert.Equal(t, []Edge{{From: startID, To: endID}}, model.Edges)
}

func TestBuildConditionBranches(t *testing.T) {
	model, err := Build(conditionWorkflow(), nil)
	require.NoError(t, err)

	decide := findByID(model.Nodes, "decide")
	require.NotNil(t, decide)
	assert.Equal(t, NodeKindCondition, decide.Kind)
	require.Len(t, decide.Children, 2)
	assert.Equal(t, "then", decide.Children[0].Label)
	assert.Equal(t, "else", decide.Children[1].Label)
	assert.Equal(t, "decide.then.solve", decide.Children[0].Nodes[0].ID)
	assert.Equal(t, "decide.else.skip", decide.Children[1].Nodes[0].ID)
}

func TestBuildTitleFallback(t *testing.T) {
	model, err := Build(&schema.WorkflowDocument{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Workflow", model.Title)
}

func TestBuildParallelHasNoInnerEdges(t *testing.T) {
	model, err := Build(parallelWorkflow(), nil)
	require.NoError(t, err)

	fan := findByID(model.Nodes, "fan-out")
	require.NotNil(t, fan)
	require.Len(t, fan.Children, 1)
	assert.Len(t, fan.Children[0].Nodes, 2)
	assert.Empty(t, fan.Children[0].Edges)
	assert.Equal(t, NodeKindScript, findByID(model.Nodes, "setup").Kind)
}

func TestBuildLoopBody(t *testing.T) {
	model, err := Build(loopWorkflow(), nil)
	require.NoError(t, err)

	loop := findByID(model.Nodes, "iterate")
	require.NotNil(t, loop)
	require.Len(t, loop.Children, 1)
	body := loop.Children[0]
	assert.Equal(t, "body", body.Label)
	assert.Equal(t, []Edge{{From: "iterate.visit", To: "iterate.shot"}}, body.Edges)
}

func TestBuildHandlers(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.StepDefinition{{
			ID:      "submit",
			Type:    schema.StepTypeClick,
			OnError: []schema.StepDefinition{{ID: "shot", Type: schema.StepTypeScreenshot}},
		}},
	}
	model, err := Build(doc, nil)
	require.NoError(t, err)

	submit := findByID(model.Nodes, "submit")
	require.Len(t, submit.Children, 1)
	assert.Equal(t, "on_error", submit.Children[0].Label)
	assert.Equal(t, "submit.on_error.shot", submit.Children[0].Nodes[0].ID)
}

func TestBuildOverlaysSnapshot(t *testing.T) {
	snap := &schema.ExecutionSnapshot{
		StepResults: map[string]*schema.StepResult{
			"open":  {Status: schema.OutcomeCompleted, Attempts: 1, DurationMs: 40},
			"query": {Status: schema.OutcomeFailed, Attempts: 3, Error: schema.NewError(schema.ErrCodePermanent, "no input")},
		},
	}
	model, err := Build(linearWorkflow(), snap)
	require.NoError(t, err)

	open := findByID(model.Nodes, "open")
	require.NotNil(t, open.Status)
	assert.Equal(t, "completed", open.Status.Status)
	assert.Equal(t, int64(40), open.Status.DurationMs)

	query := findByID(model.Nodes, "query")
	require.NotNil(t, query.Status)
	assert.Equal(t, "failed", query.Status.Status)
	assert.Equal(t, 3, query.Status.Attempts)
	assert.Contains(t, query.Status.Error, "no input")

	assert.Nil(t, findByID(model.Nodes, "titles").Status)
}

func TestBuildAggregatesLoopIterations(t *testing.T) {
	snap := &schema.ExecutionSnapshot{
		StepResults: map[string]*schema.StepResult{
			"iterate":              {Status: schema.OutcomeFailed},
			"iterate.iter_0.visit": {Status: schema.OutcomeCompleted, Attempts: 1, DurationMs: 10},
			"iterate.iter_1.visit": {Status: schema.OutcomeFailed, Attempts: 2, DurationMs: 15},
			"iterate.iter_0.shot":  {Status: schema.OutcomeSkipped},
			"iterate.iter_1.shot":  {Status: schema.OutcomeCompleted, Attempts: 1},
		},
	}
	model, err := Build(loopWorkflow(), snap)
	require.NoError(t, err)

	visit := findByID(model.Nodes, "iterate.visit")
	require.NotNil(t, visit.Status)
	assert.Equal(t, "failed", visit.Status.Status)
	assert.Equal(t, 2, visit.Status.Runs)
	assert.Equal(t, 3, visit.Status.Attempts)
	assert.Equal(t, int64(25), visit.Status.DurationMs)

	shot := findByID(model.Nodes, "iterate.shot")
	assert.Equal(t, "completed", shot.Status.Status)
}

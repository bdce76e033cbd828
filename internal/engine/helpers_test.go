package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/houndflow/internal/expressions"
	"github.com/rendis/houndflow/pkg/schema"
)

// --- Fakes ---

type backendFunc func(ctx context.Context, req *StepRequest) (map[string]any, error)

// fakeBackend records every call and tracks the peak number of concurrent calls.
type fakeBackend struct {
	fn backendFunc

	mu    sync.Mutex
	calls []*StepRequest

	inFlight atomic.Int64
	peak     atomic.Int64
}

func newFakeBackend(fn backendFunc) *fakeBackend {
	return &fakeBackend{fn: fn}
}

func (b *fakeBackend) Execute(ctx context.Context, req *StepRequest) (*StepResponse, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	b.mu.Unlock()

	now := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		old := b.peak.Load()
		if now <= old || b.peak.CompareAndSwap(old, now) {
			break
		}
	}

	if b.fn == nil {
		return &StepResponse{Outputs: map[string]any{"ok": true}}, nil
	}
	out, err := b.fn(ctx, req)
	if err != nil {
		return nil, err
	}
	return &StepResponse{Outputs: out}, nil
}

// stepIDs returns the called step keys in call order.
func (b *fakeBackend) stepIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	for i, c := range b.calls {
		out[i] = c.StepID
	}
	return out
}

func (b *fakeBackend) requests() []*StepRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*StepRequest(nil), b.calls...)
}

// blockUntilDone waits for ctx and returns its error.
func blockUntilDone(ctx context.Context, _ *StepRequest) (map[string]any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeEvidence struct {
	mu       sync.Mutex
	captured []string
	results  map[string]*schema.StepResult // result of the captured step as the sink saw it
}

func (e *fakeEvidence) Capture(_ context.Context, snap *schema.ExecutionSnapshot, stepID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.captured = append(e.captured, stepID)
	if e.results == nil {
		e.results = make(map[string]*schema.StepResult)
	}
	e.results[stepID] = snap.StepResults[stepID]
	return "file:///evidence/" + snap.ExecutionID + "/" + stepID + ".json", nil
}

type fakePublisher struct {
	mu      sync.Mutex
	updates []schema.Progress
}

func (p *fakePublisher) PublishProgress(_ context.Context, update schema.Progress) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
	return nil
}

func (p *fakePublisher) all() []schema.Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]schema.Progress(nil), p.updates...)
}

func (p *fakePublisher) finals() []schema.Progress {
	var out []schema.Progress
	for _, u := range p.all() {
		if u.Final {
			out = append(out, u)
		}
	}
	return out
}

// --- Builders ---

func primitive(id string, typ schema.StepType) schema.StepDefinition {
	return schema.StepDefinition{ID: id, Type: typ}
}

func click(id string) schema.StepDefinition {
	return schema.StepDefinition{ID: id, Type: schema.StepTypeClick, Params: map[string]any{"selector": "#" + id}}
}

func sequence(id string, steps ...schema.StepDefinition) schema.StepDefinition {
	return schema.StepDefinition{ID: id, Type: schema.StepTypeSequence, Steps: steps}
}

func loop(id string, items any, steps ...schema.StepDefinition) schema.StepDefinition {
	return schema.StepDefinition{ID: id, Type: schema.StepTypeLoop, Items: items, Steps: steps}
}

func parallel(id string, maxConcurrency int, steps ...schema.StepDefinition) schema.StepDefinition {
	return schema.StepDefinition{ID: id, Type: schema.StepTypeParallel, MaxConcurrency: maxConcurrency, Steps: steps}
}

func conditional(id, condition string, then, els []schema.StepDefinition) schema.StepDefinition {
	return schema.StepDefinition{ID: id, Type: schema.StepTypeConditional, Condition: condition, Then: then, Else: els}
}

func newDoc(steps ...schema.StepDefinition) *schema.WorkflowDocument {
	return &schema.WorkflowDocument{ID: "wf-test", Name: "test", Steps: steps}
}

func mustDefinition(t *testing.T, doc *schema.WorkflowDocument) *WorkflowDefinition {
	t.Helper()
	def, err := NewDefinition(doc)
	require.NoError(t, err)
	return def
}

func retryPolicy(maxRetries int) *schema.RetryPolicy {
	return &schema.RetryPolicy{
		Enabled:    true,
		MaxRetries: maxRetries,
		BaseDelay:  schema.Duration(time.Millisecond),
		Backoff:    schema.BackoffExponential,
	}
}

func boolPtr(b bool) *bool { return &b }

func intPtr(i int) *int { return &i }

// --- Harness ---

func testCollaborators(t *testing.T, backend StepExecutorBackend) collaborators {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return collaborators{
		backend:    backend,
		conditions: cel,
		outputs:    expressions.NewGoJQEngine(),
		params:     expressions.NewInterpolator(),
	}
}

// runDefinition drives def to completion on the calling goroutine.
func runDefinition(t *testing.T, ctx context.Context, def *WorkflowDefinition, deps collaborators, inputs map[string]any) (*ExecutionContext, error) {
	t.Helper()
	ec := NewExecutionContext("exec-test", def, inputs)
	require.NoError(t, ec.Transition(schema.StatusRunning))
	err := newInterpreter(def, ec, deps, nil, nil).run(ctx)
	return ec, err
}

func resultKeys(snap *schema.ExecutionSnapshot) []string {
	keys := make([]string, 0, len(snap.StepResults))
	for k := range snap.StepResults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func requireResult(t *testing.T, ec *ExecutionContext, key string, status schema.StepOutcome) *schema.StepResult {
	t.Helper()
	r, ok := ec.Result(key)
	require.True(t, ok, "no result for %q", key)
	require.Equal(t, status, r.Status, "status of %q", key)
	return r
}

func engineCode(err error) string {
	return schema.ErrorCode(err)
}

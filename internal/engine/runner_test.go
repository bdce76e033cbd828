package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/houndflow/internal/expressions"
	"github.com/rendis/houndflow/internal/store"
	"github.com/rendis/houndflow/pkg/schema"
)

type runnerEnv struct {
	runner    *Runner
	backend   *fakeBackend
	publisher *fakePublisher
	store     *store.MemoryStore
}

func newRunnerEnv(t *testing.T, fn backendFunc, cfg RunnerConfig) *runnerEnv {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)

	env := &runnerEnv{
		backend:   newFakeBackend(fn),
		publisher: &fakePublisher{},
		store:     store.NewMemoryStore(),
	}
	if cfg.ProgressInterval == 0 {
		cfg.ProgressInterval = time.Millisecond
	}
	env.runner, err = NewRunner(Dependencies{
		Backend:    env.backend,
		Conditions: cel,
		Outputs:    expressions.NewGoJQEngine(),
		Params:     expressions.NewInterpolator(),
		Progress:   env.publisher,
		State:      NewStateManager(env.store, nil),
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.runner.Shutdown(ctx)
	})
	return env
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewRunner_RequiresBackend(t *testing.T) {
	_, err := NewRunner(Dependencies{}, RunnerConfig{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, engineCode(err))
}

func TestRunner_RunCompletes(t *testing.T) {
	env := newRunnerEnv(t, nil, RunnerConfig{})
	def := mustDefinition(t, newDoc(click("a"), click("b"), click("c")))

	snap, err := env.runner.Run(waitCtx(t), def, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, snap.Status)
	assert.Equal(t, []string{"a", "b", "c"}, snap.ResultOrder)
	assert.Nil(t, snap.Error)
	require.NotNil(t, snap.EndedAt)

	status, err := env.runner.Status(waitCtx(t), snap.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, status.Status)

	stored, err := env.store.LoadSnapshot(waitCtx(t), snap.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, stored.Status)

	finals := env.publisher.finals()
	require.Len(t, finals, 1)
	assert.Equal(t, schema.StatusCompleted, finals[0].Status)
	assert.Equal(t, 100.0, finals[0].Percentage)
	assert.Equal(t, 3, finals[0].CompletedSteps)

	updates := env.publisher.all()
	assert.True(t, updates[len(updates)-1].Final, "the final update is published last")
}

func TestRunner_FailedRun(t *testing.T) {
	env := newRunnerEnv(t, failOn("b", schema.NewError(schema.ErrCodeAssertion, "title mismatch")), RunnerConfig{})
	def := mustDefinition(t, newDoc(click("a"), click("b"), click("c")))

	snap, err := env.runner.Run(waitCtx(t), def, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Equal(t, schema.ErrCodeAssertion, snap.Error.Code)
	assert.Equal(t, "b", snap.Error.StepID)
	assert.Equal(t, schema.StatusFailed, env.publisher.finals()[0].Status)
}

func TestRunner_InputDefaultsAndRequired(t *testing.T) {
	env := newRunnerEnv(t, nil, RunnerConfig{})
	doc := newDoc(click("a"))
	doc.Inputs = []schema.InputDefinition{
		{Name: "query", Type: "string", Required: true},
		{Name: "pages", Type: "integer", Default: 2},
	}
	def := mustDefinition(t, doc)

	_, err := env.runner.Start(waitCtx(t), def, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, engineCode(err))

	snap, err := env.runner.Run(waitCtx(t), def, map[string]any{"query": "boots"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"query": "boots", "pages": 2}, snap.Inputs)
	assert.Equal(t, 2, snap.VariableMap()["pages"])
}

func TestRunner_WorkflowTimeout(t *testing.T) {
	env := newRunnerEnv(t, blockUntilDone, RunnerConfig{})
	doc := newDoc(click("a"), click("b"))
	doc.Config.Timeout = schema.Duration(30 * time.Millisecond)
	def := mustDefinition(t, doc)

	snap, err := env.runner.Run(waitCtx(t), def, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Equal(t, schema.ErrCodeTimeout, snap.Error.Code)
}

func TestRunner_CancelActiveRun(t *testing.T) {
	started := make(chan string, 1)
	env := newRunnerEnv(t, func(ctx context.Context, req *StepRequest) (map[string]any, error) {
		started <- req.ExecutionID
		<-ctx.Done()
		return nil, ctx.Err()
	}, RunnerConfig{})
	def := mustDefinition(t, newDoc(click("a"), click("b")))

	id, err := env.runner.Start(waitCtx(t), def, nil)
	require.NoError(t, err)
	assert.Equal(t, id, <-started)

	require.NoError(t, env.runner.Cancel(waitCtx(t), id, "user request"))

	snap, err := env.runner.Status(waitCtx(t), id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCancelled, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Equal(t, schema.ErrCodeCancelled, snap.Error.Code)
	assert.Contains(t, snap.Error.Message, "user request")

	// Cancelling a finished run is rejected by the status machine.
	err = env.runner.Cancel(waitCtx(t), id, "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, engineCode(err))
}

func TestRunner_RunCancelsWhenCallerGivesUp(t *testing.T) {
	env := newRunnerEnv(t, blockUntilDone, RunnerConfig{})
	def := mustDefinition(t, newDoc(click("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	snap, err := env.runner.Run(ctx, def, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, snap)
	assert.Equal(t, schema.StatusCancelled, snap.Status)
}

// pauseAt returns a backend that asks the runner to pause while executing key.
func pauseAt(env **runnerEnv, key string) backendFunc {
	var once sync.Once
	return func(ctx context.Context, req *StepRequest) (map[string]any, error) {
		if req.StepID == key {
			once.Do(func() { _ = (*env).runner.Pause(ctx, req.ExecutionID) })
		}
		return map[string]any{"visited": req.StepID}, nil
	}
}

func loopWorkflow() *schema.WorkflowDocument {
	doc := newDoc(
		click("start"),
		loop("each", "urls", click("visit"), primitive("shot", schema.StepTypeScreenshot)),
		click("finish"),
	)
	doc.Constants = map[string]any{"urls": []any{"a", "b", "c", "d", "e"}}
	return doc
}

func TestRunner_PauseMidLoopAndResume(t *testing.T) {
	var env *runnerEnv
	env = newRunnerEnv(t, pauseAt(&env, "each.iter_1.visit"), RunnerConfig{})
	def := mustDefinition(t, loopWorkflow())

	id, err := env.runner.Start(waitCtx(t), def, nil)
	require.NoError(t, err)

	paused, err := env.runner.Wait(waitCtx(t), id)
	require.NoError(t, err)
	require.Equal(t, schema.StatusPaused, paused.Status)
	assert.Equal(t, []string{
		"start",
		"each.iter_0.visit", "each.iter_0.shot",
		"each.iter_1.visit", "each.iter_1.shot",
	}, paused.ResultOrder, "the interrupted iteration completes before pausing")

	stored, err := env.store.LoadSnapshot(waitCtx(t), id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPaused, stored.Status)

	// Pausing an already paused run is a no-op.
	require.NoError(t, env.runner.Pause(waitCtx(t), id))

	require.NoError(t, env.runner.Resume(waitCtx(t), id))
	final, err := env.runner.Wait(waitCtx(t), id)
	require.NoError(t, err)
	require.Equal(t, schema.StatusCompleted, final.Status)

	// Every step ran exactly once across both legs.
	calls := env.backend.stepIDs()
	assert.Len(t, calls, 1+5*2+1)
	seen := make(map[string]int)
	for _, c := range calls {
		seen[c]++
	}
	for key, n := range seen {
		assert.Equal(t, 1, n, "step %s ran %d times", key, n)
	}

	// The resumed run records the same keys as an uninterrupted one.
	straight := newRunnerEnv(t, nil, RunnerConfig{})
	reference, err := straight.runner.Run(waitCtx(t), mustDefinition(t, loopWorkflow()), nil)
	require.NoError(t, err)
	assert.Equal(t, resultKeys(reference), resultKeys(final))
	assert.Equal(t, reference.VariableMap(), final.VariableMap())
}

func numericWorkflow() *schema.WorkflowDocument {
	double := click("double")
	double.Condition = "vars.item * 2 >= 4"
	bump := click("bump")
	bump.Condition = "vars.count + 1 > 3"
	doc := newDoc(loop("each", "nums", click("visit"), double), bump)
	doc.Constants = map[string]any{"count": 3, "nums": []any{1, 2, 3}}
	return doc
}

func TestRunner_ResumeKeepsNumberTypes(t *testing.T) {
	var env *runnerEnv
	env = newRunnerEnv(t, pauseAt(&env, "each.iter_0.visit"), RunnerConfig{})

	id, err := env.runner.Start(waitCtx(t), mustDefinition(t, numericWorkflow()), nil)
	require.NoError(t, err)
	paused, err := env.runner.Wait(waitCtx(t), id)
	require.NoError(t, err)
	require.Equal(t, schema.StatusPaused, paused.Status)

	require.NoError(t, env.runner.Resume(waitCtx(t), id))
	final, err := env.runner.Wait(waitCtx(t), id)
	require.NoError(t, err)
	require.Equal(t, schema.StatusCompleted, final.Status, "error: %v", final.Error)

	straight := newRunnerEnv(t, nil, RunnerConfig{})
	reference, err := straight.runner.Run(waitCtx(t), mustDefinition(t, numericWorkflow()), nil)
	require.NoError(t, err)
	require.Equal(t, schema.StatusCompleted, reference.Status)

	assert.Equal(t, resultKeys(reference), resultKeys(final))
	for key, want := range reference.StepResults {
		assert.Equal(t, want.Status, final.StepResults[key].Status, "status of %s", key)
	}
	assert.Equal(t, schema.OutcomeSkipped, final.StepResults["each.iter_0.double"].Status)
	assert.Equal(t, schema.OutcomeCompleted, final.StepResults["each.iter_1.double"].Status)
	assert.Equal(t, schema.OutcomeCompleted, final.StepResults["bump"].Status)
	assert.Equal(t, 3, final.VariableMap()["count"])
}

func TestRunner_CancelPausedRun(t *testing.T) {
	var env *runnerEnv
	env = newRunnerEnv(t, pauseAt(&env, "a"), RunnerConfig{})
	def := mustDefinition(t, newDoc(click("a"), click("b")))

	id, err := env.runner.Start(waitCtx(t), def, nil)
	require.NoError(t, err)
	snap, err := env.runner.Wait(waitCtx(t), id)
	require.NoError(t, err)
	require.Equal(t, schema.StatusPaused, snap.Status)

	require.NoError(t, env.runner.Cancel(waitCtx(t), id, "no longer needed"))

	snap, err = env.runner.Status(waitCtx(t), id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCancelled, snap.Status)
	assert.Equal(t, []string{"a"}, env.backend.stepIDs())

	finals := env.publisher.finals()
	require.Len(t, finals, 1)
	assert.Equal(t, schema.StatusCancelled, finals[0].Status)

	err = env.runner.Resume(waitCtx(t), id)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, engineCode(err))
}

func TestRunner_ControlErrors(t *testing.T) {
	env := newRunnerEnv(t, nil, RunnerConfig{})

	err := env.runner.Resume(waitCtx(t), "missing")
	assert.Equal(t, schema.ErrCodeNotFound, engineCode(err))

	_, err = env.runner.Status(waitCtx(t), "missing")
	assert.Equal(t, schema.ErrCodeNotFound, engineCode(err))

	snap, err := env.runner.Run(waitCtx(t), mustDefinition(t, newDoc(click("a"))), nil)
	require.NoError(t, err)

	err = env.runner.Pause(waitCtx(t), snap.ExecutionID)
	assert.Equal(t, schema.ErrCodeInvalidTransition, engineCode(err))
	err = env.runner.Resume(waitCtx(t), snap.ExecutionID)
	assert.Equal(t, schema.ErrCodeInvalidTransition, engineCode(err))
}

func TestRunner_ShutdownPausesActiveRuns(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	env := newRunnerEnv(t, func(ctx context.Context, req *StepRequest) (map[string]any, error) {
		if req.StepID == "a" {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return nil, nil
	}, RunnerConfig{})
	def := mustDefinition(t, newDoc(click("a"), click("b")))

	id, err := env.runner.Start(waitCtx(t), def, nil)
	require.NoError(t, err)
	<-started

	shutdownCtx := waitCtx(t)
	shutdown := make(chan error, 1)
	go func() { shutdown <- env.runner.Shutdown(shutdownCtx) }()

	require.Eventually(t, func() bool {
		env.runner.mu.Lock()
		defer env.runner.mu.Unlock()
		run, ok := env.runner.active[id]
		return ok && run.pause.Requested()
	}, 5*time.Second, time.Millisecond)
	close(release)

	require.NoError(t, <-shutdown)

	snap, err := env.runner.Status(waitCtx(t), id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPaused, snap.Status)
	assert.Equal(t, []string{"a"}, env.backend.stepIDs())

	_, err = env.runner.Start(waitCtx(t), def, nil)
	assert.Equal(t, schema.ErrCodeConflict, engineCode(err))
}

func TestRunner_PoolBoundsActiveRuns(t *testing.T) {
	env := newRunnerEnv(t, func(context.Context, *StepRequest) (map[string]any, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	}, RunnerConfig{PoolSize: 1})
	def := mustDefinition(t, newDoc(click("a")))

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := env.runner.Start(waitCtx(t), def, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		snap, err := env.runner.Wait(waitCtx(t), id)
		require.NoError(t, err)
		assert.Equal(t, schema.StatusCompleted, snap.Status)
	}
	assert.Equal(t, int64(1), env.backend.peak.Load())

	require.Eventually(t, func() bool { return env.runner.PoolMetrics().Active == 0 }, time.Second, time.Millisecond)
	m := env.runner.PoolMetrics()
	assert.Equal(t, int64(1), m.Size)
	assert.Equal(t, int64(3), m.Acquired)
	assert.Zero(t, m.Timeouts)
}

func TestRunner_ListAndDefinitions(t *testing.T) {
	env := newRunnerEnv(t, nil, RunnerConfig{})
	def := mustDefinition(t, newDoc(click("a")))

	snap, err := env.runner.Run(waitCtx(t), def, nil)
	require.NoError(t, err)

	got, ok := env.runner.Definition(def.ID)
	require.True(t, ok)
	assert.Same(t, def, got)
	assert.Len(t, env.runner.Definitions(), 1)

	summaries, err := env.runner.List(waitCtx(t), store.SnapshotFilter{WorkflowID: def.ID})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, snap.ExecutionID, summaries[0].ExecutionID)

	p, err := env.runner.Progress(waitCtx(t), snap.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, p.Status)
	assert.Equal(t, 1, p.TotalSteps)
}

func TestApplyInputDefaults(t *testing.T) {
	defs := []schema.InputDefinition{
		{Name: "query", Required: true},
		{Name: "limit", Default: 10},
		{Name: "tags", Default: []any{"a"}},
	}

	got, err := ApplyInputDefaults(defs, map[string]any{"query": "q", "limit": 3})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"query": "q", "limit": 3, "tags": []any{"a"}}, got)

	_, err = ApplyInputDefaults(defs, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, engineCode(err))
}

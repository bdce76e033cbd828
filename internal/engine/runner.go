package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/rendis/houndflow/internal/logging"
	"github.com/rendis/houndflow/internal/store"
	"github.com/rendis/houndflow/pkg/schema"
)

// DefaultPoolSize is the default number of concurrently active runs.
const DefaultPoolSize = 10

// DefaultFinishedTTL is how long finished runs stay in the status cache.
const DefaultFinishedTTL = 10 * time.Minute

// persistTimeout bounds snapshot writes made while a run winds down.
const persistTimeout = 10 * time.Second

// RunnerConfig holds configuration for the runner.
type RunnerConfig struct {
	PoolSize           int           // max concurrently active runs
	AcquireTimeout     time.Duration // 0 waits for a slot indefinitely
	ProgressInterval   time.Duration // progress throttle
	FinishedTTL        time.Duration // status cache lifetime of finished runs
	DisableCheckpoints bool          // skip the snapshot after every step
}

// Dependencies are the collaborators injected into every run.
type Dependencies struct {
	Backend    StepExecutorBackend
	Evidence   EvidenceSink
	Conditions ConditionEvaluator
	Outputs    OutputEvaluator
	Params     ParamResolver
	Inputs     InputValidator
	Progress   ProgressPublisher
	State      *StateManager
	Logger     *zap.Logger
}

// activeRun tracks one run while its goroutine is alive.
type activeRun struct {
	ec      *ExecutionContext
	def     *WorkflowDefinition
	pause   *pauseSignal
	cancel  context.CancelCauseFunc
	emitter *ProgressEmitter
	done    chan struct{}
	result  *schema.ExecutionSnapshot // set before done is closed
}

// Runner starts, drives, and controls workflow runs. All methods are safe
// for concurrent use.
type Runner struct {
	deps     Dependencies
	cfg      RunnerConfig
	pool     *ResourcePool
	state    *StateManager
	logger   *zap.Logger
	finished *cache.Cache
	base     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup

	// mu guards defs, active and closed.
	mu     sync.Mutex
	defs   map[string]*WorkflowDefinition
	active map[string]*activeRun
	closed bool
}

// NewRunner creates a Runner. A backend is required.
func NewRunner(deps Dependencies, cfg RunnerConfig) (*Runner, error) {
	if deps.Backend == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "runner requires a step executor backend")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.FinishedTTL <= 0 {
		cfg.FinishedTTL = DefaultFinishedTTL
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.State == nil {
		deps.State = NewStateManager(nil, deps.Logger)
	}

	base, stop := context.WithCancel(context.Background())
	return &Runner{
		deps:     deps,
		cfg:      cfg,
		pool:     NewResourcePool(cfg.PoolSize, cfg.AcquireTimeout),
		state:    deps.State,
		logger:   deps.Logger,
		finished: cache.New(cfg.FinishedTTL, 2*cfg.FinishedTTL),
		base:     base,
		stop:     stop,
		defs:     make(map[string]*WorkflowDefinition),
		active:   make(map[string]*activeRun),
	}, nil
}

// RegisterDefinition makes def available to Resume. Registering a workflow id
// again replaces the previous definition.
func (r *Runner) RegisterDefinition(def *WorkflowDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
}

// Definition returns the registered definition of workflowID.
func (r *Runner) Definition(workflowID string) (*WorkflowDefinition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[workflowID]
	return def, ok
}

// Definitions returns the registered definitions ordered by id.
func (r *Runner) Definitions() []*WorkflowDefinition {
	r.mu.Lock()
	out := make([]*WorkflowDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start validates inputs, creates a run and drives it in the background.
// It returns the new execution id.
func (r *Runner) Start(ctx context.Context, def *WorkflowDefinition, inputs map[string]any) (string, error) {
	if def == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if r.isClosed() {
		return "", errRunnerClosed()
	}
	resolved, err := r.resolveInputs(def, inputs)
	if err != nil {
		return "", err
	}
	r.RegisterDefinition(def)

	ec := NewExecutionContext(uuid.NewString(), def, resolved)
	if err := r.state.Save(ctx, ec.Snapshot()); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", errRunnerClosed()
	}
	r.launchLocked(ec, def)
	return ec.ExecutionID(), nil
}

// Run starts a run and waits for it to finish or pause. If ctx ends first
// the run is cancelled.
func (r *Runner) Run(ctx context.Context, def *WorkflowDefinition, inputs map[string]any) (*schema.ExecutionSnapshot, error) {
	id, err := r.Start(ctx, def, inputs)
	if err != nil {
		return nil, err
	}
	snap, err := r.Wait(ctx, id)
	if err != nil && ctx.Err() != nil {
		bg := context.WithoutCancel(ctx)
		_ = r.Cancel(bg, id, "caller context done")
		snap, _ = r.Status(bg, id)
		return snap, ctx.Err()
	}
	return snap, err
}

// Wait blocks until the run's goroutine ends (terminal or paused) and
// returns its snapshot.
func (r *Runner) Wait(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error) {
	r.mu.Lock()
	run, ok := r.active[executionID]
	r.mu.Unlock()
	if !ok {
		return r.Status(ctx, executionID)
	}
	select {
	case <-run.done:
		return run.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pause asks a run to suspend at its next step boundary. It returns without
// waiting for the pause to be honored.
func (r *Runner) Pause(ctx context.Context, executionID string) error {
	r.mu.Lock()
	run, ok := r.active[executionID]
	r.mu.Unlock()
	if !ok {
		snap, err := r.Status(ctx, executionID)
		if err != nil {
			return err
		}
		if snap.Status == schema.StatusPaused {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot pause execution %s in status %s", executionID, snap.Status)
	}
	run.pause.Request()
	logging.For(logging.WithRun(ctx, executionID, run.ec.WorkflowID()), r.logger).Info("pause requested")
	return nil
}

// Resume continues a paused run from its latest snapshot.
func (r *Runner) Resume(ctx context.Context, executionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRunnerClosed()
	}
	if _, ok := r.active[executionID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is still running", executionID)
	}
	snap, err := r.state.Load(ctx, executionID)
	if err != nil {
		return err
	}
	if snap.Status != schema.StatusPaused {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot resume execution %s in status %s", executionID, snap.Status)
	}
	def, ok := r.defs[snap.WorkflowID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q is not registered", snap.WorkflowID)
	}

	ec := RestoreExecutionContext(snap, def)
	r.launchLocked(ec, def)
	logging.For(logging.WithRun(ctx, executionID, def.ID), r.logger).Info("execution resumed")
	return nil
}

// Cancel stops a run. Active runs are interrupted at their current
// suspension point; paused runs are finalised directly.
func (r *Runner) Cancel(ctx context.Context, executionID, reason string) error {
	r.mu.Lock()
	run, ok := r.active[executionID]
	r.mu.Unlock()
	if ok {
		run.cancel(cancelRequested(reason))
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if run.result != nil && run.result.Status != schema.StatusPaused {
			return nil
		}
		// The run paused before the cancellation reached it.
	}
	return r.cancelStored(ctx, executionID, reason)
}

func (r *Runner) cancelStored(ctx context.Context, executionID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.active[executionID]; ok {
		run.cancel(cancelRequested(reason))
		return nil
	}
	snap, err := r.state.Load(ctx, executionID)
	if err != nil {
		return err
	}
	ec := RestoreExecutionContext(snap, r.defs[snap.WorkflowID])
	if err := ec.Finish(schema.StatusCancelled, cancelRequested(reason)); err != nil {
		return err
	}
	final := ec.Snapshot()
	if err := r.state.Save(ctx, final); err != nil {
		return err
	}
	r.finished.Set(executionID, final, cache.DefaultExpiration)
	NewProgressEmitter(r.deps.Progress, r.cfg.ProgressInterval, r.logger).Final(ec.Progress())
	logging.For(logging.WithRun(ctx, executionID, snap.WorkflowID), r.logger).Info("execution cancelled",
		zap.String("reason", reason))
	return nil
}

// Status returns a snapshot of the run: live for active runs, otherwise the
// latest stored one.
func (r *Runner) Status(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error) {
	r.mu.Lock()
	run, ok := r.active[executionID]
	r.mu.Unlock()
	if ok {
		return run.ec.Snapshot(), nil
	}
	if v, ok := r.finished.Get(executionID); ok {
		return v.(*schema.ExecutionSnapshot), nil
	}
	return r.state.Load(ctx, executionID)
}

// Progress returns the current progress view of a run.
func (r *Runner) Progress(ctx context.Context, executionID string) (schema.Progress, error) {
	r.mu.Lock()
	run, ok := r.active[executionID]
	r.mu.Unlock()
	if ok {
		return run.ec.Progress(), nil
	}
	snap, err := r.Status(ctx, executionID)
	if err != nil {
		return schema.Progress{}, err
	}
	def, _ := r.Definition(snap.WorkflowID)
	return RestoreExecutionContext(snap, def).Progress(), nil
}

// List returns stored run summaries.
func (r *Runner) List(ctx context.Context, filter store.SnapshotFilter) ([]*store.SnapshotSummary, error) {
	return r.state.List(ctx, filter)
}

// PoolMetrics reports how the run slots are used.
func (r *Runner) PoolMetrics() PoolMetrics {
	return r.pool.Metrics()
}

// Shutdown stops accepting runs and pauses active ones so they can be resumed
// later. Runs still active when ctx ends are cancelled.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	runs := make([]*activeRun, 0, len(r.active))
	for _, run := range r.active {
		runs = append(runs, run)
	}
	r.mu.Unlock()

	for _, run := range runs {
		run.pause.Request()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		r.stop()
		<-done
	}
	r.stop()
	return err
}

// --- run driving ---

func (r *Runner) launchLocked(ec *ExecutionContext, def *WorkflowDefinition) *activeRun {
	runCtx, cancel := context.WithCancelCause(r.base)
	run := &activeRun{
		ec:      ec,
		def:     def,
		pause:   &pauseSignal{},
		cancel:  cancel,
		emitter: NewProgressEmitter(r.deps.Progress, r.cfg.ProgressInterval, r.logger),
		done:    make(chan struct{}),
	}
	ec.onChange = func() { r.observe(run) }
	r.active[ec.ExecutionID()] = run

	r.wg.Add(1)
	go r.drive(runCtx, run)
	return run
}

// drive owns the run's ExecutionContext until the run ends or pauses.
func (r *Runner) drive(runCtx context.Context, run *activeRun) {
	defer r.wg.Done()
	defer close(run.done)

	ec, def := run.ec, run.def
	ctx := logging.WithRun(runCtx, ec.ExecutionID(), ec.WorkflowID())

	tok, err := r.pool.Acquire(ctx)
	if err != nil {
		r.conclude(ctx, run, err, false)
		return
	}
	defer r.pool.Release(tok)

	if err := ec.Transition(schema.StatusRunning); err != nil {
		r.conclude(ctx, run, err, false)
		return
	}
	logging.For(ctx, r.logger).Info("execution running", zap.Int("total_steps", def.Plan.TotalSteps()))

	execCtx, cancel := withTimeout(ctx, def.Timeout)
	in := newInterpreter(def, ec, r.collaborators(), run.pause, r.logger)
	err = in.run(execCtx)
	timedOut := err != nil && ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancel()

	r.conclude(ctx, run, err, timedOut)
}

// conclude settles the run's status after the interpreter returns.
func (r *Runner) conclude(ctx context.Context, run *activeRun, err error, timedOut bool) {
	ec := run.ec
	logger := logging.For(ctx, r.logger)

	if errors.Is(err, errPaused) {
		r.suspend(ctx, run)
		return
	}

	var (
		final   schema.ExecutionStatus
		failure *schema.EngineError
	)
	switch {
	case err == nil:
		final = schema.StatusCompleted
	case timedOut:
		final = schema.StatusFailed
		failure = schema.NewErrorf(schema.ErrCodeTimeout, "workflow timed out after %s", run.def.Timeout).WithCause(err)
	case ctx.Err() != nil:
		final = schema.StatusCancelled
		failure = cancellationOf(ctx)
	default:
		final = schema.StatusFailed
		failure = toEngineError(err, Classify(err), "")
	}

	if ferr := ec.Finish(final, failure); ferr != nil {
		logger.Error("finish execution failed", zap.Error(ferr))
	}
	snap := ec.Snapshot()
	r.persist(ctx, snap)
	run.emitter.Final(ec.Progress())
	run.result = snap

	r.finished.Set(ec.ExecutionID(), snap, cache.DefaultExpiration)
	r.mu.Lock()
	delete(r.active, ec.ExecutionID())
	r.mu.Unlock()

	fields := []zap.Field{zap.String("status", string(snap.Status))}
	if failure != nil {
		fields = append(fields, zap.String("error_code", failure.Code), zap.String("error", failure.Message))
	}
	logger.Info("execution finished", fields...)
}

// suspend records a honored pause and releases the run goroutine.
func (r *Runner) suspend(ctx context.Context, run *activeRun) {
	ec := run.ec
	if err := ec.Transition(schema.StatusPaused); err != nil {
		logging.For(ctx, r.logger).Error("pause transition failed", zap.Error(err))
	}
	snap := ec.Snapshot()
	r.persist(ctx, snap)
	run.emitter.Notify(ec.Progress())
	run.emitter.Flush()
	run.result = snap

	r.mu.Lock()
	delete(r.active, ec.ExecutionID())
	r.mu.Unlock()
	logging.For(ctx, r.logger).Info("execution paused", zap.String("current_step", snap.CurrentStepID))
}

// observe runs after every recorded result and status change of an active run.
func (r *Runner) observe(run *activeRun) {
	p := run.ec.Progress()
	if p.Status != schema.StatusRunning {
		return
	}
	run.emitter.Notify(p)
	if r.cfg.DisableCheckpoints {
		return
	}
	r.persist(r.base, run.ec.Snapshot())
}

func (r *Runner) persist(ctx context.Context, snap *schema.ExecutionSnapshot) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	_ = r.state.Save(ctx, snap)
}

func (r *Runner) collaborators() collaborators {
	return collaborators{
		backend:    r.deps.Backend,
		evidence:   r.deps.Evidence,
		conditions: r.deps.Conditions,
		outputs:    r.deps.Outputs,
		params:     r.deps.Params,
	}
}

func (r *Runner) resolveInputs(def *WorkflowDefinition, inputs map[string]any) (map[string]any, error) {
	if r.deps.Inputs != nil {
		return r.deps.Inputs.ValidateInputs(def.Inputs, inputs)
	}
	return ApplyInputDefaults(def.Inputs, inputs)
}

func (r *Runner) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// ApplyInputDefaults fills declared defaults and rejects missing required
// inputs. Undeclared inputs pass through.
func ApplyInputDefaults(defs []schema.InputDefinition, provided map[string]any) (map[string]any, error) {
	out := copyMap(provided)
	if out == nil {
		out = make(map[string]any)
	}
	result := &schema.ValidationResult{}
	for _, d := range defs {
		if _, ok := out[d.Name]; ok {
			continue
		}
		switch {
		case d.Default != nil:
			out[d.Name] = copyValue(d.Default)
		case d.Required:
			result.AddErrorf("inputs."+d.Name, schema.ErrCodeValidation, "required input %q is missing", d.Name)
		}
	}
	if err := result.ToError(); err != nil {
		return nil, err
	}
	return out, nil
}

func cancelRequested(reason string) *schema.EngineError {
	if reason == "" {
		return schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
	}
	return schema.NewError(schema.ErrCodeCancelled, "execution cancelled: "+reason)
}

// cancellationOf returns the cancellation cause of ctx as an EngineError.
func cancellationOf(ctx context.Context) *schema.EngineError {
	var ee *schema.EngineError
	if errors.As(context.Cause(ctx), &ee) {
		return ee
	}
	return cancelRequested("")
}

func errRunnerClosed() error {
	return schema.NewError(schema.ErrCodeConflict, "runner is shut down")
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rendis/houndflow/internal/logging"
	"github.com/rendis/houndflow/pkg/schema"
)

// errPaused unwinds the step tree when a pause request is honored.
var errPaused = errors.New("execution paused")

// pauseSignal is the suspend request of one run. It is only ever read at
// step boundaries.
type pauseSignal struct {
	requested atomic.Bool
}

func (p *pauseSignal) Request()        { p.requested.Store(true) }
func (p *pauseSignal) Requested() bool { return p.requested.Load() }

// collaborators are the injected capabilities the interpreter dispatches to.
type collaborators struct {
	backend    StepExecutorBackend
	evidence   EvidenceSink
	conditions ConditionEvaluator
	outputs    OutputEvaluator
	params     ParamResolver
}

// scope is the environment a step list runs in.
type scope struct {
	vars     varScope
	rec      recorder
	pausable bool
}

func (s scope) handlers() scope {
	return scope{vars: s.vars, rec: s.rec, pausable: false}
}

// interpreter walks one run's step tree. It is created per run and driven
// by a single goroutine; parallel branches get their own goroutines and
// isolated scopes.
type interpreter struct {
	def    *WorkflowDefinition
	ec     *ExecutionContext
	deps   collaborators
	pause  *pauseSignal
	logger *zap.Logger
}

func newInterpreter(def *WorkflowDefinition, ec *ExecutionContext, deps collaborators, pause *pauseSignal, logger *zap.Logger) *interpreter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pause == nil {
		pause = &pauseSignal{}
	}
	return &interpreter{def: def, ec: ec, deps: deps, pause: pause, logger: logger}
}

// run executes the top-level step list. It returns nil on success, errPaused
// when a pause was honored, or the unabsorbed failure.
func (in *interpreter) run(ctx context.Context) error {
	root := scope{vars: in.ec, rec: in.ec, pausable: true}
	return in.runList(ctx, root, in.def.Plan.Root, "")
}

// runList runs steps in order. An unabsorbed failure aborts the rest.
func (in *interpreter) runList(ctx context.Context, sc scope, nodes []int, prefix string) error {
	for _, idx := range nodes {
		if sc.pausable && in.pause.Requested() {
			return errPaused
		}
		if err := ctx.Err(); err != nil {
			return cancelledError(err)
		}
		n := in.def.Plan.Node(idx)
		if err := in.runStep(ctx, sc, n, joinKey(prefix, n.Def.ID)); err != nil {
			return err
		}
	}
	return nil
}

// runStep applies guard, timeout, retry, and handlers to one step.
func (in *interpreter) runStep(ctx context.Context, sc scope, n *Node, key string) error {
	if prior, ok := sc.rec.lookup(key); ok {
		return in.replay(n, key, prior)
	}

	ctx = logging.WithStepID(ctx, key)
	in.ec.SetCurrentStep(key)
	started := time.Now()

	if n.Type != schema.StepTypeConditional && n.Def.Condition != "" {
		ok, err := in.evalCondition(ctx, sc, n.Def.Condition)
		if err != nil {
			return in.fail(ctx, sc, n, key, started, 1, schema.NewErrorf(schema.ErrCodeInvalidParams,
				"guard %q: %s", n.Def.Condition, err.Error()).WithCause(err))
		}
		if !ok {
			sc.rec.record(&schema.StepResult{
				StepID: key, Type: n.Type, Status: schema.OutcomeSkipped, StartedAt: started.UTC(),
			})
			in.note(ctx, sc, schema.LogInfo, key, "step skipped: guard is false", "", 0)
			return nil
		}
	}

	var (
		outputs  map[string]any
		attempts = 1
		err      error
	)
	if n.Type.IsControl() {
		stepCtx, cancel := withTimeout(ctx, n.Timeout)
		outputs, err = in.runControl(stepCtx, sc, n, key)
		if err != nil && !errors.Is(err, errPaused) && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			err = schema.NewErrorf(schema.ErrCodeTimeout, "step timed out after %s", n.Timeout).WithCause(err)
		}
		cancel()
	} else {
		outputs, attempts, err = in.runPrimitive(ctx, sc, n, key)
	}

	if errors.Is(err, errPaused) {
		return err
	}
	if err != nil {
		return in.fail(ctx, sc, n, key, started, attempts, err)
	}
	return in.succeed(ctx, sc, n, key, started, attempts, outputs)
}

// replay reproduces the outcome of a step already recorded before a resume.
func (in *interpreter) replay(n *Node, key string, prior *schema.StepResult) error {
	if prior.Status != schema.OutcomeFailed || in.def.continueOnError(n) {
		return nil
	}
	if prior.Error != nil {
		return prior.Error
	}
	return schema.NewError(schema.ErrCodePermanent, "step failed before resume").WithStep(key)
}

func (in *interpreter) runPrimitive(ctx context.Context, sc scope, n *Node, key string) (map[string]any, int, error) {
	for attempt := 1; ; attempt++ {
		outputs, err := in.attempt(ctx, sc, n, key, attempt)
		if err == nil {
			return outputs, attempt, nil
		}

		class := classifyInScope(ctx, err)
		if !ShouldRetry(class, n.Retry, attempt) {
			return nil, attempt, err
		}

		delay := BackoffDelay(attempt, n.Retry)
		in.note(ctx, sc, schema.LogWarn, key,
			fmt.Sprintf("attempt %d failed, retrying in %s: %s", attempt, delay, err.Error()), class, attempt)
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			return nil, attempt, cancelledError(werr)
		}
	}
}

func (in *interpreter) attempt(ctx context.Context, sc scope, n *Node, key string, attempt int) (map[string]any, error) {
	vars := sc.vars.Map()
	params := copyMap(n.Def.Params)
	if in.deps.params != nil && len(params) > 0 {
		resolved, err := in.deps.params.ResolveParams(params, vars)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidParams, "resolve params: %s", err.Error()).WithCause(err)
		}
		params = resolved
	}

	attemptCtx, cancel := withTimeout(ctx, n.Timeout)
	defer cancel()
	deadline, _ := attemptCtx.Deadline()

	resp, err := in.deps.backend.Execute(attemptCtx, &StepRequest{
		ExecutionID: in.ec.ExecutionID(),
		StepID:      key,
		Type:        n.Type,
		Params:      params,
		Variables:   vars,
		Deadline:    deadline,
		Attempt:     attempt,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "step timed out after %s", n.Timeout).WithCause(err)
		}
		return nil, err
	}
	if resp == nil || resp.Outputs == nil {
		return map[string]any{}, nil
	}
	return resp.Outputs, nil
}

func (in *interpreter) succeed(ctx context.Context, sc scope, n *Node, key string, started time.Time, attempts int, outputs map[string]any) error {
	if err := in.bindOutputs(ctx, sc, n, outputs); err != nil {
		return in.fail(ctx, sc, n, key, started, attempts, err)
	}

	sc.rec.record(&schema.StepResult{
		StepID:     key,
		Type:       n.Type,
		Status:     schema.OutcomeCompleted,
		Outputs:    outputs,
		Attempts:   attempts,
		DurationMs: time.Since(started).Milliseconds(),
		StartedAt:  started.UTC(),
	})
	in.note(ctx, sc, schema.LogInfo, key, "step completed", "", attempts)

	if in.deps.evidence != nil && in.def.captures(n.Type) {
		snap := in.ec.Snapshot()
		sc.rec.overlay(snap)
		handle, err := in.deps.evidence.Capture(ctx, snap, key)
		if err != nil {
			in.note(ctx, sc, schema.LogWarn, key, "evidence capture failed: "+err.Error(), "", 0)
		} else if handle != "" {
			sc.rec.addEvidence(handle)
		}
	}

	if len(n.OnSuccess) == 0 {
		return nil
	}
	if err := in.runList(ctx, sc.handlers(), n.OnSuccess, joinKey(key, SegmentOnSuccess)); err != nil {
		return in.absorb(ctx, sc, n, key, err)
	}
	return nil
}

func (in *interpreter) fail(ctx context.Context, sc scope, n *Node, key string, started time.Time, attempts int, err error) error {
	class := classifyInScope(ctx, err)
	ee := toEngineError(err, class, key)

	sc.rec.record(&schema.StepResult{
		StepID:         key,
		Type:           n.Type,
		Status:         schema.OutcomeFailed,
		Error:          ee,
		Classification: class,
		Attempts:       attempts,
		DurationMs:     time.Since(started).Milliseconds(),
		StartedAt:      started.UTC(),
	})
	in.note(ctx, sc, schema.LogError, key, ee.Message, class, attempts)

	if class == schema.ClassCancelled {
		return ee
	}

	if len(n.OnError) > 0 {
		if herr := in.runList(ctx, sc.handlers(), n.OnError, joinKey(key, SegmentOnError)); herr != nil {
			return in.absorb(ctx, sc, n, key, herr)
		}
	}
	return in.absorb(ctx, sc, n, key, ee)
}

// absorb swallows err when the step continues on error. Cancellation is never absorbed.
func (in *interpreter) absorb(ctx context.Context, sc scope, n *Node, key string, err error) error {
	if classifyInScope(ctx, err) == schema.ClassCancelled || !in.def.continueOnError(n) {
		return err
	}
	in.note(ctx, sc, schema.LogWarn, key, "failure absorbed: "+err.Error(), Classify(err), 0)
	return nil
}

func (in *interpreter) bindOutputs(ctx context.Context, sc scope, n *Node, outputs map[string]any) error {
	if n.Def.OutputVar != "" {
		sc.vars.Set(n.Def.OutputVar, copyMap(outputs))
	}
	if len(n.Def.Outputs) == 0 {
		return nil
	}
	if in.deps.outputs == nil {
		return schema.NewError(schema.ErrCodePermanent, "output bindings declared but no output evaluator is configured")
	}

	names := make([]string, 0, len(n.Def.Outputs))
	for name := range n.Def.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	data := copyMap(outputs)
	if data == nil {
		data = map[string]any{}
	}
	for _, name := range names {
		v, err := in.deps.outputs.Evaluate(ctx, n.Def.Outputs[name], data)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeInvalidParams, "bind output %q: %s", name, err.Error()).WithCause(err)
		}
		sc.vars.Set(name, v)
	}
	return nil
}

func (in *interpreter) evalCondition(ctx context.Context, sc scope, expression string) (bool, error) {
	if in.deps.conditions == nil {
		return false, schema.NewError(schema.ErrCodePermanent, "no condition evaluator is configured")
	}
	return in.deps.conditions.EvalBool(ctx, expression, map[string]any{
		"vars":   sc.vars.Map(),
		"steps":  sc.rec.stepsView(),
		"inputs": in.ec.Inputs(),
	})
}

// note appends an execution log entry and mirrors it to the process logger.
func (in *interpreter) note(ctx context.Context, sc scope, level schema.LogLevel, stepID, msg string, class schema.Classification, attempt int) {
	sc.rec.log(schema.LogEntry{
		Time:           time.Now().UTC(),
		Level:          level,
		StepID:         stepID,
		Message:        msg,
		Classification: class,
		Attempt:        attempt,
	})

	logger := logging.For(ctx, in.logger)
	fields := make([]zap.Field, 0, 2)
	if class != "" {
		fields = append(fields, zap.String("classification", string(class)))
	}
	if attempt > 0 {
		fields = append(fields, zap.Int("attempt", attempt))
	}
	switch level {
	case schema.LogError:
		logger.Error(msg, fields...)
	case schema.LogWarn:
		logger.Warn(msg, fields...)
	case schema.LogDebug:
		logger.Debug(msg, fields...)
	default:
		logger.Info(msg, fields...)
	}
}

// toEngineError normalises err into an EngineError carrying the step key.
func toEngineError(err error, class schema.Classification, key string) *schema.EngineError {
	var ee *schema.EngineError
	if errors.As(err, &ee) {
		if class == schema.ClassCancelled && ee.Code != schema.ErrCodeCancelled {
			return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithStep(key).WithCause(err)
		}
		if class != schema.ClassCancelled && ee.Code == schema.ErrCodeCancelled {
			return schema.NewError(schema.ErrCodeTransient, ee.Message).WithStep(key).WithCause(err)
		}
		out := *ee
		if out.StepID == "" {
			out.StepID = key
		}
		return &out
	}

	code := schema.ErrCodePermanent
	switch {
	case class == schema.ClassCancelled:
		code = schema.ErrCodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		code = schema.ErrCodeTimeout
	case class == schema.ClassTransient:
		code = schema.ErrCodeTransient
	}
	return schema.NewError(code, err.Error()).WithStep(key).WithCause(err)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

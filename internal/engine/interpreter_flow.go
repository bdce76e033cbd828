package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/houndflow/pkg/schema"
)

const defaultItemVar = "item"

func (in *interpreter) runControl(ctx context.Context, sc scope, n *Node, key string) (map[string]any, error) {
	switch n.Type {
	case schema.StepTypeSequence:
		if err := in.runList(ctx, sc, n.Steps, key); err != nil {
			return nil, err
		}
		return map[string]any{"steps": len(n.Steps)}, nil
	case schema.StepTypeConditional:
		return in.runConditional(ctx, sc, n, key)
	case schema.StepTypeLoop:
		return in.runLoop(ctx, sc, n, key)
	case schema.StepTypeParallel:
		return in.runParallel(ctx, sc, n, key)
	default:
		return nil, schema.NewErrorf(schema.ErrCodePermanent, "step type %q is not a control step", n.Type)
	}
}

// --- Conditional ---

// runConditional evaluates the branch test once and memoises the decision,
// so a resumed run takes the same branch.
func (in *interpreter) runConditional(ctx context.Context, sc scope, n *Node, key string) (map[string]any, error) {
	memoKey := key + "#branch"

	branch, ok := memoString(sc.rec, memoKey)
	if !ok {
		result, err := in.evalCondition(ctx, sc, n.Def.Condition)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidParams,
				"condition %q: %s", n.Def.Condition, err.Error()).WithCause(err)
		}
		branch = SegmentElse
		if result {
			branch = SegmentThen
		}
		sc.rec.setMemo(memoKey, branch)
	}

	steps := n.Then
	if branch == SegmentElse {
		steps = n.Else
	}
	if len(steps) == 0 {
		return map[string]any{"branch": "none"}, nil
	}
	if err := in.runList(ctx, sc, steps, joinKey(key, branch)); err != nil {
		return nil, err
	}
	return map[string]any{"branch": branch}, nil
}

// --- Loop ---

// runLoop iterates the body over the resolved items, each iteration in a
// child scope with the item bound. Pause requests are honored only between
// iterations.
func (in *interpreter) runLoop(ctx context.Context, sc scope, n *Node, key string) (map[string]any, error) {
	items, err := in.loopItems(sc, n, key)
	if err != nil {
		return nil, err
	}

	limit := n.Def.MaxIterations
	if limit <= 0 {
		limit = DefaultMaxIterations
	}
	count := len(items)
	truncated := count > limit
	if truncated {
		if in.def.FailOnTruncation {
			return nil, schema.NewErrorf(schema.ErrCodeResourceExhausted,
				"loop has %d items, more than maxIterations %d", len(items), limit)
		}
		count = limit
		in.note(ctx, sc, schema.LogWarn, key,
			fmt.Sprintf("loop truncated to %d of %d items", limit, len(items)), "", 0)
	}

	itemVar := n.Def.ItemVar
	if itemVar == "" {
		itemVar = defaultItemVar
	}

	for i := 0; i < count; i++ {
		if i > 0 && sc.pausable && in.pause.Requested() {
			return nil, errPaused
		}
		if err := ctx.Err(); err != nil {
			return nil, cancelledError(err)
		}

		child := sc.vars.Fork()
		child.bindLocal(itemVar, copyValue(items[i]))
		if n.Def.IndexVar != "" {
			child.bindLocal(n.Def.IndexVar, i)
		}

		iter := scope{vars: child, rec: sc.rec, pausable: false}
		err := in.runList(ctx, iter, n.Steps, iterationKey(key, i))
		child.mergeInto(sc.vars)
		if err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"iterations": count,
		"total":      len(items),
		"truncated":  truncated,
	}, nil
}

// loopItems resolves the loop's items once and memoises them.
func (in *interpreter) loopItems(sc scope, n *Node, key string) ([]any, error) {
	memoKey := key + "#items"
	if v, ok := sc.rec.memo(memoKey); ok {
		if list, ok := v.([]any); ok {
			return list, nil
		}
	}

	var resolved any
	switch src := n.Def.Items.(type) {
	case nil:
		return nil, schema.NewError(schema.ErrCodeInvalidParams, "loop has no items")
	case string:
		if strings.HasPrefix(src, "$") {
			if in.deps.params == nil {
				return nil, schema.NewError(schema.ErrCodePermanent, "no param resolver is configured")
			}
			v, err := in.deps.params.Lookup(src, sc.vars.Map())
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeInvalidParams, "loop items %q: %s", src, err.Error()).WithCause(err)
			}
			resolved = v
		} else {
			v, ok := sc.vars.Get(src)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeInvalidParams, "loop items variable %q is not set", src)
			}
			resolved = v
		}
	default:
		resolved = src
	}

	list, ok := toSlice(resolved)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidParams, "loop items must be a list, got %T", resolved)
	}
	sc.rec.setMemo(memoKey, list)
	return list, nil
}

// --- Parallel ---

type branchOutcome struct {
	key  string
	buf  *branchBuffer
	vars *Vars
	err  error
}

// runParallel fans the children out with at most maxConcurrency in flight.
// Each child runs against an isolated view that is merged into the parent
// scope, one at a time, in completion order.
func (in *interpreter) runParallel(ctx context.Context, sc scope, n *Node, key string) (map[string]any, error) {
	limit := n.Def.MaxConcurrency
	if limit <= 0 {
		limit = in.def.MaxParallel
	}
	if limit <= 0 || limit > len(n.Steps) {
		limit = len(n.Steps)
	}
	if len(n.Steps) == 0 {
		return map[string]any{"total": 0, "completed": 0, "failed": 0}, nil
	}

	batch := NewResourcePool(limit, 0)
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan branchOutcome, len(n.Steps))
	var g errgroup.Group
	for _, idx := range n.Steps {
		child := in.def.Plan.Node(idx)
		out := branchOutcome{
			key:  joinKey(key, child.Def.ID),
			buf:  newBranchBuffer(sc.rec),
			vars: sc.vars.Fork(),
		}
		g.Go(func() error {
			sent := false
			defer func() {
				if r := recover(); r != nil {
					out.err = schema.NewErrorf(schema.ErrCodePermanent, "step panicked: %v", r).WithStep(out.key)
				}
				if !sent {
					outcomes <- out
				}
			}()

			tok, err := batch.Acquire(batchCtx)
			if err != nil {
				out.err = err
				return nil
			}
			defer batch.Release(tok)

			if sc.pausable && in.pause.Requested() {
				out.err = errPaused
				return nil
			}
			branch := scope{vars: out.vars, rec: out.buf, pausable: sc.pausable}
			out.err = in.runStep(batchCtx, branch, child, out.key)
			sent = true
			outcomes <- out
			return nil
		})
	}

	continueOnError := in.def.continueOnError(n)
	var (
		firstErr error
		paused   bool
		failed   []string
	)
	for range n.Steps {
		out := <-outcomes
		out.buf.flushInto(sc.rec)
		out.vars.mergeInto(sc.vars)

		if out.err == nil {
			if r, ok := sc.rec.lookup(out.key); ok && r.Status == schema.OutcomeFailed {
				failed = append(failed, out.key)
			}
			continue
		}
		if errors.Is(out.err, errPaused) {
			paused = true
			continue
		}
		failed = append(failed, out.key)
		if firstErr == nil || (Classify(firstErr) == schema.ClassCancelled && Classify(out.err) != schema.ClassCancelled) {
			firstErr = out.err
		}
		if !continueOnError {
			cancel()
		}
	}
	_ = g.Wait()

	outputs := map[string]any{
		"total":     len(n.Steps),
		"completed": len(n.Steps) - len(failed),
		"failed":    len(failed),
	}
	if len(failed) > 0 {
		outputs["failures"] = stringsToAny(failed)
	}

	if firstErr != nil && (!continueOnError || ctx.Err() != nil) {
		return nil, firstErr
	}
	if paused {
		return nil, errPaused
	}
	if firstErr != nil {
		in.note(ctx, sc, schema.LogWarn, key,
			fmt.Sprintf("%d of %d branches failed", len(failed), len(n.Steps)), "", 0)
	}
	return outputs, nil
}

// --- helpers ---

func memoString(rec recorder, key string) (string, bool) {
	v, ok := rec.memo(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// toSlice converts any slice or array value to []any.
func toSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func stringsToAny(list []string) []any {
	out := make([]any, len(list))
	for i, s := range list {
		out[i] = s
	}
	return out
}

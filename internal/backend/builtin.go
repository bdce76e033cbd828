package backend

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/houndflow/internal/engine"
	"github.com/rendis/houndflow/internal/expressions"
	"github.com/rendis/houndflow/internal/store"
	"github.com/rendis/houndflow/pkg/schema"
)

// --- wait ---

// WaitBackend sleeps for params.duration. Waits on a selector are forwarded
// to the browser backend.
type WaitBackend struct {
	Browser engine.StepExecutorBackend
}

func (b *WaitBackend) Execute(ctx context.Context, req *engine.StepRequest) (*engine.StepResponse, error) {
	if _, ok := req.Params["selector"]; ok {
		if b.Browser == nil {
			return nil, schema.NewError(schema.ErrCodeInvalidParams, "wait on a selector needs a browser backend").
				WithStep(req.StepID)
		}
		return b.Browser.Execute(ctx, req)
	}

	d, ok, err := durationParam(req.Params, "duration")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, schema.NewError(schema.ErrCodeInvalidParams, "wait step needs a duration or a selector").
			WithStep(req.StepID)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return &engine.StepResponse{Outputs: map[string]any{"waitedMs": d.Milliseconds()}}, nil
}

// --- script ---

// ScriptBackend runs script steps in a sandbox: params.expression through
// the expr engine, params.script through JavaScript when it is enabled.
type ScriptBackend struct {
	Expr expressions.Engine
	// JS is nil unless JavaScript scripts are allowed.
	JS expressions.Engine
}

// NewScriptBackend creates the script backend. allowJS enables params.script.
func NewScriptBackend(allowJS bool, jsTimeout time.Duration) *ScriptBackend {
	b := &ScriptBackend{Expr: expressions.NewExprEngine()}
	if allowJS {
		b.JS = expressions.NewJSEngine(jsTimeout)
	}
	return b
}

func (b *ScriptBackend) Execute(ctx context.Context, req *engine.StepRequest) (*engine.StepResponse, error) {
	scope := make(map[string]any, len(req.Variables)+2)
	for k, v := range req.Variables {
		scope[k] = v
	}
	scope["vars"] = req.Variables
	if data, ok := req.Params["data"]; ok {
		scope["data"] = data
	}

	var (
		result any
		err    error
	)
	switch {
	case stringParam(req.Params, "expression", "") != "":
		result, err = b.Expr.Evaluate(ctx, stringParam(req.Params, "expression", ""), scope)
	case stringParam(req.Params, "script", "") != "":
		if b.JS == nil {
			return nil, schema.NewError(schema.ErrCodeInvalidParams, "javascript scripts are disabled").
				WithStep(req.StepID)
		}
		result, err = b.JS.Evaluate(ctx, stringParam(req.Params, "script", ""), scope)
	default:
		return nil, schema.NewError(schema.ErrCodeInvalidParams, "script step needs an expression or a script").
			WithStep(req.StepID)
	}
	if err != nil {
		return nil, err
	}
	return &engine.StepResponse{Outputs: map[string]any{"result": result}}, nil
}

// --- verify ---

// ValueValidator checks a value against a JSON Schema document.
type ValueValidator interface {
	ValidateValue(value any, schemaDoc any) *schema.ValidationResult
}

// VerifyBackend checks params.value. Each of params.schema (JSON Schema),
// params.assert (CEL over value and vars) and params.expected (deep
// equality) that is present must hold.
type VerifyBackend struct {
	Schemas    ValueValidator
	Conditions engine.ConditionEvaluator
}

func (b *VerifyBackend) Execute(ctx context.Context, req *engine.StepRequest) (*engine.StepResponse, error) {
	value := req.Params["value"]
	message := stringParam(req.Params, "message", "")

	if doc, ok := req.Params["schema"]; ok {
		if b.Schemas == nil {
			return nil, schema.NewError(schema.ErrCodeInvalidParams, "schema checks are not configured").WithStep(req.StepID)
		}
		result := b.Schemas.ValidateValue(value, doc)
		for _, issue := range result.Errors {
			if issue.Code == schema.ErrCodeInvalidParams {
				return nil, schema.NewErrorf(schema.ErrCodeInvalidParams, "invalid schema: %s", issue.Message).WithStep(req.StepID)
			}
		}
		if !result.Valid() {
			return nil, assertionFailed(req.StepID, message, "value does not match schema: "+result.Errors[0].String()).
				WithDetails(map[string]any{"errors": result.Errors})
		}
	}

	if expr := stringParam(req.Params, "assert", ""); expr != "" {
		if b.Conditions == nil {
			return nil, schema.NewError(schema.ErrCodeInvalidParams, "assertions are not configured").WithStep(req.StepID)
		}
		ok, err := b.Conditions.EvalBool(ctx, expr, map[string]any{"value": value, "vars": req.Variables})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, assertionFailed(req.StepID, message, "assertion is false: "+expr).
				WithDetails(map[string]any{"assert": expr})
		}
	}

	if expected, ok := req.Params["expected"]; ok {
		if !reflect.DeepEqual(normalizeJSON(expected), normalizeJSON(value)) {
			return nil, assertionFailed(req.StepID, message, "value does not equal expected").
				WithDetails(map[string]any{"expected": expected, "actual": value})
		}
	}

	return &engine.StepResponse{Outputs: map[string]any{"valid": true, "value": value}}, nil
}

func assertionFailed(stepID, message, fallback string) *schema.EngineError {
	if message == "" {
		message = fallback
	}
	return schema.NewError(schema.ErrCodeAssertion, message).WithStep(stepID)
}

// --- ingest ---

// IngestBackend appends params.payload to params.dataset in the ingest sink.
type IngestBackend struct {
	Sink store.IngestSink
}

func (b *IngestBackend) Execute(ctx context.Context, req *engine.StepRequest) (*engine.StepResponse, error) {
	dataset := stringParam(req.Params, "dataset", "")
	if dataset == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidParams, "ingest step needs a dataset").WithStep(req.StepID)
	}
	payload, ok := req.Params["payload"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeInvalidParams, "ingest step needs a payload").WithStep(req.StepID)
	}

	rec := &store.IngestRecord{
		ID:          uuid.NewString(),
		ExecutionID: req.ExecutionID,
		StepID:      req.StepID,
		Dataset:     dataset,
		Payload:     payload,
	}
	if err := b.Sink.Ingest(ctx, rec); err != nil {
		if schema.ErrorCode(err) != "" {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "ingest into %s", dataset).WithCause(err).WithStep(req.StepID)
	}
	return &engine.StepResponse{Outputs: map[string]any{"recordId": rec.ID, "dataset": dataset}}, nil
}

package expressions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/houndflow/pkg/schema"
)

func TestJSEvaluate(t *testing.T) {
	e := NewJSEngine(time.Second)
	data := map[string]any{
		"vars": map[string]any{"a": 20, "names": []any{"x", "y"}},
	}

	got, err := e.Evaluate(context.Background(), `let b = vars.a * 2; b + 2`, data)
	require.NoError(t, err)
	assert.EqualValues(t, 42, got)

	got, err = e.Evaluate(context.Background(), `vars.names.map(n => n.toUpperCase()).join(",")`, data)
	require.NoError(t, err)
	assert.Equal(t, "X,Y", got)

	got, err = e.Evaluate(context.Background(), `({ok: true, n: vars.names.length})`, data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true, "n": int64(2)}, got)
}

func TestJSUndefinedIsNil(t *testing.T) {
	e := NewJSEngine(0)
	got, err := e.Evaluate(context.Background(), `var x = 1;`, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestJSHasNoHostAccess(t *testing.T) {
	e := NewJSEngine(time.Second)
	_, err := e.Evaluate(context.Background(), `require("fs")`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodePermanent))
}

func TestJSTimeoutInterruptsInfiniteLoop(t *testing.T) {
	e := NewJSEngine(50 * time.Millisecond)
	start := time.Now()
	_, err := e.Evaluate(context.Background(), `while (true) {}`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestJSCancellation(t *testing.T) {
	e := NewJSEngine(10 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := e.Evaluate(ctx, `for (;;) {}`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCancelled))
}

package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVars_PreservesInsertionOrder(t *testing.T) {
	v := NewVars()
	v.Set("zeta", 1)
	v.Set("alpha", 2)
	v.Set("zeta", 3)

	list := v.List()
	require.Len(t, list, 2)
	assert.Equal(t, "zeta", list[0].Name)
	assert.Equal(t, 3, list[0].Value)
	assert.Equal(t, "alpha", list[1].Name)
}

func TestVars_MapIsDeepCopy(t *testing.T) {
	v := NewVars()
	v.Set("user", map[string]any{"name": "ada", "tags": []any{"a"}})

	m := v.Map()
	m["user"].(map[string]any)["name"] = "changed"
	m["user"].(map[string]any)["tags"].([]any)[0] = "z"

	got, _ := v.Get("user")
	assert.Equal(t, "ada", got.(map[string]any)["name"])
	assert.Equal(t, "a", got.(map[string]any)["tags"].([]any)[0])
}

func TestVars_ForkIsolatesAndMergesWrites(t *testing.T) {
	parent := NewVars()
	parent.Set("count", 1)
	parent.Set("untouched", "x")

	child := parent.Fork()
	child.bindLocal("item", "row-1")
	child.Set("count", 2)
	child.Set("found", true)

	v, _ := parent.Get("count")
	assert.Equal(t, 1, v, "fork writes stay local until merged")

	child.mergeInto(parent)
	v, _ = parent.Get("count")
	assert.Equal(t, 2, v)
	v, _ = parent.Get("found")
	assert.Equal(t, true, v)
	_, ok := parent.Get("item")
	assert.False(t, ok, "local bindings are never merged")
	assert.Equal(t, 3, parent.Len())
}

func TestCopyValue_TypedContainers(t *testing.T) {
	orig := map[string]any{
		"list":    []string{"a"},
		"headers": map[string]string{"k": "v"},
	}
	cp := copyValue(orig).(map[string]any)
	cp["list"].([]string)[0] = "b"
	cp["headers"].(map[string]string)["k"] = "w"

	assert.Equal(t, "a", orig["list"].([]string)[0])
	assert.Equal(t, "v", orig["headers"].(map[string]string)["k"])
	assert.Nil(t, copyMap(nil))
}

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		in   any
		want any
	}{
		{3, 3},
		{int64(3), 3},
		{uint8(7), 7},
		{float64(3), 3},
		{float32(2), 2},
		{2.5, 2.5},
		{json.Number("12"), 12},
		{json.Number("1.5"), 1.5},
		{float64(1 << 60), float64(1 << 60)},
		{"3", "3"},
		{true, true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, normalizeNumber(tc.in), "%T(%v)", tc.in, tc.in)
	}
}

func TestCopyValue_NumbersSurviveJSON(t *testing.T) {
	orig := map[string]any{"count": 3, "nums": []any{1, 2.5}}
	data, err := json.Marshal(orig)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, copyValue(orig), copyValue(decoded))
}

package engine

import (
	"encoding/json"
	"math"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/rendis/houndflow/pkg/schema"
)

// varScope is the variable view a step tree walks with.
type varScope interface {
	Get(name string) (any, bool)
	Set(name string, value any)
	Map() map[string]any
	Fork() *Vars
}

// Vars is an insertion-ordered variable map owned by a single goroutine.
// A forked Vars journals the names written to it so the writes can be
// merged back into the scope it was forked from.
type Vars struct {
	m       *orderedmap.OrderedMap[string, any]
	journal []string
	written map[string]struct{}
	locals  map[string]struct{}
}

// NewVars creates an empty variable map.
func NewVars() *Vars {
	return &Vars{
		m:       orderedmap.New[string, any](),
		written: make(map[string]struct{}),
		locals:  make(map[string]struct{}),
	}
}

func (v *Vars) Get(name string) (any, bool) {
	return v.m.Get(name)
}

// Set writes a copy of value and journals the name for a later merge.
func (v *Vars) Set(name string, value any) {
	v.m.Set(name, copyValue(value))
	if _, ok := v.locals[name]; ok {
		return
	}
	if _, ok := v.written[name]; !ok {
		v.written[name] = struct{}{}
		v.journal = append(v.journal, name)
	}
}

// bindLocal binds a scope-local name (loop item, loop index) that is never merged back.
func (v *Vars) bindLocal(name string, value any) {
	v.m.Set(name, copyValue(value))
	v.locals[name] = struct{}{}
}

func (v *Vars) Len() int {
	return v.m.Len()
}

// Map returns a deep copy of the variables as a plain map.
func (v *Vars) Map() map[string]any {
	out := make(map[string]any, v.m.Len())
	for pair := v.m.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = copyValue(pair.Value)
	}
	return out
}

// List returns a deep copy of the variables in insertion order.
func (v *Vars) List() []schema.Variable {
	out := make([]schema.Variable, 0, v.m.Len())
	for pair := v.m.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, schema.Variable{Name: pair.Key, Value: copyValue(pair.Value)})
	}
	return out
}

// Fork returns a child scope holding a deep copy of every variable.
func (v *Vars) Fork() *Vars {
	child := NewVars()
	for pair := v.m.Oldest(); pair != nil; pair = pair.Next() {
		child.m.Set(pair.Key, copyValue(pair.Value))
	}
	return child
}

// mergeInto applies the child's journaled writes to dst in first-write order.
func (v *Vars) mergeInto(dst varScope) {
	for _, name := range v.journal {
		if val, ok := v.m.Get(name); ok {
			dst.Set(name, val)
		}
	}
}

func varsFromList(list []schema.Variable) *Vars {
	v := NewVars()
	for _, item := range list {
		v.m.Set(item.Name, copyValue(item.Value))
	}
	return v
}

// copyValue deep-copies the JSON-shaped containers a variable can hold and
// canonicalizes numbers, so a value reads the same before and after a
// snapshot's JSON round trip.
// Other values are treated as immutable scalars.
func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[k] = item
		}
		return out
	default:
		return normalizeNumber(v)
	}
}

// normalizeNumber maps every integral number to int and every other number
// to float64. Expression engines treat int and double as distinct types, so
// 3 decoded from YAML and 3.0 decoded from JSON must not diverge.
func normalizeNumber(v any) any {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint:
		if uint64(n) <= math.MaxInt64 {
			return int(n)
		}
		return float64(n)
	case uint64:
		if n <= math.MaxInt64 {
			return int(n)
		}
		return float64(n)
	case float32:
		return integralFloat(float64(n))
	case float64:
		return integralFloat(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
		if f, err := n.Float64(); err == nil {
			return integralFloat(f)
		}
		return n.String()
	default:
		return v
	}
}

// integralFloat returns f as an int when it holds a whole number that int
// represents exactly.
func integralFloat(f float64) any {
	if f != math.Trunc(f) || math.IsInf(f, 0) || f < -(1<<53) || f > 1<<53 {
		return f
	}
	return int(f)
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return copyValue(m).(map[string]any)
}

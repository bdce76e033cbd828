package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oliveagle/jsonpath"

	"github.com/rendis/houndflow/pkg/schema"
)

// Interpolator resolves variable references in step params.
//
// Two forms are supported:
//   - "$.path": a whole-value JSONPath lookup that keeps the value's type.
//   - "${{ path }}": a template token. A string that is exactly one token
//     keeps the value's type; tokens embedded in text are stringified.
//
// Paths are evaluated against the run's variables, so "${{ item.url }}" and
// "$.item.url" name the same value. "${{ secrets.KEY }}" tokens are left in
// place for the secrets backend to resolve at dispatch.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// ResolveParams returns a copy of params with every reference resolved.
func (interp *Interpolator) ResolveParams(params map[string]any, vars map[string]any) (map[string]any, error) {
	out, err := interp.resolveValue(params, vars, "params")
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	return m, nil
}

// Lookup resolves a single path: "$.a.b", "${{ a.b }}" or a bare "a.b".
func (interp *Interpolator) Lookup(path string, vars map[string]any) (any, error) {
	p := strings.TrimSpace(path)
	if inner, ok := wholeToken(p); ok {
		p = inner
	}
	return lookupPath(p, vars)
}

func (interp *Interpolator) resolveValue(v any, vars map[string]any, at string) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := interp.resolveValue(item, vars, at+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := interp.resolveValue(item, vars, fmt.Sprintf("%s[%d]", at, i))
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case string:
		resolved, err := interp.resolveString(val, vars)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidParams, "%s: %s", at, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"param": at})
		}
		return resolved, nil
	default:
		return v, nil
	}
}

func (interp *Interpolator) resolveString(s string, vars map[string]any) (any, error) {
	if strings.HasPrefix(s, "$.") || strings.HasPrefix(s, "$[") {
		return lookupPath(s, vars)
	}
	if inner, ok := wholeToken(s); ok {
		if isSecretRef(inner) {
			return s, nil
		}
		return lookupPath(inner, vars)
	}
	if !strings.Contains(s, "${{") {
		return s, nil
	}

	var result strings.Builder
	result.Grow(len(s))
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${{")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}
		result.WriteString(s[i : i+idx])
		start := i + idx + 3

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, fmt.Errorf("unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(s[start:end])
		if strings.Contains(expr, "${{") {
			return nil, fmt.Errorf("nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if isSecretRef(expr) {
			result.WriteString(s[i+idx : end+2])
			i = end + 2
			continue
		}
		val, err := lookupPath(expr, vars)
		if err != nil {
			return nil, err
		}
		result.WriteString(marshalInline(val))
		i = end + 2
	}
	return result.String(), nil
}

func isSecretRef(expr string) bool {
	return strings.HasPrefix(expr, "secrets.")
}

// wholeToken reports whether s is exactly one "${{ ... }}" token.
func wholeToken(s string) (string, bool) {
	if !strings.HasPrefix(s, "${{") || !strings.HasSuffix(s, "}}") {
		return "", false
	}
	inner := s[3 : len(s)-2]
	if strings.Contains(inner, "${{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// lookupPath evaluates a JSONPath, or a dot path rooted at the variables.
func lookupPath(path string, vars map[string]any) (any, error) {
	switch {
	case path == "":
		return nil, fmt.Errorf("empty variable reference")
	case path == "$":
		return vars, nil
	case strings.HasPrefix(path, "$.") || strings.HasPrefix(path, "$["):
	default:
		path = "$." + path
	}
	if vars == nil {
		vars = map[string]any{}
	}
	val, err := jsonpath.JsonPathLookup(vars, path)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", path, err)
	}
	return val, nil
}

// marshalInline converts a resolved value into the text embedded in a template.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasReferences reports whether a param value contains any reference.
func HasReferences(v any) bool {
	switch val := v.(type) {
	case string:
		return strings.Contains(val, "${{") || strings.HasPrefix(val, "$.") || strings.HasPrefix(val, "$[")
	case map[string]any:
		for _, item := range val {
			if HasReferences(item) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if HasReferences(item) {
				return true
			}
		}
	}
	return false
}

package secrets

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rendis/houndflow/internal/engine"
	"github.com/rendis/houndflow/pkg/schema"
)

var (
	validKey  = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	reference = regexp.MustCompile(`\$\{\{\s*secrets\.([A-Za-z0-9_.-]+)\s*\}\}`)
)

// Backend resolves ${{ secrets.KEY }} references in step params and hands
// the request to the next backend. Resolution happens per attempt, so
// secret values never reach run variables, snapshots or progress events.
type Backend struct {
	next  engine.StepExecutorBackend
	vault Vault
}

var _ engine.StepExecutorBackend = (*Backend)(nil)

// NewBackend wraps next with secret resolution from vault.
func NewBackend(next engine.StepExecutorBackend, vault Vault) *Backend {
	return &Backend{next: next, vault: vault}
}

func (b *Backend) Execute(ctx context.Context, req *engine.StepRequest) (*engine.StepResponse, error) {
	if !HasReferences(req.Params) {
		return b.next.Execute(ctx, req)
	}
	params, err := b.resolveValue(ctx, req.Params, "params")
	if err != nil {
		return nil, err
	}
	resolved := *req
	resolved.Params, _ = params.(map[string]any)
	return b.next.Execute(ctx, &resolved)
}

func (b *Backend) resolveValue(ctx context.Context, v any, at string) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := b.resolveValue(ctx, item, at+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := b.resolveValue(ctx, item, fmt.Sprintf("%s[%d]", at, i))
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case string:
		return b.resolveString(ctx, val, at)
	default:
		return v, nil
	}
}

func (b *Backend) resolveString(ctx context.Context, s, at string) (string, error) {
	matches := reference.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	var out strings.Builder
	last := 0
	for _, m := range matches {
		key := s[m[2]:m[3]]
		value, err := b.vault.Resolve(ctx, key)
		if err != nil {
			if schema.IsCode(err, schema.ErrCodeNotFound) {
				return "", schema.NewErrorf(schema.ErrCodeInvalidParams, "%s: secret %q not found", at, key).
					WithDetails(map[string]any{"param": at, "secret": key})
			}
			return "", schema.NewErrorf(schema.ErrCodeVault, "%s: resolve secret %q: %s", at, key, err.Error()).WithCause(err)
		}
		out.WriteString(s[last:m[0]])
		out.Write(value)
		last = m[1]
	}
	out.WriteString(s[last:])
	return out.String(), nil
}

// HasReferences reports whether v contains a secret reference anywhere.
func HasReferences(v any) bool {
	switch val := v.(type) {
	case string:
		return reference.MatchString(val)
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

// Package secrets keeps credentials used by workflows (login passwords, API
// tokens) encrypted at rest and resolves ${{ secrets.KEY }} references in
// step params at dispatch time.
package secrets

import (
	"context"
	"strings"
)

// Vault stores and resolves secret values.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// Keys under this prefix belong to the vault itself and are hidden from List.
const reservedPrefix = "__vault_"

func reserved(key string) bool {
	return strings.HasPrefix(key, reservedPrefix)
}

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/houndflow/pkg/schema"
)

func TestSecrets(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetSecret(ctx, "missing")
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

		require.NoError(t, s.StoreSecret(ctx, "b_pass", []byte{0x01, 0x02}))
		require.NoError(t, s.StoreSecret(ctx, "a_user", []byte("alice")))

		v, err := s.GetSecret(ctx, "b_pass")
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01, 0x02}, v)

		require.NoError(t, s.StoreSecret(ctx, "b_pass", []byte("rotated")))
		v, err = s.GetSecret(ctx, "b_pass")
		require.NoError(t, err)
		assert.Equal(t, []byte("rotated"), v)

		keys, err := s.ListSecrets(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a_user", "b_pass"}, keys)

		require.NoError(t, s.DeleteSecret(ctx, "a_user"))
		err = s.DeleteSecret(ctx, "a_user")
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

func TestMemorySecretsAreCopied(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	value := []byte("secret")
	require.NoError(t, s.StoreSecret(ctx, "k", value))
	value[0] = 'X'

	got, err := s.GetSecret(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)
}

package secrets

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/houndflow/internal/store"
	"github.com/rendis/houndflow/pkg/schema"
)

func testVault(t *testing.T) (*AESVault, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewAESVault(s, VaultConfig{MasterKey: key})
	require.NoError(t, err)
	return v, s
}

func TestAESVault_StoreAndResolve(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "shop_password", []byte("hunter2")))

	val, err := v.Resolve(ctx, "shop_password")
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), val)
}

func TestAESVault_EncryptedAtRest(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "token", []byte("plain-token-value")))

	raw, err := s.GetSecret(ctx, "token")
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte("plain-token-value")))
}

func TestAESVault_UniqueNonces(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "a", []byte("same")))
	require.NoError(t, v.Store(ctx, "b", []byte("same")))

	rawA, _ := s.GetSecret(ctx, "a")
	rawB, _ := s.GetSecret(ctx, "b")
	assert.NotEqual(t, rawA, rawB)
}

func TestAESVault_DeleteAndNotFound(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "k", []byte("v")))
	require.NoError(t, v.Delete(ctx, "k"))

	_, err := v.Resolve(ctx, "k")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestAESVault_RejectsInvalidKeys(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	for _, key := range []string{"", "has space", "a/b", "__vault_salt"} {
		err := v.Store(ctx, key, []byte("x"))
		assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidParams), "key %q", key)
	}
}

func TestAESVault_EmptyValue(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "empty", []byte{}))
	val, err := v.Resolve(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, val)
}

func TestAESVault_KeyConfigErrors(t *testing.T) {
	s := store.NewMemoryStore()

	_, err := NewAESVault(s, VaultConfig{MasterKey: []byte("short")})
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))

	_, err = NewAESVault(s, VaultConfig{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))

	_, err = NewAESVault(s, VaultConfig{Passphrase: "pw"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestAESVault_WrongKeyCannotDecrypt(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	v1, err := NewAESVault(s, VaultConfig{Passphrase: "one", Salt: []byte("salt"), Iterations: 1000})
	require.NoError(t, err)
	require.NoError(t, v1.Store(ctx, "k", []byte("v")))

	v2, err := NewAESVault(s, VaultConfig{Passphrase: "two", Salt: []byte("salt"), Iterations: 1000})
	require.NoError(t, err)
	_, err = v2.Resolve(ctx, "k")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestOpenVault(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	v, err := OpenVault(ctx, s, "correct horse")
	require.NoError(t, err)
	require.NoError(t, v.Store(ctx, "shop_password", []byte("hunter2")))

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"shop_password"}, keys)

	// Reopening with the same passphrase reuses the stored salt.
	again, err := OpenVault(ctx, s, "correct horse")
	require.NoError(t, err)
	val, err := again.Resolve(ctx, "shop_password")
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), val)

	_, err = OpenVault(ctx, s, "wrong")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))

	_, err = OpenVault(ctx, s, "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

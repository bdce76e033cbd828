package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/rendis/houndflow/internal/store"
	"github.com/rendis/houndflow/pkg/schema"
)

const (
	saltKey     = reservedPrefix + "salt"
	checkKey    = reservedPrefix + "check"
	checkValue  = "houndflow-vault"
	saltSize    = 16
	defaultIter = 100_000
)

// VaultConfig configures the AES vault key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase. Without Salt, a
// random salt is generated on first open and kept in the store.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int
}

// AESVault encrypts secrets with AES-256-GCM before persisting.
type AESVault struct {
	store store.SecretStore
	aead  cipher.AEAD
}

// NewAESVault creates a vault with AES-256-GCM encryption.
func NewAESVault(s store.SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

// OpenVault opens the passphrase vault kept in s. The salt is loaded from the
// store (or created on first use) and an encrypted check value rejects a
// wrong passphrase before any secret is read or written.
func OpenVault(ctx context.Context, s store.SecretStore, passphrase string) (*AESVault, error) {
	if passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "vault passphrase is required")
	}
	salt, err := s.GetSecret(ctx, saltKey)
	fresh := false
	switch {
	case schema.IsCode(err, schema.ErrCodeNotFound):
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		if err := s.StoreSecret(ctx, saltKey, salt); err != nil {
			return nil, fmt.Errorf("store salt: %w", err)
		}
		fresh = true
	case err != nil:
		return nil, fmt.Errorf("load salt: %w", err)
	}

	v, err := NewAESVault(s, VaultConfig{Passphrase: passphrase, Salt: salt})
	if err != nil {
		return nil, err
	}
	if fresh {
		if err := v.put(ctx, checkKey, []byte(checkValue)); err != nil {
			return nil, err
		}
		return v, nil
	}

	got, err := v.Resolve(ctx, checkKey)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return v, v.put(ctx, checkKey, []byte(checkValue))
	}
	if err != nil || subtle.ConstantTimeCompare(got, []byte(checkValue)) != 1 {
		return nil, schema.NewError(schema.ErrCodeVault, "wrong vault passphrase")
	}
	return v, nil
}

func deriveKey(cfg VaultConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultIter
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

func (v *AESVault) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *AESVault) decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeVault, "ciphertext too short")
	}
	plaintext, err := v.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "decrypt failed: %s", err.Error())
	}
	return plaintext, nil
}

// Store encrypts and saves value under key. Keys follow the reference
// syntax: letters, digits, '_', '-' and '.'.
func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	if !validKey.MatchString(key) || reserved(key) {
		return schema.NewErrorf(schema.ErrCodeInvalidParams, "invalid secret key %q", key)
	}
	return v.put(ctx, key, value)
}

func (v *AESVault) put(ctx context.Context, key string, value []byte) error {
	encrypted, err := v.encrypt(value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, key, encrypted)
}

func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	encrypted, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.decrypt(encrypted)
}

func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

// List returns the user secret keys; vault bookkeeping keys are left out.
func (v *AESVault) List(ctx context.Context) ([]string, error) {
	keys, err := v.store.ListSecrets(ctx)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if !reserved(k) {
			out = append(out, k)
		}
	}
	return out, nil
}

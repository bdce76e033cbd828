package store

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	rd "github.com/redis/go-redis/v9"
)

const secretsKey = "SECRETS"

// --- Memory ---

func (s *MemoryStore) StoreSecret(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[key]
	if !ok {
		return nil, secretNotFound(key)
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) DeleteSecret(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[key]; !ok {
		return secretNotFound(key)
	}
	delete(s.secrets, key)
	return nil
}

func (s *MemoryStore) ListSecrets(_ context.Context) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.secrets))
	for k := range s.secrets {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// --- libSQL ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, secretNotFound(key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return secretNotFound(key)
	}
	return nil
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Redis ---

// Secrets live in one hash per namespace.

func (s *RedisStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	return s.client.HSet(ctx, s.key(secretsKey), key, value).Err()
}

func (s *RedisStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.HGet(ctx, s.key(secretsKey), key).Bytes()
	if errors.Is(err, rd.Nil) {
		return nil, secretNotFound(key)
	}
	return v, err
}

func (s *RedisStore) DeleteSecret(ctx context.Context, key string) error {
	n, err := s.client.HDel(ctx, s.key(secretsKey), key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return secretNotFound(key)
	}
	return nil
}

func (s *RedisStore) ListSecrets(ctx context.Context) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.key(secretsKey)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

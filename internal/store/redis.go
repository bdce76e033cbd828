package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"

	"github.com/rendis/houndflow/pkg/schema"
)

const (
	snapshotKey  = "SNAPSHOT"
	summariesKey = "SUMMARIES"
	updatedKey   = "SNAPSHOTS"
	terminalKey  = "TERMINAL"
	ingestKey    = "INGEST"
)

// RedisConfig configures RedisStore.
type RedisConfig struct {
	Addrs     []string
	Password  string
	DB        int
	Namespace string
}

// RedisStore implements Store on Redis. Each snapshot is a string key; a
// summaries hash plus two sorted sets (all snapshots and terminal ones, both
// scored by update time in ms) back listing and pruning.
type RedisStore struct {
	client    rd.UniversalClient
	namespace string
}

// NewRedisStore creates a RedisStore. The client is lazy; use Ping to check
// connectivity.
func NewRedisStore(conf RedisConfig) *RedisStore {
	client := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs:    conf.Addrs,
		Password: conf.Password,
		DB:       conf.DB,
	})
	return NewRedisStoreWithClient(client, conf.Namespace)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client rd.UniversalClient, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "houndflow"
	}
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) key(args ...string) string {
	return fmt.Sprintf("%s:%s", s.namespace, strings.Join(args, ":"))
}

// Client returns the underlying client, shared with the progress hub.
func (s *RedisStore) Client() rd.UniversalClient {
	return s.client
}

// Namespace returns the key prefix.
func (s *RedisStore) Namespace() string {
	return s.namespace
}

// Ping checks that the server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) SaveSnapshot(ctx context.Context, snap *schema.ExecutionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	sum := summaryOf(snap)
	sumData, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	score := float64(sum.UpdatedAt.UnixMilli())

	_, err = s.client.TxPipelined(ctx, func(p rd.Pipeliner) error {
		p.Set(ctx, s.key(snapshotKey, snap.ExecutionID), data, 0)
		p.HSet(ctx, s.key(summariesKey), snap.ExecutionID, sumData)
		p.ZAdd(ctx, s.key(updatedKey), rd.Z{Score: score, Member: snap.ExecutionID})
		if snap.Status.IsTerminal() {
			p.ZAdd(ctx, s.key(terminalKey), rd.Z{Score: score, Member: snap.ExecutionID})
		} else {
			p.ZRem(ctx, s.key(terminalKey), snap.ExecutionID)
		}
		return nil
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save snapshot %s: %s", snap.ExecutionID, err.Error()).WithCause(err)
	}
	return nil
}

func (s *RedisStore) LoadSnapshot(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error) {
	data, err := s.client.Get(ctx, s.key(snapshotKey, executionID)).Bytes()
	if errors.Is(err, rd.Nil) {
		return nil, snapshotNotFound(executionID)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load snapshot %s: %s", executionID, err.Error()).WithCause(err)
	}
	var snap schema.ExecutionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (s *RedisStore) DeleteSnapshot(ctx context.Context, executionID string) error {
	var del *rd.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p rd.Pipeliner) error {
		del = p.Del(ctx, s.key(snapshotKey, executionID))
		s.unindex(ctx, p, executionID)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return snapshotNotFound(executionID)
	}
	return nil
}

func (s *RedisStore) unindex(ctx context.Context, p rd.Pipeliner, ids ...string) {
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	p.HDel(ctx, s.key(summariesKey), ids...)
	p.ZRem(ctx, s.key(updatedKey), members...)
	p.ZRem(ctx, s.key(terminalKey), members...)
}

func (s *RedisStore) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*SnapshotSummary, error) {
	ids, err := s.client.ZRevRange(ctx, s.key(updatedKey), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := s.client.HMGet(ctx, s.key(summariesKey), ids...).Result()
	if err != nil {
		return nil, err
	}

	var out []*SnapshotSummary
	for _, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var sum SnapshotSummary
		if err := json.Unmarshal([]byte(str), &sum); err != nil {
			return nil, fmt.Errorf("unmarshal summary: %w", err)
		}
		if !matchSummary(filter, &sum) {
			continue
		}
		out = append(out, &sum)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) PruneSnapshots(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.key(terminalKey), &rd.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(snapshotKey, id)
	}
	_, err = s.client.TxPipelined(ctx, func(p rd.Pipeliner) error {
		p.Del(ctx, keys...)
		s.unindex(ctx, p, ids...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *RedisStore) Ingest(ctx context.Context, rec *IngestRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ingest record: %w", err)
	}
	if err := s.client.RPush(ctx, s.key(ingestKey, rec.Dataset), data).Err(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "ingest into %s: %s", rec.Dataset, err.Error()).WithCause(err)
	}
	return nil
}

func (s *RedisStore) ListIngested(ctx context.Context, dataset string, limit int) ([]*IngestRecord, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := s.client.LRange(ctx, s.key(ingestKey, dataset), start, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*IngestRecord, 0, len(raw))
	for _, str := range raw {
		var rec IngestRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal ingest record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

var _ Store = (*RedisStore)(nil)

package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/houndflow/pkg/schema"
)

func newTestLibSQLStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewLibSQLStore("file:" + filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newTestRedisStore needs a live server named by HOUNDFLOW_TEST_REDIS.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("HOUNDFLOW_TEST_REDIS")
	if addr == "" {
		t.Skip("HOUNDFLOW_TEST_REDIS not set")
	}
	client := rd.NewUniversalClient(&rd.UniversalOptions{Addrs: strings.Split(addr, ",")})
	s := NewRedisStoreWithClient(client, "houndflow-test-"+uuid.NewString())
	require.NoError(t, s.Ping(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"libsql": func(t *testing.T) Store { return newTestLibSQLStore(t) },
		"redis":  func(t *testing.T) Store { return newTestRedisStore(t) },
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func testSnapshot(id, workflowID string, status schema.ExecutionStatus, updated time.Time) *schema.ExecutionSnapshot {
	return &schema.ExecutionSnapshot{
		ExecutionID: id,
		WorkflowID:  workflowID,
		Status:      status,
		Inputs:      map[string]any{"url": "https://example.com"},
		Variables: []schema.Variable{
			{Name: "zeta", Value: "last-declared-first"},
			{Name: "count", Value: float64(3)},
		},
		StepResults: map[string]*schema.StepResult{
			"open": {StepID: "open", Type: schema.StepTypeNavigate, Status: schema.OutcomeCompleted, Attempts: 1},
		},
		ResultOrder: []string{"open"},
		Logs:        []schema.LogEntry{{Seq: 1, Level: schema.LogInfo, StepID: "open", Message: "step completed"}},
		Memo:        map[string]any{"cond#branch": "then"},
		StartedAt:   updated.Add(-time.Minute),
		UpdatedAt:   updated,
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		snap := testSnapshot("exec-1", "wf", schema.StatusPaused, now)

		require.NoError(t, s.SaveSnapshot(ctx, snap))
		got, err := s.LoadSnapshot(ctx, "exec-1")
		require.NoError(t, err)

		assert.Equal(t, schema.StatusPaused, got.Status)
		assert.Equal(t, snap.Variables, got.Variables)
		assert.Equal(t, []string{"open"}, got.ResultOrder)
		require.Contains(t, got.StepResults, "open")
		assert.Equal(t, schema.OutcomeCompleted, got.StepResults["open"].Status)
		assert.Equal(t, "then", got.Memo["cond#branch"])
		assert.True(t, now.Equal(got.UpdatedAt))
	})
}

func TestSnapshotSaveReplaces(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		require.NoError(t, s.SaveSnapshot(ctx, testSnapshot("exec-1", "wf", schema.StatusRunning, now)))
		require.NoError(t, s.SaveSnapshot(ctx, testSnapshot("exec-1", "wf", schema.StatusCompleted, now.Add(time.Second))))

		got, err := s.LoadSnapshot(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, schema.StatusCompleted, got.Status)

		list, err := s.ListSnapshots(ctx, SnapshotFilter{})
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestSnapshotNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.LoadSnapshot(ctx, "missing")
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

		err = s.DeleteSnapshot(ctx, "missing")
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

func TestSnapshotDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveSnapshot(ctx, testSnapshot("exec-1", "wf", schema.StatusFailed, time.Now())))
		require.NoError(t, s.DeleteSnapshot(ctx, "exec-1"))

		_, err := s.LoadSnapshot(ctx, "exec-1")
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
		list, err := s.ListSnapshots(ctx, SnapshotFilter{})
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestListSnapshotsFilterAndOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.SaveSnapshot(ctx, testSnapshot("a", "wf-1", schema.StatusCompleted, base)))
		require.NoError(t, s.SaveSnapshot(ctx, testSnapshot("b", "wf-1", schema.StatusFailed, base.Add(time.Second))))
		require.NoError(t, s.SaveSnapshot(ctx, testSnapshot("c", "wf-2", schema.StatusCompleted, base.Add(2*time.Second))))

		all, err := s.ListSnapshots(ctx, SnapshotFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "c", all[0].ExecutionID)
		assert.Equal(t, "a", all[2].ExecutionID)

		byWorkflow, err := s.ListSnapshots(ctx, SnapshotFilter{WorkflowID: "wf-1"})
		require.NoError(t, err)
		assert.Len(t, byWorkflow, 2)

		byStatus, err := s.ListSnapshots(ctx, SnapshotFilter{Status: schema.StatusCompleted, Limit: 1})
		require.NoError(t, err)
		require.Len(t, byStatus, 1)
		assert.Equal(t, "c", byStatus[0].ExecutionID)
	})
}

func TestPruneSnapshotsKeepsActiveRuns(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old := time.Now().Add(-48 * time.Hour)
		require.NoError(t, s.SaveSnapshot(ctx, testSnapshot("old-done", "wf", schema.StatusCompleted, old)))
		require.NoError(t, s.SaveSnapshot(ctx, testSnapshot("old-paused", "wf", schema.StatusPaused, old)))
		require.NoError(t, s.SaveSnapshot(ctx, testSnapshot("new-done", "wf", schema.StatusCancelled, time.Now())))

		n, err := s.PruneSnapshots(ctx, time.Now().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.LoadSnapshot(ctx, "old-done")
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
		_, err = s.LoadSnapshot(ctx, "old-paused")
		assert.NoError(t, err)
		_, err = s.LoadSnapshot(ctx, "new-done")
		assert.NoError(t, err)
	})
}

func TestIngestAndList(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			rec := &IngestRecord{
				ExecutionID: "exec-1",
				StepID:      "save",
				Dataset:     "products",
				Payload:     map[string]any{"n": float64(i)},
			}
			require.NoError(t, s.Ingest(ctx, rec))
			assert.NotEmpty(t, rec.ID)
		}
		require.NoError(t, s.Ingest(ctx, &IngestRecord{Dataset: "other", Payload: "x"}))

		all, err := s.ListIngested(ctx, "products", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, map[string]any{"n": float64(0)}, all[0].Payload)

		last, err := s.ListIngested(ctx, "products", 2)
		require.NoError(t, err)
		require.Len(t, last, 2)
		assert.Equal(t, map[string]any{"n": float64(1)}, last[0].Payload)
		assert.Equal(t, map[string]any{"n": float64(2)}, last[1].Payload)
	})
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	snap := testSnapshot("exec-1", "wf", schema.StatusRunning, time.Now())
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	snap.Variables[0].Value = "mutated"
	got, err := s.LoadSnapshot(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "last-declared-first", got.Variables[0].Value)
}

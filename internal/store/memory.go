package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/houndflow/pkg/schema"
)

// MemoryStore keeps snapshots, ingest records and secrets in process memory.
// Snapshots are held serialized so callers never share state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
	summaries map[string]*SnapshotSummary
	ingested  map[string][]*IngestRecord
	secrets   map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string][]byte),
		summaries: make(map[string]*SnapshotSummary),
		ingested:  make(map[string][]*IngestRecord),
		secrets:   make(map[string][]byte),
	}
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *schema.ExecutionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.ExecutionID] = data
	s.summaries[snap.ExecutionID] = summaryOf(snap)
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context, executionID string) (*schema.ExecutionSnapshot, error) {
	s.mu.RLock()
	data, ok := s.snapshots[executionID]
	s.mu.RUnlock()
	if !ok {
		return nil, snapshotNotFound(executionID)
	}
	var snap schema.ExecutionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (s *MemoryStore) DeleteSnapshot(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[executionID]; !ok {
		return snapshotNotFound(executionID)
	}
	delete(s.snapshots, executionID)
	delete(s.summaries, executionID)
	return nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, filter SnapshotFilter) ([]*SnapshotSummary, error) {
	s.mu.RLock()
	out := make([]*SnapshotSummary, 0, len(s.summaries))
	for _, sum := range s.summaries {
		if matchSummary(filter, sum) {
			cp := *sum
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) PruneSnapshots(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sum := range s.summaries {
		if sum.Status.IsTerminal() && sum.UpdatedAt.Before(cutoff) {
			delete(s.snapshots, id)
			delete(s.summaries, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ingest(_ context.Context, rec *IngestRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal ingest payload: %w", err)
	}
	cp := *rec
	if err := json.Unmarshal(data, &cp.Payload); err != nil {
		return fmt.Errorf("copy ingest payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingested[rec.Dataset] = append(s.ingested[rec.Dataset], &cp)
	return nil
}

func (s *MemoryStore) ListIngested(_ context.Context, dataset string, limit int) ([]*IngestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.ingested[dataset]
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	out := make([]*IngestRecord, len(recs))
	for i, r := range recs {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)

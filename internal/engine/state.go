package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rendis/houndflow/internal/store"
	"github.com/rendis/houndflow/pkg/schema"
)

// StateManager persists and restores execution snapshots by execution id.
type StateManager struct {
	store  store.SnapshotStore
	logger *zap.Logger
}

// NewStateManager wraps a snapshot store. A nil store keeps state in memory.
func NewStateManager(s store.SnapshotStore, logger *zap.Logger) *StateManager {
	if s == nil {
		s = store.NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateManager{store: s, logger: logger}
}

// Save replaces the stored snapshot of snap.ExecutionID.
func (m *StateManager) Save(ctx context.Context, snap *schema.ExecutionSnapshot) error {
	if snap == nil || snap.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeInvalidParams, "snapshot has no execution id")
	}
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		m.logger.Error("save snapshot failed",
			zap.String("execution_id", snap.ExecutionID), zap.Error(err))
		return err
	}
	return nil
}

// Load returns the latest snapshot of executionID or a NOT_FOUND error.
func (m *StateManager) Load(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error) {
	snap, err := m.store.LoadSnapshot(ctx, executionID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load snapshot %s: %w", executionID, err)
	}
	return snap, nil
}

// List returns stored snapshot summaries.
func (m *StateManager) List(ctx context.Context, filter store.SnapshotFilter) ([]*store.SnapshotSummary, error) {
	return m.store.ListSnapshots(ctx, filter)
}

package store

import (
	"context"
	"time"

	"github.com/rendis/houndflow/pkg/schema"
)

// SnapshotStore persists execution snapshots. Saving replaces the previous
// snapshot of the same execution atomically. Implementations must be safe
// for concurrent use.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *schema.ExecutionSnapshot) error
	LoadSnapshot(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error)
	DeleteSnapshot(ctx context.Context, executionID string) error
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*SnapshotSummary, error)
	// PruneSnapshots deletes terminal snapshots last updated before cutoff.
	PruneSnapshots(ctx context.Context, cutoff time.Time) (int, error)
}

// IngestSink receives the payloads of ingest steps.
type IngestSink interface {
	Ingest(ctx context.Context, rec *IngestRecord) error
	ListIngested(ctx context.Context, dataset string, limit int) ([]*IngestRecord, error)
}

// SecretStore persists opaque secret values. The values reaching a store
// are already encrypted by the vault.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// Store is the full persistence contract of a backend.
type Store interface {
	SnapshotStore
	IngestSink
	SecretStore
	Close() error
}

// SnapshotFilter narrows ListSnapshots.
type SnapshotFilter struct {
	WorkflowID string
	Status     schema.ExecutionStatus
	Limit      int
}

// SnapshotSummary is the index entry of a stored snapshot.
type SnapshotSummary struct {
	ExecutionID string                 `json:"executionId"`
	WorkflowID  string                 `json:"workflowId"`
	Status      schema.ExecutionStatus `json:"status"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// IngestRecord is one payload handed to the ingestion sink.
type IngestRecord struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"executionId"`
	StepID      string    `json:"stepId"`
	Dataset     string    `json:"dataset"`
	Payload     any       `json:"payload"`
	CreatedAt   time.Time `json:"createdAt"`
}

func snapshotNotFound(executionID string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "snapshot for execution %q not found", executionID)
}

func secretNotFound(key string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
}

func matchSummary(f SnapshotFilter, s *SnapshotSummary) bool {
	if f.WorkflowID != "" && f.WorkflowID != s.WorkflowID {
		return false
	}
	if f.Status != "" && f.Status != s.Status {
		return false
	}
	return true
}

func summaryOf(snap *schema.ExecutionSnapshot) *SnapshotSummary {
	return &SnapshotSummary{
		ExecutionID: snap.ExecutionID,
		WorkflowID:  snap.WorkflowID,
		Status:      snap.Status,
		UpdatedAt:   timeOrNow(snap.UpdatedAt),
	}
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

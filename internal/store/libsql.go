package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/houndflow/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at dbPath, a file URI such as
// "file:/var/lib/houndflow/state.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Snapshots ---

func (s *LibSQLStore) SaveSnapshot(ctx context.Context, snap *schema.ExecutionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (execution_id, workflow_id, status, data, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET workflow_id=excluded.workflow_id, status=excluded.status,
		 data=excluded.data, updated_at=excluded.updated_at`,
		snap.ExecutionID, snap.WorkflowID, string(snap.Status), string(data), timeOrNow(snap.UpdatedAt).UnixMilli(),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save snapshot %s: %s", snap.ExecutionID, err.Error()).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) LoadSnapshot(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE execution_id = ?`, executionID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, snapshotNotFound(executionID)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load snapshot %s: %s", executionID, err.Error()).WithCause(err)
	}
	var snap schema.ExecutionSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (s *LibSQLStore) DeleteSnapshot(ctx context.Context, executionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE execution_id = ?`, executionID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, executionID)
}

func (s *LibSQLStore) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*SnapshotSummary, error) {
	query := `SELECT execution_id, workflow_id, status, updated_at FROM snapshots WHERE 1=1`
	var args []any
	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SnapshotSummary
	for rows.Next() {
		var (
			sum     SnapshotSummary
			status  string
			updated int64
		)
		if err := rows.Scan(&sum.ExecutionID, &sum.WorkflowID, &status, &updated); err != nil {
			return nil, err
		}
		sum.Status = schema.ExecutionStatus(status)
		sum.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, &sum)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) PruneSnapshots(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(schema.StatusCompleted), string(schema.StatusFailed), string(schema.StatusCancelled),
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Ingest ---

func (s *LibSQLStore) Ingest(ctx context.Context, rec *IngestRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal ingest payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingested_records (id, execution_id, step_id, dataset, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ExecutionID, rec.StepID, rec.Dataset, string(payload), rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "ingest into %s: %s", rec.Dataset, err.Error()).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) ListIngested(ctx context.Context, dataset string, limit int) ([]*IngestRecord, error) {
	// Newest rows are limited first, then returned in insertion order.
	query := `SELECT id, execution_id, step_id, dataset, payload, created_at FROM
		(SELECT rowid AS seq, * FROM ingested_records WHERE dataset = ? ORDER BY seq DESC`
	args := []any{dataset}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	query += `) ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*IngestRecord
	for rows.Next() {
		var (
			rec     IngestRecord
			payload string
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.ExecutionID, &rec.StepID, &rec.Dataset, &payload, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal ingest payload: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func checkRowsAffected(res sql.Result, executionID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return snapshotNotFound(executionID)
	}
	return nil
}

var _ Store = (*LibSQLStore)(nil)

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitemirror/internal/store"
)

const runColumns = `id, url, folder, started_at, updated_at, finished_at, status, stage,
	assets, downloaded, failed, bytes, error_message`

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	pool pool
}

// NewRunStore wraps an existing pool.
func NewRunStore(p pool) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: p}, nil
}

// Close closes the underlying connection pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// StartRun inserts a running row, refreshing updated_at when it already exists.
func (s *RunStore) StartRun(ctx context.Context, id uuid.UUID, url string, startedAt time.Time) error {
	query := `
		INSERT INTO capture_runs (id, url, started_at, updated_at, status, stage)
		VALUES ($1, $2, $3, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET updated_at = EXCLUDED.updated_at;
	`
	_, err := s.pool.Exec(ctx, query, id, url, startedAt, store.RunRunning, "CAPTURE_START")
	if err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// SetStage records the latest stage. An empty folder leaves the stored one.
func (s *RunStore) SetStage(ctx context.Context, id uuid.UUID, stage, folder string, at time.Time) error {
	query := `
		UPDATE capture_runs
		SET stage = $1, folder = COALESCE(NULLIF($2, ''), folder), updated_at = $3
		WHERE id = $4;
	`
	res, err := s.pool.Exec(ctx, query, stage, folder, at, id)
	if err != nil {
		return fmt.Errorf("failed to set run stage: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordAssets applies a batch of asset outcomes.
func (s *RunStore) RecordAssets(ctx context.Context, id uuid.UUID, delta store.AssetDelta, at time.Time) error {
	query := `
		UPDATE capture_runs
		SET downloaded = downloaded + $1,
			failed = failed + $2,
			bytes = bytes + $3,
			assets = GREATEST(assets, $4),
			stage = 'ASSET_DONE',
			updated_at = $5
		WHERE id = $6;
	`
	res, err := s.pool.Exec(ctx, query, delta.Downloaded, delta.Failed, delta.Bytes, delta.Total, at, id)
	if err != nil {
		return fmt.Errorf("failed to record asset: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CompleteRun marks a run as finished with a status and optional error message.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	if status == store.RunRunning || !status.Valid() {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	query := `
		UPDATE capture_runs
		SET finished_at = $1, updated_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	_, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (store.CaptureRun, error) {
	query := `SELECT ` + runColumns + ` FROM capture_runs WHERE id = $1;`
	run, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CaptureRun{}, store.ErrNotFound
		}
		return store.CaptureRun{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first with optional status filtering.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.CaptureRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM capture_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.CaptureRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.CaptureRun, error) {
	var (
		run    store.CaptureRun
		folder *string
	)
	err := row.Scan(
		&run.ID,
		&run.URL,
		&folder,
		&run.StartedAt,
		&run.UpdatedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Stage,
		&run.Assets,
		&run.Downloaded,
		&run.Failed,
		&run.Bytes,
		&run.Error,
	)
	if err != nil {
		return store.CaptureRun{}, err
	}
	if folder != nil {
		run.Folder = *folder
	}
	return run, nil
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitemirror/internal/capture"
)

// ManifestStore keeps one row per finished capture with the full manifest
// as JSONB.
type ManifestStore struct {
	pool  pool
	table string
}

// NewManifestStore constructs a store from an existing pool.
func NewManifestStore(p pool, table string) (*ManifestStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table, "captures")
	if err != nil {
		return nil, err
	}
	return &ManifestStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ManifestStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// RecordCapture upserts the manifest row keyed by capture id.
func (s *ManifestStore) RecordCapture(ctx context.Context, manifest capture.Manifest) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("manifest store is not configured")
	}
	if manifest.CaptureID == "" {
		return fmt.Errorf("manifest capture id is required")
	}
	body, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	assets, downloaded, failed := manifest.Totals()
	query := fmt.Sprintf(`
INSERT INTO %s (
	capture_id,
	original_url,
	final_url,
	capture_time,
	folder_name,
	renderer,
	assets,
	downloaded,
	failed,
	manifest
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (capture_id) DO UPDATE SET
	folder_name = EXCLUDED.folder_name,
	assets = EXCLUDED.assets,
	downloaded = EXCLUDED.downloaded,
	failed = EXCLUDED.failed,
	manifest = EXCLUDED.manifest`, s.table)

	args := []any{
		manifest.CaptureID,
		manifest.OriginalURL,
		manifest.FinalURL,
		manifest.CaptureTime,
		manifest.FolderName,
		manifest.Renderer,
		assets,
		downloaded,
		failed,
		body,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert manifest: %w", err)
	}
	return nil
}

// Get loads the manifest recorded for captureID.
func (s *ManifestStore) Get(ctx context.Context, captureID string) (capture.Manifest, error) {
	query := fmt.Sprintf(`SELECT manifest FROM %s WHERE capture_id = $1`, s.table)
	var body []byte
	if err := s.pool.QueryRow(ctx, query, captureID).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return capture.Manifest{}, capture.ErrNotFound
		}
		return capture.Manifest{}, fmt.Errorf("select manifest: %w", err)
	}
	var manifest capture.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return capture.Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return manifest, nil
}

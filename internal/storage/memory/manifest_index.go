package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/sitemirror/internal/capture"
)

// ManifestIndex keeps finished manifests in-memory.
type ManifestIndex struct {
	mu        sync.RWMutex
	manifests map[string]capture.Manifest
}

// NewManifestIndex constructs a ManifestIndex.
func NewManifestIndex() *ManifestIndex {
	return &ManifestIndex{manifests: make(map[string]capture.Manifest)}
}

// RecordCapture stores or replaces a manifest keyed by capture ID.
func (s *ManifestIndex) RecordCapture(_ context.Context, manifest capture.Manifest) error {
	if manifest.CaptureID == "" {
		return errors.New("manifest has no capture id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[manifest.CaptureID] = manifest
	return nil
}

// Get fetches a manifest by capture ID.
func (s *ManifestIndex) Get(captureID string) (capture.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	manifest, ok := s.manifests[captureID]
	if !ok {
		return capture.Manifest{}, capture.ErrNotFound
	}
	return manifest, nil
}

// List returns manifests newest first.
func (s *ManifestIndex) List() []capture.Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]capture.Manifest, 0, len(s.manifests))
	for _, manifest := range s.manifests {
		out = append(out, manifest)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CaptureTime.After(out[j].CaptureTime)
	})
	return out
}

// Close is a no-op.
func (s *ManifestIndex) Close() error {
	return nil
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("capture run not found")

// RunStatus mirrors the capture_runs status column.
type RunStatus string

// Run statuses persisted in capture_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunSuccess, RunError:
		return true
	}
	return false
}

// CaptureRun models one capture attempt for API responses.
type CaptureRun struct {
	ID  uuid.UUID `json:"id"`
	URL string    `json:"url"`
	// Folder is empty until the capture folder exists.
	Folder    string    `json:"folder,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	// Stage is the last progress stage seen for the run.
	Stage string `json:"stage"`
	// Assets is the number of unique identities to fetch.
	Assets     int     `json:"assets"`
	Downloaded int     `json:"downloaded"`
	Failed     int     `json:"failed"`
	Bytes      int64   `json:"bytes"`
	Error      *string `json:"error,omitempty"`
}

// AssetDelta is a batch of completed assets applied to a run's counters.
// Total is the number of unique assets the run expects.
type AssetDelta struct {
	Downloaded int
	Failed     int
	Bytes      int64
	Total      int
}

// RunRepository persists incremental capture progress.
type RunRepository interface {
	// StartRun inserts (or idempotently refreshes) a running row.
	StartRun(ctx context.Context, id uuid.UUID, url string, startedAt time.Time) error
	// SetStage records the latest stage and, once known, the folder name.
	SetStage(ctx context.Context, id uuid.UUID, stage, folder string, at time.Time) error
	// RecordAssets applies asset outcomes to the run counters.
	RecordAssets(ctx context.Context, id uuid.UUID, delta AssetDelta, at time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	RunReader
}

// RunReader is the read side used by the API.
type RunReader interface {
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (CaptureRun, error)
	// ListRuns returns runs newest first, filtered by optional status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]CaptureRun, error)
}

package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Capture lifecycle stages.
const (
	StageCaptureStart Stage = "CAPTURE_START"
	StageRenderDone   Stage = "RENDER_DONE"
	StageScanDone     Stage = "SCAN_DONE"
	StageAssetDone    Stage = "ASSET_DONE"
	StageCaptureDone  Stage = "CAPTURE_DONE"
	StageCaptureError Stage = "CAPTURE_ERROR"
)

// Terminal reports whether no further events follow this stage.
func (s Stage) Terminal() bool {
	return s == StageCaptureDone || s == StageCaptureError
}

// Event captures a single step of capture progress.
type Event struct {
	// CaptureID identifies the capture using the 16-byte UUID form.
	CaptureID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Site is the host label of the captured page.
	Site string
	// URL is the page URL for lifecycle events and the asset URL for
	// ASSET_DONE.
	URL string
	// Kind and AssetStatus describe the asset of an ASSET_DONE event.
	Kind        string
	AssetStatus string
	Bytes       int64
	// Completed and Total track asset download progress.
	Completed int
	Total     int
	Dur       time.Duration
	// Folder is set once the capture directory exists.
	Folder string
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.CaptureID == [16]byte{} {
		return errors.New("capture id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCaptureStart, StageRenderDone, StageScanDone, StageCaptureDone, StageCaptureError:
	case StageAssetDone:
		if e.Kind == "" || e.AssetStatus == "" {
			return errors.New("asset done requires kind and status")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Completed < 0 || e.Total < 0 || e.Completed > e.Total {
		return fmt.Errorf("invalid progress %d/%d", e.Completed, e.Total)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// CaptureUUID converts the binary capture ID to uuid.UUID for repositories.
func (e Event) CaptureUUID() uuid.UUID {
	return uuid.UUID(e.CaptureID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// Package progress defines the event structures emitted by collection runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunDone     Stage = "RUN_DONE"
	StageRunError    Stage = "RUN_ERROR"
	StageRegionStart Stage = "REGION_START"
	StageRegionDone  Stage = "REGION_DONE"
	StageRegionError Stage = "REGION_ERROR"
	StagePageDone    Stage = "PAGE_DONE"
)

// Event captures a single milestone of a collection run.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Region scopes region and page events to a federative unit code.
	Region string
	// Page is the 1-based page number for PAGE_DONE events.
	Page int
	// Records is the number of raw payloads in the page.
	Records int64
	// Relevant is the number of payloads from the page that were persisted.
	Relevant int64
	// Dur captures page latency, region wall time or run wall time.
	Dur time.Duration
	// Note carries low-volume context such as error text or the run trigger.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageRegionStart, StageRegionDone, StageRegionError:
		if e.Region == "" {
			return fmt.Errorf("%s requires region", e.Stage)
		}
	case StagePageDone:
		if e.Region == "" {
			return errors.New("page done requires region")
		}
		if e.Page < 1 {
			return errors.New("page done requires a page number")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Records < 0 || e.Relevant < 0 {
		return errors.New("counts must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID converts a textual run ID into the Event form. Invalid IDs map to
// the zero value, which Validate rejects.
func ParseRunID(id string) [16]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}
	}
	return UUIDToBytes(parsed)
}

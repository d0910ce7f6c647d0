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
	StageCaptureStart Stage = "CAPTURE_START"
	StageCaptureDone  Stage = "CAPTURE_DONE"
	StageCaptureError Stage = "CAPTURE_ERROR"
	StageRenderStart  Stage = "RENDER_START"
	StageRenderDone   Stage = "RENDER_DONE"
	StageNotifyDone   Stage = "NOTIFY_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for render and notify completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event records a single milestone in the life of a capture.
type Event struct {
	// CaptureID uniquely identifies a capture using the 16-byte UUID form.
	CaptureID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or render milestone occurred.
	Stage Stage
	// Site optionally scopes render events to a host label.
	Site string
	// URL is the optional page URL; it should not contain credentials.
	URL string
	// Bytes carries the screenshot size for render completions.
	Bytes int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures execution latency for renders and capture completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
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
	case StageCaptureStart, StageCaptureDone, StageCaptureError, StageNotifyDone:
	case StageRenderStart:
		if e.Site == "" {
			return errors.New("render start requires site")
		}
	case StageRenderDone:
		if e.Site == "" {
			return errors.New("render done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("render done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// CaptureUUID converts the binary capture ID to uuid.UUID for stores.
func (e Event) CaptureUUID() uuid.UUID {
	return uuid.UUID(e.CaptureID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for render events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}

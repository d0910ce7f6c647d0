package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lumaview/pageshot/internal/capture"
)

// CaptureStore provides an in-memory implementation for development/testing.
type CaptureStore struct {
	mu       sync.RWMutex
	captures map[string]capture.Capture
	shots    map[string][]capture.ShotRecord
}

// NewCaptureStore constructs a CaptureStore.
func NewCaptureStore() *CaptureStore {
	return &CaptureStore{
		captures: make(map[string]capture.Capture),
		shots:    make(map[string][]capture.ShotRecord),
	}
}

// CreateCapture stores a new capture in queued status.
func (s *CaptureStore) CreateCapture(_ context.Context, cap capture.Capture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.captures[cap.ID]; exists {
		return errors.New("capture already exists")
	}
	s.captures[cap.ID] = cap
	return nil
}

// UpdateCaptureStatus updates the status and counters for a capture.
func (s *CaptureStore) UpdateCaptureStatus(
	_ context.Context,
	captureID string,
	status capture.Status,
	errText string,
	counters capture.Counters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cap, ok := s.captures[captureID]
	if !ok {
		return errors.New("capture not found")
	}
	if cap.Status.Terminal() {
		return capture.ErrCaptureFinished
	}
	cap.Status = status
	cap.ErrorText = errText
	cap.Counters = counters
	now := time.Now().UTC()
	if status == capture.StatusRunning && cap.Started == nil {
		cap.Started = pointerTime(now)
	}
	if status.Terminal() {
		cap.Finished = pointerTime(now)
	}
	s.captures[captureID] = cap
	return nil
}

// RecordShot appends a shot row for a capture.
func (s *CaptureStore) RecordShot(_ context.Context, shot capture.ShotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shots[shot.CaptureID] = append(s.shots[shot.CaptureID], shot)
	return nil
}

// GetCapture fetches a capture by ID.
func (s *CaptureStore) GetCapture(_ context.Context, captureID string) (capture.Capture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cap, ok := s.captures[captureID]
	if !ok {
		return capture.Capture{}, errors.New("capture not found")
	}
	return cap, nil
}

// ListShots returns all recorded shots for a capture.
func (s *CaptureStore) ListShots(_ context.Context, captureID string) ([]capture.ShotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	shots := s.shots[captureID]
	out := make([]capture.ShotRecord, len(shots))
	copy(out, shots)
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

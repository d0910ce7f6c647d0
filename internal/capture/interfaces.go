package capture

import (
	"context"
	"errors"
	"io"
	"time"
)

// CaptureStore persists capture and shot metadata.
type CaptureStore interface {
	CreateCapture(ctx context.Context, cap Capture) error
	UpdateCaptureStatus(ctx context.Context, captureID string, status Status, errText string, counters Counters) error
	RecordShot(ctx context.Context, shot ShotRecord) error
	GetCapture(ctx context.Context, captureID string) (Capture, error)
	ListShots(ctx context.Context, captureID string) ([]ShotRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub, Kafka, or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Renderer drives a headless browser and returns the screenshot plus metadata.
type Renderer interface {
	Capture(ctx context.Context, request Request) (Screenshot, error)
}

// Notifier delivers a rendered screenshot to a downstream API.
type Notifier interface {
	Deliver(ctx context.Context, targetAPI string, note Notification) (NotifyResult, error)
}

// Prober performs a lightweight reachability check before the browser runs.
type Prober interface {
	Probe(ctx context.Context, rawURL string) (ProbeResult, error)
}

// ProbeResult summarizes a preflight fetch.
type ProbeResult struct {
	StatusCode  int
	ContentType string
	Duration    time.Duration
}

// ErrQueueClosed is returned by queue implementations once shut down
// and drained.
var ErrQueueClosed = errors.New("queue closed")

// Queue provides enqueue/dequeue semantics for capture jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Policy encapsulates admission control and rate limiting.
type Policy interface {
	AllowCapture(captureID string, url string) bool
	Wait(ctx context.Context, url string) error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces capture IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Package capture defines core types shared across subsystems.
package capture

import (
	"errors"
	"time"
)

// ErrNavigationTimeout indicates the page did not finish loading within the
// requested navigation timeout. The API maps it to 504.
var ErrNavigationTimeout = errors.New("page navigation timeout")

// ErrCaptureFinished is returned by capture stores when a status update
// targets a capture already in a terminal state.
var ErrCaptureFinished = errors.New("capture already finished")

// Status represents the lifecycle state of a capture job.
type Status string

// Capture status values persisted in the capture store.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// WaitStrategy selects the navigation milestone to wait for before the
// screenshot is taken.
type WaitStrategy string

// Supported wait strategies.
const (
	WaitLoad             WaitStrategy = "load"
	WaitDOMContentLoaded WaitStrategy = "domcontentloaded"
	WaitNetworkIdle      WaitStrategy = "networkidle"
)

// Rendering defaults applied when the client omits an option.
const (
	DefaultUserAgent         = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome Safari"
	DefaultTimeoutMs         = 30000
	DefaultViewportWidth     = 1280
	DefaultViewportHeight    = 1080
	DefaultAutoscrollSteps   = 12
	DefaultAutoscrollDelayMs = 250
	DefaultWaitStrategy      = WaitNetworkIdle
)

// Options captures the per-request rendering knobs.
type Options struct {
	UserAgent         string       `json:"user_agent" mapstructure:"user_agent"`
	TimeoutMs         int          `json:"timeout_ms" mapstructure:"timeout_ms"`
	FullPage          bool         `json:"full_page" mapstructure:"full_page"`
	ViewportWidth     int          `json:"viewport_width" mapstructure:"viewport_width"`
	ViewportHeight    int          `json:"viewport_height" mapstructure:"viewport_height"`
	WaitUntil         WaitStrategy `json:"wait_until" mapstructure:"wait_until"`
	Autoscroll        bool         `json:"autoscroll" mapstructure:"autoscroll"`
	AutoscrollSteps   int          `json:"autoscroll_steps" mapstructure:"autoscroll_steps"`
	AutoscrollDelayMs int          `json:"autoscroll_delay_ms" mapstructure:"autoscroll_delay_ms"`
}

// DefaultOptions returns the options used when a client sends none.
func DefaultOptions() Options {
	return Options{
		UserAgent:         DefaultUserAgent,
		TimeoutMs:         DefaultTimeoutMs,
		FullPage:          true,
		ViewportWidth:     DefaultViewportWidth,
		ViewportHeight:    DefaultViewportHeight,
		WaitUntil:         DefaultWaitStrategy,
		Autoscroll:        true,
		AutoscrollSteps:   DefaultAutoscrollSteps,
		AutoscrollDelayMs: DefaultAutoscrollDelayMs,
	}
}

// Normalize fills zero-valued fields with defaults and clamps nonsense.
func (o Options) Normalize() Options {
	def := DefaultOptions()
	if o.UserAgent == "" {
		o.UserAgent = def.UserAgent
	}
	if o.TimeoutMs <= 0 {
		o.TimeoutMs = def.TimeoutMs
	}
	if o.ViewportWidth <= 0 {
		o.ViewportWidth = def.ViewportWidth
	}
	if o.ViewportHeight <= 0 {
		o.ViewportHeight = def.ViewportHeight
	}
	if o.WaitUntil == "" {
		o.WaitUntil = def.WaitUntil
	}
	if o.AutoscrollSteps <= 0 {
		o.AutoscrollSteps = def.AutoscrollSteps
	}
	if o.AutoscrollDelayMs <= 0 {
		o.AutoscrollDelayMs = def.AutoscrollDelayMs
	}
	return o
}

// Validate rejects option combinations the renderer cannot honor.
func (o Options) Validate() error {
	switch o.WaitUntil {
	case WaitLoad, WaitDOMContentLoaded, WaitNetworkIdle:
	default:
		return errors.New("wait_until must be one of load, domcontentloaded, networkidle")
	}
	return nil
}

// Parameters captures the per-capture configuration requested by the client.
type Parameters struct {
	URL       string            `json:"url"`
	NotifyAPI string            `json:"notify_api,omitempty"`
	Options   Options           `json:"options"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Capture represents the metadata persisted for each submitted capture.
type Capture struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Submitted  time.Time  `json:"submitted_at"`
	Started    *time.Time `json:"started_at,omitempty"`
	Finished   *time.Time `json:"finished_at,omitempty"`
	ErrorText  string     `json:"error_text,omitempty"`
	Parameters Parameters `json:"parameters"`
	Counters   Counters   `json:"counters"`
}

// Counters tracks per-capture outcome stats.
type Counters struct {
	ShotsSucceeded int `json:"shots_succeeded"`
	ShotsFailed    int `json:"shots_failed"`
	NotifyRetries  int `json:"notify_retries"`
}

// Request is the renderer input for one screenshot.
type Request struct {
	CaptureID string
	URL       string
	Options   Options
}

// Screenshot is the result returned by a Renderer implementation.
type Screenshot struct {
	PNG         []byte
	ContentType string
	Title       string
	FinalURL    string
	StatusCode  int
	Duration    time.Duration
}

// ShotRecord is persisted for each rendered screenshot.
type ShotRecord struct {
	CaptureID      string    `json:"capture_id"`
	URL            string    `json:"url"`
	FinalURL       string    `json:"final_url"`
	Title          string    `json:"title,omitempty"`
	StatusCode     int       `json:"status_code"`
	FullPage       bool      `json:"full_page"`
	ViewportWidth  int       `json:"viewport_width"`
	ViewportHeight int       `json:"viewport_height"`
	CapturedAt     time.Time `json:"captured_at"`
	DurationMs     int64     `json:"duration_ms"`
	ContentHash    string    `json:"content_hash"`
	BlobURI        string    `json:"blob_uri"`
	ByteSize       int       `json:"byte_size"`
}

// Result is returned by the API result endpoint.
type Result struct {
	Capture Capture      `json:"capture"`
	Shots   []ShotRecord `json:"shots"`
}

// QueueItem wraps a capture ready to run.
type QueueItem struct {
	CaptureID string
	Params    Parameters
	Attempt   int
	Submitted int64
}

// Notification is the payload delivered to a notify/target API.
type Notification struct {
	ScreenshotBase64 string         `json:"screenshot_base64"`
	Meta             map[string]any `json:"meta"`
}

// NotifyResult records the downstream response to a notification.
type NotifyResult struct {
	TargetAPI    string `json:"target_api"`
	StatusCode   int    `json:"status_code"`
	ResponseText string `json:"response_text"`
	Retries      int    `json:"retries,omitempty"`
	Error        string `json:"error,omitempty"`
}

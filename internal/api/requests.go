package api

import (
	"errors"

	"github.com/lumaview/pageshot/internal/capture"
)

// scrapeOptions holds the per-request rendering knobs; pointer fields
// distinguish "omitted" from explicit zero values.
type scrapeOptions struct {
	UserAgent         *string `json:"user_agent"`
	TimeoutMs         *int    `json:"timeout_ms"`
	FullPage          *bool   `json:"full_page"`
	ViewportWidth     *int    `json:"viewport_width"`
	ViewportHeight    *int    `json:"viewport_height"`
	WaitUntil         *string `json:"wait_until"`
	Autoscroll        *bool   `json:"autoscroll"`
	AutoscrollSteps   *int    `json:"autoscroll_steps"`
	AutoscrollDelayMs *int    `json:"autoscroll_delay_ms"`
}

// scrapeRequest carries the rendering knobs as top-level fields; a nested
// "options" object is also honored, with the top-level field winning when
// both are present.
type scrapeRequest struct {
	URL       string `json:"url"`
	NotifyAPI string `json:"notify_api"`
	scrapeOptions
	Options *scrapeOptions `json:"options"`
}

type sendRequest struct {
	TargetAPI        string         `json:"target_api"`
	ScreenshotBase64 string         `json:"screenshot_base64"`
	Meta             map[string]any `json:"meta"`
}

type captureRequest struct {
	URL       string `json:"url"`
	NotifyAPI string `json:"notify_api"`
	scrapeOptions
	Options *scrapeOptions    `json:"options"`
	Tags    map[string]string `json:"tags"`
}

// viewportInfo echoes the effective viewport back to the caller.
type viewportInfo struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type scrapeData struct {
	ScreenshotBase64 string       `json:"screenshot_base64"`
	ContentType      string       `json:"content_type"`
	Title            string       `json:"title"`
	FinalURL         string       `json:"final_url"`
	Viewport         viewportInfo `json:"viewport"`
	FullPage         bool         `json:"full_page"`
}

type scrapeResponse struct {
	OK           bool                  `json:"ok"`
	Data         *scrapeData           `json:"data,omitempty"`
	NotifyResult *capture.NotifyResult `json:"notify_result"`
}

func (s *Server) toOptions(flat scrapeOptions, nested *scrapeOptions) (capture.Options, error) {
	merged := flat
	if nested != nil {
		merged = scrapeOptions{
			UserAgent:         coalesce(flat.UserAgent, nested.UserAgent),
			TimeoutMs:         coalesce(flat.TimeoutMs, nested.TimeoutMs),
			FullPage:          coalesce(flat.FullPage, nested.FullPage),
			ViewportWidth:     coalesce(flat.ViewportWidth, nested.ViewportWidth),
			ViewportHeight:    coalesce(flat.ViewportHeight, nested.ViewportHeight),
			WaitUntil:         coalesce(flat.WaitUntil, nested.WaitUntil),
			Autoscroll:        coalesce(flat.Autoscroll, nested.Autoscroll),
			AutoscrollSteps:   coalesce(flat.AutoscrollSteps, nested.AutoscrollSteps),
			AutoscrollDelayMs: coalesce(flat.AutoscrollDelayMs, nested.AutoscrollDelayMs),
		}
	}

	def := capture.DefaultOptions()
	opts := capture.Options{
		UserAgent:         valueOrDefault(merged.UserAgent, def.UserAgent),
		TimeoutMs:         valueOrDefault(merged.TimeoutMs, def.TimeoutMs),
		FullPage:          valueOrDefault(merged.FullPage, def.FullPage),
		ViewportWidth:     valueOrDefault(merged.ViewportWidth, def.ViewportWidth),
		ViewportHeight:    valueOrDefault(merged.ViewportHeight, def.ViewportHeight),
		WaitUntil:         capture.WaitStrategy(valueOrDefault(merged.WaitUntil, string(def.WaitUntil))),
		Autoscroll:        valueOrDefault(merged.Autoscroll, def.Autoscroll),
		AutoscrollSteps:   valueOrDefault(merged.AutoscrollSteps, def.AutoscrollSteps),
		AutoscrollDelayMs: valueOrDefault(merged.AutoscrollDelayMs, def.AutoscrollDelayMs),
	}
	opts = opts.Normalize()
	if err := opts.Validate(); err != nil {
		return capture.Options{}, err
	}
	return opts, nil
}

func (s *Server) toParameters(req captureRequest) (capture.Parameters, error) {
	if req.URL == "" {
		return capture.Parameters{}, errors.New("url required")
	}
	if err := s.validateTarget(req.URL); err != nil {
		return capture.Parameters{}, err
	}
	opts, err := s.toOptions(req.scrapeOptions, req.Options)
	if err != nil {
		return capture.Parameters{}, err
	}
	tags := req.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	return capture.Parameters{
		URL:       req.URL,
		NotifyAPI: req.NotifyAPI,
		Options:   opts,
		Tags:      tags,
	}, nil
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func coalesce[T any](a, b *T) *T {
	if a != nil {
		return a
	}
	return b
}

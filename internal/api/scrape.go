package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lumaview/pageshot/internal/capture"
	"github.com/lumaview/pageshot/internal/metrics"
)

// scrape renders one page synchronously and returns the screenshot inline.
func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	if err := s.validateTarget(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := s.toOptions(req.scrapeOptions, req.Options)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := s.clock.Now()
	shot, err := s.renderer.Capture(r.Context(), capture.Request{
		URL:     req.URL,
		Options: opts,
	})
	if err != nil {
		metrics.ObserveCapture(req.URL, "failed", 0, s.clock.Now().Sub(start))
		if errors.Is(err, capture.ErrNavigationTimeout) {
			writeError(w, http.StatusGatewayTimeout, "page navigation timeout")
			return
		}
		s.logger.Error("scrape render failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	metrics.ObserveCapture(req.URL, "succeeded", len(shot.PNG), s.clock.Now().Sub(start))

	encoded := base64.StdEncoding.EncodeToString(shot.PNG)
	resp := scrapeResponse{
		OK: true,
		Data: &scrapeData{
			ScreenshotBase64: encoded,
			ContentType:      shot.ContentType,
			Title:            shot.Title,
			FinalURL:         shot.FinalURL,
			Viewport:         viewportInfo{Width: opts.ViewportWidth, Height: opts.ViewportHeight},
			FullPage:         opts.FullPage,
		},
	}

	if req.NotifyAPI != "" && s.notifier != nil {
		note := capture.Notification{
			ScreenshotBase64: encoded,
			Meta: map[string]any{
				"url":       req.URL,
				"final_url": shot.FinalURL,
				"title":     shot.Title,
				"viewport":  viewportInfo{Width: opts.ViewportWidth, Height: opts.ViewportHeight},
			},
		}
		result, err := s.notifier.Deliver(r.Context(), req.NotifyAPI, note)
		if err != nil {
			s.logger.Warn("scrape notify failed", zap.String("target_api", req.NotifyAPI), zap.Error(err))
			result.Error = err.Error()
		}
		resp.NotifyResult = &result
	}

	writeJSON(w, http.StatusOK, resp)
}

// send forwards a previously captured screenshot to a downstream API.
func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TargetAPI == "" {
		writeError(w, http.StatusBadRequest, "target_api required")
		return
	}
	if req.ScreenshotBase64 == "" {
		writeError(w, http.StatusBadRequest, "screenshot_base64 required")
		return
	}
	if _, err := base64.StdEncoding.DecodeString(req.ScreenshotBase64); err != nil {
		writeError(w, http.StatusBadRequest, "screenshot_base64 is not valid base64")
		return
	}
	if s.notifier == nil {
		writeError(w, http.StatusServiceUnavailable, "notifier not configured")
		return
	}

	note := capture.Notification{
		ScreenshotBase64: req.ScreenshotBase64,
		Meta:             req.Meta,
	}
	result, err := s.notifier.Deliver(r.Context(), req.TargetAPI, note)
	if err != nil {
		s.logger.Error("send delivery failed", zap.String("target_api", req.TargetAPI), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

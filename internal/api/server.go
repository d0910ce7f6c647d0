// Package api exposes the HTTP interface for the screenshot service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumaview/pageshot/internal/capture"
	"github.com/lumaview/pageshot/internal/config"
	"github.com/lumaview/pageshot/internal/dispatcher"
	"github.com/lumaview/pageshot/internal/metrics"
)

// Server wires HTTP handlers to the renderer, dispatcher, and stores.
type Server struct {
	router       chi.Router
	captureStore capture.CaptureStore
	dispatcher   *dispatcher.Dispatcher
	renderer     capture.Renderer
	notifier     capture.Notifier
	idGen        capture.IDGenerator
	clock        capture.Clock
	blocklist    *capture.HostBlocklist
	cfg          config.Config
	logger       *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	captureStore capture.CaptureStore,
	dispatcher *dispatcher.Dispatcher,
	renderer capture.Renderer,
	notifier capture.Notifier,
	idGen capture.IDGenerator,
	clock capture.Clock,
	blocklist *capture.HostBlocklist,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		captureStore: captureStore,
		dispatcher:   dispatcher,
		renderer:     renderer,
		notifier:     notifier,
		idGen:        idGen,
		clock:        clock,
		blocklist:    blocklist,
		cfg:          cfg,
		logger:       logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(s.requestTimeout()))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/scrape", s.scrape)
	r.Post("/send", s.send)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/captures", func(r chi.Router) {
			r.Post("/", s.submitCapture)
			r.Route("/{capture_id}", func(r chi.Router) {
				r.Get("/status", s.getCaptureStatus)
				r.Get("/result", s.getCaptureResult)
				r.Post("/cancel", s.cancelCapture)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestTimeout() time.Duration {
	if s.cfg.Server.TimeoutSeconds > 0 {
		return time.Duration(s.cfg.Server.TimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.renderer == nil {
		writeError(w, http.StatusServiceUnavailable, "renderer not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitCapture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	params, err := s.toParameters(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	captureID, err := s.enqueueCapture(r.Context(), params)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"capture_id": captureID})
}

func (s *Server) getCaptureStatus(w http.ResponseWriter, r *http.Request) {
	captureID := chi.URLParam(r, "capture_id")
	rec, err := s.captureStore.GetCapture(r.Context(), captureID)
	if err != nil {
		writeError(w, http.StatusNotFound, "capture not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"capture": rec})
}

func (s *Server) getCaptureResult(w http.ResponseWriter, r *http.Request) {
	captureID := chi.URLParam(r, "capture_id")
	rec, err := s.captureStore.GetCapture(r.Context(), captureID)
	if err != nil {
		writeError(w, http.StatusNotFound, "capture not found")
		return
	}
	shots, err := s.captureStore.ListShots(r.Context(), captureID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch capture shots")
		return
	}
	writeJSON(w, http.StatusOK, capture.Result{Capture: rec, Shots: shots})
}

func (s *Server) cancelCapture(w http.ResponseWriter, r *http.Request) {
	captureID := chi.URLParam(r, "capture_id")
	if err := s.captureStore.UpdateCaptureStatus(
		r.Context(),
		captureID,
		capture.StatusCanceled,
		"canceled via API",
		capture.Counters{},
	); err != nil {
		if errors.Is(err, capture.ErrCaptureFinished) {
			writeError(w, http.StatusConflict, "capture already finished")
			return
		}
		writeError(w, http.StatusNotFound, "capture not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"capture_id": captureID,
		"status":     string(capture.StatusCanceled),
	})
}

func (s *Server) enqueueCapture(ctx context.Context, params capture.Parameters) (string, error) {
	captureID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate capture id: %w", err)
	}
	now := s.clock.Now()
	rec := capture.Capture{
		ID:         captureID,
		Status:     capture.StatusQueued,
		Submitted:  now,
		Parameters: params,
		Counters:   capture.Counters{},
	}
	if err := s.captureStore.CreateCapture(ctx, rec); err != nil {
		return "", fmt.Errorf("create capture: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	item := capture.QueueItem{
		CaptureID: captureID,
		Params:    params,
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		return "", fmt.Errorf("enqueue capture: %w", err)
	}
	return captureID, nil
}

func (s *Server) validateTarget(rawURL string) error {
	host, err := capture.ValidateURL(rawURL)
	if err != nil {
		return err
	}
	if s.blocklist.IsBlocked(host) {
		return fmt.Errorf("host %q is not allowed", host)
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		dur := time.Since(start)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", dur.Milliseconds()),
		)
		metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, dur)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Package worker implements the capture pipeline execution loop.
package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumaview/pageshot/internal/capture"
	"github.com/lumaview/pageshot/internal/metrics"
	"github.com/lumaview/pageshot/internal/progress"
)

// Config controls Worker behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	Topic       string
}

// Worker consumes queue items and executes the capture pipeline.
type Worker struct {
	queue        capture.Queue
	captureStore capture.CaptureStore
	blobStore    capture.BlobStore
	publisher    capture.Publisher
	hasher       capture.Hasher
	clock        capture.Clock
	renderer     capture.Renderer
	prober       capture.Prober
	notifier     capture.Notifier
	policy       capture.Policy
	emitter      progress.Emitter
	cfg          Config
	logger       *zap.Logger
}

// New constructs a Worker.
func New(
	queue capture.Queue,
	captureStore capture.CaptureStore,
	blobStore capture.BlobStore,
	publisher capture.Publisher,
	hasher capture.Hasher,
	clock capture.Clock,
	renderer capture.Renderer,
	prober capture.Prober,
	notifier capture.Notifier,
	policy capture.Policy,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.ContentType == "" {
		cfg.ContentType = "image/png"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:        queue,
		captureStore: captureStore,
		blobStore:    blobStore,
		publisher:    publisher,
		hasher:       hasher,
		clock:        clock,
		renderer:     renderer,
		prober:       prober,
		notifier:     notifier,
		policy:       policy,
		emitter:      emitter,
		cfg:          cfg,
		logger:       logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, capture.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued capture", zap.String("capture_id", item.CaptureID))
		metrics.IncActiveWorkers()
		w.processCapture(ctx, item)
		metrics.DecActiveWorkers()
	}
}

func (w *Worker) processCapture(ctx context.Context, item capture.QueueItem) {
	if w.renderer == nil {
		w.logger.Error("no renderer configured", zap.String("capture_id", item.CaptureID))
		w.updateStatus(ctx, item.CaptureID, capture.StatusFailed, "no renderer configured", capture.Counters{})
		return
	}

	start := w.clock.Now()
	counters := capture.Counters{}
	errText := ""

	if rec, err := w.captureStore.GetCapture(ctx, item.CaptureID); err == nil && rec.Status.Terminal() {
		w.logger.Info("skipping finished capture",
			zap.String("capture_id", item.CaptureID),
			zap.String("status", string(rec.Status)),
		)
		return
	}

	if err := w.captureStore.UpdateCaptureStatus(ctx, item.CaptureID, capture.StatusRunning, "", counters); err != nil {
		if errors.Is(err, capture.ErrCaptureFinished) {
			w.logger.Info("skipping finished capture", zap.String("capture_id", item.CaptureID))
			return
		}
		w.logger.Error("update capture status failed", zap.String("capture_id", item.CaptureID), zap.Error(err))
		return
	}
	w.emit(item.CaptureID, progress.Event{Stage: progress.StageCaptureStart, URL: item.Params.URL})

	shotBytes, err := w.handleCapture(ctx, item, &counters)
	if err != nil {
		errText = err.Error()
	}

	status, errText := w.deriveFinalStatus(ctx, counters, errText)
	w.updateStatus(ctx, item.CaptureID, status, errText, counters)

	dur := w.clock.Now().Sub(start)
	if status == capture.StatusSucceeded {
		metrics.ObserveCapture(item.Params.URL, "succeeded", shotBytes, dur)
		w.emit(item.CaptureID, progress.Event{Stage: progress.StageCaptureDone, URL: item.Params.URL, Bytes: int64(shotBytes), Dur: dur})
	} else {
		metrics.ObserveCapture(item.Params.URL, string(status), 0, dur)
		w.emit(item.CaptureID, progress.Event{Stage: progress.StageCaptureError, URL: item.Params.URL, Dur: dur, Note: errText})
	}
}

func (w *Worker) handleCapture(ctx context.Context, item capture.QueueItem, counters *capture.Counters) (int, error) {
	url := item.Params.URL
	if !w.allowCapture(item.CaptureID, url) {
		w.logger.Warn("capture blocked by policy", zap.String("capture_id", item.CaptureID), zap.String("url", url))
		counters.ShotsFailed++
		return 0, fmt.Errorf("capture blocked by policy")
	}
	if err := w.waitPolicy(ctx, url); err != nil {
		counters.ShotsFailed++
		return 0, err
	}

	if w.prober != nil {
		if _, err := w.prober.Probe(ctx, url); err != nil {
			counters.ShotsFailed++
			w.logger.Error("probe failed", zap.String("capture_id", item.CaptureID), zap.String("url", url), zap.Error(err))
			return 0, err
		}
		w.logger.Debug("probe succeeded", zap.String("capture_id", item.CaptureID), zap.String("url", url))
	}

	w.emit(item.CaptureID, progress.Event{Stage: progress.StageRenderStart, Site: metrics.SanitizeSite(url), URL: url})
	shot, err := w.renderer.Capture(ctx, capture.Request{
		CaptureID: item.CaptureID,
		URL:       url,
		Options:   item.Params.Options,
	})
	if err != nil {
		counters.ShotsFailed++
		w.logger.Error("render failed", zap.String("capture_id", item.CaptureID), zap.String("url", url), zap.Error(err))
		return 0, err
	}
	w.emit(item.CaptureID, progress.Event{
		Stage:       progress.StageRenderDone,
		Site:        metrics.SanitizeSite(url),
		URL:         url,
		Bytes:       int64(len(shot.PNG)),
		StatusClass: progress.ClassifyStatus(shot.StatusCode),
		Dur:         shot.Duration,
	})

	if err := w.persistAndPublish(ctx, item, shot); err != nil {
		counters.ShotsFailed++
		w.logger.Error("persist shot failed", zap.String("capture_id", item.CaptureID), zap.String("url", url), zap.Error(err))
		return 0, err
	}
	counters.ShotsSucceeded++

	if item.Params.NotifyAPI != "" && w.notifier != nil {
		result, err := w.deliverNotification(ctx, item, shot)
		counters.NotifyRetries += result.Retries
		if err != nil {
			w.logger.Warn("notify delivery failed",
				zap.String("capture_id", item.CaptureID),
				zap.String("target_api", item.Params.NotifyAPI),
				zap.Error(err),
			)
		}
	}
	return len(shot.PNG), nil
}

func (w *Worker) deliverNotification(
	ctx context.Context,
	item capture.QueueItem,
	shot capture.Screenshot,
) (capture.NotifyResult, error) {
	opts := item.Params.Options
	note := capture.Notification{
		ScreenshotBase64: base64.StdEncoding.EncodeToString(shot.PNG),
		Meta: map[string]any{
			"capture_id": item.CaptureID,
			"url":        item.Params.URL,
			"final_url":  shot.FinalURL,
			"title":      shot.Title,
			"viewport": map[string]int{
				"width":  opts.ViewportWidth,
				"height": opts.ViewportHeight,
			},
		},
	}
	result, err := w.notifier.Deliver(ctx, item.Params.NotifyAPI, note)
	w.emit(item.CaptureID, progress.Event{
		Stage:       progress.StageNotifyDone,
		URL:         item.Params.NotifyAPI,
		StatusClass: progress.ClassifyStatus(result.StatusCode),
	})
	return result, err
}

func (w *Worker) persistAndPublish(ctx context.Context, item capture.QueueItem, shot capture.Screenshot) error {
	hash, err := w.hasher.Hash(shot.PNG)
	if err != nil {
		return fmt.Errorf("hash screenshot: %w", err)
	}

	blobPath := w.buildBlobPath(item.CaptureID, hash)
	uri, err := w.blobStore.PutObject(ctx, blobPath, w.cfg.ContentType, bytes.NewReader(shot.PNG))
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}

	opts := item.Params.Options
	record := capture.ShotRecord{
		CaptureID:      item.CaptureID,
		URL:            item.Params.URL,
		FinalURL:       shot.FinalURL,
		Title:          shot.Title,
		StatusCode:     shot.StatusCode,
		FullPage:       opts.FullPage,
		ViewportWidth:  opts.ViewportWidth,
		ViewportHeight: opts.ViewportHeight,
		CapturedAt:     w.clock.Now(),
		DurationMs:     shot.Duration.Milliseconds(),
		ContentHash:    hash,
		BlobURI:        uri,
		ByteSize:       len(shot.PNG),
	}
	if err := w.captureStore.RecordShot(ctx, record); err != nil {
		return fmt.Errorf("record shot: %w", err)
	}

	return w.publishResult(ctx, item, uri, hash, shot)
}

func (w *Worker) publishResult(
	ctx context.Context,
	item capture.QueueItem,
	uri string,
	hash string,
	shot capture.Screenshot,
) error {
	if w.cfg.Topic == "" || w.publisher == nil {
		return nil
	}
	payload := map[string]any{
		"capture_id": item.CaptureID,
		"url":        item.Params.URL,
		"final_url":  shot.FinalURL,
		"blob_uri":   uri,
		"hash":       hash,
		"timestamp":  w.clock.Now().Format(time.RFC3339),
		"status":     shot.StatusCode,
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		return fmt.Errorf("publish payload: %w", err)
	}
	w.logger.Info("capture published",
		zap.String("capture_id", item.CaptureID),
		zap.String("url", item.Params.URL),
		zap.String("blob_uri", uri),
		zap.String("hash", hash),
	)
	return nil
}

func (w *Worker) buildBlobPath(captureID, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.png", captureID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.png", prefix, captureID, hash)
}

func (w *Worker) allowCapture(captureID, url string) bool {
	if w.policy == nil {
		return true
	}
	return w.policy.AllowCapture(captureID, url)
}

func (w *Worker) waitPolicy(ctx context.Context, url string) error {
	if w.policy == nil {
		return nil
	}
	if err := w.policy.Wait(ctx, url); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

func (w *Worker) updateStatus(ctx context.Context, captureID string, status capture.Status, errText string, counters capture.Counters) {
	if err := w.captureStore.UpdateCaptureStatus(ctx, captureID, status, errText, counters); err != nil {
		if errors.Is(err, capture.ErrCaptureFinished) {
			// Canceled out from under us while rendering; the stored
			// terminal status wins.
			w.logger.Info("capture finished concurrently", zap.String("capture_id", captureID))
			return
		}
		w.logger.Error("final capture status update failed", zap.String("capture_id", captureID), zap.Error(err))
	}
}

func (w *Worker) deriveFinalStatus(
	ctx context.Context,
	counters capture.Counters,
	errText string,
) (capture.Status, string) {
	if counters.ShotsSucceeded == 0 && errText == "" {
		errText = "no screenshot was captured"
	}

	switch {
	case ctx.Err() != nil:
		return capture.StatusCanceled, errText
	case counters.ShotsSucceeded == 0:
		return capture.StatusFailed, errText
	default:
		return capture.StatusSucceeded, errText
	}
}

func (w *Worker) emit(captureID string, evt progress.Event) {
	if w.emitter == nil {
		return
	}
	id, err := uuid.Parse(captureID)
	if err != nil {
		return
	}
	evt.CaptureID = progress.UUIDToBytes(id)
	if evt.TS.IsZero() {
		evt.TS = w.clock.Now()
	}
	w.emitter.Emit(evt)
}

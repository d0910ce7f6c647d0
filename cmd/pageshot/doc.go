// Package main hosts the screenshot service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, synchronous scrape/send endpoints, and the asynchronous
//     capture lifecycle under /v1/captures. Requests are validated, normalized into capture.Parameters, and persisted
//     via the CaptureStore before being enqueued for work.
//   - Dispatcher & queue: captures flow through a bounded in-memory queue sized by config.Capture.QueueDepth and are
//     fanned out to a fixed worker pool sized by config.Capture.Concurrency. Context cancellation stops workers
//     cleanly on shutdown.
//   - Render pipeline: workers optionally run a lightweight Colly probe first, then drive headless Chromium via the
//     Chromedp renderer (viewport emulation, wait strategies, autoscroll for lazy-loaded content) and produce a PNG
//     screenshot with title, final URL, and response status metadata.
//   - Persistence & fanout: screenshots are written to the configured BlobStore (memory/local/GCS), shot metadata is
//     optionally persisted to Postgres, a compact completion event is published to Pub/Sub or Kafka when configured,
//     and downstream notify APIs receive the screenshot with jittered-backoff retries. Progress events are buffered
//     and sent to configured sinks for monitoring.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the /metrics handler; per-host rate limiting is available behind the policy interface.
//     The service is stateless across requests, suitable for Cloud Run scale-out.
//
// Operational notes:
//   - Concurrency model: bounded queue + fixed worker pool; Chromium tabs have their own semaphore inside the
//     Chromedp renderer, shared by synchronous /scrape requests and queue workers. Shutdown is coordinated via
//     context cancellation propagated from main through dispatcher to workers.
//   - Observability: zap logs carry capture IDs and URLs at key transitions; Prometheus counters/histograms track API
//     and capture activity; the progress Hub batches capture lifecycle events for downstream sinks. Tracing is not
//     yet wired in.
//   - Cloud Run: the HTTP server listens on the configured port (overridable via PORT). Health endpoints (/healthz,
//     /readyz) remain lightweight; the process reacts to SIGTERM for graceful drain and shutdown of workers.
//
// Quick checklist:
//   - Configure env vars: PAGESHOT_SERVER_PORT or PORT, PAGESHOT_CAPTURE_CONCURRENCY, PAGESHOT_RENDERER_MAX_PARALLEL,
//     storage (PAGESHOT_STORAGE_*), events backend (PAGESHOT_EVENTS_*), and database DSN/table names when persistence
//     beyond memory is required.
//   - Run locally: go run ./cmd/pageshot -config config.yaml (or rely solely on env overrides).
//   - Containers: the image ships Chromium; the server listens on PORT (default 8000), remains stateless across
//     requests, and shuts down cleanly on SIGTERM with in-flight work bounded by per-capture timeouts.
package main

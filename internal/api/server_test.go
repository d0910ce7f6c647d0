package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumaview/pageshot/internal/capture"
	"github.com/lumaview/pageshot/internal/config"
	"github.com/lumaview/pageshot/internal/dispatcher"
	"github.com/lumaview/pageshot/internal/metrics"
	queueMemory "github.com/lumaview/pageshot/internal/queue/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

func TestServer_Scrape_Succeeds(t *testing.T) {
	t.Parallel()

	renderer := &apiFakeRenderer{
		shot: capture.Screenshot{
			PNG:         []byte("png-bytes"),
			ContentType: "image/png",
			Title:       "Example Domain",
			FinalURL:    "https://example.com/",
			StatusCode:  http.StatusOK,
		},
	}
	server := newTestServer(withRenderer(renderer))

	body := []byte(`{"url":"https://example.com"}`)
	rec := doRequest(server, http.MethodPost, "/scrape", body)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		OK   bool `json:"ok"`
		Data struct {
			ScreenshotBase64 string `json:"screenshot_base64"`
			ContentType      string `json:"content_type"`
			Title            string `json:"title"`
			FinalURL         string `json:"final_url"`
			Viewport         struct {
				Width  int `json:"width"`
				Height int `json:"height"`
			} `json:"viewport"`
			FullPage bool `json:"full_page"`
		} `json:"data"`
		NotifyResult *capture.NotifyResult `json:"notify_result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.OK)
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), resp.Data.ScreenshotBase64)
	require.Equal(t, "image/png", resp.Data.ContentType)
	require.Equal(t, "Example Domain", resp.Data.Title)
	require.Equal(t, "https://example.com/", resp.Data.FinalURL)
	require.Equal(t, capture.DefaultViewportWidth, resp.Data.Viewport.Width)
	require.Equal(t, capture.DefaultViewportHeight, resp.Data.Viewport.Height)
	require.True(t, resp.Data.FullPage)
	require.Nil(t, resp.NotifyResult)

	require.Equal(t, capture.DefaultUserAgent, renderer.lastRequest().Options.UserAgent)
	require.Equal(t, capture.DefaultTimeoutMs, renderer.lastRequest().Options.TimeoutMs)
}

func TestServer_Scrape_AppliesOptionOverrides(t *testing.T) {
	t.Parallel()

	renderer := &apiFakeRenderer{shot: capture.Screenshot{PNG: []byte("x")}}
	server := newTestServer(withRenderer(renderer))

	body := []byte(`{
		"url": "https://example.com",
		"full_page": false,
		"viewport_width": 800,
		"viewport_height": 600,
		"wait_until": "load",
		"timeout_ms": 5000,
		"autoscroll": false
	}`)
	rec := doRequest(server, http.MethodPost, "/scrape", body)
	require.Equal(t, http.StatusOK, rec.Code)

	opts := renderer.lastRequest().Options
	require.False(t, opts.FullPage)
	require.Equal(t, 800, opts.ViewportWidth)
	require.Equal(t, 600, opts.ViewportHeight)
	require.Equal(t, capture.WaitLoad, opts.WaitUntil)
	require.Equal(t, 5000, opts.TimeoutMs)
	require.False(t, opts.Autoscroll)
}

func TestServer_Scrape_NestedOptionsStillAccepted(t *testing.T) {
	t.Parallel()

	renderer := &apiFakeRenderer{shot: capture.Screenshot{PNG: []byte("x")}}
	server := newTestServer(withRenderer(renderer))

	body := []byte(`{
		"url": "https://example.com",
		"timeout_ms": 7000,
		"options": {
			"viewport_width": 640,
			"timeout_ms": 5000
		}
	}`)
	rec := doRequest(server, http.MethodPost, "/scrape", body)
	require.Equal(t, http.StatusOK, rec.Code)

	opts := renderer.lastRequest().Options
	require.Equal(t, 640, opts.ViewportWidth)
	// Top-level fields win over the nested block.
	require.Equal(t, 7000, opts.TimeoutMs)
}

func TestServer_Scrape_NavigationTimeoutIs504(t *testing.T) {
	t.Parallel()

	renderer := &apiFakeRenderer{err: fmt.Errorf("%w: context deadline exceeded", capture.ErrNavigationTimeout)}
	server := newTestServer(withRenderer(renderer))

	rec := doRequest(server, http.MethodPost, "/scrape", []byte(`{"url":"https://slow.example.com"}`))
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	require.Contains(t, rec.Body.String(), "page navigation timeout")
}

func TestServer_Scrape_RenderErrorIs502(t *testing.T) {
	t.Parallel()

	renderer := &apiFakeRenderer{err: errors.New("browser crashed")}
	server := newTestServer(withRenderer(renderer))

	rec := doRequest(server, http.MethodPost, "/scrape", []byte(`{"url":"https://example.com"}`))
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServer_Scrape_RejectsBadInput(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	cases := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", "{invalid", "invalid JSON"},
		{"missing url", `{}`, "url required"},
		{"bad scheme", `{"url":"ftp://example.com"}`, "scheme"},
		{"bad wait_until", `{"url":"https://example.com","options":{"wait_until":"never"}}`, "wait_until"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(server, http.MethodPost, "/scrape", []byte(tc.body))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tc.want)
		})
	}
}

func TestServer_Scrape_BlockedHost(t *testing.T) {
	t.Parallel()

	server := newTestServer(withBlocklist([]string{"*.internal.corp"}))
	rec := doRequest(server, http.MethodPost, "/scrape", []byte(`{"url":"https://db.internal.corp/admin"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "not allowed")
}

func TestServer_Scrape_NotifyResultIncluded(t *testing.T) {
	t.Parallel()

	renderer := &apiFakeRenderer{shot: capture.Screenshot{PNG: []byte("x"), Title: "T"}}
	notify := &apiFakeNotifier{result: capture.NotifyResult{
		TargetAPI:    "https://hooks.example.com",
		StatusCode:   http.StatusOK,
		ResponseText: "accepted",
	}}
	server := newTestServer(withRenderer(renderer), withNotifier(notify))

	body := []byte(`{"url":"https://example.com","notify_api":"https://hooks.example.com"}`)
	rec := doRequest(server, http.MethodPost, "/scrape", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "accepted")
	require.Equal(t, "https://hooks.example.com", notify.lastTarget())
	require.NotEmpty(t, notify.lastNote().ScreenshotBase64)

	meta := notify.lastNote().Meta
	require.Equal(t, "https://example.com", meta["url"])
	require.Equal(t, "T", meta["title"])
	require.Equal(t, viewportInfo{
		Width:  capture.DefaultViewportWidth,
		Height: capture.DefaultViewportHeight,
	}, meta["viewport"])
}

func TestServer_Scrape_NotifyFailureReportedInResult(t *testing.T) {
	t.Parallel()

	renderer := &apiFakeRenderer{shot: capture.Screenshot{PNG: []byte("x")}}
	notify := &apiFakeNotifier{err: errors.New("connection refused")}
	server := newTestServer(withRenderer(renderer), withNotifier(notify))

	body := []byte(`{"url":"https://example.com","notify_api":"https://hooks.example.com"}`)
	rec := doRequest(server, http.MethodPost, "/scrape", body)

	// Delivery failure must not fail the scrape itself.
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		OK           bool                  `json:"ok"`
		NotifyResult *capture.NotifyResult `json:"notify_result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.OK)
	require.NotNil(t, resp.NotifyResult)
	require.Contains(t, resp.NotifyResult.Error, "connection refused")
}

func TestServer_Send_ForwardsScreenshot(t *testing.T) {
	t.Parallel()

	notify := &apiFakeNotifier{result: capture.NotifyResult{StatusCode: http.StatusOK, ResponseText: "ok"}}
	server := newTestServer(withNotifier(notify))

	body := []byte(`{"target_api":"https://hooks.example.com","screenshot_base64":"aGVsbG8="}`)
	rec := doRequest(server, http.MethodPost, "/send", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok":true`)
	require.Contains(t, rec.Body.String(), `"result"`)
	require.Equal(t, "aGVsbG8=", notify.lastNote().ScreenshotBase64)
}

func TestServer_Send_RejectsBadInput(t *testing.T) {
	t.Parallel()

	server := newTestServer(withNotifier(&apiFakeNotifier{}))
	cases := []struct {
		name string
		body string
	}{
		{"invalid json", "{nope"},
		{"missing target", `{"screenshot_base64":"aGVsbG8="}`},
		{"missing screenshot", `{"target_api":"https://hooks.example.com"}`},
		{"invalid base64", `{"target_api":"https://hooks.example.com","screenshot_base64":"!!!"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(server, http.MethodPost, "/send", []byte(tc.body))
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestServer_Send_DeliveryFailureIs500(t *testing.T) {
	t.Parallel()

	notify := &apiFakeNotifier{err: errors.New("connection refused")}
	server := newTestServer(withNotifier(notify))

	body := []byte(`{"target_api":"https://hooks.example.com","screenshot_base64":"aGVsbG8="}`)
	rec := doRequest(server, http.MethodPost, "/send", body)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_SubmitCapture_Succeeds(t *testing.T) {
	t.Parallel()

	store := newAPIFakeCaptureStore()
	q := queueMemory.NewQueue(10)
	dispatch := dispatcher.New(q, nil, nil)
	idGen := &fakeIDGen{ids: []string{"cap-async"}}
	server := newTestServer(withStore(store), withDispatcher(dispatch), withIDGen(idGen))

	body := []byte(`{"url":"https://example.com","tags":{"team":"qa"}}`)
	rec := doRequest(server, http.MethodPost, "/v1/captures", body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "cap-async")

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "cap-async", item.CaptureID)
	require.Equal(t, "https://example.com", item.Params.URL)
	require.Equal(t, "qa", item.Params.Tags["team"])

	stored, err := store.GetCapture(context.Background(), "cap-async")
	require.NoError(t, err)
	require.Equal(t, capture.StatusQueued, stored.Status)
}

func TestServer_SubmitCapture_AcceptsFlatOptionFields(t *testing.T) {
	t.Parallel()

	q := queueMemory.NewQueue(10)
	dispatch := dispatcher.New(q, nil, nil)
	idGen := &fakeIDGen{ids: []string{"cap-flat"}}
	server := newTestServer(withDispatcher(dispatch), withIDGen(idGen))

	body := []byte(`{"url":"https://example.com","full_page":false,"viewport_width":1024,"autoscroll":false}`)
	rec := doRequest(server, http.MethodPost, "/v1/captures", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.False(t, item.Params.Options.FullPage)
	require.Equal(t, 1024, item.Params.Options.ViewportWidth)
	require.False(t, item.Params.Options.Autoscroll)
}

func TestServer_SubmitCapture_RejectsMissingURL(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	rec := doRequest(server, http.MethodPost, "/v1/captures", []byte(`{}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "url required")
}

func TestServer_GetCaptureStatus_ReturnsCapture(t *testing.T) {
	t.Parallel()

	store := newAPIFakeCaptureStore()
	store.captures["cap-status"] = capture.Capture{ID: "cap-status", Status: capture.StatusSucceeded}
	server := newTestServer(withStore(store))

	rec := doRequest(server, http.MethodGet, "/v1/captures/cap-status/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "succeeded")
}

func TestServer_GetCaptureStatus_NotFound(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	rec := doRequest(server, http.MethodGet, "/v1/captures/missing/status", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetCaptureResult_ReturnsShots(t *testing.T) {
	t.Parallel()

	store := newAPIFakeCaptureStore()
	store.captures["cap-result"] = capture.Capture{ID: "cap-result", Status: capture.StatusSucceeded}
	store.shots["cap-result"] = []capture.ShotRecord{
		{CaptureID: "cap-result", URL: "https://example.com", BlobURI: "memory://shots/cap-result/h.png"},
	}
	server := newTestServer(withStore(store))

	rec := doRequest(server, http.MethodGet, "/v1/captures/cap-result/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "memory://shots/cap-result/h.png")
}

func TestServer_CancelCapture(t *testing.T) {
	t.Parallel()

	store := newAPIFakeCaptureStore()
	store.captures["cap-cancel"] = capture.Capture{ID: "cap-cancel", Status: capture.StatusQueued}
	server := newTestServer(withStore(store))

	rec := doRequest(server, http.MethodPost, "/v1/captures/cap-cancel/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "canceled")
	require.Equal(t, capture.StatusCanceled, store.captures["cap-cancel"].Status)
}

func TestServer_CancelCapture_FinishedIsConflict(t *testing.T) {
	t.Parallel()

	store := newAPIFakeCaptureStore()
	store.captures["cap-done"] = capture.Capture{ID: "cap-done", Status: capture.StatusSucceeded}
	server := newTestServer(withStore(store))

	rec := doRequest(server, http.MethodPost, "/v1/captures/cap-done/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "already finished")
	require.Equal(t, capture.StatusSucceeded, store.captures["cap-done"].Status)
}

func TestServer_HealthEndpoints(t *testing.T) {
	t.Parallel()

	server := newTestServer()

	rec := doRequest(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := newTestServer(withAuth("secret"))

	rec := doRequest(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	resp := httptest.NewRecorder()
	server.Handler().ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestServer_RequestIDHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	rec := doRequest(server, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

// --- helpers ---

type serverOption func(*serverDeps)

type serverDeps struct {
	store     *apiFakeCaptureStore
	dispatch  *dispatcher.Dispatcher
	renderer  capture.Renderer
	notifier  capture.Notifier
	idGen     *fakeIDGen
	blocklist *capture.HostBlocklist
	cfg       config.Config
}

func withStore(store *apiFakeCaptureStore) serverOption {
	return func(d *serverDeps) { d.store = store }
}

func withDispatcher(dispatch *dispatcher.Dispatcher) serverOption {
	return func(d *serverDeps) { d.dispatch = dispatch }
}

func withRenderer(r capture.Renderer) serverOption {
	return func(d *serverDeps) { d.renderer = r }
}

func withNotifier(n capture.Notifier) serverOption {
	return func(d *serverDeps) { d.notifier = n }
}

func withIDGen(g *fakeIDGen) serverOption {
	return func(d *serverDeps) { d.idGen = g }
}

func withBlocklist(patterns []string) serverOption {
	return func(d *serverDeps) { d.blocklist = capture.NewHostBlocklist(patterns) }
}

func withAuth(key string) serverOption {
	return func(d *serverDeps) {
		d.cfg.Auth.Enabled = true
		d.cfg.Auth.APIKey = key
	}
}

func newTestServer(opts ...serverOption) *Server {
	deps := &serverDeps{
		store:    newAPIFakeCaptureStore(),
		dispatch: dispatcher.New(queueMemory.NewQueue(10), nil, nil),
		renderer: &apiFakeRenderer{shot: capture.Screenshot{PNG: []byte("png")}},
		idGen:    &fakeIDGen{ids: []string{"cap-1", "cap-2", "cap-3"}},
		cfg: config.Config{
			Server: config.ServerConfig{TimeoutSeconds: 30},
		},
	}
	for _, opt := range opts {
		opt(deps)
	}
	return NewServer(
		deps.store,
		deps.dispatch,
		deps.renderer,
		deps.notifier,
		deps.idGen,
		&fakeClock{now: time.Unix(100, 0)},
		deps.blocklist,
		deps.cfg,
		zap.NewNop(),
	)
}

func doRequest(server *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

// --- fakes ---

type apiFakeCaptureStore struct {
	mu       sync.Mutex
	captures map[string]capture.Capture
	shots    map[string][]capture.ShotRecord
}

func newAPIFakeCaptureStore() *apiFakeCaptureStore {
	return &apiFakeCaptureStore{
		captures: make(map[string]capture.Capture),
		shots:    make(map[string][]capture.ShotRecord),
	}
}

func (f *apiFakeCaptureStore) CreateCapture(_ context.Context, rec capture.Capture) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures[rec.ID] = rec
	return nil
}

func (f *apiFakeCaptureStore) UpdateCaptureStatus(
	_ context.Context,
	captureID string,
	status capture.Status,
	errText string,
	counters capture.Counters,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.captures[captureID]
	if !ok {
		return errors.New("capture not found")
	}
	if rec.Status.Terminal() {
		return capture.ErrCaptureFinished
	}
	rec.Status = status
	rec.ErrorText = errText
	rec.Counters = counters
	f.captures[captureID] = rec
	return nil
}

func (f *apiFakeCaptureStore) RecordShot(_ context.Context, shot capture.ShotRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shots[shot.CaptureID] = append(f.shots[shot.CaptureID], shot)
	return nil
}

func (f *apiFakeCaptureStore) GetCapture(_ context.Context, captureID string) (capture.Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.captures[captureID]
	if !ok {
		return capture.Capture{}, errors.New("capture not found")
	}
	return rec, nil
}

func (f *apiFakeCaptureStore) ListShots(_ context.Context, captureID string) ([]capture.ShotRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shots[captureID], nil
}

type apiFakeRenderer struct {
	mu   sync.Mutex
	shot capture.Screenshot
	err  error
	last capture.Request
}

func (r *apiFakeRenderer) Capture(_ context.Context, req capture.Request) (capture.Screenshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = req
	if r.err != nil {
		return capture.Screenshot{}, r.err
	}
	return r.shot, nil
}

func (r *apiFakeRenderer) lastRequest() capture.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

type apiFakeNotifier struct {
	mu     sync.Mutex
	target string
	note   capture.Notification
	result capture.NotifyResult
	err    error
}

func (n *apiFakeNotifier) Deliver(_ context.Context, targetAPI string, note capture.Notification) (capture.NotifyResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.target = targetAPI
	n.note = note
	if n.err != nil {
		return capture.NotifyResult{}, n.err
	}
	return n.result, nil
}

func (n *apiFakeNotifier) lastTarget() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.target
}

func (n *apiFakeNotifier) lastNote() capture.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.note
}

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (g *fakeIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.ids) == 0 {
		return "", errors.New("no ids left")
	}
	id := g.ids[0]
	g.ids = g.ids[1:]
	return id, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

// Package chromedp renders screenshots with headless Chromium via chromedp.
package chromedp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/lumaview/pageshot/internal/capture"
)

const (
	defaultNavTimeout = 45 * time.Second
	// networkIdleQuiet is the quiet window allowed after the load milestone
	// before capturing when the wait strategy is "networkidle".
	networkIdleQuiet = 500 * time.Millisecond
	scrollDistancePx = 500
)

// Config controls the behavior of the chromedp renderer.
type Config struct {
	MaxParallel       int
	NavigationTimeout time.Duration
	NoSandbox         bool
}

// Renderer implements capture.Renderer using chromedp and headless Chromium.
type Renderer struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a renderer backed by a shared Chromium exec allocator.
func New(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Capture navigates with a headless browser and returns the rendered PNG
// plus page metadata. The request timeout bounds navigation only; the
// post-navigation stages (autoscroll, screenshot) run on their own budget
// so a slow scroll is not misreported as a navigation timeout.
func (r *Renderer) Capture(ctx context.Context, request capture.Request) (capture.Screenshot, error) {
	if err := r.acquire(ctx); err != nil {
		return capture.Screenshot{}, err
	}
	defer r.release()

	opts := request.Options.Normalize()

	tabCtx, cancelTab := chromedp.NewContext(r.allocator)
	defer cancelTab()

	stopForward := forwardCancel(ctx, cancelTab)
	defer stopForward()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()

	navCtx, cancelNav := context.WithTimeout(tabCtx, r.navTimeout(opts))
	defer cancelNav()
	if err := chromedp.Run(navCtx, navActions(request.URL, opts)...); err != nil {
		if isNavigationTimeout(ctx, err) {
			return capture.Screenshot{}, fmt.Errorf("%w: %v", capture.ErrNavigationTimeout, err)
		}
		return capture.Screenshot{}, fmt.Errorf("navigate: %w", err)
	}

	postCtx, cancelPost := context.WithTimeout(tabCtx, postTimeout(opts))
	defer cancelPost()
	shot, err := r.capturePage(postCtx, opts)
	if err != nil {
		return capture.Screenshot{}, err
	}

	shot.Duration = time.Since(start)
	shot.StatusCode = meta.status(http.StatusOK)
	if shot.FinalURL == "" {
		shot.FinalURL = meta.finalURL(request.URL)
	}
	return shot, nil
}

// navActions covers everything the navigation timeout applies to: tab
// setup, the navigation itself, and the requested wait milestone.
func navActions(rawURL string, opts capture.Options) []chromedp.Action {
	actions := []chromedp.Action{
		network.Enable(),
		emulation.SetUserAgentOverride(opts.UserAgent),
		chromedp.EmulateViewport(int64(opts.ViewportWidth), int64(opts.ViewportHeight)),
		chromedp.Navigate(rawURL),
	}
	return append(actions, waitActions(opts.WaitUntil)...)
}

func (r *Renderer) capturePage(ctx context.Context, opts capture.Options) (capture.Screenshot, error) {
	var (
		png      []byte
		title    string
		finalURL string
	)

	var actions []chromedp.Action
	if opts.Autoscroll {
		actions = append(actions, autoscrollAction(opts.AutoscrollSteps, opts.AutoscrollDelayMs))
	}
	actions = append(actions,
		chromedp.Title(&title),
		chromedp.Location(&finalURL),
	)
	if opts.FullPage {
		// Quality 100 selects lossless PNG output.
		actions = append(actions, chromedp.FullScreenshot(&png, 100))
	} else {
		actions = append(actions, chromedp.CaptureScreenshot(&png))
	}

	if err := chromedp.Run(ctx, actions...); err != nil {
		return capture.Screenshot{}, fmt.Errorf("capture page: %w", err)
	}

	return capture.Screenshot{
		PNG:         png,
		ContentType: "image/png",
		Title:       title,
		FinalURL:    finalURL,
	}, nil
}

// postTimeout budgets the post-navigation stages: the full autoscroll
// sweep plus a fixed allowance for the screenshot itself.
func postTimeout(opts capture.Options) time.Duration {
	budget := 30 * time.Second
	if opts.Autoscroll {
		budget += time.Duration(opts.AutoscrollSteps*opts.AutoscrollDelayMs) * time.Millisecond
	}
	return budget
}

// waitActions maps a wait strategy onto chromedp actions. Navigate already
// blocks until the load event fires, so "load" needs nothing extra;
// "domcontentloaded" is satisfied by a ready body and "networkidle" adds a
// quiet window on top.
func waitActions(strategy capture.WaitStrategy) []chromedp.Action {
	switch strategy {
	case capture.WaitDOMContentLoaded:
		return []chromedp.Action{chromedp.WaitReady("body", chromedp.ByQuery)}
	case capture.WaitNetworkIdle:
		return []chromedp.Action{
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Sleep(networkIdleQuiet),
		}
	default:
		return nil
	}
}

// autoscrollAction gradually scrolls to trigger lazy-loaded content, capped
// at maxSteps iterations, then returns to the top.
func autoscrollAction(maxSteps, delayMs int) chromedp.Action {
	script := autoscrollScript(maxSteps, delayMs)
	return chromedp.Evaluate(script, nil, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	})
}

func autoscrollScript(maxSteps, delayMs int) string {
	return fmt.Sprintf(`(async () => {
	const distance = %d;
	const delay = %d;
	const maxSteps = %d;
	await new Promise((resolve) => {
		let totalHeight = 0;
		let steps = 0;
		const timer = setInterval(() => {
			window.scrollBy(0, distance);
			totalHeight += distance;
			steps++;
			if (totalHeight >= document.body.scrollHeight || steps >= maxSteps) {
				clearInterval(timer);
				window.scrollTo(0, 0);
				resolve();
			}
		}, delay);
	});
})()`, scrollDistancePx, delayMs, maxSteps)
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("render slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

func (r *Renderer) navTimeout(opts capture.Options) time.Duration {
	if opts.TimeoutMs > 0 {
		return time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	return r.cfg.NavigationTimeout
}

// isNavigationTimeout distinguishes a navigation deadline from the caller
// canceling the request.
func isNavigationTimeout(callerCtx context.Context, err error) bool {
	if !errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return callerCtx.Err() == nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

type responseMeta struct {
	mu         sync.RWMutex
	statusCode int
	url        string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.statusCode = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) status(fallback int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.statusCode == 0 {
		return fallback
	}
	return m.statusCode
}

func (m *responseMeta) finalURL(fallback string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.url == "" {
		return fallback
	}
	return m.url
}

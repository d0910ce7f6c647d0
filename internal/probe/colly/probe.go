// Package collyprobe implements the preflight reachability check using gocolly.
package collyprobe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/lumaview/pageshot/internal/capture"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Prober implements capture.Prober using the Colly collector. It issues a
// single GET before the browser session starts so that dead hosts and hard
// HTTP failures are reported cheaply.
type Prober struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// New builds a Prober.
func New(cfg Config) *Prober {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true

	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Prober{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Probe executes a single HTTP GET and summarizes the response.
func (p *Prober) Probe(ctx context.Context, rawURL string) (capture.ProbeResult, error) {
	var (
		result   capture.ProbeResult
		probeErr error
	)
	start := time.Now()
	collector := p.buildCollector(start, &result, &probeErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return capture.ProbeResult{}, fmt.Errorf("probe canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return capture.ProbeResult{}, fmt.Errorf("probe visit failed: %w", err)
		}
		if probeErr != nil {
			return capture.ProbeResult{}, fmt.Errorf("probe response failed: %w", probeErr)
		}
		return result, nil
	}
}

func (p *Prober) buildCollector(start time.Time, result *capture.ProbeResult, probeErr *error) *colly.Collector {
	collector := p.baseCollector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	timeout := p.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(p.transport)

	collector.OnResponse(func(r *colly.Response) {
		*result = capture.ProbeResult{
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Duration:    time.Since(start),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		*probeErr = err
	})
	return collector
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

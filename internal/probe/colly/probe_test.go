package collyprobe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestProberBuildCollector(t *testing.T) {
	t.Parallel()

	p := New(Config{UserAgent: "coverage-agent", Timeout: time.Second})

	collector := p.buildCollector(time.Unix(0, 0), nil, new(error))
	if collector.UserAgent != "coverage-agent" {
		t.Fatalf("expected user agent override, got %q", collector.UserAgent)
	}
	if !collector.IgnoreRobotsTxt {
		t.Fatal("expected robots txt to be ignored for probes")
	}
}

func TestProbeHTTPServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><body>hi</body></html>"))
	}))
	defer srv.Close()

	p := New(Config{Timeout: 5 * time.Second})
	result, err := p.Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected probe error: %v", err)
	}
	if result.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", result.StatusCode)
	}
	if result.ContentType != "text/html; charset=utf-8" {
		t.Fatalf("unexpected content type: %q", result.ContentType)
	}
	if result.Duration <= 0 {
		t.Fatalf("expected positive duration, got %v", result.Duration)
	}
}

func TestProbeUnreachableHost(t *testing.T) {
	t.Parallel()

	p := New(Config{Timeout: time.Second})
	if _, err := p.Probe(context.Background(), "http://127.0.0.1:1/"); err == nil {
		t.Fatal("expected error for unreachable host")
	}
}

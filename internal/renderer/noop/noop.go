// Package noop provides a stub renderer for builds without Chromium.
package noop

import (
	"context"
	"errors"

	"github.com/lumaview/pageshot/internal/capture"
)

// Renderer implements capture.Renderer but always returns an error to
// indicate that headless rendering is not available in the current build.
type Renderer struct{}

// New creates a new noop Renderer.
func New() *Renderer {
	return &Renderer{}
}

// Capture returns an error since this is a stub implementation.
func (Renderer) Capture(_ context.Context, _ capture.Request) (capture.Screenshot, error) {
	return capture.Screenshot{}, errors.New("renderer not configured")
}

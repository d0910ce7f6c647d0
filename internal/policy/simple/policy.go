// Package simple provides a permissive capture policy used when rate
// limiting is disabled.
package simple

import "context"

// Policy allows every capture and never waits.
type Policy struct{}

// New creates a new permissive Policy.
func New() *Policy {
	return &Policy{}
}

// AllowCapture always returns true.
func (p *Policy) AllowCapture(_ string, _ string) bool {
	return true
}

// Wait returns immediately.
func (p *Policy) Wait(_ context.Context, _ string) error {
	return nil
}

// Package dispatcher manages worker fan-out over the capture queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lumaview/pageshot/internal/capture"
)

// Runner is the unit of work the dispatcher fans out; the worker pool
// implements it.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher owns the capture queue's producer side and runs the pool.
type Dispatcher struct {
	queue  capture.Queue
	pool   []Runner
	logger *zap.Logger
}

// New creates a Dispatcher over the given pool.
func New(queue capture.Queue, pool []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:  queue,
		pool:   pool,
		logger: logger,
	}
}

// Run starts every runner and blocks until all of them return. Runners
// exit on context cancellation or when the queue closes and drains.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting worker pool", zap.Int("workers", len(d.pool)))
	var wg sync.WaitGroup
	wg.Add(len(d.pool))
	for _, r := range d.pool {
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	wg.Wait()
	d.logger.Info("worker pool stopped")
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item capture.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

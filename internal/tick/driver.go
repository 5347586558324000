// Package tick provides the ticker-goroutine-loop every reconciler and the
// autoscaler run on, pulled out of the one-off Start/loop/Stop trio each of
// those components would otherwise duplicate.
package tick

import (
	"context"
	"sync"
	"time"

	"github.com/onefuzz-core/orchestrator/internal/logging"
)

// Func is one reconciliation pass. It is called once per tick and once
// immediately on Start so a newly started daemon does not wait a full
// interval before doing its first pass.
type Func func(ctx context.Context)

// Driver runs a Func on a fixed interval until stopped.
type Driver struct {
	name     string
	interval time.Duration
	fn       Func
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	startOnce sync.Once
}

// NewDriver builds a Driver named name (used only for log lines) that calls
// fn every interval. interval <= 0 defaults to 30s.
func NewDriver(name string, interval time.Duration, fn Func) *Driver {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		name:     name,
		interval: interval,
		fn:       fn,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches the background goroutine. Calling Start twice is a no-op
// after the first call.
func (d *Driver) Start() {
	d.startOnce.Do(func() {
		go d.loop()
		logging.Op().Info("reconciler started", "name", d.name, "interval", d.interval)
	})
}

// Stop cancels the loop and blocks until the current tick (if any) finishes.
func (d *Driver) Stop() {
	d.cancel()
	<-d.done
}

func (d *Driver) loop() {
	defer close(d.done)

	d.runTick()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runTick()
		}
	}
}

func (d *Driver) runTick() {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("reconciler tick panicked", "name", d.name, "panic", r)
		}
	}()
	d.fn(d.ctx)
}

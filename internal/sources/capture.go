// Package sources holds the capture drivers shipped with camserver: a
// synthetic test pattern and an image directory replay.
package sources

import (
	"context"
	"sync"
	"time"
)

// DefaultMode values fill the fields a source's video mode leaves unset.
const (
	DefaultWidth  = 640
	DefaultHeight = 480
	DefaultFPS    = 30
)

// capture runs a tick function at a variable rate on its own goroutine.
type capture struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// start launches the goroutine. interval is read before every tick so mode
// changes take effect without a restart.
func (c *capture) start(interval func() time.Duration, tick func(now time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done, interval, tick)
}

func (c *capture) run(ctx context.Context, done chan struct{}, interval func() time.Duration, tick func(now time.Time)) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	next := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		now := time.Now()
		tick(now)

		next = next.Add(interval())
		if next.Before(now) {
			// fell behind; skip the missed ticks instead of bursting
			next = now
		}
		timer.Reset(next.Sub(time.Now()))
	}
}

// stop cancels the goroutine and waits for the tick in progress.
func (c *capture) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *capture) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func frameInterval(fps int) time.Duration {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return time.Second / time.Duration(fps)
}

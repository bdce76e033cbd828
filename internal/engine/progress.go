package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rendis/houndflow/pkg/schema"
)

// DefaultProgressInterval is the minimum spacing between progress publishes.
const DefaultProgressInterval = 250 * time.Millisecond

// ProgressEmitter throttles the progress updates of one run: at most one
// publish per interval, the latest pending update is always delivered after
// a quiet period, and the final update is delivered immediately.
type ProgressEmitter struct {
	pub      ProgressPublisher
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent time.Time
	pending  *schema.Progress
	timer    *time.Timer
	closed   bool
}

// NewProgressEmitter creates an emitter; a non-positive interval uses
// DefaultProgressInterval.
func NewProgressEmitter(pub ProgressPublisher, interval time.Duration, logger *zap.Logger) *ProgressEmitter {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressEmitter{pub: pub, interval: interval, logger: logger, now: time.Now}
}

// Notify offers an update. It is published now if the interval has elapsed,
// otherwise it replaces any pending update and is flushed when the interval ends.
func (e *ProgressEmitter) Notify(p schema.Progress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	now := e.now()
	elapsed := now.Sub(e.lastSent)
	if e.pending == nil && e.timer == nil && elapsed >= e.interval {
		e.lastSent = now
		e.publish(p)
		return
	}

	e.pending = &p
	if e.timer == nil {
		wait := e.interval - elapsed
		if wait < 0 {
			wait = 0
		}
		e.timer = time.AfterFunc(wait, e.flush)
	}
}

// Final publishes the terminal update, dropping anything pending. Later
// calls to Notify are ignored.
func (e *ProgressEmitter) Final(p schema.Progress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.pending = nil
	p.Final = true
	e.lastSent = e.now()
	e.publish(p)
}

// Flush publishes any pending update immediately without closing the emitter.
func (e *ProgressEmitter) Flush() {
	e.flush()
}

func (e *ProgressEmitter) flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.closed || e.pending == nil {
		return
	}
	p := *e.pending
	e.pending = nil
	e.lastSent = e.now()
	e.publish(p)
}

// publish is called with e.mu held so updates leave in order.
func (e *ProgressEmitter) publish(p schema.Progress) {
	if e.pub == nil {
		return
	}
	if err := e.pub.PublishProgress(context.Background(), p); err != nil {
		e.logger.Warn("publish progress failed",
			zap.String("execution_id", p.ExecutionID), zap.Error(err))
	}
}

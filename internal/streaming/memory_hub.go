package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rendis/houndflow/pkg/schema"
)

type subscriber struct {
	ch     chan schema.Progress
	filter Filter
}

// MemoryHub is an in-process Hub.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
	logger  *zap.Logger
}

// NewMemoryHub creates a MemoryHub.
func NewMemoryHub(logger *zap.Logger) *MemoryHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryHub{subs: make(map[uint64]*subscriber), logger: logger}
}

// PublishProgress sends p to every matching subscriber without blocking.
func (h *MemoryHub) PublishProgress(ctx context.Context, p schema.Progress) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.match(p) {
			continue
		}
		if !deliver(sub.ch, p) {
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscriber.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan schema.Progress, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan schema.Progress, defaultChannelBuffer)
	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return ch, func() {
		stop()
		cancel()
	}, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the number of intermediate updates dropped for slow subscribers.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

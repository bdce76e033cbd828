// Package streaming fans progress updates out to subscribers.
package streaming

import (
	"context"

	"github.com/rendis/houndflow/pkg/schema"
)

const defaultChannelBuffer = 64

// Filter selects the updates a subscriber receives. Empty fields match all.
type Filter struct {
	ExecutionID string `json:"executionId,omitempty"`
	WorkflowID  string `json:"workflowId,omitempty"`
}

func (f Filter) match(p schema.Progress) bool {
	if f.ExecutionID != "" && f.ExecutionID != p.ExecutionID {
		return false
	}
	if f.WorkflowID != "" && f.WorkflowID != p.WorkflowID {
		return false
	}
	return true
}

// Hub is a pub/sub channel for progress updates. Intermediate updates are
// best effort: a slow subscriber misses some. Final updates are always
// delivered, displacing the oldest buffered update if needed.
type Hub interface {
	PublishProgress(ctx context.Context, p schema.Progress) error
	// Subscribe returns a channel of matching updates and a cancel func that
	// closes it. The subscription also ends when ctx is done.
	Subscribe(ctx context.Context, filter Filter) (<-chan schema.Progress, func(), error)
}

// deliver sends p without blocking. A final update evicts buffered
// intermediates until it fits.
func deliver(ch chan schema.Progress, p schema.Progress) bool {
	select {
	case ch <- p:
		return true
	default:
	}
	if !p.Final {
		return false
	}
	for {
		select {
		case ch <- p:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

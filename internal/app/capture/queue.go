package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/edgecam/edgecam/internal/core"
)

// DefaultQueueCapacity is the per-session frame buffer size.
const DefaultQueueCapacity = 10

var ErrQueueClosed = errors.New("frame queue closed")

// FrameQueue is the bounded buffer between the capture loop (single producer)
// and one frame delivery track (single consumer).
type FrameQueue struct {
	frames chan core.Frame
	policy OverflowPolicy

	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func NewFrameQueue(capacity int, policy OverflowPolicy) *FrameQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &FrameQueue{
		frames: make(chan core.Frame, capacity),
		policy: policy,
		done:   make(chan struct{}),
	}
}

// Push enqueues f according to the queue's overflow policy.
func (q *FrameQueue) Push(ctx context.Context, f core.Frame) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	if q.policy == Block {
		select {
		case q.frames <- f:
			return nil
		case <-q.done:
			return ErrQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case q.frames <- f:
		return nil
	default:
	}
	// Full: evict the oldest unread frame, then retry once.
	select {
	case <-q.frames:
		q.dropped.Add(1)
	default:
	}
	select {
	case q.frames <- f:
	default:
		q.dropped.Add(1)
	}
	return nil
}

// Pop blocks until a frame is available, the queue is closed or ctx ends.
func (q *FrameQueue) Pop(ctx context.Context) (core.Frame, error) {
	select {
	case f := <-q.frames:
		return f, nil
	case <-q.done:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *FrameQueue) Len() int { return len(q.frames) }

func (q *FrameQueue) Cap() int { return cap(q.frames) }

// Dropped counts frames evicted under DropOldest.
func (q *FrameQueue) Dropped() uint64 { return q.dropped.Load() }

func (q *FrameQueue) Close() {
	q.once.Do(func() { close(q.done) })
}

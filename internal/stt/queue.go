package stt

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// frameQueue is the outbound FIFO between Send and the Sender. When limit
// is reached the oldest frame is evicted, so Push never blocks or fails.
type frameQueue struct {
	mu     sync.Mutex
	frames deque.Deque[[]byte]
	limit  int
	notify chan struct{}
}

func newFrameQueue(limit int) *frameQueue {
	return &frameQueue{
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

// Push appends a frame and reports whether an old frame was evicted
func (q *frameQueue) Push(frame []byte) bool {
	q.mu.Lock()
	evicted := false
	if q.limit > 0 && q.frames.Len() >= q.limit {
		q.frames.PopFront()
		evicted = true
	}
	q.frames.PushBack(frame)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// Requeue puts a frame that could not be sent back at the head
func (q *frameQueue) Requeue(frame []byte) {
	q.mu.Lock()
	if q.limit > 0 && q.frames.Len() >= q.limit {
		q.mu.Unlock()
		return
	}
	q.frames.PushFront(frame)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes the oldest frame, waiting up to wait for one to arrive
func (q *frameQueue) Pop(ctx context.Context, wait time.Duration) ([]byte, bool) {
	if frame, ok := q.tryPop(); ok {
		return frame, true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
			return q.tryPop()
		case <-q.notify:
			if frame, ok := q.tryPop(); ok {
				return frame, true
			}
		}
	}
}

func (q *frameQueue) tryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.frames.Len() == 0 {
		return nil, false
	}
	return q.frames.PopFront(), true
}

// Len returns the number of queued frames
func (q *frameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.frames.Len()
}

// Clear drops all queued frames
func (q *frameQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.frames.Len()
	q.frames.Clear()
	return n
}

package voice

import (
	"context"
	"sync"
	"time"
)

// playPollInterval is how often WaitPlayback re-checks queue drain.
const playPollInterval = 50 * time.Millisecond

// PlayQueue is a FIFO playback buffer shared by the source
// implementations. Frames are handed to a sink function one at a time
// from a single worker goroutine, which preserves playback order.
// StopPlayback drops everything still queued; Complete reports whether
// the queue has drained and the sink has returned for the last frame.
type PlayQueue struct {
	mu      sync.Mutex
	queue   []Frame
	playing bool
	closed  bool
	wake    chan struct{}
	done    chan struct{}

	sink func(Frame)
}

// NewPlayQueue starts the playback worker. sink is called for each frame
// in order; it should block for the duration of the frame so Complete
// tracks real playback.
func NewPlayQueue(sink func(Frame)) *PlayQueue {
	q := &PlayQueue{
		sink: sink,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *PlayQueue) loop() {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			close(q.done)
			return
		}
		if len(q.queue) == 0 {
			q.playing = false
			q.mu.Unlock()
			<-q.wake
			continue
		}
		f := q.queue[0]
		q.queue = q.queue[1:]
		q.playing = true
		q.mu.Unlock()

		q.sink(f)
	}
}

// Enqueue appends a frame for playback.
func (q *PlayQueue) Enqueue(f Frame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, f)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Clear drops all queued frames. The frame currently at the sink is not
// recalled; sinks that buffer downstream should flush on their own.
func (q *PlayQueue) Clear() {
	q.mu.Lock()
	q.queue = nil
	q.mu.Unlock()
}

// Complete reports whether nothing is queued or playing.
func (q *PlayQueue) Complete() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue) == 0 && !q.playing
}

// Wait blocks until playback drains, ctx is done, or timeout elapses.
// Returns ctx.Err or context.DeadlineExceeded on timeout.
func (q *PlayQueue) Wait(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(playPollInterval)
	defer ticker.Stop()
	for {
		if q.Complete() {
			return nil
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops the worker. Idempotent.
func (q *PlayQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.queue = nil
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

package audio

import "sync"

// FrameQueue is a bounded FIFO of frames. When full, Push evicts the oldest
// frame rather than blocking, so a slow consumer degrades to dropped audio
// instead of stalling the capture path.
type FrameQueue struct {
	mu      sync.Mutex
	frames  []Frame
	cap     int
	dropped uint64
	closed  bool
	notify  chan struct{}
}

// NewFrameQueue creates a queue holding at most capacity frames.
// A capacity below 1 is treated as 1.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{
		cap:    capacity,
		frames: make([]Frame, 0, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues a frame, evicting the oldest one if the queue is full.
// It reports whether the frame was accepted; pushes after Close are ignored.
func (q *FrameQueue) Push(f Frame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.frames) == q.cap {
		copy(q.frames, q.frames[1:])
		q.frames = q.frames[:len(q.frames)-1]
		q.dropped++
	}
	q.frames = append(q.frames, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop removes and returns the oldest frame. ok is false when the queue is
// empty; it does not block.
func (q *FrameQueue) Pop() (f Frame, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return Frame{}, false
	}
	f = q.frames[0]
	copy(q.frames, q.frames[1:])
	q.frames = q.frames[:len(q.frames)-1]
	return f, true
}

// Wait returns a channel that receives a signal when frames may be available.
// The signal is coalesced; callers must drain with Pop until it returns false.
func (q *FrameQueue) Wait() <-chan struct{} {
	return q.notify
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns the number of frames evicted since creation.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Flush discards all queued frames.
func (q *FrameQueue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = q.frames[:0]
}

// Close marks the queue closed; subsequent pushes are dropped. Pop continues
// to drain whatever remains.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Closed reports whether the queue no longer accepts pushes.
func (q *FrameQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

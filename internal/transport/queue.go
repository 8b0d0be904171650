package transport

import (
	"sync"
	"sync/atomic"
)

// outFrame is one queued outbound payload plus the delivery path it takes.
type outFrame struct {
	data  []byte
	lossy bool
}

// sendQueue is a byte-bounded FIFO for outbound frames.
//
// It decouples callers from DataChannel backpressure and link reconnects:
// Enqueue never blocks, and the writer goroutine drains it whenever a link
// is up.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	frames   []outFrame

	drops atomic.Uint64
}

func newSendQueue(maxBytes int) *sendQueue {
	q := &sendQueue{maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends the frame if it fits within the byte budget. It never
// blocks; false means the frame was dropped.
func (q *sendQueue) Enqueue(f outFrame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.drops.Add(1)
		return false
	}
	if len(f.data) > q.maxBytes || q.curBytes+len(f.data) > q.maxBytes {
		q.drops.Add(1)
		return false
	}

	q.frames = append(q.frames, f)
	q.curBytes += len(f.data)
	q.notEmpty.Signal()
	return true
}

// Requeue puts a failed frame back at the head of the queue so frames
// enqueued behind it cannot overtake it. The byte cap is not enforced here:
// the frame's bytes were accounted for until the Dequeue that failed, and
// dropping a control frame to honor the cap costs more than the transient
// overshoot.
func (q *sendQueue) Requeue(f outFrame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.drops.Add(1)
		return false
	}
	q.frames = append(q.frames, outFrame{})
	copy(q.frames[1:], q.frames)
	q.frames[0] = f
	q.curBytes += len(f.data)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until a frame is available or the queue is closed and empty.
func (q *sendQueue) Dequeue() (outFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.frames) == 0 {
		return outFrame{}, false
	}
	f := q.frames[0]
	copy(q.frames, q.frames[1:])
	q.frames[len(q.frames)-1] = outFrame{}
	q.frames = q.frames[:len(q.frames)-1]
	q.curBytes -= len(f.data)
	return f, true
}

func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

package camera

import (
	"sync"
	"time"
)

type frameItem struct {
	frame Frame
	meta  Meta
}

// frameQueue is an unbounded FIFO of frames awaiting dispatch.  Cameras
// can outrun the writer for short bursts; the queue absorbs them.
type frameQueue struct {
	mu     sync.Mutex
	items  []frameItem
	notify chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{notify: make(chan struct{}, 1)}
}

func (q *frameQueue) Push(it frameItem) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes the oldest item, waiting up to timeout for one to arrive.
// The second return is false when the wait expired empty.
func (q *frameQueue) Pop(timeout time.Duration) (frameItem, bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, true
		}
		q.mu.Unlock()
		remain := time.Until(deadline)
		if remain <= 0 {
			return frameItem{}, false
		}
		t := time.NewTimer(remain)
		select {
		case <-q.notify:
			t.Stop()
		case <-t.C:
		}
	}
}

func (q *frameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

package dispatcher

import (
	"container/heap"
	"time"
)

// Timer is a callback registered with a Dispatcher. It is owned by the
// dispatch goroutine: Cancel must be called from a handler, a timer callback
// or a posted function, or while the dispatcher is not running.
type Timer struct {
	d        *Dispatcher
	when     time.Time
	interval time.Duration // zero for one-shot callbacks
	fn       func()
	index    int // position in the heap, -1 once removed
}

// Cancel removes the timer. Safe to call more than once and from within the
// timer's own callback.
func (t *Timer) Cancel() {
	if t == nil || t.index < 0 {
		return
	}
	heap.Remove(&t.d.timers, t.index)
}

// Active reports whether the timer will still fire.
func (t *Timer) Active() bool { return t != nil && t.index >= 0 }

// ---------------------------------------------------------------------------
// timerHeap implements a min-heap sorted by deadline.
// ---------------------------------------------------------------------------

type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[:n-1]
	return item
}

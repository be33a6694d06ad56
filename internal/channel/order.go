package channel

import (
	"container/heap"

	"github.com/1ureka/nub/internal/protocol"
)

// message is one complete inbound message awaiting delivery.
type message struct {
	header  protocol.Header
	payload []byte
}

// orderer releases reliable messages in sequence order. Out-of-order
// arrivals wait in a min-heap until the gap before them is filled.
// Loop-owned; needs no locking.
type orderer struct {
	expected uint32
	buffer   messageHeap
	buffered map[uint32]struct{}
}

// newOrderer creates an orderer expecting sequence numbers starting at first.
func newOrderer(first uint32) *orderer {
	return &orderer{expected: first, buffered: make(map[uint32]struct{})}
}

// duplicate reports whether seq was already delivered or is already waiting.
func (o *orderer) duplicate(seq uint32) bool {
	if seq < o.expected {
		return true
	}
	_, ok := o.buffered[seq]
	return ok
}

// Feed processes an incoming message and returns all messages that can now be
// delivered in sequence order. Returns nil if none are ready. Duplicates are
// ignored.
func (o *orderer) Feed(m message) []message {
	seq := m.header.Seq
	if o.duplicate(seq) {
		return nil
	}

	if seq > o.expected {
		o.buffered[seq] = struct{}{}
		heap.Push(&o.buffer, m)
		return nil
	}

	// seq == o.expected: deliver it and drain any consecutive buffered messages.
	result := []message{m}
	o.expected++

	for o.buffer.Len() > 0 && o.buffer[0].header.Seq == o.expected {
		next := heap.Pop(&o.buffer).(message)
		delete(o.buffered, next.header.Seq)
		result = append(result, next)
		o.expected++
	}

	return result
}

// Pending returns the number of messages waiting behind a gap.
func (o *orderer) Pending() int { return o.buffer.Len() }

// ---------------------------------------------------------------------------
// messageHeap implements a min-heap sorted by sequence number.
// ---------------------------------------------------------------------------

type messageHeap []message

func (h messageHeap) Len() int            { return len(h) }
func (h messageHeap) Less(i, j int) bool  { return h[i].header.Seq < h[j].header.Seq }
func (h messageHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *messageHeap) Push(x interface{}) { *h = append(*h, x.(message)) }

func (h *messageHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = message{} // avoid memory leak
	*h = old[:n-1]
	return item
}

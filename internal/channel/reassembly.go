package channel

import (
	"time"

	"github.com/1ureka/nub/internal/protocol"
)

// partial collects the fragments of one message.
type partial struct {
	header  protocol.Header
	parts   [][]byte
	have    int
	size    int
	started time.Time
}

func newPartial(h protocol.Header, count uint16, now time.Time) *partial {
	h.Flags &^= protocol.FlagFragment
	return &partial{header: h, parts: make([][]byte, count), started: now}
}

// matches reports whether a fragment belongs to the same message as p.
func (p *partial) matches(f protocol.Frame) bool {
	return int(f.Fragment.Count) == len(p.parts) &&
		f.Header.InterfaceID == p.header.InterfaceID &&
		f.Header.MessageID == p.header.MessageID &&
		f.Header.Epoch == p.header.Epoch &&
		f.Header.Seq == p.header.Seq
}

// add stores one slice and reports whether the message is now complete.
// A repeated index is ignored.
func (p *partial) add(index uint16, slice []byte) bool {
	if p.parts[index] == nil {
		p.parts[index] = slice
		p.have++
		p.size += len(slice)
	}
	return p.have == len(p.parts)
}

// body concatenates the slices in index order.
func (p *partial) body() []byte {
	out := make([]byte, 0, p.size)
	for _, s := range p.parts {
		out = append(out, s...)
	}
	return out
}

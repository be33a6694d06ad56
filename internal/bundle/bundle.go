// Package bundle accumulates framed messages bound for one peer and packs
// them into as few datagrams as the endpoint's size limit allows, splitting
// oversized messages into fragments.
package bundle

import (
	"errors"
	"fmt"

	"github.com/1ureka/nub/internal/iface"
	"github.com/1ureka/nub/internal/nub"
	"github.com/1ureka/nub/internal/protocol"
	"github.com/1ureka/nub/internal/transport"
)

// FragmentSequencer hands out fragment-sequence numbers, unique per channel.
type FragmentSequencer interface {
	Next() uint32
}

type entry struct {
	header  protocol.Header
	length  protocol.LengthClass
	payload []byte
	framed  int // header + body bytes when sent whole
}

// Bundle is a transient, ordered list of messages for one destination.
type Bundle struct {
	maxSize int
	entries []entry
}

// MinDatagramSize is the smallest datagram able to carry one byte of a
// reliable fragment.
const MinDatagramSize = protocol.HeaderSize + protocol.ReliableSize + protocol.FragmentHeaderSize + 1

// New returns an empty bundle whose datagrams never exceed maxDatagramSize
// (raised to MinDatagramSize if smaller).
func New(maxDatagramSize int) *Bundle {
	return &Bundle{maxSize: max(maxDatagramSize, MinDatagramSize)}
}

// MaxDatagramSize returns the datagram size limit.
func (b *Bundle) MaxDatagramSize() int { return b.maxSize }

// Append adds an unreliable message.
func (b *Bundle) Append(desc iface.MessageDescriptor, payload []byte) error {
	return b.append(protocol.Header{
		InterfaceID: desc.InterfaceID(),
		MessageID:   desc.ID,
	}, desc.Length, payload)
}

// AppendReliable adds a message carrying the reliable flag and the sender's
// epoch, base and seq.
func (b *Bundle) AppendReliable(desc iface.MessageDescriptor, payload []byte, epoch, base, seq uint32) error {
	return b.append(protocol.Header{
		InterfaceID: desc.InterfaceID(),
		MessageID:   desc.ID,
		Flags:       protocol.FlagReliable,
		Epoch:       epoch,
		Base:        base,
		Seq:         seq,
	}, desc.Length, payload)
}

func (b *Bundle) append(h protocol.Header, l protocol.LengthClass, payload []byte) error {
	if err := protocol.CheckPayload(l, len(payload)); err != nil {
		return err
	}

	framed := h.Size() + l.BodySize(len(payload))
	if framed > b.maxSize {
		if n := fragmentCount(h, l.BodySize(len(payload)), b.maxSize); n > protocol.MaxFragments {
			return nub.Wrap(nub.TooLarge, nub.None,
				fmt.Errorf("message needs %d fragments, at most %d allowed", n, protocol.MaxFragments))
		}
	}

	p := make([]byte, len(payload))
	copy(p, payload)
	b.entries = append(b.entries, entry{header: h, length: l, payload: p, framed: framed})
	return nil
}

// Len returns the number of messages appended since the last Reset.
func (b *Bundle) Len() int { return len(b.entries) }

// Reset discards all appended messages.
func (b *Bundle) Reset() { b.entries = b.entries[:0] }

// fragmentSpace returns how many body bytes fit in one fragment datagram.
func fragmentSpace(h protocol.Header, maxSize int) int {
	return maxSize - h.Size() - protocol.FragmentHeaderSize
}

func fragmentCount(h protocol.Header, bodySize, maxSize int) int {
	space := fragmentSpace(h, maxSize)
	return (bodySize + space - 1) / space
}

// Datagrams packs the appended messages, in order, into datagrams. Messages
// that fit share datagrams back-to-back; a message larger than one datagram
// is split into fragments, one per datagram, under a fresh fragment sequence.
func (b *Bundle) Datagrams(seq FragmentSequencer) ([][]byte, error) {
	var (
		out [][]byte
		cur []byte
		err error
	)

	for _, e := range b.entries {
		if e.framed <= b.maxSize {
			if len(cur)+e.framed > b.maxSize {
				out = append(out, cur)
				cur = nil
			}
			if cur == nil {
				cur = make([]byte, 0, b.maxSize)
			}
			if cur, err = protocol.AppendFrame(cur, e.header, e.length, e.payload); err != nil {
				return nil, err
			}
			continue
		}

		if cur != nil {
			out = append(out, cur)
			cur = nil
		}

		body, err := protocol.AppendBody(nil, e.length, e.payload)
		if err != nil {
			return nil, err
		}
		space := fragmentSpace(e.header, b.maxSize)
		count := fragmentCount(e.header, len(body), b.maxSize)
		fh := protocol.FragmentHeader{Seq: seq.Next(), Count: uint16(count)}
		for i := 0; i < count; i++ {
			end := min((i+1)*space, len(body))
			fh.Index = uint16(i)
			dg := make([]byte, 0, e.header.Size()+protocol.FragmentHeaderSize+end-i*space)
			out = append(out, protocol.AppendFragment(dg, e.header, fh, body[i*space:end]))
		}
	}

	if cur != nil {
		out = append(out, cur)
	}
	return out, nil
}

// FlushResult records the outcome of each datagram of a flush, in send order.
// A nil entry is a successful send.
type FlushResult struct {
	Errors []error
	Bytes  int // bytes accepted by the endpoint
}

// Datagrams returns how many datagrams were attempted.
func (r FlushResult) Datagrams() int { return len(r.Errors) }

// Sent returns how many datagrams the endpoint accepted.
func (r FlushResult) Sent() int {
	n := 0
	for _, err := range r.Errors {
		if err == nil {
			n++
		}
	}
	return n
}

// Err joins the per-datagram failures, nil when all succeeded.
func (r FlushResult) Err() error {
	return errors.Join(r.Errors...)
}

// Flush packs the bundle and writes every datagram to dst through ep. A failed
// datagram does not stop the rest; UDP has nothing to roll back. The bundle
// is emptied either way.
func (b *Bundle) Flush(ep transport.Endpoint, dst nub.Address, seq FragmentSequencer) (FlushResult, error) {
	defer b.Reset()

	dgs, err := b.Datagrams(seq)
	if err != nil {
		return FlushResult{}, err
	}

	res := FlushResult{Errors: make([]error, len(dgs))}
	for i, dg := range dgs {
		if err := ep.WriteTo(dg, dst); err != nil {
			var ne *nub.Error
			if !errors.As(err, &ne) {
				err = nub.Wrap(nub.SendFailed, dst, err)
			}
			res.Errors[i] = err
			continue
		}
		res.Bytes += len(dg)
	}
	return res, nil
}

// Package router hands each inbound message to the handler registered for its
// (interface, message) pair, resolving the logical target when many share one
// peer address, and sends the handler's reply back to the source.
package router

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/1ureka/nub/internal/iface"
	"github.com/1ureka/nub/internal/nub"
	"github.com/1ureka/nub/internal/protocol"
	"github.com/1ureka/nub/internal/report"
	"github.com/1ureka/nub/internal/util"
)

// Replier sends a handler's reply to the peer that sent the request.
type Replier interface {
	Reply(dst nub.Address, desc iface.MessageDescriptor, payload []byte, reliable bool) error
}

// Router dispatches messages through a sealed Table. It runs on the dispatch
// goroutine.
type Router struct {
	table   *iface.Table
	sink    report.Sink
	replier Replier
}

// New returns a Router reporting dropped messages to sink.
func New(table *iface.Table, sink report.Sink) *Router {
	if sink == nil {
		sink = report.Discard
	}
	return &Router{table: table, sink: sink}
}

// SetReplier sets where replies go. Without one, replies are discarded.
func (r *Router) SetReplier(rep Replier) { r.replier = rep }

// Route delivers one message from src. Failures are reported, the message is
// dropped and the error is returned for the caller's information.
func (r *Router) Route(src nub.Address, hdr protocol.Header, payload []byte) error {
	err := r.route(src, hdr, payload)
	if err != nil {
		err = bind(err, src)
		util.Stats.AddDropped()
		util.LogDebug("drop %s from %s: %v", hdr, src, err)
		r.sink.Report(err)
	}
	return err
}

func (r *Router) route(src nub.Address, hdr protocol.Header, payload []byte) error {
	desc, err := r.table.Resolve(hdr.InterfaceID, hdr.MessageID)
	if err != nil {
		return err
	}
	if desc.Handler == nil {
		return nub.Wrap(nub.NoSuchTarget, src, fmt.Errorf("no handler for %s", desc))
	}

	if desc.Addressing == iface.ByTargetID {
		if len(payload) < protocol.TargetIDSize {
			return nub.Wrap(nub.CorruptedPacket, src,
				fmt.Errorf("%s payload of %d bytes has no target id", desc, len(payload)))
		}
		hdr.TargetID = binary.LittleEndian.Uint32(payload)
		payload = payload[protocol.TargetIDSize:]
	}

	reply, err := desc.Handler.HandleMessage(src, hdr, protocol.NewReader(payload))
	if err != nil {
		return err
	}
	if !desc.HasReply || reply == nil || r.replier == nil {
		return nil
	}

	rd, err := r.table.Resolve(desc.InterfaceID(), desc.ReplyID)
	if err != nil {
		return err
	}
	return r.replier.Reply(src, rd, reply, hdr.IsReliable())
}

// WithTarget prefixes payload with a little-endian target id, as expected by
// ByTargetID messages.
func WithTarget(id uint32, payload []byte) []byte {
	out := make([]byte, protocol.TargetIDSize, protocol.TargetIDSize+len(payload))
	binary.LittleEndian.PutUint32(out, id)
	return append(out, payload...)
}

// TargetIDOf derives a stable, non-zero target id from a name.
func TargetIDOf(name string) uint32 {
	if id := util.HashName(name); id != 0 {
		return id
	}
	return 1
}

func bind(err error, src nub.Address) error {
	var ne *nub.Error
	if errors.As(err, &ne) {
		if ne.HasAddress() {
			return err
		}
		return nub.Wrap(ne.Reason, src, ne.Err)
	}
	return nub.Wrap(nub.GeneralError, src, err)
}

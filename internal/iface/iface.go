// Package iface is the process-wide message table: it maps an
// (interface id, message id) pair to the message's length class and handler.
//
// A Table is populated once during startup and sealed; after Seal it is
// read-only and safe for any number of concurrent readers without locking.
package iface

import (
	"fmt"

	"github.com/1ureka/nub/internal/nub"
	"github.com/1ureka/nub/internal/protocol"
)

// Handler receives one inbound message on the dispatch goroutine. A non-nil
// reply is sent back to src when the message declares a reply message.
// Handlers must not block.
type Handler interface {
	HandleMessage(src nub.Address, hdr protocol.Header, r *protocol.Reader) (reply []byte, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(src nub.Address, hdr protocol.Header, r *protocol.Reader) ([]byte, error)

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(src nub.Address, hdr protocol.Header, r *protocol.Reader) ([]byte, error) {
	return f(src, hdr, r)
}

// Addressing selects how the router finds the logical target of a message.
type Addressing uint8

const (
	// Direct messages go to the descriptor's handler as-is.
	Direct Addressing = iota

	// ByTargetID messages carry a 4-byte target id at the front of the payload.
	ByTargetID

	// BySource messages go to the single target expecting the sending peer.
	BySource
)

func (a Addressing) String() string {
	switch a {
	case Direct:
		return "direct"
	case ByTargetID:
		return "by-target-id"
	case BySource:
		return "by-source"
	}
	return "unknown"
}

// MessageDescriptor declares one message of an interface.
type MessageDescriptor struct {
	ID         uint8
	Name       string
	Length     protocol.LengthClass
	Addressing Addressing
	Handler    Handler

	// HasReply marks that a non-nil handler result is sent back as ReplyID of
	// the same interface.
	HasReply bool
	ReplyID  uint8

	interfaceID uint8
}

// InterfaceID returns the id of the interface the descriptor was registered
// under.
func (d MessageDescriptor) InterfaceID() uint8 { return d.interfaceID }

func (d MessageDescriptor) String() string {
	return fmt.Sprintf("%d.%d(%s %s)", d.interfaceID, d.ID, d.Name, d.Length)
}

// InterfaceDescriptor is a registered interface: an id and its messages in
// declaration order.
type InterfaceDescriptor struct {
	ID   uint8
	Name string

	entries []MessageDescriptor
	byID    map[uint8]int
}

// Entries returns the messages in declaration order.
func (i *InterfaceDescriptor) Entries() []MessageDescriptor {
	out := make([]MessageDescriptor, len(i.entries))
	copy(out, i.entries)
	return out
}

// Message returns the descriptor for id.
func (i *InterfaceDescriptor) Message(id uint8) (MessageDescriptor, bool) {
	idx, ok := i.byID[id]
	if !ok {
		return MessageDescriptor{}, false
	}
	return i.entries[idx], true
}

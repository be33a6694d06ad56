// Package protocol defines the datagram wire format: the 3-byte frame header,
// length classes, the reliable prefix and the fragment header.
//
//	+-------------+-----------+-------+--------------------+---------------------------+
//	| InterfaceID | MessageID | Flags | [Epoch][Base][Seq] | body                      |
//	+-------------+-----------+-------+--------------------+---------------------------+
//	|     1B      |    1B     |  1B   | 3 x 4B (LE)        | Fixed(N): N bytes         |
//	|             |           |       |                    | Variable(w): wB len + len |
//	|             |           |       |                    | Fragment: 8B hdr + slice  |
//	+-------------+-----------+-------+--------------------+---------------------------+
//
// The reliable prefix is present only when the reliable flag is set. Epoch
// names the sending channel's session and Base is the oldest sequence number
// that session still holds unacknowledged; a receiver meeting a new epoch
// restarts its sequence tracking at Base. All multi-byte integers are
// little-endian.
package protocol

import (
	"fmt"

	"github.com/1ureka/nub/internal/nub"
)

// Frame flag bits.
const (
	FlagFragment uint8 = 1 << 0 // header is followed by a fragment header
	FlagReliable uint8 = 1 << 1 // header is followed by the reliable prefix
)

// Field sizes in bytes.
const (
	HeaderSize         = 3                     // InterfaceID + MessageID + Flags
	EpochSize          = 4                     // reliable session epoch
	SeqSize            = 4                     // reliable sequence number
	ReliableSize       = EpochSize + 2*SeqSize // Epoch + Base + Seq
	AckSize            = EpochSize + SeqSize   // acknowledged Epoch + Seq
	FragmentHeaderSize = 8                     // Seq(4) + Index(2) + Count(2)
	TargetIDSize       = 4                     // target id prefix of targeted payloads
)

// MaxFragments is the largest fragment count the fragment header can carry.
const MaxFragments = 1<<16 - 1

// Header is the decoded per-message header. Epoch, Base and Seq are
// meaningful only when the reliable flag is set; TargetID is filled in by the
// router for targeted messages.
type Header struct {
	InterfaceID uint8
	MessageID   uint8
	Flags       uint8
	Epoch       uint32
	Base        uint32
	Seq         uint32
	TargetID    uint32
}

// IsFragment reports whether the fragment flag is set.
func (h Header) IsFragment() bool { return h.Flags&FlagFragment != 0 }

// IsReliable reports whether the reliable flag is set.
func (h Header) IsReliable() bool { return h.Flags&FlagReliable != 0 }

// Size returns the number of header bytes on the wire, excluding any fragment
// header.
func (h Header) Size() int {
	if h.IsReliable() {
		return HeaderSize + ReliableSize
	}
	return HeaderSize
}

func (h Header) String() string {
	return fmt.Sprintf("%d.%d flags=%02x epoch=%08x seq=%d", h.InterfaceID, h.MessageID, h.Flags, h.Epoch, h.Seq)
}

// FragmentHeader locates one slice of a message split across datagrams.
type FragmentHeader struct {
	Seq   uint32 // shared by all fragments of one message
	Index uint16
	Count uint16
}

// Frame is one decoded unit of a datagram: a whole message (Payload is the
// message payload) or a fragment (Payload is the slice).
type Frame struct {
	Header   Header
	Fragment FragmentHeader
	Payload  []byte
}

// LengthClass declares how a message's payload length is carried: a fixed
// size known to both sides, or a 1, 2 or 4 byte length prefix.
type LengthClass struct {
	size  int // Fixed(N)
	width int // Variable(w)
}

// Fixed returns the length class of messages with exactly n payload bytes.
func Fixed(n int) LengthClass { return LengthClass{size: n} }

// Variable returns the length class of messages prefixed by a w-byte length.
func Variable(w int) LengthClass { return LengthClass{width: w} }

// IsFixed reports whether the class is Fixed(N).
func (l LengthClass) IsFixed() bool { return l.width == 0 }

// Size returns N for Fixed(N), 0 otherwise.
func (l LengthClass) Size() int { return l.size }

// Width returns w for Variable(w), 0 otherwise.
func (l LengthClass) Width() int { return l.width }

// Validate checks that the class is well formed.
func (l LengthClass) Validate() error {
	if l.width == 0 {
		if l.size <= 0 {
			return nub.Wrap(nub.Configuration, nub.None, fmt.Errorf("fixed length must be positive, got %d", l.size))
		}
		return nil
	}
	switch l.width {
	case 1, 2, 4:
		return nil
	}
	return nub.Wrap(nub.Configuration, nub.None, fmt.Errorf("length prefix width must be 1, 2 or 4, got %d", l.width))
}

// MaxPayload returns the largest payload the class can carry.
func (l LengthClass) MaxPayload() int {
	if l.IsFixed() {
		return l.size
	}
	return 1<<(8*l.width) - 1
}

// BodySize returns the encoded size of a payload of n bytes, excluding the
// frame header.
func (l LengthClass) BodySize(n int) int {
	if l.IsFixed() {
		return n
	}
	return l.width + n
}

func (l LengthClass) String() string {
	if l.IsFixed() {
		return fmt.Sprintf("Fixed(%d)", l.size)
	}
	return fmt.Sprintf("Variable(%d)", l.width)
}

// Resolver maps an (interface, message) pair to its length class. The message
// table implements it.
type Resolver interface {
	LengthClass(interfaceID, messageID uint8) (LengthClass, error)
}

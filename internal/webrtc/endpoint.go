package webrtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/nub/internal/nub"
	"github.com/1ureka/nub/internal/util"
)

const (
	HighWaterMark = 256 * 1024 // refuse datagrams while bufferedAmount exceeds this
	LowWaterMark  = 64 * 1024  // log recovery once bufferedAmount drops below this

	inboxSize = 1024 // datagrams waiting for ReadFrom
)

// Endpoint adapts a DataChannel to transport.Endpoint. The DataChannel has
// exactly one peer; both sides are known by the nub addresses exchanged
// during signaling.
type Endpoint struct {
	raw *webrtc.DataChannel
	pc  *webrtc.PeerConnection

	local nub.Address

	mu   sync.Mutex
	peer nub.Address

	inbox     chan []byte
	opened    chan struct{}
	closed    chan struct{}
	openOnce  sync.Once
	closeOnce sync.Once
}

// NewEndpoint wraps raw, which belongs to pc, and starts buffering its
// messages. Close closes both.
func NewEndpoint(pc *webrtc.PeerConnection, raw *webrtc.DataChannel, local nub.Address) *Endpoint {
	e := &Endpoint{
		raw:    raw,
		pc:     pc,
		local:  local,
		inbox:  make(chan []byte, inboxSize),
		opened: make(chan struct{}),
		closed: make(chan struct{}),
	}

	raw.SetBufferedAmountLowThreshold(uint64(LowWaterMark))
	raw.OnBufferedAmountLow(func() {
		util.LogDebug("datachannel %s drained below %d bytes", e.Peer(), LowWaterMark)
	})
	raw.OnOpen(func() {
		e.openOnce.Do(func() { close(e.opened) })
	})
	raw.OnClose(e.shutdown)
	raw.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case e.inbox <- msg.Data:
		case <-e.closed:
		default:
			util.Stats.AddDropped()
		}
	})

	if raw.ReadyState() == webrtc.DataChannelStateOpen {
		e.openOnce.Do(func() { close(e.opened) })
	}
	return e
}

// BindPeer records the remote side's address. Signaling calls it once the
// address has been exchanged.
func (e *Endpoint) BindPeer(peer nub.Address) {
	e.mu.Lock()
	e.peer = peer
	e.mu.Unlock()
}

// Peer returns the remote side's address.
func (e *Endpoint) Peer() nub.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peer
}

// Opened is closed once the DataChannel is open.
func (e *Endpoint) Opened() <-chan struct{} { return e.opened }

// Done is closed once the endpoint is closed.
func (e *Endpoint) Done() <-chan struct{} { return e.closed }

// ReadFrom blocks for the next datagram. Datagrams larger than p are
// truncated.
func (e *Endpoint) ReadFrom(p []byte) (int, nub.Address, error) {
	select {
	case data := <-e.inbox:
		return copy(p, data), e.Peer(), nil
	case <-e.closed:
		return 0, nub.None, nub.NewError(nub.ShuttingDown, e.local)
	}
}

// WriteTo sends p to dst, which must be the peer. Sending never blocks: while
// the DataChannel is congested the datagram is refused with SendFailed.
func (e *Endpoint) WriteTo(p []byte, dst nub.Address) error {
	select {
	case <-e.closed:
		return nub.NewError(nub.ShuttingDown, dst)
	default:
	}

	if peer := e.Peer(); dst != peer {
		return nub.Wrap(nub.NoSuchPort, dst, fmt.Errorf("datachannel only reaches %s", peer))
	}
	if e.raw.BufferedAmount() > uint64(HighWaterMark) {
		return nub.Wrap(nub.SendFailed, dst, fmt.Errorf("datachannel congested: %d bytes buffered", e.raw.BufferedAmount()))
	}
	if err := e.raw.Send(p); err != nil {
		return nub.Wrap(nub.SendFailed, dst, err)
	}
	return nil
}

// LocalAddr returns the local nub address.
func (e *Endpoint) LocalAddr() nub.Address { return e.local }

// Close closes the DataChannel and its PeerConnection.
func (e *Endpoint) Close() error {
	e.shutdown()
	return errors.Join(e.raw.Close(), e.pc.Close())
}

func (e *Endpoint) shutdown() {
	e.closeOnce.Do(func() { close(e.closed) })
}

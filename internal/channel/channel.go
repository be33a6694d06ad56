// Package channel implements the per-peer conversation state: outbound
// bundling, the reliability window with retransmission, fragment reassembly
// and in-order delivery of reliable messages.
//
// A Channel is owned by the dispatch goroutine. Every method must be called
// from that goroutine (a read handler, a timer callback or a posted function).
package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/nub/internal/bundle"
	"github.com/1ureka/nub/internal/dispatcher"
	"github.com/1ureka/nub/internal/iface"
	"github.com/1ureka/nub/internal/nub"
	"github.com/1ureka/nub/internal/protocol"
	"github.com/1ureka/nub/internal/report"
	"github.com/1ureka/nub/internal/transport"
	"github.com/1ureka/nub/internal/util"
)

// State is the lifecycle stage of a Channel.
type State uint8

const (
	Idle    State = iota // created, nothing exchanged yet
	Active               // traffic seen in either direction
	Closing              // refusing sends, waiting for outstanding acks
	Closed               // timers cancelled, state discarded
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// DeliverFunc receives each complete inbound message, reliable ones in
// sequence order and exactly once.
type DeliverFunc func(ch *Channel, hdr protocol.Header, payload []byte)

// CloseFunc is told when a channel closes. cause is nil for an orderly close.
type CloseFunc func(ch *Channel, cause error)

// Options wires a channel to its collaborators.
type Options struct {
	Endpoint   transport.Endpoint
	Peer       nub.Address
	Table      *iface.Table
	Dispatcher *dispatcher.Dispatcher
	Sink       report.Sink
	Deliver    DeliverFunc
	OnClose    CloseFunc
}

// maxRetiredEpochs bounds how many superseded peer epochs a channel
// remembers in order to refuse their stragglers.
const maxRetiredEpochs = 16

// ackRef names one reliable message of a peer session.
type ackRef struct {
	epoch uint32
	seq   uint32
}

// pending is a reliable message waiting for its ack.
type pending struct {
	seq     uint32
	desc    iface.MessageDescriptor
	payload []byte
	retries int
	rto     time.Duration
	timer   *dispatcher.Timer
}

// Channel is the conversation with one peer over one local endpoint.
type Channel struct {
	id    uuid.UUID
	cfg   Config
	ep    transport.Endpoint
	peer  nub.Address
	table *iface.Table
	disp  *dispatcher.Dispatcher
	sink  report.Sink

	deliver DeliverFunc
	onClose CloseFunc
	now     func() time.Time

	state   State
	ack     iface.MessageDescriptor
	bundle  *bundle.Bundle
	fragSeq sequence

	flushTimer *dispatcher.Timer
	sweepTimer *dispatcher.Timer

	// Sending side.
	epoch   uint32 // this channel's session, stamped on every reliable frame
	sendSeq sequence
	unacked map[uint32]*pending
	acks    []ackRef // acknowledgements for the next flush

	// Receiving side.
	recvEpoch uint32   // the peer session being sequenced, zero until seen
	retired   []uint32 // peer sessions superseded by a newer one
	order     *orderer
	reasm     map[uint32]*partial

	lastActivity time.Time
}

// New creates an Idle channel to opts.Peer and starts its sweep timer.
func New(cfg Config, opts Options) *Channel {
	ack, err := opts.Table.Resolve(iface.ControlInterfaceID, iface.AckMessageID)
	if err != nil {
		panic(err) // every table carries the control interface
	}
	sink := opts.Sink
	if sink == nil {
		sink = report.Discard
	}

	id := uuid.New()
	c := &Channel{
		id:      id,
		epoch:   epochOf(id),
		cfg:     cfg,
		ep:      opts.Endpoint,
		peer:    opts.Peer,
		table:   opts.Table,
		disp:    opts.Dispatcher,
		sink:    sink,
		deliver: opts.Deliver,
		onClose: opts.OnClose,
		now:     time.Now,
		ack:     ack,
		bundle:  bundle.New(cfg.MaxDatagramSize),
		unacked: make(map[uint32]*pending),
		order:   newOrderer(1),
		reasm:   make(map[uint32]*partial),
	}
	c.lastActivity = c.now()
	if cfg.SweepInterval > 0 {
		c.sweepTimer = c.disp.RegisterTimer(cfg.SweepInterval, c.sweep)
	}

	util.Stats.ChannelOpened()
	util.LogDebug("[%s] channel to %s opened", c.shortID(), c.peer)
	return c
}

// epochOf derives a nonzero session epoch from the random bits of id.
func epochOf(id uuid.UUID) uint32 {
	if e := binary.LittleEndian.Uint32(id[:4]); e != 0 {
		return e
	}
	return 1
}

// ID returns the channel's unique id.
func (c *Channel) ID() uuid.UUID { return c.id }

// Peer returns the remote address.
func (c *Channel) Peer() nub.Address { return c.peer }

// Endpoint returns the local endpoint the channel sends through.
func (c *Channel) Endpoint() transport.Endpoint { return c.ep }

// State returns the lifecycle stage.
func (c *Channel) State() State { return c.state }

// Unacked returns the number of reliable messages awaiting acknowledgement.
func (c *Channel) Unacked() int { return len(c.unacked) }

// Queued returns the number of messages waiting for the next flush.
func (c *Channel) Queued() int { return c.bundle.Len() }

func (c *Channel) shortID() string { return c.id.String()[:8] }

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send queues one message for the peer. The bundle is flushed once it holds
// MaxBundleMessages messages, otherwise within MaxLatency. A reliable send
// fails with WindowOverflow while WindowSize messages are unacked.
func (c *Channel) Send(desc iface.MessageDescriptor, payload []byte, reliable bool) error {
	if c.state == Closing || c.state == Closed {
		return nub.NewError(nub.ShuttingDown, c.peer)
	}

	if reliable {
		if len(c.unacked) >= c.cfg.WindowSize {
			return nub.Wrap(nub.WindowOverflow, c.peer,
				fmt.Errorf("%d messages unacknowledged", len(c.unacked)))
		}
		seq := c.sendSeq.upcoming()
		if err := c.bundle.AppendReliable(desc, payload, c.epoch, c.base(seq), seq); err != nil {
			return err
		}
		c.sendSeq.Next()

		p := &pending{seq: seq, desc: desc, rto: c.cfg.InitialRTO}
		p.payload = append([]byte(nil), payload...)
		p.timer = c.disp.RegisterCallback(p.rto, func() { c.retransmit(p) })
		c.unacked[seq] = p
	} else if err := c.bundle.Append(desc, payload); err != nil {
		return err
	}

	c.touch()
	if c.bundle.Len() >= c.cfg.MaxBundleMessages {
		return c.Flush()
	}
	c.armFlush()
	return nil
}

// Flush sends everything queued, with pending acks piggybacked. Per-datagram
// failures are reported and joined into the returned error.
func (c *Channel) Flush() error {
	if c.state == Closed {
		return nub.NewError(nub.ShuttingDown, c.peer)
	}
	c.flushTimer.Cancel()

	var ack [protocol.AckSize]byte
	for _, a := range c.acks {
		binary.LittleEndian.PutUint32(ack[:], a.epoch)
		binary.LittleEndian.PutUint32(ack[protocol.EpochSize:], a.seq)
		if err := c.bundle.Append(c.ack, ack[:]); err != nil {
			return err
		}
	}
	c.acks = c.acks[:0]

	if c.bundle.Len() == 0 {
		return nil
	}

	res, err := c.bundle.Flush(c.ep, c.peer, &c.fragSeq)
	if err != nil {
		return err
	}
	util.Stats.AddSent(res.Sent(), res.Bytes)

	err = res.Err()
	for _, e := range res.Errors {
		if e != nil {
			c.sink.Report(e)
		}
	}
	return err
}

func (c *Channel) armFlush() {
	if c.flushTimer.Active() {
		return
	}
	c.flushTimer = c.disp.RegisterCallback(c.cfg.MaxLatency, func() {
		_ = c.Flush() // failures already reported
	})
}

// retransmit fires when p's RTO expires without an ack.
func (c *Channel) retransmit(p *pending) {
	if c.unacked[p.seq] != p {
		return
	}
	if p.retries >= c.cfg.MaxRetries {
		err := nub.Wrap(nub.Timeout, c.peer,
			fmt.Errorf("message %d unacknowledged after %d retransmits", p.seq, p.retries))
		util.LogWarning("[%s] %v", c.shortID(), err)
		c.sink.Report(err)
		c.close(err)
		return
	}

	p.retries++
	p.rto = min(p.rto*2, c.cfg.MaxRTO)
	if err := c.bundle.AppendReliable(p.desc, p.payload, c.epoch, c.base(p.seq), p.seq); err != nil {
		c.sink.Report(err)
		return
	}
	p.timer = c.disp.RegisterCallback(p.rto, func() { c.retransmit(p) })

	util.Stats.AddRetransmit()
	util.LogDebug("[%s] retransmit seq=%d try=%d rto=%s", c.shortID(), p.seq, p.retries, p.rto)
	_ = c.Flush()
}

// base returns the oldest sequence number still unacknowledged, counting seq
// as outstanding.
func (c *Channel) base(seq uint32) uint32 {
	b := seq
	for s := range c.unacked {
		b = min(b, s)
	}
	return b
}

// onAck clears one message of this channel's session. Acks naming another
// epoch belong to a channel this one replaced.
func (c *Channel) onAck(epoch, seq uint32) {
	if epoch != c.epoch {
		return
	}
	p, ok := c.unacked[seq]
	if !ok {
		return
	}
	p.timer.Cancel()
	delete(c.unacked, seq)

	if c.state == Closing && len(c.unacked) == 0 {
		c.close(nil)
	}
}

// ---------------------------------------------------------------------------
// Receiving
// ---------------------------------------------------------------------------

// OnDatagram processes one datagram from the peer. A framing error drops the
// whole datagram and is reported.
func (c *Channel) OnDatagram(data []byte) {
	if c.state == Closed {
		return
	}
	c.touch()

	frames, err := protocol.DecodeDatagram(data, c.table)
	if err != nil {
		c.drop(err)
		return
	}

	for _, f := range frames {
		if f.Header.IsReliable() && !c.acceptEpoch(f.Header) {
			util.Stats.AddDropped()
			util.LogDebug("[%s] frame %s from retired session dropped", c.shortID(), f.Header)
			continue
		}
		if f.Header.IsFragment() {
			c.onFragment(f)
		} else {
			c.onMessage(f.Header, f.Payload)
		}
		if c.state == Closed {
			return
		}
	}
}

// acceptEpoch admits the session a reliable frame was sent under. A new epoch
// means the peer replaced its channel: the previous one is retired, partial
// messages are discarded and sequencing restarts at the frame's base. Frames
// of a retired epoch are refused and never acked.
func (c *Channel) acceptEpoch(h protocol.Header) bool {
	if h.Epoch == c.recvEpoch {
		return true
	}
	if slices.Contains(c.retired, h.Epoch) {
		return false
	}

	if c.recvEpoch != 0 {
		if len(c.retired) == maxRetiredEpochs {
			c.retired = c.retired[1:]
		}
		c.retired = append(c.retired, c.recvEpoch)
		c.reasm = make(map[uint32]*partial)
		util.LogDebug("[%s] %s started a new session (epoch %08x, was %08x)",
			c.shortID(), c.peer, h.Epoch, c.recvEpoch)
	}

	first := h.Base
	if first == 0 || first > h.Seq {
		first = h.Seq
	}
	c.recvEpoch = h.Epoch
	c.order = newOrderer(first)
	return true
}

func (c *Channel) onFragment(f protocol.Frame) {
	key := f.Fragment.Seq
	p, ok := c.reasm[key]
	if !ok {
		if int(f.Fragment.Count) > c.cfg.MaxFragments {
			c.drop(nub.Wrap(nub.TooLarge, c.peer,
				fmt.Errorf("message of %d fragments, at most %d accepted", f.Fragment.Count, c.cfg.MaxFragments)))
			return
		}
		if len(c.reasm) >= c.cfg.MaxReassemblyBuffers {
			c.evictOldest()
		}
		p = newPartial(f.Header, f.Fragment.Count, c.now())
		c.reasm[key] = p
	}

	if !p.matches(f) {
		c.drop(nub.Wrap(nub.CorruptedPacket, c.peer,
			fmt.Errorf("fragment %d of sequence %d disagrees with earlier fragments", f.Fragment.Index, key)))
		return
	}
	if !p.add(f.Fragment.Index, f.Payload) {
		return
	}
	delete(c.reasm, key)

	l, err := c.table.LengthClass(p.header.InterfaceID, p.header.MessageID)
	if err != nil {
		c.drop(err)
		return
	}
	payload, err := protocol.DecodeBody(l, p.body())
	if err != nil {
		c.drop(err)
		return
	}
	c.onMessage(p.header, payload)
}

func (c *Channel) evictOldest() {
	var (
		oldest uint32
		first  = true
		when   time.Time
	)
	for k, p := range c.reasm {
		if first || p.started.Before(when) {
			oldest, when, first = k, p.started, false
		}
	}
	if !first {
		delete(c.reasm, oldest)
		util.Stats.AddDropped()
		util.LogDebug("[%s] reassembly buffer %d evicted", c.shortID(), oldest)
	}
}

func (c *Channel) onMessage(h protocol.Header, payload []byte) {
	if h.InterfaceID == iface.ControlInterfaceID && h.MessageID == iface.AckMessageID {
		c.onAck(binary.LittleEndian.Uint32(payload), binary.LittleEndian.Uint32(payload[protocol.EpochSize:]))
		return
	}

	if !h.IsReliable() {
		c.deliverMessage(message{header: h, payload: payload})
		return
	}

	if h.Seq >= c.order.expected+uint32(c.cfg.WindowSize) {
		c.drop(nub.Wrap(nub.WindowOverflow, c.peer,
			fmt.Errorf("sequence %d beyond receive window starting at %d", h.Seq, c.order.expected)))
		return
	}

	c.queueAck(ackRef{epoch: h.Epoch, seq: h.Seq})
	for _, m := range c.order.Feed(message{header: h, payload: payload}) {
		c.deliverMessage(m)
		if c.state == Closed {
			return
		}
	}
}

func (c *Channel) deliverMessage(m message) {
	if c.deliver != nil {
		c.deliver(c, m.header, m.payload)
	}
}

// queueAck schedules an ack, riding on the next flush or, failing that, an
// ack-only flush after MaxLatency.
func (c *Channel) queueAck(a ackRef) {
	c.acks = append(c.acks, a)
	c.armFlush()
}

// drop discards inbound data that failed to decode or route.
func (c *Channel) drop(err error) {
	util.Stats.AddDropped()
	c.sink.Report(c.bind(err))
}

// bind attaches the peer address to errors raised without one.
func (c *Channel) bind(err error) error {
	var ne *nub.Error
	if errors.As(err, &ne) && !ne.HasAddress() {
		return nub.Wrap(ne.Reason, c.peer, ne.Err)
	}
	return err
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (c *Channel) touch() {
	if c.state == Idle {
		c.state = Active
	}
	c.lastActivity = c.now()
}

// sweep discards stale reassembly buffers and closes the channel once it has
// been idle for IdleTimeout with nothing unacked.
func (c *Channel) sweep() {
	now := c.now()
	for k, p := range c.reasm {
		if now.Sub(p.started) > c.cfg.ReassemblyTimeout {
			delete(c.reasm, k)
			util.Stats.AddDropped()
			util.LogDebug("[%s] stale reassembly buffer %d discarded (%d/%d fragments)",
				c.shortID(), k, p.have, len(p.parts))
		}
	}

	if c.cfg.IdleTimeout > 0 && len(c.unacked) == 0 && c.bundle.Len() == 0 && len(c.acks) == 0 &&
		now.Sub(c.lastActivity) > c.cfg.IdleTimeout {
		util.LogDebug("[%s] channel to %s idle, closing", c.shortID(), c.peer)
		c.close(nil)
	}
}

// Shutdown flushes what is queued and refuses further sends. The channel
// closes once every reliable message is acknowledged or times out.
func (c *Channel) Shutdown() {
	if c.state == Closing || c.state == Closed {
		return
	}
	_ = c.Flush()
	if len(c.unacked) == 0 {
		c.close(nil)
		return
	}
	c.state = Closing
}

// Close tears the channel down at once: timers are cancelled, the bundle and
// reassembly state discarded and unacked messages abandoned.
func (c *Channel) Close() {
	c.close(nil)
}

func (c *Channel) close(cause error) {
	if c.state == Closed {
		return
	}
	c.state = Closed

	c.flushTimer.Cancel()
	c.sweepTimer.Cancel()
	for _, p := range c.unacked {
		p.timer.Cancel()
	}
	c.unacked = make(map[uint32]*pending)
	c.acks = nil
	c.bundle.Reset()
	c.reasm = make(map[uint32]*partial)
	c.order = newOrderer(1)

	util.Stats.ChannelClosed()
	util.LogDebug("[%s] channel to %s closed", c.shortID(), c.peer)

	if c.onClose != nil {
		c.onClose(c, cause)
	}
}

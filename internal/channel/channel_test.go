package channel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/1ureka/nub/internal/bundle"
	"github.com/1ureka/nub/internal/dispatcher"
	"github.com/1ureka/nub/internal/iface"
	"github.com/1ureka/nub/internal/nub"
	"github.com/1ureka/nub/internal/protocol"
	"github.com/1ureka/nub/internal/report"
	"github.com/1ureka/nub/internal/transport"
	"github.com/1ureka/nub/internal/util"
)

// fixture is two channels, A and B, facing each other over a memory network
// and served by one dispatcher.
type fixture struct {
	t     *testing.T
	net   *transport.MemoryNetwork
	disp  *dispatcher.Dispatcher
	table *iface.Table

	fixed    iface.MessageDescriptor // Fixed(4)
	variable iface.MessageDescriptor // Variable(2)

	epA, epB     *transport.MemoryEndpoint
	addrA, addrB nub.Address
	a, b         *Channel

	gotA, gotB []message
	closeCause map[*Channel]error
	reports    []error

	cfg     Config
	sink    report.Sink
	onClose CloseFunc
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxBundleMessages = 8
	cfg.MaxLatency = 2 * time.Millisecond
	cfg.WindowSize = 64
	cfg.InitialRTO = 20 * time.Millisecond
	cfg.MaxRTO = 80 * time.Millisecond
	cfg.MaxRetries = 20
	cfg.IdleTimeout = 0
	cfg.SweepInterval = time.Hour
	return cfg
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		t:          t,
		net:        transport.NewMemoryNetwork(),
		table:      iface.NewTable(),
		closeCause: make(map[*Channel]error),
		cfg:        cfg,
	}

	desc, err := f.table.Register(1, "test",
		iface.MessageDescriptor{ID: 1, Name: "fixed", Length: protocol.Fixed(4)},
		iface.MessageDescriptor{ID: 2, Name: "variable", Length: protocol.Variable(2)},
	)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	f.table.Seal()
	f.fixed, _ = desc.Message(1)
	f.variable, _ = desc.Message(2)

	f.addrA, _ = nub.ParseAddress("10.0.0.1:7000")
	f.addrB, _ = nub.ParseAddress("10.0.0.2:7000")
	if f.epA, err = f.net.Listen(f.addrA); err != nil {
		t.Fatal(err)
	}
	if f.epB, err = f.net.Listen(f.addrB); err != nil {
		t.Fatal(err)
	}

	f.disp = dispatcher.New(nil)
	f.sink = report.Func(func(err error) { f.reports = append(f.reports, err) })
	f.onClose = func(ch *Channel, cause error) { f.closeCause[ch] = cause }

	f.a = f.newChannel(f.epA, f.addrB, &f.gotA)
	f.b = f.newChannel(f.epB, f.addrA, &f.gotB)

	f.serve(f.epA, func() *Channel { return f.a })
	f.serve(f.epB, func() *Channel { return f.b })

	t.Cleanup(func() {
		f.disp.Close()
		f.epA.Close()
		f.epB.Close()
	})
	return f
}

// newChannel opens a channel from ep to peer whose deliveries land in got.
func (f *fixture) newChannel(ep *transport.MemoryEndpoint, peer nub.Address, got *[]message) *Channel {
	return New(f.cfg, Options{
		Endpoint: ep, Peer: peer, Table: f.table, Dispatcher: f.disp, Sink: f.sink, OnClose: f.onClose,
		Deliver: func(_ *Channel, h protocol.Header, p []byte) {
			*got = append(*got, message{header: h, payload: append([]byte(nil), p...)})
		},
	})
}

// serve routes datagrams arriving at ep to whichever channel current
// returns, so a test may replace the channel mid-run.
func (f *fixture) serve(ep transport.Endpoint, current func() *Channel) {
	if err := f.disp.RegisterEndpoint(ep, func(src nub.Address, data []byte) error {
		if ch := current(); src == ch.Peer() {
			ch.OnDatagram(data)
		}
		return nil
	}); err != nil {
		f.t.Fatalf("RegisterEndpoint failed: %v", err)
	}
}

// runUntil dispatches until cond holds, failing the test after timeout.
func (f *fixture) runUntil(timeout time.Duration, cond func() bool) {
	f.t.Helper()
	timedOut := false
	check := f.disp.RegisterTimer(time.Millisecond, func() {
		if cond() {
			f.disp.Stop()
		}
	})
	limit := f.disp.RegisterCallback(timeout, func() {
		timedOut = true
		f.disp.Stop()
	})

	if err := f.disp.Run(); err != nil {
		f.t.Fatalf("Run failed: %v", err)
	}
	check.Cancel()
	limit.Cancel()
	if timedOut {
		f.t.Fatalf("condition not reached within %s", timeout)
	}
}

func u32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }

// TestReliableOverLossyNetwork verifies that with every third datagram lost
// each reliable message is delivered exactly once and in order.
func TestReliableOverLossyNetwork(t *testing.T) {
	f := newFixture(t, testConfig())
	f.net.SetFilter(transport.DropEveryNth(3))

	const total = 50
	for i := uint32(1); i <= total; i++ {
		if err := f.a.Send(f.fixed, u32(i), true); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	f.runUntil(5*time.Second, func() bool {
		return len(f.gotB) == total && f.a.Unacked() == 0
	})

	for i, m := range f.gotB {
		if got := binary.LittleEndian.Uint32(m.payload); got != uint32(i+1) {
			t.Fatalf("delivery %d: got message %d, want %d", i, got, i+1)
		}
		if m.header.Seq != uint32(i+1) {
			t.Errorf("delivery %d: seq %d", i, m.header.Seq)
		}
	}
	if f.a.State() != Active || f.b.State() != Active {
		t.Errorf("states: a=%s b=%s", f.a.State(), f.b.State())
	}
}

// TestTimeoutAfterRetryBudget verifies that a peer that never acks makes the
// channel report Timeout bound to the peer and close.
func TestTimeoutAfterRetryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.InitialRTO = 5 * time.Millisecond
	cfg.MaxRTO = 10 * time.Millisecond
	cfg.MaxRetries = 3
	f := newFixture(t, cfg)

	peer := f.epB.LocalAddr()
	f.net.SetFilter(func(_, dst nub.Address, _ []byte) bool { return dst == peer })

	before := util.Stats.Retransmits.Load()
	if err := f.a.Send(f.fixed, u32(7), true); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	f.runUntil(2*time.Second, func() bool { return f.a.State() == Closed })

	cause, ok := f.closeCause[f.a]
	if !ok || !errors.Is(cause, nub.ErrTimeout) {
		t.Fatalf("close cause: got %v, want Timeout", cause)
	}
	var ne *nub.Error
	if !errors.As(cause, &ne) || ne.Address != peer {
		t.Errorf("Timeout not bound to %s: %v", peer, cause)
	}
	if got := util.Stats.Retransmits.Load() - before; got != 3 {
		t.Errorf("retransmits: got %d, want 3", got)
	}
	if f.a.Unacked() != 0 {
		t.Errorf("Unacked after close: %d", f.a.Unacked())
	}
	if err := f.a.Send(f.fixed, u32(8), true); !errors.Is(err, nub.ErrShuttingDown) {
		t.Errorf("Send after close: got %v, want ShuttingDown", err)
	}
}

// TestReplyClearsWindow verifies that an ack piggybacked on a reply clears
// the sender's window before any retransmission, in a single datagram.
func TestReplyClearsWindow(t *testing.T) {
	cfg := testConfig()
	cfg.InitialRTO = time.Second
	cfg.MaxRTO = time.Second
	f := newFixture(t, cfg)

	fromB := 0
	addrB := f.epB.LocalAddr()
	f.net.SetFilter(func(src, _ nub.Address, _ []byte) bool {
		if src == addrB {
			fromB++
		}
		return false
	})

	// B answers every request straight away.
	f.b.deliver = func(ch *Channel, h protocol.Header, p []byte) {
		f.gotB = append(f.gotB, message{header: h, payload: p})
		if err := ch.Send(f.fixed, p, false); err != nil {
			t.Errorf("reply failed: %v", err)
		}
	}

	before := util.Stats.Retransmits.Load()
	if err := f.a.Send(f.fixed, u32(0x01020304), true); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if f.a.Unacked() != 1 {
		t.Fatalf("Unacked: got %d, want 1", f.a.Unacked())
	}

	f.runUntil(500*time.Millisecond, func() bool { return len(f.gotA) == 1 && f.a.Unacked() == 0 })

	if got := util.Stats.Retransmits.Load() - before; got != 0 {
		t.Errorf("retransmits: got %d, want 0", got)
	}
	if fromB != 1 {
		t.Errorf("datagrams from B: got %d, want 1 (reply and ack together)", fromB)
	}
	if !bytes.Equal(f.gotA[0].payload, u32(0x01020304)) {
		t.Errorf("reply payload: % x", f.gotA[0].payload)
	}
}

// TestWindowOverflow verifies a full send window refuses reliable sends but
// not unreliable ones.
func TestWindowOverflow(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 2
	f := newFixture(t, cfg)

	if f.a.State() != Idle {
		t.Errorf("initial state: got %s, want idle", f.a.State())
	}
	for i := uint32(1); i <= 2; i++ {
		if err := f.a.Send(f.fixed, u32(i), true); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	if f.a.State() != Active {
		t.Errorf("state after send: got %s, want active", f.a.State())
	}

	if err := f.a.Send(f.fixed, u32(3), true); !errors.Is(err, nub.ErrWindowOverflow) {
		t.Errorf("got %v, want WindowOverflow", err)
	}
	if err := f.a.Send(f.fixed, u32(4), false); err != nil {
		t.Errorf("unreliable send refused: %v", err)
	}
	if err := f.a.Send(f.fixed, []byte{1}, false); !errors.Is(err, nub.ErrSizeMismatch) {
		t.Errorf("got %v, want SizeMismatch", err)
	}

	f.a.Close()
	if f.a.State() != Closed || f.a.Queued() != 0 || f.a.Unacked() != 0 {
		t.Errorf("after Close: state=%s queued=%d unacked=%d", f.a.State(), f.a.Queued(), f.a.Unacked())
	}
	if _, ok := f.closeCause[f.a]; !ok {
		t.Error("close callback not called")
	}
}

// fragments returns the datagrams of one Variable(2) message of n bytes,
// split at maxSize.
func (f *fixture) fragments(n, maxSize int) ([]byte, [][]byte) {
	f.t.Helper()
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i % 253)
	}
	b := bundle.New(maxSize)
	if err := b.Append(f.variable, payload); err != nil {
		f.t.Fatalf("Append failed: %v", err)
	}
	dgs, err := b.Datagrams(new(sequence))
	if err != nil {
		f.t.Fatalf("Datagrams failed: %v", err)
	}
	return payload, dgs
}

// TestReassemblyAnyOrder verifies fragments rebuild the message whatever
// order they arrive in, duplicates included.
func TestReassemblyAnyOrder(t *testing.T) {
	orders := map[string]func(n int) []int{
		"in order": func(n int) []int {
			out := make([]int, n)
			for i := range out {
				out[i] = i
			}
			return out
		},
		"reversed": func(n int) []int {
			out := make([]int, n)
			for i := range out {
				out[i] = n - 1 - i
			}
			return out
		},
		"odd then even": func(n int) []int {
			var out []int
			for i := 1; i < n; i += 2 {
				out = append(out, i)
			}
			for i := 0; i < n; i += 2 {
				out = append(out, i)
			}
			return out
		},
		"with duplicates": func(n int) []int {
			out := []int{n - 1, 0, n - 1}
			for i := 0; i < n-1; i++ {
				out = append(out, i)
			}
			return out
		},
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, testConfig())
			payload, dgs := f.fragments(3000, 200)
			if len(dgs) < 10 {
				t.Fatalf("expected many fragments, got %d", len(dgs))
			}

			for _, i := range order(len(dgs)) {
				f.b.OnDatagram(dgs[i])
			}

			if len(f.gotB) != 1 {
				t.Fatalf("got %d messages, want 1", len(f.gotB))
			}
			if !bytes.Equal(f.gotB[0].payload, payload) {
				t.Error("reassembled payload differs")
			}
			if f.gotB[0].header.IsFragment() {
				t.Error("delivered header still flagged as fragment")
			}
			if len(f.b.reasm) != 0 {
				t.Errorf("reassembly buffers left: %d", len(f.b.reasm))
			}
			if len(f.reports) != 0 {
				t.Errorf("unexpected reports: %v", f.reports)
			}
		})
	}
}

// TestReassemblyStaleDiscard verifies a partial message older than the
// reassembly timeout is dropped, and a late fragment cannot complete it.
func TestReassemblyStaleDiscard(t *testing.T) {
	cfg := testConfig()
	cfg.ReassemblyTimeout = time.Second
	f := newFixture(t, cfg)

	now := time.Unix(1000, 0)
	f.b.now = func() time.Time { return now }

	_, dgs := f.fragments(1000, 200)
	last := len(dgs) - 1
	for _, dg := range dgs[:last] {
		f.b.OnDatagram(dg)
	}
	if len(f.b.reasm) != 1 {
		t.Fatalf("reassembly buffers: got %d, want 1", len(f.b.reasm))
	}

	now = now.Add(500 * time.Millisecond)
	f.b.sweep()
	if len(f.b.reasm) != 1 {
		t.Fatal("buffer discarded before the timeout")
	}

	now = now.Add(time.Second)
	f.b.sweep()
	if len(f.b.reasm) != 0 {
		t.Fatal("stale buffer kept")
	}

	f.b.OnDatagram(dgs[last])
	if len(f.gotB) != 0 {
		t.Errorf("message delivered from a discarded buffer")
	}
}

// TestReassemblyBounds verifies the buffer count and fragment count limits.
func TestReassemblyBounds(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReassemblyBuffers = 2
	cfg.MaxFragments = 8
	f := newFixture(t, cfg)

	now := time.Unix(1000, 0)
	f.b.now = func() time.Time { return now }

	h := protocol.Header{InterfaceID: 1, MessageID: 2}
	for seq := uint32(1); seq <= 3; seq++ {
		now = now.Add(time.Millisecond)
		f.b.OnDatagram(protocol.AppendFragment(nil, h, protocol.FragmentHeader{Seq: seq, Index: 0, Count: 2}, []byte{0}))
	}
	if len(f.b.reasm) != 2 {
		t.Fatalf("reassembly buffers: got %d, want 2", len(f.b.reasm))
	}
	if _, ok := f.b.reasm[1]; ok {
		t.Error("oldest buffer not evicted")
	}

	f.b.OnDatagram(protocol.AppendFragment(nil, h, protocol.FragmentHeader{Seq: 9, Index: 0, Count: 9}, []byte{0}))
	if len(f.reports) != 1 || !errors.Is(f.reports[0], nub.ErrTooLarge) {
		t.Errorf("reports: %v", f.reports)
	}
}

// TestInOrderDelivery verifies reliable messages are released in sequence
// order, once each, with every arrival acked.
func TestInOrderDelivery(t *testing.T) {
	f := newFixture(t, testConfig())

	for _, seq := range []uint32{3, 1, 1, 4, 2, 3} {
		h := protocol.Header{InterfaceID: 1, MessageID: 1, Flags: protocol.FlagReliable, Epoch: 5, Base: 1, Seq: seq}
		dg, err := protocol.AppendFrame(nil, h, protocol.Fixed(4), u32(seq*10))
		if err != nil {
			t.Fatal(err)
		}
		f.b.OnDatagram(dg)
	}

	if len(f.gotB) != 4 {
		t.Fatalf("got %d deliveries, want 4", len(f.gotB))
	}
	for i, m := range f.gotB {
		if m.header.Seq != uint32(i+1) {
			t.Errorf("delivery %d: got seq %d, want %d", i, m.header.Seq, i+1)
		}
	}
	if len(f.b.acks) != 6 {
		t.Errorf("acks queued: got %d, want 6", len(f.b.acks))
	}
}

// TestReceiveWindowOverflow verifies a sequence far ahead of the receive
// window is dropped, reported and not acked.
func TestReceiveWindowOverflow(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 16
	f := newFixture(t, cfg)

	h := protocol.Header{InterfaceID: 1, MessageID: 1, Flags: protocol.FlagReliable, Epoch: 5, Base: 1, Seq: 17}
	dg, _ := protocol.AppendFrame(nil, h, protocol.Fixed(4), u32(1))
	f.b.OnDatagram(dg)

	if len(f.reports) != 1 || !errors.Is(f.reports[0], nub.ErrWindowOverflow) {
		t.Fatalf("reports: %v", f.reports)
	}
	if len(f.b.acks) != 0 || f.b.order.Pending() != 0 {
		t.Errorf("overflowing message was kept: acks=%d pending=%d", len(f.b.acks), f.b.order.Pending())
	}
}

// TestCorruptDatagram verifies a datagram with a bad frame is dropped whole
// and reported against the peer.
func TestCorruptDatagram(t *testing.T) {
	f := newFixture(t, testConfig())

	good, _ := protocol.AppendFrame(nil, protocol.Header{InterfaceID: 1, MessageID: 1}, protocol.Fixed(4), u32(1))
	f.b.OnDatagram(append(good, 9, 9, 0))

	if len(f.gotB) != 0 {
		t.Error("frame before the bad one was delivered")
	}
	if len(f.reports) != 1 || !errors.Is(f.reports[0], nub.ErrUnknownMessage) {
		t.Fatalf("reports: %v", f.reports)
	}
	var ne *nub.Error
	if !errors.As(f.reports[0], &ne) || ne.Address != f.b.Peer() {
		t.Errorf("report not bound to peer: %v", f.reports[0])
	}
}

// TestIdleClose verifies the sweep closes a quiet channel with no cause.
func TestIdleClose(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = time.Minute
	f := newFixture(t, cfg)

	now := time.Unix(1000, 0)
	f.b.now = func() time.Time { return now }
	f.b.touch()

	now = now.Add(30 * time.Second)
	f.b.sweep()
	if f.b.State() == Closed {
		t.Fatal("closed before the idle timeout")
	}

	now = now.Add(time.Minute)
	f.b.sweep()
	if f.b.State() != Closed {
		t.Fatal("idle channel not closed")
	}
	if cause, ok := f.closeCause[f.b]; !ok || cause != nil {
		t.Errorf("close cause: got %v (called=%v), want nil", cause, ok)
	}
}

// TestShutdownWaitsForAcks verifies Shutdown holds the channel in Closing
// until the last ack arrives.
func TestShutdownWaitsForAcks(t *testing.T) {
	f := newFixture(t, testConfig())

	if err := f.a.Send(f.fixed, u32(1), true); err != nil {
		t.Fatal(err)
	}
	f.a.Shutdown()
	if f.a.State() != Closing {
		t.Fatalf("state: got %s, want closing", f.a.State())
	}
	if err := f.a.Send(f.fixed, u32(2), false); !errors.Is(err, nub.ErrShuttingDown) {
		t.Errorf("Send while closing: got %v, want ShuttingDown", err)
	}

	ackHeader := protocol.Header{InterfaceID: iface.ControlInterfaceID, MessageID: iface.AckMessageID}
	foreign, _ := protocol.AppendFrame(nil, ackHeader, protocol.Fixed(protocol.AckSize), append(u32(f.a.epoch+1), u32(1)...))
	f.a.OnDatagram(foreign)
	if f.a.State() != Closing {
		t.Fatalf("ack for another session cleared the window: state %s", f.a.State())
	}

	ack, _ := protocol.AppendFrame(nil, ackHeader, protocol.Fixed(protocol.AckSize), append(u32(f.a.epoch), u32(1)...))
	f.a.OnDatagram(ack)

	if f.a.State() != Closed {
		t.Errorf("state after last ack: got %s, want closed", f.a.State())
	}
}

// TestReliableFragmentedOverLossyNetwork verifies that reliable messages too
// large for one datagram survive lost fragments: each arrives exactly once,
// in order and intact.
func TestReliableFragmentedOverLossyNetwork(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDatagramSize = 512
	cfg.MaxRetries = 30
	f := newFixture(t, cfg)
	f.net.SetFilter(transport.DropEveryNth(7))

	const total = 12
	payloads := make([][]byte, total)
	for i := range payloads {
		p := make([]byte, 1200)
		for j := range p {
			p[j] = byte(i*31 + j)
		}
		payloads[i] = p
		if err := f.a.Send(f.variable, p, true); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	f.runUntil(5*time.Second, func() bool {
		return len(f.gotB) >= total && f.a.Unacked() == 0
	})

	if len(f.gotB) != total {
		t.Fatalf("got %d deliveries, want %d", len(f.gotB), total)
	}
	for i, m := range f.gotB {
		if m.header.Seq != uint32(i+1) {
			t.Errorf("delivery %d: got seq %d, want %d", i, m.header.Seq, i+1)
		}
		if !bytes.Equal(m.payload, payloads[i]) {
			t.Errorf("delivery %d: payload differs", i)
		}
	}
	if f.a.State() != Active {
		t.Errorf("sender state: %s", f.a.State())
	}
}

// TestPeerSessionRestart verifies that a channel re-created to the same peer
// starts a new session the surviving side accepts, in both directions.
func TestPeerSessionRestart(t *testing.T) {
	f := newFixture(t, testConfig())

	for i := uint32(1); i <= 3; i++ {
		if err := f.a.Send(f.fixed, u32(i), true); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
		if err := f.b.Send(f.fixed, u32(i*10), true); err != nil {
			t.Fatalf("reply %d failed: %v", i, err)
		}
	}
	f.runUntil(time.Second, func() bool {
		return len(f.gotB) == 3 && len(f.gotA) == 3 && f.a.Unacked() == 0 && f.b.Unacked() == 0
	})

	old := f.a
	old.Close()
	f.a = f.newChannel(f.epA, f.addrB, &f.gotA)
	if f.a.epoch == old.epoch {
		t.Fatal("re-created channel reused the epoch")
	}

	if err := f.a.Send(f.fixed, u32(99), true); err != nil {
		t.Fatalf("Send on new channel failed: %v", err)
	}
	if err := f.b.Send(f.fixed, u32(40), true); err != nil {
		t.Fatalf("Send to new channel failed: %v", err)
	}
	f.runUntil(time.Second, func() bool {
		return len(f.gotB) == 4 && len(f.gotA) == 4 && f.a.Unacked() == 0 && f.b.Unacked() == 0
	})

	if m := f.gotB[3]; !bytes.Equal(m.payload, u32(99)) || m.header.Epoch != f.a.epoch || m.header.Seq != 1 {
		t.Errorf("new session message: epoch=%08x seq=%d payload=% x", m.header.Epoch, m.header.Seq, m.payload)
	}
	if m := f.gotA[3]; !bytes.Equal(m.payload, u32(40)) || m.header.Seq != 4 {
		t.Errorf("surviving session message: seq=%d payload=% x", m.header.Seq, m.payload)
	}
	if !slices.Contains(f.b.retired, old.epoch) {
		t.Errorf("old epoch %08x not retired: %v", old.epoch, f.b.retired)
	}
}

// TestRetiredSessionRefused verifies that a straggler from a superseded
// session is neither delivered nor acked.
func TestRetiredSessionRefused(t *testing.T) {
	f := newFixture(t, testConfig())

	frame := func(epoch, seq uint32) []byte {
		h := protocol.Header{InterfaceID: 1, MessageID: 1, Flags: protocol.FlagReliable, Epoch: epoch, Base: 1, Seq: seq}
		dg, err := protocol.AppendFrame(nil, h, protocol.Fixed(4), u32(epoch*100+seq))
		if err != nil {
			t.Fatal(err)
		}
		return dg
	}

	dropped := util.Stats.Dropped.Load()
	f.b.OnDatagram(frame(5, 1))
	f.b.OnDatagram(frame(6, 1))
	f.b.OnDatagram(frame(5, 2))
	f.b.OnDatagram(frame(6, 2))

	if len(f.gotB) != 3 {
		t.Fatalf("got %d deliveries, want 3", len(f.gotB))
	}
	for i, want := range []uint32{501, 601, 602} {
		if got := binary.LittleEndian.Uint32(f.gotB[i].payload); got != want {
			t.Errorf("delivery %d: got %d, want %d", i, got, want)
		}
	}
	want := []ackRef{{5, 1}, {6, 1}, {6, 2}}
	if !slices.Equal(f.b.acks, want) {
		t.Errorf("acks: got %v, want %v", f.b.acks, want)
	}
	if got := util.Stats.Dropped.Load() - dropped; got != 1 {
		t.Errorf("dropped: got %d, want 1", got)
	}
	if len(f.reports) != 0 {
		t.Errorf("unexpected reports: %v", f.reports)
	}
}

// TestSequence verifies numbering starts at 1 and upcoming does not consume
// a number, so a rejected send leaves no gap.
func TestSequence(t *testing.T) {
	var s sequence
	if s.upcoming() != 1 || s.upcoming() != 1 {
		t.Fatalf("upcoming on a fresh sequence: got %d, want 1", s.upcoming())
	}
	for want := uint32(1); want <= 3; want++ {
		if got := s.Next(); got != want {
			t.Errorf("Next: got %d, want %d", got, want)
		}
	}

	f := newFixture(t, testConfig())
	if err := f.a.Send(f.fixed, []byte{1}, true); !errors.Is(err, nub.ErrSizeMismatch) {
		t.Fatalf("got %v, want SizeMismatch", err)
	}
	if err := f.a.Send(f.fixed, u32(1), true); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, ok := f.a.unacked[1]; !ok {
		t.Errorf("rejected send consumed a sequence number: unacked %v", f.a.unacked)
	}
}

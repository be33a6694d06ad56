// Package app wires endpoints, the dispatcher, per-peer channels and the
// router into a Node: one process-level participant in the cluster.
package app

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/nub/internal/channel"
	"github.com/1ureka/nub/internal/config"
	"github.com/1ureka/nub/internal/dispatcher"
	"github.com/1ureka/nub/internal/iface"
	"github.com/1ureka/nub/internal/nub"
	"github.com/1ureka/nub/internal/protocol"
	"github.com/1ureka/nub/internal/report"
	"github.com/1ureka/nub/internal/router"
	"github.com/1ureka/nub/internal/transport"
	"github.com/1ureka/nub/internal/util"
)

type channelKey struct {
	ep   transport.Endpoint
	peer nub.Address
}

// Node owns a dispatcher and everything it drives. Apart from Run, Stop,
// Post and Do, methods must be called on the dispatch goroutine or before
// Run starts.
type Node struct {
	id     uuid.UUID
	cfg    *config.Config
	chCfg  channel.Config
	table  *iface.Table
	sink   report.Sink
	disp   *dispatcher.Dispatcher
	router *router.Router

	endpoints []transport.Endpoint
	routes    map[nub.Address]transport.Endpoint // peers behind Connected endpoints
	channels  map[channelKey]*channel.Channel

	closeOnce sync.Once

	// OnChannelClosed, when set, is told about every channel that closes,
	// with the cause (nil for an orderly close).
	OnChannelClosed func(ch *channel.Channel, cause error)
}

// NewNode creates a node serving table, which is sealed. A nil sink reports
// to stderr as JSON through report.Logger.
func NewNode(cfg *config.Config, table *iface.Table, sink report.Sink) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	table.Seal()

	id := uuid.New()
	if sink == nil {
		sink = report.NewLogger(os.Stderr, id.String(), cfg.Report.Rate, cfg.Report.Burst)
	}

	n := &Node{
		id:       id,
		cfg:      cfg,
		chCfg:    cfg.ChannelConfig(),
		table:    table,
		sink:     sink,
		disp:     dispatcher.New(sink),
		router:   router.New(table, sink),
		routes:   make(map[nub.Address]transport.Endpoint),
		channels: make(map[channelKey]*channel.Channel),
	}
	n.router.SetReplier(n)
	return n, nil
}

// ID returns the node's unique id.
func (n *Node) ID() uuid.UUID { return n.id }

// Table returns the sealed message table.
func (n *Node) Table() *iface.Table { return n.table }

// Router returns the node's router.
func (n *Node) Router() *router.Router { return n.router }

// Dispatcher returns the node's dispatcher.
func (n *Node) Dispatcher() *dispatcher.Dispatcher { return n.disp }

// LocalAddr returns the address of the first endpoint, or nub.None.
func (n *Node) LocalAddr() nub.Address {
	if len(n.endpoints) == 0 {
		return nub.None
	}
	return n.endpoints[0].LocalAddr()
}

// Channels returns the number of open channels.
func (n *Node) Channels() int { return len(n.channels) }

// ---------------------------------------------------------------------------
// Endpoints and channels
// ---------------------------------------------------------------------------

// AddEndpoint starts serving ep. The first endpoint added is the default for
// peers not behind a Connected endpoint.
func (n *Node) AddEndpoint(ep transport.Endpoint) error {
	if err := n.disp.RegisterEndpoint(ep, func(src nub.Address, data []byte) error {
		util.Stats.AddRecv(len(data))
		n.channelOn(ep, src).OnDatagram(data)
		return nil
	}); err != nil {
		return err
	}

	n.endpoints = append(n.endpoints, ep)
	if c, ok := ep.(transport.Connected); ok {
		n.routes[c.Peer()] = ep
	}
	util.LogInfo("node %s serving %s", n.shortID(), ep.LocalAddr())
	return nil
}

// Channel returns the channel to peer, creating it if needed.
func (n *Node) Channel(peer nub.Address) (*channel.Channel, error) {
	if peer.IsNone() {
		return nil, nub.Wrap(nub.NoSuchPort, peer, fmt.Errorf("no destination"))
	}
	ep, ok := n.routes[peer]
	if !ok {
		if len(n.endpoints) == 0 {
			return nil, nub.Wrap(nub.NoSuchPort, peer, fmt.Errorf("node has no endpoint"))
		}
		ep = n.endpoints[0]
	}
	return n.channelOn(ep, peer), nil
}

func (n *Node) channelOn(ep transport.Endpoint, peer nub.Address) *channel.Channel {
	key := channelKey{ep: ep, peer: peer}
	if ch, ok := n.channels[key]; ok {
		return ch
	}

	ch := channel.New(n.chCfg, channel.Options{
		Endpoint:   ep,
		Peer:       peer,
		Table:      n.table,
		Dispatcher: n.disp,
		Sink:       n.sink,
		Deliver: func(ch *channel.Channel, hdr protocol.Header, payload []byte) {
			_ = n.router.Route(ch.Peer(), hdr, payload) // failures reported by the router
		},
		OnClose: func(ch *channel.Channel, cause error) {
			if n.channels[key] == ch {
				delete(n.channels, key)
			}
			if cause != nil {
				util.LogWarning("channel to %s closed: %v", ch.Peer(), cause)
			}
			if n.OnChannelClosed != nil {
				n.OnChannelClosed(ch, cause)
			}
		},
	})
	n.channels[key] = ch
	return ch
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send queues message (interfaceID, messageID) for peer.
func (n *Node) Send(peer nub.Address, interfaceID, messageID uint8, payload []byte, reliable bool) error {
	desc, err := n.table.Resolve(interfaceID, messageID)
	if err != nil {
		return err
	}
	return n.SendTo(peer, desc, payload, reliable)
}

// SendTo queues desc for peer. The control interface belongs to the channels
// and is refused.
func (n *Node) SendTo(peer nub.Address, desc iface.MessageDescriptor, payload []byte, reliable bool) error {
	if desc.InterfaceID() == iface.ControlInterfaceID {
		return nub.Wrap(nub.Configuration, peer,
			fmt.Errorf("interface %d is reserved for channel control", iface.ControlInterfaceID))
	}
	ch, err := n.Channel(peer)
	if err != nil {
		return err
	}
	return ch.Send(desc, payload, reliable)
}

// Reply implements router.Replier.
func (n *Node) Reply(dst nub.Address, desc iface.MessageDescriptor, payload []byte, reliable bool) error {
	return n.SendTo(dst, desc, payload, reliable)
}

// Flush flushes every channel now.
func (n *Node) Flush() error {
	var errs []error
	for _, ch := range n.channels {
		if err := ch.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

// Run dispatches until Stop.
func (n *Node) Run() error { return n.disp.Run() }

// Stop makes Run return after the current round. Safe from any goroutine.
func (n *Node) Stop() { n.disp.Stop() }

// Post queues fn to run on the dispatch goroutine.
func (n *Node) Post(fn func()) { n.disp.Post(fn) }

// Do runs fn on the dispatch goroutine and waits for it. Run must be in
// progress or about to start. Calling Do from the dispatch goroutine itself
// deadlocks; code already on the loop calls fn directly or uses Post.
func (n *Node) Do(fn func()) {
	done := make(chan struct{})
	n.disp.Post(func() {
		defer close(done)
		fn()
	})
	<-done
}

// Close closes every channel without flushing, then the dispatcher and the
// endpoints. Call it after Run returns or from the dispatch goroutine.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		for _, ch := range n.channels {
			ch.Close()
		}
		n.disp.Close()

		var errs []error
		for _, ep := range n.endpoints {
			if e := ep.Close(); e != nil {
				errs = append(errs, e)
			}
		}
		err = errors.Join(errs...)
		util.LogInfo("node %s closed", n.shortID())
	})
	return err
}

func (n *Node) shortID() string { return n.id.String()[:8] }

package app

import (
	"context"
	"fmt"

	"github.com/1ureka/nub/internal/nub"
	"github.com/1ureka/nub/internal/signaling"
	"github.com/1ureka/nub/internal/webrtc"
)

// AcceptRTC waits for one peer to complete WebSocket signaling and serves the
// resulting DataChannel. The peer's nub address is returned; sends to it go
// over the DataChannel. Call it from any goroutine but the dispatch one.
func (n *Node) AcceptRTC(ctx context.Context) (nub.Address, error) {
	local, err := n.rtcAddress()
	if err != nil {
		return nub.None, err
	}
	ep, err := signaling.EstablishAsHost(ctx, signaling.HostOptions{
		Listen: n.cfg.Signaling.Listen,
		PIN:    n.cfg.Signaling.PIN,
		Local:  local,
		STUN:   n.cfg.Signaling.STUN,
	})
	if err != nil {
		return nub.None, err
	}
	return n.serveRTC(ep)
}

// DialRTC connects to a host's signaling URL and serves the resulting
// DataChannel. Call it from any goroutine but the dispatch one.
func (n *Node) DialRTC(ctx context.Context, wsURL string) (nub.Address, error) {
	local, err := n.rtcAddress()
	if err != nil {
		return nub.None, err
	}
	ep, err := signaling.EstablishAsClient(ctx, wsURL, local, n.cfg.Signaling.STUN)
	if err != nil {
		return nub.None, err
	}
	return n.serveRTC(ep)
}

// rtcAddress is the address this node announces during signaling.
func (n *Node) rtcAddress() (nub.Address, error) {
	var local nub.Address
	n.onLoop(func() { local = n.LocalAddr() })
	if local.IsNone() {
		return nub.None, nub.Wrap(nub.Configuration, nub.None,
			fmt.Errorf("a node needs an endpoint before it can announce itself over WebRTC"))
	}
	return local, nil
}

func (n *Node) serveRTC(ep *webrtc.Endpoint) (nub.Address, error) {
	var err error
	n.onLoop(func() { err = n.AddEndpoint(ep) })
	if err != nil {
		ep.Close()
		return nub.None, err
	}
	return ep.Peer(), nil
}

// onLoop runs fn on the dispatch goroutine when it is running, inline
// otherwise.
func (n *Node) onLoop(fn func()) {
	if n.disp.Running() {
		n.Do(fn)
		return
	}
	fn()
}

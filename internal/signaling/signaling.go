// Package signaling runs the WebSocket exchange of SDP offers, answers and
// ICE candidates that sets up a WebRTC DataChannel between two nodes. Both
// sides also learn each other's nub address. Callers receive a ready
// datagram endpoint.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/nub/internal/nub"
	"github.com/1ureka/nub/internal/util"
	rtc "github.com/1ureka/nub/internal/webrtc"
)

// HostOptions configures the accepting side.
type HostOptions struct {
	Listen string      // WebSocket listen address, ":0" for a random port
	PIN    string      // generated when empty
	Local  nub.Address // our nub address, sent to the client
	STUN   []string
}

// EstablishAsHost executes the full host-side signaling flow:
//  1. Start a WS server and print its port and PIN
//  2. Wait for the client to connect
//  3. Create the PeerConnection and DataChannel
//  4. Send the offer and trickle ICE candidates
//  5. Wait for the DataChannel to open
//  6. Close the WS server and connection
func EstablishAsHost(ctx context.Context, opts HostOptions) (*rtc.Endpoint, error) {
	pin := opts.PIN
	if pin == "" {
		pin = generatePIN()
	}

	srv := newServer(pin)
	wsPort, err := srv.start(opts.Listen)
	if err != nil {
		return nil, err
	}
	defer srv.close()

	pterm.DefaultBox.WithTitle("WebSocket Signaling Server").Println(
		fmt.Sprintf("Port    : %d\nPIN     : %s\nAddress : %s", wsPort, pin, opts.Local))
	util.LogInfo("waiting for client...")

	wsConn, err := srv.waitForClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for client: %w", err)
	}
	defer wsConn.Close()
	util.LogInfo("client connected")

	pc, err := rtc.NewPeerConnection(opts.STUN)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}
	dc, err := rtc.CreateDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create DataChannel: %w", err)
	}
	ep := rtc.NewEndpoint(pc, dc, opts.Local)

	s := &sender{pc: pc, conn: wsConn, local: opts.Local}
	r := &receiver{pc: pc, conn: wsConn, sender: s, onPeer: ep.BindPeer}
	trickle(pc, s)

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch() // exits when wsConn is closed (deferred above)
	}()

	// Host sends the Offer first.
	if err := s.sendOffer(); err != nil {
		ep.Close()
		return nil, fmt.Errorf("failed to send Offer: %w", err)
	}

	select {
	case <-ep.Opened():
		util.LogInfo("DataChannel to %s established, closing WS", ep.Peer())
		return ep, nil

	case err := <-errCh:
		ep.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		ep.Close()
		return nil, ctx.Err()
	}
}

// EstablishAsClient executes the full client-side signaling flow:
//  1. Connect to the host's WS server
//  2. Answer the host's offer and trickle ICE candidates
//  3. Wait for the host's DataChannel to arrive and open
//  4. Close the WS connection
//
// wsURL carries the PIN, e.g. ws://host:port/ws?pin=123456.
func EstablishAsClient(ctx context.Context, wsURL string, local nub.Address, stun []string) (*rtc.Endpoint, error) {
	util.LogInfo("connecting to host...")
	wsConn, err := connect(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.LogDebug("WS connected: %s", wsURL)

	pc, err := rtc.NewPeerConnection(stun)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	var (
		mu   sync.Mutex
		peer nub.Address
	)
	epCh := make(chan *rtc.Endpoint, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		ep := rtc.NewEndpoint(pc, dc, local)
		mu.Lock()
		ep.BindPeer(peer)
		mu.Unlock()
		select {
		case epCh <- ep:
		default:
			util.LogWarning("unexpected extra DataChannel %q ignored", dc.Label())
		}
	})

	s := &sender{pc: pc, conn: wsConn, local: local}
	r := &receiver{pc: pc, conn: wsConn, sender: s, onPeer: func(a nub.Address) {
		mu.Lock()
		peer = a
		mu.Unlock()
	}}
	trickle(pc, s)

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch() // exits when wsConn is closed (deferred above)
	}()

	var ep *rtc.Endpoint
	select {
	case ep = <-epCh:
	case err := <-errCh:
		pc.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	select {
	case <-ep.Opened():
		util.LogInfo("DataChannel to %s established, closing WS", ep.Peer())
		return ep, nil
	case err := <-errCh:
		ep.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)
	case <-ctx.Done():
		ep.Close()
		return nil, ctx.Err()
	}
}

// trickle forwards local ICE candidates as they are gathered.
func trickle(pc *webrtc.PeerConnection, s *sender) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		// Best effort: the remote side may already be connected.
		_ = s.sendCandidate(string(data))
	})
}

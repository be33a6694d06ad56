// Package webrtc carries nub datagrams over a WebRTC DataChannel, for peers
// that can only reach each other through NAT traversal.
package webrtc

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used for ICE candidate gathering when none are
// configured. No TURN: peers must be able to reach each other directly.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// NewPeerConnection creates a PeerConnection using the given STUN servers,
// or DefaultSTUNServers when stun is empty.
func NewPeerConnection(stun []string) (*webrtc.PeerConnection, error) {
	if len(stun) == 0 {
		stun = DefaultSTUNServers
	}
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stun},
		},
	}
	return webrtc.NewPeerConnection(config)
}

// CreateDataChannel creates the single DataChannel nub traffic runs on. It is
// unordered with no retransmits so that it behaves like UDP; channels above
// it provide reliability and ordering where asked for.
func CreateDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	retransmits := uint16(0)
	return pc.CreateDataChannel("nub", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
	})
}

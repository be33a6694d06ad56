package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/nub/internal/nub"
)

// receiver applies the remote side's signaling messages to the
// PeerConnection (private).
type receiver struct {
	pc     *webrtc.PeerConnection
	conn   *websocket.Conn
	sender *sender

	// onPeer is called with the remote nub address carried by the offer or
	// answer.
	onPeer func(nub.Address)
}

// watch reads messages until the WebSocket fails or a message cannot be
// applied.
func (r *receiver) watch() error {
	for {
		var msg message
		if err := r.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read WS message: %w", err)
		}

		switch msg.Type {
		case msgTypeOffer:
			if err := r.peer(msg.Address); err != nil {
				return err
			}
			if err := r.pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
			}); err != nil {
				return err
			}
			if err := r.sender.sendAnswer(); err != nil {
				return err
			}

		case msgTypeAnswer:
			if err := r.peer(msg.Address); err != nil {
				return err
			}
			if err := r.pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
			}); err != nil {
				return err
			}

		case msgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("failed to parse ICE candidate: %w", err)
			}
			if err := r.pc.AddICECandidate(init); err != nil {
				return err
			}
		}
	}
}

func (r *receiver) peer(s string) error {
	addr, err := nub.ParseAddress(s)
	if err != nil {
		return fmt.Errorf("remote sent invalid address %q: %w", s, err)
	}
	r.onPeer(addr)
	return nil
}

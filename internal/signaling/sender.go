package signaling

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/nub/internal/nub"
)

// sender serializes outgoing signaling messages to the WebSocket (private).
type sender struct {
	pc    *webrtc.PeerConnection
	conn  *websocket.Conn
	local nub.Address
	mu    sync.Mutex
}

// send writes a signaling message to the WebSocket, guarded by a mutex.
func (s *sender) send(msg message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// sendOffer creates an SDP offer, sets it as local description, and sends it.
func (s *sender) sendOffer() error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return err
	}

	if err := s.pc.SetLocalDescription(offer); err != nil {
		return err
	}

	return s.send(message{Type: msgTypeOffer, SDP: offer.SDP, Address: s.local.String()})
}

// sendAnswer creates an SDP answer, sets it as local description, and sends it.
func (s *sender) sendAnswer() error {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}

	if err := s.pc.SetLocalDescription(answer); err != nil {
		return err
	}

	return s.send(message{Type: msgTypeAnswer, SDP: answer.SDP, Address: s.local.String()})
}

// sendCandidate sends an ICE candidate message over the WebSocket.
func (s *sender) sendCandidate(candidate string) error {
	return s.send(message{Type: msgTypeCandidate, Candidate: candidate})
}

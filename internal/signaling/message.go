package signaling

// messageType identifies the kind of signaling message.
type messageType string

const (
	msgTypeOffer     messageType = "offer"
	msgTypeAnswer    messageType = "answer"
	msgTypeCandidate messageType = "candidate"
)

// message is the JSON structure exchanged over the WebSocket during
// signaling. Offers and answers also carry the sender's nub address.
type message struct {
	Type      messageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Address   string      `json:"address,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

package nub

// Reason is the closed set of outcomes a transport operation can end with.
// Uses byte values so it can travel in logs and reports as-is.
type Reason uint8

const (
	// General outcomes (0-9)
	Success       Reason = 0 // Operation completed successfully
	GeneralError  Reason = 1 // Unspecified failure
	Configuration Reason = 2 // Duplicate registration or malformed descriptor

	// Framing (10-19)
	CorruptedPacket Reason = 10 // Declared and measured lengths disagree
	TooLarge        Reason = 11 // Payload cannot be encoded in its length class
	SizeMismatch    Reason = 12 // Fixed-length payload of the wrong size
	UnknownMessage  Reason = 13 // (interface, message) pair not registered

	// Transport (20-29)
	Timeout        Reason = 20 // Retry budget exhausted
	NoSuchPort     Reason = 21 // Peer unreachable
	SendFailed     Reason = 22 // Endpoint refused a datagram
	WindowOverflow Reason = 23 // Reliability window full
	ShuttingDown   Reason = 24 // Channel or endpoint closed

	// Routing (30-39)
	NoSuchTarget Reason = 30 // No locally-hosted object claims the target
)

// Category groups reasons by how the core reacts to them.
type Category uint8

const (
	CategoryNone Category = iota
	CategoryConfiguration
	CategoryFraming
	CategoryTransport
	CategoryRouting
)

var reasonStrings = map[Reason]string{
	Success:         "success",
	GeneralError:    "general error",
	Configuration:   "configuration error",
	CorruptedPacket: "corrupted packet",
	TooLarge:        "payload too large",
	SizeMismatch:    "size mismatch",
	UnknownMessage:  "unknown message",
	Timeout:         "timeout",
	NoSuchPort:      "no such port",
	SendFailed:      "send failed",
	WindowOverflow:  "window overflow",
	ShuttingDown:    "shutting down",
	NoSuchTarget:    "no such target",
}

func (r Reason) String() string {
	if s, ok := reasonStrings[r]; ok {
		return s
	}
	return "unknown reason"
}

// Category reports which part of the error taxonomy r belongs to.
func (r Reason) Category() Category {
	switch {
	case r == Configuration:
		return CategoryConfiguration
	case r >= 10 && r < 20:
		return CategoryFraming
	case r >= 20 && r < 30:
		return CategoryTransport
	case r >= 30 && r < 40:
		return CategoryRouting
	}
	return CategoryNone
}

func (c Category) String() string {
	switch c {
	case CategoryConfiguration:
		return "configuration"
	case CategoryFraming:
		return "framing"
	case CategoryTransport:
		return "transport"
	case CategoryRouting:
		return "routing"
	}
	return "none"
}

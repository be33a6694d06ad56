package channel

import (
	"time"

	"github.com/1ureka/nub/internal/transport"
)

// Config holds the per-channel tunables.
type Config struct {
	MaxDatagramSize   int
	MaxBundleMessages int           // flush as soon as this many messages are queued
	MaxLatency        time.Duration // longest a queued message or ack waits for a flush

	WindowSize int // unacked messages a sender may have, and the receive window
	InitialRTO time.Duration
	MaxRTO     time.Duration
	MaxRetries int

	IdleTimeout          time.Duration // zero keeps idle channels open
	ReassemblyTimeout    time.Duration
	MaxReassemblyBuffers int
	MaxFragments         int
	SweepInterval        time.Duration
}

// DefaultConfig returns the tunables used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxDatagramSize:   transport.DefaultMaxDatagramSize,
		MaxBundleMessages: 32,
		MaxLatency:        5 * time.Millisecond,

		WindowSize: 256,
		InitialRTO: 200 * time.Millisecond,
		MaxRTO:     3 * time.Second,
		MaxRetries: 8,

		IdleTimeout:          2 * time.Minute,
		ReassemblyTimeout:    10 * time.Second,
		MaxReassemblyBuffers: 64,
		MaxFragments:         1024,
		SweepInterval:        time.Second,
	}
}

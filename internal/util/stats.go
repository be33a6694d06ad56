package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic counter shared by every endpoint and
// channel.
var Stats = &stats{}

type stats struct {
	DatagramsSent atomic.Int64 // datagrams handed to an endpoint
	DatagramsRecv atomic.Int64 // datagrams read from an endpoint
	BytesSent     atomic.Int64
	BytesRecv     atomic.Int64
	Retransmits   atomic.Int64 // reliable messages sent again after a timeout
	Dropped       atomic.Int64 // datagrams or messages discarded on error
	Channels      atomic.Int64 // currently open channels
}

func (s *stats) AddSent(datagrams, bytes int) {
	s.DatagramsSent.Add(int64(datagrams))
	s.BytesSent.Add(int64(bytes))
}

func (s *stats) AddRecv(n int) {
	s.DatagramsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

func (s *stats) AddRetransmit() { s.Retransmits.Add(1) }
func (s *stats) AddDropped()    { s.Dropped.Add(1) }
func (s *stats) ChannelOpened() { s.Channels.Add(1) }
func (s *stats) ChannelClosed() { s.Channels.Add(-1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics every
// interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevRetx, prevDrop int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				retx := Stats.Retransmits.Load()
				drop := Stats.Dropped.Load()

				secs := interval.Seconds()
				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs

				if sent != prevSent || recv != prevRecv || retx != prevRetx || drop != prevDrop {
					pterm.DefaultLogger.Info(formatStats(inS, outS, Stats.Channels.Load(), retx-prevRetx, drop-prevDrop))
				}

				prevSent = sent
				prevRecv = recv
				prevRetx = retx
				prevDrop = drop

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, channels, retx, drop int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Channels: %3d | Retx: %3d | Drop: %3d",
		formatBytes(inS),
		formatBytes(outS),
		channels,
		retx,
		drop,
	)
}

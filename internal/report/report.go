// Package report is the observability sink for failures the transport drops
// rather than returns: framing errors, routing misses, endpoint trouble and
// channel timeouts surfaced from timers.
package report

import (
	"errors"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/1ureka/nub/internal/nub"
)

// Sink receives reported failures. Implementations must not block.
type Sink interface {
	Report(err error)
}

// Func adapts a function to Sink.
type Func func(err error)

// Report calls f.
func (f Func) Report(err error) { f(err) }

// Discard drops every report.
var Discard Sink = Func(func(error) {})

// Logger writes one structured JSON event per report. A token bucket bounds
// the event rate so a peer flooding corrupted datagrams cannot flood the log;
// the number of suppressed reports is attached to the next emitted event.
type Logger struct {
	log        zerolog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewLogger returns a Logger writing to w, tagged with node, emitting at most
// perSecond events with bursts of burst. perSecond <= 0 disables throttling.
func NewLogger(w io.Writer, node string, perSecond float64, burst int) *Logger {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Logger{
		log:     zerolog.New(w).With().Timestamp().Str("node", node).Logger(),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Report emits err unless the rate limit is exhausted.
func (l *Logger) Report(err error) {
	if err == nil {
		return
	}
	if !l.limiter.Allow() {
		l.suppressed.Add(1)
		return
	}

	reason := nub.ReasonOf(err)
	var ev *zerolog.Event
	switch reason.Category() {
	case nub.CategoryConfiguration:
		ev = l.log.Error()
	case nub.CategoryTransport:
		ev = l.log.Warn()
	default:
		ev = l.log.Info()
	}

	ev = ev.Str("reason", reason.String()).Str("category", reason.Category().String())

	var ne *nub.Error
	if errors.As(err, &ne) && ne.HasAddress() {
		ev = ev.Str("addr", ne.Address.String())
	}
	if n := l.suppressed.Swap(0); n > 0 {
		ev = ev.Int64("suppressed", n)
	}
	ev.Err(err).Msg("transport event")
}

// Suppressed returns the number of reports dropped since the last event.
func (l *Logger) Suppressed() int64 { return l.suppressed.Load() }

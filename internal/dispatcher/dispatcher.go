// Package dispatcher is the single-threaded event loop of a node. Endpoint
// readiness, timer expiry and work posted from other goroutines are all
// serialized onto the goroutine that calls Run, so the state they touch needs
// no locking.
package dispatcher

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/nub/internal/nub"
	"github.com/1ureka/nub/internal/report"
	"github.com/1ureka/nub/internal/transport"
	"github.com/1ureka/nub/internal/util"
)

// Tuning constants.
const (
	readBufferSize = 64 * 1024 // larger than any UDP payload
	eventQueueSize = 256       // datagrams waiting for the loop, all endpoints
)

// ReadHandler consumes one datagram read from an endpoint. Returning an error
// deregisters the endpoint; the error is reported and dispatch continues for
// every other endpoint.
type ReadHandler func(src nub.Address, data []byte) error

type registration struct {
	ep   transport.Endpoint
	fn   ReadHandler
	done chan struct{}
	once sync.Once
}

func (r *registration) stop() {
	r.once.Do(func() { close(r.done) })
}

type event struct {
	reg  *registration
	src  nub.Address
	data []byte
	err  error
}

// Dispatcher multiplexes endpoints and timers onto one goroutine.
type Dispatcher struct {
	sink report.Sink

	events chan event
	wake   chan struct{}

	postMu    sync.Mutex
	posted    []func() // FIFO, unbounded so Post never blocks
	postReady chan struct{}

	breaking atomic.Bool
	running  atomic.Bool

	// Loop-owned state.
	regs   map[transport.Endpoint]*registration
	timers timerHeap
	closed bool
}

// New creates an idle dispatcher reporting endpoint failures to sink.
func New(sink report.Sink) *Dispatcher {
	if sink == nil {
		sink = report.Discard
	}
	return &Dispatcher{
		sink:      sink,
		events:    make(chan event, eventQueueSize),
		wake:      make(chan struct{}, 1),
		postReady: make(chan struct{}, 1),
		regs:      make(map[transport.Endpoint]*registration),
	}
}

// ---------------------------------------------------------------------------
// Endpoints
// ---------------------------------------------------------------------------

// RegisterEndpoint starts watching ep. fn runs on the dispatch goroutine once
// per datagram.
func (d *Dispatcher) RegisterEndpoint(ep transport.Endpoint, fn ReadHandler) error {
	if d.closed {
		return nub.NewError(nub.ShuttingDown, ep.LocalAddr())
	}
	if _, ok := d.regs[ep]; ok {
		return nub.Wrap(nub.Configuration, ep.LocalAddr(), fmt.Errorf("endpoint already registered"))
	}

	reg := &registration{ep: ep, fn: fn, done: make(chan struct{})}
	d.regs[ep] = reg
	go d.readLoop(reg)

	util.LogDebug("dispatcher watching %s", ep.LocalAddr())
	return nil
}

// DeregisterEndpoint stops dispatching datagrams from ep. The endpoint is not
// closed.
func (d *Dispatcher) DeregisterEndpoint(ep transport.Endpoint) {
	if reg, ok := d.regs[ep]; ok {
		d.deregister(reg)
	}
}

// Endpoints returns the number of registered endpoints.
func (d *Dispatcher) Endpoints() int { return len(d.regs) }

func (d *Dispatcher) deregister(reg *registration) {
	reg.stop()
	if d.regs[reg.ep] == reg {
		delete(d.regs, reg.ep)
	}
}

// readLoop turns blocking reads into loop events. It exits after a read error
// or once the registration is stopped.
func (d *Dispatcher) readLoop(reg *registration) {
	buf := make([]byte, readBufferSize)
	for {
		n, src, err := reg.ep.ReadFrom(buf)

		ev := event{reg: reg, src: src, err: err}
		if err == nil {
			ev.data = make([]byte, n)
			copy(ev.data, buf[:n])
		}

		select {
		case d.events <- ev:
		case <-reg.done:
			return
		}

		if err != nil {
			return
		}
	}
}

func (d *Dispatcher) handleEvent(ev event) {
	if d.regs[ev.reg.ep] != ev.reg {
		return // deregistered while the datagram was queued
	}

	if ev.err != nil {
		d.deregister(ev.reg)
		if errors.Is(ev.err, nub.ErrShuttingDown) {
			util.LogDebug("endpoint %s closed", ev.reg.ep.LocalAddr())
			return
		}
		util.LogWarning("endpoint %s read failed, deregistered: %v", ev.reg.ep.LocalAddr(), ev.err)
		d.sink.Report(ev.err)
		return
	}

	if err := ev.reg.fn(ev.src, ev.data); err != nil {
		d.deregister(ev.reg)
		util.LogWarning("endpoint %s handler failed, deregistered: %v", ev.reg.ep.LocalAddr(), err)
		d.sink.Report(err)
	}
}

// ---------------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------------

// RegisterTimer calls fn every interval until cancelled.
func (d *Dispatcher) RegisterTimer(interval time.Duration, fn func()) *Timer {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return d.addTimer(interval, interval, fn)
}

// RegisterCallback calls fn once after delay.
func (d *Dispatcher) RegisterCallback(delay time.Duration, fn func()) *Timer {
	return d.addTimer(delay, 0, fn)
}

func (d *Dispatcher) addTimer(delay, interval time.Duration, fn func()) *Timer {
	t := &Timer{d: d, when: time.Now().Add(delay), interval: interval, fn: fn, index: -1}
	if d.closed {
		return t
	}
	heap.Push(&d.timers, t)
	return t
}

// Timers returns the number of armed timers.
func (d *Dispatcher) Timers() int { return d.timers.Len() }

// fireTimers runs every timer due at now. Repeating timers are rescheduled
// before their callback runs so the callback may cancel them.
func (d *Dispatcher) fireTimers(now time.Time) {
	for d.timers.Len() > 0 && !d.timers[0].when.After(now) {
		t := d.timers[0]
		if t.interval > 0 {
			t.when = t.when.Add(t.interval)
			if !t.when.After(now) {
				t.when = now.Add(t.interval)
			}
			heap.Fix(&d.timers, 0)
		} else {
			heap.Pop(&d.timers)
		}
		t.fn()
	}
}

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

// Post queues fn to run on the dispatch goroutine. It is the only way other
// goroutines may touch loop-owned state. Post never blocks, so handlers may
// post as well; functions run in the order they were posted.
func (d *Dispatcher) Post(fn func()) {
	d.postMu.Lock()
	d.posted = append(d.posted, fn)
	d.postMu.Unlock()
	notify(d.postReady)
}

// nextPosted removes the oldest posted function, or returns nil. postReady is
// re-armed while more are waiting.
func (d *Dispatcher) nextPosted() func() {
	d.postMu.Lock()
	defer d.postMu.Unlock()
	if len(d.posted) == 0 {
		return nil
	}
	fn := d.posted[0]
	d.posted[0] = nil
	d.posted = d.posted[1:]
	if len(d.posted) > 0 {
		notify(d.postReady)
	}
	return fn
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run dispatches until Stop is called. Each round waits for a datagram, a
// posted function or the earliest timer, handles that one source, then runs
// every due timer.
func (d *Dispatcher) Run() error {
	if d.closed {
		return nub.NewError(nub.ShuttingDown, nub.None)
	}
	if !d.running.CompareAndSwap(false, true) {
		return nub.Wrap(nub.GeneralError, nub.None, fmt.Errorf("dispatcher already running"))
	}
	defer d.running.Store(false)
	defer d.breaking.Store(false)

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for !d.breaking.Load() {
		var timerC <-chan time.Time
		if d.timers.Len() > 0 {
			timer.Reset(time.Until(d.timers[0].when))
			timerC = timer.C
		}

		select {
		case ev := <-d.events:
			d.handleEvent(ev)
		case <-d.postReady:
			if fn := d.nextPosted(); fn != nil {
				fn()
			}
		case <-timerC:
		case <-d.wake:
		}
		timer.Stop()

		d.fireTimers(time.Now())
	}
	return nil
}

// Stop makes Run return once the current round completes. Safe to call from
// a handler or from any goroutine.
func (d *Dispatcher) Stop() {
	d.breaking.Store(true)
	notify(d.wake)
}

// Running reports whether Run is in progress.
func (d *Dispatcher) Running() bool { return d.running.Load() }

// Close cancels every timer and deregisters every endpoint without flushing
// anything, then stops the loop. Call it from the dispatch goroutine or after
// Run has returned.
func (d *Dispatcher) Close() {
	if d.closed {
		return
	}
	d.closed = true

	for d.timers.Len() > 0 {
		heap.Pop(&d.timers)
	}
	for _, reg := range d.regs {
		d.deregister(reg)
	}
	d.Stop()
}

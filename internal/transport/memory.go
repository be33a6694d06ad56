package transport

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/1ureka/nub/internal/nub"
)

const memoryInboxSize = 1024

// DropFilter decides whether the in-memory network loses a datagram.
type DropFilter func(src, dst nub.Address, data []byte) (drop bool)

// DropEveryNth returns a filter that loses every n-th datagram it sees,
// counted across the whole network.
func DropEveryNth(n int) DropFilter {
	var count atomic.Int64
	return func(_, _ nub.Address, _ []byte) bool {
		return count.Add(1)%int64(n) == 0
	}
}

// MemoryNetwork links MemoryEndpoints inside one process. Delivery is
// asynchronous and unordered across endpoints, like UDP on a LAN.
type MemoryNetwork struct {
	mu        sync.RWMutex
	endpoints map[nub.Address]*MemoryEndpoint
	filter    DropFilter
}

// NewMemoryNetwork returns an empty lossless network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[nub.Address]*MemoryEndpoint)}
}

// SetFilter installs a drop filter; nil delivers everything.
func (n *MemoryNetwork) SetFilter(f DropFilter) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

// Listen attaches a new endpoint at addr.
func (n *MemoryNetwork) Listen(addr nub.Address) (*MemoryEndpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[addr]; ok {
		return nil, fmt.Errorf("address %s already in use", addr)
	}
	ep := &MemoryEndpoint{
		network: n,
		addr:    addr,
		inbox:   make(chan memoryPacket, memoryInboxSize),
		done:    make(chan struct{}),
	}
	n.endpoints[addr] = ep
	return ep, nil
}

func (n *MemoryNetwork) deliver(src, dst nub.Address, p []byte) error {
	n.mu.RLock()
	ep, ok := n.endpoints[dst]
	filter := n.filter
	n.mu.RUnlock()

	if !ok {
		return nub.NewError(nub.NoSuchPort, dst)
	}
	if filter != nil && filter(src, dst, p) {
		return nil
	}

	data := make([]byte, len(p))
	copy(data, p)

	select {
	case ep.inbox <- memoryPacket{src: src, data: data}:
	case <-ep.done:
	default:
		// Receiver not keeping up; lost like a full socket buffer.
	}
	return nil
}

func (n *MemoryNetwork) remove(addr nub.Address) {
	n.mu.Lock()
	delete(n.endpoints, addr)
	n.mu.Unlock()
}

type memoryPacket struct {
	src  nub.Address
	data []byte
}

// MemoryEndpoint is an Endpoint on a MemoryNetwork.
type MemoryEndpoint struct {
	network *MemoryNetwork
	addr    nub.Address
	inbox   chan memoryPacket
	done    chan struct{}
	once    sync.Once
}

// ReadFrom blocks until a datagram arrives or the endpoint is closed.
func (e *MemoryEndpoint) ReadFrom(p []byte) (int, nub.Address, error) {
	select {
	case pkt := <-e.inbox:
		return copy(p, pkt.data), pkt.src, nil
	case <-e.done:
		return 0, nub.None, nub.NewError(nub.ShuttingDown, e.addr)
	}
}

// WriteTo hands p to the network.
func (e *MemoryEndpoint) WriteTo(p []byte, dst nub.Address) error {
	select {
	case <-e.done:
		return nub.NewError(nub.ShuttingDown, dst)
	default:
	}
	return e.network.deliver(e.addr, dst, p)
}

// LocalAddr returns the endpoint's address.
func (e *MemoryEndpoint) LocalAddr() nub.Address { return e.addr }

// Close detaches the endpoint. Safe to call multiple times.
func (e *MemoryEndpoint) Close() error {
	e.once.Do(func() {
		close(e.done)
		e.network.remove(e.addr)
	})
	return nil
}

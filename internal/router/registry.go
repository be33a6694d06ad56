package router

import (
	"fmt"
	"sync"

	"github.com/1ureka/nub/internal/iface"
	"github.com/1ureka/nub/internal/nub"
	"github.com/1ureka/nub/internal/protocol"
)

// Registry maps target ids to locally-hosted objects of type T, each
// optionally expecting one peer. It is the explicit table that lets many
// logical targets live behind one physical address.
type Registry[T any] struct {
	mu      sync.RWMutex
	targets map[uint32]registered[T]
}

type registered[T any] struct {
	target T
	peer   nub.Address // None accepts any source
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{targets: make(map[uint32]registered[T])}
}

// Add registers target under id. peer is the address it expects messages
// from, or nub.None. Id 0 is reserved for "no target".
func (g *Registry[T]) Add(id uint32, peer nub.Address, target T) error {
	if id == 0 {
		return nub.Wrap(nub.Configuration, nub.None, fmt.Errorf("target id 0 is reserved"))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.targets[id]; ok {
		return nub.Wrap(nub.Configuration, nub.None, fmt.Errorf("target %08x already registered", id))
	}
	g.targets[id] = registered[T]{target: target, peer: peer}
	return nil
}

// Remove unregisters id and reports whether it was present.
func (g *Registry[T]) Remove(id uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.targets[id]
	delete(g.targets, id)
	return ok
}

// Len returns the number of registered targets.
func (g *Registry[T]) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.targets)
}

// Find returns the target a message is meant for: by hdr.TargetID when set,
// otherwise the single target expecting src.
func (g *Registry[T]) Find(src nub.Address, hdr protocol.Header) (T, error) {
	if hdr.TargetID != 0 {
		return g.ByID(src, hdr.TargetID)
	}
	return g.BySource(src)
}

// ByID returns target id. A target bound to a peer only accepts that peer.
func (g *Registry[T]) ByID(src nub.Address, id uint32) (T, error) {
	g.mu.RLock()
	e, ok := g.targets[id]
	g.mu.RUnlock()

	var zero T
	if !ok {
		return zero, nub.Wrap(nub.NoSuchTarget, src, fmt.Errorf("no target %08x", id))
	}
	if !e.peer.IsNone() && e.peer != src {
		return zero, nub.Wrap(nub.NoSuchTarget, src, fmt.Errorf("target %08x expects %s", id, e.peer))
	}
	return e.target, nil
}

// BySource returns the only target expecting src.
func (g *Registry[T]) BySource(src nub.Address) (T, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var (
		found T
		n     int
	)
	for _, e := range g.targets {
		if e.peer == src {
			found = e.target
			n++
		}
	}

	var zero T
	switch n {
	case 0:
		return zero, nub.Wrap(nub.NoSuchTarget, src, fmt.Errorf("no target expects %s", src))
	case 1:
		return found, nil
	}
	return zero, nub.Wrap(nub.NoSuchTarget, src, fmt.Errorf("%d targets expect %s", n, src))
}

// TargetFunc handles a message on behalf of one target.
type TargetFunc[T any] func(target T, src nub.Address, hdr protocol.Header, r *protocol.Reader) ([]byte, error)

// Targeted binds fn into a handler for ByTargetID messages.
func Targeted[T any](reg *Registry[T], fn TargetFunc[T]) iface.Handler {
	return iface.HandlerFunc(func(src nub.Address, hdr protocol.Header, r *protocol.Reader) ([]byte, error) {
		t, err := reg.ByID(src, hdr.TargetID)
		if err != nil {
			return nil, err
		}
		return fn(t, src, hdr, r)
	})
}

// BySource binds fn into a handler for BySource messages.
func BySource[T any](reg *Registry[T], fn TargetFunc[T]) iface.Handler {
	return iface.HandlerFunc(func(src nub.Address, hdr protocol.Header, r *protocol.Reader) ([]byte, error) {
		t, err := reg.BySource(src)
		if err != nil {
			return nil, err
		}
		return fn(t, src, hdr, r)
	})
}

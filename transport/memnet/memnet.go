// Package memnet is an in-process transport connecting validators by
// index. It delivers synchronously to each receiver's handler, so handlers
// must not block.
package memnet

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// ErrUnknownPeer is returned by Send for an unregistered destination.
var ErrUnknownPeer = errors.New("unknown peer")

// Handler receives a message sent by validator from.
type Handler func(from uint32, data []byte) error

// Filter decides whether a message from -> to is delivered.
type Filter func(from, to uint32, data []byte) bool

// Network connects registered endpoints.
type Network struct {
	mu       sync.RWMutex
	handlers map[uint32]Handler
	offline  map[uint32]bool
	filter   Filter

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New returns an empty network.
func New() *Network {
	return &Network{
		handlers: make(map[uint32]Handler),
		offline:  make(map[uint32]bool),
	}
}

// Register installs the handler for validator id, replacing any previous one.
func (n *Network) Register(id uint32, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// Endpoint returns the sending side for validator id.
func (n *Network) Endpoint(id uint32) *Endpoint {
	return &Endpoint{net: n, id: id}
}

// SetOffline cuts a validator off in both directions.
func (n *Network) SetOffline(id uint32, offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline[id] = offline
}

// SetFilter installs a delivery filter; nil delivers everything.
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Stats returns the number of delivered and dropped messages.
func (n *Network) Stats() (delivered, dropped uint64) {
	return n.delivered.Load(), n.dropped.Load()
}

type target struct {
	id      uint32
	handler Handler
}

// route returns the handlers a message from -> to reaches. A to of nil
// means every other peer.
func (n *Network) route(from uint32, to *uint32, data []byte) ([]target, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if to != nil {
		if _, ok := n.handlers[*to]; !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownPeer, *to)
		}
	}
	var out []target
	for id, h := range n.handlers {
		if id == from || (to != nil && id != *to) {
			continue
		}
		if n.offline[from] || n.offline[id] || (n.filter != nil && !n.filter(from, id, data)) {
			n.dropped.Inc()
			continue
		}
		out = append(out, target{id: id, handler: h})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, nil
}

func (n *Network) deliver(from uint32, targets []target, data []byte) error {
	var errs error
	for _, t := range targets {
		buf := make([]byte, len(data))
		copy(buf, data)
		if err := t.handler(from, buf); err != nil {
			n.dropped.Inc()
			errs = multierr.Append(errs, fmt.Errorf("peer %d: %w", t.id, err))
			continue
		}
		n.delivered.Inc()
	}
	return errs
}

// Endpoint is one validator's view of the network.
type Endpoint struct {
	net *Network
	id  uint32
}

// ID returns the validator index of the endpoint.
func (e *Endpoint) ID() uint32 {
	return e.id
}

// Broadcast delivers data to every other online peer.
func (e *Endpoint) Broadcast(data []byte) error {
	targets, err := e.net.route(e.id, nil, data)
	if err != nil {
		return err
	}
	return e.net.deliver(e.id, targets, data)
}

// Send delivers data to one peer.
func (e *Endpoint) Send(to uint32, data []byte) error {
	targets, err := e.net.route(e.id, &to, data)
	if err != nil {
		return err
	}
	return e.net.deliver(e.id, targets, data)
}

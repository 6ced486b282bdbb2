// Package memory implements an in-process broadcast hub with the same
// contract as the UDP transport, to allow for quick local/single-process
// testing and simulation.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vimeo/spellingbee/internal/queue"
	"github.com/vimeo/spellingbee/transport"
	"github.com/vimeo/spellingbee/wire"
)

// Addr is the address of a Transport joined to a Hub.
type Addr string

// Network implements net.Addr
func (a Addr) Network() string { return "memory" }

func (a Addr) String() string { return string(a) }

// Filter decides whether msg sent by from is delivered to to.
type Filter func(from, to string, msg wire.Message) bool

// Hub delivers every message sent by a member to every member, the sender
// included.
type Hub struct {
	l       sync.Mutex
	members map[string]*Transport
	filter  Filter
}

// NewHub returns a new, initialized instance
func NewHub() *Hub {
	return &Hub{members: map[string]*Transport{}}
}

// Join attaches a new transport at addr. Joining an address that is already
// taken panics.
func (h *Hub) Join(addr string) *Transport {
	h.l.Lock()
	defer h.l.Unlock()
	if _, ok := h.members[addr]; ok {
		panic(fmt.Errorf("address %q already joined", addr))
	}
	t := &Transport{hub: h, addr: Addr(addr), inbound: queue.New[transport.Envelope]()}
	h.members[addr] = t
	return t
}

// SetFilter installs f, replacing any previous filter. A nil filter delivers
// everything.
func (h *Hub) SetFilter(f Filter) {
	h.l.Lock()
	defer h.l.Unlock()
	h.filter = f
}

// Members returns the addresses currently joined, sorted.
func (h *Hub) Members() []string {
	h.l.Lock()
	defer h.l.Unlock()
	out := make([]string, 0, len(h.members))
	for a := range h.members {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) broadcast(from *Transport, m wire.Message) {
	data, encErr := wire.Encode(m)
	if encErr != nil {
		// Used in tests, so panic at will!
		panic(fmt.Errorf("failed to encode %s message: %w", m.Kind(), encErr))
	}

	h.l.Lock()
	filter := h.filter
	dests := make([]*Transport, 0, len(h.members))
	for _, t := range h.members {
		dests = append(dests, t)
	}
	h.l.Unlock()

	for _, t := range dests {
		if filter != nil && !filter(string(from.addr), string(t.addr), m) {
			continue
		}
		// decode separately for every receiver so nobody shares slices
		dm, decErr := wire.Decode(data)
		if decErr != nil {
			panic(fmt.Errorf("failed to decode %s message: %w", m.Kind(), decErr))
		}
		t.inbound.Push(transport.Envelope{From: from.addr, Message: dm})
	}
}

// Transport is a Hub member.
type Transport struct {
	hub       *Hub
	addr      Addr
	inbound   *queue.Unbounded[transport.Envelope]
	closeOnce sync.Once
	closed    bool
	l         sync.Mutex
}

// Addr returns the address the transport joined with.
func (t *Transport) Addr() Addr {
	return t.addr
}

// Send delivers m to every hub member. It returns false once the transport
// is closed.
func (t *Transport) Send(m wire.Message) bool {
	t.l.Lock()
	closed := t.closed
	t.l.Unlock()
	if closed {
		return false
	}
	t.hub.broadcast(t, m)
	return true
}

// Inbound returns the stream of messages delivered to this transport. The
// channel is closed once the transport is closed.
func (t *Transport) Inbound() <-chan transport.Envelope {
	return t.inbound.Out()
}

// Close detaches the transport from its hub and ends the inbound stream.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.l.Lock()
		t.closed = true
		t.l.Unlock()
		t.hub.l.Lock()
		delete(t.hub.members, string(t.addr))
		t.hub.l.Unlock()
		t.inbound.Stop()
	})
	return nil
}

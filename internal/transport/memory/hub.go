// Package memory links transport endpoints inside one process.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/danmuck/devicelink/internal/transport"
	"github.com/rs/zerolog/log"
)

// Hub is the shared medium endpoints advertise on and discover through.
type Hub struct {
	mu          sync.Mutex
	advertisers map[string]*advertiser
	order       []string
	links       map[*conn]struct{}
}

type advertiser struct {
	ctx    context.Context
	accept func(transport.Conn)
}

func NewHub() *Hub {
	return &Hub{
		advertisers: make(map[string]*advertiser),
		links:       make(map[*conn]struct{}),
	}
}

// Endpoint returns a Transport bound to name on this hub.
func (h *Hub) Endpoint(name string) *Endpoint {
	return &Endpoint{hub: h, name: name}
}

// DropLinks ends every open link as a radio drop would: both sides see
// ErrLinkDropped on their receive callback and further sends fail.
func (h *Hub) DropLinks() int {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.links))
	for c := range h.links {
		conns = append(conns, c)
	}
	h.links = make(map[*conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		c.drop()
	}
	log.Debug().Int("conns", len(conns)).Msg("transport.memory.Hub.DropLinks")
	return len(conns) / 2
}

// Links reports how many connection ends are open.
func (h *Hub) Links() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.links)
}

func (h *Hub) forget(c *conn) {
	h.mu.Lock()
	delete(h.links, c)
	h.mu.Unlock()
}

// Endpoint is one device's view of the hub.
type Endpoint struct {
	hub  *Hub
	name string
}

func (e *Endpoint) Advertise(ctx context.Context, accept func(transport.Conn)) (io.Closer, error) {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.advertisers[e.name]; ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrAdvertising, e.name)
	}
	h.advertisers[e.name] = &advertiser{ctx: ctx, accept: accept}
	h.order = append(h.order, e.name)
	log.Debug().Str("endpoint", e.name).Msg("transport.memory advertise")
	return closerFunc(func() error {
		e.stopAdvertising()
		return nil
	}), nil
}

func (e *Endpoint) stopAdvertising() {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.advertisers, e.name)
	for i, name := range h.order {
		if name == e.name {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Discover returns the earliest advertiser other than this endpoint.
func (e *Endpoint) Discover(ctx context.Context) (transport.Peer, error) {
	if err := ctx.Err(); err != nil {
		return transport.Peer{}, err
	}
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, name := range h.order {
		adv := h.advertisers[name]
		if name == e.name || adv.ctx.Err() != nil {
			continue
		}
		return transport.Peer{ID: name, Addr: "memory://" + name}, nil
	}
	return transport.Peer{}, transport.ErrNoPeer
}

func (e *Endpoint) Connect(ctx context.Context, peer transport.Peer) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := e.hub
	h.mu.Lock()
	adv, ok := h.advertisers[peer.ID]
	if !ok || adv.ctx.Err() != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", transport.ErrNoPeer, peer.ID)
	}
	local := newConn(h, peer)
	remote := newConn(h, transport.Peer{ID: e.name, Addr: "memory://" + e.name})
	local.remote, remote.remote = remote, local
	h.links[local] = struct{}{}
	h.links[remote] = struct{}{}
	accept := adv.accept
	h.mu.Unlock()

	log.Debug().Str("from", e.name).Str("to", peer.ID).Msg("transport.memory connect")
	go accept(remote)
	return local, nil
}

type conn struct {
	hub    *Hub
	peer   transport.Peer
	remote *conn
	inbox  *transport.Inbox

	mu     sync.Mutex
	closed bool
}

func newConn(h *Hub, peer transport.Peer) *conn {
	return &conn{hub: h, peer: peer, inbox: transport.NewInbox()}
}

func (c *conn) Peer() transport.Peer { return c.peer }

func (c *conn) Send(msg []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if !c.remote.deliver(msg) {
		return transport.ErrClosed
	}
	return nil
}

func (c *conn) deliver(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	c.inbox.Push(cp)
	return true
}

func (c *conn) OnReceive(fn func([]byte, error)) {
	c.inbox.SetHandler(fn)
}

func (c *conn) Close() error {
	first := c.markClosed()
	c.inbox.Stop()
	if !first {
		return nil
	}
	c.hub.forget(c)
	if c.remote.markClosed() {
		c.hub.forget(c.remote)
		c.remote.inbox.End(transport.ErrClosed)
	}
	return nil
}

func (c *conn) drop() {
	if c.markClosed() {
		c.inbox.End(transport.ErrLinkDropped)
	}
}

func (c *conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

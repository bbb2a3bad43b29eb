// Package loopback is an in-process ports.Transport. Endpoints created on the
// same Network reach each other by peer id; every endpoint delivers its
// events through an unbounded queue so senders never block on receivers.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"
	"beamdrop/pkg/queue"
)

type Network struct {
	mu        sync.Mutex
	endpoints map[domain.PeerID]*Endpoint
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[domain.PeerID]*Endpoint)}
}

// Endpoint registers id on the network. An existing open endpoint with the
// same id is replaced.
func (n *Network) Endpoint(id domain.PeerID) *Endpoint {
	ep := &Endpoint{
		network: n,
		id:      id,
		queue:   queue.NewUnbounded[ports.TransportEvent](),
		ready:   make(chan struct{}),
	}
	close(ep.ready)

	n.mu.Lock()
	n.endpoints[id] = ep
	n.mu.Unlock()
	return ep
}

func (n *Network) lookup(id domain.PeerID) (*Endpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[id]
	return ep, ok
}

func (n *Network) remove(ep *Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[ep.id] == ep {
		delete(n.endpoints, ep.id)
	}
}

type Endpoint struct {
	network *Network
	id      domain.PeerID
	queue   *queue.Unbounded[ports.TransportEvent]
	ready   chan struct{}

	mu     sync.Mutex
	conns  []*Conn
	closed bool
}

func (e *Endpoint) LocalID() domain.PeerID { return e.id }

func (e *Endpoint) Ready() <-chan struct{} { return e.ready }

func (e *Endpoint) Events() <-chan ports.TransportEvent { return e.queue.Out() }

// Connect pairs a connection with the remote endpoint. Failure to reach the
// remote is reported as an EventErrored, as a real transport would.
func (e *Endpoint) Connect(ctx context.Context, remoteID domain.PeerID) (ports.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	local := &Conn{owner: e, remote: remoteID, outbound: true}
	if !e.add(local) {
		return nil, domain.ErrTransportClosed
	}

	remote, ok := e.network.lookup(remoteID)
	if !ok || remote == e {
		e.emit(ports.TransportEvent{
			Kind: ports.EventErrored,
			Conn: local,
			Err:  fmt.Errorf("%w: peer %s unavailable", domain.ErrTransportConnect, remoteID),
		})
		local.markClosed()
		return local, nil
	}

	peer := &Conn{owner: remote, remote: e.id, outbound: false}
	if !remote.add(peer) {
		e.emit(ports.TransportEvent{
			Kind: ports.EventErrored,
			Conn: local,
			Err:  fmt.Errorf("%w: peer %s closed", domain.ErrTransportConnect, remoteID),
		})
		local.markClosed()
		return local, nil
	}

	local.peer, peer.peer = peer, local
	local.setOpen()
	peer.setOpen()
	remote.emit(ports.TransportEvent{Kind: ports.EventIncoming, Conn: peer})
	remote.emit(ports.TransportEvent{Kind: ports.EventOpened, Conn: peer})
	e.emit(ports.TransportEvent{Kind: ports.EventOpened, Conn: local})
	return local, nil
}

// Connection returns the most recent connection to remoteID.
func (e *Endpoint) Connection(remoteID domain.PeerID) (*Conn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.conns) - 1; i >= 0; i-- {
		if e.conns[i].remote == remoteID {
			return e.conns[i], true
		}
	}
	return nil, false
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conns := e.conns
	e.conns = nil
	e.mu.Unlock()

	e.network.remove(e)
	for _, c := range conns {
		_ = c.Close()
	}
	e.queue.Close()
	return nil
}

func (e *Endpoint) add(c *Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.conns = append(e.conns, c)
	return true
}

func (e *Endpoint) emit(ev ports.TransportEvent) {
	e.queue.Push(ev)
}

// Conn is one side of a loopback connection.
type Conn struct {
	owner    *Endpoint
	remote   domain.PeerID
	outbound bool
	peer     *Conn

	mu        sync.Mutex
	open      bool
	closed    bool
	sendErr   error
	sentCount int
}

func (c *Conn) ID() domain.PeerID { return c.remote }

func (c *Conn) Outbound() bool { return c.outbound }

func (c *Conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

// Send delivers a copy of data to the peer as one EventData.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	if c.closed || !c.open {
		c.mu.Unlock()
		return fmt.Errorf("%w: connection to %s closed", domain.ErrTransportSend, c.remote)
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sentCount++
	peer := c.peer
	c.mu.Unlock()

	msg := make([]byte, len(data))
	copy(msg, data)
	peer.owner.emit(ports.TransportEvent{Kind: ports.EventData, Conn: peer, Data: msg})
	return nil
}

// Sent reports how many messages were sent successfully.
func (c *Conn) Sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentCount
}

// BreakSends makes every later Send fail with err while leaving the
// connection open.
func (c *Conn) BreakSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Close closes both sides; each endpoint sees an EventClosed.
func (c *Conn) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.owner.emit(ports.TransportEvent{Kind: ports.EventClosed, Conn: c})
	if c.peer != nil && c.peer.markClosed() {
		c.peer.owner.emit(ports.TransportEvent{Kind: ports.EventClosed, Conn: c.peer})
	}
	return nil
}

func (c *Conn) setOpen() {
	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
}

func (c *Conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

var _ ports.Transport = (*Endpoint)(nil)

package webrtc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

const (
	bufferHighWater = 1 << 20
	bufferLowWater  = 256 << 10
)

// peerConn is one data channel connection. Its lifecycle events go to the
// owning transport's queue.
type peerConn struct {
	transport *Transport
	remote    domain.PeerID
	outbound  bool
	pc        *webrtc.PeerConnection

	mu       sync.Mutex
	dc       *webrtc.DataChannel
	announce bool // EventIncoming sent
	opened   bool

	open      atomic.Bool
	finished  atomic.Bool
	done      chan struct{}
	bufferLow chan struct{}

	sendMu    sync.Mutex
	nextMsgID uint32
	inbound   reassembler
}

func newPeerConn(t *Transport, remote domain.PeerID, outbound bool, pc *webrtc.PeerConnection) *peerConn {
	c := &peerConn{
		transport: t,
		remote:    remote,
		outbound:  outbound,
		pc:        pc,
		done:      make(chan struct{}),
		bufferLow: make(chan struct{}, 1),
		inbound:   reassembler{maxMessage: t.config.MaxMessageSize},
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debugw("peer connection state changed", "peer_id", remote, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			c.finish(fmt.Errorf("%w: ice failed with %s", domain.ErrTransportConnect, remote))
		case webrtc.PeerConnectionStateClosed:
			c.finish(nil)
		}
	})
	return c
}

func (c *peerConn) ID() domain.PeerID { return c.remote }

func (c *peerConn) Outbound() bool { return c.outbound }

func (c *peerConn) Open() bool { return c.open.Load() }

// attach wires dc as this connection's data channel.
func (c *peerConn) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	announce := !c.outbound && !c.announce
	c.announce = true
	c.mu.Unlock()

	if announce {
		c.transport.emit(ports.TransportEvent{Kind: ports.EventIncoming, Conn: c})
	}

	dc.SetBufferedAmountLowThreshold(bufferLowWater)
	dc.OnBufferedAmountLow(func() {
		select {
		case c.bufferLow <- struct{}{}:
		default:
		}
	})

	dc.OnOpen(func() {
		if c.finished.Load() {
			return
		}
		c.mu.Lock()
		c.opened = true
		c.mu.Unlock()
		c.open.Store(true)
		c.transport.logger.Infow("data channel open", "peer_id", c.remote, "outbound", c.outbound)
		c.transport.emit(ports.TransportEvent{Kind: ports.EventOpened, Conn: c})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data, complete, err := c.inbound.add(msg.Data)
		if err != nil {
			c.transport.logger.Warnw("dropping malformed frame", "peer_id", c.remote, "error", err)
			return
		}
		if complete {
			c.transport.emit(ports.TransportEvent{Kind: ports.EventData, Conn: c, Data: data})
		}
	})

	dc.OnClose(func() {
		c.finish(nil)
	})
}

// Send frames data and writes it in order. It blocks while the channel's
// send buffer is above the high-water mark.
func (c *peerConn) Send(data []byte) error {
	if !c.open.Load() {
		return fmt.Errorf("%w: connection to %s is not open", domain.ErrTransportSend, c.remote)
	}

	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.nextMsgID++
	for _, frame := range splitFrames(c.nextMsgID, data, c.transport.config.MaxFrameSize) {
		if err := c.waitForBuffer(dc); err != nil {
			return err
		}
		if err := dc.Send(frame); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrTransportSend, err)
		}
	}
	return nil
}

func (c *peerConn) waitForBuffer(dc *webrtc.DataChannel) error {
	timeout := time.NewTimer(c.transport.config.ConnectTimeout)
	defer timeout.Stop()

	for dc.BufferedAmount() > bufferHighWater {
		select {
		case <-c.bufferLow:
		case <-c.done:
			return fmt.Errorf("%w: connection to %s closed", domain.ErrTransportSend, c.remote)
		case <-timeout.C:
			return fmt.Errorf("%w: send buffer to %s did not drain", domain.ErrTransportSend, c.remote)
		}
	}
	return nil
}

func (c *peerConn) Close() error {
	c.finish(nil)
	return nil
}

// finish tears the connection down once. A connection that never opened
// reports cause as EventErrored; anything else reports EventClosed. Inbound
// connections the node never heard of end silently.
func (c *peerConn) finish(cause error) {
	if !c.finished.CompareAndSwap(false, true) {
		return
	}
	c.open.Store(false)
	close(c.done)

	c.mu.Lock()
	opened, announced, dc := c.opened, c.announce, c.dc
	c.mu.Unlock()

	switch {
	case opened || (!c.outbound && announced):
		c.transport.emit(ports.TransportEvent{Kind: ports.EventClosed, Conn: c})
	case c.outbound:
		if cause == nil {
			cause = fmt.Errorf("%w: connection to %s closed before opening", domain.ErrTransportConnect, c.remote)
		}
		c.transport.emit(ports.TransportEvent{Kind: ports.EventErrored, Conn: c, Err: cause})
	}

	c.transport.forget(c)

	// Closing from inside a pion callback can deadlock.
	go func() {
		if dc != nil {
			_ = dc.Close()
		}
		if err := c.pc.Close(); err != nil {
			c.transport.logger.Debugw("error closing peer connection", "peer_id", c.remote, "error", err)
		}
	}()
}

var _ ports.Connection = (*peerConn)(nil)

// Package webrtc carries protocol messages over WebRTC data channels,
// rendezvousing through the signaling broker. Connections use vanilla ICE:
// every candidate is gathered before the offer or answer is published, so
// one round trip through the broker establishes a connection.
package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"
	"beamdrop/internal/infrastructure/signal"
	"beamdrop/pkg/queue"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Signaler exchanges connection offers with other peers.
type Signaler interface {
	PeerID() domain.PeerID
	Send(msg *signal.Message) error
	// Messages is closed when the broker connection ends.
	Messages() <-chan *signal.Message
	Close() error
}

type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	ChannelLabel   string
	MaxFrameSize   int
	MaxMessageSize int64
	// ConnectTimeout bounds gathering, the answer wait and stalled sends.
	ConnectTimeout time.Duration
}

// connKey separates the two directions so simultaneous offers between the
// same pair of peers do not clobber each other.
type connKey struct {
	peer     domain.PeerID
	outbound bool
}

// Transport implements ports.Transport on pion/webrtc.
type Transport struct {
	signaler Signaler
	config   Config
	api      *webrtc.API
	events   *queue.Unbounded[ports.TransportEvent]

	mu    sync.Mutex
	conns map[connKey]*peerConn

	ready     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	logger *zap.SugaredLogger
}

// NewTransport starts serving offers from signaler, which must already be
// registered with the broker.
func NewTransport(signaler Signaler, config Config, logger *zap.SugaredLogger) (*Transport, error) {
	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	t := &Transport{
		signaler: signaler,
		config:   config,
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		events:   queue.NewUnbounded[ports.TransportEvent](),
		conns:    make(map[connKey]*peerConn),
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
		logger:   logger,
	}

	go t.signalLoop()
	close(t.ready)
	return t, nil
}

func (t *Transport) LocalID() domain.PeerID { return t.signaler.PeerID() }

func (t *Transport) Ready() <-chan struct{} { return t.ready }

func (t *Transport) Events() <-chan ports.TransportEvent { return t.events.Out() }

func (t *Transport) emit(ev ports.TransportEvent) {
	t.events.Push(ev)
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *Transport) newPeerConnection() (*webrtc.PeerConnection, error) {
	return t.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: t.config.ICEServers,
	})
}

// Connect offers a data channel to remoteID. The outcome arrives later as
// EventOpened or EventErrored.
func (t *Transport) Connect(ctx context.Context, remoteID domain.PeerID) (ports.Connection, error) {
	if t.isClosed() {
		return nil, domain.ErrTransportClosed
	}
	if remoteID == t.LocalID() {
		return nil, fmt.Errorf("%w: cannot connect to self", domain.ErrTransportConnect)
	}

	pc, err := t.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("%w: creating peer connection: %v", domain.ErrTransportConnect, err)
	}
	ordered := true
	dc, err := pc.CreateDataChannel(t.config.ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("%w: creating data channel: %v", domain.ErrTransportConnect, err)
	}

	conn := newPeerConn(t, remoteID, true, pc)
	conn.attach(dc)
	t.track(conn)

	go t.offer(conn)
	return conn, nil
}

func (t *Transport) offer(conn *peerConn) {
	pc := conn.pc
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		conn.finish(fmt.Errorf("%w: creating offer: %v", domain.ErrTransportConnect, err))
		return
	}
	if err := t.publishLocal(conn, offer, signal.TypeOffer); err != nil {
		conn.finish(err)
		return
	}
	t.logger.Infow("offer sent", "peer_id", conn.remote)

	timer := time.NewTimer(t.config.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		if !conn.Open() {
			conn.finish(fmt.Errorf("%w: %s did not answer within %s", domain.ErrTransportConnect, conn.remote, t.config.ConnectTimeout))
		}
	case <-conn.done:
	case <-t.closed:
	}
}

// publishLocal sets desc locally, waits for candidate gathering and sends
// the complete description to the remote peer.
func (t *Transport) publishLocal(conn *peerConn, desc webrtc.SessionDescription, msgType signal.MessageType) error {
	gathered := webrtc.GatheringCompletePromise(conn.pc)
	if err := conn.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("%w: setting local description: %v", domain.ErrTransportConnect, err)
	}

	timer := time.NewTimer(t.config.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		return fmt.Errorf("%w: candidate gathering timed out", domain.ErrTransportConnect)
	case <-conn.done:
		return fmt.Errorf("%w: connection closed", domain.ErrTransportConnect)
	}

	payload, err := json.Marshal(conn.pc.LocalDescription())
	if err != nil {
		return fmt.Errorf("%w: encoding description: %v", domain.ErrTransportConnect, err)
	}
	if err := t.signaler.Send(&signal.Message{Type: msgType, TargetPeer: conn.remote, Payload: payload}); err != nil {
		return fmt.Errorf("%w: signaling: %v", domain.ErrTransportConnect, err)
	}
	return nil
}

func (t *Transport) signalLoop() {
	for msg := range t.signaler.Messages() {
		if t.isClosed() {
			return
		}
		switch msg.Type {
		case signal.TypeOffer:
			go t.handleOffer(msg)
		case signal.TypeAnswer:
			t.handleAnswer(msg)
		case signal.TypeICECandidate:
			t.handleCandidate(msg)
		case signal.TypePeerUnavailable:
			t.handleUnavailable(msg.PeerID)
		default:
			t.logger.Debugw("ignoring signaling message", "type", msg.Type, "peer_id", msg.PeerID)
		}
	}
	if !t.isClosed() {
		t.logger.Warnw("signaling connection lost, new connections are unavailable")
	}
}

func (t *Transport) handleOffer(msg *signal.Message) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Payload, &offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
		t.logger.Warnw("invalid offer", "peer_id", msg.PeerID, "error", err)
		return
	}

	pc, err := t.newPeerConnection()
	if err != nil {
		t.logger.Errorw("failed to create peer connection", "peer_id", msg.PeerID, "error", err)
		return
	}
	conn := newPeerConn(t, msg.PeerID, false, pc)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != t.config.ChannelLabel {
			t.logger.Debugw("ignoring data channel", "peer_id", msg.PeerID, "label", dc.Label())
			return
		}
		conn.attach(dc)
	})
	t.track(conn)

	if err := pc.SetRemoteDescription(offer); err != nil {
		t.logger.Warnw("failed to apply offer", "peer_id", msg.PeerID, "error", err)
		conn.finish(nil)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		t.logger.Warnw("failed to create answer", "peer_id", msg.PeerID, "error", err)
		conn.finish(nil)
		return
	}
	if err := t.publishLocal(conn, answer, signal.TypeAnswer); err != nil {
		t.logger.Warnw("failed to answer offer", "peer_id", msg.PeerID, "error", err)
		conn.finish(nil)
		return
	}
	t.logger.Infow("answered offer", "peer_id", msg.PeerID)
}

func (t *Transport) handleAnswer(msg *signal.Message) {
	conn, ok := t.lookup(msg.PeerID, true)
	if !ok {
		t.logger.Debugw("answer for unknown connection", "peer_id", msg.PeerID)
		return
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Payload, &answer); err != nil {
		conn.finish(fmt.Errorf("%w: invalid answer: %v", domain.ErrTransportConnect, err))
		return
	}
	if err := conn.pc.SetRemoteDescription(answer); err != nil {
		conn.finish(fmt.Errorf("%w: applying answer: %v", domain.ErrTransportConnect, err))
	}
}

// handleCandidate accepts trickled candidates from peers that send them.
func (t *Transport) handleCandidate(msg *signal.Message) {
	conn, ok := t.lookup(msg.PeerID, true)
	if !ok || conn.Open() {
		if conn, ok = t.lookup(msg.PeerID, false); !ok {
			return
		}
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
		t.logger.Debugw("invalid candidate", "peer_id", msg.PeerID, "error", err)
		return
	}
	if err := conn.pc.AddICECandidate(candidate); err != nil {
		t.logger.Debugw("failed to add candidate", "peer_id", msg.PeerID, "error", err)
	}
}

func (t *Transport) handleUnavailable(peerID domain.PeerID) {
	conn, ok := t.lookup(peerID, true)
	if !ok || conn.Open() {
		return
	}
	conn.finish(fmt.Errorf("%w: peer %s is not registered with the broker", domain.ErrTransportConnect, peerID))
}

// track makes conn the target for signaling from its remote peer.
func (t *Transport) track(conn *peerConn) {
	t.mu.Lock()
	previous := t.conns[connKey{conn.remote, conn.outbound}]
	t.conns[connKey{conn.remote, conn.outbound}] = conn
	t.mu.Unlock()

	if previous != nil && !previous.Open() {
		previous.finish(fmt.Errorf("%w: superseded by a new attempt", domain.ErrTransportConnect))
	}
}

func (t *Transport) forget(conn *peerConn) {
	t.mu.Lock()
	key := connKey{conn.remote, conn.outbound}
	if t.conns[key] == conn {
		delete(t.conns, key)
	}
	t.mu.Unlock()
}

func (t *Transport) lookup(peerID domain.PeerID, outbound bool) (*peerConn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.conns[connKey{peerID, outbound}]
	return conn, ok
}

// Close tears down every connection, leaves the broker and closes Events.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)

		t.mu.Lock()
		conns := make([]*peerConn, 0, len(t.conns))
		for _, c := range t.conns {
			conns = append(conns, c)
		}
		t.mu.Unlock()

		for _, c := range conns {
			c.finish(nil)
		}
		if err := t.signaler.Close(); err != nil {
			t.logger.Debugw("error closing signaler", "error", err)
		}
		t.events.Close()
	})
	return nil
}

var _ ports.Transport = (*Transport)(nil)

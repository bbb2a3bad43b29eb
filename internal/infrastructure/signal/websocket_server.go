package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"
	apperrors "beamdrop/pkg/errors"
	"beamdrop/pkg/tracing"
	"beamdrop/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Relay forwards a message to the broker instance that holds its target.
type Relay interface {
	Publish(ctx context.Context, instanceID string, payload []byte) error
}

// Metrics observes broker activity.
type Metrics interface {
	PeerRegistered()
	PeerUnregistered()
	MessageRouted(msgType, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) PeerRegistered()              {}
func (nopMetrics) PeerUnregistered()            {}
func (nopMetrics) MessageRouted(string, string) {}

type ServerConfig struct {
	InstanceID   string
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	PresenceTTL  time.Duration

	// Per-connection message limit; zero disables it.
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
}

type peerConn struct {
	id           domain.PeerID
	ws           *websocket.Conn
	limiter      *rate.Limiter
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (p *peerConn) send(msg *Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.ws.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	return p.ws.WriteJSON(msg)
}

func (p *peerConn) ping() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.writeTimeout))
}

// WebSocketServer is the rendezvous broker. Peers register under an id and
// exchange connection offers, answers and candidates through it.
type WebSocketServer struct {
	presence ports.PresenceRepository
	tokens   ports.TokenService
	relay    Relay
	metrics  Metrics
	config   ServerConfig

	connections map[domain.PeerID]*peerConn
	mu          sync.RWMutex

	logger *zap.SugaredLogger
}

// NewWebSocketServer builds a broker. tokens and relay may be nil: without
// tokens ids cannot be taken over, without a relay only local peers are
// reachable.
func NewWebSocketServer(
	presence ports.PresenceRepository,
	tokens ports.TokenService,
	relay Relay,
	metrics Metrics,
	config ServerConfig,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &WebSocketServer{
		presence:    presence,
		tokens:      tokens,
		relay:       relay,
		metrics:     metrics,
		config:      config,
		connections: make(map[domain.PeerID]*peerConn),
		logger:      logger,
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	peerID := domain.PeerID(r.URL.Query().Get("peer_id"))
	if err := validation.ValidatePeerID(string(peerID)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	takeover := false
	if token := r.URL.Query().Get("token"); token != "" && s.tokens != nil {
		owner, err := s.tokens.ValidatePeerToken(token)
		if err != nil || owner != peerID {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		takeover = true
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "peer_id", peerID, "error", err)
		return
	}
	defer ws.Close()
	if s.config.MaxMessageSize > 0 {
		ws.SetReadLimit(s.config.MaxMessageSize)
	}

	conn := &peerConn{
		id:           peerID,
		ws:           ws,
		writeTimeout: s.config.WriteTimeout,
	}
	if s.config.MessagesPerSecond > 0 {
		conn.limiter = rate.NewLimiter(rate.Limit(s.config.MessagesPerSecond), s.config.Burst)
	}

	ctx := r.Context()
	if err := s.register(ctx, conn, takeover); err != nil {
		if errors.Is(err, domain.ErrPeerIDTaken) {
			s.logger.Infow("peer id already registered", "peer_id", peerID)
			_ = conn.send(&Message{Type: TypeIDTaken, PeerID: peerID})
		} else {
			s.logger.Errorw("failed to register peer", "peer_id", peerID, "error", err)
			_ = conn.send(&Message{Type: TypeError, Error: "registration failed"})
		}
		return
	}
	defer s.unregister(conn)

	if err := conn.send(s.openMessage(peerID)); err != nil {
		s.logger.Infow("failed to confirm registration", "peer_id", peerID, "error", err)
		return
	}
	s.logger.Infow("peer registered", "peer_id", peerID, "takeover", takeover)

	ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
		if err := s.presence.Refresh(context.Background(), peerID, s.config.InstanceID, s.config.PresenceTTL); err != nil {
			s.logger.Warnw("failed to refresh presence", "peer_id", peerID, "error", err)
		}
		return nil
	})

	pingTicker := time.NewTicker(s.config.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Message, 16)
	errorChan := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)

	go func() {
		for {
			var msg Message
			if err := ws.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
			select {
			case messageChan <- msg:
			case <-quit:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if msg.Type == TypeLeave {
				s.logger.Infow("peer left", "peer_id", peerID)
				return
			}
			if err := s.handleMessage(ctx, conn, &msg); err != nil {
				s.logger.Infow("error handling message from peer", "peer_id", peerID, "error", err)
				_ = conn.send(&Message{Type: TypeError, Error: err.Error()})
			}

		case <-pingTicker.C:
			if err := conn.ping(); err != nil {
				s.logger.Infow("error sending ping", "peer_id", peerID, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", peerID, "error", err)
			}
			return
		}
	}
}

func (s *WebSocketServer) openMessage(peerID domain.PeerID) *Message {
	msg := &Message{Type: TypeOpen, PeerID: peerID}
	if s.tokens == nil {
		return msg
	}
	token, expiresAt, err := s.tokens.IssuePeerToken(peerID)
	if err != nil {
		s.logger.Warnw("failed to issue reconnect token", "peer_id", peerID, "error", err)
		return msg
	}
	msg.Payload, _ = json.Marshal(OpenPayload{Token: token, ExpiresAt: expiresAt})
	return msg
}

func (s *WebSocketServer) register(ctx context.Context, conn *peerConn, takeover bool) error {
	err := s.presence.Register(ctx, conn.id, s.config.InstanceID, s.config.PresenceTTL)
	if errors.Is(err, domain.ErrPeerIDTaken) && takeover {
		err = s.presence.Takeover(ctx, conn.id, s.config.InstanceID, s.config.PresenceTTL)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	previous := s.connections[conn.id]
	s.connections[conn.id] = conn
	s.mu.Unlock()

	if previous != nil {
		s.logger.Infow("closing replaced connection", "peer_id", conn.id)
		previous.ws.Close()
	}
	s.metrics.PeerRegistered()
	return nil
}

func (s *WebSocketServer) unregister(conn *peerConn) {
	s.mu.Lock()
	current := s.connections[conn.id] == conn
	if current {
		delete(s.connections, conn.id)
	}
	s.mu.Unlock()

	if !current {
		return
	}
	if err := s.presence.Unregister(context.Background(), conn.id, s.config.InstanceID); err != nil {
		s.logger.Warnw("failed to remove presence", "peer_id", conn.id, "error", err)
	}
	s.metrics.PeerUnregistered()
	s.logger.Infow("peer disconnected", "peer_id", conn.id)
}

func (s *WebSocketServer) handleMessage(ctx context.Context, from *peerConn, msg *Message) error {
	if from.limiter != nil && !from.limiter.Allow() {
		s.metrics.MessageRouted(string(msg.Type), "rate_limited")
		return fmt.Errorf("rate limit exceeded")
	}
	if !msg.relayed() {
		s.metrics.MessageRouted(string(msg.Type), "rejected")
		return fmt.Errorf("unknown message type: %q", msg.Type)
	}
	if msg.TargetPeer == "" {
		s.metrics.MessageRouted(string(msg.Type), "rejected")
		return fmt.Errorf("target_peer is required")
	}

	ctx, span := tracing.TraceWebSocketMessage(ctx, string(msg.Type), string(from.id))
	defer span.End()

	msg.PeerID = from.id
	outcome, err := s.route(ctx, msg)
	span.SetAttributes(tracing.SignalRouteKey.String(outcome))
	tracing.RecordError(ctx, err)
	s.metrics.MessageRouted(string(msg.Type), outcome)

	if outcome == "unavailable" {
		s.logger.Debugw("target peer unavailable", "from_peer", from.id, "to_peer", msg.TargetPeer)
		return from.send(&Message{Type: TypePeerUnavailable, PeerID: msg.TargetPeer})
	}
	return err
}

// route delivers msg locally or through the relay. It returns the outcome
// label used for metrics.
func (s *WebSocketServer) route(ctx context.Context, msg *Message) (string, error) {
	if s.deliverLocal(msg) {
		s.logger.Debugw("routed message", "type", msg.Type, "from_peer", msg.PeerID, "to_peer", msg.TargetPeer)
		return "delivered", nil
	}

	instanceID, err := s.presence.Lookup(ctx, msg.TargetPeer)
	if err != nil || instanceID == s.config.InstanceID || s.relay == nil {
		return "unavailable", nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "failed", err
	}
	if err := s.relay.Publish(ctx, instanceID, data); err != nil {
		return "failed", fmt.Errorf("relay to %s: %w", instanceID, err)
	}
	s.logger.Debugw("relayed message", "type", msg.Type, "to_peer", msg.TargetPeer, "instance_id", instanceID)
	return "relayed", nil
}

func (s *WebSocketServer) deliverLocal(msg *Message) bool {
	s.mu.RLock()
	target, ok := s.connections[msg.TargetPeer]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if err := target.send(msg); err != nil {
		s.logger.Infow("failed to deliver message", "to_peer", msg.TargetPeer, "error", err)
		return false
	}
	return true
}

// DeliverRelayed handles a message published by another broker instance.
func (s *WebSocketServer) DeliverRelayed(payload []byte) error {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("invalid relayed message: %w", err)
	}
	if !msg.relayed() {
		return fmt.Errorf("unexpected relayed message type %q", msg.Type)
	}
	if !s.deliverLocal(&msg) {
		s.metrics.MessageRouted(string(msg.Type), "unavailable")
		return fmt.Errorf("peer %s not connected to this instance", msg.TargetPeer)
	}
	s.metrics.MessageRouted(string(msg.Type), "delivered")
	return nil
}

// IssueToken reserves a free peer id for the caller: the returned token lets
// them register it, and later take it over from a stale session.
func (s *WebSocketServer) IssueToken(c *gin.Context) {
	if s.tokens == nil {
		c.Error(apperrors.NewServiceUnavailableError("token issuing is disabled"))
		return
	}
	peerID := domain.PeerID(c.Param("id"))
	if err := validation.ValidatePeerID(string(peerID)); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	_, err := s.presence.Lookup(c.Request.Context(), peerID)
	switch {
	case err == nil:
		c.Error(apperrors.NewConflictError("peer id is in use"))
		return
	case !errors.Is(err, domain.ErrPeerNotFound):
		c.Error(apperrors.Wrap(err, apperrors.ErrCodeInternal, "presence lookup failed"))
		return
	}

	token, expiresAt, err := s.tokens.IssuePeerToken(peerID)
	if err != nil {
		c.Error(apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to issue token"))
		return
	}
	c.JSON(http.StatusCreated, TokenResponse{PeerID: peerID, Token: token, ExpiresAt: expiresAt})
}

func (s *WebSocketServer) ConnectedPeers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *WebSocketServer) IsPeerConnected(peerID domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.connections[peerID]
	return exists
}

// CloseAll disconnects every peer.
func (s *WebSocketServer) CloseAll() {
	s.mu.RLock()
	conns := make([]*peerConn, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(c.writeTimeout))
		c.writeMu.Unlock()
		c.ws.Close()
	}
}

var _ ports.SignalingHandler = (*WebSocketServer)(nil)

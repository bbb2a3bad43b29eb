package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"
	"beamdrop/internal/protocol"
	"beamdrop/pkg/utils"
	"beamdrop/pkg/validation"

	"go.uber.org/zap"
)

type HandshakeState int

const (
	HandshakeConnecting HandshakeState = iota
	HandshakeAwaiting
	HandshakeEstablished
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeConnecting:
		return "connecting"
	case HandshakeAwaiting:
		return "awaiting_handshake"
	case HandshakeEstablished:
		return "established"
	default:
		return "unknown"
	}
}

type trackedConn struct {
	state HandshakeState
	since time.Time
}

// HandshakeService turns open connections into named devices. It is not safe
// for concurrent use; the session node calls it from its event loop.
type HandshakeService struct {
	local   protocol.Handshake
	devices ports.DeviceRepository
	metrics ports.MetricsRecorder
	now     func() time.Time
	logger  *zap.SugaredLogger

	conns  map[ports.Connection]*trackedConn
	active map[domain.PeerID]ports.Connection
}

func NewHandshakeService(
	displayName string,
	kind domain.DeviceKind,
	devices ports.DeviceRepository,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *HandshakeService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &HandshakeService{
		local:   protocol.Handshake{Name: displayName, Type: kind},
		devices: devices,
		metrics: metrics,
		now:     time.Now,
		logger:  logger,
		conns:   make(map[ports.Connection]*trackedConn),
		active:  make(map[domain.PeerID]ports.Connection),
	}
}

// Track starts following conn. Calling it again for the same connection is a no-op.
func (s *HandshakeService) Track(conn ports.Connection) {
	s.track(conn)
}

func (s *HandshakeService) track(conn ports.Connection) *trackedConn {
	tc, ok := s.conns[conn]
	if !ok {
		tc = &trackedConn{state: HandshakeConnecting, since: s.now()}
		s.conns[conn] = tc
	}
	return tc
}

func (s *HandshakeService) State(conn ports.Connection) (HandshakeState, bool) {
	tc, ok := s.conns[conn]
	if !ok {
		return 0, false
	}
	return tc.state, true
}

// OnOpened announces the local device as soon as conn can carry data.
func (s *HandshakeService) OnOpened(ctx context.Context, conn ports.Connection) error {
	tc := s.track(conn)

	data, err := protocol.EncodeHandshake(s.local.Name, s.local.Type)
	if err != nil {
		return err
	}
	if err := conn.Send(data); err != nil {
		return fmt.Errorf("%w: handshake to %s: %v", domain.ErrTransportSend, conn.ID(), err)
	}
	if tc.state == HandshakeConnecting {
		tc.state = HandshakeAwaiting
	}
	s.logger.Debugw("handshake sent", "peer_id", conn.ID(), "outbound", conn.Outbound())
	return nil
}

// OnHandshake records the remote device. A repeated handshake on a known id
// never creates a second entry; an Offline device is brought back Online.
func (s *HandshakeService) OnHandshake(ctx context.Context, conn ports.Connection, hs *protocol.Handshake) (*domain.Device, error) {
	tc := s.track(conn)
	id := conn.ID()
	now := s.now()

	device, err := s.devices.GetByID(ctx, id)
	switch {
	case errors.Is(err, domain.ErrDeviceNotFound):
		device = &domain.Device{
			ID:          id,
			DisplayName: displayName(hs.Name),
			Kind:        hs.Type,
			Liveness:    domain.LivenessOnline,
			FirstSeen:   now,
			ConnectedAt: now,
			LastSeen:    now,
		}
		if err := s.devices.Add(ctx, device); err != nil {
			return nil, fmt.Errorf("add device %s: %w", id, err)
		}
		s.metrics.DeviceConnected(device.Kind)
		s.logger.Infow("device connected",
			"device_id", id,
			"name", device.DisplayName,
			"kind", device.Kind,
		)

	case err != nil:
		return nil, fmt.Errorf("get device %s: %w", id, err)

	case !device.Online():
		if err := s.devices.SetLiveness(ctx, id, domain.LivenessOnline, now); err != nil {
			return nil, fmt.Errorf("mark device %s online: %w", id, err)
		}
		s.metrics.DeviceConnected(device.Kind)
		s.logger.Infow("device reconnected", "device_id", id, "name", device.DisplayName)

	default:
		if current, ok := s.active[id]; ok && current != conn {
			s.logger.Infow("device switched connection", "device_id", id)
		} else {
			s.logger.Debugw("duplicate handshake ignored", "device_id", id)
		}
	}

	tc.state = HandshakeEstablished
	s.active[id] = conn
	return device, nil
}

// OnClosed forgets conn. If it was the device's current connection the
// device goes Offline; the entry itself is kept.
func (s *HandshakeService) OnClosed(ctx context.Context, conn ports.Connection) (*domain.Device, bool) {
	delete(s.conns, conn)

	id := conn.ID()
	if current, ok := s.active[id]; !ok || current != conn {
		return nil, false
	}
	delete(s.active, id)

	device, err := s.devices.GetByID(ctx, id)
	if err != nil {
		return nil, false
	}
	if err := s.devices.SetLiveness(ctx, id, domain.LivenessOffline, s.now()); err != nil {
		s.logger.Errorw("failed to mark device offline", "device_id", id, "error", err)
		return nil, false
	}
	s.metrics.DeviceDisconnected(device.Kind)
	s.logger.Infow("device disconnected", "device_id", id, "name", device.DisplayName)
	return device, true
}

// OnErrored drops connections that fail before the handshake completes.
// Errors on established connections are logged; the transport follows up
// with a close event if the channel is gone.
func (s *HandshakeService) OnErrored(ctx context.Context, conn ports.Connection, cause error) {
	tc, tracked := s.conns[conn]
	if tracked && tc.state == HandshakeEstablished {
		s.logger.Warnw("connection error", "peer_id", conn.ID(), "error", cause)
		return
	}

	s.logger.Errorw("connection failed before handshake",
		"peer_id", conn.ID(),
		"outbound", conn.Outbound(),
		"error", cause,
	)
	delete(s.conns, conn)
	if err := conn.Close(); err != nil {
		s.logger.Debugw("close after error failed", "peer_id", conn.ID(), "error", err)
	}
}

// Connection returns the open connection of an Online device.
func (s *HandshakeService) Connection(id domain.PeerID) (ports.Connection, bool) {
	conn, ok := s.active[id]
	if !ok || !conn.Open() {
		return nil, false
	}
	return conn, true
}

// ExpirePending closes connections that have not completed the handshake
// within timeout.
func (s *HandshakeService) ExpirePending(timeout time.Duration) []ports.Connection {
	if timeout <= 0 {
		return nil
	}
	now := s.now()
	var expired []ports.Connection
	for conn, tc := range s.conns {
		if tc.state == HandshakeEstablished || now.Sub(tc.since) < timeout {
			continue
		}
		expired = append(expired, conn)
		delete(s.conns, conn)
		s.logger.Warnw("dropping connection",
			"peer_id", conn.ID(),
			"state", tc.state.String(),
			"error", domain.ErrHandshakeTimeout,
		)
		_ = conn.Close()
	}
	return expired
}

// CloseAll closes every tracked connection.
func (s *HandshakeService) CloseAll() {
	for conn := range s.conns {
		_ = conn.Close()
	}
	for _, conn := range s.active {
		_ = conn.Close()
	}
	s.conns = make(map[ports.Connection]*trackedConn)
	s.active = make(map[domain.PeerID]ports.Connection)
}

// displayName cleans an announced name. Invalid names and the local origin
// label fall back to the unknown device name.
func displayName(name string) string {
	name = utils.TruncateString(utils.SanitizeString(name), validation.MaxDisplayNameLength)
	if validation.ValidateDisplayName(name) != nil || strings.EqualFold(name, domain.OriginLocal) {
		return domain.UnknownDeviceName
	}
	return name
}

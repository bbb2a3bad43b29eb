package services

import (
	"context"
	"sync"
	"time"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"
	"beamdrop/internal/protocol"

	"github.com/stretchr/testify/mock"
)

type fakeConn struct {
	id       domain.PeerID
	outbound bool

	mu      sync.Mutex
	open    bool
	closed  bool
	sent    [][]byte
	sendErr error
}

func newFakeConn(id domain.PeerID) *fakeConn {
	return &fakeConn{id: id, open: true}
}

func (c *fakeConn) ID() domain.PeerID { return c.id }
func (c *fakeConn) Outbound() bool    { return c.outbound }

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var msgs []*protocol.Message
	for _, data := range c.sent {
		if msg, err := protocol.Decode(data); err == nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

type mockAnalyzer struct {
	mock.Mock
}

func (m *mockAnalyzer) Analyze(ctx context.Context, req ports.AnalysisRequest) (*domain.AnalysisResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*domain.AnalysisResult)
	return result, args.Error(1)
}

// countingMetrics records calls for assertions.
type countingMetrics struct {
	ports.NopMetrics

	mu             sync.Mutex
	connected      int
	disconnected   int
	protocolErrors map[string]int
	transfers      map[domain.TransferState]int
	analyses       map[domain.AnalysisState]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		protocolErrors: make(map[string]int),
		transfers:      make(map[domain.TransferState]int),
		analyses:       make(map[domain.AnalysisState]int),
	}
}

func (m *countingMetrics) DeviceConnected(domain.DeviceKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected++
}

func (m *countingMetrics) DeviceDisconnected(domain.DeviceKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected++
}

func (m *countingMetrics) ProtocolError(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protocolErrors[reason]++
}

func (m *countingMetrics) TransferFinished(state domain.TransferState, _ int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers[state]++
}

func (m *countingMetrics) AnalysisFinished(state domain.AnalysisState, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyses[state]++
}

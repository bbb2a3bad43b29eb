package services

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"
	"beamdrop/internal/infrastructure/loopback"
	"beamdrop/internal/infrastructure/repositories/memory"
	"beamdrop/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type testNode struct {
	*Node
	endpoint *loopback.Endpoint
	cancel   context.CancelFunc
	runErr   chan error
}

func defaultNodeConfig(name string, kind domain.DeviceKind) NodeConfig {
	return NodeConfig{
		DisplayName:     name,
		DeviceKind:      kind,
		AckMode:         true,
		CompletionDelay: 20 * time.Millisecond,
		MaxFileSize:     1 << 20,
		AnalysisTimeout: time.Second,
		MaxTextBytes:    1024,
	}
}

func startNode(t *testing.T, network *loopback.Network, identity domain.SessionIdentity, analyzer ports.Analyzer, config NodeConfig) *testNode {
	t.Helper()
	endpoint := network.Endpoint(identity.LocalID)
	node := NewNode(
		identity,
		endpoint,
		memory.NewMemoryDeviceRepository(),
		memory.NewMemoryFileRepository(),
		analyzer,
		nil,
		config,
		zap.NewNop().Sugar(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	tn := &testNode{Node: node, endpoint: endpoint, cancel: cancel, runErr: make(chan error, 1)}
	go func() { tn.runErr <- node.Run(ctx) }()
	t.Cleanup(func() {
		_ = node.Close()
		cancel()
	})
	return tn
}

func anchorIdentity(id domain.PeerID) domain.SessionIdentity {
	return domain.SessionIdentity{Role: domain.RoleAnchor, LocalID: id}
}

func joinerIdentity(id, anchor domain.PeerID) domain.SessionIdentity {
	return domain.SessionIdentity{Role: domain.RoleJoiner, LocalID: id, RemoteAnchorID: anchor}
}

func onlineDevice(t *testing.T, n *testNode, id domain.PeerID) domain.Device {
	t.Helper()
	var found domain.Device
	require.Eventually(t, func() bool {
		devices, err := n.Devices(context.Background())
		if err != nil {
			return false
		}
		for _, d := range devices {
			if d.ID == id && d.Online() {
				found = d
				return true
			}
		}
		return false
	}, waitFor, tick, "device %s never came online", id)
	return found
}

// fileState returns the zero value when the file is missing so it can be
// polled from require.Eventually.
func fileState(n *testNode, id domain.FileID) domain.TransferFile {
	f, _ := n.File(context.Background(), id)
	return f
}

func receivedFiles(n *testNode) []domain.TransferFile {
	files, err := n.Files(context.Background())
	if err != nil {
		return nil
	}
	var received []domain.TransferFile
	for _, f := range files {
		if f.TransferState == domain.TransferReceived {
			received = append(received, f)
		}
	}
	return received
}

func pairedNodes(t *testing.T, anchorCfg, joinerCfg NodeConfig, analyzer ports.Analyzer) (*testNode, *testNode) {
	t.Helper()
	network := loopback.NewNetwork()
	anchor := startNode(t, network, anchorIdentity("ns-anchor"), analyzer, anchorCfg)
	joiner := startNode(t, network, joinerIdentity("nj-joiner", "ns-anchor"), analyzer, joinerCfg)
	onlineDevice(t, anchor, "nj-joiner")
	onlineDevice(t, joiner, "ns-anchor")
	return anchor, joiner
}

func TestNode_ScenarioA_AnchorAndJoinerSeeEachOther(t *testing.T) {
	anchor, joiner := pairedNodes(t,
		defaultNodeConfig("Office PC", domain.DeviceWindows),
		defaultNodeConfig("Pixel", domain.DeviceAndroid),
		nil,
	)

	onAnchor := onlineDevice(t, anchor, "nj-joiner")
	assert.Equal(t, "Pixel", onAnchor.DisplayName)
	assert.Equal(t, domain.DeviceAndroid, onAnchor.Kind)

	onJoiner := onlineDevice(t, joiner, "ns-anchor")
	assert.Equal(t, "Office PC", onJoiner.DisplayName)
	assert.Equal(t, domain.DeviceWindows, onJoiner.Kind)

	devices, err := anchor.Devices(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestNode_ScenarioB_TextFileQueuedAndAnalyzed(t *testing.T) {
	analyzer := &mockAnalyzer{}
	analyzer.On("Analyze", mock.Anything, mock.MatchedBy(func(req ports.AnalysisRequest) bool {
		return req.Text == "buy milk"
	})).Return(&domain.AnalysisResult{Summary: "A shopping note", Tags: []string{"list"}}, nil)

	network := loopback.NewNetwork()
	node := startNode(t, network, anchorIdentity("ns-anchor"), analyzer, defaultNodeConfig("Mac", domain.DeviceMac))

	added, err := node.Enqueue(context.Background(), []domain.LocalFile{
		{Name: "notes.txt", MimeType: "text/plain", Data: []byte("buy milk")},
	})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, domain.MediaText, added[0].MediaKind)
	assert.Equal(t, domain.TransferQueued, added[0].TransferState)
	assert.Equal(t, domain.AnalysisAnalyzing, added[0].AnalysisState)

	require.Eventually(t, func() bool {
		return fileState(node, added[0].ID).AnalysisState == domain.AnalysisCompleted
	}, waitFor, tick)

	f := fileState(node, added[0].ID)
	assert.Equal(t, "A shopping note", f.Analysis.Summary)
	assert.Equal(t, domain.TransferQueued, f.TransferState, "analysis never sends")
	analyzer.AssertExpectations(t)
}

func TestNode_ScenarioC_SendWithNothingQueued(t *testing.T) {
	anchor, joiner := pairedNodes(t,
		defaultNodeConfig("Office PC", domain.DeviceWindows),
		defaultNodeConfig("Pixel", domain.DeviceAndroid),
		nil,
	)
	conn, ok := anchor.endpoint.Connection("nj-joiner")
	require.True(t, ok)
	sentBefore := conn.Sent()

	sending, err := anchor.Send(context.Background(), "nj-joiner")
	require.NoError(t, err)
	assert.Empty(t, sending)

	files, err := anchor.Files(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Equal(t, sentBefore, conn.Sent(), "no message sent")
	assert.Empty(t, receivedFiles(joiner))
}

func TestNode_SendCompletesOnAck(t *testing.T) {
	anchor, joiner := pairedNodes(t,
		defaultNodeConfig("Office PC", domain.DeviceWindows),
		defaultNodeConfig("Pixel", domain.DeviceAndroid),
		nil,
	)
	ctx := context.Background()

	added, err := joiner.Enqueue(ctx, []domain.LocalFile{
		{Name: "report.pdf", MimeType: "application/pdf", Data: []byte("%PDF-1.7 body")},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.AnalysisSkipped, added[0].AnalysisState)
	assert.Equal(t, domain.TransferQueued, fileState(joiner, added[0].ID).TransferState)

	sending, err := joiner.Send(ctx, "ns-anchor")
	require.NoError(t, err)
	require.Len(t, sending, 1)
	assert.Equal(t, domain.TransferSending, sending[0].TransferState)

	require.Eventually(t, func() bool {
		return fileState(joiner, added[0].ID).TransferState == domain.TransferCompleted
	}, waitFor, tick)

	var got domain.TransferFile
	require.Eventually(t, func() bool {
		received := receivedFiles(anchor)
		if len(received) != 1 {
			return false
		}
		got = received[0]
		return true
	}, waitFor, tick)
	assert.Equal(t, added[0].ID, got.ID)
	assert.Equal(t, "report.pdf", got.Name)
	assert.Equal(t, int64(13), got.Size)
	assert.Equal(t, "Pixel", got.Origin)
	assert.Equal(t, domain.MediaPDF, got.MediaKind)

	rc, err := anchor.OpenFile(ctx, got.ID)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "%PDF-1.7 body", string(body))
}

func TestNode_SendCompletesAfterDelayWithoutAck(t *testing.T) {
	cfg := defaultNodeConfig("Office PC", domain.DeviceWindows)
	cfg.AckMode = false
	peerCfg := defaultNodeConfig("Pixel", domain.DeviceAndroid)
	peerCfg.AckMode = false
	anchor, joiner := pairedNodes(t, cfg, peerCfg, nil)
	ctx := context.Background()

	added, err := anchor.Enqueue(ctx, []domain.LocalFile{{Name: "a.bin", Data: []byte{1, 2, 3}}})
	require.NoError(t, err)
	_, err = anchor.Send(ctx, "nj-joiner")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fileState(anchor, added[0].ID).TransferState == domain.TransferCompleted
	}, waitFor, tick)
	require.Eventually(t, func() bool { return len(receivedFiles(joiner)) == 1 }, waitFor, tick)
}

func TestNode_AckTimeoutCompletesFileForPeerWithoutAcks(t *testing.T) {
	cfg := defaultNodeConfig("Office PC", domain.DeviceWindows)
	cfg.AckTimeout = 50 * time.Millisecond
	peerCfg := defaultNodeConfig("Pixel", domain.DeviceAndroid)
	peerCfg.AckMode = false
	anchor, joiner := pairedNodes(t, cfg, peerCfg, nil)
	ctx := context.Background()

	added, err := anchor.Enqueue(ctx, []domain.LocalFile{{Name: "a.bin", Data: []byte{1, 2, 3}}})
	require.NoError(t, err)
	sending, err := anchor.Send(ctx, "nj-joiner")
	require.NoError(t, err)
	require.Len(t, sending, 1)

	require.Eventually(t, func() bool { return len(receivedFiles(joiner)) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		return fileState(anchor, added[0].ID).TransferState == domain.TransferCompleted
	}, waitFor, tick)
}

func TestNode_CloseBeforeAckFailsFile(t *testing.T) {
	cfg := defaultNodeConfig("Office PC", domain.DeviceWindows)
	cfg.AckTimeout = time.Minute
	anchor, joiner := pairedNodes(t, cfg, defaultNodeConfig("Pixel", domain.DeviceAndroid), nil)
	ctx := context.Background()

	back, ok := joiner.endpoint.Connection("ns-anchor")
	require.True(t, ok)
	back.BreakSends(errors.New("buffer full"))

	added, err := anchor.Enqueue(ctx, []domain.LocalFile{{Name: "a.bin", Data: []byte{1}}})
	require.NoError(t, err)
	_, err = anchor.Send(ctx, "nj-joiner")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(receivedFiles(joiner)) == 1 }, waitFor, tick)
	assert.Equal(t, domain.TransferSending, fileState(anchor, added[0].ID).TransferState)

	require.NoError(t, back.Close())

	require.Eventually(t, func() bool {
		return fileState(anchor, added[0].ID).TransferState == domain.TransferFailed
	}, waitFor, tick)
	assert.Contains(t, fileState(anchor, added[0].ID).LastError, "nj-joiner")

	devices, err := anchor.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, domain.LivenessOffline, devices[0].Liveness)
}

func TestNode_SendFailureMarksFileFailed(t *testing.T) {
	anchor, joiner := pairedNodes(t,
		defaultNodeConfig("Office PC", domain.DeviceWindows),
		defaultNodeConfig("Pixel", domain.DeviceAndroid),
		nil,
	)
	ctx := context.Background()

	conn, ok := anchor.endpoint.Connection("nj-joiner")
	require.True(t, ok)
	conn.BreakSends(errors.New("buffer full"))

	added, err := anchor.Enqueue(ctx, []domain.LocalFile{
		{Name: "a.bin", Data: []byte{1}},
		{Name: "b.bin", Data: []byte{2}},
	})
	require.NoError(t, err)
	_, err = anchor.Send(ctx, "nj-joiner")
	require.NoError(t, err)

	for _, f := range added {
		id := f.ID
		require.Eventually(t, func() bool {
			return fileState(anchor, id).TransferState == domain.TransferFailed
		}, waitFor, tick)
	}
	assert.Contains(t, fileState(anchor, added[0].ID).LastError, "buffer full")
	assert.Empty(t, receivedFiles(joiner))
}

func TestNode_SendToUnknownOrOfflineDevice(t *testing.T) {
	anchor, joiner := pairedNodes(t,
		defaultNodeConfig("Office PC", domain.DeviceWindows),
		defaultNodeConfig("Pixel", domain.DeviceAndroid),
		nil,
	)
	ctx := context.Background()

	_, err := anchor.Send(ctx, "nj-nobody")
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)

	require.NoError(t, joiner.Close())
	require.Eventually(t, func() bool {
		devices, err := anchor.Devices(ctx)
		return err == nil && len(devices) == 1 && !devices[0].Online()
	}, waitFor, tick)

	_, err = anchor.Send(ctx, "nj-joiner")
	assert.ErrorIs(t, err, domain.ErrDeviceNotConnected)
}

func TestNode_ClosedDeviceKeepsAttribution(t *testing.T) {
	anchor, joiner := pairedNodes(t,
		defaultNodeConfig("Office PC", domain.DeviceWindows),
		defaultNodeConfig("Pixel", domain.DeviceAndroid),
		nil,
	)
	ctx := context.Background()

	_, err := joiner.Enqueue(ctx, []domain.LocalFile{{Name: "clip.mp4", MimeType: "video/mp4", Data: []byte{0, 0, 0}}})
	require.NoError(t, err)
	_, err = joiner.Send(ctx, "ns-anchor")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(receivedFiles(anchor)) == 1 }, waitFor, tick)

	conn, ok := joiner.endpoint.Connection("ns-anchor")
	require.True(t, ok)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		devices, err := anchor.Devices(ctx)
		return err == nil && len(devices) == 1 && devices[0].Liveness == domain.LivenessOffline
	}, waitFor, tick)

	received := receivedFiles(anchor)
	require.Len(t, received, 1)
	assert.Equal(t, "Pixel", received[0].Origin)
	assert.Equal(t, domain.AnalysisSkipped, received[0].AnalysisState)
}

func TestNode_ChunkBeforeHandshakeIsUnknownDevice(t *testing.T) {
	network := loopback.NewNetwork()
	anchor := startNode(t, network, anchorIdentity("ns-anchor"), nil, defaultNodeConfig("Office PC", domain.DeviceWindows))

	raw := network.Endpoint("nj-rawpeer")
	defer raw.Close()
	conn, err := raw.Connect(context.Background(), "ns-anchor")
	require.NoError(t, err)

	data, err := protocol.EncodeFileChunk(protocol.FileMeta{ID: "raw-1", Name: "early.txt", Type: "text/plain", Size: 2}, []byte("hi"))
	require.NoError(t, err)
	require.NoError(t, conn.Send(data))

	require.Eventually(t, func() bool { return len(receivedFiles(anchor)) == 1 }, waitFor, tick)
	got := receivedFiles(anchor)[0]
	assert.Equal(t, domain.UnknownDeviceName, got.Origin)
	assert.Equal(t, domain.AnalysisFailed, waitAnalysisDone(t, anchor, got.ID), "no analyzer configured")
}

func waitAnalysisDone(t *testing.T, n *testNode, id domain.FileID) domain.AnalysisState {
	t.Helper()
	var state domain.AnalysisState
	require.Eventually(t, func() bool {
		state = fileState(n, id).AnalysisState
		return state != domain.AnalysisPending && state != domain.AnalysisAnalyzing
	}, waitFor, tick)
	return state
}

func TestNode_ConnectUnreachablePeer(t *testing.T) {
	network := loopback.NewNetwork()
	node := startNode(t, network, anchorIdentity("ns-anchor"), nil, defaultNodeConfig("Office PC", domain.DeviceWindows))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := node.Connect(ctx, "nj-missing")
	assert.ErrorIs(t, err, domain.ErrTransportConnect)

	err = node.Connect(ctx, "ns-anchor")
	assert.ErrorIs(t, err, domain.ErrTransportConnect, "self")
}

func TestNode_ManualConnect(t *testing.T) {
	network := loopback.NewNetwork()
	a := startNode(t, network, anchorIdentity("ns-aaaaaa"), nil, defaultNodeConfig("A", domain.DeviceMac))
	b := startNode(t, network, anchorIdentity("ns-bbbbbb"), nil, defaultNodeConfig("B", domain.DeviceIOS))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, a.Connect(ctx, "ns-bbbbbb"))
	onlineDevice(t, a, "ns-bbbbbb")
	onlineDevice(t, b, "ns-aaaaaa")

	require.NoError(t, a.Connect(ctx, "ns-bbbbbb"), "already connected")
}

func TestNode_DiscardReleasesPayload(t *testing.T) {
	network := loopback.NewNetwork()
	node := startNode(t, network, anchorIdentity("ns-anchor"), nil, defaultNodeConfig("Mac", domain.DeviceMac))
	ctx := context.Background()

	added, err := node.Enqueue(ctx, []domain.LocalFile{{Name: "a.bin", Data: []byte("payload")}})
	require.NoError(t, err)
	rc, err := node.OpenFile(ctx, added[0].ID)
	require.NoError(t, err)

	require.NoError(t, node.Discard(ctx, added[0].ID))

	_, err = rc.Read(make([]byte, 4))
	assert.ErrorIs(t, err, domain.ErrPayloadReleased)
	_, err = node.File(ctx, added[0].ID)
	assert.ErrorIs(t, err, domain.ErrFileNotFound)
}

func TestNode_CloseStopsCommands(t *testing.T) {
	network := loopback.NewNetwork()
	node := startNode(t, network, anchorIdentity("ns-anchor"), nil, defaultNodeConfig("Mac", domain.DeviceMac))

	added, err := node.Enqueue(context.Background(), []domain.LocalFile{{Name: "a.bin", Data: []byte("x")}})
	require.NoError(t, err)
	rc, err := node.OpenFile(context.Background(), added[0].ID)
	require.NoError(t, err)

	require.NoError(t, node.Close())
	select {
	case err := <-node.runErr:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("run did not return")
	}

	_, err = node.Files(context.Background())
	assert.ErrorIs(t, err, domain.ErrNodeClosed)
	_, err = rc.Read(make([]byte, 1))
	assert.ErrorIs(t, err, domain.ErrPayloadReleased)
}

func TestNode_HandshakeTimeoutDropsSilentPeer(t *testing.T) {
	network := loopback.NewNetwork()
	cfg := defaultNodeConfig("Mac", domain.DeviceMac)
	cfg.HandshakeTimeout = 50 * time.Millisecond
	startNode(t, network, anchorIdentity("ns-anchor"), nil, cfg)

	silent := network.Endpoint("nj-silent")
	defer silent.Close()
	conn, err := silent.Connect(context.Background(), "ns-anchor")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !conn.Open() }, waitFor, tick)
}

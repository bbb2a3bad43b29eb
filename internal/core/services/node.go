package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"
	"beamdrop/pkg/tracing"

	"go.uber.org/zap"
)

const taskQueueSize = 64

type NodeConfig struct {
	DisplayName string
	DeviceKind  domain.DeviceKind

	AckMode          bool
	AckTimeout       time.Duration
	CompletionDelay  time.Duration
	MaxFileSize      int64
	HandshakeTimeout time.Duration

	AnalysisTimeout time.Duration
	MaxTextBytes    int
}

// Node is a running session. All session state (connections, devices and
// files) is owned by the goroutine executing Run; every other method hands
// its work to that goroutine and waits for the result.
type Node struct {
	identity   domain.SessionIdentity
	transport  ports.Transport
	devices    ports.DeviceRepository
	files      ports.FileRepository
	handshake  *HandshakeService
	transfers  *TransferService
	analysis   *AnalysisService
	dispatcher *Dispatcher
	config     NodeConfig
	logger     *zap.SugaredLogger

	tasks    chan func(ctx context.Context)
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	doneOnce sync.Once

	// waiters are Connect calls blocked until a device handshakes or its
	// connection fails.
	waiters map[domain.PeerID][]chan error
}

func NewNode(
	identity domain.SessionIdentity,
	transport ports.Transport,
	devices ports.DeviceRepository,
	files ports.FileRepository,
	analyzer ports.Analyzer,
	metrics ports.MetricsRecorder,
	config NodeConfig,
	logger *zap.SugaredLogger,
) *Node {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	n := &Node{
		identity:  identity,
		transport: transport,
		devices:   devices,
		files:     files,
		config:    config,
		logger:    logger.With("local_id", identity.LocalID),
		tasks:     make(chan func(ctx context.Context), taskQueueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		waiters:   make(map[domain.PeerID][]chan error),
	}
	n.handshake = NewHandshakeService(config.DisplayName, config.DeviceKind, devices, metrics, n.logger)
	n.transfers = NewTransferService(files, devices, metrics, TransferConfig{
		AckMode:     config.AckMode,
		MaxFileSize: config.MaxFileSize,
	}, n.logger)
	n.analysis = NewAnalysisService(analyzer, files, metrics, AnalysisConfig{
		Timeout:      config.AnalysisTimeout,
		MaxTextBytes: config.MaxTextBytes,
	}, n.logger)
	n.dispatcher = NewDispatcher(n.handshake, n.transfers, metrics, func(ctx context.Context, file *domain.TransferFile) {
		n.startAnalysis(ctx, file.ID)
	}, n.logger)
	return n
}

// Run processes transport events and commands until ctx is cancelled, Close
// is called or the transport shuts down. A joiner dials its anchor as soon as
// the transport is ready.
func (n *Node) Run(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return errors.New("node already running")
	}
	defer n.doneOnce.Do(func() {
		n.shutdown()
		close(n.done)
	})

	n.logger.Infow("node started",
		"role", n.identity.Role,
		"share_locator", n.identity.ShareLocator,
	)
	if n.identity.Role == domain.RoleJoiner {
		go n.joinAnchor(ctx)
	}

	var expire <-chan time.Time
	if n.config.HandshakeTimeout > 0 {
		ticker := time.NewTicker(n.config.HandshakeTimeout / 2)
		defer ticker.Stop()
		expire = ticker.C
	}

	events := n.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.stop:
			return nil
		case ev, ok := <-events:
			if !ok {
				return domain.ErrTransportClosed
			}
			n.handleEvent(ctx, ev)
		case task := <-n.tasks:
			task(ctx)
		case <-expire:
			for _, conn := range n.handshake.ExpirePending(n.config.HandshakeTimeout) {
				n.resolveWaiters(conn.ID(), fmt.Errorf("%w: %v", domain.ErrTransportConnect, domain.ErrHandshakeTimeout))
			}
		}
	}
}

// Close stops the node, closes every connection and releases all payloads.
func (n *Node) Close() error {
	n.stopOnce.Do(func() { close(n.stop) })
	if n.started.Load() {
		<-n.done
		return nil
	}
	n.doneOnce.Do(func() {
		n.shutdown()
		close(n.done)
	})
	return nil
}

func (n *Node) shutdown() {
	ctx := context.Background()
	n.handshake.CloseAll()
	n.transfers.ReleaseAll(ctx)
	for id := range n.waiters {
		n.resolveWaiters(id, domain.ErrNodeClosed)
	}
	if err := n.transport.Close(); err != nil {
		n.logger.Warnw("failed to close transport", "error", err)
	}
	n.logger.Info("node stopped")
}

func (n *Node) joinAnchor(ctx context.Context) {
	select {
	case <-n.transport.Ready():
	case <-ctx.Done():
		return
	case <-n.done:
		return
	}
	if err := n.Connect(ctx, n.identity.RemoteAnchorID); err != nil {
		if errors.Is(err, domain.ErrNodeClosed) || errors.Is(err, context.Canceled) {
			return
		}
		n.logger.Errorw("could not reach session anchor; check the share link and that the anchor is running",
			"anchor_id", n.identity.RemoteAnchorID,
			"error", err,
		)
	}
}

func (n *Node) handleEvent(ctx context.Context, ev ports.TransportEvent) {
	id := ev.Conn.ID()
	switch ev.Kind {
	case ports.EventIncoming:
		n.logger.Infow("incoming connection", "peer_id", id)
		n.handshake.Track(ev.Conn)

	case ports.EventOpened:
		if err := n.handshake.OnOpened(ctx, ev.Conn); err != nil {
			n.logger.Warnw("failed to send handshake", "peer_id", id, "error", err)
		}

	case ports.EventData:
		if err := n.dispatcher.Dispatch(ctx, ev.Conn, ev.Data); err != nil {
			n.logDispatchError(id, err)
		}
		if _, ok := n.handshake.Connection(id); ok {
			n.resolveWaiters(id, nil)
		}

	case ports.EventClosed:
		if device, offline := n.handshake.OnClosed(ctx, ev.Conn); offline {
			if failed := n.transfers.DeviceLost(ctx, device.ID); len(failed) > 0 {
				n.logger.Warnw("device left with files in flight", "device_id", device.ID, "failed", len(failed))
			}
		}
		n.resolveWaiters(id, fmt.Errorf("%w: connection to %s closed", domain.ErrTransportConnect, id))

	case ports.EventErrored:
		n.handshake.OnErrored(ctx, ev.Conn, ev.Err)
		if _, ok := n.handshake.Connection(id); !ok {
			err := ev.Err
			if !errors.Is(err, domain.ErrTransportConnect) {
				err = fmt.Errorf("%w: %v", domain.ErrTransportConnect, ev.Err)
			}
			n.resolveWaiters(id, err)
		}
	}
}

func (n *Node) logDispatchError(id domain.PeerID, err error) {
	switch {
	case errors.Is(err, domain.ErrReservedMessage):
		n.logger.Debugw("ignoring reserved message", "peer_id", id, "error", err)
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrFileNotFound):
		n.logger.Debugw("ignoring stale message", "peer_id", id, "error", err)
	default:
		n.logger.Warnw("dropping message", "peer_id", id, "error", err)
	}
}

func (n *Node) resolveWaiters(id domain.PeerID, err error) {
	for _, ch := range n.waiters[id] {
		ch <- err
	}
	delete(n.waiters, id)
}

func (n *Node) dropWaiter(id domain.PeerID, target chan error) {
	waiters := n.waiters[id]
	for i, ch := range waiters {
		if ch == target {
			n.waiters[id] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(n.waiters[id]) == 0 {
		delete(n.waiters, id)
	}
}

// post queues task for the event loop. It is dropped once the node is done.
func (n *Node) post(task func(ctx context.Context)) {
	select {
	case n.tasks <- task:
	case <-n.done:
	}
}

// call runs fn on the event loop and returns its error.
func (n *Node) call(ctx context.Context, fn func(ctx context.Context) error) error {
	errCh := make(chan error, 1)
	task := func(loopCtx context.Context) { errCh <- fn(loopCtx) }

	select {
	case n.tasks <- task:
	case <-n.done:
		return domain.ErrNodeClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errCh:
		return err
	case <-n.done:
		select {
		case err := <-errCh:
			return err
		default:
			return domain.ErrNodeClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) Identity() domain.SessionIdentity {
	return n.identity
}

// Connect dials remoteID and waits until it has handshaken. Connecting to an
// Online device returns immediately.
func (n *Node) Connect(ctx context.Context, remoteID domain.PeerID) error {
	if remoteID == n.identity.LocalID {
		return fmt.Errorf("%w: cannot connect to self", domain.ErrTransportConnect)
	}

	result := make(chan error, 1)
	connected := false
	err := n.call(ctx, func(ctx context.Context) error {
		if _, ok := n.handshake.Connection(remoteID); ok {
			connected = true
			return nil
		}
		n.waiters[remoteID] = append(n.waiters[remoteID], result)
		return nil
	})
	if err != nil || connected {
		return err
	}

	n.logger.Infow("connecting", "peer_id", remoteID)
	if _, err := n.transport.Connect(ctx, remoteID); err != nil {
		if !errors.Is(err, domain.ErrTransportConnect) {
			err = fmt.Errorf("%w: %v", domain.ErrTransportConnect, err)
		}
		n.post(func(context.Context) { n.dropWaiter(remoteID, result) })
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		n.post(func(context.Context) { n.dropWaiter(remoteID, result) })
		return ctx.Err()
	case <-n.done:
		return domain.ErrNodeClosed
	}
}

func (n *Node) Devices(ctx context.Context) ([]domain.Device, error) {
	var devices []domain.Device
	err := n.call(ctx, func(ctx context.Context) error {
		list, err := n.devices.List(ctx)
		if err != nil {
			return err
		}
		devices = make([]domain.Device, 0, len(list))
		for _, d := range list {
			devices = append(devices, *d)
		}
		return nil
	})
	return devices, err
}

// Enqueue adds local files as Queued and starts their analysis.
func (n *Node) Enqueue(ctx context.Context, files []domain.LocalFile) ([]domain.TransferFile, error) {
	var added []domain.TransferFile
	err := n.call(ctx, func(ctx context.Context) error {
		entries, err := n.transfers.Enqueue(ctx, files)
		for _, f := range entries {
			n.startAnalysis(ctx, f.ID)
			added = append(added, f.Snapshot())
		}
		return err
	})
	return added, err
}

// Send transmits every local Queued file to deviceID and returns the files
// moved to Sending.
func (n *Node) Send(ctx context.Context, deviceID domain.PeerID) ([]domain.TransferFile, error) {
	var sending []domain.TransferFile
	err := n.call(ctx, func(ctx context.Context) error {
		if _, err := n.devices.GetByID(ctx, deviceID); err != nil {
			return err
		}
		conn, ok := n.handshake.Connection(deviceID)
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrDeviceNotConnected, deviceID)
		}

		outbound, err := n.transfers.BeginSend(ctx, deviceID)
		if err != nil {
			return err
		}
		for _, f := range outbound {
			if entry, err := n.files.GetByID(ctx, f.ID); err == nil {
				sending = append(sending, entry.Snapshot())
			}
		}
		if len(outbound) > 0 {
			go n.deliver(ctx, conn, deviceID, outbound)
		}
		return nil
	})
	return sending, err
}

// deliver writes files to conn in order outside the event loop and reports
// each result back to it.
func (n *Node) deliver(ctx context.Context, conn ports.Connection, deviceID domain.PeerID, files []OutboundFile) {
	for _, f := range files {
		err := n.sendFile(ctx, conn, deviceID, f)
		id := f.ID
		n.post(func(ctx context.Context) { n.onSent(ctx, id, err) })
	}
}

func (n *Node) sendFile(ctx context.Context, conn ports.Connection, deviceID domain.PeerID, f OutboundFile) error {
	ctx, span := tracing.TraceTransfer(ctx, string(f.ID), string(deviceID), f.Meta.Size)
	defer span.End()

	data, err := f.Encode()
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	if err := conn.Send(data); err != nil {
		tracing.RecordError(ctx, err)
		if errors.Is(err, domain.ErrTransportSend) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrTransportSend, err)
	}
	return nil
}

// onSent settles a delivered file. In ack mode the ack normally completes
// it first; the timer only fires for files still unacknowledged.
func (n *Node) onSent(ctx context.Context, id domain.FileID, sendErr error) {
	if sendErr != nil {
		err := n.transfers.SendFailed(ctx, id, sendErr)
		if err != nil && !errors.Is(err, domain.ErrFileNotFound) && !errors.Is(err, domain.ErrInvalidTransition) {
			n.logger.Warnw("failed to record send failure", "file_id", id, "error", err)
		}
		return
	}

	settle := n.transfers.Complete
	wait := n.config.CompletionDelay
	if n.config.AckMode {
		settle = n.transfers.AckTimedOut
		if n.config.AckTimeout > 0 {
			wait = n.config.AckTimeout
		}
		n.logger.Debugw("file sent, awaiting ack", "file_id", id, "timeout", wait)
	}
	time.AfterFunc(wait, func() {
		n.post(func(ctx context.Context) {
			err := settle(ctx, id)
			if err != nil && !errors.Is(err, domain.ErrFileNotFound) && !errors.Is(err, domain.ErrInvalidTransition) {
				n.logger.Warnw("failed to complete transfer", "file_id", id, "error", err)
			}
		})
	})
}

func (n *Node) startAnalysis(ctx context.Context, id domain.FileID) {
	req, err := n.analysis.Begin(ctx, id)
	if err != nil {
		n.logger.Warnw("could not start analysis", "file_id", id, "error", err)
		return
	}
	if req == nil {
		return
	}

	started := time.Now()
	go func() {
		result, runErr := n.analysis.Run(ctx, *req)
		elapsed := time.Since(started)
		n.post(func(ctx context.Context) {
			if err := n.analysis.Finish(ctx, id, result, runErr, elapsed); err != nil {
				n.logger.Warnw("failed to record analysis", "file_id", id, "error", err)
			}
		})
	}()
}

func (n *Node) Files(ctx context.Context) ([]domain.TransferFile, error) {
	var files []domain.TransferFile
	err := n.call(ctx, func(ctx context.Context) error {
		list, err := n.files.List(ctx)
		if err != nil {
			return err
		}
		files = make([]domain.TransferFile, 0, len(list))
		for _, f := range list {
			files = append(files, f.Snapshot())
		}
		return nil
	})
	return files, err
}

func (n *Node) File(ctx context.Context, id domain.FileID) (domain.TransferFile, error) {
	var file domain.TransferFile
	err := n.call(ctx, func(ctx context.Context) error {
		entry, err := n.files.GetByID(ctx, id)
		if err != nil {
			return err
		}
		file = entry.Snapshot()
		return nil
	})
	return file, err
}

// OpenFile returns a reader over the file's content. It fails with
// domain.ErrPayloadReleased once the file is discarded.
func (n *Node) OpenFile(ctx context.Context, id domain.FileID) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := n.call(ctx, func(ctx context.Context) error {
		var err error
		rc, err = n.transfers.Open(ctx, id)
		return err
	})
	return rc, err
}

func (n *Node) Discard(ctx context.Context, id domain.FileID) error {
	return n.call(ctx, func(ctx context.Context) error {
		return n.transfers.Discard(ctx, id)
	})
}

var _ ports.NodeService = (*Node)(nil)

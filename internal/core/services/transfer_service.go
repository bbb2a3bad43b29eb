package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"time"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"
	"beamdrop/internal/protocol"
	"beamdrop/pkg/utils"
	"beamdrop/pkg/validation"

	"go.uber.org/zap"
)

const defaultMimeType = "application/octet-stream"

// OutboundFile is a file moved to Sending, ready to be encoded and written
// to a connection outside the event loop.
type OutboundFile struct {
	ID      domain.FileID
	Meta    protocol.FileMeta
	Payload *domain.Payload
}

// Encode builds the FILE_CHUNK message for the file.
func (o OutboundFile) Encode() ([]byte, error) {
	data, err := o.Payload.View()
	if err != nil {
		return nil, err
	}
	return protocol.EncodeFileChunk(o.Meta, data)
}

type TransferConfig struct {
	AckMode     bool
	MaxFileSize int64
}

// TransferService owns the lifecycle of file entries. Like the handshake
// service it is driven from the node's event loop only.
type TransferService struct {
	files   ports.FileRepository
	devices ports.DeviceRepository
	metrics ports.MetricsRecorder
	config  TransferConfig
	newID   func() domain.FileID
	now     func() time.Time
	logger  *zap.SugaredLogger

	// sentTo remembers the device each Sending file went to so acks from
	// other peers are ignored.
	sentTo map[domain.FileID]domain.PeerID
}

func NewTransferService(
	files ports.FileRepository,
	devices ports.DeviceRepository,
	metrics ports.MetricsRecorder,
	config TransferConfig,
	logger *zap.SugaredLogger,
) *TransferService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &TransferService{
		files:   files,
		devices: devices,
		metrics: metrics,
		config:  config,
		newID:   func() domain.FileID { return domain.FileID(utils.GenerateFileID()) },
		now:     time.Now,
		logger:  logger,
		sentTo:  make(map[domain.FileID]domain.PeerID),
	}
}

// Enqueue adds local files as Queued. Nothing is stored unless every file is
// acceptable.
func (s *TransferService) Enqueue(ctx context.Context, files []domain.LocalFile) ([]*domain.TransferFile, error) {
	for _, f := range files {
		if err := validation.ValidateFileName(f.Name); err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		if int64(len(f.Data)) > s.config.MaxFileSize {
			return nil, fmt.Errorf("%s: %w (%d > %d bytes)", f.Name, domain.ErrFileTooLarge, len(f.Data), s.config.MaxFileSize)
		}
	}

	added := make([]*domain.TransferFile, 0, len(files))
	for _, f := range files {
		f.MimeType = resolveMimeType(f.MimeType, f.Name)
		entry := domain.NewLocalFile(s.newID(), f, s.now())
		if err := s.files.Prepend(ctx, entry); err != nil {
			return added, fmt.Errorf("store %s: %w", f.Name, err)
		}
		s.metrics.FileEnqueued(entry.MediaKind)
		s.logger.Infow("file queued",
			"file_id", entry.ID,
			"name", entry.Name,
			"size", entry.Size,
			"media_kind", entry.MediaKind,
		)
		added = append(added, entry)
	}
	return added, nil
}

// BeginSend moves every local Queued file to Sending for deviceID. No queued
// files means no messages and no state change.
func (s *TransferService) BeginSend(ctx context.Context, deviceID domain.PeerID) ([]OutboundFile, error) {
	queued, err := s.files.FindQueuedLocal(ctx)
	if err != nil {
		return nil, fmt.Errorf("find queued files: %w", err)
	}

	outbound := make([]OutboundFile, 0, len(queued))
	for _, f := range queued {
		err := s.files.Update(ctx, f.ID, func(tf *domain.TransferFile) error {
			return transition(tf, domain.TransferSending)
		})
		if err != nil {
			s.logger.Warnw("file not sendable", "file_id", f.ID, "error", err)
			continue
		}
		s.sentTo[f.ID] = deviceID
		outbound = append(outbound, OutboundFile{
			ID: f.ID,
			Meta: protocol.FileMeta{
				ID:   string(f.ID),
				Name: f.Name,
				Type: f.MimeType,
				Size: f.Size,
			},
			Payload: f.Payload(),
		})
	}

	if len(outbound) > 0 {
		s.logger.Infow("sending files", "device_id", deviceID, "count", len(outbound))
	}
	return outbound, nil
}

// SendFailed marks a Sending file Failed. Other files are unaffected.
func (s *TransferService) SendFailed(ctx context.Context, id domain.FileID, cause error) error {
	delete(s.sentTo, id)
	var size int64
	err := s.files.Update(ctx, id, func(tf *domain.TransferFile) error {
		if err := transition(tf, domain.TransferFailed); err != nil {
			return err
		}
		tf.LastError = cause.Error()
		size = tf.Size
		return nil
	})
	if err != nil {
		return err
	}
	s.metrics.TransferFinished(domain.TransferFailed, size)
	s.logger.Errorw("file transfer failed", "file_id", id, "error", cause)
	return nil
}

// Complete marks a Sending file Completed.
func (s *TransferService) Complete(ctx context.Context, id domain.FileID) error {
	delete(s.sentTo, id)
	var size int64
	err := s.files.Update(ctx, id, func(tf *domain.TransferFile) error {
		size = tf.Size
		return transition(tf, domain.TransferCompleted)
	})
	if err != nil {
		return err
	}
	s.metrics.TransferFinished(domain.TransferCompleted, size)
	s.logger.Infow("file transfer completed", "file_id", id)
	return nil
}

// Acknowledge completes a file once the device it was sent to confirms receipt.
func (s *TransferService) Acknowledge(ctx context.Context, from domain.PeerID, id domain.FileID) error {
	target, ok := s.sentTo[id]
	if !ok {
		return fmt.Errorf("ack for %s: %w", id, domain.ErrFileNotFound)
	}
	if target != from {
		return fmt.Errorf("ack for %s from %s, sent to %s: %w", id, from, target, domain.ErrInvalidTransition)
	}
	return s.Complete(ctx, id)
}

// AckTimedOut completes a file whose ack never arrived. Files that are no
// longer awaiting an ack are left alone.
func (s *TransferService) AckTimedOut(ctx context.Context, id domain.FileID) error {
	target, ok := s.sentTo[id]
	if !ok {
		return nil
	}
	s.logger.Warnw("no ack received, completing file", "file_id", id, "device_id", target)
	return s.Complete(ctx, id)
}

// DeviceLost fails every file still awaiting an ack from deviceID and
// returns their ids. Without acks a submitted file completes on its timer
// and nothing is failed here.
func (s *TransferService) DeviceLost(ctx context.Context, deviceID domain.PeerID) []domain.FileID {
	if !s.config.AckMode {
		return nil
	}
	var failed []domain.FileID
	for id, target := range s.sentTo {
		if target != deviceID {
			continue
		}
		cause := fmt.Errorf("%w: %s disconnected before confirming receipt", domain.ErrDeviceNotConnected, deviceID)
		if err := s.SendFailed(ctx, id, cause); err != nil {
			s.logger.Warnw("failed to fail pending file", "file_id", id, "error", err)
			continue
		}
		failed = append(failed, id)
	}
	return failed
}

// Receive stores an inbound file. It returns the entry and whether it is new;
// a repeated chunk from the same device is acknowledged again but not stored twice.
func (s *TransferService) Receive(ctx context.Context, conn ports.Connection, chunk *protocol.FileChunk) (*domain.TransferFile, bool, error) {
	from := conn.ID()
	id := domain.FileID(chunk.Meta.ID)

	if chunk.Meta.Size > s.config.MaxFileSize {
		return nil, false, fmt.Errorf("file %s from %s: %w", id, from, domain.ErrFileTooLarge)
	}

	origin := domain.UnknownDeviceName
	if device, err := s.devices.GetByID(ctx, from); err == nil {
		origin = device.DisplayName
	}

	name := utils.SanitizeFileName(chunk.Meta.Name)
	entry := domain.NewReceivedFile(id, name, resolveMimeType(chunk.Meta.Type, name), chunk.Blob, origin, from, s.now())

	created := true
	if err := s.files.Prepend(ctx, entry); err != nil {
		if !errors.Is(err, domain.ErrFileExists) {
			return nil, false, fmt.Errorf("store %s: %w", id, err)
		}
		existing, getErr := s.files.GetByID(ctx, id)
		if getErr != nil || existing.OriginDeviceID != from {
			return nil, false, fmt.Errorf("file %s from %s: %w", id, from, domain.ErrFileExists)
		}
		entry, created = existing, false
		s.logger.Debugw("duplicate file chunk", "file_id", id, "device_id", from)
	} else {
		s.metrics.FileReceived(entry.MediaKind, entry.Size)
		s.logger.Infow("file received",
			"file_id", id,
			"name", entry.Name,
			"size", entry.Size,
			"origin", origin,
			"device_id", from,
		)
	}

	if s.config.AckMode {
		if err := s.sendAck(conn, id); err != nil {
			s.logger.Warnw("failed to acknowledge file", "file_id", id, "device_id", from, "error", err)
		}
	}
	return entry, created, nil
}

func (s *TransferService) sendAck(conn ports.Connection, id domain.FileID) error {
	data, err := protocol.EncodeFileAck(id)
	if err != nil {
		return err
	}
	if err := conn.Send(data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportSend, err)
	}
	return nil
}

// Discard removes an entry and releases its payload and readers.
func (s *TransferService) Discard(ctx context.Context, id domain.FileID) error {
	file, err := s.files.Remove(ctx, id)
	if err != nil {
		return err
	}
	delete(s.sentTo, id)
	file.Release()
	s.logger.Infow("file discarded", "file_id", id)
	return nil
}

// Open returns a reader over the file's payload. Discarding the file closes it.
func (s *TransferService) Open(ctx context.Context, id domain.FileID) (io.ReadCloser, error) {
	file, err := s.files.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return file.Payload().Open()
}

// ReleaseAll drops every entry and its payload.
func (s *TransferService) ReleaseAll(ctx context.Context) {
	files, err := s.files.Clear(ctx)
	if err != nil {
		s.logger.Errorw("failed to clear file store", "error", err)
		return
	}
	for _, f := range files {
		f.Release()
	}
	s.sentTo = make(map[domain.FileID]domain.PeerID)
}

func transition(tf *domain.TransferFile, next domain.TransferState) error {
	if !tf.IsLocal() || !tf.TransferState.CanTransitionTo(next) {
		return fmt.Errorf("%w: transfer %s -> %s", domain.ErrInvalidTransition, tf.TransferState, next)
	}
	tf.TransferState = next
	return nil
}

func resolveMimeType(mimeType, name string) string {
	if mimeType != "" {
		return mimeType
	}
	if byExt := mime.TypeByExtension(path.Ext(name)); byExt != "" {
		return byExt
	}
	return defaultMimeType
}

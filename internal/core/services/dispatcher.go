package services

import (
	"context"
	"errors"
	"fmt"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"
	"beamdrop/internal/protocol"

	"go.uber.org/zap"
)

// Dispatcher routes decoded peer messages to the service that handles them.
type Dispatcher struct {
	handshake *HandshakeService
	transfers *TransferService
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger

	// onReceived is called with every newly stored inbound file.
	onReceived func(ctx context.Context, file *domain.TransferFile)
}

func NewDispatcher(
	handshake *HandshakeService,
	transfers *TransferService,
	metrics ports.MetricsRecorder,
	onReceived func(ctx context.Context, file *domain.TransferFile),
	logger *zap.SugaredLogger,
) *Dispatcher {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Dispatcher{
		handshake:  handshake,
		transfers:  transfers,
		metrics:    metrics,
		onReceived: onReceived,
		logger:     logger,
	}
}

// Dispatch handles one data frame from conn. Errors are returned for
// logging only; a bad message never tears down the connection.
func (d *Dispatcher) Dispatch(ctx context.Context, conn ports.Connection, data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		d.metrics.ProtocolError(protocolErrorReason(err))
		return fmt.Errorf("message from %s: %w", conn.ID(), err)
	}

	switch msg.Type {
	case protocol.TypeHandshake:
		_, err := d.handshake.OnHandshake(ctx, conn, msg.Handshake)
		return err

	case protocol.TypeFileChunk:
		file, created, err := d.transfers.Receive(ctx, conn, msg.FileChunk)
		if err != nil {
			d.metrics.ProtocolError("file_rejected")
			return err
		}
		if created && d.onReceived != nil {
			d.onReceived(ctx, file)
		}
		return nil

	case protocol.TypeFileAck:
		id := domain.FileID(msg.FileAck.ID)
		if err := d.transfers.Acknowledge(ctx, conn.ID(), id); err != nil {
			d.metrics.ProtocolError("unexpected_ack")
			return err
		}
		return nil

	default:
		d.metrics.ProtocolError("unknown")
		return fmt.Errorf("%w: %s", domain.ErrUnknownMessage, msg.Type)
	}
}

func protocolErrorReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrReservedMessage):
		return "reserved"
	case errors.Is(err, domain.ErrUnknownMessage):
		return "unknown"
	default:
		return "malformed"
	}
}

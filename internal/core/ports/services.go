package ports

import (
	"context"
	"io"
	"time"

	"beamdrop/internal/core/domain"
)

type AnalysisRequest struct {
	FileID    domain.FileID
	Name      string
	MimeType  string
	MediaKind domain.MediaKind
	Bytes     []byte
	// Text holds the UTF-8 decoded content of Text files.
	Text string
}

// Analyzer is the external content-analysis service.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalysisRequest) (*domain.AnalysisResult, error)
}

// NodeService is the command surface of a running session node.
type NodeService interface {
	Identity() domain.SessionIdentity
	Connect(ctx context.Context, remoteID domain.PeerID) error
	Devices(ctx context.Context) ([]domain.Device, error)
	Enqueue(ctx context.Context, files []domain.LocalFile) ([]domain.TransferFile, error)
	Send(ctx context.Context, deviceID domain.PeerID) ([]domain.TransferFile, error)
	Files(ctx context.Context) ([]domain.TransferFile, error)
	File(ctx context.Context, id domain.FileID) (domain.TransferFile, error)
	OpenFile(ctx context.Context, id domain.FileID) (io.ReadCloser, error)
	Discard(ctx context.Context, id domain.FileID) error
}

// TokenService issues and validates broker registration tokens.
type TokenService interface {
	IssuePeerToken(peerID domain.PeerID) (string, time.Time, error)
	ValidatePeerToken(token string) (domain.PeerID, error)
}

// MetricsRecorder receives node activity. Implementations must be safe for
// concurrent use.
type MetricsRecorder interface {
	DeviceConnected(kind domain.DeviceKind)
	DeviceDisconnected(kind domain.DeviceKind)
	FileEnqueued(kind domain.MediaKind)
	FileReceived(kind domain.MediaKind, bytes int64)
	TransferFinished(state domain.TransferState, bytes int64)
	AnalysisFinished(state domain.AnalysisState, duration time.Duration)
	ProtocolError(reason string)
}

type NopMetrics struct{}

func (NopMetrics) DeviceConnected(domain.DeviceKind) {}
func (NopMetrics) DeviceDisconnected(domain.DeviceKind) {}
func (NopMetrics) FileEnqueued(domain.MediaKind) {}
func (NopMetrics) FileReceived(domain.MediaKind, int64) {}
func (NopMetrics) TransferFinished(domain.TransferState, int64) {}
func (NopMetrics) AnalysisFinished(domain.AnalysisState, time.Duration) {}
func (NopMetrics) ProtocolError(string) {}

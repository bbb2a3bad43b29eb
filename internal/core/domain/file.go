package domain

import (
	"path"
	"strings"
	"time"
)

type FileID string

const (
	// OriginLocal marks files that were enqueued on this node.
	OriginLocal = "Me"
	// UnknownDeviceName attributes files whose sender never completed the handshake.
	UnknownDeviceName = "Unknown Device"
)

type MediaKind string

const (
	MediaImage   MediaKind = "Image"
	MediaText    MediaKind = "Text"
	MediaPDF     MediaKind = "Pdf"
	MediaVideo   MediaKind = "Video"
	MediaUnknown MediaKind = "Unknown"
)

// Analyzable reports whether files of this kind are submitted to the analysis service.
func (k MediaKind) Analyzable() bool {
	return k == MediaImage || k == MediaText
}

// ClassifyMedia derives the media kind from a MIME type and file name.
// Rules apply in order: image/*, text-like, application/pdf, video/*.
func ClassifyMedia(mimeType, name string) MediaKind {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	ext := strings.ToLower(path.Ext(name))

	switch {
	case strings.HasPrefix(mt, "image/"):
		return MediaImage
	case strings.HasPrefix(mt, "text/"), mt == "application/json", ext == ".md", ext == ".txt":
		return MediaText
	case mt == "application/pdf":
		return MediaPDF
	case strings.HasPrefix(mt, "video/"):
		return MediaVideo
	default:
		return MediaUnknown
	}
}

type TransferState string

const (
	TransferQueued    TransferState = "queued"
	TransferSending   TransferState = "sending"
	TransferCompleted TransferState = "completed"
	TransferFailed    TransferState = "failed"
	TransferReceived  TransferState = "received"
)

// CanTransitionTo enforces Queued -> Sending -> Completed|Failed.
// Received is terminal and only assigned at creation.
func (s TransferState) CanTransitionTo(next TransferState) bool {
	switch s {
	case TransferQueued:
		return next == TransferSending
	case TransferSending:
		return next == TransferCompleted || next == TransferFailed
	}
	return false
}

type AnalysisState string

const (
	AnalysisPending   AnalysisState = "pending"
	AnalysisAnalyzing AnalysisState = "analyzing"
	AnalysisCompleted AnalysisState = "completed"
	AnalysisFailed    AnalysisState = "failed"
	AnalysisSkipped   AnalysisState = "skipped"
)

// CanTransitionTo enforces Pending -> Analyzing -> Completed|Failed and
// Pending -> Skipped.
func (s AnalysisState) CanTransitionTo(next AnalysisState) bool {
	switch s {
	case AnalysisPending:
		return next == AnalysisAnalyzing || next == AnalysisSkipped
	case AnalysisAnalyzing:
		return next == AnalysisCompleted || next == AnalysisFailed
	}
	return false
}

type AnalysisResult struct {
	Summary         string   `json:"summary"`
	Tags            []string `json:"tags"`
	SuggestedAction string   `json:"suggested_action"`
	Language        string   `json:"language,omitempty"`
}

// LocalFile is a user-supplied file before it enters the store.
type LocalFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// TransferFile is one entry of the file store. TransferState and
// AnalysisState evolve independently.
type TransferFile struct {
	ID             FileID          `json:"id"`
	Name           string          `json:"name"`
	Size           int64           `json:"size"`
	MimeType       string          `json:"mime_type"`
	MediaKind      MediaKind       `json:"media_kind"`
	Origin         string          `json:"origin"`
	OriginDeviceID PeerID          `json:"origin_device_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	TransferState  TransferState   `json:"transfer_state"`
	AnalysisState  AnalysisState   `json:"analysis_state"`
	Analysis       *AnalysisResult `json:"analysis,omitempty"`
	LastError      string          `json:"last_error,omitempty"`

	payload *Payload
}

// NewLocalFile builds a Queued/Pending entry owned by this node.
func NewLocalFile(id FileID, f LocalFile, now time.Time) *TransferFile {
	return &TransferFile{
		ID:            id,
		Name:          f.Name,
		Size:          int64(len(f.Data)),
		MimeType:      f.MimeType,
		MediaKind:     ClassifyMedia(f.MimeType, f.Name),
		Origin:        OriginLocal,
		CreatedAt:     now,
		TransferState: TransferQueued,
		AnalysisState: AnalysisPending,
		payload:       NewPayload(f.Data),
	}
}

// NewReceivedFile builds a Received/Pending entry for an inbound payload.
func NewReceivedFile(id FileID, name, mimeType string, data []byte, origin string, from PeerID, now time.Time) *TransferFile {
	return &TransferFile{
		ID:             id,
		Name:           name,
		Size:           int64(len(data)),
		MimeType:       mimeType,
		MediaKind:      ClassifyMedia(mimeType, name),
		Origin:         origin,
		OriginDeviceID: from,
		CreatedAt:      now,
		TransferState:  TransferReceived,
		AnalysisState:  AnalysisPending,
		payload:        NewPayload(data),
	}
}

func (f *TransferFile) IsLocal() bool {
	return f.Origin == OriginLocal && f.OriginDeviceID == ""
}

func (f *TransferFile) Payload() *Payload {
	return f.payload
}

// Release drops the payload buffer and closes any readers opened on it.
func (f *TransferFile) Release() {
	if f.payload != nil {
		f.payload.Release()
	}
}

// Snapshot returns a copy safe to hand outside the owning goroutine. The
// payload is not part of the copy.
func (f *TransferFile) Snapshot() TransferFile {
	c := *f
	c.payload = nil
	if f.Analysis != nil {
		a := *f.Analysis
		a.Tags = append([]string(nil), f.Analysis.Tags...)
		c.Analysis = &a
	}
	return c
}

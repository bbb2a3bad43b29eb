package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"
	"beamdrop/pkg/tracing"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var errNoAnalyzer = errors.New("no analyzer configured")

type AnalysisConfig struct {
	Timeout      time.Duration
	MaxTextBytes int
}

// AnalysisService drives the analysis state of file entries. Begin and
// Finish run on the node's event loop; Run is the only part that blocks and
// runs in its own goroutine.
type AnalysisService struct {
	analyzer ports.Analyzer
	files    ports.FileRepository
	metrics  ports.MetricsRecorder
	config   AnalysisConfig
	logger   *zap.SugaredLogger
}

func NewAnalysisService(
	analyzer ports.Analyzer,
	files ports.FileRepository,
	metrics ports.MetricsRecorder,
	config AnalysisConfig,
	logger *zap.SugaredLogger,
) *AnalysisService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &AnalysisService{
		analyzer: analyzer,
		files:    files,
		metrics:  metrics,
		config:   config,
		logger:   logger,
	}
}

// Begin moves a Pending file to Analyzing and returns the request to run, or
// to Skipped and returns nil when its media kind is not analyzable.
func (s *AnalysisService) Begin(ctx context.Context, id domain.FileID) (*ports.AnalysisRequest, error) {
	var req *ports.AnalysisRequest
	err := s.files.Update(ctx, id, func(tf *domain.TransferFile) error {
		next := domain.AnalysisSkipped
		if tf.MediaKind.Analyzable() {
			next = domain.AnalysisAnalyzing
		}
		if !tf.AnalysisState.CanTransitionTo(next) {
			return fmt.Errorf("%w: analysis %s -> %s", domain.ErrInvalidTransition, tf.AnalysisState, next)
		}
		if next == domain.AnalysisSkipped {
			tf.AnalysisState = next
			return nil
		}

		data, err := tf.Payload().View()
		if err != nil {
			return err
		}
		tf.AnalysisState = next
		req = &ports.AnalysisRequest{
			FileID:    tf.ID,
			Name:      tf.Name,
			MimeType:  tf.MimeType,
			MediaKind: tf.MediaKind,
			Bytes:     data,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if req == nil {
		s.metrics.AnalysisFinished(domain.AnalysisSkipped, 0)
		s.logger.Debugw("analysis skipped", "file_id", id)
		return nil, nil
	}
	s.logger.Debugw("analysis started", "file_id", id, "media_kind", req.MediaKind)
	return req, nil
}

// Run calls the analyzer. It is safe to call from any goroutine.
func (s *AnalysisService) Run(ctx context.Context, req ports.AnalysisRequest) (*domain.AnalysisResult, error) {
	ctx, span := tracing.TraceAnalysis(ctx, string(req.FileID), string(req.MediaKind))
	defer span.End()

	if s.analyzer == nil {
		tracing.RecordError(ctx, errNoAnalyzer)
		return nil, fmt.Errorf("%w: %v", domain.ErrAnalysis, errNoAnalyzer)
	}

	if req.MediaKind == domain.MediaText {
		req.Text = decodeText(req.Bytes, s.config.MaxTextBytes)
	}

	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	result, err := s.analyzer.Analyze(ctx, req)
	if err != nil {
		tracing.RecordError(ctx, err)
		if errors.Is(err, domain.ErrAnalysis) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrAnalysis, err)
	}
	if result == nil {
		return nil, fmt.Errorf("%w: empty result", domain.ErrAnalysis)
	}
	return result, nil
}

// Finish records the outcome of Run. A file discarded while its analysis was
// in flight is ignored.
func (s *AnalysisService) Finish(ctx context.Context, id domain.FileID, result *domain.AnalysisResult, runErr error, elapsed time.Duration) error {
	next := domain.AnalysisCompleted
	if runErr != nil {
		next = domain.AnalysisFailed
	}

	err := s.files.Update(ctx, id, func(tf *domain.TransferFile) error {
		if !tf.AnalysisState.CanTransitionTo(next) {
			return fmt.Errorf("%w: analysis %s -> %s", domain.ErrInvalidTransition, tf.AnalysisState, next)
		}
		tf.AnalysisState = next
		if runErr != nil {
			tf.LastError = runErr.Error()
		} else {
			tf.Analysis = result
		}
		return nil
	})
	if errors.Is(err, domain.ErrFileNotFound) {
		s.logger.Debugw("analysis finished for discarded file", "file_id", id)
		return nil
	}
	if err != nil {
		return err
	}

	s.metrics.AnalysisFinished(next, elapsed)
	if runErr != nil {
		s.logger.Warnw("analysis failed", "file_id", id, "error", runErr)
	} else {
		s.logger.Infow("analysis completed", "file_id", id, "duration", elapsed)
	}
	return nil
}

// decodeText returns b as UTF-8, honouring a UTF-8 or UTF-16 byte order mark
// and replacing invalid sequences. The result is cut to at most limit bytes
// on a rune boundary.
func decodeText(b []byte, limit int) string {
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(decoder, b)
	if err != nil {
		out = b
	}
	text := strings.ToValidUTF8(string(out), "�")

	if limit > 0 && len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

// Package analysis is the client for the external content-analysis service.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"
	"beamdrop/pkg/circuitbreaker"

	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Breaker  circuitbreaker.Config
}

type analyzeRequest struct {
	Model     string `json:"model,omitempty"`
	FileID    string `json:"file_id"`
	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	MediaKind string `json:"media_kind"`
	// Exactly one of Text and Data is set.
	Text string `json:"text,omitempty"`
	Data []byte `json:"data,omitempty"`
}

type analyzeResponse struct {
	Summary         string   `json:"summary"`
	Tags            []string `json:"tags"`
	SuggestedAction string   `json:"suggested_action"`
	Language        string   `json:"language"`
}

// HTTPAnalyzer posts files to the analysis endpoint as JSON. Calls go
// through a circuit breaker so an unhealthy service fails files fast.
type HTTPAnalyzer struct {
	client  *http.Client
	config  Config
	breaker *circuitbreaker.Breaker
	logger  *zap.SugaredLogger
}

func NewHTTPAnalyzer(client *http.Client, config Config, logger *zap.SugaredLogger) *HTTPAnalyzer {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	a := &HTTPAnalyzer{client: client, config: config, logger: logger}
	a.breaker = circuitbreaker.New(config.Breaker, func(from, to circuitbreaker.State) {
		logger.Warnw("analysis circuit breaker changed state", "from", from.String(), "to", to.String())
	})
	return a
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, req ports.AnalysisRequest) (*domain.AnalysisResult, error) {
	if a.config.Endpoint == "" || a.config.APIKey == "" {
		return nil, fmt.Errorf("%w: analysis endpoint or api key not configured", domain.ErrAnalysis)
	}

	body := analyzeRequest{
		Model:     a.config.Model,
		FileID:    string(req.FileID),
		Name:      req.Name,
		MimeType:  req.MimeType,
		MediaKind: string(req.MediaKind),
	}
	if req.MediaKind == domain.MediaText {
		body.Text = req.Text
	} else {
		body.Data = req.Bytes
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", domain.ErrAnalysis, err)
	}

	result, err := circuitbreaker.Call(ctx, a.breaker, func(ctx context.Context) (*domain.AnalysisResult, error) {
		return a.post(ctx, payload)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			a.logger.Warnw("analysis service unavailable, failing fast", "file_id", req.FileID)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrAnalysis, err)
	}
	a.logger.Debugw("analysis completed", "file_id", req.FileID, "tags", len(result.Tags))
	return result, nil
}

func (a *HTTPAnalyzer) post(ctx context.Context, payload []byte) (*domain.AnalysisResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("service returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var out analyzeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &domain.AnalysisResult{
		Summary:         out.Summary,
		Tags:            out.Tags,
		SuggestedAction: out.SuggestedAction,
		Language:        out.Language,
	}, nil
}

var _ ports.Analyzer = (*HTTPAnalyzer)(nil)

package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const otxDefaultBaseURL = "https://otx.alienvault.com/api/v1"

// OTXSource polls the AlienVault OTX subscribed-pulses API. Pulses are
// flattened into one record per indicator; the pulse itself rides along
// in the record so downstream keeps its tags and provenance. OTX honors
// conditional requests, so unchanged subscriptions cost a 304 and no
// body.
type OTXSource struct {
	config     FeedConfig
	httpClient *http.Client
	apiKey     string
	logger     *zap.Logger
}

// DefaultOTXConfig returns the stock OTX client configuration.
func DefaultOTXConfig() FeedConfig {
	return FeedConfig{
		Enabled:   true,
		BaseURL:   otxDefaultBaseURL,
		Interval:  60 * time.Second,
		APIKeyEnv: "OTX_API_KEY",
		Timeout:   defaultFeedTimeout,
	}
}

// NewOTXSource creates an OTX client. Without a key the endpoint answers
// 403 and the feed sits in unauthorized until one is provided.
func NewOTXSource(config FeedConfig, logger *zap.Logger) *OTXSource {
	if config.BaseURL == "" {
		config.BaseURL = otxDefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultFeedTimeout
	}

	apiKey := ""
	if config.APIKeyEnv != "" {
		apiKey = os.Getenv(config.APIKeyEnv)
	}
	if apiKey == "" {
		logger.Warn("otx key not set, feed will report unauthorized",
			zap.String("env", config.APIKeyEnv))
	}

	return &OTXSource{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		apiKey:     apiKey,
		logger:     logger,
	}
}

func (s *OTXSource) Name() string {
	return SourceOTX
}

func (s *OTXSource) Interval() time.Duration {
	return s.config.Interval
}

// Fetch pulls the subscribed pulses, flattened to one record per
// indicator.
func (s *OTXSource) Fetch(ctx context.Context, tok *Tokens) ([]RawRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(s.config.BaseURL, "/")+"/pulses/subscribed", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create otx request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-OTX-API-KEY", s.apiKey)
	}
	if tok.ETag != "" {
		req.Header.Set("If-None-Match", tok.ETag)
	}
	if tok.LastModified != "" {
		req.Header.Set("If-Modified-Since", tok.LastModified)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query otx: %w", err)
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotModified:
		s.logger.Debug("otx subscriptions unchanged")
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, statusError(SourceOTX, resp.StatusCode)
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		tok.ETag = etag
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		tok.LastModified = lm
	}

	var envelope struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to parse otx response: %w", err)
	}

	now := time.Now().UTC()
	var records []RawRecord
	for _, pulse := range envelope.Results {
		indicators, ok := pulse["indicators"].([]any)
		if !ok {
			continue
		}
		for _, raw := range indicators {
			indicator, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			records = append(records, RawRecord{
				Source: SourceOTX,
				Data: map[string]any{
					"pulse":     pulse,
					"indicator": indicator,
					"pulse_id":  pulse["id"],
				},
				Fetched: now,
			})
		}
	}
	return records, nil
}

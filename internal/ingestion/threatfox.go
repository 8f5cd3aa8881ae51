package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const threatfoxDefaultBaseURL = "https://threatfox-api.abuse.ch/api/v1/"

// ThreatFoxSource polls the abuse.ch ThreatFox IOC API. The API is a
// single POST endpoint; get_iocs returns everything submitted in the
// trailing day and the pipeline's dedup absorbs the overlap between
// cycles.
type ThreatFoxSource struct {
	config     FeedConfig
	httpClient *http.Client
	apiKey     string
	logger     *zap.Logger
}

// DefaultThreatFoxConfig returns the stock ThreatFox client configuration.
func DefaultThreatFoxConfig() FeedConfig {
	return FeedConfig{
		Enabled:   true,
		BaseURL:   threatfoxDefaultBaseURL,
		Interval:  30 * time.Second,
		APIKeyEnv: "THREATFOX_AUTH_KEY",
		Timeout:   defaultFeedTimeout,
	}
}

// NewThreatFoxSource creates a ThreatFox client. A missing key is not an
// error; abuse.ch serves unauthenticated queries at a reduced quota.
func NewThreatFoxSource(config FeedConfig, logger *zap.Logger) *ThreatFoxSource {
	if config.BaseURL == "" {
		config.BaseURL = threatfoxDefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultFeedTimeout
	}

	apiKey := ""
	if config.APIKeyEnv != "" {
		apiKey = os.Getenv(config.APIKeyEnv)
	}
	if apiKey == "" {
		logger.Info("threatfox key not set, polling unauthenticated",
			zap.String("env", config.APIKeyEnv))
	}

	return &ThreatFoxSource{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		apiKey:     apiKey,
		logger:     logger,
	}
}

func (s *ThreatFoxSource) Name() string {
	return SourceThreatFox
}

func (s *ThreatFoxSource) Interval() time.Duration {
	return s.config.Interval
}

// Fetch pulls the IOCs submitted in the trailing day.
func (s *ThreatFoxSource) Fetch(ctx context.Context, _ *Tokens) ([]RawRecord, error) {
	body, err := json.Marshal(map[string]any{
		"query": "get_iocs",
		"days":  1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode threatfox query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(s.config.BaseURL, "/")+"/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create threatfox request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Auth-Key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query threatfox: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(SourceThreatFox, resp.StatusCode)
	}

	var envelope struct {
		QueryStatus string           `json:"query_status"`
		Data        []map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to parse threatfox response: %w", err)
	}

	switch envelope.QueryStatus {
	case "ok":
	case "no_result":
		return nil, nil
	default:
		return nil, fmt.Errorf("threatfox query status %q", envelope.QueryStatus)
	}

	now := time.Now().UTC()
	records := make([]RawRecord, 0, len(envelope.Data))
	for _, item := range envelope.Data {
		records = append(records, RawRecord{
			Source:  SourceThreatFox,
			Data:    item,
			Fetched: now,
		})
	}
	return records, nil
}

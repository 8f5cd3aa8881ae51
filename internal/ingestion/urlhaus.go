package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const urlhausDefaultBaseURL = "https://urlhaus-api.abuse.ch/v1/urls/recent/"

// URLHausSource polls the abuse.ch URLhaus recent-URL API.
type URLHausSource struct {
	config     FeedConfig
	httpClient *http.Client
	apiKey     string
	logger     *zap.Logger
}

// DefaultURLHausConfig returns the stock URLhaus client configuration.
func DefaultURLHausConfig() FeedConfig {
	return FeedConfig{
		Enabled:   true,
		BaseURL:   urlhausDefaultBaseURL,
		Interval:  600 * time.Second,
		APIKeyEnv: "URLHAUS_AUTH_KEY",
		Timeout:   defaultFeedTimeout,
		Limit:     defaultFeedLimit,
	}
}

// NewURLHausSource creates a URLhaus client.
func NewURLHausSource(config FeedConfig, logger *zap.Logger) *URLHausSource {
	if config.BaseURL == "" {
		config.BaseURL = urlhausDefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultFeedTimeout
	}
	if config.Limit <= 0 {
		config.Limit = defaultFeedLimit
	}

	apiKey := ""
	if config.APIKeyEnv != "" {
		apiKey = os.Getenv(config.APIKeyEnv)
	}
	if apiKey == "" {
		logger.Info("urlhaus key not set, polling unauthenticated",
			zap.String("env", config.APIKeyEnv))
	}

	return &URLHausSource{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		apiKey:     apiKey,
		logger:     logger,
	}
}

func (s *URLHausSource) Name() string {
	return SourceURLHaus
}

func (s *URLHausSource) Interval() time.Duration {
	return s.config.Interval
}

// Fetch pulls the most recently reported malware URLs.
func (s *URLHausSource) Fetch(ctx context.Context, _ *Tokens) ([]RawRecord, error) {
	form := url.Values{"limit": {strconv.Itoa(s.config.Limit)}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.config.BaseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create urlhaus request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Auth-Key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query urlhaus: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(SourceURLHaus, resp.StatusCode)
	}

	// The recent-URL endpoint answers with "urls"; some mirrors use a
	// bare "data" array.
	var envelope struct {
		QueryStatus string           `json:"query_status"`
		URLs        []map[string]any `json:"urls"`
		Data        []map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to parse urlhaus response: %w", err)
	}

	switch envelope.QueryStatus {
	case "ok", "":
	case "no_results":
		return nil, nil
	default:
		return nil, fmt.Errorf("urlhaus query status %q", envelope.QueryStatus)
	}

	items := envelope.URLs
	if items == nil {
		items = envelope.Data
	}

	now := time.Now().UTC()
	records := make([]RawRecord, 0, len(items))
	for _, item := range items {
		records = append(records, RawRecord{
			Source:  SourceURLHaus,
			Data:    item,
			Fetched: now,
		})
	}
	return records, nil
}

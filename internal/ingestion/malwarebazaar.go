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

const malwareBazaarDefaultBaseURL = "https://mb-api.abuse.ch/api/v1/"

// MalwareBazaarSource polls the abuse.ch MalwareBazaar sample API for
// recently submitted hashes.
type MalwareBazaarSource struct {
	config     FeedConfig
	httpClient *http.Client
	apiKey     string
	logger     *zap.Logger
}

// DefaultMalwareBazaarConfig returns the stock MalwareBazaar client
// configuration.
func DefaultMalwareBazaarConfig() FeedConfig {
	return FeedConfig{
		Enabled:   true,
		BaseURL:   malwareBazaarDefaultBaseURL,
		Interval:  60 * time.Second,
		APIKeyEnv: "MALWAREBAZAAR_API_KEY",
		Timeout:   defaultFeedTimeout,
		Limit:     defaultFeedLimit,
	}
}

// NewMalwareBazaarSource creates a MalwareBazaar client.
func NewMalwareBazaarSource(config FeedConfig, logger *zap.Logger) *MalwareBazaarSource {
	if config.BaseURL == "" {
		config.BaseURL = malwareBazaarDefaultBaseURL
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
		logger.Info("malwarebazaar key not set, polling unauthenticated",
			zap.String("env", config.APIKeyEnv))
	}

	return &MalwareBazaarSource{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		apiKey:     apiKey,
		logger:     logger,
	}
}

func (s *MalwareBazaarSource) Name() string {
	return SourceMalwareBazaar
}

func (s *MalwareBazaarSource) Interval() time.Duration {
	return s.config.Interval
}

// Fetch pulls the most recent sample submissions.
func (s *MalwareBazaarSource) Fetch(ctx context.Context, _ *Tokens) ([]RawRecord, error) {
	form := url.Values{
		"query": {"get_recent"},
		"limit": {strconv.Itoa(s.config.Limit)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.config.BaseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create malwarebazaar request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("API-KEY", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query malwarebazaar: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(SourceMalwareBazaar, resp.StatusCode)
	}

	var envelope struct {
		QueryStatus string           `json:"query_status"`
		Data        []map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to parse malwarebazaar response: %w", err)
	}

	switch envelope.QueryStatus {
	case "ok", "":
	case "no_results":
		return nil, nil
	default:
		return nil, fmt.Errorf("malwarebazaar query status %q", envelope.QueryStatus)
	}

	now := time.Now().UTC()
	records := make([]RawRecord, 0, len(envelope.Data))
	for _, item := range envelope.Data {
		records = append(records, RawRecord{
			Source:  SourceMalwareBazaar,
			Data:    item,
			Fetched: now,
		})
	}
	return records, nil
}

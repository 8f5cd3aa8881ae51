// Package ingestion polls upstream threat feeds and hands their raw
// records to the pipeline. Each source speaks its feed's native protocol
// and returns records still in the feed's own shape; normalization happens
// downstream.
package ingestion

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Canonical source names. They prefix event ids and label metrics, so
// they never change spelling once shipped.
const (
	SourceThreatFox     = "threatfox"
	SourceURLHaus       = "urlhaus"
	SourceMalwareBazaar = "malwarebazaar"
	SourceOTX           = "otx"
	SourceDemo          = "demo"
)

// RawRecord is one source-shaped record plus provenance. Data keeps the
// feed's original fields untouched so the pipeline can retain them.
type RawRecord struct {
	Source  string
	Data    map[string]any
	Fetched time.Time
}

// Source is one upstream feed.
type Source interface {
	// Name returns the canonical source name.
	Name() string
	// Interval returns the poll cadence for this feed.
	Interval() time.Duration
	// Fetch performs one poll cycle. Sources supporting conditional
	// requests read validators from tok and update them in place on a
	// 200; a 304 answer returns (nil, nil). Credential rejections wrap
	// ErrUnauthorized, other non-success HTTP answers wrap *HTTPError.
	Fetch(ctx context.Context, tok *Tokens) ([]RawRecord, error)
}

// FeedConfig configures one upstream feed client.
type FeedConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	// Interval is the poll cadence.
	Interval time.Duration `yaml:"interval"`
	// BackoffBase is the first backoff delay after a transient failure.
	// Zero means use Interval.
	BackoffBase time.Duration `yaml:"backoff_base"`
	// APIKeyEnv names the environment variable holding the feed
	// credential. Keys never appear in config files directly.
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
	// Limit bounds the records requested per cycle where the feed
	// supports it.
	Limit int `yaml:"limit"`
}

const (
	defaultFeedTimeout = 20 * time.Second
	defaultFeedLimit   = 100
)

// drainAndClose releases the connection for reuse.
func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, body)
	body.Close()
}

// statusError classifies a non-200 feed answer. 401 and 403 become
// ErrUnauthorized, everything else an *HTTPError carrying the code.
func statusError(source string, code int) error {
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		return fmt.Errorf("%s: %w", source, ErrUnauthorized)
	}
	return &HTTPError{StatusCode: code}
}

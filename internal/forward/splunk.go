// Package forward ships broadcast messages to external consumers.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/dispatch"
)

// Config holds Splunk HEC forwarder configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	HECURL     string `yaml:"hec_url"`
	TokenEnv   string `yaml:"token_env"`
	Index      string `yaml:"index"`
	SourceType string `yaml:"sourcetype"`
	Source     string `yaml:"source"`
	// BatchSize flushes a batch when it fills; FlushInterval flushes a
	// partial batch that has waited long enough.
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryCount    int           `yaml:"retry_count"`
}

// DefaultConfig returns the stock forwarder configuration, disabled.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		TokenEnv:      "SPLUNK_HEC_TOKEN",
		Index:         "threatpulse",
		SourceType:    "threatpulse:event",
		Source:        "threatpulse",
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		Timeout:       30 * time.Second,
		RetryCount:    3,
	}
}

// Stats tracks forwarder activity.
type Stats struct {
	EventsSent   int64
	EventsFailed int64
	Batches      int64
	LastSendAt   time.Time
}

// hecEvent is the HEC envelope around one broadcast message.
type hecEvent struct {
	Time       int64            `json:"time,omitempty"`
	Source     string           `json:"source,omitempty"`
	SourceType string           `json:"sourcetype,omitempty"`
	Index      string           `json:"index,omitempty"`
	Event      dispatch.Message `json:"event"`
}

// SplunkForwarder drains a dispatcher subscription into a Splunk HEC
// endpoint. Messages are batched and sent as newline-delimited HEC
// events; failed sends retry on a squared-attempt delay.
type SplunkForwarder struct {
	config     Config
	httpClient *http.Client
	token      string
	logger     *zap.Logger

	mu    sync.RWMutex
	stats Stats
}

// NewSplunkForwarder creates a forwarder. The token comes from the
// environment; a missing token or URL is a configuration error.
func NewSplunkForwarder(config Config, logger *zap.Logger) (*SplunkForwarder, error) {
	if config.HECURL == "" {
		return nil, fmt.Errorf("splunk hec url is required")
	}
	token := os.Getenv(config.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("splunk hec token not found in env var: %s", config.TokenEnv)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &SplunkForwarder{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		token:      token,
		logger:     logger,
	}, nil
}

// Run drains sub until ctx ends or the subscription closes, flushing the
// final partial batch on the way out.
func (f *SplunkForwarder) Run(ctx context.Context, sub *dispatch.Subscription) {
	batch := make([]dispatch.Message, 0, f.config.BatchSize)
	ticker := time.NewTicker(f.config.FlushInterval)
	defer ticker.Stop()

	finalFlush := func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), f.config.Timeout)
		defer cancel()
		f.flush(flushCtx, batch)
	}

	for {
		select {
		case <-ctx.Done():
			finalFlush()
			return
		case msg, ok := <-sub.C:
			if !ok {
				finalFlush()
				return
			}
			batch = append(batch, msg)
			if len(batch) >= f.config.BatchSize {
				f.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				f.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// flush serializes a batch as newline-delimited HEC events and sends it.
func (f *SplunkForwarder) flush(ctx context.Context, batch []dispatch.Message) {
	if len(batch) == 0 {
		return
	}

	var buf bytes.Buffer
	for _, msg := range batch {
		data, err := json.Marshal(hecEvent{
			Time:       time.Now().Unix(),
			Source:     f.config.Source,
			SourceType: f.config.SourceType,
			Index:      f.config.Index,
			Event:      msg,
		})
		if err != nil {
			continue
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if err := f.sendWithRetry(ctx, buf.Bytes()); err != nil {
		f.mu.Lock()
		f.stats.EventsFailed += int64(len(batch))
		f.mu.Unlock()
		f.logger.Warn("failed to forward batch to splunk",
			zap.Int("events", len(batch)),
			zap.Error(err))
		return
	}

	f.mu.Lock()
	f.stats.EventsSent += int64(len(batch))
	f.stats.Batches++
	f.stats.LastSendAt = time.Now()
	f.mu.Unlock()
}

// sendWithRetry retries on the squared-attempt curve, giving up early
// when ctx ends.
func (f *SplunkForwarder) sendWithRetry(ctx context.Context, data []byte) error {
	var lastErr error

	for attempt := 0; attempt <= f.config.RetryCount; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(time.Duration(attempt*attempt) * time.Second)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := f.send(ctx, data)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d retries: %w", f.config.RetryCount, lastErr)
}

func (f *SplunkForwarder) send(ctx context.Context, data []byte) error {
	url := strings.TrimSuffix(f.config.HECURL, "/") + "/services/collector/event"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+f.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hec request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("hec returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// HealthCheck verifies connectivity to the HEC endpoint.
func (f *SplunkForwarder) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(f.config.HECURL, "/") + "/services/collector/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("splunk hec health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("splunk hec returned status %d", resp.StatusCode)
	}
	return nil
}

// Stats returns a copy of the forwarder counters.
func (f *SplunkForwarder) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stats
}

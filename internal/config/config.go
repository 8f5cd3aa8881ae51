// Package config provides configuration management for threatpulse.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/threatpulse/internal/api/gateway"
	"github.com/lvonguyen/threatpulse/internal/collapse"
	"github.com/lvonguyen/threatpulse/internal/dedup"
	"github.com/lvonguyen/threatpulse/internal/dispatch"
	"github.com/lvonguyen/threatpulse/internal/enrichment"
	"github.com/lvonguyen/threatpulse/internal/forward"
	"github.com/lvonguyen/threatpulse/internal/ingestion"
	"github.com/lvonguyen/threatpulse/internal/normalization"
	"github.com/lvonguyen/threatpulse/internal/observability"
)

// Config holds all threatpulse configuration.
type Config struct {
	Server    ServerConfig               `yaml:"server"`
	Telemetry observability.Config       `yaml:"telemetry"`
	Redis     RedisConfig                `yaml:"redis"`
	Geo       enrichment.GeoConfig       `yaml:"geo"`
	Feeds     FeedsConfig                `yaml:"feeds"`
	Pipeline  PipelineConfig             `yaml:"pipeline"`
	Scoring   normalization.ScorerConfig `yaml:"scoring"`
	Dedup     dedup.Config               `yaml:"dedup"`
	Collapse  collapse.Config            `yaml:"collapse"`
	Dispatch  dispatch.Config            `yaml:"dispatch"`
	RateLimit gateway.RateLimitConfig    `yaml:"ratelimit"`
	Forward   ForwardConfig              `yaml:"forward"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port        int           `yaml:"port"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout must stay zero while the event stream is served from
	// this listener; a deadline would sever long-lived streams.
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings. Redis is optional: it
// backs the shared geo cache tier and the rate limiter.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// FeedsConfig holds the per-source feed settings.
type FeedsConfig struct {
	ThreatFox     ingestion.FeedConfig `yaml:"threatfox"`
	URLHaus       ingestion.FeedConfig `yaml:"urlhaus"`
	MalwareBazaar ingestion.FeedConfig `yaml:"malwarebazaar"`
	OTX           ingestion.FeedConfig `yaml:"otx"`
	Demo          ingestion.FeedConfig `yaml:"demo"`
}

// PipelineConfig holds poll loop settings.
type PipelineConfig struct {
	// CheckInterval is the poll loop granularity: how often each
	// poller re-checks its schedule and backoff window.
	CheckInterval time.Duration `yaml:"check_interval"`
}

// ForwardConfig holds outbound forwarding settings.
type ForwardConfig struct {
	Splunk forward.Config `yaml:"splunk"`
}

// Load reads configuration from a YAML file, layered over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: observability.DefaultConfig(),
		Redis: RedisConfig{
			Enabled:     false,
			Addr:        "localhost:6379",
			PasswordEnv: "REDIS_PASSWORD",
			DB:          0,
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
		},
		Geo: enrichment.DefaultGeoConfig(),
		Feeds: FeedsConfig{
			ThreatFox:     ingestion.DefaultThreatFoxConfig(),
			URLHaus:       ingestion.DefaultURLHausConfig(),
			MalwareBazaar: ingestion.DefaultMalwareBazaarConfig(),
			OTX:           ingestion.DefaultOTXConfig(),
			Demo:          ingestion.DefaultDemoConfig(),
		},
		Pipeline: PipelineConfig{
			CheckInterval: time.Second,
		},
		Scoring:   normalization.DefaultScorerConfig(),
		Dedup:     dedup.DefaultConfig(),
		Collapse:  collapse.DefaultConfig(),
		Dispatch:  dispatch.DefaultConfig(),
		RateLimit: gateway.DefaultRateLimitConfig(),
		Forward: ForwardConfig{
			Splunk: forward.DefaultConfig(),
		},
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Pipeline.CheckInterval <= 0 {
		return fmt.Errorf("pipeline check_interval must be positive")
	}
	if c.Dispatch.PacingMax < c.Dispatch.PacingMin {
		return fmt.Errorf("dispatch pacing_max below pacing_min")
	}

	for name, feed := range c.feeds() {
		if feed.Enabled && feed.Interval <= 0 {
			return fmt.Errorf("feed %s enabled with non-positive interval", name)
		}
	}

	if c.RateLimit.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("ratelimit requires redis")
	}
	if c.Forward.Splunk.Enabled && c.Forward.Splunk.HECURL == "" {
		return fmt.Errorf("splunk forwarding enabled without hec_url")
	}
	return nil
}

// EnabledFeeds returns the names of the feeds that will be polled.
func (c *Config) EnabledFeeds() []string {
	var feeds []string
	for _, name := range []string{
		ingestion.SourceThreatFox,
		ingestion.SourceURLHaus,
		ingestion.SourceMalwareBazaar,
		ingestion.SourceOTX,
		ingestion.SourceDemo,
	} {
		if c.feeds()[name].Enabled {
			feeds = append(feeds, name)
		}
	}
	return feeds
}

func (c *Config) feeds() map[string]ingestion.FeedConfig {
	return map[string]ingestion.FeedConfig{
		ingestion.SourceThreatFox:     c.Feeds.ThreatFox,
		ingestion.SourceURLHaus:       c.Feeds.URLHaus,
		ingestion.SourceMalwareBazaar: c.Feeds.MalwareBazaar,
		ingestion.SourceOTX:           c.Feeds.OTX,
		ingestion.SourceDemo:          c.Feeds.Demo,
	}
}

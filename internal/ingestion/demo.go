package ingestion

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DemoSource fabricates ThreatFox-shaped records so the pipeline can be
// exercised without feed credentials. Indicators cluster inside a few
// documentation /24s, which keeps the burst collapser busy and the
// traffic obviously synthetic.
type DemoSource struct {
	config FeedConfig
	logger *zap.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	nextID int
}

var demoSubnets = []string{"192.0.2", "198.51.100", "203.0.113"}

var demoFamilies = []string{"CobaltStrike", "AgentTesla", "Mirai", "QakBot"}

// DefaultDemoConfig returns the stock demo source configuration,
// disabled.
func DefaultDemoConfig() FeedConfig {
	return FeedConfig{
		Enabled:  false,
		Interval: 5 * time.Second,
	}
}

// NewDemoSource creates a synthetic source.
func NewDemoSource(config FeedConfig, logger *zap.Logger) *DemoSource {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	return &DemoSource{
		config: config,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *DemoSource) Name() string {
	return SourceDemo
}

func (s *DemoSource) Interval() time.Duration {
	return s.config.Interval
}

// Fetch fabricates a small batch of records.
func (s *DemoSource) Fetch(_ context.Context, _ *Tokens) ([]RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	n := 1 + s.rng.Intn(3)
	records := make([]RawRecord, 0, n)
	for i := 0; i < n; i++ {
		s.nextID++
		subnet := demoSubnets[s.rng.Intn(len(demoSubnets))]
		family := demoFamilies[s.rng.Intn(len(demoFamilies))]
		records = append(records, RawRecord{
			Source: SourceDemo,
			Data: map[string]any{
				"id":               fmt.Sprintf("demo-%d", s.nextID),
				"ioc":              fmt.Sprintf("%s.%d:%d", subnet, 1+s.rng.Intn(254), 1024+s.rng.Intn(64000)),
				"ioc_type":         "ip:port",
				"threat_type":      "botnet_cc",
				"malware":          family,
				"confidence_level": float64(50 + s.rng.Intn(41)),
				"first_seen":       now.Format("2006-01-02 15:04:05 UTC"),
				"tags":             []any{"demo", family},
			},
			Fetched: now,
		})
	}
	return records, nil
}

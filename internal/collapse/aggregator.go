// Package collapse folds bursts of related IP indicators into periodic
// summaries so subscribers see one headline instead of a flood.
package collapse

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/normalization"
)

const (
	defaultTick      = 5 * time.Second
	defaultWindow    = 30 * time.Second
	defaultThreshold = 5
)

// Config configures burst collapsing.
type Config struct {
	// Tick is how often buckets are swept.
	Tick time.Duration `yaml:"tick"`
	// Window is the activity horizon: buckets emit only while their
	// last update is inside it, and idle buckets past it are dropped.
	Window time.Duration `yaml:"window"`
	// Threshold is the minimum count for a summary.
	Threshold int `yaml:"threshold"`
}

// DefaultConfig returns the stock collapse configuration.
func DefaultConfig() Config {
	return Config{
		Tick:      defaultTick,
		Window:    defaultWindow,
		Threshold: defaultThreshold,
	}
}

// Summary is one emitted burst notice.
type Summary struct {
	// Key is the masked /24, e.g. "192.0.2.*".
	Key      string
	Count    int
	Since    time.Time
	Headline string
	// Sample is the most recent event folded into the burst.
	Sample normalization.IndicatorEvent
}

type bucket struct {
	count       int
	windowStart time.Time
	lastUpdate  time.Time
	sample      normalization.IndicatorEvent
}

// Aggregator buckets admitted IP events by masked /24 and emits
// summaries for buckets that burst past the threshold.
type Aggregator struct {
	mu      sync.Mutex
	config  Config
	buckets map[string]*bucket
	emit    func(Summary)
	logger  *zap.Logger

	now func() time.Time
}

// NewAggregator creates an aggregator. emit is called outside the
// aggregator's lock, once per summary.
func NewAggregator(config Config, emit func(Summary), logger *zap.Logger) *Aggregator {
	if config.Tick <= 0 {
		config.Tick = defaultTick
	}
	if config.Window <= 0 {
		config.Window = defaultWindow
	}
	if config.Threshold <= 0 {
		config.Threshold = defaultThreshold
	}
	return &Aggregator{
		config:  config,
		buckets: make(map[string]*bucket),
		emit:    emit,
		logger:  logger,
		now:     time.Now,
	}
}

// MaskKey returns the /24 bucket key for an IPv4 address. IPv6 and
// unparseable values report false and are not bucketed.
func MaskKey(ip string) (string, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", false
	}
	v4 := parsed.To4()
	if v4 == nil {
		return "", false
	}
	return fmt.Sprintf("%d.%d.%d.*", v4[0], v4[1], v4[2]), true
}

// Observe folds one admitted event into its bucket. Non-IP events pass
// through untouched.
func (a *Aggregator) Observe(ev normalization.IndicatorEvent) {
	if ev.Type != normalization.TypeIP {
		return
	}
	key, ok := MaskKey(ev.Indicator)
	if !ok {
		return
	}

	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.buckets[key]
	if b == nil {
		b = &bucket{windowStart: now}
		a.buckets[key] = b
	}
	b.count++
	b.lastUpdate = now
	b.sample = ev
}

// Sweep emits summaries for buckets at or past the threshold and drops
// buckets idle past the window. Emitted buckets restart their count but
// keep their window anchor, so a sustained burst reports a stable
// "since".
func (a *Aggregator) Sweep() {
	now := a.now()
	cutoff := now.Add(-a.config.Window)

	var summaries []Summary

	a.mu.Lock()
	for key, b := range a.buckets {
		if b.lastUpdate.Before(cutoff) {
			delete(a.buckets, key)
			continue
		}
		if b.count >= a.config.Threshold {
			summaries = append(summaries, Summary{
				Key:      key,
				Count:    b.count,
				Since:    b.windowStart,
				Headline: headlineFor(key, b.count, b.sample),
				Sample:   b.sample,
			})
			b.count = 0
		}
	}
	a.mu.Unlock()

	for _, s := range summaries {
		a.logger.Debug("collapsing burst",
			zap.String("key", s.Key),
			zap.Int("count", s.Count))
		a.emit(s)
	}
}

// Run sweeps on the configured tick until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}

// Len returns the live bucket count.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets)
}

// Reset drops all buckets.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buckets = make(map[string]*bucket)
}

func headlineFor(key string, count int, sample normalization.IndicatorEvent) string {
	if sample.Category != "" {
		return fmt.Sprintf("%d indicators from %s (%s)", count, key, sample.Category)
	}
	return fmt.Sprintf("%d indicators from %s", count, key)
}

package normalization

import (
	"math"
	"strings"
	"sync"
	"time"
)

const (
	defaultCorroborationWindow = 60 * time.Second
	// maxTrackedValues triggers a full sweep of the report table so an
	// abusive feed cannot grow it without bound.
	maxTrackedValues = 4096

	corroborationSignal = 0.9
	c2Signal            = 0.85
	urlSignal           = 0.7
	neutralSignal       = 0.5
)

// ScorerConfig configures confidence scoring.
type ScorerConfig struct {
	// CorroborationWindow is how recently a second source must have
	// reported the same indicator value to count as corroboration.
	CorroborationWindow time.Duration `yaml:"corroboration_window"`
}

// DefaultScorerConfig returns the stock scoring configuration.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{CorroborationWindow: defaultCorroborationWindow}
}

// Scorer derives a 0-100 confidence from the source's own claim, recent
// cross-feed corroboration, and a small indicator heuristic. The three
// signals are averaged, so no single feed can saturate the score.
type Scorer struct {
	mu      sync.Mutex
	window  time.Duration
	reports map[string]map[string]time.Time

	now func() time.Time
}

// NewScorer creates a scorer.
func NewScorer(config ScorerConfig) *Scorer {
	window := config.CorroborationWindow
	if window <= 0 {
		window = defaultCorroborationWindow
	}
	return &Scorer{
		window:  window,
		reports: make(map[string]map[string]time.Time),
		now:     time.Now,
	}
}

// Score records that source reported value and returns the derived
// confidence. selfConfidence is the source's raw claim: nil means the
// feed said nothing, values above 1 are read on a 0-100 scale.
func (s *Scorer) Score(source, value string, typ IndicatorType, tags []string, selfConfidence *float64) int {
	base := neutralSignal
	if selfConfidence != nil {
		v := *selfConfidence
		if v > 1 {
			v /= 100
		}
		base = clamp01(v)
	}

	corroborated := s.record(source, value)

	signals := []float64{base, heuristicSignal(typ, tags)}
	if corroborated {
		signals = append(signals, corroborationSignal)
	}

	var sum float64
	for _, sig := range signals {
		sum += sig
	}
	mean := clamp01(sum / float64(len(signals)))
	return int(math.Round(mean * 100))
}

// record notes the report and reports whether at least one other source
// reported the same value inside the trailing window.
func (s *Scorer) record(source, value string) bool {
	now := s.now()
	cutoff := now.Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	sources := s.reports[value]
	if sources == nil {
		sources = make(map[string]time.Time, 2)
		s.reports[value] = sources
	}
	for src, seen := range sources {
		if seen.Before(cutoff) {
			delete(sources, src)
		}
	}
	sources[source] = now

	if len(s.reports) > maxTrackedValues {
		s.sweepLocked(cutoff)
	}
	return len(sources) >= 2
}

// Clear drops the corroboration history.
func (s *Scorer) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = make(map[string]map[string]time.Time)
}

// sweepLocked drops values whose every report has aged out.
func (s *Scorer) sweepLocked(cutoff time.Time) {
	for value, sources := range s.reports {
		for src, seen := range sources {
			if seen.Before(cutoff) {
				delete(sources, src)
			}
		}
		if len(sources) == 0 {
			delete(s.reports, value)
		}
	}
}

func heuristicSignal(typ IndicatorType, tags []string) float64 {
	for _, tag := range tags {
		if strings.EqualFold(tag, "c2") || strings.EqualFold(tag, "botnet") {
			return c2Signal
		}
	}
	if typ == TypeURL {
		return urlSignal
	}
	return neutralSignal
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

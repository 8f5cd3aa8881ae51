package normalization

import (
	"testing"
	"time"
)

func floatp(f float64) *float64 { return &f }

// TestScorer_SingleSource verifies the base/heuristic average with no
// corroboration in play.
func TestScorer_SingleSource(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	// base 0.8 averaged with the neutral heuristic 0.5.
	got := s.Score("threatfox", "198.51.100.7", TypeIP, nil, floatp(80))
	if got != 65 {
		t.Errorf("expected 65, got %d", got)
	}
}

// TestScorer_NilConfidence verifies that a silent feed contributes the
// neutral signal, not zero.
func TestScorer_NilConfidence(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	got := s.Score("otx", "198.51.100.7", TypeIP, nil, nil)
	if got != 50 {
		t.Errorf("expected 50, got %d", got)
	}
}

// TestScorer_Corroboration verifies that a second source reporting the
// same value inside the window lifts both feeds' scores.
func TestScorer_Corroboration(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	if got := s.Score("threatfox", "198.51.100.7", TypeIP, nil, floatp(80)); got != 65 {
		t.Errorf("first report: expected 65, got %d", got)
	}
	// otx sees the same value: 0.5 base, 0.5 heuristic, 0.9 corroboration.
	if got := s.Score("otx", "198.51.100.7", TypeIP, nil, floatp(50)); got != 63 {
		t.Errorf("corroborated otx report: expected 63, got %d", got)
	}
	// threatfox again, now corroborated: 0.8, 0.5, 0.9.
	if got := s.Score("threatfox", "198.51.100.7", TypeIP, nil, floatp(80)); got != 73 {
		t.Errorf("corroborated threatfox report: expected 73, got %d", got)
	}
}

// TestScorer_SameSourceNoCorroboration verifies that one feed repeating
// itself never counts as corroboration.
func TestScorer_SameSourceNoCorroboration(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	s.Score("threatfox", "198.51.100.7", TypeIP, nil, floatp(80))
	if got := s.Score("threatfox", "198.51.100.7", TypeIP, nil, floatp(80)); got != 65 {
		t.Errorf("expected 65 on repeat from the same source, got %d", got)
	}
}

// TestScorer_CorroborationExpires verifies that reports outside the
// window no longer corroborate.
func TestScorer_CorroborationExpires(t *testing.T) {
	s := NewScorer(ScorerConfig{CorroborationWindow: time.Minute})

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }

	s.Score("threatfox", "198.51.100.7", TypeIP, nil, floatp(80))

	current = current.Add(2 * time.Minute)
	if got := s.Score("otx", "198.51.100.7", TypeIP, nil, nil); got != 50 {
		t.Errorf("expected stale report ignored, got %d", got)
	}

	// Inside the window the same sequence corroborates.
	current = current.Add(30 * time.Second)
	if got := s.Score("threatfox", "198.51.100.7", TypeIP, nil, floatp(80)); got != 73 {
		t.Errorf("expected corroboration inside the window, got %d", got)
	}
}

// TestScorer_TagHeuristic verifies the c2/botnet tag lift, case
// insensitively.
func TestScorer_TagHeuristic(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	// 0.5 base, 0.85 tag heuristic.
	if got := s.Score("threatfox", "a.example.com", TypeDomain, []string{"C2"}, nil); got != 68 {
		t.Errorf("expected 68 for c2 tag, got %d", got)
	}
	if got := s.Score("threatfox", "b.example.com", TypeDomain, []string{"Botnet"}, nil); got != 68 {
		t.Errorf("expected 68 for botnet tag, got %d", got)
	}
	if got := s.Score("threatfox", "c.example.com", TypeDomain, []string{"phishing"}, nil); got != 50 {
		t.Errorf("expected 50 for unrecognized tags, got %d", got)
	}
}

// TestScorer_URLHeuristic verifies the url type lift.
func TestScorer_URLHeuristic(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	if got := s.Score("urlhaus", "http://x.example/a", TypeURL, nil, nil); got != 60 {
		t.Errorf("expected 60 for url type, got %d", got)
	}
}

// TestScorer_Clamping verifies out-of-range claims clamp instead of
// skewing the average.
func TestScorer_Clamping(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	if got := s.Score("threatfox", "a.example.com", TypeDomain, nil, floatp(150)); got != 75 {
		t.Errorf("expected overlarge claim clamped to 1.0, got %d", got)
	}
	if got := s.Score("threatfox", "b.example.com", TypeDomain, nil, floatp(-5)); got != 25 {
		t.Errorf("expected negative claim clamped to 0, got %d", got)
	}
	// Fractional claims are already on the 0-1 scale.
	if got := s.Score("threatfox", "c.example.com", TypeDomain, nil, floatp(0.8)); got != 65 {
		t.Errorf("expected fractional claim read as-is, got %d", got)
	}
}

// TestScorer_Clear verifies the corroboration history drops on clear.
func TestScorer_Clear(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	s.Score("threatfox", "198.51.100.7", TypeIP, nil, floatp(80))
	s.Clear()

	if got := s.Score("otx", "198.51.100.7", TypeIP, nil, nil); got != 50 {
		t.Errorf("expected no corroboration after clear, got %d", got)
	}
}

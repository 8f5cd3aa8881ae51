package dedup

import (
	"testing"
	"time"

	"github.com/lvonguyen/threatpulse/internal/enrichment"
	"github.com/lvonguyen/threatpulse/internal/normalization"
)

func testEvent(id string, confidence int, seen time.Time) normalization.IndicatorEvent {
	return normalization.IndicatorEvent{
		ID:         id,
		Source:     "threatfox",
		Indicator:  "198.51.100.7",
		Type:       normalization.TypeIP,
		Tags:       []string{},
		Confidence: confidence,
		FirstSeen:  seen,
		LastSeen:   seen,
	}
}

// TestIndex_AdmitNew verifies that unseen ids are forwarded and buffered.
func TestIndex_AdmitNew(t *testing.T) {
	idx := NewIndex(DefaultConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	ev := testEvent("threatfox-101", 65, now)
	if !idx.Admit(&ev) {
		t.Fatal("expected new id to be admitted")
	}
	if idx.Len() != 1 {
		t.Errorf("expected 1 buffered event, got %d", idx.Len())
	}
	if stats := idx.Stats(); stats.Admitted != 1 || stats.Suppressed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

// TestIndex_SuppressWithinWindow verifies that a recurrence inside the
// window is merged silently instead of re-broadcast.
func TestIndex_SuppressWithinWindow(t *testing.T) {
	idx := NewIndex(Config{Window: time.Minute})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	idx.now = func() time.Time { return now }

	first := testEvent("threatfox-101", 65, now)
	idx.Admit(&first)

	now = now.Add(10 * time.Second)
	second := testEvent("threatfox-101", 73, now)
	if idx.Admit(&second) {
		t.Fatal("expected recurrence inside window to be suppressed")
	}

	if stats := idx.Stats(); stats.Suppressed != 1 {
		t.Errorf("expected 1 suppressed, got %+v", stats)
	}

	// The buffered record carries the merge even though nothing was
	// forwarded.
	snap := idx.Snapshot(0)
	if len(snap) != 1 {
		t.Fatalf("expected 1 buffered event, got %d", len(snap))
	}
	if snap[0].Confidence != 73 {
		t.Errorf("expected confidence ratcheted to 73, got %d", snap[0].Confidence)
	}
	if !snap[0].LastSeen.Equal(now) {
		t.Errorf("expected last seen advanced, got %v", snap[0].LastSeen)
	}
}

// TestIndex_ConfidenceNeverLowers verifies the ratchet only moves up.
func TestIndex_ConfidenceNeverLowers(t *testing.T) {
	idx := NewIndex(Config{Window: time.Minute})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	idx.now = func() time.Time { return now }

	first := testEvent("threatfox-101", 73, now)
	idx.Admit(&first)

	weaker := testEvent("threatfox-101", 50, now.Add(time.Second))
	idx.Admit(&weaker)

	if snap := idx.Snapshot(0); snap[0].Confidence != 73 {
		t.Errorf("expected confidence held at 73, got %d", snap[0].Confidence)
	}
}

// TestIndex_ReadmitAfterWindow verifies that a recurrence past the window
// is forwarded again, carrying the merged record.
func TestIndex_ReadmitAfterWindow(t *testing.T) {
	idx := NewIndex(Config{Window: time.Minute})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	idx.now = func() time.Time { return now }

	first := testEvent("threatfox-101", 73, now)
	idx.Admit(&first)

	now = now.Add(2 * time.Minute)
	later := testEvent("threatfox-101", 50, now)
	if !idx.Admit(&later) {
		t.Fatal("expected recurrence past window to be re-admitted")
	}

	// The forwarded copy is the merged record, not the raw arrival.
	if later.Confidence != 73 {
		t.Errorf("expected forwarded copy to carry ratcheted confidence, got %d", later.Confidence)
	}
	if !later.LastSeen.Equal(now) {
		t.Errorf("expected forwarded copy to carry advanced last seen, got %v", later.LastSeen)
	}

	// The window re-anchors: an immediate recurrence suppresses again.
	again := testEvent("threatfox-101", 50, now.Add(time.Second))
	if idx.Admit(&again) {
		t.Error("expected recurrence after re-admission to be suppressed")
	}

	if stats := idx.Stats(); stats.Admitted != 2 || stats.Suppressed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

// TestIndex_EnrichmentBackfill verifies that enrichment arriving on a
// later recurrence sticks to the buffered record.
func TestIndex_EnrichmentBackfill(t *testing.T) {
	idx := NewIndex(Config{Window: time.Minute})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	idx.now = func() time.Time { return now }

	first := testEvent("threatfox-101", 65, now)
	idx.Admit(&first)

	enriched := testEvent("threatfox-101", 65, now.Add(time.Second))
	enriched.Enrichment = &enrichment.Enrichment{Country: "NL", Latitude: 52.37, Longitude: 4.89}
	idx.Admit(&enriched)

	snap := idx.Snapshot(0)
	if snap[0].Enrichment == nil || snap[0].Enrichment.Country != "NL" {
		t.Errorf("expected enrichment backfilled, got %+v", snap[0].Enrichment)
	}
}

// TestIndex_CapacityEviction verifies oldest-first eviction and that the
// id table survives the shift.
func TestIndex_CapacityEviction(t *testing.T) {
	idx := NewIndex(Config{Window: time.Minute, MaxAge: time.Hour, Capacity: 3})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	idx.now = func() time.Time { return now }

	for _, id := range []string{"a", "b", "c", "d"} {
		ev := testEvent("threatfox-"+id, 65, now)
		idx.Admit(&ev)
	}

	if idx.Len() != 3 {
		t.Fatalf("expected capacity held at 3, got %d", idx.Len())
	}
	if stats := idx.Stats(); stats.Evicted != 1 {
		t.Errorf("expected 1 evicted, got %+v", stats)
	}

	snap := idx.Snapshot(0)
	if snap[0].ID != "threatfox-b" || snap[2].ID != "threatfox-d" {
		t.Errorf("expected oldest evicted first, got %s..%s", snap[0].ID, snap[2].ID)
	}

	// Positions were reindexed: a surviving id still suppresses.
	dup := testEvent("threatfox-c", 65, now.Add(time.Second))
	if idx.Admit(&dup) {
		t.Error("expected surviving id to suppress after eviction")
	}

	// The evicted id reads as new again.
	back := testEvent("threatfox-a", 65, now.Add(time.Second))
	if !idx.Admit(&back) {
		t.Error("expected evicted id to be admitted as new")
	}
}

// TestIndex_MaxAgePrune verifies events fall off the retention horizon.
func TestIndex_MaxAgePrune(t *testing.T) {
	idx := NewIndex(Config{Window: time.Minute, MaxAge: time.Hour, Capacity: 100})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	idx.now = func() time.Time { return now }

	stale := testEvent("threatfox-old", 65, now)
	idx.Admit(&stale)

	now = now.Add(2 * time.Hour)
	fresh := testEvent("threatfox-new", 65, now)
	idx.Admit(&fresh)

	if idx.Len() != 1 {
		t.Fatalf("expected stale event pruned, got %d live", idx.Len())
	}
	if snap := idx.Snapshot(0); snap[0].ID != "threatfox-new" {
		t.Errorf("expected only the fresh event, got %s", snap[0].ID)
	}
	if stats := idx.Stats(); stats.Pruned != 1 {
		t.Errorf("expected 1 pruned, got %+v", stats)
	}

	// A pruned id is forgotten entirely.
	back := testEvent("threatfox-old", 65, now)
	if !idx.Admit(&back) {
		t.Error("expected pruned id to be admitted as new")
	}
}

// TestIndex_Snapshot verifies the newest-events copy.
func TestIndex_Snapshot(t *testing.T) {
	idx := NewIndex(DefaultConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		ev := testEvent("threatfox-"+id, 65, now)
		idx.Admit(&ev)
	}

	snap := idx.Snapshot(2)
	if len(snap) != 2 || snap[0].ID != "threatfox-d" || snap[1].ID != "threatfox-e" {
		t.Errorf("expected the 2 newest oldest-first, got %+v", snap)
	}

	if got := idx.Snapshot(0); len(got) != 5 {
		t.Errorf("expected full snapshot for limit 0, got %d", len(got))
	}
	if got := idx.Snapshot(50); len(got) != 5 {
		t.Errorf("expected full snapshot for oversized limit, got %d", len(got))
	}

	// Snapshots are copies; mutating one never reaches the buffer.
	snap[0].Confidence = 1
	if idx.Snapshot(0)[3].Confidence == 1 {
		t.Error("snapshot mutation leaked into the buffer")
	}
}

// TestIndex_Clear verifies the reset path keeps the decision counters.
func TestIndex_Clear(t *testing.T) {
	idx := NewIndex(DefaultConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"a", "b"} {
		ev := testEvent("threatfox-"+id, 65, now)
		idx.Admit(&ev)
	}

	if n := idx.Clear(); n != 2 {
		t.Errorf("expected clear to report 2, got %d", n)
	}
	if idx.Len() != 0 {
		t.Errorf("expected empty buffer, got %d", idx.Len())
	}
	if stats := idx.Stats(); stats.Admitted != 2 {
		t.Errorf("expected counters to survive clear, got %+v", stats)
	}

	ev := testEvent("threatfox-a", 65, now)
	if !idx.Admit(&ev) {
		t.Error("expected cleared id to be admitted as new")
	}
}

// TestIndex_CorroboratedRecurrence runs the scorer and index together the
// way the pipeline does: the same indicator re-reported by its feed while
// another feed corroborates ends up suppressed but stronger.
func TestIndex_CorroboratedRecurrence(t *testing.T) {
	scorer := normalization.NewScorer(normalization.DefaultScorerConfig())
	idx := NewIndex(Config{Window: time.Minute})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	idx.now = func() time.Time { return now }

	conf := 80.0

	first := testEvent("threatfox-101", scorer.Score("threatfox", "198.51.100.7", normalization.TypeIP, nil, &conf), now)
	if !idx.Admit(&first) {
		t.Fatal("expected first report admitted")
	}
	if first.Confidence != 65 {
		t.Fatalf("expected uncorroborated score 65, got %d", first.Confidence)
	}

	otx := testEvent("otx-9", scorer.Score("otx", "198.51.100.7", normalization.TypeIP, nil, nil), now.Add(time.Second))
	otx.Source = "otx"
	if !idx.Admit(&otx) {
		t.Fatal("expected distinct id from second feed admitted")
	}

	// The feed repeats itself inside the window, now corroborated.
	repeat := testEvent("threatfox-101", scorer.Score("threatfox", "198.51.100.7", normalization.TypeIP, nil, &conf), now.Add(2*time.Second))
	if idx.Admit(&repeat) {
		t.Fatal("expected recurrence inside window suppressed")
	}

	snap := idx.Snapshot(0)
	if len(snap) != 2 {
		t.Fatalf("expected 2 live events, got %d", len(snap))
	}
	if snap[0].ID != "threatfox-101" || snap[0].Confidence != 73 {
		t.Errorf("expected buffered record ratcheted to the corroborated 73, got %d", snap[0].Confidence)
	}
	if !snap[0].LastSeen.Equal(now.Add(2 * time.Second)) {
		t.Errorf("expected last seen advanced by the suppressed recurrence, got %v", snap[0].LastSeen)
	}
}

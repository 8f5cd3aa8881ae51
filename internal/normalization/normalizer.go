package normalization

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/enrichment"
	"github.com/lvonguyen/threatpulse/internal/ingestion"
)

// Timestamp layouts seen across the feeds. Naive layouts parse as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Normalizer converts raw feed records into canonical indicator events.
// It owns the per-source field mappings, timestamp handling, geo
// enrichment and confidence scoring.
type Normalizer struct {
	geo     *enrichment.GeoResolver
	scorer  *Scorer
	logger  *zap.Logger
	mappers map[string]mapperFunc
	skipped atomic.Int64

	now func() time.Time
}

// NewNormalizer creates a normalizer. geo may be nil when enrichment is
// disabled.
func NewNormalizer(geo *enrichment.GeoResolver, scorer *Scorer, logger *zap.Logger) *Normalizer {
	return &Normalizer{
		geo:    geo,
		scorer: scorer,
		logger: logger,
		mappers: map[string]mapperFunc{
			ingestion.SourceThreatFox:     mapThreatFox,
			ingestion.SourceURLHaus:       mapURLHaus,
			ingestion.SourceMalwareBazaar: mapMalwareBazaar,
			ingestion.SourceOTX:           mapOTX,
			// The demo source fabricates ThreatFox-shaped records.
			ingestion.SourceDemo: mapThreatFox,
		},
		now: time.Now,
	}
}

// Skipped returns how many records were dropped as unmappable.
func (n *Normalizer) Skipped() int64 {
	return n.skipped.Load()
}

// Normalize converts one raw record. It reports false when the record
// cannot be mapped: unknown source, missing indicator value, or a type
// outside the canonical set. Unmappable records are counted and skipped,
// never guessed at.
func (n *Normalizer) Normalize(ctx context.Context, rec ingestion.RawRecord) (*IndicatorEvent, bool) {
	mapper, ok := n.mappers[rec.Source]
	if !ok {
		n.skip(rec.Source, "unknown source")
		return nil, false
	}

	m, ok := mapper(rec.Data)
	if !ok {
		n.skip(rec.Source, "missing indicator value")
		return nil, false
	}

	typ, ok := ParseIndicatorType(m.typ)
	if !ok {
		n.skip(rec.Source, "unmapped indicator type")
		return nil, false
	}

	value := m.value
	if typ == TypeIP && strings.Contains(value, ":") {
		// ThreatFox reports ip:port; the port stays behind in raw.
		if host, _, err := net.SplitHostPort(value); err == nil {
			value = host
		}
	}

	now := n.now().UTC().Truncate(time.Second)
	firstSeen := parseTime(m.firstSeen, now)
	lastSeen := parseTime(m.lastSeen, firstSeen)
	if lastSeen.Before(firstSeen) {
		lastSeen = firstSeen
	}

	var enr *enrichment.Enrichment
	if typ == TypeIP && n.geo != nil {
		enr = n.geo.Resolve(ctx, value)
	}

	localID := m.localID
	if localID == "" {
		localID = value
	}

	tags := m.tags
	if tags == nil {
		tags = []string{}
	}

	ev := &IndicatorEvent{
		ID:         rec.Source + "-" + localID,
		Source:     rec.Source,
		Indicator:  value,
		Type:       typ,
		Category:   m.category,
		Tags:       tags,
		Confidence: n.scorer.Score(rec.Source, value, typ, tags, m.confidence),
		FirstSeen:  firstSeen,
		LastSeen:   lastSeen,
		Enrichment: enr,
		Raw:        rec.Data,
	}
	return ev, true
}

func (n *Normalizer) skip(source, reason string) {
	n.skipped.Add(1)
	n.logger.Debug("skipping record",
		zap.String("source", source),
		zap.String("reason", reason))
}

// parseTime tries the known feed layouts and falls back when none match.
// Results are UTC at second granularity.
func parseTime(s string, fallback time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Second)
		}
	}
	return fallback
}

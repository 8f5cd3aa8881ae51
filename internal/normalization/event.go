// Package normalization converts raw feed records into canonical
// indicator events and scores their confidence.
package normalization

import (
	"strings"
	"time"

	"github.com/lvonguyen/threatpulse/internal/enrichment"
)

// IndicatorType classifies an indicator value.
type IndicatorType string

const (
	TypeIP     IndicatorType = "ip"
	TypeDomain IndicatorType = "domain"
	TypeURL    IndicatorType = "url"
	TypeHash   IndicatorType = "hash"
)

// ParseIndicatorType collapses source-specific type spellings into the
// canonical set. Unknown spellings report false and the record is
// skipped rather than guessed at.
func ParseIndicatorType(raw string) (IndicatorType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ip", "ipv4", "ipv6", "ip:port", "ipv4:port":
		return TypeIP, true
	case "domain", "hostname":
		return TypeDomain, true
	case "url", "uri":
		return TypeURL, true
	case "hash", "file", "md5", "sha1", "sha256",
		"md5_hash", "sha1_hash", "sha256_hash",
		"filehash-md5", "filehash-sha1", "filehash-sha256":
		return TypeHash, true
	default:
		return "", false
	}
}

// IndicatorEvent is the canonical unit flowing through the pipeline.
// One event describes one indicator as reported by one source; the same
// indicator seen by two sources is two events with distinct ids.
type IndicatorEvent struct {
	// ID is the stable identity used for dedup: the source name joined
	// to the source-local record id with "-".
	ID        string        `json:"id"`
	Source    string        `json:"source"`
	Indicator string        `json:"indicator"`
	Type      IndicatorType `json:"indicator_type"`
	// Category is an optional classification label, typically a malware
	// family or threat type.
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags"`
	// Confidence is the derived 0-100 score. It only ever ratchets
	// upward across recurrences of the same id.
	Confidence int `json:"confidence"`
	// FirstSeen is immutable after creation; LastSeen advances
	// monotonically as recurrences merge in.
	FirstSeen  time.Time              `json:"first_seen"`
	LastSeen   time.Time              `json:"last_seen"`
	Enrichment *enrichment.Enrichment `json:"enrichment,omitempty"`
	// Raw keeps the source's original fields untouched.
	Raw map[string]any `json:"raw"`
}

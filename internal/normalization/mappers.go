package normalization

import (
	"strconv"
	"strings"
)

// mapped is the source-agnostic intermediate a mapper extracts from one
// raw record. Timestamps stay as the feed's text; Normalize parses them.
type mapped struct {
	value      string
	typ        string
	category   string
	localID    string
	firstSeen  string
	lastSeen   string
	tags       []string
	confidence *float64
}

// mapperFunc extracts the mapped fields from one source-shaped record.
// It reports false when the record carries no usable indicator value.
type mapperFunc func(data map[string]any) (mapped, bool)

func mapThreatFox(data map[string]any) (mapped, bool) {
	m := mapped{
		value:      getString(data, "ioc"),
		typ:        getString(data, "ioc_type"),
		category:   getString(data, "malware_printable", "malware", "threat_type"),
		localID:    getString(data, "id"),
		firstSeen:  getString(data, "first_seen", "first_seen_utc"),
		lastSeen:   getString(data, "last_seen", "last_seen_utc"),
		tags:       getTags(data, "tags"),
		confidence: getFloat(data, "confidence_level"),
	}
	return m, m.value != ""
}

func mapURLHaus(data map[string]any) (mapped, bool) {
	m := mapped{
		value:      getString(data, "url"),
		typ:        "url",
		category:   getString(data, "threat", "category"),
		localID:    getString(data, "id", "entry_id", "url_id"),
		firstSeen:  getString(data, "dateadded", "firstseen"),
		lastSeen:   getString(data, "lastseen", "last_online"),
		tags:       getTags(data, "tags"),
		confidence: getFloat(data, "confidence"),
	}
	if m.confidence == nil {
		m.confidence = floatPtr(60)
	}
	return m, m.value != ""
}

func mapMalwareBazaar(data map[string]any) (mapped, bool) {
	m := mapped{
		value:      getString(data, "sha256_hash", "sha256", "sha1_hash", "md5_hash"),
		typ:        "hash",
		category:   getString(data, "file_type"),
		localID:    getString(data, "sha256_hash", "sha256", "id"),
		firstSeen:  getString(data, "first_seen", "firstseen"),
		lastSeen:   getString(data, "last_seen", "lastseen"),
		tags:       getTags(data, "tags"),
		confidence: getFloat(data, "confidence"),
	}
	if m.confidence == nil {
		m.confidence = floatPtr(70)
	}
	return m, m.value != ""
}

// mapOTX unpacks the composite pulse/indicator records the OTX client
// produces.
func mapOTX(data map[string]any) (mapped, bool) {
	indicator, _ := data["indicator"].(map[string]any)
	if indicator == nil {
		return mapped{}, false
	}
	pulse, _ := data["pulse"].(map[string]any)

	localID := getString(indicator, "id")
	if localID == "" {
		localID = asString(data["pulse_id"])
	}

	tags := getTags(pulse, "tags")
	tags = append(tags, getTags(indicator, "tags")...)

	m := mapped{
		value:      getString(indicator, "indicator"),
		typ:        getString(indicator, "type"),
		category:   getString(indicator, "content", "type"),
		localID:    localID,
		firstSeen:  firstString(getString(indicator, "created"), getString(pulse, "created")),
		lastSeen:   getString(indicator, "modified", "created"),
		tags:       dedupeTags(tags),
		confidence: getFloat(indicator, "confidence"),
	}
	return m, m.value != ""
}

// asString renders a raw JSON value as trimmed text. Numeric ids come
// out of encoding/json as float64 and stringify without an exponent.
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}

// getString returns the first key with a non-empty textual value.
func getString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := asString(data[key]); s != "" {
			return s
		}
	}
	return ""
}

// getFloat returns the first key holding a number, nil when absent.
// Feeds occasionally quote their numbers.
func getFloat(data map[string]any, keys ...string) *float64 {
	for _, key := range keys {
		switch t := data[key].(type) {
		case float64:
			return floatPtr(t)
		case int:
			return floatPtr(float64(t))
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return floatPtr(f)
			}
		}
	}
	return nil
}

// getTags extracts a string list, dropping non-string members.
func getTags(data map[string]any, key string) []string {
	if data == nil {
		return nil
	}
	raw, ok := data[key].([]any)
	if !ok {
		return nil
	}
	var tags []string
	for _, v := range raw {
		if s := asString(v); s != "" {
			tags = append(tags, s)
		}
	}
	return tags
}

func dedupeTags(tags []string) []string {
	if len(tags) < 2 {
		return tags
	}
	seen := make(map[string]struct{}, len(tags))
	out := tags[:0]
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func floatPtr(f float64) *float64 {
	return &f
}

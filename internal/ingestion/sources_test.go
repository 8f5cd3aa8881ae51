package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

// TestThreatFoxSource_Fetch verifies the request shape and the unwrapping
// of the ThreatFox envelope.
func TestThreatFoxSource_Fetch(t *testing.T) {
	os.Setenv("TEST_THREATFOX_KEY", "tf-secret")
	defer os.Unsetenv("TEST_THREATFOX_KEY")

	var gotQuery struct {
		Query string `json:"query"`
		Days  int    `json:"days"`
	}
	var gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotAuth = r.Header.Get("Auth-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotQuery); err != nil {
			t.Errorf("failed to decode query body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"query_status": "ok",
			"data": [
				{"id": "101", "ioc": "198.51.100.7:4444", "ioc_type": "ip:port", "malware": "Mirai"},
				{"id": "102", "ioc": "evil.example.com", "ioc_type": "domain", "malware": "QakBot"}
			]
		}`))
	}))
	defer server.Close()

	source := NewThreatFoxSource(FeedConfig{
		BaseURL:   server.URL,
		APIKeyEnv: "TEST_THREATFOX_KEY",
		Timeout:   time.Second,
	}, zap.NewNop())

	records, err := source.Fetch(context.Background(), &Tokens{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if gotQuery.Query != "get_iocs" || gotQuery.Days != 1 {
		t.Errorf("expected get_iocs over 1 day, got %+v", gotQuery)
	}
	if gotAuth != "tf-secret" {
		t.Errorf("expected Auth-Key header, got %q", gotAuth)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Source != SourceThreatFox {
		t.Errorf("expected source threatfox, got %s", records[0].Source)
	}
	if records[0].Data["ioc"] != "198.51.100.7:4444" {
		t.Errorf("expected raw fields preserved, got %v", records[0].Data["ioc"])
	}
	if records[0].Fetched.IsZero() {
		t.Error("expected fetched timestamp to be set")
	}
}

// TestThreatFoxSource_NoResult verifies that an empty window is a success
// with zero records, not an error.
func TestThreatFoxSource_NoResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"query_status": "no_result", "data": []}`))
	}))
	defer server.Close()

	source := NewThreatFoxSource(FeedConfig{BaseURL: server.URL, Timeout: time.Second}, zap.NewNop())

	records, err := source.Fetch(context.Background(), &Tokens{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}

// TestThreatFoxSource_QueryStatusError verifies that an application-level
// rejection surfaces as an error even on HTTP 200.
func TestThreatFoxSource_QueryStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"query_status": "illegal_query"}`))
	}))
	defer server.Close()

	source := NewThreatFoxSource(FeedConfig{BaseURL: server.URL, Timeout: time.Second}, zap.NewNop())

	_, err := source.Fetch(context.Background(), &Tokens{})
	if err == nil {
		t.Fatal("expected error for rejected query status")
	}
	if !strings.Contains(err.Error(), "illegal_query") {
		t.Errorf("error should carry the query status, got: %v", err)
	}
}

// TestThreatFoxSource_MalformedBody verifies that unparseable answers fail
// the cycle rather than producing empty batches.
func TestThreatFoxSource_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"query_status": "ok", "data": [`))
	}))
	defer server.Close()

	source := NewThreatFoxSource(FeedConfig{BaseURL: server.URL, Timeout: time.Second}, zap.NewNop())

	if _, err := source.Fetch(context.Background(), &Tokens{}); err == nil {
		t.Fatal("expected error for malformed body")
	}
}

// TestSources_StatusClassification verifies that every HTTP client maps
// 401/403 to ErrUnauthorized and other failures to *HTTPError, which is
// what the poller branches on.
func TestSources_StatusClassification(t *testing.T) {
	factories := []struct {
		name string
		make func(base string) Source
	}{
		{"threatfox", func(base string) Source {
			return NewThreatFoxSource(FeedConfig{BaseURL: base, Timeout: time.Second}, zap.NewNop())
		}},
		{"urlhaus", func(base string) Source {
			return NewURLHausSource(FeedConfig{BaseURL: base, Timeout: time.Second}, zap.NewNop())
		}},
		{"malwarebazaar", func(base string) Source {
			return NewMalwareBazaarSource(FeedConfig{BaseURL: base, Timeout: time.Second}, zap.NewNop())
		}},
		{"otx", func(base string) Source {
			return NewOTXSource(FeedConfig{BaseURL: base, Timeout: time.Second}, zap.NewNop())
		}},
	}

	for _, f := range factories {
		t.Run(f.name+" unauthorized", func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			}))
			defer server.Close()

			_, err := f.make(server.URL).Fetch(context.Background(), &Tokens{})
			if !errors.Is(err, ErrUnauthorized) {
				t.Errorf("expected ErrUnauthorized, got %v", err)
			}
		})

		t.Run(f.name+" server error", func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			}))
			defer server.Close()

			_, err := f.make(server.URL).Fetch(context.Background(), &Tokens{})
			var httpErr *HTTPError
			if !errors.As(err, &httpErr) {
				t.Fatalf("expected *HTTPError, got %v", err)
			}
			if httpErr.StatusCode != http.StatusServiceUnavailable {
				t.Errorf("expected status 503, got %d", httpErr.StatusCode)
			}
		})
	}
}

// TestURLHausSource_Fetch verifies the form body and the preferred "urls"
// payload field.
func TestURLHausSource_Fetch(t *testing.T) {
	os.Setenv("TEST_URLHAUS_KEY", "uh-secret")
	defer os.Unsetenv("TEST_URLHAUS_KEY")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.PostFormValue("limit"); got != "25" {
			t.Errorf("expected limit=25, got %q", got)
		}
		if got := r.Header.Get("Auth-Key"); got != "uh-secret" {
			t.Errorf("expected Auth-Key header, got %q", got)
		}
		w.Write([]byte(`{
			"query_status": "ok",
			"urls": [{"id": "9003", "url": "http://bad.example.net/payload.exe", "threat": "malware_download"}]
		}`))
	}))
	defer server.Close()

	source := NewURLHausSource(FeedConfig{
		BaseURL:   server.URL,
		APIKeyEnv: "TEST_URLHAUS_KEY",
		Timeout:   time.Second,
		Limit:     25,
	}, zap.NewNop())

	records, err := source.Fetch(context.Background(), &Tokens{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Source != SourceURLHaus {
		t.Errorf("expected source urlhaus, got %s", records[0].Source)
	}
	if records[0].Data["url"] != "http://bad.example.net/payload.exe" {
		t.Errorf("expected raw url preserved, got %v", records[0].Data["url"])
	}
}

// TestURLHausSource_DataFallback verifies that mirrors answering with a
// bare "data" array still produce records.
func TestURLHausSource_DataFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"query_status": "ok", "data": [{"id": "1", "url": "http://x.example/a"}]}`))
	}))
	defer server.Close()

	source := NewURLHausSource(FeedConfig{BaseURL: server.URL, Timeout: time.Second}, zap.NewNop())

	records, err := source.Fetch(context.Background(), &Tokens{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record from data fallback, got %d", len(records))
	}
}

// TestMalwareBazaarSource_Fetch verifies the get_recent form query and the
// API-KEY header.
func TestMalwareBazaarSource_Fetch(t *testing.T) {
	os.Setenv("TEST_MB_KEY", "mb-secret")
	defer os.Unsetenv("TEST_MB_KEY")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.PostFormValue("query"); got != "get_recent" {
			t.Errorf("expected query=get_recent, got %q", got)
		}
		if got := r.Header.Get("API-KEY"); got != "mb-secret" {
			t.Errorf("expected API-KEY header, got %q", got)
		}
		w.Write([]byte(`{
			"query_status": "ok",
			"data": [{"sha256_hash": "aa11", "file_type": "exe", "signature": "AgentTesla"}]
		}`))
	}))
	defer server.Close()

	source := NewMalwareBazaarSource(FeedConfig{
		BaseURL:   server.URL,
		APIKeyEnv: "TEST_MB_KEY",
		Timeout:   time.Second,
	}, zap.NewNop())

	records, err := source.Fetch(context.Background(), &Tokens{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Data["sha256_hash"] != "aa11" {
		t.Errorf("expected raw hash preserved, got %v", records[0].Data["sha256_hash"])
	}
}

// TestOTXSource_Fetch verifies pulse flattening and validator capture.
func TestOTXSource_Fetch(t *testing.T) {
	os.Setenv("TEST_OTX_KEY", "otx-secret")
	defer os.Unsetenv("TEST_OTX_KEY")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pulses/subscribed" {
			t.Errorf("expected /pulses/subscribed, got %s", r.URL.Path)
		}
		if got := r.Header.Get("X-OTX-API-KEY"); got != "otx-secret" {
			t.Errorf("expected X-OTX-API-KEY header, got %q", got)
		}
		if got := r.Header.Get("If-None-Match"); got != "" {
			t.Errorf("expected no validator on first fetch, got %q", got)
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Sun, 01 Jun 2025 12:00:00 GMT")
		w.Write([]byte(`{
			"results": [
				{
					"id": "pulse-1",
					"name": "Mirai tracking",
					"tags": ["botnet"],
					"indicators": [
						{"id": 1, "indicator": "203.0.113.9", "type": "IPv4"},
						{"id": 2, "indicator": "bad.example.org", "type": "domain"}
					]
				},
				{"id": "pulse-2", "name": "no indicators"}
			]
		}`))
	}))
	defer server.Close()

	source := NewOTXSource(FeedConfig{
		BaseURL:   server.URL,
		APIKeyEnv: "TEST_OTX_KEY",
		Timeout:   time.Second,
	}, zap.NewNop())

	tok := Tokens{}
	records, err := source.Fetch(context.Background(), &tok)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("expected 2 flattened records, got %d", len(records))
	}
	for _, rec := range records {
		if rec.Source != SourceOTX {
			t.Errorf("expected source otx, got %s", rec.Source)
		}
		if rec.Data["pulse_id"] != "pulse-1" {
			t.Errorf("expected pulse_id carried into record, got %v", rec.Data["pulse_id"])
		}
		if _, ok := rec.Data["indicator"].(map[string]any); !ok {
			t.Errorf("expected indicator map in record, got %T", rec.Data["indicator"])
		}
		if _, ok := rec.Data["pulse"].(map[string]any); !ok {
			t.Errorf("expected pulse map in record, got %T", rec.Data["pulse"])
		}
	}

	if tok.ETag != `"v1"` {
		t.Errorf("expected captured etag, got %q", tok.ETag)
	}
	if tok.LastModified != "Sun, 01 Jun 2025 12:00:00 GMT" {
		t.Errorf("expected captured last-modified, got %q", tok.LastModified)
	}
}

// TestOTXSource_NotModified verifies that a 304 answer yields no records,
// no error, and untouched validators.
func TestOTXSource_NotModified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("If-None-Match"); got != `"v1"` {
			t.Errorf("expected If-None-Match from tokens, got %q", got)
		}
		if got := r.Header.Get("If-Modified-Since"); got != "Sun, 01 Jun 2025 12:00:00 GMT" {
			t.Errorf("expected If-Modified-Since from tokens, got %q", got)
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	source := NewOTXSource(FeedConfig{BaseURL: server.URL, Timeout: time.Second}, zap.NewNop())

	tok := Tokens{ETag: `"v1"`, LastModified: "Sun, 01 Jun 2025 12:00:00 GMT"}
	records, err := source.Fetch(context.Background(), &tok)
	if err != nil {
		t.Fatalf("Fetch failed on 304: %v", err)
	}
	if records != nil {
		t.Errorf("expected nil records on 304, got %d", len(records))
	}
	if tok.ETag != `"v1"` {
		t.Errorf("expected validators untouched, got %q", tok.ETag)
	}
}

// TestDemoSource_Fetch verifies the synthetic records look like ThreatFox
// output and stay inside the documentation subnets.
func TestDemoSource_Fetch(t *testing.T) {
	source := NewDemoSource(FeedConfig{Interval: 5 * time.Second}, zap.NewNop())

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		records, err := source.Fetch(context.Background(), &Tokens{})
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if len(records) < 1 || len(records) > 3 {
			t.Fatalf("expected 1-3 records per cycle, got %d", len(records))
		}

		for _, rec := range records {
			id, _ := rec.Data["id"].(string)
			if !strings.HasPrefix(id, "demo-") {
				t.Errorf("expected demo id prefix, got %q", id)
			}
			if seen[id] {
				t.Errorf("duplicate demo id %q", id)
			}
			seen[id] = true

			ioc, _ := rec.Data["ioc"].(string)
			var inSubnet bool
			for _, subnet := range demoSubnets {
				if strings.HasPrefix(ioc, subnet+".") {
					inSubnet = true
				}
			}
			if !inSubnet {
				t.Errorf("expected ioc inside a documentation subnet, got %q", ioc)
			}
			if rec.Data["ioc_type"] != "ip:port" {
				t.Errorf("expected ip:port records, got %v", rec.Data["ioc_type"])
			}

			conf, _ := rec.Data["confidence_level"].(float64)
			if conf < 50 || conf > 90 {
				t.Errorf("expected confidence between 50 and 90, got %v", conf)
			}
		}
	}
}

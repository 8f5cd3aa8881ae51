// Package enrichment provides best-effort context for indicators.
// The resolver maps an IP address to country and coordinates via the
// ip-api.com JSON endpoint, behind a TTL cache with an optional shared
// redis tier. Lookups degrade to empty enrichment on any failure; nothing
// here is allowed to block or fail the pipeline.
package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	geoDefaultBaseURL = "http://ip-api.com/json"
	geoRedisKeyPrefix = "threatpulse:geo:"

	// ip-api returns these fields when asked; anything else is dead weight.
	geoFieldList = "status,country,countryCode,lat,lon"
)

// Enrichment is the geolocation attached to ip-type indicator events.
type Enrichment struct {
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// GeoConfig holds geolocation resolver configuration.
type GeoConfig struct {
	Enabled     bool          `yaml:"enabled"`
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	NegativeTTL time.Duration `yaml:"negative_ttl"`
}

// DefaultGeoConfig returns sensible defaults for the resolver.
func DefaultGeoConfig() GeoConfig {
	return GeoConfig{
		Enabled:     true,
		BaseURL:     geoDefaultBaseURL,
		Timeout:     800 * time.Millisecond,
		CacheTTL:    24 * time.Hour,
		NegativeTTL: 5 * time.Minute,
	}
}

// GeoStats tracks resolver activity.
type GeoStats struct {
	Lookups   int64 `json:"lookups"`
	CacheHits int64 `json:"cache_hits"`
	RedisHits int64 `json:"redis_hits"`
	Failures  int64 `json:"failures"`
}

// geoCache provides thread-safe caching for geo lookups.
type geoCache struct {
	mu      sync.RWMutex
	entries map[string]*geoCacheEntry
}

type geoCacheEntry struct {
	enrichment Enrichment
	expiresAt  time.Time
	failed     bool // Cache failed lookups too, on a shorter TTL
}

func newGeoCache() *geoCache {
	return &geoCache{entries: make(map[string]*geoCacheEntry)}
}

func (c *geoCache) get(ip string) (Enrichment, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[ip]
	if !exists {
		return Enrichment{}, false, false
	}

	if time.Now().After(entry.expiresAt) {
		return Enrichment{}, false, false
	}

	return entry.enrichment, entry.failed, true
}

func (c *geoCache) set(ip string, enr Enrichment, failed bool, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[ip] = &geoCacheEntry{
		enrichment: enr,
		expiresAt:  time.Now().Add(ttl),
		failed:     failed,
	}
}

// cleanup removes expired entries (call periodically).
func (c *geoCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for ip, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, ip)
		}
	}
}

func (c *geoCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*geoCacheEntry)
}

// GeoResolver answers "where is this IP" without ever failing the caller.
type GeoResolver struct {
	config     GeoConfig
	httpClient *http.Client
	cache      *geoCache
	rdb        *redis.Client
	logger     *zap.Logger

	mu    sync.RWMutex
	stats GeoStats

	stop     chan struct{}
	stopOnce sync.Once
}

// NewGeoResolver creates a resolver. rdb may be nil; the shared cache tier
// is skipped entirely without it.
func NewGeoResolver(config GeoConfig, rdb *redis.Client, logger *zap.Logger) *GeoResolver {
	if config.BaseURL == "" {
		config.BaseURL = geoDefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 800 * time.Millisecond
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 24 * time.Hour
	}
	if config.NegativeTTL <= 0 {
		config.NegativeTTL = 5 * time.Minute
	}

	r := &GeoResolver{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		cache:      newGeoCache(),
		rdb:        rdb,
		logger:     logger,
		stop:       make(chan struct{}),
	}

	go r.startCacheCleanup()

	return r
}

func (r *GeoResolver) startCacheCleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.cache.cleanup()
		case <-r.stop:
			return
		}
	}
}

// Close stops the cache janitor.
func (r *GeoResolver) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Stats returns a copy of the resolver counters.
func (r *GeoResolver) Stats() GeoStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// Clear drops the in-memory cache tier and, when a redis tier is attached,
// deletes its keys as well.
func (r *GeoResolver) Clear(ctx context.Context) {
	r.cache.clear()

	if r.rdb == nil {
		return
	}

	iter := r.rdb.Scan(ctx, 0, geoRedisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			r.logger.Debug("geo cache redis delete failed", zap.Error(err))
			return
		}
	}
	if err := iter.Err(); err != nil {
		r.logger.Debug("geo cache redis scan failed", zap.Error(err))
	}
}

// geoAPIResponse is the ip-api.com answer shape.
type geoAPIResponse struct {
	Status      string  `json:"status"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

// Resolve maps an IP to its enrichment. Returns nil when disabled, the
// input is not an IP address, or the lookup fails; it never returns an
// error. Results are cached for the configured TTL, failures for the
// shorter negative TTL.
func (r *GeoResolver) Resolve(ctx context.Context, ip string) *Enrichment {
	if !r.config.Enabled {
		return nil
	}

	if net.ParseIP(ip) == nil {
		return nil
	}

	if enr, failed, hit := r.cache.get(ip); hit {
		r.mu.Lock()
		r.stats.CacheHits++
		r.mu.Unlock()
		if failed {
			return nil
		}
		out := enr
		return &out
	}

	if enr, ok := r.redisGet(ctx, ip); ok {
		r.cache.set(ip, *enr, false, r.config.CacheTTL)
		r.mu.Lock()
		r.stats.RedisHits++
		r.mu.Unlock()
		return enr
	}

	r.mu.Lock()
	r.stats.Lookups++
	r.mu.Unlock()

	enr, err := r.lookup(ctx, ip)
	if err != nil {
		r.logger.Debug("geo lookup failed",
			zap.String("ip", ip),
			zap.Error(err),
		)
		r.cache.set(ip, Enrichment{}, true, r.config.NegativeTTL)
		r.mu.Lock()
		r.stats.Failures++
		r.mu.Unlock()
		return nil
	}

	r.cache.set(ip, *enr, false, r.config.CacheTTL)
	r.redisSet(ctx, ip, enr)

	return enr
}

func (r *GeoResolver) lookup(ctx context.Context, ip string) (*Enrichment, error) {
	url := fmt.Sprintf("%s/%s?fields=%s", r.config.BaseURL, ip, geoFieldList)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating geo request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo lookup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo lookup returned status %d", resp.StatusCode)
	}

	var body geoAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding geo response: %w", err)
	}

	if body.Status != "success" {
		return nil, fmt.Errorf("geo lookup refused for %s", ip)
	}

	country := body.CountryCode
	if country == "" {
		country = body.Country
	}

	return &Enrichment{
		Country:   country,
		Latitude:  body.Lat,
		Longitude: body.Lon,
	}, nil
}

func (r *GeoResolver) redisGet(ctx context.Context, ip string) (*Enrichment, bool) {
	if r.rdb == nil {
		return nil, false
	}

	val, err := r.rdb.Get(ctx, geoRedisKeyPrefix+ip).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.Debug("geo cache redis get failed", zap.Error(err))
		}
		return nil, false
	}

	var enr Enrichment
	if err := json.Unmarshal([]byte(val), &enr); err != nil {
		return nil, false
	}

	return &enr, true
}

func (r *GeoResolver) redisSet(ctx context.Context, ip string, enr *Enrichment) {
	if r.rdb == nil {
		return
	}

	data, err := json.Marshal(enr)
	if err != nil {
		return
	}

	if err := r.rdb.Set(ctx, geoRedisKeyPrefix+ip, data, r.config.CacheTTL).Err(); err != nil {
		r.logger.Debug("geo cache redis set failed", zap.Error(err))
	}
}

// Package pipeline wires feed polling, normalization, dedup, collapse
// and dispatch into one runnable unit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/collapse"
	"github.com/lvonguyen/threatpulse/internal/config"
	"github.com/lvonguyen/threatpulse/internal/dedup"
	"github.com/lvonguyen/threatpulse/internal/dispatch"
	"github.com/lvonguyen/threatpulse/internal/enrichment"
	"github.com/lvonguyen/threatpulse/internal/forward"
	"github.com/lvonguyen/threatpulse/internal/ingestion"
	"github.com/lvonguyen/threatpulse/internal/normalization"
	"github.com/lvonguyen/threatpulse/internal/observability"
)

// degradedThreshold is how many consecutive non-success cycles every
// feed must accumulate before the service reports itself degraded.
const degradedThreshold = 5

// poller pairs a source with its fetch state.
type poller struct {
	source ingestion.Source
	state  *ingestion.FeedState
}

// Stats are the pipeline flow counters since startup.
type Stats struct {
	Received   int64 `json:"received"`
	Emitted    int64 `json:"emitted"`
	Suppressed int64 `json:"suppressed"`
	Skipped    int64 `json:"skipped"`
	Dropped    int64 `json:"dropped"`
	Collapsed  int64 `json:"collapsed"`
}

// Pipeline owns the whole ingest-to-broadcast flow. Construct with New,
// add any extra sources, then Start; Close stops every goroutine and
// waits for them.
type Pipeline struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics

	geo        *enrichment.GeoResolver
	scorer     *normalization.Scorer
	normalizer *normalization.Normalizer
	index      *dedup.Index
	aggregator *collapse.Aggregator
	dispatcher *dispatch.Dispatcher
	forwarder  *forward.SplunkForwarder
	pollers    []*poller

	received   atomic.Int64
	emitted    atomic.Int64
	suppressed atomic.Int64
	skipped    atomic.Int64
	dropped    atomic.Int64
	collapsed  atomic.Int64

	checkInterval time.Duration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New assembles a pipeline from configuration. rdb may be nil when redis
// is not deployed; the geo cache then runs memory-only.
func New(cfg *config.Config, telemetry *observability.Telemetry, rdb *redis.Client) (*Pipeline, error) {
	logger := telemetry.Logger()

	checkInterval := cfg.Pipeline.CheckInterval
	if checkInterval <= 0 {
		checkInterval = time.Second
	}

	p := &Pipeline{
		config:        cfg,
		logger:        logger,
		metrics:       telemetry.Metrics(),
		checkInterval: checkInterval,
	}

	if cfg.Geo.Enabled {
		p.geo = enrichment.NewGeoResolver(cfg.Geo, rdb, logger)
	}
	p.scorer = normalization.NewScorer(cfg.Scoring)
	p.normalizer = normalization.NewNormalizer(p.geo, p.scorer, logger)
	p.index = dedup.NewIndex(cfg.Dedup)
	p.dispatcher = dispatch.NewDispatcher(cfg.Dispatch, logger)
	p.aggregator = collapse.NewAggregator(cfg.Collapse, p.emitSummary, logger)
	p.dispatcher.SetStatusProvider(p.statusMessages)

	if cfg.Feeds.ThreatFox.Enabled {
		p.addPoller(ingestion.NewThreatFoxSource(cfg.Feeds.ThreatFox, logger), cfg.Feeds.ThreatFox)
	}
	if cfg.Feeds.URLHaus.Enabled {
		p.addPoller(ingestion.NewURLHausSource(cfg.Feeds.URLHaus, logger), cfg.Feeds.URLHaus)
	}
	if cfg.Feeds.MalwareBazaar.Enabled {
		p.addPoller(ingestion.NewMalwareBazaarSource(cfg.Feeds.MalwareBazaar, logger), cfg.Feeds.MalwareBazaar)
	}
	if cfg.Feeds.OTX.Enabled {
		p.addPoller(ingestion.NewOTXSource(cfg.Feeds.OTX, logger), cfg.Feeds.OTX)
	}
	if cfg.Feeds.Demo.Enabled {
		p.addPoller(ingestion.NewDemoSource(cfg.Feeds.Demo, logger), cfg.Feeds.Demo)
	}

	if cfg.Forward.Splunk.Enabled {
		forwarder, err := forward.NewSplunkForwarder(cfg.Forward.Splunk, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create splunk forwarder: %w", err)
		}
		p.forwarder = forwarder
	}

	return p, nil
}

func (p *Pipeline) addPoller(src ingestion.Source, fc ingestion.FeedConfig) {
	base := fc.BackoffBase
	if base <= 0 {
		base = fc.Interval
	}
	p.pollers = append(p.pollers, &poller{
		source: src,
		state:  ingestion.NewFeedState(src.Name(), base),
	})
}

// AddSource registers an extra feed before Start. backoffBase zero means
// use the source's interval.
func (p *Pipeline) AddSource(src ingestion.Source, backoffBase time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	if backoffBase <= 0 {
		backoffBase = src.Interval()
	}
	p.pollers = append(p.pollers, &poller{
		source: src,
		state:  ingestion.NewFeedState(src.Name(), backoffBase),
	})
}

// Start launches the dispatcher, the collapse sweeper and one poll loop
// per feed. It returns immediately; Close tears everything down.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pipeline already started")
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.dispatcher.Run(runCtx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.aggregator.Run(runCtx)
	}()

	for _, pl := range p.pollers {
		p.wg.Add(1)
		go p.pollLoop(runCtx, pl)
	}

	if p.forwarder != nil {
		sub := p.dispatcher.Subscribe()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.forwarder.Run(runCtx, sub)
		}()
	}

	p.wg.Add(1)
	go p.gaugeLoop(runCtx)

	p.logger.Info("pipeline started",
		zap.Int("feeds", len(p.pollers)),
		zap.Duration("check_interval", p.checkInterval))
	return nil
}

// Close stops the pipeline and waits for its goroutines.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if !p.started || p.cancel == nil {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.dispatcher.CloseAll()
	if p.geo != nil {
		p.geo.Close()
	}
	p.logger.Info("pipeline stopped")
}

// pollLoop runs one feed's schedule. The loop wakes on the check
// interval, so backoff expiry and due times are honored at that
// granularity rather than with per-feed timers.
func (p *Pipeline) pollLoop(ctx context.Context, pl *poller) {
	defer p.wg.Done()

	interval := pl.source.Interval()
	next := time.Now()

	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	for {
		now := time.Now()
		if !now.Before(next) && !pl.state.Waiting(now) {
			p.cycle(ctx, pl)
			next = now.Add(interval)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cycle performs one fetch and routes the outcome through the state
// machine. A status label change is broadcast to subscribers.
func (p *Pipeline) cycle(ctx context.Context, pl *poller) {
	src, state := pl.source, pl.state
	name := src.Name()
	prev := state.Status()

	tok := state.Tokens()
	start := time.Now()
	records, err := src.Fetch(ctx, &tok)
	p.metrics.FeedFetchSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())

	now := time.Now()
	if err != nil {
		if errors.Is(err, ingestion.ErrUnauthorized) {
			state.Unauthorized(now)
			p.logger.Warn("feed rejected credentials", zap.String("feed", name))
		} else {
			state.Fail(now, err)
			p.logger.Warn("feed fetch failed",
				zap.String("feed", name),
				zap.String("status", string(state.Status())),
				zap.Time("backoff_until", state.BackoffUntil()),
				zap.Error(err))
		}
	} else {
		state.SetTokens(tok)
		state.Succeed(now, len(records))
		for i := range records {
			if ctx.Err() != nil {
				return
			}
			p.ingest(ctx, records[i])
		}
		p.logger.Debug("feed cycle complete",
			zap.String("feed", name),
			zap.Int("records", len(records)))
	}
	p.metrics.FeedFetches.WithLabelValues(name, string(state.Status())).Inc()

	if cur := state.Status(); cur != prev {
		p.enqueue(dispatch.NewStatusMessage(name, string(cur), state.Message()))
	}
}

// ingest runs one raw record through normalize, dedup, dispatch and
// collapse.
func (p *Pipeline) ingest(ctx context.Context, rec ingestion.RawRecord) {
	p.received.Add(1)
	p.metrics.EventsReceived.WithLabelValues(rec.Source).Inc()

	ev, ok := p.normalizer.Normalize(ctx, rec)
	if !ok {
		p.skipped.Add(1)
		p.metrics.EventsSkipped.Inc()
		return
	}

	if !p.index.Admit(ev) {
		p.suppressed.Add(1)
		p.metrics.EventsSuppressed.Inc()
		return
	}

	if p.enqueue(dispatch.NewAttackMessage(ev)) {
		p.emitted.Add(1)
		p.metrics.EventsEmitted.Inc()
	}
	p.aggregator.Observe(*ev)
}

func (p *Pipeline) enqueue(msg dispatch.Message) bool {
	if p.dispatcher.Enqueue(msg) {
		return true
	}
	p.dropped.Add(1)
	p.metrics.EventsDropped.Inc()
	return false
}

// emitSummary forwards a collapse summary to subscribers.
func (p *Pipeline) emitSummary(s collapse.Summary) {
	p.collapsed.Add(1)
	p.metrics.CollapseFolds.Inc()
	p.enqueue(dispatch.NewCollapseMessage(s.Key, s.Count, s.Since, s.Headline))
}

// statusMessages builds the per-feed status snapshot new subscribers are
// preloaded with.
func (p *Pipeline) statusMessages() []dispatch.Message {
	msgs := make([]dispatch.Message, 0, len(p.pollers))
	for _, pl := range p.pollers {
		snap := pl.state.Snapshot()
		msgs = append(msgs, dispatch.NewStatusMessage(snap.Source, string(snap.Status), snap.Message))
	}
	return msgs
}

// gaugeLoop keeps the occupancy gauges current.
func (p *Pipeline) gaugeLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.metrics.QueueDepth.Set(float64(p.dispatcher.QueueDepth()))
			p.metrics.BufferSize.Set(float64(p.index.Len()))
			p.metrics.Subscribers.Set(float64(p.dispatcher.Stats().Subscribers))
			healthy := 1.0
			if p.Degraded() {
				healthy = 0
			}
			p.metrics.HealthStatus.WithLabelValues("pipeline").Set(healthy)
		}
	}
}

// Subscribe attaches a stream consumer.
func (p *Pipeline) Subscribe() *dispatch.Subscription {
	return p.dispatcher.Subscribe()
}

// Unsubscribe detaches a stream consumer.
func (p *Pipeline) Unsubscribe(sub *dispatch.Subscription) {
	p.dispatcher.Unsubscribe(sub)
}

// Degraded reports whether every feed has failed at least five
// consecutive cycles. A single healthy feed keeps the service out of
// degraded.
func (p *Pipeline) Degraded() bool {
	if len(p.pollers) == 0 {
		return false
	}
	for _, pl := range p.pollers {
		if pl.state.Failures() < degradedThreshold {
			return false
		}
	}
	return true
}

// FeedStates returns per-feed state snapshots keyed by source name.
func (p *Pipeline) FeedStates() map[string]ingestion.StateSnapshot {
	states := make(map[string]ingestion.StateSnapshot, len(p.pollers))
	for _, pl := range p.pollers {
		states[pl.source.Name()] = pl.state.Snapshot()
	}
	return states
}

// Snapshot returns copies of the newest buffered events.
func (p *Pipeline) Snapshot(limit int) []normalization.IndicatorEvent {
	return p.index.Snapshot(limit)
}

// BufferLen returns the live event count.
func (p *Pipeline) BufferLen() int {
	return p.index.Len()
}

// QueueDepth returns the pending dispatch queue length.
func (p *Pipeline) QueueDepth() int {
	return p.dispatcher.QueueDepth()
}

// Stats returns the flow counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:   p.received.Load(),
		Emitted:    p.emitted.Load(),
		Suppressed: p.suppressed.Load(),
		Skipped:    p.skipped.Load(),
		Dropped:    p.dropped.Load(),
		Collapsed:  p.collapsed.Load(),
	}
}

// DedupStats returns the index decision counters.
func (p *Pipeline) DedupStats() dedup.Stats {
	return p.index.Stats()
}

// Clear empties the event buffer, the collapse buckets, the
// corroboration history and the geo caches. Feed states and counters
// survive.
func (p *Pipeline) Clear(ctx context.Context) int {
	n := p.index.Clear()
	p.aggregator.Reset()
	p.scorer.Clear()
	if p.geo != nil {
		p.geo.Clear(ctx)
	}
	p.logger.Info("buffers cleared", zap.Int("events", n))
	return n
}

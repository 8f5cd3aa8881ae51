// Package dispatch buffers pipeline output and fans it out to
// subscribers at a human-readable pace.
package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/normalization"
)

// Message kinds.
const (
	KindAttack   = "attack"
	KindCollapse = "collapse"
	KindStatus   = "status"
)

// Severity labels derived from confidence.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Message is the subscriber-facing wire unit. Kind selects which of the
// remaining fields are populated.
type Message struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity,omitempty"`

	Event *normalization.IndicatorEvent `json:"event,omitempty"`

	IOC      string `json:"ioc,omitempty"`
	Count    int    `json:"count,omitempty"`
	Since    string `json:"since,omitempty"`
	Headline string `json:"headline,omitempty"`

	Feed   string `json:"feed,omitempty"`
	Status string `json:"status,omitempty"`
	Detail string `json:"message,omitempty"`
}

// NewAttackMessage wraps an admitted event.
func NewAttackMessage(ev *normalization.IndicatorEvent) Message {
	return Message{
		Kind:     KindAttack,
		Severity: severityFor(ev.Confidence),
		Event:    ev,
	}
}

// NewCollapseMessage wraps a burst summary.
func NewCollapseMessage(ioc string, count int, since time.Time, headline string) Message {
	return Message{
		Kind:     KindCollapse,
		IOC:      ioc,
		Count:    count,
		Since:    since.UTC().Format(time.RFC3339),
		Headline: headline,
	}
}

// NewStatusMessage wraps a feed status change.
func NewStatusMessage(feed, status, detail string) Message {
	return Message{
		Kind:   KindStatus,
		Feed:   feed,
		Status: status,
		Detail: detail,
	}
}

func severityFor(confidence int) string {
	switch {
	case confidence < 30:
		return SeverityLow
	case confidence < 70:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

// Config configures the dispatcher.
type Config struct {
	// QueueSize bounds the pending queue; arrivals past it are dropped
	// and counted rather than blocking the pipeline.
	QueueSize int `yaml:"queue_size"`
	// PacingMin and PacingMax bound the uniform delay between
	// broadcasts.
	PacingMin time.Duration `yaml:"pacing_min"`
	PacingMax time.Duration `yaml:"pacing_max"`
	// JitterChance is the probability of adding a longer lull on top of
	// the base delay.
	JitterChance float64       `yaml:"jitter_chance"`
	JitterMin    time.Duration `yaml:"jitter_min"`
	JitterMax    time.Duration `yaml:"jitter_max"`
	// SubscriberBuffer is each subscriber channel's capacity. A
	// subscriber that lets it fill is removed.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// DefaultConfig returns the stock dispatch configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:        1000,
		PacingMin:        330 * time.Millisecond,
		PacingMax:        time.Second,
		JitterChance:     0.2,
		JitterMin:        time.Second,
		JitterMax:        8 * time.Second,
		SubscriberBuffer: 64,
	}
}

// Stats counts dispatcher activity since startup.
type Stats struct {
	Enqueued    int64 `json:"enqueued"`
	Broadcast   int64 `json:"broadcast"`
	Dropped     int64 `json:"dropped"`
	Removed     int64 `json:"removed"`
	Subscribers int   `json:"subscribers"`
}

// Subscription is one attached consumer.
type Subscription struct {
	// C delivers broadcast messages. It is closed when the subscriber
	// is removed or the dispatcher shuts down.
	C  <-chan Message
	id uint64
	ch chan Message
}

// Dispatcher owns the bounded queue and the subscriber set. One Run
// goroutine drains the queue; any goroutine may enqueue or subscribe.
type Dispatcher struct {
	config Config
	logger *zap.Logger

	queue chan Message
	rng   *rand.Rand

	mu       sync.RWMutex
	subs     map[uint64]*Subscription
	nextID   uint64
	statusFn func() []Message
	stats    Stats
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(config Config, logger *zap.Logger) *Dispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = 64
	}
	if config.PacingMax < config.PacingMin {
		config.PacingMax = config.PacingMin
	}
	if config.JitterMax < config.JitterMin {
		config.JitterMax = config.JitterMin
	}
	return &Dispatcher{
		config: config,
		logger: logger,
		queue:  make(chan Message, config.QueueSize),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		subs:   make(map[uint64]*Subscription),
	}
}

// SetStatusProvider installs the function producing the status snapshot
// new subscribers receive before live traffic. Set it before Subscribe
// is reachable.
func (d *Dispatcher) SetStatusProvider(fn func() []Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statusFn = fn
}

// Enqueue queues a message for broadcast. It never blocks; when the
// queue is full the message is dropped and counted.
func (d *Dispatcher) Enqueue(msg Message) bool {
	select {
	case d.queue <- msg:
		d.mu.Lock()
		d.stats.Enqueued++
		d.mu.Unlock()
		return true
	default:
		d.mu.Lock()
		d.stats.Dropped++
		d.mu.Unlock()
		d.logger.Debug("dispatch queue full, dropping message",
			zap.String("kind", msg.Kind))
		return false
	}
}

// QueueDepth returns the number of queued messages.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// Subscribe attaches a consumer. Its channel is preloaded with the
// current status snapshot so a fresh client can render feed health
// before the first live message.
func (d *Dispatcher) Subscribe() *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	var preload []Message
	if d.statusFn != nil {
		preload = d.statusFn()
	}

	size := d.config.SubscriberBuffer
	if size < len(preload)+1 {
		size = len(preload) + 1
	}

	ch := make(chan Message, size)
	for _, msg := range preload {
		ch <- msg
	}

	d.nextID++
	sub := &Subscription{C: ch, id: d.nextID, ch: ch}
	d.subs[sub.id] = sub
	d.stats.Subscribers = len(d.subs)
	return sub
}

// Unsubscribe detaches a consumer and closes its channel. Detaching an
// already-removed subscription is a no-op.
func (d *Dispatcher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(sub.id)
}

func (d *Dispatcher) removeLocked(id uint64) {
	sub, ok := d.subs[id]
	if !ok {
		return
	}
	delete(d.subs, id)
	close(sub.ch)
	d.stats.Subscribers = len(d.subs)
}

// CloseAll detaches every subscriber. Called on shutdown so consumers
// observe end-of-stream promptly.
func (d *Dispatcher) CloseAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.subs {
		d.removeLocked(id)
	}
}

// Stats returns a copy of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stats
}

// Run drains the queue until ctx is done, pausing between broadcasts so
// downstream consumers see a steady trickle rather than raw feed bursts.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.queue:
			d.broadcast(msg)
			if !d.pause(ctx) {
				return
			}
		}
	}
}

// broadcast sends to every subscriber without blocking. A subscriber
// with a full channel is removed and its channel closed; one stalled
// reader never holds up the rest. Sends happen under the lock, and the
// sends themselves never block, so a concurrent Unsubscribe cannot close
// a channel mid-send.
func (d *Dispatcher) broadcast(msg Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Broadcast++
	for id, sub := range d.subs {
		select {
		case sub.ch <- msg:
		default:
			d.removeLocked(id)
			d.stats.Removed++
			d.logger.Warn("removing slow subscriber", zap.Uint64("id", id))
		}
	}
}

// pause sleeps the pacing delay, returning false when ctx ended first.
func (d *Dispatcher) pause(ctx context.Context) bool {
	delay := d.config.PacingMin
	if span := d.config.PacingMax - d.config.PacingMin; span > 0 {
		delay += time.Duration(d.rng.Int63n(int64(span) + 1))
	}
	if d.config.JitterChance > 0 && d.rng.Float64() < d.config.JitterChance {
		delay += d.config.JitterMin
		if span := d.config.JitterMax - d.config.JitterMin; span > 0 {
			delay += time.Duration(d.rng.Int63n(int64(span) + 1))
		}
	}
	if delay <= 0 {
		return true
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

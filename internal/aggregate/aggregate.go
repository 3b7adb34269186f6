// Package aggregate coalesces bursts of same-kind events to the same target
// into batched frames before they reach the dispatcher.
package aggregate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"clanforge/hub/internal/logging"
	"clanforge/hub/internal/monitor"
	"clanforge/hub/internal/protocol"
)

// Policy decides how a kind moves through the aggregator.
type Policy int

const (
	// PolicyPassthrough forwards each event immediately, in order.
	PolicyPassthrough Policy = iota
	// PolicyAggregate buffers events and emits a single batch frame.
	PolicyAggregate
)

// DefaultPolicies lists the kinds worth batching. High-frequency score and
// balance churn collapses well; everything else defaults to passthrough.
var DefaultPolicies = map[string]Policy{
	"clan.leaderboard_updated": PolicyAggregate,
	"user.reputation_changed":  PolicyAggregate,
	"user.balance_updated":     PolicyAggregate,
}

const (
	// DefaultWindow is the rolling aggregation window.
	DefaultWindow = time.Second
	// DefaultBatchSize flushes a buffer regardless of the window.
	DefaultBatchSize = 50
	// defaultMaxBuffer bounds a target buffer; past it the oldest items
	// are shed.
	defaultMaxBuffer = 256
)

// Publisher receives flushed events. The dispatcher satisfies it.
type Publisher interface {
	Publish(event *protocol.Event) error
}

// batchPayload is the wire shape of an aggregated frame.
type batchPayload struct {
	Kind   string            `json:"kind"`
	Count  int               `json:"count"`
	Events []json.RawMessage `json:"events"`
}

type buffer struct {
	target  protocol.TargetSpec
	kind    string
	events  []json.RawMessage
	firstAt time.Time
}

// Aggregator buffers events per (target, kind) pair. Publish never blocks
// the caller; overflow sheds the oldest buffered items.
type Aggregator struct {
	publisher Publisher
	metrics   *monitor.Metrics
	log       *logging.Logger
	now       func() time.Time

	window    time.Duration
	batchSize int
	maxBuffer int
	policies  map[string]Policy

	mu      sync.Mutex
	buffers map[string]*buffer
}

// Options configures an Aggregator.
type Options struct {
	Publisher  Publisher
	Metrics    *monitor.Metrics
	Logger     *logging.Logger
	Window     time.Duration
	BatchSize  int
	MaxBuffer  int
	Policies   map[string]Policy
	TimeSource func() time.Time
}

// New constructs an aggregator in front of the publisher.
func New(opts Options) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	maxBuffer := opts.MaxBuffer
	if maxBuffer <= 0 {
		maxBuffer = defaultMaxBuffer
	}
	policies := opts.Policies
	if policies == nil {
		policies = DefaultPolicies
	}
	return &Aggregator{
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		log:       logger,
		now:       now,
		window:    window,
		batchSize: batchSize,
		maxBuffer: maxBuffer,
		policies:  policies,
		buffers:   make(map[string]*buffer),
	}
}

// Publish accepts one event. Passthrough kinds go straight to the next
// publisher; aggregate kinds are buffered until the window closes or the
// batch fills.
func (a *Aggregator) Publish(event *protocol.Event) error {
	if a == nil || event == nil {
		return nil
	}
	if a.policies[event.Kind] != PolicyAggregate {
		return a.publisher.Publish(event)
	}

	key := event.Target.Topic() + "|" + event.Kind

	a.mu.Lock()
	buf, ok := a.buffers[key]
	if !ok {
		buf = &buffer{target: event.Target, kind: event.Kind, firstAt: a.now()}
		a.buffers[key] = buf
	}
	if len(buf.events) >= a.maxBuffer {
		shed := len(buf.events) - a.maxBuffer + 1
		buf.events = buf.events[shed:]
		a.metrics.AggregatorDrops.Add(float64(shed))
		a.log.Warn("aggregator buffer full, oldest events shed",
			logging.String("kind", buf.kind),
			logging.Int("shed", shed))
	}
	buf.events = append(buf.events, event.Payload)

	var flushed *protocol.Event
	if len(buf.events) >= a.batchSize {
		flushed = a.drainLocked(key, buf)
	}
	a.mu.Unlock()

	if flushed != nil {
		return a.publisher.Publish(flushed)
	}
	return nil
}

// drainLocked removes the buffer and renders its flush event. Caller holds
// the mutex; the publish happens outside it.
func (a *Aggregator) drainLocked(key string, buf *buffer) *protocol.Event {
	delete(a.buffers, key)
	if len(buf.events) == 0 {
		return nil
	}
	// A batch of one keeps its original shape.
	if len(buf.events) == 1 {
		return &protocol.Event{
			Kind:      buf.kind,
			Payload:   buf.events[0],
			EmittedAt: a.now(),
			Target:    buf.target,
		}
	}
	payload, err := json.Marshal(batchPayload{
		Kind:   buf.kind,
		Count:  len(buf.events),
		Events: buf.events,
	})
	if err != nil {
		a.log.Error("batch payload marshal failed",
			logging.String("kind", buf.kind),
			logging.Error(err))
		return nil
	}
	return &protocol.Event{
		Kind:      protocol.FrameBatch,
		Payload:   payload,
		EmittedAt: a.now(),
		Target:    buf.target,
	}
}

// FlushExpired flushes every buffer whose window has elapsed. The run loop
// calls it on a timer; tests call it directly.
func (a *Aggregator) FlushExpired() {
	if a == nil {
		return
	}
	now := a.now()

	a.mu.Lock()
	var flushed []*protocol.Event
	for key, buf := range a.buffers {
		if now.Sub(buf.firstAt) >= a.window {
			if event := a.drainLocked(key, buf); event != nil {
				flushed = append(flushed, event)
			}
		}
	}
	a.mu.Unlock()

	for _, event := range flushed {
		if err := a.publisher.Publish(event); err != nil {
			a.log.Warn("batch publish failed",
				logging.String("kind", event.Kind),
				logging.Error(err))
		}
	}
}

// FlushAll drains every buffer immediately. Used at shutdown.
func (a *Aggregator) FlushAll() {
	if a == nil {
		return
	}
	a.mu.Lock()
	var flushed []*protocol.Event
	for key, buf := range a.buffers {
		if event := a.drainLocked(key, buf); event != nil {
			flushed = append(flushed, event)
		}
	}
	a.mu.Unlock()

	for _, event := range flushed {
		_ = a.publisher.Publish(event)
	}
}

// Run drives the window flush until the context is cancelled, then drains.
func (a *Aggregator) Run(ctx context.Context) {
	if a == nil {
		return
	}
	tick := a.window / 4
	if tick <= 0 {
		tick = 250 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.FlushAll()
			return
		case <-ticker.C:
			a.FlushExpired()
		}
	}
}

// Buffered reports the number of open buffers, for the admin surface.
func (a *Aggregator) Buffered() int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"clanforge/hub/internal/logging"
)

// DefaultSampleInterval is how often the collector records a sample.
const DefaultSampleInterval = 10 * time.Second

// sampleRetention bounds the in-memory sample ring; the analyzer reads the
// last ten minutes, retention keeps a little slack beyond that.
const sampleRetention = 15 * time.Minute

// Sample is one periodic observation of hub resource health.
type Sample struct {
	At             time.Time
	HeapRatio      float64
	CPU            float64
	LoopLagMs      float64
	ResponseTimeMs float64
	ErrorRate      float64
	Throughput     float64
	Connections    int
}

// Sources supplies the live values the collector cannot read from the
// runtime by itself.
type Sources struct {
	ConnCounts   func() (total, authenticated, healthy int)
	RoomCount    func() int
	ResponseTime func() time.Duration
}

// Collector samples resource health on a fixed cadence and keeps a bounded
// in-memory series for the analyzer.
type Collector struct {
	metrics  *Metrics
	sources  Sources
	log      *logging.Logger
	interval time.Duration
	now      func() time.Time

	cpuPercent func() (float64, error)

	mu           sync.Mutex
	samples      []Sample
	lastRequests int64
	lastErrors   int64
	lastTick     time.Time
}

// CollectorOption mutates a Collector during construction.
type CollectorOption func(*Collector)

// WithCollectorClock overrides the collector clock for tests.
func WithCollectorClock(clock func() time.Time) CollectorOption {
	return func(c *Collector) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithCPUProbe overrides the CPU measurement, primarily for tests.
func WithCPUProbe(probe func() (float64, error)) CollectorOption {
	return func(c *Collector) {
		if probe != nil {
			c.cpuPercent = probe
		}
	}
}

// WithSampleInterval overrides the sampling cadence.
func WithSampleInterval(interval time.Duration) CollectorOption {
	return func(c *Collector) {
		if interval > 0 {
			c.interval = interval
		}
	}
}

// NewCollector constructs a collector bound to the shared metrics.
func NewCollector(metrics *Metrics, sources Sources, logger *logging.Logger, opts ...CollectorOption) *Collector {
	if logger == nil {
		logger = logging.L()
	}
	c := &Collector{
		metrics:  metrics,
		sources:  sources,
		log:      logger,
		interval: DefaultSampleInterval,
		now:      time.Now,
		cpuPercent: func() (float64, error) {
			values, err := cpu.Percent(0, false)
			if err != nil || len(values) == 0 {
				return 0, err
			}
			return values[0] / 100, nil
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run samples on the configured cadence until the context is cancelled.
func (c *Collector) Run(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SampleOnce()
		}
	}
}

// SampleOnce records a single sample. Exported so tests and the lifecycle
// can force a sample without waiting for the ticker.
func (c *Collector) SampleOnce() Sample {
	if c == nil {
		return Sample{}
	}
	now := c.now()

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	heapRatio := 0.0
	if stats.HeapSys > 0 {
		heapRatio = float64(stats.HeapAlloc) / float64(stats.HeapSys)
	}

	cpuLoad, err := c.cpuPercent()
	if err != nil {
		c.log.Debug("cpu probe failed", logging.Error(err))
	}

	sample := Sample{
		At:        now,
		HeapRatio: heapRatio,
		CPU:       cpuLoad,
	}

	if c.sources.ResponseTime != nil {
		sample.ResponseTimeMs = float64(c.sources.ResponseTime().Milliseconds())
	}
	if c.sources.ConnCounts != nil {
		total, authenticated, healthy := c.sources.ConnCounts()
		sample.Connections = total
		c.metrics.ConnectionsActive.Set(float64(total))
		c.metrics.ConnectionsAuthenticated.Set(float64(authenticated))
		c.metrics.ConnectionsHealthy.Set(float64(healthy))
	}
	if c.sources.RoomCount != nil {
		c.metrics.RoomsActive.Set(float64(c.sources.RoomCount()))
	}

	requests, errs := c.metrics.RequestTotals()

	c.mu.Lock()
	// Scheduler lag approximates event-loop latency: how far past its slot
	// the sampling tick actually fired.
	if !c.lastTick.IsZero() {
		expected := c.lastTick.Add(c.interval)
		if lag := now.Sub(expected); lag > 0 {
			sample.LoopLagMs = float64(lag.Milliseconds())
		}
		elapsed := now.Sub(c.lastTick).Seconds()
		reqDelta := requests - c.lastRequests
		errDelta := errs - c.lastErrors
		if elapsed > 0 {
			sample.Throughput = float64(reqDelta) / elapsed
		}
		if reqDelta > 0 {
			sample.ErrorRate = float64(errDelta) / float64(reqDelta)
		}
	}
	c.lastTick = now
	c.lastRequests = requests
	c.lastErrors = errs

	c.samples = append(c.samples, sample)
	cutoff := now.Add(-sampleRetention)
	for len(c.samples) > 0 && c.samples[0].At.Before(cutoff) {
		c.samples = c.samples[1:]
	}
	c.mu.Unlock()

	return sample
}

// Samples returns the collected samples within the window, oldest first.
func (c *Collector) Samples(window time.Duration) []Sample {
	if c == nil {
		return nil
	}
	cutoff := c.now().Add(-window)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sample, 0, len(c.samples))
	for _, sample := range c.samples {
		if !sample.At.Before(cutoff) {
			out = append(out, sample)
		}
	}
	return out
}

// Latest returns the most recent sample, if any.
func (c *Collector) Latest() (Sample, bool) {
	if c == nil {
		return Sample{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.samples) == 0 {
		return Sample{}, false
	}
	return c.samples[len(c.samples)-1], true
}

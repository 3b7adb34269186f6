package monitor

import (
	"context"
	"math"
	"sync"
	"time"

	"clanforge/hub/internal/logging"
)

// DefaultAnalyzeInterval is the cadence of the trend analyzer.
const DefaultAnalyzeInterval = 30 * time.Second

// analysisWindow is how far back the analyzer reads samples.
const analysisWindow = 10 * time.Minute

// alertRetention bounds the in-memory alert log.
const alertRetention = 24 * time.Hour

// Severity levels for alerts.
const (
	SeverityWarn     = "warn"
	SeverityCritical = "critical"
)

// Thresholds holds the target/warn/critical levels for one metric. For every
// tracked metric a higher value is worse.
type Thresholds struct {
	Target   float64
	Warn     float64
	Critical float64
}

// DefaultThresholds are the production defaults.
var DefaultThresholds = map[string]Thresholds{
	"heap_ratio":       {Target: 0.60, Warn: 0.75, Critical: 0.90},
	"cpu":              {Target: 0.50, Warn: 0.70, Critical: 0.85},
	"loop_lag_ms":      {Target: 20, Warn: 50, Critical: 100},
	"response_time_ms": {Target: 500, Warn: 1000, Critical: 2000},
	"error_rate":       {Target: 0.01, Warn: 0.05, Critical: 0.10},
}

var recommendations = map[string]string{
	"heap_ratio":       "reduce cache sizes or force a garbage collection",
	"cpu":              "tighten rate limits or add hub nodes",
	"loop_lag_ms":      "shed load, the scheduler is falling behind",
	"response_time_ms": "inspect slow clients and network saturation",
	"error_rate":       "inspect recent deploys and upstream dependencies",
	"memory_leak":      "capture a heap profile and restart the node during a quiet window",
}

// Alert records one threshold crossing. The log is append-only within a
// 24 hour window.
type Alert struct {
	Kind           string    `json:"kind"`
	Severity       string    `json:"severity"`
	Value          float64   `json:"value"`
	Threshold      float64   `json:"threshold"`
	EmittedAt      time.Time `json:"emitted_at"`
	Recommendation string    `json:"recommendation"`
}

// Trend summarises the recent movement of one metric.
type Trend struct {
	Metric     string  `json:"metric"`
	Direction  string  `json:"direction"`
	Slope      float64 `json:"slope"`
	Volatility float64 `json:"volatility"`
	ZScore     float64 `json:"z_score"`
	Latest     float64 `json:"latest"`
}

// Mitigator receives auto-mitigation commands when a metric goes critical.
type Mitigator interface {
	ForceGC()
	TightenRateLimits(factor float64)
	RestoreRateLimits()
}

// Analyzer periodically derives trends, raises alerts and drives mitigation.
type Analyzer struct {
	collector *Collector
	log       *logging.Logger
	now       func() time.Time
	mitigator Mitigator

	interval   time.Duration
	thresholds map[string]Thresholds

	mu        sync.Mutex
	alerts    []Alert
	trends    []Trend
	health    float64
	tightened bool
	onAlert   func(Alert)
}

// AnalyzerOption mutates an Analyzer during construction.
type AnalyzerOption func(*Analyzer)

// WithAnalyzerClock overrides the analyzer clock for tests.
func WithAnalyzerClock(clock func() time.Time) AnalyzerOption {
	return func(a *Analyzer) {
		if clock != nil {
			a.now = clock
		}
	}
}

// WithMitigator wires the auto-mitigation hooks.
func WithMitigator(m Mitigator) AnalyzerOption {
	return func(a *Analyzer) { a.mitigator = m }
}

// WithAlertSink registers a callback invoked for every appended alert.
func WithAlertSink(sink func(Alert)) AnalyzerOption {
	return func(a *Analyzer) { a.onAlert = sink }
}

// NewAnalyzer constructs an analyzer reading from the collector.
func NewAnalyzer(collector *Collector, logger *logging.Logger, opts ...AnalyzerOption) *Analyzer {
	if logger == nil {
		logger = logging.L()
	}
	a := &Analyzer{
		collector:  collector,
		log:        logger,
		now:        time.Now,
		interval:   DefaultAnalyzeInterval,
		thresholds: DefaultThresholds,
		health:     100,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run analyzes on the configured cadence until the context is cancelled.
func (a *Analyzer) Run(ctx context.Context) {
	if a == nil {
		return
	}
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Analyze()
		}
	}
}

func metricSeries(samples []Sample, metric string) []float64 {
	series := make([]float64, 0, len(samples))
	for _, s := range samples {
		switch metric {
		case "heap_ratio":
			series = append(series, s.HeapRatio)
		case "cpu":
			series = append(series, s.CPU)
		case "loop_lag_ms":
			series = append(series, s.LoopLagMs)
		case "response_time_ms":
			series = append(series, s.ResponseTimeMs)
		case "error_rate":
			series = append(series, s.ErrorRate)
		}
	}
	return series
}

// Analyze runs one full pass: trends, threshold alerts, the leak heuristic,
// the health score and mitigation.
func (a *Analyzer) Analyze() {
	if a == nil || a.collector == nil {
		return
	}
	samples := a.collector.Samples(analysisWindow)
	if len(samples) == 0 {
		return
	}
	now := a.now()

	trends := make([]Trend, 0, len(a.thresholds))
	var newAlerts []Alert
	healthTotal, healthCount := 0.0, 0

	cpuCritical := false
	for _, metric := range []string{"heap_ratio", "cpu", "loop_lag_ms", "response_time_ms", "error_rate"} {
		series := metricSeries(samples, metric)
		if len(series) == 0 {
			continue
		}
		latest := series[len(series)-1]
		limits := a.thresholds[metric]

		trends = append(trends, Trend{
			Metric:     metric,
			Direction:  direction(series),
			Slope:      slope(series),
			Volatility: stddev(series),
			ZScore:     zscore(series),
			Latest:     latest,
		})

		healthTotal += metricScore(latest, limits)
		healthCount++

		switch {
		case latest >= limits.Critical:
			newAlerts = append(newAlerts, Alert{
				Kind:           metric + "_critical",
				Severity:       SeverityCritical,
				Value:          latest,
				Threshold:      limits.Critical,
				EmittedAt:      now,
				Recommendation: recommendations[metric],
			})
			if metric == "heap_ratio" && a.mitigator != nil {
				a.mitigator.ForceGC()
			}
			if metric == "cpu" {
				cpuCritical = true
			}
		case latest >= limits.Warn:
			newAlerts = append(newAlerts, Alert{
				Kind:           metric + "_warn",
				Severity:       SeverityWarn,
				Value:          latest,
				Threshold:      limits.Warn,
				EmittedAt:      now,
				Recommendation: recommendations[metric],
			})
		}
	}

	if leak, growth := memoryLeakSuspected(metricSeries(samples, "heap_ratio")); leak {
		newAlerts = append(newAlerts, Alert{
			Kind:           "memory_leak_suspected",
			Severity:       SeverityWarn,
			Value:          growth,
			Threshold:      0.10,
			EmittedAt:      now,
			Recommendation: recommendations["memory_leak"],
		})
	}

	a.mu.Lock()
	a.trends = trends
	if healthCount > 0 {
		a.health = math.Round(healthTotal / float64(healthCount) * 100)
	}
	for _, alert := range newAlerts {
		a.alerts = append(a.alerts, alert)
		a.log.Warn("health alert",
			logging.String("kind", alert.Kind),
			logging.String("severity", alert.Severity),
			logging.Float64("value", alert.Value))
	}
	cutoff := now.Add(-alertRetention)
	kept := a.alerts[:0]
	for _, alert := range a.alerts {
		if !alert.EmittedAt.Before(cutoff) {
			kept = append(kept, alert)
		}
	}
	a.alerts = kept

	toggleTighten := a.mitigator != nil && cpuCritical && !a.tightened
	toggleRestore := a.mitigator != nil && !cpuCritical && a.tightened
	if toggleTighten {
		a.tightened = true
	}
	if toggleRestore {
		a.tightened = false
	}
	sink := a.onAlert
	a.mu.Unlock()

	if toggleTighten {
		a.mitigator.TightenRateLimits(0.5)
	}
	if toggleRestore {
		a.mitigator.RestoreRateLimits()
	}
	if sink != nil {
		for _, alert := range newAlerts {
			sink(alert)
		}
	}
}

// HealthScore reports the 0-100 aggregate from the last analysis.
func (a *Analyzer) HealthScore() float64 {
	if a == nil {
		return 100
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.health
}

// Trends reports the last computed per-metric trends.
func (a *Analyzer) Trends() []Trend {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Trend(nil), a.trends...)
}

// Alerts reports the retained alert log, oldest first.
func (a *Analyzer) Alerts() []Alert {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Alert(nil), a.alerts...)
}

// metricScore maps a value onto [0,1]: 1 at or below target, 0 at or above
// critical, linear in between.
func metricScore(value float64, limits Thresholds) float64 {
	if limits.Critical <= limits.Target {
		return 1
	}
	score := 1 - (value-limits.Target)/(limits.Critical-limits.Target)
	return math.Max(0, math.Min(1, score))
}

// direction compares the mean of the last five samples with the prior five.
func direction(series []float64) string {
	if len(series) < 10 {
		return "stable"
	}
	recent := mean(series[len(series)-5:])
	prior := mean(series[len(series)-10 : len(series)-5])
	base := math.Max(math.Abs(prior), 1e-9)
	switch {
	case (recent-prior)/base > 0.05:
		return "increasing"
	case (prior-recent)/base > 0.05:
		return "decreasing"
	default:
		return "stable"
	}
}

// slope fits a least-squares line over the sample index.
func slope(series []float64) float64 {
	n := float64(len(series))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range series {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func mean(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range series {
		total += v
	}
	return total / float64(len(series))
}

func stddev(series []float64) float64 {
	if len(series) < 2 {
		return 0
	}
	m := mean(series)
	total := 0.0
	for _, v := range series {
		total += (v - m) * (v - m)
	}
	return math.Sqrt(total / float64(len(series)))
}

func zscore(series []float64) float64 {
	sd := stddev(series)
	if sd == 0 {
		return 0
	}
	return (series[len(series)-1] - mean(series)) / sd
}

// memoryLeakSuspected fires when the mean of the last ten heap samples
// exceeds the mean of the previous ten by at least ten percent.
func memoryLeakSuspected(series []float64) (bool, float64) {
	if len(series) < 20 {
		return false, 0
	}
	recent := mean(series[len(series)-10:])
	prior := mean(series[len(series)-20 : len(series)-10])
	if prior <= 0 {
		return false, 0
	}
	growth := (recent - prior) / prior
	return growth >= 0.10, growth
}

package stats

import (
	"time"

	"github.com/rcrowley/go-metrics"
)

// The instruments below are thin go-metrics wrappers that add Capture, so
// a latched receiver can hold an immutable copy of each.

type Counter interface {
	Capture() Counter
	Clear()
	Count() int64
	Inc(int64)
	// Update sets the count to an absolute value.
	Update(int64)
}

type metricCounter struct{ metrics.Counter }

func newMetricCounter() Counter           { return &metricCounter{metrics.NewCounter()} }
func (c *metricCounter) Capture() Counter { return &metricCounter{c.Snapshot()} }
func (c *metricCounter) Update(n int64)   { c.Inc(n - c.Count()) }

type Gauge interface {
	Capture() Gauge
	Update(int64)
	Value() int64
}

type metricGauge struct{ metrics.Gauge }

func newMetricGauge() Gauge           { return &metricGauge{metrics.NewGauge()} }
func (g *metricGauge) Capture() Gauge { return &metricGauge{g.Snapshot()} }

type GaugeFloat interface {
	Capture() GaugeFloat
	Update(float64)
	Value() float64
}

type metricGaugeFloat struct{ metrics.GaugeFloat64 }

func newMetricGaugeFloat() GaugeFloat           { return &metricGaugeFloat{metrics.NewGaugeFloat64()} }
func (g *metricGaugeFloat) Capture() GaugeFloat { return &metricGaugeFloat{g.Snapshot()} }

// HistogramView is the read side shared by histograms and latencies.
type HistogramView interface {
	Count() int64
	Min() int64
	Max() int64
	Sum() int64
	Mean() float64
	Percentiles(ps []float64) []float64
}

type Histogram interface {
	HistogramView
	Capture() Histogram
	Update(int64)
}

const sampleSize = 1000

type metricHistogram struct{ metrics.Histogram }

func newMetricHistogram() Histogram {
	return &metricHistogram{metrics.NewHistogram(metrics.NewUniformSample(sampleSize))}
}
func (h *metricHistogram) Capture() Histogram { return &metricHistogram{h.Snapshot()} }

// Latency records nanoseconds between Time and Stop. Concurrent users of
// the same Latency should time with a local clock and share the histogram
// through Capture instead.
type Latency interface {
	Capture() Latency
	Time() Latency
	Stop()
	GetPrecision() time.Duration
	Precision(time.Duration) Latency
}

type metricLatency struct {
	metrics.Histogram
	start     time.Time
	precision time.Duration
}

func newLatency() Latency {
	return &metricLatency{
		Histogram: metrics.NewHistogram(metrics.NewUniformSample(sampleSize)),
		precision: time.Nanosecond,
	}
}

func (l *metricLatency) Time() Latency {
	l.start = Time.Now()
	return l
}

func (l *metricLatency) Stop() {
	l.Update(Time.Since(l.start).Nanoseconds())
}

func (l *metricLatency) Capture() Latency {
	return &metricLatency{Histogram: l.Histogram.Snapshot(), start: l.start, precision: l.precision}
}

func (l *metricLatency) GetPrecision() time.Duration { return l.precision }

func (l *metricLatency) Precision(p time.Duration) Latency {
	if p < 1 {
		p = 1
	}
	l.precision = p
	return l
}

type nilLatency struct{}

func (l nilLatency) Time() Latency                   { return l }
func (nilLatency) Stop()                             {}
func (l nilLatency) Capture() Latency                { return l }
func (nilLatency) GetPrecision() time.Duration       { return 0 }
func (l nilLatency) Precision(time.Duration) Latency { return l }

// Package stats offers a small StatsReceiver API on top of go-metrics.
//
// A StatsReceiver is handed down the call tree and scoped at each level, so
// a queue named "jobs" records its submits as "queue/jobs/submitCounter".
// Instruments render as finagle style JSON with a per-latency display
// precision. A latched receiver snapshots the registry at a fixed interval
// so every scrape within the interval sees the same numbers.
//
// Original license: github.com/rcrowley/go-metrics/blob/master/LICENSE
package stats

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/context"
)

// Time is the clock used by latencies and latching. Tests replace it.
var Time StatsTime = DefaultStatsTime()

// UptimeReportInterval is how often StartUptimeReporting refreshes its gauge.
var UptimeReportInterval = 500 * time.Millisecond

// Instrument constructors, overridable by tests.
var (
	NewCounter    func() Counter    = newMetricCounter
	NewGauge      func() Gauge      = newMetricGauge
	NewGaugeFloat func() GaugeFloat = newMetricGaugeFloat
	NewHistogram  func() Histogram  = newMetricHistogram
	NewLatency    func() Latency    = newLatency
)

// MarshalerPretty is implemented by registries that can render indented
// JSON.
type MarshalerPretty interface {
	MarshalJSONPretty() ([]byte, error)
}

// StatsRegistry is the subset of a go-metrics registry the receiver needs.
// Only the finagle registry knows how to render Latency.
type StatsRegistry interface {
	// GetOrRegister returns the named metric, registering the given one (or
	// the result of calling it, if it is a constructor) when absent.
	GetOrRegister(string, interface{}) interface{}
	Unregister(string)
	Each(func(string, interface{}))
}

// StatsReceiver creates instruments under a '/' separated name. A '/'
// inside a name element is replaced with "_SLASH_" so dynamically built
// names cannot add levels.
type StatsReceiver interface {
	// Scope returns a receiver prefixing every name with scope:
	//   stat.Scope("queue", "jobs").Counter("submits") == stat.Counter("queue", "jobs", "submits")
	Scope(scope ...string) StatsReceiver

	// Precision returns a receiver whose latencies render in units of the
	// given duration (1ns when <= 0, 1ms by default). Recording is
	// unaffected.
	Precision(time.Duration) StatsReceiver

	Counter(name ...string) Counter
	Gauge(name ...string) Gauge
	GaugeFloat(name ...string) GaugeFloat
	Histogram(name ...string) Histogram
	Latency(name ...string) Latency

	Remove(name ...string)

	// Render marshals the registry to JSON.
	Render(pretty bool) []byte
}

// DefaultStatsReceiver is unlatched: histograms reset on every Render.
func DefaultStatsReceiver() StatsReceiver {
	stat, _ := NewCustomStatsReceiver(nil, 0)
	return stat
}

// NewLatchedStatsReceiver snapshots the registry every latched interval.
// The returned func stops the snapshot goroutine; Render must not be called
// afterwards.
func NewLatchedStatsReceiver(latched time.Duration) (StatsReceiver, func()) {
	return NewCustomStatsReceiver(NewFinagleStatsRegistry, latched)
}

// NewCustomStatsReceiver lets the caller choose the registry. A nil
// makeRegistry uses a plain go-metrics registry; latched <= 0 disables
// latching.
func NewCustomStatsReceiver(makeRegistry func() StatsRegistry, latched time.Duration) (StatsReceiver, func()) {
	if makeRegistry == nil {
		makeRegistry = func() StatsRegistry { return metrics.NewRegistry() }
	}
	r := &receiver{
		makeRegistry: makeRegistry,
		registry:     makeRegistry(),
		precision:    time.Millisecond,
	}
	if latched <= 0 {
		return r, func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.snapshots = make(chan chan StatsRegistry)
	first := Time.Now().Add(latched).Truncate(latched)
	go r.latch(ctx, Time.NewTicker(latched), first, snapshot(r.registry, makeRegistry()))
	return r, cancel
}

type receiver struct {
	makeRegistry func() StatsRegistry
	registry     StatsRegistry
	// nil unless latched
	snapshots chan chan StatsRegistry
	precision time.Duration
	scope     []string
}

// latch owns the latest snapshot and hands it to Render on request.
func (r *receiver) latch(ctx context.Context, ticker StatsTicker, first time.Time, latest StatsRegistry) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C():
			if t.Before(first) {
				continue
			}
			latest = snapshot(r.registry, r.makeRegistry())
			resetHistograms(r.registry)
		case req := <-r.snapshots:
			req <- latest
		}
	}
}

func snapshot(src, dst StatsRegistry) StatsRegistry {
	src.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case Counter:
			dst.GetOrRegister(name, m.Capture())
		case Gauge:
			dst.GetOrRegister(name, m.Capture())
		case GaugeFloat:
			dst.GetOrRegister(name, m.Capture())
		case Histogram:
			dst.GetOrRegister(name, m.Capture())
		case Latency:
			dst.GetOrRegister(name, m.Capture())
		default:
			log.Infof("Cannot snapshot instrument %s: %T", name, i)
		}
	})
	return dst
}

func resetHistograms(reg StatsRegistry) {
	reg.Each(func(_ string, i interface{}) {
		if h, ok := i.(metrics.Histogram); ok {
			h.Clear()
		}
	})
}

func (r *receiver) with(precision time.Duration, scope []string) *receiver {
	return &receiver{
		makeRegistry: r.makeRegistry,
		registry:     r.registry,
		snapshots:    r.snapshots,
		precision:    precision,
		scope:        scope,
	}
}

func (r *receiver) Scope(scope ...string) StatsReceiver {
	return r.with(r.precision, r.scoped(scope...))
}

func (r *receiver) Precision(precision time.Duration) StatsReceiver {
	if precision < 1 {
		precision = 1
	}
	return r.with(precision, r.scope)
}

func (r *receiver) Counter(name ...string) Counter {
	return r.registry.GetOrRegister(r.name(name...), NewCounter).(Counter)
}

func (r *receiver) Gauge(name ...string) Gauge {
	return r.registry.GetOrRegister(r.name(name...), NewGauge).(Gauge)
}

func (r *receiver) GaugeFloat(name ...string) GaugeFloat {
	return r.registry.GetOrRegister(r.name(name...), NewGaugeFloat).(GaugeFloat)
}

func (r *receiver) Histogram(name ...string) Histogram {
	return r.registry.GetOrRegister(r.name(name...), NewHistogram).(Histogram)
}

// Latency is registered eagerly: a plain go-metrics registry cannot cast
// the result of a Latency constructor.
func (r *receiver) Latency(name ...string) Latency {
	return r.registry.GetOrRegister(r.name(name...), NewLatency().Precision(r.precision)).(Latency)
}

func (r *receiver) Remove(name ...string) {
	r.registry.Unregister(r.name(name...))
}

func (r *receiver) Render(pretty bool) []byte {
	reg := r.registry
	if r.snapshots != nil {
		req := make(chan StatsRegistry)
		r.snapshots <- req
		reg = <-req
	}

	var (
		out []byte
		err error
	)
	if mp, ok := reg.(MarshalerPretty); ok && pretty {
		out, err = mp.MarshalJSONPretty()
	} else {
		out, err = json.Marshal(reg)
	}
	if err != nil {
		panic("stats registry cannot be marshaled: " + err.Error())
	}
	if r.snapshots == nil {
		resetHistograms(r.registry)
	}
	return out
}

func (r *receiver) scoped(scope ...string) []string {
	out := make([]string, 0, len(r.scope)+len(scope))
	out = append(out, r.scope...)
	for _, s := range scope {
		out = append(out, strings.Replace(s, "/", "_SLASH_", -1))
	}
	return out
}

func (r *receiver) name(name ...string) string {
	return strings.Join(r.scoped(name...), "/")
}

// NilStatsReceiver drops everything.
func NilStatsReceiver(scope ...string) StatsReceiver {
	return nilReceiver{}
}

type nilReceiver struct{}

func (n nilReceiver) Scope(...string) StatsReceiver         { return n }
func (n nilReceiver) Precision(time.Duration) StatsReceiver { return n }
func (nilReceiver) Counter(...string) Counter               { return &metricCounter{metrics.NilCounter{}} }
func (nilReceiver) Gauge(...string) Gauge                   { return &metricGauge{metrics.NilGauge{}} }
func (nilReceiver) GaugeFloat(...string) GaugeFloat {
	return &metricGaugeFloat{metrics.NilGaugeFloat64{}}
}
func (nilReceiver) Histogram(...string) Histogram { return &metricHistogram{metrics.NilHistogram{}} }
func (nilReceiver) Latency(...string) Latency     { return nilLatency{} }
func (nilReceiver) Remove(...string)              {}
func (nilReceiver) Render(bool) []byte            { return []byte{} }

// StartUptimeReporting raises startedGauge for spike and then keeps
// uptimeGauge (in ms) current until ctx is done.
func StartUptimeReporting(ctx context.Context, stat StatsReceiver, uptimeGauge, startedGauge string, spike time.Duration) {
	stat.Gauge(startedGauge).Update(1)
	started := Time.Now()
	ticker := Time.NewTicker(UptimeReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			up := Time.Since(started)
			stat.Gauge(uptimeGauge).Update(int64(up / time.Millisecond))
			if up >= spike {
				stat.Gauge(startedGauge).Update(0)
			}
		}
	}
}

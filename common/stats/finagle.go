package stats

import (
	"encoding/json"
	"time"

	"github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"
)

var (
	percentiles      = []float64{0.5, 0.9, 0.95, 0.99, 0.999, 0.9999}
	percentileLabels = []string{"p50", "p90", "p95", "p99", "p999", "p9999"}
)

// finagleRegistry flattens histograms into name.avg, name.p99 and so on,
// the way twitter-server's /admin/metrics.json does.
type finagleRegistry struct {
	metrics.Registry
}

func NewFinagleStatsRegistry() StatsRegistry {
	return &finagleRegistry{metrics.NewRegistry()}
}

func (r *finagleRegistry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.flatten())
}

func (r *finagleRegistry) MarshalJSONPretty() ([]byte, error) {
	return json.MarshalIndent(r.flatten(), "", "  ")
}

func (r *finagleRegistry) flatten() map[string]interface{} {
	out := make(map[string]interface{})
	r.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case Counter:
			out[name] = m.Count()
		case Gauge:
			out[name] = m.Value()
		case GaugeFloat:
			out[name] = m.Value()
		case Histogram:
			flattenHistogram(out, name, m.Capture(), time.Nanosecond)
		case Latency:
			c := m.Capture()
			if view, ok := c.(HistogramView); ok {
				flattenHistogram(out, name, view, c.GetPrecision())
			}
		default:
			log.Infof("Unrecognized instrument %s: %T", name, i)
		}
	})
	return out
}

func flattenHistogram(out map[string]interface{}, name string, h HistogramView, precision time.Duration) {
	fp, ip := float64(precision), int64(precision)
	out[name+".count"] = h.Count()
	out[name+".avg"] = h.Mean() / fp
	out[name+".min"] = h.Min() / ip
	out[name+".max"] = h.Max() / ip
	out[name+".sum"] = h.Sum() / ip
	for i, p := range h.Percentiles(percentiles) {
		out[name+"."+percentileLabels[i]] = p / fp
	}
}

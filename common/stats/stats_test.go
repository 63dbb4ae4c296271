package stats

import (
	"testing"
	"time"

	"golang.org/x/net/context"
)

func withTime(t StatsTime) func() {
	old := Time
	Time = t
	return func() { Time = old }
}

func TestPrecisionChange(t *testing.T) {
	stat := DefaultStatsReceiver().(*receiver)
	if stat.precision != time.Millisecond {
		t.Fatal("Default precision should be millis.")
	}

	statp := stat.Precision(time.Nanosecond).(*receiver)
	if stat.precision != time.Millisecond {
		t.Fatal("Default precision should still be millis.")
	}
	if statp.precision != time.Nanosecond {
		t.Fatal("New stat precision should be nanos.")
	}
	if stat.Precision(0).(*receiver).precision != 1 {
		t.Fatal("Non-positive precision should become 1ns.")
	}
}

func TestScopeChange(t *testing.T) {
	stat := DefaultStatsReceiver().(*receiver)
	if len(stat.scope) != 0 {
		t.Fatal("Default scope should be empty.")
	}

	statp := stat.Scope("queue", "a/b").(*receiver)
	if len(stat.scope) != 0 {
		t.Fatal("Default scope should still be empty.")
	}
	if len(statp.scope) != 2 || statp.scope[0] != "queue" || statp.scope[1] != "a_SLASH_b" {
		t.Fatal("Invalid scope value: ", statp.scope)
	}
	if statp.name("c") != "queue/a_SLASH_b/c" {
		t.Fatal("Invalid scope name: " + statp.name("c"))
	}
}

func TestScopesShareRegistry(t *testing.T) {
	stat := DefaultStatsReceiver()
	stat.Scope("queue", "q1").Counter(NSSubmitCounter).Inc(3)
	if stat.Counter("queue", "q1", NSSubmitCounter).Count() != 3 {
		t.Fatal("Scoped counter should be visible from the root receiver")
	}
	stat.Remove("queue", "q1", NSSubmitCounter)
	if stat.Counter("queue", "q1", NSSubmitCounter).Count() != 0 {
		t.Fatal("Removed counter should start over")
	}
}

func TestCounterUpdate(t *testing.T) {
	c := NewCounter()
	c.Inc(5)
	c.Update(2)
	if c.Count() != 2 {
		t.Fatal("Update should set the absolute count, got ", c.Count())
	}
	snap := c.Capture()
	c.Inc(1)
	if snap.Count() != 2 {
		t.Fatal("Captured counter should not change")
	}
}

func TestRegister(t *testing.T) {
	reg := NewFinagleStatsRegistry()
	if reg.GetOrRegister("counter", NewCounter()) == nil {
		t.Fatal("Registry did not save instrument")
	}
	if reg.GetOrRegister("gauge", NewGauge()) == nil {
		t.Fatal("Registry did not save instrument")
	}
	if reg.GetOrRegister("gaugeFloat", NewGaugeFloat()) == nil {
		t.Fatal("Registry did not save instrument")
	}
	if reg.GetOrRegister("histogram", NewHistogram()) == nil {
		t.Fatal("Registry did not save instrument")
	}
	if reg.GetOrRegister("latency", NewLatency()) == nil {
		t.Fatal("Registry did not save instrument")
	}
}

func TestMarshal(t *testing.T) {
	ct := make(chan time.Time)
	defer withTime(NewTestTime(time.Unix(0, 0), time.Nanosecond*5, ct))()

	reg := NewFinagleStatsRegistry()
	reg.GetOrRegister("counter", NewCounter()).(Counter).Inc(1)
	reg.GetOrRegister("gauge", NewGauge()).(Gauge).Update(2)

	reg.GetOrRegister("latency", NewLatency()).(Latency).Time().Stop()
	Time = NewTestTime(time.Unix(0, 0), time.Nanosecond*10, ct)
	reg.GetOrRegister("latency", NewLatency()).(Latency).Time().Stop()

	bytes, err := reg.(MarshalerPretty).MarshalJSONPretty()
	expected :=
		`{
  "counter": 1,
  "gauge": 2,
  "latency.avg": 7.5,
  "latency.count": 2,
  "latency.max": 10,
  "latency.min": 5,
  "latency.p50": 7.5,
  "latency.p90": 10,
  "latency.p95": 10,
  "latency.p99": 10,
  "latency.p999": 10,
  "latency.p9999": 10,
  "latency.sum": 15
}`
	if string(bytes) != expected {
		t.Fatal("Wrong json marshal output: ", string(bytes), err)
	}
}

func TestNonLatching(t *testing.T) {
	stat := DefaultStatsReceiver()
	stat.Counter("counter").Inc(1)
	stat.Histogram("hist").Update(4)

	rendered := string(stat.Render(false))
	if rendered == "{}" {
		t.Fatal("Expected current stats in render", rendered)
	}
	if stat.Histogram("hist").Count() != 0 {
		t.Fatal("Expected histograms to be cleared after render")
	}
	if stat.Counter("counter").Count() != 1 {
		t.Fatal("Expected counters to survive render")
	}
}

func TestLatching(t *testing.T) {
	ct := make(chan time.Time)
	defer withTime(NewTestTime(time.Unix(0, 0), time.Nanosecond, ct))()

	// First capture only happens once 5ns have passed.
	statIface, cancelFn := NewLatchedStatsReceiver(time.Nanosecond * 5)
	stat := statIface.(*receiver)
	defer cancelFn()

	stat.Counter("counter").Inc(1)
	stat.Histogram("hist").Update(1)
	ct <- Time.Now()
	rendered := string(stat.Render(true))
	if rendered != "{}" {
		t.Fatal("Expected empty latch with time=0: ", rendered)
	}

	ct <- Time.Now().Add(time.Minute)
	rendered = string(stat.Render(true))
	if rendered == "{}" {
		t.Fatal("Expected non-empty latch after a minute: ", rendered)
	}
	if stat.Histogram("hist").Count() != 0 {
		t.Fatal("Expected histogram to be cleared after latching")
	}
}

func TestNilReceiver(t *testing.T) {
	stat := NilStatsReceiver().Scope("a").Precision(time.Second)
	stat.Counter("c").Inc(1)
	stat.Gauge("g").Update(1)
	stat.Latency("l").Time().Stop()
	if stat.Counter("c").Count() != 0 {
		t.Fatal("Nil receiver should not count")
	}
	if len(stat.Render(false)) != 0 {
		t.Fatal("Nil receiver should render nothing")
	}
}

func TestUptimeReporting(t *testing.T) {
	ct := make(chan time.Time)
	defer withTime(NewTestTime(time.Unix(0, 0), 2*time.Second, ct))()

	stat := DefaultStatsReceiver()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartUptimeReporting(ctx, stat, NSServerUptimeGauge_ms, NSServerStartedGauge, time.Second)
		close(done)
	}()

	// The second send only completes once the first tick was handled.
	ct <- time.Unix(1, 0)
	ct <- time.Unix(2, 0)
	cancel()
	<-done

	if stat.Gauge(NSServerUptimeGauge_ms).Value() != 2000 {
		t.Fatal("Expected 2000ms uptime, got ", stat.Gauge(NSServerUptimeGauge_ms).Value())
	}
	if stat.Gauge(NSServerStartedGauge).Value() != 0 {
		t.Fatal("Expected started gauge to drop after the spike")
	}
}

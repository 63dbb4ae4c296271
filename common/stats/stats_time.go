package stats

import (
	"time"
)

// StatsTicker is the part of time.Ticker the latching loop uses.
type StatsTicker interface {
	C() <-chan time.Time
	Stop()
}

// StatsTime is the part of the time package the receivers use.
type StatsTime interface {
	Now() time.Time
	Since(time.Time) time.Duration
	NewTicker(time.Duration) StatsTicker
}

type wallTicker struct{ *time.Ticker }

func (t wallTicker) C() <-chan time.Time { return t.Ticker.C }

func NewStatsTicker(d time.Duration) StatsTicker { return wallTicker{time.NewTicker(d)} }

type wallTime struct{}

func (wallTime) Now() time.Time                        { return time.Now() }
func (wallTime) Since(t time.Time) time.Duration       { return time.Since(t) }
func (wallTime) NewTicker(d time.Duration) StatsTicker { return NewStatsTicker(d) }

// DefaultStatsTime is backed by the time package.
func DefaultStatsTime() StatsTime { return wallTime{} }

// fixedTime always reports the same instant and elapsed duration, and
// ticks only when the test sends on ch.
type fixedTime struct {
	now   time.Time
	since time.Duration
	ch    <-chan time.Time
}

type fixedTicker struct{ ch <-chan time.Time }

func (t fixedTime) Now() time.Time                      { return t.now }
func (t fixedTime) Since(time.Time) time.Duration       { return t.since }
func (t fixedTime) NewTicker(time.Duration) StatsTicker { return fixedTicker{t.ch} }
func (t fixedTicker) C() <-chan time.Time               { return t.ch }
func (fixedTicker) Stop()                               {}

func DefaultTestTime() StatsTime {
	return fixedTime{now: time.Unix(0, 0), ch: make(chan time.Time)}
}

func NewTestTime(now time.Time, since time.Duration, ch <-chan time.Time) StatsTime {
	return fixedTime{now: now, since: since, ch: ch}
}

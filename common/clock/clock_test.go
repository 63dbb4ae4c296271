package clock

import (
	"testing"
	"time"
)

func TestFakeClockAfter(t *testing.T) {
	start := time.Unix(100, 0)
	c := NewFakeClock(start)

	ch := c.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before the clock moved")
	default:
	}

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(5 * time.Second)) {
			t.Errorf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("expected After to fire")
	}

	if !c.Now().Equal(start.Add(5 * time.Second)) {
		t.Errorf("unexpected now %v", c.Now())
	}
}

func TestFakeClockZeroAfter(t *testing.T) {
	c := NewFakeClock(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
}

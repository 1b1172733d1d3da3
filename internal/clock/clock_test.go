package clock

import (
	"testing"
	"time"
)

func TestSystemClockMonotonic(t *testing.T) {
	c := NewSystemClock()
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		now := c.Now()
		if now < prev {
			t.Fatalf("Now() = %d, want >= %d", now, prev)
		}
		prev = now
	}
}

func TestFakeClockSetTime(t *testing.T) {
	c := NewFakeClock(1000)
	if got := c.Now(); got != 1000 {
		t.Errorf("Now() = %d, want 1000", got)
	}
	c.SetTime(5000)
	if got := c.Now(); got != 5000 {
		t.Errorf("Now() = %d, want 5000", got)
	}
}

func TestFakeClockMonotonicByCall(t *testing.T) {
	c := NewFakeClock(5000)
	if got := c.Now(); got != 5000 {
		t.Fatalf("Now() = %d, want 5000", got)
	}
	// Moving backwards must not be observable once 5000 was returned.
	c.SetTime(1000)
	if got := c.Now(); got != 5000 {
		t.Errorf("Now() after backwards SetTime = %d, want 5000", got)
	}
	c.SetTime(6000)
	if got := c.Now(); got != 6000 {
		t.Errorf("Now() = %d, want 6000", got)
	}
}

func TestFakeClockAdvance(t *testing.T) {
	tests := []struct {
		name  string
		start int64
		step  time.Duration
		want  int64
	}{
		{"seconds", 0, 30 * time.Second, 30000},
		{"millis", 100, 5 * time.Millisecond, 105},
		{"zero", 42, 0, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewFakeClock(tt.start)
			c.Advance(tt.step)
			if got := c.Now(); got != tt.want {
				t.Errorf("Now() = %d, want %d", got, tt.want)
			}
		})
	}
}

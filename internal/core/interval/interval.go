// Package interval implements the half-open time interval algebra used by
// offer timelines. All bounds are UTC milliseconds and every interval is
// [start, end): the start instant is inside, the end instant is not.
package interval

import "fmt"

// Interval is a half-open time range [StartUTC, EndUTC).
type Interval struct {
	StartUTC int64 `json:"startTimeUTC"`
	EndUTC   int64 `json:"endTimeUTC"`
}

// New returns the interval [start, end). Intervals with end < start are
// normalized to the empty interval [start, start).
func New(start, end int64) Interval {
	if end < start {
		end = start
	}
	return Interval{StartUTC: start, EndUTC: end}
}

// IsEmpty reports whether the interval contains no instants.
func (iv Interval) IsEmpty() bool {
	return iv.EndUTC <= iv.StartUTC
}

// Contains reports whether t falls inside the interval.
func (iv Interval) Contains(t int64) bool {
	return t >= iv.StartUTC && t < iv.EndUTC
}

// Overlaps reports whether the two intervals share at least one instant.
func (iv Interval) Overlaps(other Interval) bool {
	if iv.IsEmpty() || other.IsEmpty() {
		return false
	}
	return iv.StartUTC < other.EndUTC && other.StartUTC < iv.EndUTC
}

// Duration returns the length of the interval in milliseconds.
func (iv Interval) Duration() int64 {
	if iv.IsEmpty() {
		return 0
	}
	return iv.EndUTC - iv.StartUTC
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%d,%d)", iv.StartUTC, iv.EndUTC)
}

// Intersect returns the overlap of a and b. The second result is false
// when the overlap is empty.
func Intersect(a, b Interval) (Interval, bool) {
	start := a.StartUTC
	if b.StartUTC > start {
		start = b.StartUTC
	}
	end := a.EndUTC
	if b.EndUTC < end {
		end = b.EndUTC
	}
	if end <= start {
		return Interval{}, false
	}
	return Interval{StartUTC: start, EndUTC: end}, true
}

// Subtract returns the parts of a not covered by b, in order. The result
// has zero, one or two intervals and never contains an empty interval.
func Subtract(a, b Interval) []Interval {
	if a.IsEmpty() {
		return nil
	}
	if b.IsEmpty() || !a.Overlaps(b) {
		return []Interval{a}
	}
	var out []Interval
	if a.StartUTC < b.StartUTC {
		out = append(out, Interval{StartUTC: a.StartUTC, EndUTC: b.StartUTC})
	}
	if b.EndUTC < a.EndUTC {
		out = append(out, Interval{StartUTC: b.EndUTC, EndUTC: a.EndUTC})
	}
	return out
}

// Trim clips a to bounds. The second result is false when nothing of a
// remains inside bounds.
func Trim(a, bounds Interval) (Interval, bool) {
	return Intersect(a, bounds)
}

// Intervaled is implemented by entities that occupy a time interval, such
// as timeline entries, so they can be clipped generically.
type Intervaled interface {
	Interval() Interval
	SetInterval(Interval)
}

// Clip trims the entity's interval to bounds in place and reports whether
// a non-empty interval remains.
func Clip(e Intervaled, bounds Interval) bool {
	trimmed, ok := Trim(e.Interval(), bounds)
	if !ok {
		return false
	}
	e.SetInterval(trimmed)
	return true
}

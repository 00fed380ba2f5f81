// Package intervals implements set operations over half-open [Start, End) ranges on the
// absolute time axis. Nothing here knows about timezones except DiscretizeIn, which only
// uses a location to pick the alignment grid.
package intervals

import (
	"sort"
	"time"
)

// DefaultIncrementMinutes replaces a non-positive slot increment.
const DefaultIncrementMinutes = 30

type Interval struct {
	Start time.Time
	End   time.Time
}

func (i Interval) Empty() bool {
	return !i.End.After(i.Start)
}

func (i Interval) Duration() time.Duration {
	if i.Empty() {
		return 0
	}
	return i.End.Sub(i.Start)
}

// Overlaps uses half-open semantics: [a,b) and [c,d) overlap iff a < d && c < b.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// Contains reports whether o lies entirely within i.
func (i Interval) Contains(o Interval) bool {
	return !o.Start.Before(i.Start) && !o.End.After(i.End)
}

func (i Interval) ContainsInstant(t time.Time) bool {
	return !t.Before(i.Start) && t.Before(i.End)
}

// Intersect returns the common part of i and o; ok is false when they do not overlap.
func Intersect(i, o Interval) (Interval, bool) {
	if !i.Overlaps(o) {
		return Interval{}, false
	}
	out := i
	if o.Start.After(out.Start) {
		out.Start = o.Start
	}
	if o.End.Before(out.End) {
		out.End = o.End
	}
	return out, true
}

// Subtract removes every busy range from the free ranges. Each free range overlapped by a
// busy range is split into the pieces before and after it; untouched ranges pass through.
// Busy input may be unsorted and self-overlapping; the result does not depend on its order
// and is sorted by start.
func Subtract(free, busy []Interval) []Interval {
	out := make([]Interval, 0, len(free))
	for _, f := range free {
		if !f.Empty() {
			out = append(out, f)
		}
	}
	for _, b := range busy {
		if b.Empty() {
			continue
		}
		next := out[:0:0]
		for _, f := range out {
			if !f.Overlaps(b) {
				next = append(next, f)
				continue
			}
			if f.Start.Before(b.Start) {
				next = append(next, Interval{Start: f.Start, End: b.Start})
			}
			if b.End.Before(f.End) {
				next = append(next, Interval{Start: b.End, End: f.End})
			}
		}
		out = next
	}
	sortByStart(out)
	return out
}

// Merge returns the union of the input as sorted, disjoint, non-adjacent ranges.
func Merge(in []Interval) []Interval {
	cp := make([]Interval, 0, len(in))
	for _, i := range in {
		if !i.Empty() {
			cp = append(cp, i)
		}
	}
	if len(cp) == 0 {
		return nil
	}
	sortByStart(cp)

	merged := make([]Interval, 0, len(cp))
	for _, cur := range cp {
		if len(merged) == 0 {
			merged = append(merged, cur)
			continue
		}
		last := &merged[len(merged)-1]
		if cur.Start.After(last.End) {
			merged = append(merged, cur)
			continue
		}
		if cur.End.After(last.End) {
			last.End = cur.End
		}
	}
	return merged
}

// Discretize returns bookable start instants aligned to the UTC epoch grid.
func Discretize(free []Interval, durationMinutes, incrementMinutes int) []time.Time {
	return DiscretizeIn(free, durationMinutes, incrementMinutes, time.UTC)
}

// DiscretizeIn returns, for each free range, the start instants on the increment grid of
// loc's wall clock that leave room for durationMinutes before the range end. The first
// candidate is the smallest grid point >= the range start; later candidates step by the
// increment. A non-positive increment is replaced by DefaultIncrementMinutes.
func DiscretizeIn(free []Interval, durationMinutes, incrementMinutes int, loc *time.Location) []time.Time {
	if durationMinutes <= 0 {
		return nil
	}
	if incrementMinutes <= 0 {
		incrementMinutes = DefaultIncrementMinutes
	}
	if loc == nil {
		loc = time.UTC
	}
	duration := time.Duration(durationMinutes) * time.Minute
	step := time.Duration(incrementMinutes) * time.Minute

	var slots []time.Time
	for _, f := range free {
		if f.Empty() {
			continue
		}
		for t := alignUp(f.Start, step, loc); !t.Add(duration).After(f.End); t = t.Add(step) {
			slots = append(slots, t)
		}
	}
	return slots
}

// alignUp rounds t up to the next multiple of step measured on loc's wall clock, using the
// UTC offset in force at t.
func alignUp(t time.Time, step time.Duration, loc *time.Location) time.Time {
	_, offset := t.In(loc).Zone()
	wall := t.Unix() + int64(offset)
	stepSec := int64(step / time.Second)
	if stepSec <= 0 {
		return t
	}
	rem := wall % stepSec
	if rem < 0 {
		rem += stepSec
	}
	aligned := time.Unix(t.Unix()-rem, 0).In(t.Location())
	if aligned.Before(t) {
		aligned = aligned.Add(step)
	}
	return aligned
}

func sortByStart(in []Interval) {
	sort.SliceStable(in, func(a, b int) bool {
		if in[a].Start.Equal(in[b].Start) {
			return in[a].End.Before(in[b].End)
		}
		return in[a].Start.Before(in[b].Start)
	})
}

// Package interval implements a coalesced set of half-open byte ranges
// [Start, End), used by the Sink to track which parts of a job's output
// file have been written.
package interval

import "sort"

// Range is a half-open byte interval [Start, End).
type Range struct {
	Start int64
	End   int64
}

func (r Range) Len() int64 { return r.End - r.Start }

// Set is a sorted, non-overlapping, non-adjacent collection of ranges.
// The zero value is an empty set.
type Set struct {
	ranges []Range
}

// NewSet builds a Set from arbitrary (possibly overlapping, unsorted)
// ranges, coalescing as it goes.
func NewSet(ranges ...Range) *Set {
	s := &Set{}
	for _, r := range ranges {
		s.Add(r)
	}
	return s
}

// Add merges r into the set, coalescing with any overlapping or
// touching neighbors. Zero-length and invalid (End <= Start) ranges
// are ignored.
func (s *Set) Add(r Range) {
	if r.End <= r.Start {
		return
	}

	// Find the insertion point: first range whose Start is >= r.Start.
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].Start >= r.Start })

	// Merge with the previous range if it overlaps or touches r.
	if i > 0 && s.ranges[i-1].End >= r.Start {
		i--
		if r.Start > s.ranges[i].Start {
			r.Start = s.ranges[i].Start
		}
		if r.End < s.ranges[i].End {
			r.End = s.ranges[i].End
		}
		s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
	}

	// Absorb every following range that r now overlaps or touches.
	j := i
	for j < len(s.ranges) && s.ranges[j].Start <= r.End {
		if s.ranges[j].End > r.End {
			r.End = s.ranges[j].End
		}
		j++
	}
	s.ranges = append(s.ranges[:i], append([]Range{r}, s.ranges[j:]...)...)
}

// Contains reports whether [start, end) is fully covered by the set.
func (s *Set) Contains(start, end int64) bool {
	if end <= start {
		return true
	}
	for _, r := range s.ranges {
		if r.Start <= start && r.End >= end {
			return true
		}
	}
	return false
}

// Ranges returns a copy of the set's coalesced ranges, in order.
func (s *Set) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Len returns the total number of bytes covered by the set.
func (s *Set) Len() int64 {
	var total int64
	for _, r := range s.ranges {
		total += r.Len()
	}
	return total
}

// Complement returns the gaps in [0, total) not covered by the set —
// the byte ranges a Partition Planner still needs to fetch.
func (s *Set) Complement(total int64) []Range {
	var gaps []Range
	var cursor int64
	for _, r := range s.ranges {
		if r.Start > cursor {
			gaps = append(gaps, Range{Start: cursor, End: r.Start})
		}
		if r.End > cursor {
			cursor = r.End
		}
	}
	if cursor < total {
		gaps = append(gaps, Range{Start: cursor, End: total})
	}
	return gaps
}

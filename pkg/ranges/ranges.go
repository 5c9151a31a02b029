// Package ranges implements a coalesced set of half-open address ranges.
//
// Adjacent and overlapping ranges are merged on insertion and split on
// removal, so the set is always a strictly ascending sequence of non-empty,
// non-touching ranges.
package ranges

import (
	"fmt"
	"sort"
)

// CheckInvariants enables the consistency check after every mutation.
var CheckInvariants = true

// Range is a half-open address interval [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

func (r Range) Size() uint64 { return r.End - r.Start }

func (r Range) String() string { return fmt.Sprintf("[0x%x, 0x%x)", r.Start, r.End) }

// Set is a coalesced range set. The zero value is an empty set.
type Set struct {
	r []Range
}

func New() *Set { return new(Set) }

// Ranges returns a copy of the ranges in ascending order.
func (s *Set) Ranges() []Range {
	c := make([]Range, len(s.r))
	copy(c, s.r)
	return c
}

func (s *Set) Len() int { return len(s.r) }

// Add inserts [start, start+size), merging it with every range it
// overlaps or touches.
func (s *Set) Add(start, size uint64) {
	if size == 0 {
		return
	}
	end := start + size
	// Ranges in [first, last) overlap or touch the new one.
	first := sort.Search(len(s.r), func(i int) bool { return s.r[i].End >= start })
	last := sort.Search(len(s.r), func(i int) bool { return s.r[i].Start > end })
	if first < last {
		start = min(start, s.r[first].Start)
		end = max(end, s.r[last-1].End)
	}
	s.splice(first, last, Range{Start: start, End: end})
}

// Remove deletes [start, start+size) from the set. Ranges that partially
// overlap it are trimmed, a range that fully contains it is split in two.
func (s *Set) Remove(start, size uint64) {
	if size == 0 {
		return
	}
	end := start + size
	// Ranges in [first, last) overlap the removed one.
	first := sort.Search(len(s.r), func(i int) bool { return s.r[i].End > start })
	last := sort.Search(len(s.r), func(i int) bool { return s.r[i].Start >= end })
	if first >= last {
		return
	}
	remainders := make([]Range, 0, 2)
	if s.r[first].Start < start {
		remainders = append(remainders, Range{Start: s.r[first].Start, End: start})
	}
	if s.r[last-1].End > end {
		remainders = append(remainders, Range{Start: end, End: s.r[last-1].End})
	}
	s.splice(first, last, remainders...)
}

// Contains reports whether addr lies inside one of the ranges.
func (s *Set) Contains(addr uint64) bool {
	i := sort.Search(len(s.r), func(i int) bool { return s.r[i].End > addr })
	return i < len(s.r) && s.r[i].Start <= addr
}

// CumulativeSize returns the number of bytes covered by the set.
func (s *Set) CumulativeSize() uint64 {
	var sum uint64
	for _, r := range s.r {
		sum += r.Size()
	}
	return sum
}

// splice replaces s.r[i:j] with the given ranges.
func (s *Set) splice(i, j int, with ...Range) {
	tail := len(s.r) - j
	n := i + len(with) + tail
	if n > len(s.r) {
		s.r = append(s.r, make([]Range, n-len(s.r))...)
	}
	copy(s.r[i+len(with):], s.r[j:j+tail])
	copy(s.r[i:], with)
	s.r = s.r[:n]
	if CheckInvariants {
		s.assertConsistency()
	}
}

func (s *Set) assertConsistency() {
	for i, r := range s.r {
		if r.Start >= r.End {
			panic(fmt.Sprintf("ranges: empty or upside down range %s at %d", r, i))
		}
		if i > 0 && s.r[i-1].End >= r.Start {
			panic(fmt.Sprintf("ranges: range %s at %d does not start after %s", r, i, s.r[i-1]))
		}
	}
}

package analysis

import (
	"sort"

	"github.com/samber/lo"

	"github.com/grafana/cachelog/pkg/ranges"
	"github.com/grafana/cachelog/pkg/stacktable"
)

// CacheLineRead is a cache fill attributed to the stack that caused it.
type CacheLineRead struct {
	Line    int
	Address uint64
	Size    uint64
	Used    uint64
	HasUsed bool
	Stack   int

	Evicted     bool
	EvictedLine int
}

// Eviction records that the line read at ReadLine left the cache at Line.
type Eviction struct {
	Line     int
	Address  uint64
	ReadLine int
	Stack    int
}

type HistogramBucket struct {
	Reads     int
	Addresses int
	Percent   float64
}

// Histogram counts the addresses read more than once, bucketed by their
// number of reads.
type Histogram struct {
	DistinctAddresses int
	MultiRead         int
	Buckets           []HistogramBucket
}

func newHistogram(counts map[uint64]int) Histogram {
	h := Histogram{DistinctAddresses: len(counts)}
	byReads := make(map[int]int)
	for _, n := range counts {
		if n > 1 {
			byReads[n]++
			h.MultiRead++
		}
	}
	h.Buckets = lo.MapToSlice(byReads, func(reads, addrs int) HistogramBucket {
		return HistogramBucket{
			Reads:     reads,
			Addresses: addrs,
			Percent:   percent(uint64(addrs), uint64(h.DistinctAddresses)),
		}
	})
	sort.Slice(h.Buckets, func(i, j int) bool { return h.Buckets[i].Reads < h.Buckets[j].Reads })
	return h
}

func percent(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) * 100 / float64(total)
}

type ArenaStats struct {
	Ident       string
	Description string
	Bytes       uint64
	Percent     float64
	Histogram   Histogram
}

type StackBytes struct {
	Stack  int
	Used   uint64
	Wasted uint64
}

type ReadRef struct {
	Line  int
	Stack int
}

// MultiRead is an address that was read into the cache more than once.
type MultiRead struct {
	Address uint64
	Reads   []ReadRef
}

// SectionStats covers one display list building section.
type SectionStats struct {
	BeginLine     int
	EndLine       int
	BytesRead     uint64
	DistinctBytes uint64
	Overhead      float64
}

type MissStats struct {
	Total    int
	ByWhy    map[string]int
	ByThread map[uint64]int
}

type Result struct {
	PID      int
	FromLine int
	ToLine   int

	Reads     []CacheLineRead
	Evictions []Eviction

	ReadHistogram    Histogram
	OutsideHistogram Histogram
	TotalBytes       uint64
	OutsideBytes     uint64
	OutsidePercent   float64
	Arenas           []ArenaStats

	// Stacks is sorted by wasted bytes, largest first.
	Stacks     []StackBytes
	MultiReads []MultiRead

	Sections      []SectionStats
	BytesRead     uint64
	DistinctBytes uint64
	Overhead      float64

	Misses       MissStats
	CachedRanges []ranges.Range
	HasCache     bool

	Samples map[Series][]Sample

	// Unattributed counts swaps that never received a stack.
	Unattributed int
	// UnknownUsage counts reads without used bytes, left out of the
	// used and wasted totals.
	UnknownUsage int
	// DefaultedUsage is set when no swap carried used bytes and every
	// read was assumed to use its full line.
	DefaultedUsage bool
	// LibsError is set when the shared libraries document could not be
	// decoded.
	LibsError error

	Table *stacktable.Table
}

// TotalWasted sums the wasted bytes over every stack.
func (r *Result) TotalWasted() uint64 {
	return lo.SumBy(r.Stacks, func(s StackBytes) uint64 { return s.Wasted })
}

// TotalUsed sums the used bytes over every stack.
func (r *Result) TotalUsed() uint64 {
	return lo.SumBy(r.Stacks, func(s StackBytes) uint64 { return s.Used })
}

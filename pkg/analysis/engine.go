// Package analysis correlates the events of a cache simulator log: cache
// fills are paired with the stack attributed to them, matched against
// arenas and earlier reads, and aggregated into per-stack and per-arena
// statistics.
package analysis

import (
	"context"
	"io"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"

	"github.com/grafana/cachelog/pkg/arenas"
	"github.com/grafana/cachelog/pkg/cpucache"
	"github.com/grafana/cachelog/pkg/ranges"
	"github.com/grafana/cachelog/pkg/sharedlibs"
	"github.com/grafana/cachelog/pkg/stacktable"
	"github.com/grafana/cachelog/pkg/symbolizer"
	"github.com/grafana/cachelog/pkg/tracelog"
)

var ErrUnknownStack = errors.New("attribution to a stack not seen yet")

type pendingSwap struct {
	tracelog.CacheLineSwap
	line int
}

type section struct {
	begin     int
	bytesRead uint64
	distinct  *ranges.Set
}

// Engine consumes the records of a log in order. It is not safe for
// concurrent use.
type Engine struct {
	cfg     Config
	logger  log.Logger
	metrics *metrics
	sampler Sampler

	stacks   *stacktable.Table
	registry *arenas.Registry
	cache    *cpucache.Cache
	libsJSON strings.Builder

	pending  []pendingSwap
	reads    []CacheLineRead
	lastRead map[uint64]int
	sawUsed  bool

	evictions    []Eviction
	readCounts   map[uint64]int
	outsideReads map[uint64]int
	outsideBytes uint64
	arenaReads   map[string]map[uint64]int
	arenaBytes   map[string]uint64
	totalBytes   uint64
	stackBytes   map[int]*StackBytes

	bytesRead uint64
	distinct  *ranges.Set
	section   *section
	sections  []SectionStats
	misses    MissStats

	samples map[Series][]Sample
}

type Option func(*Engine)

func WithLogger(logger log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.metrics = newMetrics(reg) }
}

func WithSampler(s Sampler) Option {
	return func(e *Engine) { e.sampler = s }
}

// WithSymbolizer sets the symbolizer of the engine's stack table.
func WithSymbolizer(s symbolizer.Symbolizer, concurrency int) Option {
	return func(e *Engine) {
		e.stacks.SetSymbolizer(s)
		e.stacks.SetConcurrency(concurrency)
	}
}

func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:          cfg,
		logger:       log.NewNopLogger(),
		stacks:       stacktable.New(),
		registry:     arenas.New(),
		lastRead:     make(map[uint64]int),
		readCounts:   make(map[uint64]int),
		outsideReads: make(map[uint64]int),
		arenaReads:   make(map[string]map[uint64]int),
		arenaBytes:   make(map[string]uint64),
		stackBytes:   make(map[int]*StackBytes),
		distinct:     ranges.New(),
		misses: MissStats{
			ByWhy:    make(map[string]int),
			ByThread: make(map[uint64]int),
		},
		samples: make(map[Series][]Sample),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = newMetrics(nil)
	}
	if e.sampler == nil {
		e.sampler = NewSampler(cfg.SampleSeed)
	}
	e.stacks.SetLogger(e.logger)
	return e, nil
}

// Run processes every record of r up to the end of the window.
func (e *Engine) Run(ctx context.Context, r *tracelog.Reader) error {
	for n := 0; ; n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if e.cfg.pastWindow(rec.Line) {
			return nil
		}
		if err := e.Process(rec); err != nil {
			return err
		}
	}
}

// Process handles one record. Definitions of frames, stacks, arenas and
// libraries are taken from every line of the selected process; reads,
// misses and sections only from lines inside the window.
func (e *Engine) Process(rec tracelog.Record) error {
	if !e.cfg.selects(rec.PID) || e.cfg.pastWindow(rec.Line) {
		return nil
	}
	e.metrics.events.WithLabelValues(rec.Event.Kind().String()).Inc()
	inWindow := e.cfg.inWindow(rec.Line)

	switch ev := rec.Event.(type) {
	case tracelog.AddFrame:
		return errors.Wrapf(e.stacks.AddFrame(ev.Index, ev.Address), "line %d", rec.Line)
	case tracelog.AddStack:
		return errors.Wrapf(e.stacks.AddStack(ev.Index, ev.Parent, ev.Frame), "line %d", rec.Line)
	case tracelog.SharedLibraryChunk:
		e.libsJSON.WriteString(ev.Text)
	case tracelog.ArenaChunkAllocated:
		e.registry.AllocateChunk(ev.Ident, ev.Start, ev.Size)
	case tracelog.ArenaChunkDeallocated:
		e.registry.DeallocateChunk(ev.Ident, ev.Start, ev.Size)
	case tracelog.Association:
		e.registry.Associate(ev.Ident1, ev.Ident2)
	case tracelog.ExtraField:
		e.registry.SetThingProperty(ev.Ident, ev.Field, ev.Content)
	case tracelog.CacheInfo:
		return e.createCache(ev, rec.Line)
	case tracelog.CacheLineSwap:
		if e.cache != nil {
			if err := e.cache.Exchange(ev.NewStart, ev.OldStart); err != nil {
				return errors.Wrapf(err, "line %d", rec.Line)
			}
		}
		if inWindow {
			e.swap(ev, rec.Line)
		}
	case tracelog.StackAttribution:
		if inWindow {
			return e.attribute(ev.Stack, rec.Line)
		}
	case tracelog.Miss:
		if inWindow {
			e.misses.Total++
			e.misses.ByWhy[ev.Why]++
			e.misses.ByThread[ev.TID]++
		}
	case tracelog.SectionBegin:
		if inWindow {
			e.section = &section{begin: rec.Line, distinct: ranges.New()}
		}
	case tracelog.SectionEnd:
		if inWindow && e.section != nil {
			distinct := e.section.distinct.CumulativeSize()
			e.sections = append(e.sections, SectionStats{
				BeginLine:     e.section.begin,
				EndLine:       rec.Line,
				BytesRead:     e.section.bytesRead,
				DistinctBytes: distinct,
				Overhead:      overhead(e.section.bytesRead, distinct),
			})
			e.section = nil
		}
	}
	return nil
}

func overhead(read, distinct uint64) float64 {
	if distinct == 0 {
		return 0
	}
	return float64(read) / float64(distinct)
}

func (e *Engine) createCache(ev tracelog.CacheInfo, line int) error {
	if e.cache != nil {
		level.Debug(e.logger).Log("msg", "ignoring repeated cache information", "line", line)
		return nil
	}
	c, err := cpucache.New(ev.Size, ev.LineSize, ev.Assoc)
	if err != nil {
		return errors.Wrapf(err, "line %d", line)
	}
	e.cache = c
	level.Debug(e.logger).Log("msg", "simulating cache", "size", ev.Size, "line_size", ev.LineSize, "assoc", ev.Assoc, "sets", c.Sets())
	return nil
}

func (e *Engine) swap(ev tracelog.CacheLineSwap, line int) {
	e.pending = append(e.pending, pendingSwap{CacheLineSwap: ev, line: line})
	e.bytesRead += ev.Size
	e.distinct.Add(ev.NewStart, ev.Size)
	if e.section != nil {
		e.section.bytesRead += ev.Size
		e.section.distinct.Add(ev.NewStart, ev.Size)
	}
	if ev.HasUsed {
		e.sawUsed = true
	}
}

// attribute turns every pending swap into a read by stack.
func (e *Engine) attribute(stack, line int) error {
	if !e.stacks.HasStack(stack) {
		return errors.Wrapf(ErrUnknownStack, "line %d: stack %d, have %d stacks", line, stack, e.stacks.NumStacks())
	}
	for _, p := range e.pending {
		if p.OldStart != 0 {
			e.evict(p.OldStart, p.line)
		}

		e.lastRead[p.NewStart] = len(e.reads)
		e.reads = append(e.reads, CacheLineRead{
			Line:    p.line,
			Address: p.NewStart,
			Size:    p.Size,
			Used:    p.Used,
			HasUsed: p.HasUsed,
			Stack:   stack,
		})
		e.readCounts[p.NewStart]++
		e.totalBytes += p.Size
		e.metrics.reads.Inc()

		if ident, ok := e.registry.ArenaCoveringAddress(p.NewStart); ok {
			e.arenaBytes[ident] += p.Size
			counts, ok := e.arenaReads[ident]
			if !ok {
				counts = make(map[uint64]int)
				e.arenaReads[ident] = counts
			}
			counts[p.NewStart]++
		} else {
			e.outsideBytes += p.Size
			e.outsideReads[p.NewStart]++
		}

		e.addSamples(SeriesRead, p.Size, stack, p.line)
		if p.HasUsed {
			e.account(stack, p.Size, p.Used, p.line)
		}
	}
	e.pending = e.pending[:0]
	return nil
}

func (e *Engine) evict(addr uint64, line int) {
	i, ok := e.lastRead[addr]
	if !ok || e.reads[i].Evicted {
		return
	}
	e.reads[i].Evicted = true
	e.reads[i].EvictedLine = line
	e.evictions = append(e.evictions, Eviction{
		Line:     line,
		Address:  addr,
		ReadLine: e.reads[i].Line,
		Stack:    e.reads[i].Stack,
	})
	e.metrics.evictions.Inc()
}

// account adds the used and wasted bytes of a read to its stack.
func (e *Engine) account(stack int, size, used uint64, line int) {
	used = min(used, size)
	wasted := size - used
	sb, ok := e.stackBytes[stack]
	if !ok {
		sb = &StackBytes{Stack: stack}
		e.stackBytes[stack] = sb
	}
	sb.Used += used
	sb.Wasted += wasted
	e.addSamples(SeriesUsed, used, stack, line)
	e.addSamples(SeriesWasted, wasted, stack, line)
}

func (e *Engine) addSamples(series Series, bytes uint64, stack, line int) {
	if e.cfg.SampleGranularity == 0 || bytes == 0 {
		return
	}
	t := float64(line - e.cfg.FromLine)
	for n := sampleCount(bytes, e.cfg.SampleGranularity, e.sampler); n > 0; n-- {
		e.samples[series] = append(e.samples[series], Sample{Stack: stack, TimeMs: t})
	}
}

// Finish resolves what is left pending and builds the result. The engine
// must not be used afterwards.
func (e *Engine) Finish() *Result {
	res := &Result{
		PID:      e.cfg.PID,
		FromLine: e.cfg.FromLine,
		ToLine:   e.cfg.ToLine,
		Table:    e.stacks,
	}

	if n := len(e.pending); n > 0 {
		res.Unattributed = n
		e.metrics.unattributed.Add(float64(n))
		level.Debug(e.logger).Log("msg", "discarding swaps without stack", "swaps", n)
		e.pending = nil
	}

	switch {
	case !e.sawUsed && len(e.reads) > 0:
		res.DefaultedUsage = true
		level.Info(e.logger).Log("msg", "no used byte counts in log, assuming full cache line usage", "reads", len(e.reads))
		for _, r := range e.reads {
			e.account(r.Stack, r.Size, r.Size, r.Line)
		}
	case e.sawUsed:
		res.UnknownUsage = lo.CountBy(e.reads, func(r CacheLineRead) bool { return !r.HasUsed })
		if res.UnknownUsage > 0 {
			level.Warn(e.logger).Log("msg", "reads without used byte counts left out of usage totals", "reads", res.UnknownUsage)
		}
	}

	e.resolveLibraries(res)

	res.Reads = e.reads
	res.Evictions = e.evictions
	res.ReadHistogram = newHistogram(e.readCounts)
	res.OutsideHistogram = newHistogram(e.outsideReads)
	res.TotalBytes = e.totalBytes
	res.OutsideBytes = e.outsideBytes
	res.OutsidePercent = percent(e.outsideBytes, e.totalBytes)
	res.Arenas = e.arenaStats()
	res.Stacks = e.sortedStackBytes()
	res.MultiReads = e.multiReads()
	res.Sections = e.sections
	res.BytesRead = e.bytesRead
	res.DistinctBytes = e.distinct.CumulativeSize()
	res.Overhead = overhead(res.BytesRead, res.DistinctBytes)
	res.Misses = e.misses
	res.Samples = e.samples
	if e.cache != nil {
		res.HasCache = true
		res.CachedRanges = e.cache.CachedRanges().Ranges()
	} else {
		level.Info(e.logger).Log("msg", "no cache information found, cache was not simulated")
	}
	return res
}

func (e *Engine) resolveLibraries(res *Result) {
	if e.libsJSON.Len() == 0 {
		return
	}
	libs, err := sharedlibs.Parse([]byte(e.libsJSON.String()))
	if err != nil {
		res.LibsError = err
		level.Warn(e.logger).Log("msg", "failed to decode shared libraries, frames will not be symbolicated", "err", err)
		return
	}
	e.stacks.SetLibs(libs)
}

func (e *Engine) arenaStats() []ArenaStats {
	stats := make([]ArenaStats, 0, len(e.arenaBytes))
	for ident, bytes := range e.arenaBytes {
		stats = append(stats, ArenaStats{
			Ident:       ident,
			Description: e.registry.ArenaDescription(ident),
			Bytes:       bytes,
			Percent:     percent(bytes, e.totalBytes),
			Histogram:   newHistogram(e.arenaReads[ident]),
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Bytes != stats[j].Bytes {
			return stats[i].Bytes > stats[j].Bytes
		}
		return stats[i].Ident < stats[j].Ident
	})
	return stats
}

func (e *Engine) sortedStackBytes() []StackBytes {
	out := lo.MapToSlice(e.stackBytes, func(_ int, sb *StackBytes) StackBytes { return *sb })
	sort.Slice(out, func(i, j int) bool {
		if out[i].Wasted != out[j].Wasted {
			return out[i].Wasted > out[j].Wasted
		}
		return out[i].Stack < out[j].Stack
	})
	return out
}

func (e *Engine) multiReads() []MultiRead {
	byAddr := make(map[uint64][]ReadRef)
	for _, r := range e.reads {
		if e.readCounts[r.Address] > 1 {
			byAddr[r.Address] = append(byAddr[r.Address], ReadRef{Line: r.Line, Stack: r.Stack})
		}
	}
	out := lo.MapToSlice(byAddr, func(addr uint64, reads []ReadRef) MultiRead {
		return MultiRead{Address: addr, Reads: reads}
	})
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Reads) != len(out[j].Reads) {
			return len(out[i].Reads) > len(out[j].Reads)
		}
		return out[i].Address < out[j].Address
	})
	return out
}

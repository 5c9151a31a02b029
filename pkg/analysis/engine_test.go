package analysis

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cachelog/pkg/cpucache"
	"github.com/grafana/cachelog/pkg/ranges"
	"github.com/grafana/cachelog/pkg/stacktable"
	"github.com/grafana/cachelog/pkg/tracelog"
)

// logOf prefixes every line with the pid marker.
func logOf(pid string, lines ...string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString("==" + pid + "== " + l + "\n")
	}
	return b.String()
}

func defaultConfig() Config {
	return Config{TopN: 25, SampleIntervalMs: 1}
}

func run(t *testing.T, cfg Config, log string, opts ...Option) (*Result, error) {
	t.Helper()
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	if err := e.Run(context.Background(), tracelog.NewReader(strings.NewReader(log))); err != nil {
		return nil, err
	}
	return e.Finish(), nil
}

var swapsLog = logOf("7",
	"LL cache information: 8192 B, 64 B, 2-way associative",
	"add_frame: 0 0",
	"add_frame: 1 1000",
	"add_stack: 0 0 0",
	"add_stack: 1 0 1",
	"add_stack: 2 1 1",
	"[ArenaAllocator:0x1] Allocating arena chunk at 0x10000 with size 4096 bytes",
	"LLCacheSwap: new_start=10000 old_start=0 size=64",
	"stack: 1",
	"LLCacheSwap: new_start=20000 old_start=10000 size=64",
	"LLCacheSwap: new_start=30000 old_start=0 size=64",
	"stack: 2",
)

func TestTwoSwapsOneAttribution(t *testing.T) {
	res, err := run(t, defaultConfig(), swapsLog)
	require.NoError(t, err)

	require.Equal(t, []Eviction{{Line: 9, Address: 0x10000, ReadLine: 7, Stack: 1}}, res.Evictions)
	require.Len(t, res.Reads, 3)
	require.Equal(t, CacheLineRead{Line: 7, Address: 0x10000, Size: 64, Stack: 1, Evicted: true, EvictedLine: 9}, res.Reads[0])
	require.Equal(t, CacheLineRead{Line: 9, Address: 0x20000, Size: 64, Stack: 2}, res.Reads[1])
	require.Equal(t, CacheLineRead{Line: 10, Address: 0x30000, Size: 64, Stack: 2}, res.Reads[2])
	require.Zero(t, res.Unattributed)
}

func TestAggregates(t *testing.T) {
	res, err := run(t, defaultConfig(), swapsLog)
	require.NoError(t, err)

	require.True(t, res.DefaultedUsage)
	require.Equal(t, []StackBytes{{Stack: 1, Used: 64}, {Stack: 2, Used: 128}}, res.Stacks)
	require.Equal(t, uint64(192), res.TotalUsed())
	require.Zero(t, res.TotalWasted())

	require.Equal(t, uint64(192), res.TotalBytes)
	require.Equal(t, uint64(128), res.OutsideBytes)
	require.InDelta(t, 66.67, res.OutsidePercent, 0.01)
	require.Len(t, res.Arenas, 1)
	require.Equal(t, "ArenaAllocator:0x1", res.Arenas[0].Ident)
	require.Equal(t, uint64(64), res.Arenas[0].Bytes)
	require.Equal(t, "{  }", res.Arenas[0].Description)
	require.Equal(t, 1, res.Arenas[0].Histogram.DistinctAddresses)
	require.Zero(t, res.ReadHistogram.MultiRead)
	require.Equal(t, 2, res.OutsideHistogram.DistinctAddresses)

	require.True(t, res.HasCache)
	require.Equal(t, []ranges.Range{{Start: 0x20000, End: 0x20040}, {Start: 0x30000, End: 0x30040}}, res.CachedRanges)
	require.Equal(t, 3, res.Table.NumStacks())
}

type constSampler float64

func (s constSampler) Float64() float64 { return float64(s) }

func TestUsedBytesAndSampling(t *testing.T) {
	log := logOf("7",
		"add_frame: 0 0",
		"add_frame: 1 1000",
		"add_stack: 0 0 0",
		"add_stack: 1 0 1",
		"LLCacheSwap: new_start=40 old_start=0 size=64 used=16",
		"LLCacheSwap: new_start=80 old_start=0 size=64",
		"stack: 1",
		"LLCacheSwap: new_start=40 old_start=0 size=64 used=64",
		"stack: 1",
		"LLCacheSwap: new_start=c0 old_start=0 size=64 used=8",
	)
	cfg := defaultConfig()
	cfg.SampleGranularity = 32
	reg := prometheus.NewRegistry()
	e, err := New(cfg, WithSampler(constSampler(0)), WithRegisterer(reg))
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background(), tracelog.NewReader(strings.NewReader(log))))
	res := e.Finish()

	require.False(t, res.HasCache)
	require.False(t, res.DefaultedUsage)
	require.Equal(t, 1, res.UnknownUsage)
	require.Equal(t, 1, res.Unattributed)
	require.Equal(t, []StackBytes{{Stack: 1, Used: 80, Wasted: 48}}, res.Stacks)

	require.Equal(t, []MultiRead{{Address: 0x40, Reads: []ReadRef{{Line: 4, Stack: 1}, {Line: 7, Stack: 1}}}}, res.MultiReads)
	require.Equal(t, Histogram{
		DistinctAddresses: 2,
		MultiRead:         1,
		Buckets:           []HistogramBucket{{Reads: 2, Addresses: 1, Percent: 50}},
	}, res.ReadHistogram)

	require.Equal(t, uint64(256), res.BytesRead)
	require.Equal(t, uint64(192), res.DistinctBytes)
	require.InDelta(t, 1.333, res.Overhead, 0.001)

	require.Equal(t, []Sample{{1, 4}, {1, 4}, {1, 5}, {1, 5}, {1, 7}, {1, 7}}, res.Samples[SeriesRead])
	require.Equal(t, []Sample{{1, 4}, {1, 7}, {1, 7}}, res.Samples[SeriesUsed])
	require.Equal(t, []Sample{{1, 4}, {1, 4}}, res.Samples[SeriesWasted])

	require.Equal(t, float64(4), testutil.ToFloat64(e.metrics.events.WithLabelValues("cache_line_swap")))
	require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.unattributed))
	require.Equal(t, float64(3), testutil.ToFloat64(e.metrics.reads))
}

func TestSamplingRemainder(t *testing.T) {
	require.Equal(t, 2, sampleCount(64, 32, constSampler(0.99)))
	require.Equal(t, 1, sampleCount(40, 32, constSampler(0.5)))
	require.Equal(t, 2, sampleCount(40, 32, constSampler(0.2)))
	require.Equal(t, 0, sampleCount(8, 32, constSampler(0.25)))
	require.Equal(t, 1, sampleCount(8, 32, constSampler(0.24)))
}

func TestSamplerDeterministic(t *testing.T) {
	a, b := NewSampler(42), NewSampler(42)
	for i := 0; i < 10; i++ {
		require.Equal(t, a.Float64(), b.Float64())
	}
}

func TestWindow(t *testing.T) {
	log := logOf("7",
		"add_frame: 0 0",
		"add_stack: 0 0 0",
		"LLCacheSwap: new_start=40 old_start=0 size=64",
		"stack: 0",
		"Begin DisplayList building",
		"LLCacheSwap: new_start=80 old_start=0 size=64",
		"LLCacheSwap: new_start=80 old_start=0 size=64",
		"stack: 0",
		"End DisplayList building",
		"LLMiss: why=D1 size=8 addr=40 tid=3",
		"LLCacheSwap: new_start=c0 old_start=0 size=64",
		"stack: 0",
	)
	cfg := defaultConfig()
	cfg.FromLine, cfg.ToLine = 4, 10
	res, err := run(t, cfg, log)
	require.NoError(t, err)

	require.Len(t, res.Reads, 2)
	require.Equal(t, []SectionStats{{BeginLine: 4, EndLine: 8, BytesRead: 128, DistinctBytes: 64, Overhead: 2}}, res.Sections)
	require.Equal(t, MissStats{Total: 1, ByWhy: map[string]int{"D1": 1}, ByThread: map[uint64]int{3: 1}}, res.Misses)
	require.Equal(t, uint64(128), res.BytesRead)
	require.Len(t, res.MultiReads, 1)
	require.Equal(t, uint64(0x80), res.MultiReads[0].Address)
}

func TestProcessSelection(t *testing.T) {
	log := logOf("7",
		"add_frame: 0 0",
		"add_stack: 0 0 0",
		`SharedLibsChunk: [{"start": 4096, "end": 8192, `,
		`SharedLibsChunk: "name": "liba.so", "path": "/lib/liba.so"}]`,
		"LLCacheSwap: new_start=40 old_start=0 size=64",
	) + logOf("8",
		"add_frame: 0 0",
		"add_stack: 0 0 0",
		"add_stack: 1 0 0",
		"stack: 1",
	) + logOf("7", "stack: 0")

	cfg := defaultConfig()
	cfg.PID = 7
	res, err := run(t, cfg, log)
	require.NoError(t, err)
	require.NoError(t, res.LibsError)
	require.Equal(t, 1, res.Table.Libs().Len())
	require.Equal(t, 1, res.Table.NumStacks())
	require.Len(t, res.Reads, 1)
	require.Equal(t, 0, res.Reads[0].Stack)
}

func TestMalformedLibraries(t *testing.T) {
	log := logOf("7", "SharedLibsChunk: [{\"start\": ")
	res, err := run(t, defaultConfig(), log)
	require.NoError(t, err)
	require.Error(t, res.LibsError)
	require.Nil(t, res.Table.Libs())
}

func TestArenaAttribution(t *testing.T) {
	log := logOf("7",
		"add_frame: 0 0",
		"add_stack: 0 0 0",
		"[ArenaAllocator:0x1] Allocating arena chunk at 0x1000 with size 256 bytes",
		"[nsDisplayListBuilder:0x2] has [ArenaAllocator:0x1]",
		"[nsDisplayListBuilder:0x2] has url chrome://browser/content/browser.xul",
		"LLCacheSwap: new_start=1000 old_start=0 size=64",
		"LLCacheSwap: new_start=1000 old_start=0 size=64",
		"LLCacheSwap: new_start=2000 old_start=0 size=64",
		"stack: 0",
		"[ArenaAllocator:0x1] Deallocating arena chunk at 0x1000 with size 256 bytes",
		"LLCacheSwap: new_start=1000 old_start=0 size=64",
		"stack: 0",
	)
	res, err := run(t, defaultConfig(), log)
	require.NoError(t, err)
	require.Len(t, res.Arenas, 1)
	require.Equal(t, ArenaStats{
		Ident:       "ArenaAllocator:0x1",
		Description: "{ nsDisplayListBuilder:0x2: { url: chrome://browser/content/browser.xul } }",
		Bytes:       128,
		Percent:     50,
		Histogram: Histogram{
			DistinctAddresses: 1,
			MultiRead:         1,
			Buckets:           []HistogramBucket{{Reads: 2, Addresses: 1, Percent: 100}},
		},
	}, res.Arenas[0])
	require.Equal(t, uint64(128), res.OutsideBytes)
	require.Equal(t, 2, res.OutsideHistogram.DistinctAddresses)
	require.Equal(t, []HistogramBucket{{Reads: 3, Addresses: 1, Percent: 50}}, res.ReadHistogram.Buckets)
}

func TestStructuralErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		log  string
		err  error
	}{
		{
			name: "parent stack",
			log:  logOf("7", "add_frame: 0 0", "add_stack: 0 0 0", "add_stack: 1 1 0"),
			err:  stacktable.ErrParentStack,
		},
		{
			name: "frame index",
			log:  logOf("7", "add_frame: 1 0"),
			err:  stacktable.ErrFrameIndex,
		},
		{
			name: "unknown stack",
			log:  logOf("7", "LLCacheSwap: new_start=40 old_start=0 size=64", "stack: 3"),
			err:  ErrUnknownStack,
		},
		{
			name: "cache geometry",
			log:  logOf("7", "LL cache information: 8192 B, 48 B, 2-way associative"),
			err:  cpucache.ErrGeometry,
		},
		{
			name: "cache sets",
			log: logOf("7",
				"LL cache information: 8192 B, 64 B, 2-way associative",
				"LLCacheSwap: new_start=40 old_start=0 size=64",
				"LLCacheSwap: new_start=80 old_start=40 size=64",
			),
			err: cpucache.ErrSetMismatch,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := run(t, defaultConfig(), tc.log)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestRunCancelled(t *testing.T) {
	e, err := New(defaultConfig())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = e.Run(ctx, tracelog.NewReader(strings.NewReader(swapsLog)))
	require.ErrorIs(t, err, context.Canceled)
}

package stacktable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/cachelog/pkg/sharedlibs"
	"github.com/grafana/cachelog/pkg/symbolizer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newTestTable builds
//
//	0 (root) ─ 1 (0x1000) ─┬─ 2 (0x1010)
//	                       └─ 3 (0x2000) ─ 4 (0x9000)
func newTestTable(t *testing.T, opts ...Option) *Table {
	t.Helper()
	tbl := New(opts...)
	for i, addr := range []uint64{0, 0x1000, 0x1010, 0x2000, 0x9000} {
		require.NoError(t, tbl.AddFrame(i, addr))
	}
	for i, s := range []Stack{{0, 0}, {0, 1}, {1, 2}, {1, 3}, {3, 4}} {
		require.NoError(t, tbl.AddStack(i, s.Parent, s.Frame))
	}
	return tbl
}

func TestAddFrameOrdering(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.AddFrame(0, 0x10))
	require.ErrorIs(t, tbl.AddFrame(0, 0x20), ErrFrameIndex)
	require.ErrorIs(t, tbl.AddFrame(2, 0x20), ErrFrameIndex)
	require.NoError(t, tbl.AddFrame(1, 0x20))
	require.Equal(t, 2, tbl.NumFrames())
}

func TestAddStackOrdering(t *testing.T) {
	tbl := New()
	require.ErrorIs(t, tbl.AddStack(0, 0, 0), ErrFrameRef)
	require.NoError(t, tbl.AddFrame(0, 0x10))
	require.ErrorIs(t, tbl.AddStack(1, 0, 0), ErrStackIndex)
	require.NoError(t, tbl.AddStack(0, 0, 0))
	require.ErrorIs(t, tbl.AddStack(1, 1, 0), ErrParentStack)
	require.ErrorIs(t, tbl.AddStack(1, 2, 0), ErrParentStack)
	require.ErrorIs(t, tbl.AddStack(1, 0, 1), ErrFrameRef)
	require.NoError(t, tbl.AddStack(1, 0, 0))
	require.NoError(t, tbl.AddStack(2, 1, 0))
	require.Equal(t, 3, tbl.NumStacks())
}

func TestFrameIndexListForStack(t *testing.T) {
	tbl := newTestTable(t)
	require.Equal(t, []int{4, 3, 1}, tbl.FrameIndexListForStack(4))
	require.Equal(t, []int{2, 1}, tbl.FrameIndexListForStack(2))
	require.Empty(t, tbl.FrameIndexListForStack(0))
}

func addresses(tbl *Table, stack int) []uint64 {
	var out []uint64
	for _, f := range tbl.FrameIndexListForStack(stack) {
		out = append(out, tbl.Frame(f).Address)
	}
	return out
}

func TestReduce(t *testing.T) {
	tbl := newTestTable(t)

	for _, tc := range []struct {
		name      string
		stacks    []int
		mapping   map[int]int
		numStacks int
		numFrames int
	}{
		{
			name:      "single leaf",
			stacks:    []int{4},
			mapping:   map[int]int{0: 0, 1: 1, 3: 2, 4: 3},
			numStacks: 4,
			numFrames: 4,
		},
		{
			name:      "shared ancestor",
			stacks:    []int{2, 4},
			mapping:   map[int]int{0: 0, 1: 1, 2: 2, 3: 3, 4: 4},
			numStacks: 5,
			numFrames: 5,
		},
		{
			name:      "root only",
			stacks:    []int{0},
			mapping:   map[int]int{0: 0},
			numStacks: 1,
			numFrames: 1,
		},
		{
			name:      "duplicates",
			stacks:    []int{2, 2, 1},
			mapping:   map[int]int{0: 0, 1: 1, 2: 2},
			numStacks: 3,
			numFrames: 3,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			reduced, mapping, err := tbl.Reduce(tc.stacks)
			require.NoError(t, err)
			require.Equal(t, tc.mapping, mapping)
			require.Equal(t, tc.numStacks, reduced.NumStacks())
			require.Equal(t, tc.numFrames, reduced.NumFrames())
			for old, n := range mapping {
				require.Equal(t, addresses(tbl, old), addresses(reduced, n))
				if n != 0 {
					require.Less(t, reduced.Stack(n).Parent, n)
				}
			}
		})
	}

	_, _, err := tbl.Reduce([]int{5})
	require.ErrorIs(t, err, ErrStackIndex)
}

func sym(name string) symbolizer.SourceInfoFrame {
	return symbolizer.SourceInfoFrame{FunctionName: name, FilePath: "src.c", LineNumber: 1}
}

func TestResolveInlineSymbols(t *testing.T) {
	tbl := newTestTable(t)
	tbl.frames[3].Symbols = []symbolizer.SourceInfoFrame{sym("inner"), sym("mid"), sym("outer")}
	tbl.frames[3].Resolved = true
	tbl.frames[1].Symbols = []symbolizer.SourceInfoFrame{sym("main")}
	tbl.frames[1].Resolved = true

	mapping := tbl.ResolveInlineSymbols()
	require.Equal(t, []int{0, 1, 2, 5, 6}, mapping)
	require.Equal(t, 7, tbl.NumFrames())
	require.Equal(t, 7, tbl.NumStacks())

	require.Equal(t, []symbolizer.SourceInfoFrame{sym("outer")}, tbl.Frame(3).Symbols)
	require.Equal(t, []symbolizer.SourceInfoFrame{sym("mid")}, tbl.Frame(5).Symbols)
	require.Equal(t, []symbolizer.SourceInfoFrame{sym("inner")}, tbl.Frame(6).Symbols)
	require.Equal(t, uint64(0x2000), tbl.Frame(6).Address)

	require.Equal(t, []int{4, 6, 5, 3, 1}, tbl.FrameIndexListForStack(mapping[4]))
	require.Equal(t, []int{6, 5, 3, 1}, tbl.FrameIndexListForStack(mapping[3]))
	require.Equal(t, []int{2, 1}, tbl.FrameIndexListForStack(mapping[2]))
	for i := 1; i < tbl.NumStacks(); i++ {
		require.Less(t, tbl.Stack(i).Parent, i)
	}
}

func TestResolveInlineSymbolsRoot(t *testing.T) {
	tbl := newTestTable(t)
	tbl.frames[0].Symbols = []symbolizer.SourceInfoFrame{sym("inner"), sym("outer")}

	mapping := tbl.ResolveInlineSymbols()
	require.Equal(t, []int{1, 2, 3, 4, 5}, mapping)
	require.Equal(t, Stack{Parent: 0, Frame: 0}, tbl.Stack(0))
	require.Equal(t, Stack{Parent: 0, Frame: 5}, tbl.Stack(1))
	require.Equal(t, Stack{Parent: 1, Frame: 1}, tbl.Stack(2))
	require.Equal(t, []int{1, 5}, tbl.FrameIndexListForStack(mapping[1]))
}

type fakeSymbolizer struct {
	mu    sync.Mutex
	calls map[string][]uint64
	fail  map[string]bool
}

func (f *fakeSymbolizer) Resolve(_ context.Context, modulePath string, addrs []uint64) ([][]symbolizer.SourceInfoFrame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string][]uint64)
	}
	f.calls[modulePath] = append(f.calls[modulePath], addrs...)
	if f.fail[modulePath] {
		return nil, errors.New("no debug info")
	}
	out := make([][]symbolizer.SourceInfoFrame, len(addrs))
	for i, a := range addrs {
		out[i] = []symbolizer.SourceInfoFrame{{FunctionName: fmt.Sprintf("fn_%x", a), FilePath: modulePath, LineNumber: a}}
	}
	return out, nil
}

func testLibs() *sharedlibs.Table {
	return sharedlibs.NewTable([]sharedlibs.Library{
		{Start: 0x2000, End: 0x3000, Name: "libb.so", Path: "/lib/libb.so"},
		{Start: 0x1000, End: 0x2000, Name: "liba.so", Path: "/lib/liba.so", DebugPath: "/debug/liba.so"},
	})
}

func TestSymbolicateAll(t *testing.T) {
	fake := &fakeSymbolizer{}
	tbl := newTestTable(t, WithSymbolizer(fake), WithConcurrency(2))
	tbl.SetLibs(testLibs())

	require.NoError(t, tbl.SymbolicateAll(context.Background()))
	require.Equal(t, map[string][]uint64{
		"/debug/liba.so": {0x0, 0x10},
		"/lib/libb.so":   {0x0},
	}, fake.calls)

	require.True(t, tbl.Frame(2).Resolved)
	require.Equal(t, "fn_10", tbl.Frame(2).Symbols[0].FunctionName)
	require.False(t, tbl.Frame(0).Resolved)
	require.False(t, tbl.Frame(4).Resolved)

	require.Equal(t, []string{
		"fn_0 (/debug/liba.so:0)",
		"fn_0 (/lib/libb.so:0)",
		"0x0000000000009000 [unknown binary]",
	}, tbl.FormatStack(4))

	// Resolved frames are not requested again.
	require.NoError(t, tbl.SymbolicateFrames(context.Background(), []int{1, 2, 3}))
	require.Len(t, fake.calls["/debug/liba.so"], 2)
}

func TestSymbolicateFailingLibrary(t *testing.T) {
	fake := &fakeSymbolizer{fail: map[string]bool{"/lib/libb.so": true}}
	tbl := newTestTable(t, WithSymbolizer(fake))
	tbl.SetLibs(testLibs())

	require.NoError(t, tbl.SymbolicateFrames(context.Background(), []int{2, 3}))
	require.True(t, tbl.Frame(2).Resolved)
	require.False(t, tbl.Frame(1).Resolved)
	require.False(t, tbl.Frame(3).Resolved)
	require.Equal(t, []string{
		"0x0000000000001000 [liba.so + 0x0]",
		"0x0000000000002000 [libb.so + 0x0]",
		"0x0000000000009000 [unknown binary]",
	}, tbl.FormatStack(4))
}

func TestSymbolicateWithoutLibs(t *testing.T) {
	fake := &fakeSymbolizer{}
	tbl := newTestTable(t, WithSymbolizer(fake))
	require.NoError(t, tbl.SymbolicateAll(context.Background()))
	require.Empty(t, fake.calls)
	require.Equal(t, []string{"0x0000000000001010 [unknown binary]"}, tbl.FormatStack(2)[1:])
}

func TestReducedTableSymbolicates(t *testing.T) {
	fake := &fakeSymbolizer{}
	tbl := newTestTable(t, WithSymbolizer(fake))
	tbl.SetLibs(testLibs())

	reduced, mapping, err := tbl.Reduce([]int{2})
	require.NoError(t, err)
	require.NoError(t, reduced.SymbolicateAll(context.Background()))
	require.Equal(t, []string{"fn_0 (/debug/liba.so:0)", "fn_10 (/debug/liba.so:16)"}, reduced.FormatStack(mapping[2]))
	require.False(t, tbl.Frame(2).Resolved)
}

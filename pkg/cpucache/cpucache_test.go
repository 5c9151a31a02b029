package cpucache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/cachelog/pkg/ranges"
)

func TestNewGeometry(t *testing.T) {
	c, err := New(8388608, 64, 16)
	require.NoError(t, err)
	require.Equal(t, uint64(8192), c.Sets())
	require.Equal(t, uint64(64), c.LineSize())
	require.Equal(t, uint64(16), c.Assoc())

	for _, tc := range []struct {
		name                  string
		size, lineSize, assoc uint64
	}{
		{"line size not power of two", 8388608, 48, 16},
		{"sets not power of two", 8388608, 64, 3},
		{"no sets", 0, 64, 1},
		{"zero assoc", 8388608, 64, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.size, tc.lineSize, tc.assoc)
			require.ErrorIs(t, err, ErrGeometry)
		})
	}
}

func TestExchange(t *testing.T) {
	c, err := New(8388608, 64, 16)
	require.NoError(t, err)
	const stride = 8192 * 64 // distance between lines of the same set

	require.NoError(t, c.Exchange(0x1000, 0))
	require.Equal(t, []ranges.Range{{Start: 0x1000, End: 0x1040}}, c.CachedRanges().Ranges())

	require.NoError(t, c.Exchange(0x1000+stride, 0x1000))
	require.Equal(t, []ranges.Range{{Start: 0x1000 + stride, End: 0x1040 + stride}}, c.CachedRanges().Ranges())

	err = c.Exchange(0x2000, 0x1000+stride)
	require.ErrorIs(t, err, ErrSetMismatch)

	err = c.Exchange(0x1000+2*stride, 0x1000)
	require.ErrorIs(t, err, ErrTagNotFound)
}

func TestExchangeFillsEverySlot(t *testing.T) {
	c, err := New(8388608, 64, 16)
	require.NoError(t, err)
	const stride = 8192 * 64
	for i := uint64(1); i <= 16; i++ {
		require.NoError(t, c.Exchange(i*stride, 0))
	}
	require.ErrorIs(t, c.Exchange(17*stride, 0), ErrTagNotFound)
	require.Equal(t, uint64(16*64), c.CachedRanges().CumulativeSize())
}

func TestLoad(t *testing.T) {
	c, err := New(512, 64, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(4), c.Sets())

	type step struct {
		addr    uint64
		evicted uint64
		ok      bool
	}
	for i, s := range []step{
		{addr: 0x100},
		{addr: 0x200},
		{addr: 0x100},
		{addr: 0x300, evicted: 0x200, ok: true},
		{addr: 0x300},
		{addr: 0x340}, // different set
		{addr: 0x200, evicted: 0x100, ok: true},
	} {
		evicted, ok := c.Load(s.addr)
		require.Equal(t, s.ok, ok, "step %d", i)
		require.Equal(t, s.evicted, evicted, "step %d", i)
	}
	require.Equal(t, []ranges.Range{
		{Start: 0x200, End: 0x240},
		{Start: 0x300, End: 0x380},
	}, c.CachedRanges().Ranges())
}

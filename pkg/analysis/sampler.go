package analysis

import (
	"math/rand/v2"
)

// Sampler is the random source used to sample byte counts.
type Sampler interface {
	// Float64 returns a number in [0, 1).
	Float64() float64
}

// NewSampler returns a deterministic Sampler for seed.
func NewSampler(seed uint64) Sampler {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

type Series string

const (
	SeriesRead   Series = "read"
	SeriesUsed   Series = "used"
	SeriesWasted Series = "wasted"
)

var AllSeries = []Series{SeriesRead, SeriesUsed, SeriesWasted}

// Sample attributes one granule of bytes to a stack at a point in time.
type Sample struct {
	Stack  int
	TimeMs float64
}

// sampleCount turns a byte count into a number of samples: one per full
// granule and one more with probability remainder/granularity.
func sampleCount(bytes, granularity uint64, s Sampler) int {
	n := bytes / granularity
	if rem := bytes % granularity; rem > 0 && s.Float64() < float64(rem)/float64(granularity) {
		n++
	}
	return int(n)
}

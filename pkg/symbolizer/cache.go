package symbolizer

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheKey struct {
	module string
	addr   uint64
}

// Cached memoizes the results of another Symbolizer per module and address.
type Cached struct {
	next    Symbolizer
	cache   *lru.Cache[cacheKey, []SourceInfoFrame]
	metrics *metrics
}

func NewCached(next Symbolizer, size int, m *metrics) (*Cached, error) {
	c, err := lru.New[cacheKey, []SourceInfoFrame](size)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = newMetrics(nil)
	}
	return &Cached{next: next, cache: c, metrics: m}, nil
}

func (c *Cached) Resolve(ctx context.Context, modulePath string, addrs []uint64) ([][]SourceInfoFrame, error) {
	result := make([][]SourceInfoFrame, len(addrs))
	var (
		missing []uint64
		slots   []int
	)
	for i, addr := range addrs {
		if frames, ok := c.cache.Get(cacheKey{modulePath, addr}); ok {
			result[i] = frames
			continue
		}
		missing = append(missing, addr)
		slots = append(slots, i)
	}
	c.metrics.cacheLookups.WithLabelValues("hit").Add(float64(len(addrs) - len(missing)))
	c.metrics.cacheLookups.WithLabelValues("miss").Add(float64(len(missing)))
	if len(missing) == 0 {
		return result, nil
	}
	resolved, err := c.next.Resolve(ctx, modulePath, missing)
	if err != nil {
		return nil, err
	}
	for j, frames := range resolved {
		result[slots[j]] = frames
		c.cache.Add(cacheKey{modulePath, missing[j]}, frames)
	}
	return result, nil
}

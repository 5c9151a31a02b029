// Package cpucache simulates a set-associative cache with move-to-front
// recency ordering inside every set.
package cpucache

import (
	"math/bits"

	"github.com/pkg/errors"

	"github.com/grafana/cachelog/pkg/ranges"
)

var (
	ErrGeometry    = errors.New("invalid cache geometry")
	ErrSetMismatch = errors.New("cache lines belong to different sets")
	ErrTagNotFound = errors.New("evicted tag not found in set")
)

// Cache keeps assoc tags per set, most recently used first. Tag 0 marks an
// unused slot.
type Cache struct {
	lineSize     uint64
	lineSizeBits uint
	sets         uint64
	assoc        uint64
	tags         []uint64
}

// New creates a cache of size bytes split into lines of lineSize bytes,
// assoc lines per set. lineSize and the resulting set count must be powers
// of two.
func New(size, lineSize, assoc uint64) (*Cache, error) {
	if !isPowerOfTwo(lineSize) {
		return nil, errors.Wrapf(ErrGeometry, "line size %d is not a power of two", lineSize)
	}
	if assoc == 0 {
		return nil, errors.Wrap(ErrGeometry, "associativity must be positive")
	}
	sets := size / (lineSize * assoc)
	if !isPowerOfTwo(sets) {
		return nil, errors.Wrapf(ErrGeometry, "set count %d (size %d, line size %d, %d-way) is not a positive power of two", sets, size, lineSize, assoc)
	}
	return &Cache{
		lineSize:     lineSize,
		lineSizeBits: uint(bits.TrailingZeros64(lineSize)),
		sets:         sets,
		assoc:        assoc,
		tags:         make([]uint64, sets*assoc),
	}, nil
}

func isPowerOfTwo(x uint64) bool { return x != 0 && x&(x-1) == 0 }

func (c *Cache) LineSize() uint64 { return c.lineSize }
func (c *Cache) Sets() uint64     { return c.sets }
func (c *Cache) Assoc() uint64    { return c.assoc }

func (c *Cache) tag(addr uint64) uint64 { return addr >> c.lineSizeBits }

func (c *Cache) setOf(tag uint64) uint64 { return tag & (c.sets - 1) }

func (c *Cache) set(no uint64) []uint64 {
	return c.tags[no*c.assoc : (no+1)*c.assoc]
}

// Exchange replays a recorded fill: the line holding oldAddr is replaced by
// the line holding newAddr in place, without changing recency order. An
// oldAddr in line 0 refers to an unused slot of newAddr's set.
func (c *Cache) Exchange(newAddr, oldAddr uint64) error {
	oldTag, newTag := c.tag(oldAddr), c.tag(newAddr)
	oldSet, newSet := c.setOf(oldTag), c.setOf(newTag)
	if oldTag != 0 && oldSet != newSet {
		return errors.Wrapf(ErrSetMismatch, "old_addr=0x%x (set %d) new_addr=0x%x (set %d)", oldAddr, oldSet, newAddr, newSet)
	}
	set := c.set(newSet)
	for i, t := range set {
		if t == oldTag {
			set[i] = newTag
			return nil
		}
	}
	return errors.Wrapf(ErrTagNotFound, "tag 0x%x in set %d", oldTag, newSet)
}

// Load simulates an access to addr. A hit moves the line to the front of its
// set. A miss inserts the line at the front and drops the least recently used
// one; the dropped line's address is returned with ok set when the slot was
// in use.
func (c *Cache) Load(addr uint64) (evicted uint64, ok bool) {
	tag := c.tag(addr)
	set := c.set(c.setOf(tag))
	if set[0] == tag {
		return 0, false
	}
	for i := 1; i < len(set); i++ {
		if set[i] == tag {
			copy(set[1:i+1], set[:i])
			set[0] = tag
			return 0, false
		}
	}
	last := set[len(set)-1]
	copy(set[1:], set[:len(set)-1])
	set[0] = tag
	if last == 0 {
		return 0, false
	}
	return last << c.lineSizeBits, true
}

// CachedRanges returns the address ranges of all resident lines.
func (c *Cache) CachedRanges() *ranges.Set {
	s := ranges.New()
	for _, tag := range c.tags {
		if tag != 0 {
			s.Add(tag<<c.lineSizeBits, c.lineSize)
		}
	}
	return s
}

package tracelog

// Kind identifies the type of an Event.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindCacheInfo
	KindCacheLineSwap
	KindMiss
	KindStackAttribution
	KindSectionBegin
	KindSectionEnd
	KindArenaChunkAllocated
	KindArenaChunkDeallocated
	KindAssociation
	KindExtraField
	KindAddFrame
	KindAddStack
	KindSharedLibraryChunk
)

var kindNames = [...]string{
	KindUnrecognized:          "unrecognized",
	KindCacheInfo:             "cache_info",
	KindCacheLineSwap:         "cache_line_swap",
	KindMiss:                  "miss",
	KindStackAttribution:      "stack_attribution",
	KindSectionBegin:          "section_begin",
	KindSectionEnd:            "section_end",
	KindArenaChunkAllocated:   "arena_chunk_allocated",
	KindArenaChunkDeallocated: "arena_chunk_deallocated",
	KindAssociation:           "association",
	KindExtraField:            "extra_field",
	KindAddFrame:              "add_frame",
	KindAddStack:              "add_stack",
	KindSharedLibraryChunk:    "shared_library_chunk",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Event is the decoded content of one log line.
type Event interface {
	Kind() Kind
}

// CacheInfo describes the geometry of the simulated last-level cache.
type CacheInfo struct {
	Size     uint64
	LineSize uint64
	Assoc    uint64
}

// CacheLineSwap is a cache fill: the line at NewStart replaced the line at
// OldStart. Used is the number of bytes of the line that were accessed,
// when the log records it.
type CacheLineSwap struct {
	NewStart uint64
	OldStart uint64
	Size     uint64
	Used     uint64
	HasUsed  bool
}

type Miss struct {
	Why  string
	Size uint64
	Addr uint64
	TID  uint64
}

// StackAttribution assigns a stack to the swaps logged since the previous
// attribution.
type StackAttribution struct {
	Stack int
}

type SectionBegin struct{}

type SectionEnd struct{}

type ArenaChunkAllocated struct {
	Ident string
	Start uint64
	Size  uint64
}

type ArenaChunkDeallocated struct {
	Ident string
	Start uint64
	Size  uint64
}

type Association struct {
	Ident1 string
	Ident2 string
}

type ExtraField struct {
	Ident   string
	Field   string
	Content string
}

type AddFrame struct {
	Index   int
	Address uint64
}

type AddStack struct {
	Index  int
	Parent int
	Frame  int
}

// SharedLibraryChunk is a piece of the shared libraries JSON document.
type SharedLibraryChunk struct {
	Text string
}

type Unrecognized struct {
	Text string
}

func (CacheInfo) Kind() Kind             { return KindCacheInfo }
func (CacheLineSwap) Kind() Kind         { return KindCacheLineSwap }
func (Miss) Kind() Kind                  { return KindMiss }
func (StackAttribution) Kind() Kind      { return KindStackAttribution }
func (SectionBegin) Kind() Kind          { return KindSectionBegin }
func (SectionEnd) Kind() Kind            { return KindSectionEnd }
func (ArenaChunkAllocated) Kind() Kind   { return KindArenaChunkAllocated }
func (ArenaChunkDeallocated) Kind() Kind { return KindArenaChunkDeallocated }
func (Association) Kind() Kind           { return KindAssociation }
func (ExtraField) Kind() Kind            { return KindExtraField }
func (AddFrame) Kind() Kind              { return KindAddFrame }
func (AddStack) Kind() Kind              { return KindAddStack }
func (SharedLibraryChunk) Kind() Kind    { return KindSharedLibraryChunk }
func (Unrecognized) Kind() Kind          { return KindUnrecognized }

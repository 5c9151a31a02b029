// Package tracelog decodes the line-oriented log written by the cache
// simulator.
package tracelog

import (
	"strconv"
	"strings"

	"github.com/grafana/regexp"
)

var (
	linePrefix = regexp.MustCompile(`^==(\d+)== `)

	cacheInfoRe  = regexp.MustCompile(`^LL cache information: (\d+) B, (\d+) B, (\d+)-way associative`)
	swapRe       = regexp.MustCompile(`^LLCacheSwap: new_start=([0-9a-fA-F]+) old_start=([0-9a-fA-F]+) size=(\d+)(?: used=(\d+))?`)
	missRe       = regexp.MustCompile(`^LLMiss: why=\s*(\S+)\s+size=(\d+) addr=([0-9a-fA-F]+) tid=(\d+)`)
	stackRe      = regexp.MustCompile(`^stack: (\d+)`)
	allocRe      = regexp.MustCompile(`^\[([^\]]*)\] Allocating arena chunk at 0x([0-9a-fA-F]+) with size (\d+) bytes`)
	deallocRe    = regexp.MustCompile(`^\[([^\]]*)\] Deallocating arena chunk at 0x([0-9a-fA-F]+) with size (\d+) bytes`)
	associateRe  = regexp.MustCompile(`^\[([^\]]*)\] has \[([^\]]*)\]`)
	extraFieldRe = regexp.MustCompile(`^\[([^\]]*)\] has ([^ ]*) (.*)$`)
	addFrameRe   = regexp.MustCompile(`^add_frame: (\d+) ([0-9a-fA-F]+)`)
	addStackRe   = regexp.MustCompile(`^add_stack: (\d+) (\d+) (\d+)`)
)

const (
	sectionBegin    = "Begin DisplayList building"
	sectionEnd      = "End DisplayList building"
	sharedLibPrefix = "SharedLibsChunk: "
)

type parser func(string) (Event, bool)

var parsers = []parser{
	parseCacheInfo,
	parseSwap,
	parseMiss,
	parseStack,
	parseSection,
	parseArenaChunk,
	parseAssociation,
	parseExtraField,
	parseAddFrame,
	parseAddStack,
	parseSharedLibraryChunk,
}

// ParseLine splits a "==<pid>== <content>" line. ok is false for lines
// without the pid prefix.
func ParseLine(line string) (pid int, ev Event, ok bool) {
	m := linePrefix.FindStringSubmatchIndex(line)
	if m == nil {
		return 0, nil, false
	}
	pid, err := strconv.Atoi(line[m[2]:m[3]])
	if err != nil {
		return 0, nil, false
	}
	return pid, ParseContent(line[m[1]:]), true
}

// ParseContent decodes the part of a line following the pid prefix.
// Content matching none of the known forms is returned as Unrecognized.
func ParseContent(content string) Event {
	for _, p := range parsers {
		if ev, ok := p(content); ok {
			return ev
		}
	}
	return Unrecognized{Text: content}
}

// numbers parses every group of m; bases holds the base of each group.
func numbers(m []string, bases ...int) ([]uint64, bool) {
	out := make([]uint64, len(bases))
	for i, base := range bases {
		v, err := strconv.ParseUint(m[i+1], base, 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func parseCacheInfo(s string) (Event, bool) {
	m := cacheInfoRe.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	n, ok := numbers(m, 10, 10, 10)
	if !ok {
		return nil, false
	}
	return CacheInfo{Size: n[0], LineSize: n[1], Assoc: n[2]}, true
}

func parseSwap(s string) (Event, bool) {
	m := swapRe.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	n, ok := numbers(m, 16, 16, 10)
	if !ok {
		return nil, false
	}
	ev := CacheLineSwap{NewStart: n[0], OldStart: n[1], Size: n[2]}
	if m[4] != "" {
		used, err := strconv.ParseUint(m[4], 10, 64)
		if err != nil {
			return nil, false
		}
		ev.Used, ev.HasUsed = used, true
	}
	return ev, true
}

func parseMiss(s string) (Event, bool) {
	m := missRe.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	n, ok := numbers(m[1:], 10, 16, 10)
	if !ok {
		return nil, false
	}
	return Miss{Why: m[1], Size: n[0], Addr: n[1], TID: n[2]}, true
}

func parseStack(s string) (Event, bool) {
	m := stackRe.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	stack, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, false
	}
	return StackAttribution{Stack: stack}, true
}

func parseSection(s string) (Event, bool) {
	switch {
	case strings.HasPrefix(s, sectionBegin):
		return SectionBegin{}, true
	case strings.HasPrefix(s, sectionEnd):
		return SectionEnd{}, true
	}
	return nil, false
}

func parseArenaChunk(s string) (Event, bool) {
	if m := allocRe.FindStringSubmatch(s); m != nil {
		n, ok := numbers(m[1:], 16, 10)
		if !ok {
			return nil, false
		}
		return ArenaChunkAllocated{Ident: m[1], Start: n[0], Size: n[1]}, true
	}
	if m := deallocRe.FindStringSubmatch(s); m != nil {
		n, ok := numbers(m[1:], 16, 10)
		if !ok {
			return nil, false
		}
		return ArenaChunkDeallocated{Ident: m[1], Start: n[0], Size: n[1]}, true
	}
	return nil, false
}

func parseAssociation(s string) (Event, bool) {
	m := associateRe.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	return Association{Ident1: m[1], Ident2: m[2]}, true
}

func parseExtraField(s string) (Event, bool) {
	m := extraFieldRe.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	return ExtraField{Ident: m[1], Field: m[2], Content: m[3]}, true
}

func parseAddFrame(s string) (Event, bool) {
	m := addFrameRe.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	n, ok := numbers(m, 10, 16)
	if !ok {
		return nil, false
	}
	return AddFrame{Index: int(n[0]), Address: n[1]}, true
}

func parseAddStack(s string) (Event, bool) {
	m := addStackRe.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	n, ok := numbers(m, 10, 10, 10)
	if !ok {
		return nil, false
	}
	return AddStack{Index: int(n[0]), Parent: int(n[1]), Frame: int(n[2])}, true
}

func parseSharedLibraryChunk(s string) (Event, bool) {
	text, ok := strings.CutPrefix(s, sharedLibPrefix)
	if !ok {
		return nil, false
	}
	return SharedLibraryChunk{Text: text}, true
}

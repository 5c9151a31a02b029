package stacktable

import (
	"context"
	"sort"

	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/cachelog/pkg/sharedlibs"
)

type libraryFrames struct {
	lib    *sharedlibs.Library
	frames []int
	addrs  []uint64
}

// SymbolicateAll resolves every frame of the table.
func (t *Table) SymbolicateAll(ctx context.Context) error {
	frames := make([]int, len(t.frames))
	for i := range frames {
		frames[i] = i
	}
	return t.SymbolicateFrames(ctx, frames)
}

// SymbolicateFrames resolves the given frames with one symbolizer call per
// library. Frames outside any known library, and frames of libraries the
// symbolizer fails on, stay unresolved. Only context cancellation is
// returned as an error.
func (t *Table) SymbolicateFrames(ctx context.Context, frames []int) error {
	if t.symbolizer == nil || t.libs == nil {
		return nil
	}
	groups := t.groupByLibrary(frames)
	if len(groups) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for _, group := range groups {
		g.Go(func() error {
			path := group.lib.SymbolPath()
			resolved, err := t.symbolizer.Resolve(ctx, path, group.addrs)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				level.Warn(t.logger).Log("msg", "failed to symbolicate library", "lib", group.lib.Name, "path", path, "frames", len(group.frames), "err", err)
				return nil
			}
			if len(resolved) != len(group.addrs) {
				level.Warn(t.logger).Log("msg", "symbolizer returned unexpected number of results", "lib", group.lib.Name, "want", len(group.addrs), "got", len(resolved))
				return nil
			}
			for i, f := range group.frames {
				t.frames[f].Symbols = resolved[i]
				t.frames[f].Resolved = true
			}
			return nil
		})
	}
	return g.Wait()
}

func (t *Table) groupByLibrary(frames []int) []*libraryFrames {
	byStart := make(map[uint64]*libraryFrames)
	seen := make(map[int]struct{}, len(frames))
	var unknown int
	for _, f := range frames {
		if _, ok := seen[f]; ok || t.frames[f].Resolved {
			continue
		}
		seen[f] = struct{}{}
		addr := t.frames[f].Address
		lib, ok := t.libs.LibraryForAddress(addr)
		if !ok {
			unknown++
			continue
		}
		group, ok := byStart[uint64(lib.Start)]
		if !ok {
			group = &libraryFrames{lib: lib}
			byStart[uint64(lib.Start)] = group
		}
		group.frames = append(group.frames, f)
		group.addrs = append(group.addrs, addr-uint64(lib.Start))
	}
	if unknown > 0 {
		level.Debug(t.logger).Log("msg", "frames outside any known library", "frames", unknown)
	}
	groups := make([]*libraryFrames, 0, len(byStart))
	for _, group := range byStart {
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].lib.Start < groups[j].lib.Start })
	return groups
}

// Package profile turns stack samples into profiles that can be opened in a
// profiler UI: the processed profile JSON format and pprof.
package profile

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/grafana/cachelog/pkg/stacktable"
)

type Sample struct {
	Stack  int
	TimeMs float64
}

// Builder collects samples against the stacks of a table.
type Builder struct {
	table    *stacktable.Table
	interval float64
	samples  []Sample
}

// NewBuilder creates a builder for samples of table. interval is the
// duration of one sample in milliseconds.
func NewBuilder(table *stacktable.Table, interval float64) *Builder {
	return &Builder{table: table, interval: interval}
}

func (b *Builder) AddSample(stack int, timeMs float64) {
	b.samples = append(b.samples, Sample{Stack: stack, TimeMs: timeMs})
}

func (b *Builder) NumSamples() int { return len(b.samples) }

// Profile is a symbolicated stack table holding only sampled stacks. Every
// frame has at most one symbol.
type Profile struct {
	Interval float64
	Table    *stacktable.Table
	Samples  []Sample
}

// Build reduces the table to the sampled stacks, symbolicates the remaining
// frames and splits inlined functions into frames of their own.
func (b *Builder) Build(ctx context.Context) (*Profile, error) {
	used := lo.Uniq(lo.Map(b.samples, func(s Sample, _ int) int { return s.Stack }))
	table, reduced, err := b.table.Reduce(used)
	if err != nil {
		return nil, errors.Wrap(err, "reduce stack table")
	}
	if err := table.SymbolicateAll(ctx); err != nil {
		return nil, errors.Wrap(err, "symbolicate")
	}
	inlined := table.ResolveInlineSymbols()

	samples := make([]Sample, len(b.samples))
	for i, s := range b.samples {
		samples[i] = Sample{Stack: inlined[reduced[s.Stack]], TimeMs: s.TimeMs}
	}
	return &Profile{Interval: b.interval, Table: table, Samples: samples}, nil
}

// FrameName renders frame i as "function (file:line)", or as its address
// when it is not symbolicated.
func (p *Profile) FrameName(i int) string {
	f := p.Table.Frame(i)
	if len(f.Symbols) > 0 {
		return f.Symbols[0].String()
	}
	return fmt.Sprintf("0x%x", f.Address)
}

// stackFrames returns the frames of stack from the leaf to the root,
// including the frame of the root stack.
func (p *Profile) stackFrames(stack int) []int {
	var frames []int
	for {
		s := p.Table.Stack(stack)
		frames = append(frames, s.Frame)
		if stack == 0 {
			return frames
		}
		stack = s.Parent
	}
}

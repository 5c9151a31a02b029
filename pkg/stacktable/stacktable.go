// Package stacktable stores the frames and call stacks announced by a trace.
//
// Frames and stacks are append-only arrays addressed by index. A stack
// points to its parent stack and its leaf frame, and may only point to
// entries that already exist. Stack 0 is the root.
package stacktable

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/grafana/cachelog/pkg/sharedlibs"
	"github.com/grafana/cachelog/pkg/symbolizer"
)

var (
	ErrFrameIndex  = errors.New("unexpected frame index")
	ErrStackIndex  = errors.New("unexpected stack index")
	ErrParentStack = errors.New("reference to a parent stack not seen yet")
	ErrFrameRef    = errors.New("reference to a frame not seen yet")
)

// Frame is an instruction address and, once symbolicated, its inline chain
// with the innermost function first.
type Frame struct {
	Address  uint64
	Symbols  []symbolizer.SourceInfoFrame
	Resolved bool
}

type Stack struct {
	Parent int
	Frame  int
}

type Table struct {
	frames []Frame
	stacks []Stack

	libs        *sharedlibs.Table
	symbolizer  symbolizer.Symbolizer
	concurrency int
	logger      log.Logger
}

type Option func(*Table)

func WithLogger(logger log.Logger) Option {
	return func(t *Table) { t.logger = logger }
}

func WithSymbolizer(s symbolizer.Symbolizer) Option {
	return func(t *Table) { t.symbolizer = s }
}

// WithConcurrency limits the number of libraries symbolicated at once.
func WithConcurrency(n int) Option {
	return func(t *Table) { t.concurrency = n }
}

func New(opts ...Option) *Table {
	t := &Table{
		concurrency: 1,
		logger:      log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.concurrency < 1 {
		t.concurrency = 1
	}
	return t
}

// derive returns an empty table sharing the symbolication setup of t.
func (t *Table) derive() *Table {
	return &Table{
		libs:        t.libs,
		symbolizer:  t.symbolizer,
		concurrency: t.concurrency,
		logger:      t.logger,
	}
}

func (t *Table) SetLibs(libs *sharedlibs.Table) { t.libs = libs }

func (t *Table) Libs() *sharedlibs.Table { return t.libs }

func (t *Table) SetSymbolizer(s symbolizer.Symbolizer) { t.symbolizer = s }

func (t *Table) SetConcurrency(n int) { t.concurrency = max(n, 1) }

func (t *Table) SetLogger(logger log.Logger) { t.logger = logger }

func (t *Table) NumFrames() int { return len(t.frames) }

func (t *Table) NumStacks() int { return len(t.stacks) }

func (t *Table) Frame(i int) Frame { return t.frames[i] }

func (t *Table) Stack(i int) Stack { return t.stacks[i] }

func (t *Table) HasStack(i int) bool { return i >= 0 && i < len(t.stacks) }

// AddFrame appends a frame. index must equal the current frame count.
func (t *Table) AddFrame(index int, address uint64) error {
	if index != len(t.frames) {
		return errors.Wrapf(ErrFrameIndex, "got frame %d, expected %d", index, len(t.frames))
	}
	t.frames = append(t.frames, Frame{Address: address})
	return nil
}

// AddStack appends a stack. index must equal the current stack count, the
// parent must precede it (stack 0 is its own parent) and the frame must
// exist.
func (t *Table) AddStack(index, parent, frame int) error {
	if index != len(t.stacks) {
		return errors.Wrapf(ErrStackIndex, "got stack %d, expected %d", index, len(t.stacks))
	}
	if parent < 0 || (parent >= index && parent != 0) {
		return errors.Wrapf(ErrParentStack, "stack %d refers to parent %d", index, parent)
	}
	if frame < 0 || frame >= len(t.frames) {
		return errors.Wrapf(ErrFrameRef, "stack %d refers to frame %d, have %d frames", index, frame, len(t.frames))
	}
	t.stacks = append(t.stacks, Stack{Parent: parent, Frame: frame})
	return nil
}

// FrameIndexListForStack returns the frames of stack from the leaf up to,
// but excluding, the root.
func (t *Table) FrameIndexListForStack(stack int) []int {
	var result []int
	for stack != 0 {
		s := t.stacks[stack]
		result = append(result, s.Frame)
		stack = s.Parent
	}
	return result
}

// FormatStack renders stack root first, one line per function. Inline
// chains are printed outermost first.
func (t *Table) FormatStack(stack int) []string {
	frames := t.FrameIndexListForStack(stack)
	lines := make([]string, 0, len(frames))
	for i := len(frames) - 1; i >= 0; i-- {
		f := &t.frames[frames[i]]
		if len(f.Symbols) > 0 {
			for j := len(f.Symbols) - 1; j >= 0; j-- {
				lines = append(lines, f.Symbols[j].String())
			}
			continue
		}
		lines = append(lines, t.formatAddress(f.Address))
	}
	return lines
}

func (t *Table) formatAddress(addr uint64) string {
	if lib, ok := t.libs.LibraryForAddress(addr); ok {
		return fmt.Sprintf("0x%016x [%s + 0x%x]", addr, lib.Name, addr-uint64(lib.Start))
	}
	return fmt.Sprintf("0x%016x [unknown binary]", addr)
}

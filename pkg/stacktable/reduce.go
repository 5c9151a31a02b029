package stacktable

import (
	"github.com/pkg/errors"
)

type reducer struct {
	src      *Table
	dst      *Table
	stackMap map[int]int
	frameMap map[int]int
}

// Reduce builds a table holding only the given stacks and their ancestors.
// It returns the new table and the old to new stack index mapping. Stack 0
// always maps to stack 0.
func (t *Table) Reduce(stacks []int) (*Table, map[int]int, error) {
	r := &reducer{
		src:      t,
		dst:      t.derive(),
		stackMap: make(map[int]int),
		frameMap: make(map[int]int),
	}
	for _, s := range stacks {
		if !t.HasStack(s) {
			return nil, nil, errors.Wrapf(ErrStackIndex, "stack %d does not exist, have %d stacks", s, len(t.stacks))
		}
	}
	if len(t.stacks) > 0 {
		r.translateRoot()
	}
	for _, s := range stacks {
		r.translate(s)
	}
	return r.dst, r.stackMap, nil
}

func (r *reducer) translateRoot() {
	root := r.src.stacks[0]
	r.dst.stacks = append(r.dst.stacks, Stack{Parent: 0, Frame: r.frame(root.Frame)})
	r.stackMap[0] = 0
}

func (r *reducer) translate(stack int) {
	var chain []int
	for {
		if _, ok := r.stackMap[stack]; ok {
			break
		}
		chain = append(chain, stack)
		stack = r.src.stacks[stack].Parent
	}
	for i := len(chain) - 1; i >= 0; i-- {
		old := r.src.stacks[chain[i]]
		r.stackMap[chain[i]] = len(r.dst.stacks)
		r.dst.stacks = append(r.dst.stacks, Stack{
			Parent: r.stackMap[old.Parent],
			Frame:  r.frame(old.Frame),
		})
	}
}

func (r *reducer) frame(old int) int {
	if n, ok := r.frameMap[old]; ok {
		return n
	}
	n := len(r.dst.frames)
	r.dst.frames = append(r.dst.frames, r.src.frames[old])
	r.frameMap[old] = n
	return n
}

// ResolveInlineSymbols splits every frame resolved to an inline chain into
// one frame per function. The original frame keeps the outermost function
// and a new frame is appended for every inlined callee. Each stack is
// rewritten into a chain of stacks, one per function, so that the table
// keeps parents before children. The returned slice maps every stack index
// from before the call to its innermost replacement.
func (t *Table) ResolveInlineSymbols() []int {
	inlined := make(map[int][]int)
	for i := range t.frames {
		syms := t.frames[i].Symbols
		if len(syms) < 2 {
			continue
		}
		extra := make([]int, 0, len(syms)-1)
		for j := len(syms) - 2; j >= 0; j-- {
			extra = append(extra, len(t.frames))
			t.frames = append(t.frames, Frame{
				Address:  t.frames[i].Address,
				Symbols:  syms[j : j+1],
				Resolved: true,
			})
		}
		t.frames[i].Symbols = syms[len(syms)-1:]
		inlined[i] = extra
	}

	innermost := make([]int, len(t.stacks))
	stacks := make([]Stack, 0, len(t.stacks))
	for i, s := range t.stacks {
		parent := 0
		if i != 0 {
			parent = innermost[s.Parent]
		}
		stacks = append(stacks, Stack{Parent: parent, Frame: s.Frame})
		for _, f := range inlined[s.Frame] {
			stacks = append(stacks, Stack{Parent: len(stacks) - 1, Frame: f})
		}
		innermost[i] = len(stacks) - 1
	}
	t.stacks = stacks
	return innermost
}

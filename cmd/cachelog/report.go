package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"github.com/grafana/cachelog/pkg/analysis"
	"github.com/grafana/cachelog/pkg/ranges"
)

func printSummary(out io.Writer, res *analysis.Result) {
	window := fmt.Sprintf("[%d, end)", res.FromLine)
	if res.ToLine != 0 {
		window = fmt.Sprintf("[%d, %d)", res.FromLine, res.ToLine)
	}
	fmt.Fprintf(out, "Process %d, lines %s\n", res.PID, window)
	fmt.Fprintf(out, "Read %s in %d cache lines, %s distinct, overhead %.2f\n",
		humanize.IBytes(res.BytesRead), len(res.Reads), humanize.IBytes(res.DistinctBytes), res.Overhead)
	fmt.Fprintf(out, "Used %s, wasted %s\n", humanize.IBytes(res.TotalUsed()), humanize.IBytes(res.TotalWasted()))
	fmt.Fprintf(out, "%d evictions of earlier reads\n", len(res.Evictions))
	if res.DefaultedUsage {
		fmt.Fprintln(out, "No used byte counts in the log, every read is assumed to use its full cache line.")
	}
	if res.UnknownUsage > 0 {
		fmt.Fprintf(out, "%d reads without used byte counts are not part of the usage totals.\n", res.UnknownUsage)
	}
	if res.Unattributed > 0 {
		fmt.Fprintf(out, "%d cache line swaps were never attributed to a stack.\n", res.Unattributed)
	}
	if res.LibsError != nil {
		fmt.Fprintf(out, "Shared libraries could not be decoded: %v\n", res.LibsError)
	}
}

func printHistogram(out io.Writer, title string, h analysis.Histogram) {
	fmt.Fprintf(out, "\n%s: %d of %d distinct cache lines read more than once\n", title, h.MultiRead, h.DistinctAddresses)
	if len(h.Buckets) == 0 {
		return
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Reads", "Cache lines", "%"})
	for _, b := range h.Buckets {
		table.Append([]string{strconv.Itoa(b.Reads), strconv.Itoa(b.Addresses), fmt.Sprintf("%.2f", b.Percent)})
	}
	table.Render()
}

func printArenas(out io.Writer, res *analysis.Result, topN int) {
	fmt.Fprintf(out, "\nOutside any arena: %s (%.2f%%)\n", humanize.IBytes(res.OutsideBytes), res.OutsidePercent)
	if len(res.Arenas) == 0 {
		return
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Arena", "Read", "%", "Multi-read lines", "Description"})
	table.SetAutoWrapText(false)
	for _, a := range lo.Slice(res.Arenas, 0, topN) {
		table.Append([]string{
			a.Ident,
			humanize.IBytes(a.Bytes),
			fmt.Sprintf("%.2f", a.Percent),
			fmt.Sprintf("%d/%d", a.Histogram.MultiRead, a.Histogram.DistinctAddresses),
			a.Description,
		})
	}
	table.Render()
}

func printWastedStacks(out io.Writer, res *analysis.Result, topN int) {
	stacks := lo.Filter(res.Stacks, func(s analysis.StackBytes, _ int) bool { return s.Wasted > 0 })
	fmt.Fprintf(out, "\n%d stacks wasted cache line bytes\n", len(stacks))
	for i, s := range lo.Slice(stacks, 0, topN) {
		fmt.Fprintf(out, " (%d) stack %d wasted %s, used %s:\n", i+1, s.Stack, humanize.IBytes(s.Wasted), humanize.IBytes(s.Used))
		printStack(out, res, s.Stack)
	}
}

func printStack(out io.Writer, res *analysis.Result, stack int) {
	for _, line := range res.Table.FormatStack(stack) {
		fmt.Fprintf(out, "  %s\n", line)
	}
}

func printSections(out io.Writer, res *analysis.Result) {
	if len(res.Sections) == 0 {
		return
	}
	fmt.Fprintf(out, "\n%d display list sections\n", len(res.Sections))
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Lines", "Read", "Distinct", "Overhead"})
	for _, s := range res.Sections {
		table.Append([]string{
			fmt.Sprintf("%d-%d", s.BeginLine, s.EndLine),
			humanize.IBytes(s.BytesRead),
			humanize.IBytes(s.DistinctBytes),
			fmt.Sprintf("%.2f", s.Overhead),
		})
	}
	table.Render()
}

func printMisses(out io.Writer, res *analysis.Result) {
	if res.Misses.Total == 0 {
		return
	}
	fmt.Fprintf(out, "\n%d misses\n", res.Misses.Total)
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Kind", "Misses"})
	whys := lo.Keys(res.Misses.ByWhy)
	sort.Strings(whys)
	for _, why := range whys {
		table.Append([]string{why, strconv.Itoa(res.Misses.ByWhy[why])})
	}
	table.Render()
}

func printCacheContents(out io.Writer, res *analysis.Result) {
	if !res.HasCache {
		fmt.Fprintln(out, "\nNo cache information found, cache was not simulated.")
		return
	}
	size := lo.SumBy(res.CachedRanges, func(r ranges.Range) uint64 { return r.Size() })
	fmt.Fprintf(out, "\nCache holds %s in %d ranges at the end of the window\n", humanize.IBytes(size), len(res.CachedRanges))
}

func printMultiReads(out io.Writer, res *analysis.Result, topN int) {
	fmt.Fprintf(out, "Read %d cache-line sized memory ranges at least twice.\n", len(res.MultiReads))
	for _, m := range lo.Slice(res.MultiReads, 0, topN) {
		fmt.Fprintf(out, "Read cache line at address 0x%x %s:\n", m.Address, times(len(m.Reads)))
		for i, r := range m.Reads {
			fmt.Fprintf(out, " (%d) At line %d:\n", i+1, r.Line)
			printStack(out, res, r.Stack)
		}
	}
}

func times(n int) string {
	if n == 1 {
		return "1 time"
	}
	return fmt.Sprintf("%d times", n)
}

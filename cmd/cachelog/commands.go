package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/go-kit/log/level"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/cachelog/pkg/analysis"
	cachelogcontext "github.com/grafana/cachelog/pkg/context"
	"github.com/grafana/cachelog/pkg/profile"
	"github.com/grafana/cachelog/pkg/tracelog"
)

const defaultSampleGranularity = 8

func listPIDs(ctx context.Context, p *logParams) error {
	summaries, err := readLog(p.path, analysis.SummarizePIDs)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(output(ctx))
	table.SetHeader([]string{"PID", "Lines", "First line", "Last line"})
	for _, s := range summaries {
		if p.pid != 0 && s.PID != p.pid {
			continue
		}
		table.Append([]string{strconv.Itoa(s.PID), strconv.Itoa(s.Lines), strconv.Itoa(s.FirstLine), strconv.Itoa(s.LastLine)})
	}
	table.Render()
	return nil
}

func analyze(ctx context.Context, p *analysisParams) error {
	c, err := p.config()
	if err != nil {
		return err
	}
	res, err := runAnalysis(ctx, p, c)
	if err != nil {
		return err
	}
	topN := c.Analysis.TopN
	wasted := lo.Filter(res.Stacks, func(s analysis.StackBytes, _ int) bool { return s.Wasted > 0 })
	if err := symbolicateStacks(ctx, res, lo.Map(lo.Slice(wasted, 0, topN), func(s analysis.StackBytes, _ int) int { return s.Stack })); err != nil {
		return err
	}

	out := output(ctx)
	printSummary(out, res)
	printHistogram(out, "All reads", res.ReadHistogram)
	printArenas(out, res, topN)
	printHistogram(out, "Reads outside any arena", res.OutsideHistogram)
	printWastedStacks(out, res, topN)
	printSections(out, res)
	printMisses(out, res)
	printCacheContents(out, res)
	return nil
}

func multiReads(ctx context.Context, p *analysisParams) error {
	c, err := p.config()
	if err != nil {
		return err
	}
	res, err := runAnalysis(ctx, p, c)
	if err != nil {
		return err
	}
	var stacks []int
	for _, m := range lo.Slice(res.MultiReads, 0, c.Analysis.TopN) {
		stacks = append(stacks, lo.Map(m.Reads, func(r analysis.ReadRef, _ int) int { return r.Stack })...)
	}
	if err := symbolicateStacks(ctx, res, stacks); err != nil {
		return err
	}
	printMultiReads(output(ctx), res, c.Analysis.TopN)
	return nil
}

// symbolicateStacks resolves every frame on the given stacks.
func symbolicateStacks(ctx context.Context, res *analysis.Result, stacks []int) error {
	var frames []int
	for _, s := range lo.Uniq(stacks) {
		frames = append(frames, res.Table.FrameIndexListForStack(s)...)
	}
	if len(frames) == 0 {
		return nil
	}
	return res.Table.SymbolicateFrames(ctx, lo.Uniq(frames))
}

type profileParams struct {
	*analysisParams
	series      string
	format      string
	out         string
	granularity uint64
}

func addProfileParams(cmd *kingpin.CmdClause) *profileParams {
	p := &profileParams{analysisParams: addAnalysisParams(cmd)}
	cmd.Flag("series", "Which bytes to sample.").Default(string(analysis.SeriesWasted)).
		EnumVar(&p.series, lo.Map(analysis.AllSeries, func(s analysis.Series, _ int) string { return string(s) })...)
	cmd.Flag("format", "Output format.").Default("processed").EnumVar(&p.format, "processed", "pprof")
	cmd.Flag("out", "File to write the profile to. - writes to standard output.").Short('o').Default("-").StringVar(&p.out)
	cmd.Flag("sample-granularity", "Bytes per sample. 0 uses the configured granularity.").Default("0").Uint64Var(&p.granularity)
	return p
}

func (p *profileParams) config() (*fileConfig, error) {
	c, err := p.analysisParams.config()
	if err != nil {
		return nil, err
	}
	if p.granularity != 0 {
		c.Analysis.SampleGranularity = p.granularity
	}
	if c.Analysis.SampleGranularity == 0 {
		c.Analysis.SampleGranularity = defaultSampleGranularity
	}
	return c, nil
}

func writeProfile(ctx context.Context, p *profileParams) error {
	logger := cachelogcontext.Logger(ctx)
	c, err := p.config()
	if err != nil {
		return err
	}
	res, err := runAnalysis(ctx, p.analysisParams, c)
	if err != nil {
		return err
	}

	b := profile.NewBuilder(res.Table, c.Analysis.SampleIntervalMs)
	for _, s := range res.Samples[analysis.Series(p.series)] {
		b.AddSample(s.Stack, s.TimeMs)
	}
	level.Info(logger).Log("msg", "building profile", "series", p.series, "samples", b.NumSamples(), "granularity", c.Analysis.SampleGranularity)
	prof, err := b.Build(ctx)
	if err != nil {
		return err
	}

	return withProfileOutput(ctx, p.out, func(w io.Writer) error {
		if p.format == "pprof" {
			return prof.WritePprof(w)
		}
		return prof.WriteProcessed(w)
	})
}

func withProfileOutput(ctx context.Context, path string, fn func(io.Writer) error) (err error) {
	if path == "-" {
		return fn(output(ctx))
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create profile file")
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()
	if err := fn(f); err != nil {
		return err
	}
	level.Info(cachelogcontext.Logger(ctx)).Log("msg", "profile written", "path", path)
	return nil
}

func listExtraFields(ctx context.Context, p *logParams) error {
	fields, err := readLog(p.path, func(r *tracelog.Reader) ([]analysis.ExtraFieldLine, error) {
		return analysis.ExtraFields(r, p.pid)
	})
	if err != nil {
		return err
	}
	out := output(ctx)
	for _, f := range fields {
		fmt.Fprintf(out, "%d: %s %s: %s\n", f.Line, f.Ident, f.Field, f.Content)
	}
	return nil
}

func listOtherLines(ctx context.Context, p *logParams) error {
	lines, err := readLog(p.path, func(r *tracelog.Reader) ([]analysis.OtherLine, error) {
		return analysis.OtherLines(r, p.pid)
	})
	if err != nil {
		return err
	}
	out := output(ctx)
	for _, l := range lines {
		fmt.Fprintf(out, "%d [%d]: %s\n", l.Line, l.PID, l.Text)
	}
	return nil
}

func listForkLines(ctx context.Context, p *logParams) error {
	forks, err := readLog(p.path, analysis.ForkLines)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(output(ctx))
	table.SetHeader([]string{"Line", "PID", "Frame index"})
	for _, f := range forks {
		if p.pid != 0 && f.PID != p.pid {
			continue
		}
		table.Append([]string{strconv.Itoa(f.Line), strconv.Itoa(f.PID), strconv.Itoa(f.Index)})
	}
	table.Render()
	return nil
}

package main

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gopkg.in/alecthomas/kingpin.v2"
	"gopkg.in/yaml.v3"

	"github.com/grafana/cachelog/pkg/analysis"
	cachelogcontext "github.com/grafana/cachelog/pkg/context"
	"github.com/grafana/cachelog/pkg/symbolizer"
	"github.com/grafana/cachelog/pkg/tracelog"
)

type fileConfig struct {
	Analysis   analysis.Config   `yaml:"analysis"`
	Symbolizer symbolizer.Config `yaml:"symbolizer"`
}

// Note: These are not the flags used, but we need to register them to get the defaults.
func (c *fileConfig) RegisterFlags(f *flag.FlagSet) {
	c.Analysis.RegisterFlags(f)
	c.Symbolizer.RegisterFlags(f)
}

// loadConfig returns the defaults overlaid with the YAML file at path, if
// one is given.
func loadConfig(path string) (*fileConfig, error) {
	c := &fileConfig{}
	c.RegisterFlags(flag.NewFlagSet("config-file-loader", flag.ContinueOnError))
	if path == "" {
		return c, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "parse config file %s", path)
	}
	return c, nil
}

type logParams struct {
	path string
	pid  int
}

func addLogParams(cmd *kingpin.CmdClause) *logParams {
	p := &logParams{}
	cmd.Arg("log", "Cache simulator log, plain, gzip or zstd compressed. - reads standard input.").Required().StringVar(&p.path)
	cmd.Flag("pid", "Process to look at. 0 selects every process.").Default("0").IntVar(&p.pid)
	return p
}

// analysisParams override the configuration file when set to non-zero
// values.
type analysisParams struct {
	*logParams
	fromLine  int
	toLine    int
	topN      int
	addr2line string
	noSymbols bool
}

func addAnalysisParams(cmd *kingpin.CmdClause) *analysisParams {
	p := &analysisParams{logParams: addLogParams(cmd)}
	cmd.Flag("from-line", "First line (zero-based) of the analysed window.").Default("0").IntVar(&p.fromLine)
	cmd.Flag("to-line", "Line (zero-based, exclusive) ending the analysed window. 0 reads to the end.").Default("0").IntVar(&p.toLine)
	cmd.Flag("top", "Number of entries printed in top lists.").Default("0").IntVar(&p.topN)
	cmd.Flag("addr2line", "Path to the addr2line binary.").StringVar(&p.addr2line)
	cmd.Flag("no-symbols", "Do not symbolicate stacks.").Default("false").BoolVar(&p.noSymbols)
	return p
}

func (p *analysisParams) apply(c *fileConfig) {
	if p.pid != 0 {
		c.Analysis.PID = p.pid
	}
	if p.fromLine != 0 {
		c.Analysis.FromLine = p.fromLine
	}
	if p.toLine != 0 {
		c.Analysis.ToLine = p.toLine
	}
	if p.topN != 0 {
		c.Analysis.TopN = p.topN
	}
	if p.addr2line != "" {
		c.Symbolizer.Addr2LinePath = p.addr2line
	}
}

func (p *analysisParams) config() (*fileConfig, error) {
	c, err := loadConfig(cfg.configFile)
	if err != nil {
		return nil, err
	}
	p.apply(c)
	if err := c.Analysis.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// runAnalysis runs the engine over the log. Without a pid the busiest
// process is selected, which reads the log twice.
func runAnalysis(ctx context.Context, p *analysisParams, c *fileConfig) (*analysis.Result, error) {
	logger := cachelogcontext.Logger(ctx)
	reg := cachelogcontext.Registry(ctx)

	if c.Analysis.PID == 0 {
		if p.path == "-" {
			return nil, errors.New("--pid is required when reading standard input")
		}
		summaries, err := readLog(p.path, analysis.SummarizePIDs)
		if err != nil {
			return nil, err
		}
		c.Analysis.PID = analysis.BusiestPID(summaries)
		level.Info(logger).Log("msg", "selected process with most lines", "pid", c.Analysis.PID)
	}

	opts := []analysis.Option{analysis.WithLogger(logger), analysis.WithRegisterer(reg)}
	if !p.noSymbols {
		s, err := symbolizer.New(c.Symbolizer, symbolizer.WithLogger(logger), symbolizer.WithRegisterer(reg))
		if err != nil {
			return nil, err
		}
		opts = append(opts, analysis.WithSymbolizer(s, c.Symbolizer.MaxConcurrency))
	}
	e, err := analysis.New(c.Analysis, opts...)
	if err != nil {
		return nil, err
	}
	_, err = readLog(p.path, func(r *tracelog.Reader) (struct{}, error) {
		return struct{}{}, e.Run(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	return e.Finish(), nil
}

func readLog[T any](path string, fn func(*tracelog.Reader) (T, error)) (T, error) {
	var zero T
	rc, err := tracelog.Open(path)
	if err != nil {
		return zero, err
	}
	defer rc.Close()
	return fn(tracelog.NewReader(rc))
}

func dumpMetrics(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

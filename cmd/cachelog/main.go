package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	cachelogcontext "github.com/grafana/cachelog/pkg/context"
)

var cfg struct {
	verbose    bool
	metrics    bool
	configFile string
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Analyses last-level cache simulator logs: repeated reads, wasted cache line bytes, arenas and the stacks responsible.").UsageWriter(os.Stdout)
	app.Version(version.Print("cachelog"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("metrics", "Print collected metrics to stderr on exit.").Default("false").BoolVar(&cfg.metrics)
	app.Flag("config.file", "YAML file with analysis and symbolizer settings.").StringVar(&cfg.configFile)

	pidsCmd := app.Command("pids", "List the processes found in a log.")
	pidsParams := addLogParams(pidsCmd)

	analyzeCmd := app.Command("analyze", "Print read, usage, arena and section statistics.")
	analyzeParams := addAnalysisParams(analyzeCmd)

	multiReadsCmd := app.Command("multi-reads", "Print the cache lines read most often with their stacks.")
	multiReadsParams := addAnalysisParams(multiReadsCmd)

	profileCmd := app.Command("profile", "Write a profile of read, used or wasted bytes by stack.")
	profileParams := addProfileParams(profileCmd)

	extraFieldsCmd := app.Command("extra-fields", "List the extra fields attached to objects.")
	extraFieldsParams := addLogParams(extraFieldsCmd)

	otherLinesCmd := app.Command("other-lines", "List lines that match no known event.")
	otherLinesParams := addLogParams(otherLinesCmd)

	forkLinesCmd := app.Command("fork-lines", "List lines at which a process restarts its frame numbering.")
	forkLinesParams := addLogParams(forkLinesCmd)

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// enable verbose logging if requested
	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	reg := prometheus.NewRegistry()
	ctx := cachelogcontext.WithLogger(context.Background(), logger)
	ctx = cachelogcontext.WithRegistry(ctx, reg)
	ctx = withOutput(ctx, os.Stdout)

	var err error
	switch parsedCmd {
	case pidsCmd.FullCommand():
		err = listPIDs(ctx, pidsParams)
	case analyzeCmd.FullCommand():
		err = analyze(ctx, analyzeParams)
	case multiReadsCmd.FullCommand():
		err = multiReads(ctx, multiReadsParams)
	case profileCmd.FullCommand():
		err = writeProfile(ctx, profileParams)
	case extraFieldsCmd.FullCommand():
		err = listExtraFields(ctx, extraFieldsParams)
	case otherLinesCmd.FullCommand():
		err = listOtherLines(ctx, otherLinesParams)
	case forkLinesCmd.FullCommand():
		err = listForkLines(ctx, forkLinesParams)
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
	if cfg.metrics {
		if dumpErr := dumpMetrics(consoleOutput, reg); dumpErr != nil {
			level.Warn(logger).Log("msg", "failed to dump metrics", "err", dumpErr)
		}
	}
	os.Exit(checkError(err))
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}

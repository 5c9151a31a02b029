package analysis

import (
	"flag"
	"fmt"
)

// Config selects the process and line window to analyse. PID 0 selects
// every process and ToLine 0 reads to the end of the log.
type Config struct {
	PID               int     `yaml:"pid"`
	FromLine          int     `yaml:"from_line"`
	ToLine            int     `yaml:"to_line"`
	TopN              int     `yaml:"top_n"`
	SampleGranularity uint64  `yaml:"sample_granularity" category:"advanced"`
	SampleSeed        uint64  `yaml:"sample_seed" category:"advanced"`
	SampleIntervalMs  float64 `yaml:"sample_interval_ms" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.PID, "analysis.pid", 0, "Process to analyse. 0 selects every process.")
	f.IntVar(&cfg.FromLine, "analysis.from-line", 0, "First log line (zero-based) of the analysed window.")
	f.IntVar(&cfg.ToLine, "analysis.to-line", 0, "Log line (zero-based, exclusive) ending the analysed window. 0 reads to the end.")
	f.IntVar(&cfg.TopN, "analysis.top-n", 25, "Number of entries printed in top lists.")
	f.Uint64Var(&cfg.SampleGranularity, "analysis.sample-granularity", 0, "Bytes per profile sample. 0 disables sampling.")
	f.Uint64Var(&cfg.SampleSeed, "analysis.sample-seed", 1, "Seed of the sampling random source.")
	f.Float64Var(&cfg.SampleIntervalMs, "analysis.sample-interval-ms", 1, "Milliseconds per sample in generated profiles.")
}

func (cfg *Config) Validate() error {
	if cfg.PID < 0 {
		return fmt.Errorf("invalid pid %d", cfg.PID)
	}
	if cfg.FromLine < 0 {
		return fmt.Errorf("invalid from-line %d, must not be negative", cfg.FromLine)
	}
	if cfg.ToLine != 0 && cfg.ToLine <= cfg.FromLine {
		return fmt.Errorf("invalid window [%d, %d), to-line must be greater than from-line", cfg.FromLine, cfg.ToLine)
	}
	if cfg.TopN < 0 {
		return fmt.Errorf("invalid top-n value, must not be negative")
	}
	if cfg.SampleIntervalMs <= 0 {
		return fmt.Errorf("invalid sample-interval-ms value, must be positive")
	}
	return nil
}

func (cfg *Config) inWindow(line int) bool {
	return line >= cfg.FromLine && (cfg.ToLine == 0 || line < cfg.ToLine)
}

func (cfg *Config) pastWindow(line int) bool {
	return cfg.ToLine != 0 && line >= cfg.ToLine
}

func (cfg *Config) selects(pid int) bool {
	return selects(cfg.PID, pid)
}

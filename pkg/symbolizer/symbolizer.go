// Package symbolizer resolves instruction addresses of a module into
// function, file and line information, including inlined call chains.
package symbolizer

import (
	"context"
	"flag"
	"fmt"
)

// SourceInfoFrame is one function of a resolved address.
type SourceInfoFrame struct {
	FunctionName string
	FilePath     string
	LineNumber   uint64
}

func (f SourceInfoFrame) String() string {
	return fmt.Sprintf("%s (%s:%d)", f.FunctionName, f.FilePath, f.LineNumber)
}

// Symbolizer resolves a batch of addresses relative to the load base of the
// module at modulePath. The result has one entry per address: the inline
// chain, innermost function first, or an empty slice when the address
// cannot be resolved.
type Symbolizer interface {
	Resolve(ctx context.Context, modulePath string, addrs []uint64) ([][]SourceInfoFrame, error)
}

type Config struct {
	Addr2LinePath  string `yaml:"addr2line_path"`
	MaxConcurrency int    `yaml:"max_concurrency" category:"advanced"`
	CacheSize      int    `yaml:"cache_size" category:"advanced"`
	BatchSize      int    `yaml:"batch_size" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Addr2LinePath, "symbolizer.addr2line-path", "addr2line", "Path to the addr2line binary.")
	f.IntVar(&cfg.MaxConcurrency, "symbolizer.max-concurrency", 4, "Maximum number of modules symbolized concurrently.")
	f.IntVar(&cfg.CacheSize, "symbolizer.cache-size", 1<<16, "Number of resolved addresses to keep in memory. 0 disables the cache.")
	f.IntVar(&cfg.BatchSize, "symbolizer.batch-size", 1024, "Maximum number of addresses passed to a single addr2line invocation.")
}

func (cfg *Config) Validate() error {
	if cfg.Addr2LinePath == "" {
		return fmt.Errorf("addr2line path must not be empty")
	}
	if cfg.MaxConcurrency < 1 {
		return fmt.Errorf("invalid max-concurrency value, must be positive")
	}
	if cfg.BatchSize < 1 {
		return fmt.Errorf("invalid batch-size value, must be positive")
	}
	if cfg.CacheSize < 0 {
		return fmt.Errorf("invalid cache-size value, must not be negative")
	}
	return nil
}

// New creates the addr2line symbolizer described by cfg, wrapped in a cache
// when one is configured.
func New(cfg Config, opts ...Option) (Symbolizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	var s Symbolizer = newAddr2Line(cfg, o)
	if cfg.CacheSize > 0 {
		return NewCached(s, cfg.CacheSize, o.metrics())
	}
	return s, nil
}

// Package context carries the logger and metrics registry of a command
// through a context.Context.
package context

import (
	"context"
	"os"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

type contextKey int

const (
	loggerKey contextKey = iota
	registryKey
)

var defaultLogger = log.NewLogfmtLogger(os.Stderr)

func WithLogger(ctx context.Context, logger log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func Logger(ctx context.Context) log.Logger {
	if logger, ok := ctx.Value(loggerKey).(log.Logger); ok {
		return logger
	}
	return defaultLogger
}

func WithRegistry(ctx context.Context, registry *prometheus.Registry) context.Context {
	return context.WithValue(ctx, registryKey, registry)
}

// Registry returns the registry of ctx, or a fresh one when there is none.
func Registry(ctx context.Context) *prometheus.Registry {
	if registry, ok := ctx.Value(registryKey).(*prometheus.Registry); ok {
		return registry
	}
	return prometheus.NewRegistry()
}

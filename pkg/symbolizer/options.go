package symbolizer

import (
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

type options struct {
	logger log.Logger
	reg    prometheus.Registerer
	m      *metrics
}

func (o *options) metrics() *metrics {
	if o.m == nil {
		o.m = newMetrics(o.reg)
	}
	return o.m
}

func (o *options) log() log.Logger {
	if o.logger == nil {
		return log.NewNopLogger()
	}
	return o.logger
}

type Option func(*options)

func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

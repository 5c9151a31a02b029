package symbolizer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/cachelog/pkg/util"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

type metrics struct {
	resolveDuration   *prometheus.HistogramVec
	addressesResolved *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		resolveDuration: util.RegisterOrGet(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cachelog_symbolizer_resolve_duration_seconds",
			Help:    "Time spent in addr2line invocations by status.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
		}, []string{"status"})),
		addressesResolved: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cachelog_symbolizer_addresses_total",
			Help: "Addresses passed to addr2line by outcome.",
		}, []string{"outcome"})),
		cacheLookups: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cachelog_symbolizer_cache_lookups_total",
			Help: "Symbol cache lookups by result.",
		}, []string{"result"})),
	}
}

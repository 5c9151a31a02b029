package analysis

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/cachelog/pkg/util"
)

type metrics struct {
	events       *prometheus.CounterVec
	unattributed prometheus.Counter
	reads        prometheus.Counter
	evictions    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		events: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cachelog_analysis_events_total",
			Help: "Log events of the selected process by kind.",
		}, []string{"kind"})),
		unattributed: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cachelog_analysis_unattributed_swaps_total",
			Help: "Cache line swaps discarded because no stack was attributed to them.",
		})),
		reads: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cachelog_analysis_reads_total",
			Help: "Cache line reads attributed to a stack.",
		})),
		evictions: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cachelog_analysis_evictions_total",
			Help: "Evictions matched to an earlier read.",
		})),
	}
}

package util

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// RegisterOrGet registers c with reg and returns it. When an equal collector
// is already registered, that one is returned instead, so components created
// more than once in a process share their metrics. A nil reg skips
// registration.
func RegisterOrGet[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(T)
		}
		panic(err)
	}
	return c
}

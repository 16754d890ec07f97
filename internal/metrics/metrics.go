// Package metrics exposes Prometheus instrumentation for port forwarding.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fwdctl"

const (
	ResultOK        = "ok"
	ResultFailed    = "failed"
	ResultAbandoned = "abandoned"
)

// Forwarding groups the coordinator's counters. All methods are safe on a nil
// receiver so callers can run uninstrumented.
type Forwarding struct {
	Binds           *prometheus.CounterVec
	Unbinds         *prometheus.CounterVec
	PersistFailures prometheus.Counter
	Rebinds         *prometheus.CounterVec
}

func NewForwarding() *Forwarding {
	return &Forwarding{
		Binds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bind_total",
				Help:      "Listener bind attempts by forward type and result",
			},
			[]string{"type", "result"},
		),
		Unbinds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unbind_total",
				Help:      "Listeners torn down by forward type",
			},
			[]string{"type"},
		),
		PersistFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persist_failures_total",
				Help:      "Rule saves rejected by storage",
			},
		),
		Rebinds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rebind_total",
				Help:      "Delayed rebinds after an edit (ok, failed, abandoned)",
			},
			[]string{"result"},
		),
	}
}

// Register adds every collector to reg. Already-registered collectors are
// not an error.
func (m *Forwarding) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Binds, m.Unbinds, m.PersistFailures, m.Rebinds} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Forwarding) ObserveBind(typ string, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultFailed
	}
	m.Binds.WithLabelValues(typ, result).Inc()
}

func (m *Forwarding) ObserveUnbind(typ string) {
	if m == nil {
		return
	}
	m.Unbinds.WithLabelValues(typ).Inc()
}

func (m *Forwarding) ObservePersistFailure() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

func (m *Forwarding) ObserveRebind(result string) {
	if m == nil {
		return
	}
	m.Rebinds.WithLabelValues(result).Inc()
}

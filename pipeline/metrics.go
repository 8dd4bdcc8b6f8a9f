package pipeline

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	PreCxActive  prometheus.Gauge
	CxTotal      prometheus.Counter
	PreCxTimeout prometheus.Counter
	CxRejected   prometheus.Counter
}

// NewMetrics creates the accept pipeline metrics and registers them on reg
// when it is not nil. Metrics already registered under the same names are
// shared, so every listener of a process reports into one set.
func NewMetrics(reg prometheus.Registerer, prefix string) (*Metrics, error) {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: prefix, Subsystem: "downstream", Name: name, Help: help}
	}

	var err error
	m := &Metrics{}

	if m.PreCxActive, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts(opts("pre_cx_active", "Connections running listener filters.")))); err != nil {
		return nil, err
	}
	if m.CxTotal, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts(opts("cx_total", "Accepted connections.")))); err != nil {
		return nil, err
	}
	if m.PreCxTimeout, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts(opts("pre_cx_timeout_total", "Listener filter chains that timed out.")))); err != nil {
		return nil, err
	}
	if m.CxRejected, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts(opts("cx_rejected_total", "Connections closed by a listener filter.")))); err != nil {
		return nil, err
	}

	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if reg == nil {
		return c, nil
	}

	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return c, fmt.Errorf("register downstream metrics: %w", err)
		}
		existing, ok := already.ExistingCollector.(T)
		if !ok {
			return c, fmt.Errorf("register downstream metrics: %w", err)
		}
		return existing, nil
	}
	return c, nil
}

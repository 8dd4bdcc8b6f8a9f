package inspector

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Stats counts inspection outcomes. Counters only accumulate; they may be
// scraped while the owning event loops keep incrementing them.
type Stats struct {
	ReadError    prometheus.Counter
	HTTP10Found  prometheus.Counter
	HTTP11Found  prometheus.Counter
	HTTP2Found   prometheus.Counter
	HTTPNotFound prometheus.Counter
}

// NewStats creates the counters and registers them on reg when it is not nil.
// Counters already registered under the same names are shared.
func NewStats(reg prometheus.Registerer, prefix string) (*Stats, error) {
	stats := &Stats{}

	counters := []struct {
		dst  *prometheus.Counter
		name string
		help string
	}{
		{&stats.ReadError, "read_error_total", "Peeks that failed with an I/O error."},
		{&stats.HTTP10Found, "http10_found_total", "Connections detected as HTTP/1.0."},
		{&stats.HTTP11Found, "http11_found_total", "Connections detected as HTTP/1.1."},
		{&stats.HTTP2Found, "http2_found_total", "Connections detected as HTTP/2 with prior knowledge."},
		{&stats.HTTPNotFound, "http_not_found_total", "Connections that could not be classified."},
	}

	for _, c := range counters {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: prefix,
			Subsystem: "http_inspector",
			Name:      c.name,
			Help:      c.help,
		})

		if reg != nil {
			if err := reg.Register(counter); err != nil {
				var already prometheus.AlreadyRegisteredError
				if !errors.As(err, &already) {
					return nil, fmt.Errorf("register %s: %w", c.name, err)
				}
				existing, ok := already.ExistingCollector.(prometheus.Counter)
				if !ok {
					return nil, fmt.Errorf("register %s: %w", c.name, err)
				}
				counter = existing
			}
		}

		*c.dst = counter
	}

	return stats, nil
}

// Record increments the counter matching a terminal outcome. It reports
// false, and counts nothing, for a pending outcome.
func (s *Stats) Record(outcome Outcome) bool {
	switch outcome.Kind {
	case KindPending:
		return false
	case KindReadError:
		s.ReadError.Inc()
		return true
	}

	switch outcome.Label() {
	case LabelHTTP10:
		s.HTTP10Found.Inc()
	case LabelHTTP11:
		s.HTTP11Found.Inc()
	case LabelHTTP2:
		s.HTTP2Found.Inc()
	default:
		s.HTTPNotFound.Inc()
	}
	return true
}

type Snapshot struct {
	ReadError    uint64
	HTTP10Found  uint64
	HTTP11Found  uint64
	HTTP2Found   uint64
	HTTPNotFound uint64
}

func (s Snapshot) Total() uint64 {
	return s.ReadError + s.HTTP10Found + s.HTTP11Found + s.HTTP2Found + s.HTTPNotFound
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		ReadError:    counterValue(s.ReadError),
		HTTP10Found:  counterValue(s.HTTP10Found),
		HTTP11Found:  counterValue(s.HTTP11Found),
		HTTP2Found:   counterValue(s.HTTP2Found),
		HTTPNotFound: counterValue(s.HTTPNotFound),
	}
}

func counterValue(c prometheus.Counter) uint64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return uint64(m.GetCounter().GetValue())
}

package feed

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts feed traffic. A nil *Metrics records nothing.
type Metrics struct {
	reads   *prometheus.CounterVec
	writes  *prometheus.CounterVec
	skipped *prometheus.CounterVec
}

// NewMetrics registers the feed counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadfeed",
			Subsystem: "feed",
			Name:      "reads_total",
			Help:      "Feed update reads by result.",
		}, []string{"result"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadfeed",
			Subsystem: "feed",
			Name:      "writes_total",
			Help:      "Feed writes by step and result.",
		}, []string{"op", "result"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadfeed",
			Subsystem: "feed",
			Name:      "skipped_records_total",
			Help:      "Records skipped during scans by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.reads, m.writes, m.skipped)
	}
	return m
}

func (m *Metrics) read(result string) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(result).Inc()
}

func (m *Metrics) write(op, result string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(op, result).Inc()
}

func (m *Metrics) skip(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

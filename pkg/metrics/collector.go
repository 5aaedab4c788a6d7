// Package metrics exposes a prometheus.Collector over a set of live
// dbn.Sessions: a mutex-protected registry populated with Add/Remove,
// walked read-only on Collect. It never touches a session's socket or
// sink, only its atomically-maintained counters, so it can never stall
// a session's receive loop.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/databento/dbn-go"
	"github.com/databento/dbn-go/pkg/multisession"
)

// SessionCollector reports per-session framing counters.
type SessionCollector struct {
	mu       sync.Mutex
	sessions map[*dbn.Session][]string // session -> label values

	recordsDesc   *prometheus.Desc
	bytesDesc     *prometheus.Desc
	carryOverDesc *prometheus.Desc
	leftoverDesc  *prometheus.Desc
	stateDesc     *prometheus.Desc
}

// NewSessionCollector builds a collector whose per-session metrics are
// labelled with sessionLabels (label names known up front) and
// constLabels (values constant for the whole process).
func NewSessionCollector(prefix string, sessionLabels []string, constLabels prometheus.Labels) *SessionCollector {
	labels := append([]string{"session_id"}, sessionLabels...)
	return &SessionCollector{
		sessions: make(map[*dbn.Session][]string),
		recordsDesc: prometheus.NewDesc(prefix+"_records_dispatched_total",
			"Total DBN records dispatched to the record sink.", labels, constLabels),
		bytesDesc: prometheus.NewDesc(prefix+"_bytes_received_total",
			"Total bytes received off the session socket.", labels, constLabels),
		carryOverDesc: prometheus.NewDesc(prefix+"_carry_over_activations_total",
			"Number of reads that required carry-over handling.", labels, constLabels),
		leftoverDesc: prometheus.NewDesc(prefix+"_leftover_bytes",
			"Current unconsumed carry-over byte count.", labels, constLabels),
		stateDesc: prometheus.NewDesc(prefix+"_session_state",
			"1 for the session's current lifecycle state, labelled by state name.",
			append(append([]string{}, labels...), "state"), constLabels),
	}
}

func (c *SessionCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.recordsDesc
	descs <- c.bytesDesc
	descs <- c.carryOverDesc
	descs <- c.leftoverDesc
	descs <- c.stateDesc
}

func (c *SessionCollector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for s, labels := range c.sessions {
		stats := s.Stats()
		lv := append([]string{s.ID.String()}, labels...)

		metrics <- prometheus.MustNewConstMetric(c.recordsDesc, prometheus.CounterValue, float64(stats.RecordsDispatched), lv...)
		metrics <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(stats.BytesReceived), lv...)
		metrics <- prometheus.MustNewConstMetric(c.carryOverDesc, prometheus.CounterValue, float64(stats.CarryOverActivations), lv...)
		metrics <- prometheus.MustNewConstMetric(c.leftoverDesc, prometheus.GaugeValue, float64(stats.LeftoverBytes), lv...)

		stateLV := append(append([]string{}, lv...), s.State())
		metrics <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, 1, stateLV...)
	}
}

// Add registers a session for collection, with per-session label
// values matching the sessionLabels passed to NewSessionCollector.
func (c *SessionCollector) Add(s *dbn.Session, labelValues []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s] = labelValues
}

// Remove unregisters a session.
func (c *SessionCollector) Remove(s *dbn.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s)
}

// CoordinatorCollector exposes the coordinator-wide gauges
// num_sessions and num_subscribed.
type CoordinatorCollector struct {
	coord *multisession.Coordinator

	numSessionsDesc   *prometheus.Desc
	numSubscribedDesc *prometheus.Desc
}

// NewCoordinatorCollector builds a collector reporting coord's
// bookkeeping counters.
func NewCoordinatorCollector(prefix string, coord *multisession.Coordinator, constLabels prometheus.Labels) *CoordinatorCollector {
	return &CoordinatorCollector{
		coord:             coord,
		numSessionsDesc:   prometheus.NewDesc(prefix+"_num_sessions", "Number of sessions ever added to the coordinator.", nil, constLabels),
		numSubscribedDesc: prometheus.NewDesc(prefix+"_num_subscribed", "Number of sessions that have completed their subscribe phase.", nil, constLabels),
	}
}

func (c *CoordinatorCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.numSessionsDesc
	descs <- c.numSubscribedDesc
}

func (c *CoordinatorCollector) Collect(metrics chan<- prometheus.Metric) {
	metrics <- prometheus.MustNewConstMetric(c.numSessionsDesc, prometheus.GaugeValue, float64(c.coord.NumSessions()))
	metrics <- prometheus.MustNewConstMetric(c.numSubscribedDesc, prometheus.GaugeValue, float64(c.coord.NumSubscribed()))
}

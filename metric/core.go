package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "reagentology"

// Metrics contains the core metrics for the acquisition pipeline, the job
// queue and the notification bus
type Metrics struct {
	// Acquisition pipeline
	SamplesRead        prometheus.Counter
	LinesUnparsable    prometheus.Counter
	StableAcquisitions prometheus.Counter
	LinkReconnects     prometheus.Counter

	// Job queue
	JobsEnqueued prometheus.Counter
	JobsClaimed  prometheus.Counter
	JobsFinished prometheus.Counter
	QueueDepth   prometheus.Gauge

	// Notification bus
	EventsPublished   prometheus.Counter
	EventsDropped     prometheus.Counter
	ActiveSubscribers prometheus.Gauge

	// HTTP surface
	RequestsTotal  *prometheus.CounterVec
	RequestsFailed *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		SamplesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scale",
			Name:      "samples_read_total",
			Help:      "Raw lines read from the serial link",
		}),
		LinesUnparsable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scale",
			Name:      "lines_unparsable_total",
			Help:      "Lines with no numeric weight token (device chatter)",
		}),
		StableAcquisitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scale",
			Name:      "stable_acquisitions_total",
			Help:      "Stable weight values finalized by the detector",
		}),
		LinkReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scale",
			Name:      "link_reconnects_total",
			Help:      "Serial link reopen attempts after failure",
		}),
		JobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Measurement jobs created",
		}),
		JobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_claimed_total",
			Help:      "Measurement jobs handed to an agent",
		}),
		JobsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_finished_total",
			Help:      "Measurement jobs marked done",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending_jobs",
			Help:      "Jobs currently pending",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "events_published_total",
			Help:      "Measurement-update events published to the bus",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "events_dropped_total",
			Help:      "Events dropped for slow or closed subscribers",
		}),
		ActiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "active_subscribers",
			Help:      "Streams currently subscribed to measurement updates",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route",
		}, []string{"route"}),
		RequestsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_failed_total",
			Help:      "HTTP requests answered with a 4xx or 5xx status",
		}, []string{"route"}),
	}
}

// register registers all core metrics with the given prometheus registry
func (m *Metrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.SamplesRead,
		m.LinesUnparsable,
		m.StableAcquisitions,
		m.LinkReconnects,
		m.JobsEnqueued,
		m.JobsClaimed,
		m.JobsFinished,
		m.QueueDepth,
		m.EventsPublished,
		m.EventsDropped,
		m.ActiveSubscribers,
		m.RequestsTotal,
		m.RequestsFailed,
	)
}

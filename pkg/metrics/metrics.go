package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks client data path activity. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Capability cache
	CapabilityHits     prometheus.Counter
	CapabilityMisses   prometheus.Counter
	CapabilityFailures prometheus.Counter

	// Layout store
	LayoutCreates    prometheus.Counter
	LayoutLoads      prometheus.Counter
	CreateCollisions *prometheus.CounterVec

	// Striped I/O
	ExtentsIssued *prometheus.CounterVec
	BytesMoved    *prometheus.CounterVec
	ShortIO       *prometheus.CounterVec
	IOFailures    *prometheus.CounterVec
	SessionWait   prometheus.Histogram

	// Storage target
	TargetRequests *prometheus.CounterVec
	TargetBytes    prometheus.Gauge
}

// New creates and registers the metrics on registry, falling back to the
// default registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &Metrics{
		CapabilityHits: f.NewCounter(prometheus.CounterOpts{
			Name: "stripefs_capability_cache_hits_total",
			Help: "Capability lookups served from the cache",
		}),
		CapabilityMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "stripefs_capability_cache_misses_total",
			Help: "Capability lookups that required a remote fetch",
		}),
		CapabilityFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "stripefs_capability_fetch_failures_total",
			Help: "Remote capability fetches that failed",
		}),
		LayoutCreates: f.NewCounter(prometheus.CounterOpts{
			Name: "stripefs_layout_creates_total",
			Help: "Distributed objects created",
		}),
		LayoutLoads: f.NewCounter(prometheus.CounterOpts{
			Name: "stripefs_layout_loads_total",
			Help: "Distributed object layouts loaded from management objects",
		}),
		CreateCollisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stripefs_object_create_collisions_total",
			Help: "Object creations retried because the object id was taken",
		}, []string{"type"}),
		ExtentsIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stripefs_extents_issued_total",
			Help: "Sub-I/O requests issued against storage targets",
		}, []string{"op"}),
		BytesMoved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stripefs_bytes_total",
			Help: "Bytes transferred by completed reads and writes",
		}, []string{"op"}),
		ShortIO: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stripefs_short_io_total",
			Help: "Calls that transferred fewer bytes than requested",
		}, []string{"op"}),
		IOFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stripefs_io_failures_total",
			Help: "Calls aborted by a failed sub-I/O",
		}, []string{"op"}),
		SessionWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stripefs_session_wait_seconds",
			Help:    "Time spent waiting for outstanding sub-I/O at session completion",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		TargetRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stripefs_target_requests_total",
			Help: "Requests served by a storage target",
		}, []string{"method", "result"}),
		TargetBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "stripefs_target_used_bytes",
			Help: "Bytes stored on this storage target",
		}),
	}
}

func (m *Metrics) CapabilityHit() {
	if m != nil {
		m.CapabilityHits.Inc()
	}
}

func (m *Metrics) CapabilityMiss() {
	if m != nil {
		m.CapabilityMisses.Inc()
	}
}

func (m *Metrics) CapabilityFailure() {
	if m != nil {
		m.CapabilityFailures.Inc()
	}
}

func (m *Metrics) LayoutCreated() {
	if m != nil {
		m.LayoutCreates.Inc()
	}
}

func (m *Metrics) LayoutLoaded() {
	if m != nil {
		m.LayoutLoads.Inc()
	}
}

func (m *Metrics) CreateCollision(objectType string) {
	if m != nil {
		m.CreateCollisions.WithLabelValues(objectType).Inc()
	}
}

func (m *Metrics) ExtentIssued(op string) {
	if m != nil {
		m.ExtentsIssued.WithLabelValues(op).Inc()
	}
}

// Completed records the outcome of one read or write call.
func (m *Metrics) Completed(op string, requested, transferred int64) {
	if m == nil {
		return
	}
	m.BytesMoved.WithLabelValues(op).Add(float64(transferred))
	if transferred < requested {
		m.ShortIO.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) Failed(op string) {
	if m != nil {
		m.IOFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) ObserveWait(seconds float64) {
	if m != nil {
		m.SessionWait.Observe(seconds)
	}
}

func (m *Metrics) TargetRequest(method string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TargetRequests.WithLabelValues(method, result).Inc()
}

func (m *Metrics) SetTargetBytes(n int64) {
	if m != nil {
		m.TargetBytes.Set(float64(n))
	}
}

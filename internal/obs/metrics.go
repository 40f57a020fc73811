package obs

import (
	"sync/atomic"
	"time"

	"fabric/internal/pack"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fabric"

// QueueStats is the read side of the event queue that metrics watch.
type QueueStats interface {
	Len() int
	Cap() int
	Published() uint64
	Dropped() uint64
}

// Metrics collects ingestion and dispatch counters. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	registerer prometheus.Registerer

	connections      prometheus.Gauge
	accepted         prometheus.Counter
	closed           prometheus.Counter
	logins           *prometheus.CounterVec
	messages         *prometheus.CounterVec
	events           *prometheus.CounterVec
	sendFailures     prometheus.Counter
	publishFailures  prometheus.Counter
	malformed        prometheus.Counter
	sinkErrors       *prometheus.CounterVec
	dispatchLatency  prometheus.Histogram
	dispatchLatStats LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		registerer: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "connections",
			Help: "Live client connections.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "connections_accepted_total",
			Help: "Accepted client connections.",
		}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "connections_closed_total",
			Help: "Closed client connections.",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "logins_total",
			Help: "Login messages by outcome.",
		}, []string{"outcome"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "messages_total",
			Help: "Messages received from clients by type.",
		}, []string{"type"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "events_total",
			Help: "Synthesized event log records by level.",
		}, []string{"level"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "send_failures_total",
			Help: "Failed sends to clients.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "publish_failures_total",
			Help: "Events the queue refused.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "malformed_total",
			Help: "Frames that did not decode to a message.",
		}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "sink_errors_total",
			Help: "Sink failures by sink.",
		}, []string{"sink"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "latency_seconds",
			Help:    "Time from enqueue to the end of sink fan-out.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
	}
	reg.MustRegister(
		m.connections, m.accepted, m.closed, m.logins, m.messages, m.events,
		m.sendFailures, m.publishFailures, m.malformed, m.sinkErrors, m.dispatchLatency,
	)
	return m
}

// WatchQueue exports queue depth, capacity and counters.
func (m *Metrics) WatchQueue(q QueueStats) {
	if m == nil || q == nil {
		return
	}
	m.registerer.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bus", Name: "depth",
			Help: "Events waiting in the queue.",
		}, func() float64 { return float64(q.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bus", Name: "capacity",
			Help: "Queue capacity.",
		}, func() float64 { return float64(q.Cap()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "published_total",
			Help: "Events accepted by the queue.",
		}, func() float64 { return float64(q.Published()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "dropped_total",
			Help: "Events lost to queue overflow.",
		}, func() float64 { return float64(q.Dropped()) }),
	)
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.connections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.closed.Inc()
	m.connections.Dec()
}

func (m *Metrics) Login(accepted bool) {
	if m == nil {
		return
	}
	outcome := "accepted"
	if !accepted {
		outcome = "rejected"
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MessageReceived(t pack.MessageType) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) EventSynthesized(level pack.Level) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(level.String()).Inc()
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) SinkError(sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(sink).Inc()
}

// ObserveDispatch records the enqueue-to-dispatched latency of one event.
func (m *Metrics) ObserveDispatch(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.dispatchLatency.Observe(d.Seconds())
	m.dispatchLatStats.Observe(d)
}

// DispatchLatency returns the aggregated dispatch latency.
func (m *Metrics) DispatchLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{}
	}
	return m.dispatchLatStats.Snapshot()
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		lo := atomic.LoadUint64(&l.min)
		if lo != 0 && nanos >= lo {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, lo, nanos) {
			break
		}
	}

	for {
		hi := atomic.LoadUint64(&l.max)
		if nanos <= hi {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, hi, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(sum / count),
	}
}

package obs

import (
	"testing"
	"time"

	"fabric/internal/pack"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct{}

func (fakeQueue) Len() int          { return 3 }
func (fakeQueue) Cap() int          { return 16 }
func (fakeQueue) Published() uint64 { return 40 }
func (fakeQueue) Dropped() uint64   { return 2 }

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.Login(true)
	m.Login(false)
	m.MessageReceived(pack.MessageLogin)
	m.MessageReceived(pack.MessageLogin)
	m.EventSynthesized(pack.LevelWarn)
	m.SendFailed()
	m.SinkError("journal")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.accepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.logins.WithLabelValues("rejected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.messages.WithLabelValues("login")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("warn")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sinkErrors.WithLabelValues("journal")))
}

func TestWatchQueueExportsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.WatchQueue(fakeQueue{})

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetGauge() != nil:
				values[f.GetName()] = metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				values[f.GetName()] = metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 3.0, values["fabric_bus_depth"])
	assert.Equal(t, 16.0, values["fabric_bus_capacity"])
	assert.Equal(t, 40.0, values["fabric_bus_published_total"])
	assert.Equal(t, 2.0, values["fabric_bus_dropped_total"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ConnOpened()
	m.ConnClosed()
	m.SinkError("x")
	m.ObserveDispatch(time.Millisecond)
	m.WatchQueue(fakeQueue{})
	assert.Equal(t, LatencySnapshot{}, m.DispatchLatency())
}

func TestLatencyStats(t *testing.T) {
	var l LatencyStats
	l.Observe(2 * time.Millisecond)
	l.Observe(4 * time.Millisecond)
	l.Observe(-time.Millisecond)

	s := l.Snapshot()
	assert.Equal(t, uint64(2), s.Count)
	assert.Equal(t, 2*time.Millisecond, s.Min)
	assert.Equal(t, 4*time.Millisecond, s.Max)
	assert.Equal(t, 3*time.Millisecond, s.Avg)
}

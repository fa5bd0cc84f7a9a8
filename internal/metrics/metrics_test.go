package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.UplinkReceived(true)
	m.UplinkReceived(true)
	m.UplinkReceived(false)
	m.UplinkForwarded()
	m.TXAck("NONE")
	m.TXAck("TOO_LATE")
	m.TXAck("TOO_LATE")
	m.TransportError("send")
	m.ScheduleLead(100 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.uplinks.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uplinks.WithLabelValues("crc_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.forwarded))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.txAcks.WithLabelValues("TOO_LATE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transportErrors.WithLabelValues("send")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetricsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.UplinkReceived(true)
		m.UplinkForwarded()
		m.DownlinkReceived()
		m.Transmitted()
		m.TXAck("NONE")
		m.StatPushed()
		m.MalformedDatagram()
		m.TransportError("receive")
		m.AckLatency("PUSH_ACK", time.Millisecond)
		m.ScheduleLead(time.Second)
	})
}

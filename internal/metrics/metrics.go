// Package metrics exposes prometheus collectors for forwarder activity.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pktfwd"

// Metrics holds the forwarder collectors
type Metrics struct {
	uplinks         *prometheus.CounterVec // by status (ok, crc_error)
	forwarded       prometheus.Counter
	downlinks       prometheus.Counter
	transmitted     prometheus.Counter
	txAcks          *prometheus.CounterVec // by error
	statPushes      prometheus.Counter
	malformed       prometheus.Counter
	transportErrors *prometheus.CounterVec // by op (send, receive)
	ackLatency      *prometheus.HistogramVec
	scheduleLead    prometheus.Histogram
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		uplinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uplink",
			Name:      "received_total",
			Help:      "Frames received from the radio",
		}, []string{"status"}),

		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uplink",
			Name:      "forwarded_total",
			Help:      "Frames forwarded to the network server",
		}),

		downlinks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downlink",
			Name:      "received_total",
			Help:      "PULL_RESP downlinks received from the network server",
		}),

		transmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downlink",
			Name:      "transmitted_total",
			Help:      "Frames transmitted over the radio",
		}),

		txAcks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downlink",
			Name:      "tx_ack_total",
			Help:      "TX_ACK packets sent, by error code",
		}, []string{"error"}),

		statPushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "stat_pushes_total",
			Help:      "Stat packets pushed to the network server",
		}),

		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "malformed_datagrams_total",
			Help:      "Inbound datagrams dropped because they could not be decoded",
		}),

		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transport_errors_total",
			Help:      "UDP socket errors, by operation",
		}, []string{"op"}),

		ackLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "ack_latency_seconds",
			Help:      "Time between a PUSH_DATA/PULL_DATA and its acknowledgement",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"type"}),

		scheduleLead: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "downlink",
			Name:      "schedule_lead_seconds",
			Help:      "Delay between scheduling a downlink and its transmission",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 20},
		}),
	}

	collectors := []prometheus.Collector{
		m.uplinks, m.forwarded, m.downlinks, m.transmitted, m.txAcks,
		m.statPushes, m.malformed, m.transportErrors, m.ackLatency, m.scheduleLead,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// UplinkReceived records a frame read from the radio
func (m *Metrics) UplinkReceived(crcOK bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !crcOK {
		status = "crc_error"
	}
	m.uplinks.WithLabelValues(status).Inc()
}

// UplinkForwarded records a PUSH_DATA carrying an rxpk
func (m *Metrics) UplinkForwarded() {
	if m == nil {
		return
	}
	m.forwarded.Inc()
}

// DownlinkReceived records a PULL_RESP
func (m *Metrics) DownlinkReceived() {
	if m == nil {
		return
	}
	m.downlinks.Inc()
}

// Transmitted records a radio transmission
func (m *Metrics) Transmitted() {
	if m == nil {
		return
	}
	m.transmitted.Inc()
}

// TXAck records a TX_ACK sent with the given error code
func (m *Metrics) TXAck(code string) {
	if m == nil {
		return
	}
	m.txAcks.WithLabelValues(code).Inc()
}

// StatPushed records a stat packet
func (m *Metrics) StatPushed() {
	if m == nil {
		return
	}
	m.statPushes.Inc()
}

// MalformedDatagram records a dropped inbound datagram
func (m *Metrics) MalformedDatagram() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// TransportError records a socket error
func (m *Metrics) TransportError(op string) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(op).Inc()
}

// AckLatency records the round trip of a PUSH_ACK or PULL_ACK
func (m *Metrics) AckLatency(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.ackLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// ScheduleLead records how far ahead a downlink was scheduled
func (m *Metrics) ScheduleLead(d time.Duration) {
	if m == nil {
		return
	}
	m.scheduleLead.Observe(d.Seconds())
}

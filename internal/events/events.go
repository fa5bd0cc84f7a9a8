// Package events mirrors forwarder activity to a message broker.
package events

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/single-chan-pktfwd/internal/models"
	"github.com/lorawan-server/single-chan-pktfwd/pkg/lorawan"
)

// Sink publishes an encoded event
type Sink interface {
	Publish(subject string, data []byte) error
	Close() error
}

// Publisher encodes forwarder events as JSON and publishes them on
// <prefix><sep><gateway id><sep><event type>.
type Publisher struct {
	sink   Sink
	prefix string
	sep    string
	gwID   string
}

// NewPublisher creates a publisher. sep is "." for NATS and "/" for MQTT.
func NewPublisher(sink Sink, prefix, sep string, gatewayID lorawan.EUI64) *Publisher {
	return &Publisher{
		sink:   sink,
		prefix: strings.TrimSuffix(prefix, sep),
		sep:    sep,
		gwID:   gatewayID.String(),
	}
}

// Subject returns the subject for an event type
func (p *Publisher) Subject(t models.EventType) string {
	return p.prefix + p.sep + p.gwID + p.sep + string(t)
}

// ObserveFrame publishes an uplink (rx) or downlink (tx) frame
func (p *Publisher) ObserveFrame(f *models.Frame) {
	t := models.EventTypeUplink
	if f.Direction == models.DirectionDownlink {
		t = models.EventTypeDownlink
	}
	p.publish(t, f)
}

// ObserveStat publishes a stat report
func (p *Publisher) ObserveStat(r *models.StatReport) {
	p.publish(models.EventTypeStats, r)
}

// ObserveTXAck publishes a TX_ACK report
func (p *Publisher) ObserveTXAck(r *models.TXAckReport) {
	p.publish(models.EventTypeTXAck, r)
}

// Close closes the underlying sink
func (p *Publisher) Close() error {
	return p.sink.Close()
}

func (p *Publisher) publish(t models.EventType, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("序列化事件失败")
		return
	}

	subject := p.Subject(t)
	if err := p.sink.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("发布事件失败")
	}
}

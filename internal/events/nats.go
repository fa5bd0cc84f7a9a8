package events

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSOptions NATS connection settings
type NATSOptions struct {
	URL               string
	Username          string
	Password          string
	MaxReconnects     int
	ReconnectInterval time.Duration
}

// NATSSink publishes events on a NATS connection
type NATSSink struct {
	nc *nats.Conn
}

// DialNATS connects to NATS
func DialNATS(opts NATSOptions) (*NATSSink, error) {
	nc, err := nats.Connect(opts.URL,
		nats.Name("single-chan-packet-forwarder"),
		nats.UserInfo(opts.Username, opts.Password),
		nats.ReconnectWait(opts.ReconnectInterval),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS 连接断开")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS 重新连接")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	log.Info().Str("url", opts.URL).Msg("已连接到 NATS")
	return &NATSSink{nc: nc}, nil
}

// NewNATSSink wraps an existing connection
func NewNATSSink(nc *nats.Conn) *NATSSink {
	return &NATSSink{nc: nc}
}

// Publish publishes data on subject; it does not wait for the server
func (s *NATSSink) Publish(subject string, data []byte) error {
	return s.nc.Publish(subject, data)
}

// Close drains and closes the connection
func (s *NATSSink) Close() error {
	return s.nc.Drain()
}

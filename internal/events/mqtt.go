package events

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

const mqttPublishTimeout = 5 * time.Second

// MQTTOptions MQTT connection settings
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// MQTTSink publishes events to an MQTT broker
type MQTTSink struct {
	client mqtt.Client
	qos    byte
}

// DialMQTT connects to the broker
func DialMQTT(o MQTTOptions) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)

	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", o.Broker).Msg("MQTT 客户端已连接")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", o.Broker).Msg("MQTT 连接断开")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to MQTT broker %s: timeout", o.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", o.Broker, err)
	}

	return &MQTTSink{client: client, qos: o.QoS}, nil
}

// Publish queues data on topic; delivery is confirmed in the background
func (s *MQTTSink) Publish(topic string, data []byte) error {
	token := s.client.Publish(topic, s.qos, false, data)

	go func() {
		if !token.WaitTimeout(mqttPublishTimeout) {
			log.Warn().Str("topic", topic).Msg("MQTT 发布超时")
			return
		}
		if err := token.Error(); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("MQTT 发布失败")
		}
	}()
	return nil
}

// Close disconnects from the broker
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}

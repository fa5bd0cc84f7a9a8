package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/single-chan-pktfwd/internal/radio"
	"github.com/lorawan-server/single-chan-pktfwd/pkg/lorawan"
	"github.com/lorawan-server/single-chan-pktfwd/pkg/semtech"
)

// DefaultPath is used when no config file is given on the command line
const DefaultPath = "config/packet-forwarder.yml"

// Event mirror backends
const (
	EventsNone = "none"
	EventsNATS = "nats"
	EventsMQTT = "mqtt"
)

// Config represents the packet forwarder configuration
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Radio     RadioConfig     `yaml:"radio"`
	Forwarder ForwarderConfig `yaml:"forwarder"`
	NTP       NTPConfig       `yaml:"ntp"`
	Events    EventsConfig    `yaml:"events"`
	NATS      NATSConfig      `yaml:"nats"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	JWT       JWTConfig       `yaml:"jwt"`
	Log       LogConfig       `yaml:"log"`
}

// GatewayConfig represents the gateway identity and its network server
type GatewayConfig struct {
	ID         string           `yaml:"id"`
	ServerHost string           `yaml:"server_host"`
	ServerPort int              `yaml:"server_port"`
	Location   semtech.Location `yaml:"location"`
}

// RadioConfig represents the LoRa radio configuration
type RadioConfig struct {
	Driver          string  `yaml:"driver"`
	Port            string  `yaml:"port"`
	Baud            int     `yaml:"baud"`
	Frequency       float64 `yaml:"frequency"` // MHz
	SpreadingFactor int     `yaml:"spreading_factor"`
	Bandwidth       float64 `yaml:"bandwidth"`   // kHz
	CodingRate      int     `yaml:"coding_rate"` // denominator, 5..8
	SyncWord        int     `yaml:"sync_word"`
	Power           int     `yaml:"power"`
	Preamble        int     `yaml:"preamble"`
	CRC             *bool   `yaml:"crc"`
	IQInverted      bool    `yaml:"iq_inverted"`
}

// ForwarderConfig represents the server session and scheduler settings
type ForwarderConfig struct {
	StatInterval  time.Duration `yaml:"stat_interval"`
	PullInterval  time.Duration `yaml:"pull_interval"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	GuardUS       uint32        `yaml:"guard_us"`
	MaxLeadUS     uint32        `yaml:"max_lead_us"`
	AckScheduled  bool          `yaml:"ack_scheduled"`
	ReceiveBuffer int           `yaml:"receive_buffer"`
}

// NTPConfig represents wall clock synchronisation
type NTPConfig struct {
	Enabled    *bool         `yaml:"enabled"`
	Server     string        `yaml:"server"`
	Period     time.Duration `yaml:"period"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
}

// EventsConfig selects the event mirror backend
type EventsConfig struct {
	Backend string `yaml:"backend"` // none | nats | mqtt
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents MQTT configuration
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// DatabaseConfig represents the frame journal database
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueueSize       int           `yaml:"queue_size"`
}

// APIConfig represents the control API
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// Load reads, defaults and validates the configuration file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration data
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() error {
	if id := os.Getenv("GATEWAY_ID"); id != "" {
		c.Gateway.ID = id
	}

	if addr := os.Getenv("SERVER_ADDR"); addr != "" {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("SERVER_ADDR: %w", err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("SERVER_ADDR port: %w", err)
		}
		c.Gateway.ServerHost = host
		c.Gateway.ServerPort = p
	}

	if port := os.Getenv("RADIO_PORT"); port != "" {
		c.Radio.Port = port
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	return nil
}

func (c *Config) setDefaults() {
	if c.Gateway.ServerPort == 0 {
		c.Gateway.ServerPort = 1700
	}

	// Radio
	if c.Radio.Driver == "" {
		c.Radio.Driver = "rylr896"
	}
	if c.Radio.Baud == 0 {
		c.Radio.Baud = 115200
	}
	if c.Radio.Frequency == 0 {
		c.Radio.Frequency = 868.1
	}
	if c.Radio.SpreadingFactor == 0 {
		c.Radio.SpreadingFactor = 7
	}
	if c.Radio.Bandwidth == 0 {
		c.Radio.Bandwidth = 125
	}
	if c.Radio.CodingRate == 0 {
		c.Radio.CodingRate = 5
	}
	if c.Radio.SyncWord == 0 {
		c.Radio.SyncWord = 0x34
	}
	if c.Radio.Power == 0 {
		c.Radio.Power = 14
	}
	if c.Radio.Preamble == 0 {
		c.Radio.Preamble = 8
	}
	if c.Radio.CRC == nil {
		on := true
		c.Radio.CRC = &on
	}

	// Forwarder
	if c.Forwarder.StatInterval == 0 {
		c.Forwarder.StatInterval = 30 * time.Second
	}
	if c.Forwarder.PullInterval == 0 {
		c.Forwarder.PullInterval = 60500 * time.Millisecond
	}
	if c.Forwarder.PollInterval == 0 {
		c.Forwarder.PollInterval = 20 * time.Millisecond
	}
	if c.Forwarder.GuardUS == 0 {
		c.Forwarder.GuardUS = 15000
	}
	if c.Forwarder.MaxLeadUS == 0 {
		c.Forwarder.MaxLeadUS = 20000000
	}
	if c.Forwarder.ReceiveBuffer == 0 {
		c.Forwarder.ReceiveBuffer = 2048
	}

	// NTP
	if c.NTP.Enabled == nil {
		on := true
		c.NTP.Enabled = &on
	}
	if c.NTP.Server == "" {
		c.NTP.Server = "pool.ntp.org"
	}
	if c.NTP.Period == 0 {
		c.NTP.Period = time.Hour
	}
	if c.NTP.RetryDelay == 0 {
		c.NTP.RetryDelay = time.Second
	}
	if c.NTP.Timeout == 0 {
		c.NTP.Timeout = 10 * time.Second
	}

	// Event mirror
	if c.Events.Backend == "" {
		switch {
		case c.NATS.URL != "":
			c.Events.Backend = EventsNATS
		case c.MQTT.Broker != "":
			c.Events.Backend = EventsMQTT
		default:
			c.Events.Backend = EventsNone
		}
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "gateway"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "gateway"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "packet-forwarder-" + c.Gateway.ID
	}

	// Journal
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 4
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 2
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if c.Database.QueueSize == 0 {
		c.Database.QueueSize = 256
	}

	// API
	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.JWT.TokenTTL == 0 {
		c.JWT.TokenTTL = 24 * time.Hour
	}

	// Log
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Validate checks the configuration for values the forwarder cannot run with
func (c *Config) Validate() error {
	var errs []error

	if _, err := lorawan.ParseEUI64(c.Gateway.ID); err != nil {
		errs = append(errs, fmt.Errorf("gateway.id: %w", err))
	}
	if c.Gateway.ServerHost == "" {
		errs = append(errs, errors.New("gateway.server_host is required"))
	}
	if c.Gateway.ServerPort <= 0 || c.Gateway.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("gateway.server_port %d out of range", c.Gateway.ServerPort))
	}

	dr := lorawan.DataRate{SpreadFactor: c.Radio.SpreadingFactor, Bandwidth: int(math.Round(c.Radio.Bandwidth))}
	if err := dr.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("radio: %w", err))
	}
	if c.Radio.CodingRate < 5 || c.Radio.CodingRate > 8 {
		errs = append(errs, fmt.Errorf("radio.coding_rate %d outside 5..8", c.Radio.CodingRate))
	}
	if c.Radio.SyncWord < 0 || c.Radio.SyncWord > 0xff {
		errs = append(errs, fmt.Errorf("radio.sync_word 0x%x does not fit a byte", c.Radio.SyncWord))
	}
	if c.Radio.Driver != "rylr896" {
		errs = append(errs, fmt.Errorf("radio.driver %q not supported", c.Radio.Driver))
	}
	if c.Radio.Port == "" {
		errs = append(errs, errors.New("radio.port is required"))
	}

	if c.Forwarder.StatInterval <= 0 || c.Forwarder.PullInterval <= 0 || c.Forwarder.PollInterval <= 0 {
		errs = append(errs, errors.New("forwarder intervals must be positive"))
	}
	if c.Forwarder.GuardUS >= c.Forwarder.MaxLeadUS {
		errs = append(errs, fmt.Errorf("forwarder.guard_us %d must be below max_lead_us %d",
			c.Forwarder.GuardUS, c.Forwarder.MaxLeadUS))
	}

	switch c.Events.Backend {
	case EventsNone:
	case EventsNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("events.backend nats requires nats.url"))
		}
	case EventsMQTT:
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("events.backend mqtt requires mqtt.broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("events.backend %q not supported", c.Events.Backend))
	}

	if c.API.Enabled && c.JWT.Secret == "" {
		errs = append(errs, errors.New("api requires jwt.secret"))
	}

	return errors.Join(errs...)
}

// GatewayID returns the parsed gateway identifier
func (c *Config) GatewayID() lorawan.EUI64 {
	id, _ := lorawan.ParseEUI64(c.Gateway.ID)
	return id
}

// ServerAddr returns host:port of the network server
func (c *Config) ServerAddr() string {
	return net.JoinHostPort(c.Gateway.ServerHost, strconv.Itoa(c.Gateway.ServerPort))
}

// APIAddr returns the control API listen address
func (c *Config) APIAddr() string {
	return net.JoinHostPort(c.API.Host, strconv.Itoa(c.API.Port))
}

// DataRate returns the LoRa data rate of the channel
func (c *Config) DataRate() lorawan.DataRate {
	return lorawan.DataRate{SpreadFactor: c.Radio.SpreadingFactor, Bandwidth: int(math.Round(c.Radio.Bandwidth))}
}

// RadioConfig returns the settings passed to the radio driver
func (c *Config) RadioConfig() radio.Config {
	return radio.Config{
		Frequency:       c.Radio.Frequency,
		Bandwidth:       c.Radio.Bandwidth,
		SpreadingFactor: c.Radio.SpreadingFactor,
		CodingRate:      c.Radio.CodingRate,
		SyncWord:        uint8(c.Radio.SyncWord),
		Power:           c.Radio.Power,
		Preamble:        c.Radio.Preamble,
		CRC:             c.Radio.CRC != nil && *c.Radio.CRC,
		IQInverted:      c.Radio.IQInverted,
	}
}

// NTPEnabled reports whether wall clock sync runs
func (c *Config) NTPEnabled() bool {
	return c.NTP.Enabled != nil && *c.NTP.Enabled
}

// PrintSummary prints the effective configuration at startup
func (c *Config) PrintSummary() {
	fmt.Printf("=== Single Channel Packet Forwarder ===\n")
	fmt.Printf("Gateway ID: %s\n", c.Gateway.ID)
	fmt.Printf("Server: %s\n", c.ServerAddr())
	fmt.Printf("Radio: %s on %s @ %d baud\n", c.Radio.Driver, c.Radio.Port, c.Radio.Baud)
	fmt.Printf("Channel: %.3f MHz %s CR 4/%d\n", c.Radio.Frequency, c.DataRate(), c.Radio.CodingRate)
	fmt.Printf("Stat/Pull: %s / %s\n", c.Forwarder.StatInterval, c.Forwarder.PullInterval)
	fmt.Printf("Downlink guard %dus, max lead %dus, ack scheduled %v\n",
		c.Forwarder.GuardUS, c.Forwarder.MaxLeadUS, c.Forwarder.AckScheduled)
	fmt.Printf("Events: %s\n", c.Events.Backend)
	fmt.Printf("=======================================\n")
}

package app

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default configuration constants
const (
	DefaultBrokerURL   = "tcp://localhost:1883"
	DefaultTopic       = "#"
	DefaultStaleSecs   = 120
	DefaultAccess      = "Undefined"
	DefaultUASType     = "a-u-A-M-H-Q"
	DefaultOpType      = "a-u-G"
	DefaultSensorType  = "a-f-G-E-S-E"
	DefaultPayloadType = "Unknown-Sensor-Payload-Type"
	DefaultGPSCommand  = "gpspipe --json -n 5"
	DefaultGPSTimeout  = 10 // seconds
	DefaultTAKDest     = "-"
	DefaultQueueSize   = 64
)

// Config holds the full gateway configuration. Every field can be set from
// the YAML config file; command-line flags override file values.
type Config struct {
	// Broker session.
	BrokerURL string `yaml:"broker_url"`
	Topic     string `yaml:"topic"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`
	CAFile    string `yaml:"ca_file"`

	// CoT output.
	StaleSeconds       int    `yaml:"stale_seconds"`
	Access             string `yaml:"access"`
	HostID             string `yaml:"host_id"`
	UASType            string `yaml:"uas_type"`
	OperatorType       string `yaml:"operator_type"`
	SensorType         string `yaml:"sensor_type"`
	DefaultSensorID    string `yaml:"default_sensor_id"`
	DefaultPayloadType string `yaml:"default_payload_type"`

	// GPS fallback for sensor status reports. An empty command disables it.
	GPSCommand        string `yaml:"gps_command"`
	GPSTimeoutSeconds int    `yaml:"gps_timeout_seconds"`

	// TAK egress: tcp://host:port, tls://host:port, or "-" for stdout.
	TAKDestination string `yaml:"tak_destination"`
	TAKCertFile    string `yaml:"tak_cert_file"`
	TAKKeyFile     string `yaml:"tak_key_file"`
	TAKCAFile      string `yaml:"tak_ca_file"`

	// Unset disables the /metrics listener.
	MetricsAddr string `yaml:"metrics_addr"`

	QueueSize   int  `yaml:"queue_size"`
	Verbose     bool `yaml:"verbose"`
	ShowVersion bool `yaml:"-"`
}

// DefaultConfig returns the documented defaults. Host-derived values fall
// back to "unknown" when the hostname cannot be determined.
func DefaultConfig() Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}

	return Config{
		BrokerURL:          DefaultBrokerURL,
		Topic:              DefaultTopic,
		StaleSeconds:       DefaultStaleSecs,
		Access:             DefaultAccess,
		HostID:             "ridcot@" + hostname,
		UASType:            DefaultUASType,
		OperatorType:       DefaultOpType,
		SensorType:         DefaultSensorType,
		DefaultSensorID:    "ridcot-" + hostname,
		DefaultPayloadType: DefaultPayloadType,
		GPSCommand:         DefaultGPSCommand,
		GPSTimeoutSeconds:  DefaultGPSTimeout,
		TAKDestination:     DefaultTAKDest,
		QueueSize:          DefaultQueueSize,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the components cannot run with.
func (c Config) Validate() error {
	if c.BrokerURL == "" {
		return errors.New("broker URL must be set")
	}
	if c.Topic == "" {
		return errors.New("topic pattern must be set")
	}
	if c.StaleSeconds <= 0 {
		return fmt.Errorf("stale seconds must be positive, got %d", c.StaleSeconds)
	}
	if c.UASType == "" || c.OperatorType == "" || c.SensorType == "" {
		return errors.New("CoT event types must be set")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	if c.GPSCommand != "" && c.GPSTimeoutSeconds <= 0 {
		return fmt.Errorf("gps timeout must be positive, got %d", c.GPSTimeoutSeconds)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("broker TLS cert and key must both be set")
	}
	if (c.TAKCertFile == "") != (c.TAKKeyFile == "") {
		return errors.New("TAK TLS cert and key must both be set")
	}
	return nil
}

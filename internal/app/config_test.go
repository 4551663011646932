package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "tcp://localhost:1883", cfg.BrokerURL)
	assert.Equal(t, "#", cfg.Topic)
	assert.Equal(t, 120, cfg.StaleSeconds)
	assert.Equal(t, "-", cfg.TAKDestination)
	assert.Equal(t, 64, cfg.QueueSize)
	assert.Contains(t, cfg.HostID, "ridcot@")
	assert.Contains(t, cfg.DefaultSensorID, "ridcot-")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ridcot.yaml")
	content := `
broker_url: tls://broker.example.net:8883
topic: sensors/+/uplink
client_id: station-4
stale_seconds: 300
gps_command: ""
tak_destination: tcp://takserver:8087
metrics_addr: ":9090"
queue_size: 128
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "tls://broker.example.net:8883", cfg.BrokerURL)
	assert.Equal(t, "sensors/+/uplink", cfg.Topic)
	assert.Equal(t, "station-4", cfg.ClientID)
	assert.Equal(t, 300, cfg.StaleSeconds)
	assert.Equal(t, "", cfg.GPSCommand)
	assert.Equal(t, "tcp://takserver:8087", cfg.TAKDestination)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, 128, cfg.QueueSize)

	// Unspecified fields keep their defaults.
	assert.Equal(t, "a-u-A-M-H-Q", cfg.UASType)
	assert.Equal(t, 10, cfg.GPSTimeoutSeconds)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestLoadConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broker_url: [nope"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty broker", func(c *Config) { c.BrokerURL = "" }},
		{"empty topic", func(c *Config) { c.Topic = "" }},
		{"zero stale", func(c *Config) { c.StaleSeconds = 0 }},
		{"negative stale", func(c *Config) { c.StaleSeconds = -1 }},
		{"no uas type", func(c *Config) { c.UASType = "" }},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }},
		{"gps without timeout", func(c *Config) { c.GPSTimeoutSeconds = 0 }},
		{"lone broker cert", func(c *Config) { c.CertFile = "c.pem" }},
		{"lone tak key", func(c *Config) { c.TAKKeyFile = "k.pem" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateGPSDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GPSCommand = ""
	cfg.GPSTimeoutSeconds = 0
	assert.NoError(t, cfg.Validate())
}

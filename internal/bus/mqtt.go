// Package bus connects the pipeline to the MQTT broker the Remote ID sensors
// publish on. Reconnection and resubscription are delegated to the paho
// client; this package only builds the options and forwards messages.
package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrConnect reports a failure to establish the initial broker session.
var ErrConnect = errors.New("broker connect failed")

const (
	connectTimeout = 10 * time.Second
	// QoS 0: a missed telemetry frame is stale the moment the next one
	// arrives, so redelivery buys nothing.
	subscribeQoS = 0
)

// Config describes the broker session.
type Config struct {
	BrokerURL string
	Topic     string
	ClientID  string
	Username  string
	Password  string

	// TLS client certificate, all three paths or none.
	CertFile string
	KeyFile  string
	CAFile   string
}

// Handler receives each inbound message. It may block; paho delivers
// messages for one subscription in order, so blocking applies backpressure
// upstream.
type Handler func(topic string, payload []byte)

// Client is a thin wrapper around the paho MQTT client.
type Client struct {
	cfg    Config
	logger *logrus.Logger
	client mqtt.Client
}

// NewClient prepares a broker client. Nothing is dialed until Start.
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID()
	}
	return &Client{cfg: cfg, logger: logger}
}

// Start connects to the broker and subscribes the handler to the configured
// topic pattern. The subscription is re-established automatically after a
// reconnect.
func (c *Client) Start(ctx context.Context, handler Handler) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(true)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	if c.cfg.CertFile != "" || c.cfg.KeyFile != "" || c.cfg.CAFile != "" {
		tlsConfig, err := NewTLSConfig(c.cfg.CertFile, c.cfg.KeyFile, c.cfg.CAFile)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnect, err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.WithFields(logrus.Fields{
			"broker": c.cfg.BrokerURL,
			"topic":  c.cfg.Topic,
		}).Info("Connected to MQTT broker")
		if token := client.Subscribe(c.cfg.Topic, subscribeQoS, onMessage); token.Wait() && token.Error() != nil {
			c.logger.WithError(token.Error()).Error("MQTT subscribe failed")
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.WithError(err).Warn("MQTT connection lost, reconnecting")
	})

	c.client = mqtt.NewClient(opts)

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		c.client.Disconnect(0)
		return fmt.Errorf("%w: %v", ErrConnect, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	return nil
}

// Stop disconnects from the broker, allowing in-flight work to finish.
func (c *Client) Stop() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(uint(250))
	}
}

// defaultClientID generates a host-unique client id so two gateways on the
// same broker do not evict each other's session.
func defaultClientID() string {
	return "ridcot-" + uuid.NewString()[:8]
}

// NewTLSConfig loads a client certificate and CA bundle into a TLS session
// config. The CA file is optional; cert and key must come together. It is
// shared with the TAK egress, which has the same certificate surface.
func NewTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("tls cert and key must both be set")
	}
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("ca bundle contains no certificates")
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

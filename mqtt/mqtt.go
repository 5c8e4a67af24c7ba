// Package mqtt connects the tracker to an MQTT broker so dashboards can
// follow crossings and operators can send commands.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	stdlog "log"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client wraps the paho client. A client built without a host is disabled
// and every call is a no-op.
type Client struct {
	client       paho.Client
	clientID     string
	qos          byte
	enabled      bool
	logger       zerolog.Logger
	onConnect    func()
	onDisconnect func()
	onMessage    func(topic string, payload []byte)
}

// Config holds MQTT connection settings.
type Config struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"` // 8883 with TLS, 1883 without
	ClientID     string        `yaml:"client_id"`
	CACert       string        `yaml:"ca_cert"`
	ClientCert   string        `yaml:"client_cert"`
	ClientKey    string        `yaml:"client_key"`
	QoS          byte          `yaml:"qos"`
	KeepAlive    time.Duration `yaml:"keep_alive"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// Handlers holds callback functions for MQTT events.
type Handlers struct {
	OnConnect    func()
	OnDisconnect func()
	OnMessage    func(topic string, payload []byte)
}

// Presence payloads published retained on the node's presence topic. The
// broker publishes offline on our behalf when the session drops.
const (
	presenceOnline  = `{"state":"online"}`
	presenceOffline = `{"state":"offline"}`
)

// New creates a client. Returns a disabled client if host is empty.
func New(cfg Config, handlers Handlers) (*Client, error) {
	c := &Client{
		clientID:     cfg.ClientID,
		qos:          cfg.QoS,
		logger:       log.With().Str("component", "mqtt").Logger(),
		onConnect:    handlers.OnConnect,
		onDisconnect: handlers.OnDisconnect,
		onMessage:    handlers.OnMessage,
	}

	if cfg.Host == "" {
		c.logger.Info().Msg("MQTT disabled (no host configured)")
		return c, nil
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid qos %d", cfg.QoS)
	}

	broker, tlsConfig, err := resolveBroker(cfg)
	if err != nil {
		return nil, err
	}
	if tlsConfig == nil {
		c.logger.Warn().Str("broker", broker).Msg("MQTT using non-TLS connection")
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetKeepAlive(keepAlive).
		SetWill(StatusTopic(cfg.ClientID, "presence"), presenceOffline, cfg.QoS, true).
		SetConnectionLostHandler(c.handleConnectionLost).
		SetOnConnectHandler(c.handleConnect).
		SetDefaultPublishHandler(c.handleMessage)
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}
	c.client = paho.NewClient(opts)
	c.enabled = true

	paho.ERROR = stdlog.New(c.logger.With().Str("paho", "error").Logger(), "", 0)
	paho.CRITICAL = stdlog.New(c.logger.With().Str("paho", "critical").Logger(), "", 0)
	paho.WARN = stdlog.New(c.logger.With().Str("paho", "warn").Logger(), "", 0)

	return c, nil
}

// resolveBroker returns the broker URL and, when any certificate is
// configured, the TLS settings to dial it with.
func resolveBroker(cfg Config) (string, *tls.Config, error) {
	if cfg.CACert == "" && cfg.ClientCert == "" {
		port := cfg.Port
		if port == 0 {
			port = 1883
		}
		return fmt.Sprintf("tcp://%s:%d", cfg.Host, port), nil, nil
	}

	port := cfg.Port
	if port == 0 {
		port = 8883
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return "", nil, fmt.Errorf("read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return "", nil, fmt.Errorf("no certificates in %s", cfg.CACert)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return "", nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return fmt.Sprintf("ssl://%s:%d", cfg.Host, port), tlsConfig, nil
}

// Connect connects to the broker. If disabled, calls onConnect immediately
// so the door lights settle on idle rather than link lost.
func (c *Client) Connect() error {
	if !c.enabled {
		if c.onConnect != nil {
			c.onConnect()
		}
		return nil
	}

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect: %w", token.Error())
	}
	c.logger.Info().Str("client_id", c.clientID).Msg("MQTT connected")
	return nil
}

// Disconnect disconnects from the broker.
func (c *Client) Disconnect() {
	if !c.enabled || c.client == nil {
		return
	}
	if c.client.IsConnected() {
		c.client.Publish(StatusTopic(c.clientID, "presence"), c.qos, true, presenceOffline).WaitTimeout(time.Second)
	}
	c.client.Disconnect(250)
}

// Subscribe subscribes to a topic.
func (c *Client) Subscribe(topic string) error {
	if !c.enabled {
		return nil
	}
	if token := c.client.Subscribe(topic, c.qos, nil); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	return nil
}

// Publish sends payload to topic without waiting for the broker.
func (c *Client) Publish(topic string, payload []byte) {
	if !c.enabled {
		return
	}
	c.client.Publish(topic, c.qos, false, payload)
}

func (c *Client) IsEnabled() bool {
	return c.enabled
}

func (c *Client) ClientID() string {
	return c.clientID
}

func (c *Client) handleConnect(client paho.Client) {
	c.logger.Info().Msg("MQTT connection established")
	client.Publish(StatusTopic(c.clientID, "presence"), c.qos, true, presenceOnline)
	if c.onConnect != nil {
		c.onConnect()
	}
}

func (c *Client) handleConnectionLost(client paho.Client, err error) {
	c.logger.Warn().Err(err).Msg("MQTT connection lost")
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
}

func (c *Client) handleMessage(client paho.Client, msg paho.Message) {
	if c.onMessage != nil {
		c.onMessage(msg.Topic(), msg.Payload())
	}
}

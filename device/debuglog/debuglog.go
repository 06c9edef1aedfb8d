// Package debuglog forwards the NCP's unsolicited debug-stream datagrams
// to an MQTT broker, for deployments that want the host's log pipeline
// to double as a field-debugging channel rather than writing to a local
// file.
package debuglog

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Config holds the configuration for an MQTT debug log sink.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// Topic is the MQTT topic the NCP's debug stream is published to.
	Topic string
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Sink publishes raw debug-stream payloads to an MQTT topic.
type Sink struct {
	cfg       Config
	log       *slog.Logger
	client    paho.Client
	mu        sync.RWMutex
	connected bool
}

// New creates a Sink. Start must be called before Publish has any effect.
func New(cfg Config) *Sink {
	if cfg.Topic == "" {
		cfg.Topic = "thci/debug"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sink{
		cfg: cfg,
		log: cfg.Logger.WithGroup("debuglog"),
	}
}

// Start connects to the MQTT broker.
func (s *Sink) Start(ctx context.Context) error {
	if s.cfg.Broker == "" {
		return errors.New("debuglog: broker URL is required")
	}

	clientID := s.cfg.ClientID
	if clientID == "" {
		clientID = "thci-debuglog-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOnConnectHandler(s.onConnected).
		SetConnectionLostHandler(s.onConnectionLost)

	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	if s.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	s.client = paho.NewClient(opts)

	token := s.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.New("debuglog: connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("debuglog: connecting to broker: %w", token.Error())
	}
	return nil
}

// Stop gracefully disconnects from the broker.
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Disconnect(1000)
		s.connected = false
	}
	return nil
}

// IsConnected reports whether the sink is currently connected.
func (s *Sink) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected && s.client != nil && s.client.IsConnected()
}

// Publish forwards one raw debug-stream payload. It is a no-op, logged
// at debug level, if the sink is not currently connected. Debug output
// is best-effort and must never block datagram delivery.
func (s *Sink) Publish(payload []byte) {
	if !s.IsConnected() {
		s.log.Debug("dropping debug payload, not connected")
		return
	}
	token := s.client.Publish(s.cfg.Topic, 0, false, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			s.log.Warn("timed out publishing debug payload")
		}
	}()
}

func (s *Sink) onConnected(_ paho.Client) {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.log.Info("connected to MQTT broker", "broker", s.cfg.Broker)
}

func (s *Sink) onConnectionLost(_ paho.Client, err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.log.Error("MQTT connection lost", "error", err)
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

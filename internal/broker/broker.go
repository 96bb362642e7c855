// Package broker owns the MQTT session to the cloud broker.
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	// ANSI color codes for terminal output
	ColorGreen = "\033[32m"
	ColorReset = "\033[0m"
)

// Message is one inbound publish
type Message struct {
	Topic   string
	Payload []byte
}

// Options configures a session
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TLS            *tls.Config
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Subscribe      string
	QoS            byte
	InboxSize      int
}

// TLSConfig builds mutual TLS settings from PEM files. Empty paths are skipped.
func TLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", caFile)
		}
		cfg.RootCAs = pool
	}

	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Session is a single broker connection with a bounded inbox.
// Reconnection is driven by the caller, never by the client library.
type Session struct {
	opts      Options
	mu        sync.Mutex
	client    mqtt.Client
	inbox     chan Message
	connected atomic.Bool
}

// NewSession creates a disconnected session
func NewSession(opts Options) *Session {
	if opts.ClientID == "" {
		opts.ClientID = "hydro-node-" + uuid.NewString()
	}
	if opts.InboxSize < 1 {
		opts.InboxSize = 1
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &Session{
		opts:  opts,
		inbox: make(chan Message, opts.InboxSize),
	}
}

// ClientID returns the identifier presented to the broker
func (s *Session) ClientID() string {
	return s.opts.ClientID
}

// Connect opens a fresh connection and subscribes to the command topic
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		s.client.Disconnect(250)
		s.client = nil
	}
	s.connected.Store(false)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.opts.Broker)
	opts.SetClientID(s.opts.ClientID)
	opts.SetUsername(s.opts.Username)
	opts.SetPassword(s.opts.Password)
	if s.opts.TLS != nil {
		opts.SetTLSConfig(s.opts.TLS)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(s.opts.ConnectTimeout)
	if s.opts.KeepAlive > 0 {
		opts.SetKeepAlive(s.opts.KeepAlive)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.connected.Store(false)
		log.Printf("MQTT connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect(), s.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("MQTT connection failed: %w", err)
	}

	if s.opts.Subscribe != "" {
		token := client.Subscribe(s.opts.Subscribe, s.opts.QoS, s.handleMessage)
		if err := wait(ctx, token, s.opts.ConnectTimeout); err != nil {
			client.Disconnect(250)
			return fmt.Errorf("subscribe %s: %w", s.opts.Subscribe, err)
		}
	}

	s.client = client
	s.connected.Store(true)
	log.Printf("%sConnected%s to MQTT broker %s", ColorGreen, ColorReset, s.opts.Broker)
	return nil
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	m := Message{Topic: msg.Topic(), Payload: append([]byte(nil), msg.Payload()...)}
	select {
	case s.inbox <- m:
	default:
		log.Printf("Inbox full, dropping message on %s", m.Topic)
	}
}

// Connected reports whether the connection is up
func (s *Session) Connected() bool {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	return client != nil && s.connected.Load() && client.IsConnectionOpen()
}

// Publish sends payload and waits for the client to hand it off
func (s *Session) Publish(topic string, qos byte, payload []byte) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return errors.New("no MQTT client")
	}

	token := client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(s.opts.ConnectTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

// Receive returns one pending inbound message without blocking
func (s *Session) Receive() (Message, bool) {
	select {
	case m := <-s.inbox:
		return m, true
	default:
		return Message{}, false
	}
}

// Disconnect closes the connection
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Disconnect(250)
		s.client = nil
	}
	s.connected.Store(false)
}

package broker

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

func startBroker(t *testing.T) (*mochi.Server, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("add hook: %v", err)
	}
	if err := server.AddListener(listeners.NewNet("test", ln)); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	if err := server.Serve(); err != nil {
		t.Fatalf("serve: %v", err)
	}
	t.Cleanup(func() { server.Close() })
	return server, "tcp://" + ln.Addr().String()
}

func TestSessionRoundTrip(t *testing.T) {
	server, addr := startBroker(t)

	telemetry := make(chan []byte, 1)
	err := server.Subscribe("hydro/telemetry", 1, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		telemetry <- pk.Payload
	})
	if err != nil {
		t.Fatalf("inline subscribe: %v", err)
	}

	s := NewSession(Options{
		Broker:         addr,
		Subscribe:      "hydro/commands",
		ConnectTimeout: 5 * time.Second,
		InboxSize:      4,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect()
	if !s.Connected() {
		t.Fatal("session should be connected")
	}
	if s.ClientID() == "" {
		t.Fatal("client id should be generated")
	}

	if err := s.Publish("hydro/telemetry", 0, []byte(`{"temperature":21.5}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case got := <-telemetry:
		if string(got) != `{"temperature":21.5}` {
			t.Fatalf("broker received %s", got)
		}
	case <-ctx.Done():
		t.Fatal("broker never received telemetry")
	}

	if _, ok := s.Receive(); ok {
		t.Fatal("inbox should start empty")
	}
	if err := server.Publish("hydro/commands", []byte(`{"command":"read_now"}`), false, 0); err != nil {
		t.Fatalf("server publish: %v", err)
	}
	for {
		if m, ok := s.Receive(); ok {
			if m.Topic != "hydro/commands" || string(m.Payload) != `{"command":"read_now"}` {
				t.Fatalf("received %+v", m)
			}
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("command never arrived")
		case <-time.After(20 * time.Millisecond):
		}
	}

	s.Disconnect()
	if s.Connected() {
		t.Fatal("session still connected after Disconnect")
	}
	if err := s.Publish("hydro/telemetry", 0, nil); err == nil {
		t.Fatal("publish after disconnect should fail")
	}
}

func TestConnectFailsWithoutBroker(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	s := NewSession(Options{Broker: "tcp://" + addr, ConnectTimeout: 2 * time.Second})
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("connect to closed port should fail")
	}
	if s.Connected() {
		t.Fatal("failed session reports connected")
	}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestInboxDropsWhenFull(t *testing.T) {
	t.Parallel()

	s := NewSession(Options{InboxSize: 1})
	s.handleMessage(nil, fakeMessage{topic: "c", payload: []byte("first")})
	s.handleMessage(nil, fakeMessage{topic: "c", payload: []byte("second")})

	m, ok := s.Receive()
	if !ok || string(m.Payload) != "first" {
		t.Fatalf("received %q, %v", m.Payload, ok)
	}
	if _, ok := s.Receive(); ok {
		t.Fatal("overflow message should have been dropped")
	}
}

func TestTLSConfigMissingFiles(t *testing.T) {
	t.Parallel()

	cfg, err := TLSConfig("", "", "")
	if err != nil || cfg == nil {
		t.Fatalf("empty TLSConfig = %v, %v", cfg, err)
	}
	if _, err := TLSConfig("/nonexistent/ca.pem", "", ""); err == nil {
		t.Fatal("missing CA should fail")
	}
	if _, err := TLSConfig("", "/nonexistent/cert.pem", "/nonexistent/key.pem"); err == nil {
		t.Fatal("missing client cert should fail")
	}
}

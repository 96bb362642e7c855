// Package connectivity owns the network association life cycle and the
// broker session, and is the only component that touches the transport.
package connectivity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/r0bb10/hydro-node/internal/broker"
	"github.com/r0bb10/hydro-node/internal/metrics"
	"github.com/r0bb10/hydro-node/internal/network"
	"github.com/r0bb10/hydro-node/internal/store"
)

var (
	// ErrNotConnected is returned when no broker session is available
	ErrNotConnected = errors.New("broker not connected")
	// ErrPublishFailed is returned when a publish failed after one reconnect-and-retry
	ErrPublishFailed = errors.New("publish failed")
)

// State is the connectivity state machine position
type State int32

const (
	Disconnected State = iota
	StationConnecting
	StationConnected
	BrokerConnecting
	BrokerConnected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case StationConnecting:
		return "station-connecting"
	case StationConnected:
		return "station-connected"
	case BrokerConnecting:
		return "broker-connecting"
	case BrokerConnected:
		return "broker-connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// level maps a state to the exported gauge ordinal
func (s State) level() int {
	switch {
	case s == BrokerConnected:
		return 2
	case s >= StationConnected:
		return 1
	}
	return 0
}

// Station is the wireless link
type Station interface {
	Connected(ctx context.Context) bool
	Scan(ctx context.Context) ([]string, error)
	Connect(ctx context.Context, ssid, password string) error
	StartAccessPoint(ctx context.Context, ssid, password string) error
	StopAccessPoint(ctx context.Context) error
}

// Session is the broker transport
type Session interface {
	Connect(ctx context.Context) error
	Connected() bool
	Publish(topic string, qos byte, payload []byte) error
	Receive() (broker.Message, bool)
	Disconnect()
}

// CredentialStore persists what the provisioning portal collects
type CredentialStore interface {
	LoadCredentials() ([]store.Credential, error)
	AddCredential(c store.Credential) error
	SaveTimezone(offset string) error
}

// Provisioner runs the captive configuration portal
type Provisioner interface {
	RunUntilConfigured(ctx context.Context, try network.TryFunc) (network.Credentials, error)
}

// Syncer synchronizes the clock
type Syncer interface {
	Sync(ctx context.Context, retries int) bool
}

// Indicator shows link state (status LED)
type Indicator interface {
	SetActive(on bool) error
}

// Config tunes the manager
type Config struct {
	ConnectTimeout    time.Duration
	HealthInterval    time.Duration
	APSSID            string
	APPassword        string
	PortalOnReconnect bool
}

// Manager drives Disconnected -> StationConnected -> BrokerConnected
type Manager struct {
	cfg     Config
	station Station
	session Session
	creds   CredentialStore
	portal  Provisioner
	syncer  Syncer
	led     Indicator
	metrics *metrics.Recorder

	// OnTimezone is called with the offset chosen in the portal
	OnTimezone func(offset string)

	mu        sync.Mutex // serializes transitions
	state     atomic.Int32
	lastCheck time.Time
}

// NewManager creates a manager in the Disconnected state. led may be nil.
func NewManager(cfg Config, station Station, session Session, creds CredentialStore,
	portal Provisioner, syncer Syncer, led Indicator, rec *metrics.Recorder) *Manager {
	m := &Manager{
		cfg:     cfg,
		station: station,
		session: session,
		creds:   creds,
		portal:  portal,
		syncer:  syncer,
		led:     led,
		metrics: rec,
	}
	m.setState(Disconnected)
	return m
}

// State returns the current state
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	m.metrics.Connectivity(s.level())
	if m.led != nil && (prev >= StationConnected) != (s >= StationConnected) {
		if err := m.led.SetActive(s >= StationConnected); err != nil {
			log.Printf("Failed to set status LED: %v", err)
		}
	}
	if prev != s {
		if s == BrokerConnected {
			log.Printf("Connectivity %s%s%s", broker.ColorGreen, s, broker.ColorReset)
		} else {
			log.Printf("Connectivity %s", s)
		}
	}
}

// Usable reports whether telemetry can be published right now
func (m *Manager) Usable() bool {
	return m.State() == BrokerConnected && m.session.Connected()
}

// Start brings the node online: station (portal allowed), clock, broker
func (m *Manager) Start(ctx context.Context, ntpRetries int) error {
	if err := m.EnsureStation(ctx); err != nil {
		return err
	}
	m.TimeSync(ctx, ntpRetries)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectBroker(ctx)
}

// EnsureStation associates with a known network, falling back to the
// provisioning portal. It blocks until associated or ctx ends.
func (m *Manager) EnsureStation(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureStation(ctx, true)
}

func (m *Manager) ensureStation(ctx context.Context, allowPortal bool) error {
	if m.station.Connected(ctx) {
		if m.State() < StationConnected {
			m.setState(StationConnected)
		}
		return nil
	}

	m.setState(StationConnecting)
	err := m.joinKnown(ctx)
	if err == nil {
		m.setState(StationConnected)
		return nil
	}
	log.Printf("Failed to join a known network: %v", err)

	if !allowPortal || m.portal == nil {
		m.setState(Disconnected)
		return err
	}
	if err := m.provision(ctx); err != nil {
		m.setState(Disconnected)
		return err
	}
	m.setState(StationConnected)
	return nil
}

// joinKnown tries every visible network that has saved credentials, in scan order
func (m *Manager) joinKnown(ctx context.Context) error {
	known, err := m.creds.LoadCredentials()
	if err != nil {
		return fmt.Errorf("%w: %w", network.ErrAssociation, err)
	}
	if len(known) == 0 {
		return fmt.Errorf("%w: no saved networks", network.ErrAssociation)
	}
	passwords := make(map[string]string, len(known))
	for _, c := range known {
		passwords[c.SSID] = c.Password
	}

	visible, err := m.station.Scan(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", network.ErrAssociation, err)
	}

	for _, ssid := range visible {
		password, ok := passwords[ssid]
		if !ok {
			continue
		}
		actx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		err := m.station.Connect(actx, ssid, password)
		cancel()
		if err == nil {
			log.Printf("%sConnected%s to Wi-Fi %s", broker.ColorGreen, broker.ColorReset, ssid)
			return nil
		}
		log.Printf("Failed to join %s: %v", ssid, err)
	}
	return fmt.Errorf("%w: no known network reachable", network.ErrAssociation)
}

func (m *Manager) provision(ctx context.Context) error {
	if err := m.station.StartAccessPoint(ctx, m.cfg.APSSID, m.cfg.APPassword); err != nil {
		log.Printf("Failed to start access point: %v", err)
	}

	creds, err := m.portal.RunUntilConfigured(ctx, func(ctx context.Context, c network.Credentials) error {
		if err := m.station.Connect(ctx, c.SSID, c.Password); err != nil {
			if apErr := m.station.StartAccessPoint(ctx, m.cfg.APSSID, m.cfg.APPassword); apErr != nil {
				log.Printf("Failed to restart access point: %v", apErr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		if apErr := m.station.StopAccessPoint(context.Background()); apErr != nil {
			log.Printf("Failed to stop access point: %v", apErr)
		}
		return fmt.Errorf("%w: provisioning: %w", network.ErrAssociation, err)
	}

	if err := m.creds.AddCredential(store.Credential{SSID: creds.SSID, Password: creds.Password}); err != nil {
		log.Printf("Failed to save Wi-Fi credentials: %v", err)
	}
	if err := m.creds.SaveTimezone(creds.Timezone); err != nil {
		log.Printf("Failed to save timezone: %v", err)
	}
	if m.OnTimezone != nil {
		m.OnTimezone(creds.Timezone)
	}
	log.Printf("%sProvisioned%s Wi-Fi %s, timezone %s", broker.ColorGreen, broker.ColorReset, creds.SSID, creds.Timezone)
	return nil
}

// TimeSync is best-effort and never fatal
func (m *Manager) TimeSync(ctx context.Context, retries int) bool {
	if m.syncer == nil {
		return false
	}
	return m.syncer.Sync(ctx, retries)
}

// ConnectBroker opens the broker session over an associated station
func (m *Manager) ConnectBroker(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectBroker(ctx)
}

func (m *Manager) connectBroker(ctx context.Context) error {
	if m.State() < StationConnected {
		return ErrNotConnected
	}
	m.setState(BrokerConnecting)
	m.metrics.Reconnect()

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := m.session.Connect(cctx); err != nil {
		m.setState(Disconnected)
		return err
	}
	m.setState(BrokerConnected)
	return nil
}

// PollHealth checks the link at most once per health interval and repairs it.
// It returns whether the broker session is usable.
func (m *Manager) PollHealth(ctx context.Context, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastCheck.IsZero() && now.Sub(m.lastCheck) < m.cfg.HealthInterval {
		return m.Usable()
	}
	m.lastCheck = now

	if !m.station.Connected(ctx) {
		log.Printf("Wi-Fi link down, reconnecting")
		m.setState(Disconnected)
		if err := m.ensureStation(ctx, m.cfg.PortalOnReconnect); err != nil {
			log.Printf("Failed to restore Wi-Fi: %v", err)
			return false
		}
	} else if m.State() < StationConnected {
		m.setState(StationConnected)
	}

	if !m.session.Connected() {
		if m.State() == BrokerConnected {
			m.setState(StationConnected)
		}
		if err := m.connectBroker(ctx); err != nil {
			log.Printf("Failed to reconnect to broker: %v", err)
		}
	}
	return m.Usable()
}

// Publish encodes payload and sends it, reconnecting and retrying once on failure
func (m *Manager) Publish(topic string, qos byte, payload any) error {
	data, err := encode(payload)
	if err != nil {
		return err
	}
	if m.State() != BrokerConnected {
		m.metrics.Publish(false)
		return ErrNotConnected
	}

	err = m.session.Publish(topic, qos, data)
	if err == nil {
		m.metrics.Publish(true)
		return nil
	}
	log.Printf("Error in MQTT client, reconnecting: %v", err)

	m.mu.Lock()
	if m.State() == BrokerConnected {
		m.setState(StationConnected)
	}
	rerr := m.connectBroker(context.Background())
	m.mu.Unlock()

	if rerr == nil {
		if err = m.session.Publish(topic, qos, data); err == nil {
			m.metrics.Publish(true)
			return nil
		}
	} else {
		err = rerr
	}

	m.setState(Disconnected)
	m.metrics.Publish(false)
	return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
}

func encode(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return data, nil
	}
}

// Receive returns one pending inbound message if the session is usable
func (m *Manager) Receive() (broker.Message, bool) {
	if !m.Usable() {
		return broker.Message{}, false
	}
	return m.session.Receive()
}

// Close drops the broker session
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Disconnect()
	m.setState(Disconnected)
}

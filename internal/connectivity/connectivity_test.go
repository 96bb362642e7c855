package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/r0bb10/hydro-node/internal/broker"
	"github.com/r0bb10/hydro-node/internal/network"
	"github.com/r0bb10/hydro-node/internal/store"
)

type fakeStation struct {
	up       bool
	visible  []string
	accept   map[string]string // ssid -> working password
	checks   int
	joins    []string
	apStarts int
	apStops  int
	scanErr  error
}

func (s *fakeStation) Connected(context.Context) bool {
	s.checks++
	return s.up
}

func (s *fakeStation) Scan(context.Context) ([]string, error) { return s.visible, s.scanErr }

func (s *fakeStation) Connect(_ context.Context, ssid, password string) error {
	s.joins = append(s.joins, ssid)
	if pw, ok := s.accept[ssid]; ok && pw == password {
		s.up = true
		return nil
	}
	return network.ErrAssociation
}

func (s *fakeStation) StartAccessPoint(context.Context, string, string) error {
	s.apStarts++
	return nil
}

func (s *fakeStation) StopAccessPoint(context.Context) error {
	s.apStops++
	return nil
}

type fakeSession struct {
	up           bool
	connects     int
	connectErr   error
	publishErrs  []error
	published    [][]byte
	inbox        []broker.Message
	disconnected bool
}

func (s *fakeSession) Connect(context.Context) error {
	s.connects++
	if s.connectErr != nil {
		return s.connectErr
	}
	s.up = true
	return nil
}

func (s *fakeSession) Connected() bool { return s.up }

func (s *fakeSession) Publish(_ string, _ byte, payload []byte) error {
	if len(s.publishErrs) > 0 {
		err := s.publishErrs[0]
		s.publishErrs = s.publishErrs[1:]
		if err != nil {
			return err
		}
	}
	s.published = append(s.published, payload)
	return nil
}

func (s *fakeSession) Receive() (broker.Message, bool) {
	if len(s.inbox) == 0 {
		return broker.Message{}, false
	}
	m := s.inbox[0]
	s.inbox = s.inbox[1:]
	return m, true
}

func (s *fakeSession) Disconnect() {
	s.up = false
	s.disconnected = true
}

type memCreds struct {
	creds    []store.Credential
	timezone string
}

func (c *memCreds) LoadCredentials() ([]store.Credential, error) { return c.creds, nil }

func (c *memCreds) AddCredential(cr store.Credential) error {
	c.creds = append(c.creds, cr)
	return nil
}

func (c *memCreds) SaveTimezone(tz string) error {
	c.timezone = tz
	return nil
}

type fakePortal struct {
	offer network.Credentials
	runs  int
	err   error
}

func (p *fakePortal) RunUntilConfigured(ctx context.Context, try network.TryFunc) (network.Credentials, error) {
	p.runs++
	if p.err != nil {
		return network.Credentials{}, p.err
	}
	if err := try(ctx, p.offer); err != nil {
		return network.Credentials{}, err
	}
	return p.offer, nil
}

type fakeLED struct{ on bool }

func (l *fakeLED) SetActive(on bool) error {
	l.on = on
	return nil
}

func testConfig() Config {
	return Config{ConnectTimeout: time.Second, HealthInterval: 10 * time.Second, APSSID: "hydro-setup"}
}

func TestEnsureStationJoinsKnownVisibleNetwork(t *testing.T) {
	t.Parallel()

	st := &fakeStation{visible: []string{"neighbour", "barn", "greenhouse"}, accept: map[string]string{"greenhouse": "gpw"}}
	creds := &memCreds{creds: []store.Credential{{SSID: "barn", Password: "wrong"}, {SSID: "greenhouse", Password: "gpw"}}}
	portal := &fakePortal{}
	led := &fakeLED{}
	m := NewManager(testConfig(), st, &fakeSession{}, creds, portal, nil, led, nil)

	if err := m.EnsureStation(context.Background()); err != nil {
		t.Fatalf("EnsureStation: %v", err)
	}
	if m.State() != StationConnected {
		t.Fatalf("state = %s", m.State())
	}
	if len(st.joins) != 2 || st.joins[0] != "barn" || st.joins[1] != "greenhouse" {
		t.Fatalf("joins = %v", st.joins)
	}
	if portal.runs != 0 {
		t.Fatal("portal should not run when a known network joins")
	}
	if !led.on {
		t.Fatal("status LED should be on once associated")
	}
}

func TestEnsureStationFallsBackToPortal(t *testing.T) {
	t.Parallel()

	st := &fakeStation{visible: []string{"barn"}, accept: map[string]string{"barn": "new"}}
	creds := &memCreds{}
	portal := &fakePortal{offer: network.Credentials{SSID: "barn", Password: "new", Timezone: "-03:00"}}
	m := NewManager(testConfig(), st, &fakeSession{}, creds, portal, nil, nil, nil)
	var tz string
	m.OnTimezone = func(offset string) { tz = offset }

	if err := m.EnsureStation(context.Background()); err != nil {
		t.Fatalf("EnsureStation: %v", err)
	}
	if portal.runs != 1 || st.apStarts != 1 {
		t.Fatalf("portal runs = %d, ap starts = %d", portal.runs, st.apStarts)
	}
	if len(creds.creds) != 1 || creds.creds[0] != (store.Credential{SSID: "barn", Password: "new"}) {
		t.Fatalf("saved credentials = %+v", creds.creds)
	}
	if creds.timezone != "-03:00" || tz != "-03:00" {
		t.Fatalf("timezone saved %q applied %q", creds.timezone, tz)
	}
	if m.State() != StationConnected {
		t.Fatalf("state = %s", m.State())
	}
}

func TestEnsureStationPortalCancelled(t *testing.T) {
	t.Parallel()

	st := &fakeStation{}
	portal := &fakePortal{err: context.Canceled}
	m := NewManager(testConfig(), st, &fakeSession{}, &memCreds{}, portal, nil, nil, nil)

	err := m.EnsureStation(context.Background())
	if !errors.Is(err, network.ErrAssociation) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if st.apStops != 1 {
		t.Fatalf("access point stops = %d", st.apStops)
	}
	if m.State() != Disconnected {
		t.Fatalf("state = %s", m.State())
	}
}

func TestEnsureStationAlreadyUp(t *testing.T) {
	t.Parallel()

	st := &fakeStation{up: true}
	m := NewManager(testConfig(), st, &fakeSession{}, &memCreds{}, &fakePortal{}, nil, nil, nil)
	if err := m.EnsureStation(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(st.joins) != 0 || m.State() != StationConnected {
		t.Fatalf("joins = %v state = %s", st.joins, m.State())
	}
}

func TestStartConnectsBroker(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{}
	synced := 0
	m := NewManager(testConfig(), &fakeStation{up: true}, sess, &memCreds{}, nil, syncFunc(func() { synced++ }), nil, nil)
	if err := m.Start(context.Background(), 5); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !m.Usable() || m.State() != BrokerConnected {
		t.Fatalf("state = %s", m.State())
	}
	if synced != 1 {
		t.Fatalf("time sync ran %d times", synced)
	}
}

type syncFunc func()

func (f syncFunc) Sync(context.Context, int) bool {
	f()
	return true
}

func TestBrokerFailureDropsToDisconnected(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{connectErr: errors.New("refused")}
	m := NewManager(testConfig(), &fakeStation{up: true}, sess, &memCreds{}, nil, nil, nil, nil)
	if err := m.EnsureStation(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.ConnectBroker(context.Background()); err == nil {
		t.Fatal("ConnectBroker should fail")
	}
	if m.State() != Disconnected || m.Usable() {
		t.Fatalf("state = %s", m.State())
	}
}

func TestConnectBrokerRequiresStation(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{}
	m := NewManager(testConfig(), &fakeStation{}, sess, &memCreds{}, nil, nil, nil, nil)
	if err := m.ConnectBroker(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
	if sess.connects != 0 {
		t.Fatal("broker dialed without a station")
	}
}

func TestPollHealthRateLimited(t *testing.T) {
	t.Parallel()

	st := &fakeStation{up: true}
	sess := &fakeSession{}
	m := NewManager(testConfig(), st, sess, &memCreds{}, nil, nil, nil, nil)

	now := time.Unix(1000, 0)
	if !m.PollHealth(context.Background(), now) {
		t.Fatal("first poll should connect the broker")
	}
	checks := st.checks
	m.PollHealth(context.Background(), now.Add(5*time.Second))
	if st.checks != checks {
		t.Fatal("health checked inside the interval")
	}
	m.PollHealth(context.Background(), now.Add(10*time.Second))
	if st.checks != checks+1 {
		t.Fatal("health not checked after the interval")
	}
}

func TestPollHealthReconnectsBroker(t *testing.T) {
	t.Parallel()

	st := &fakeStation{up: true}
	sess := &fakeSession{}
	m := NewManager(testConfig(), st, sess, &memCreds{}, nil, nil, nil, nil)
	now := time.Unix(1000, 0)
	m.PollHealth(context.Background(), now)

	sess.up = false
	if m.Usable() {
		t.Fatal("lost session should not be usable")
	}
	if !m.PollHealth(context.Background(), now.Add(time.Minute)) {
		t.Fatal("poll should restore the session")
	}
	if sess.connects != 2 {
		t.Fatalf("connects = %d", sess.connects)
	}
}

func TestPollHealthSkipsPortalByDefault(t *testing.T) {
	t.Parallel()

	st := &fakeStation{}
	portal := &fakePortal{}
	m := NewManager(testConfig(), st, &fakeSession{}, &memCreds{}, portal, nil, nil, nil)
	if m.PollHealth(context.Background(), time.Unix(1000, 0)) {
		t.Fatal("poll without a link should not be usable")
	}
	if portal.runs != 0 {
		t.Fatal("portal opened during a health check")
	}
	if m.State() != Disconnected {
		t.Fatalf("state = %s", m.State())
	}
}

func connected(t *testing.T, sess *fakeSession) *Manager {
	t.Helper()
	m := NewManager(testConfig(), &fakeStation{up: true}, sess, &memCreds{}, nil, nil, nil, nil)
	if err := m.Start(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestPublishEncodesJSON(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{}
	m := connected(t, sess)
	if err := m.Publish("t", 0, map[string]any{"ph": 6.5}); err != nil {
		t.Fatal(err)
	}
	if err := m.Publish("t", 0, "raw"); err != nil {
		t.Fatal(err)
	}
	if string(sess.published[0]) != `{"ph":6.5}` || string(sess.published[1]) != "raw" {
		t.Fatalf("published %q", sess.published)
	}
}

func TestPublishNotConnected(t *testing.T) {
	t.Parallel()

	m := NewManager(testConfig(), &fakeStation{}, &fakeSession{}, &memCreds{}, nil, nil, nil, nil)
	if err := m.Publish("t", 0, "x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
}

func TestPublishRetriesOnce(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{publishErrs: []error{errors.New("broken pipe")}}
	m := connected(t, sess)
	if err := m.Publish("t", 0, "x"); err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
	if sess.connects != 2 || len(sess.published) != 1 {
		t.Fatalf("connects = %d published = %d", sess.connects, len(sess.published))
	}
	if m.State() != BrokerConnected {
		t.Fatalf("state = %s", m.State())
	}
}

func TestPublishFailsAfterRetry(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{publishErrs: []error{errors.New("broken pipe"), errors.New("still broken")}}
	m := connected(t, sess)
	err := m.Publish("t", 0, "x")
	if !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("err = %v", err)
	}
	if m.State() != Disconnected {
		t.Fatalf("state = %s", m.State())
	}
	if sess.connects != 2 {
		t.Fatalf("connects = %d, want exactly one reconnect", sess.connects)
	}
}

func TestReceiveOnlyWhenUsable(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{inbox: []broker.Message{{Topic: "c", Payload: []byte("{}")}}}
	m := NewManager(testConfig(), &fakeStation{up: true}, sess, &memCreds{}, nil, nil, nil, nil)
	if _, ok := m.Receive(); ok {
		t.Fatal("received before the broker session was up")
	}
	if err := m.Start(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if msg, ok := m.Receive(); !ok || msg.Topic != "c" {
		t.Fatalf("Receive = %+v, %v", msg, ok)
	}

	m.Close()
	if !sess.disconnected || m.State() != Disconnected {
		t.Fatal("Close should drop the session")
	}
}

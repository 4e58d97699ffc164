package transport_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"geminize/internal/domain"
	"geminize/internal/transport"
)

type fakeCharacteristic struct {
	id       string
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	handler  func([]byte)
	unsubbed bool
}

func (c *fakeCharacteristic) ID() string { return c.id }

func (c *fakeCharacteristic) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeCharacteristic) Subscribe(_ context.Context, handler func([]byte)) (func() error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
	return func() error {
		c.mu.Lock()
		c.unsubbed = true
		c.mu.Unlock()
		return nil
	}, nil
}

func (c *fakeCharacteristic) notify(payload []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(payload)
	}
}

type fakeService struct {
	id    string
	chars []transport.Characteristic
}

func (s *fakeService) ID() string { return s.id }

func (s *fakeService) Characteristics(_ context.Context) ([]transport.Characteristic, error) {
	if len(s.chars) == 0 {
		return nil, errors.New("no characteristics")
	}
	return s.chars, nil
}

func (s *fakeService) Characteristic(_ context.Context, id string) (transport.Characteristic, error) {
	for _, c := range s.chars {
		if c.ID() == id {
			return c, nil
		}
	}
	if id == s.id {
		return &fakeCharacteristic{id: id}, nil
	}
	return nil, errors.New("characteristic not found")
}

type fakeLink struct {
	services     map[string]*fakeService
	onDisconnect func(error)
	disconnects  int
}

func (l *fakeLink) PrimaryService(_ context.Context, id string) (transport.Service, error) {
	if s, ok := l.services[id]; ok {
		return s, nil
	}
	return nil, errors.New("service not found: " + id)
}

func (l *fakeLink) OnDisconnect(handler func(error)) { l.onDisconnect = handler }

func (l *fakeLink) Disconnect(_ context.Context) error {
	l.disconnects++
	return nil
}

type fakeAdapter struct {
	availability transport.Availability
	link         *fakeLink
	scans        []transport.ScanFilter
	scanErr      error
}

func (a *fakeAdapter) CheckAvailability(_ context.Context) transport.Availability {
	return a.availability
}

func (a *fakeAdapter) Scan(_ context.Context, filter transport.ScanFilter) (transport.Peripheral, error) {
	a.scans = append(a.scans, filter)
	if a.scanErr != nil {
		return transport.Peripheral{}, a.scanErr
	}
	return transport.Peripheral{ID: "AA:BB", Name: "GEMINIZE-01"}, nil
}

func (a *fakeAdapter) Connect(_ context.Context, _ transport.Peripheral) (transport.Link, error) {
	return a.link, nil
}

func newFixture() (*fakeAdapter, *fakeCharacteristic) {
	char := &fakeCharacteristic{id: "ffe1"}
	adapter := &fakeAdapter{
		availability: transport.Availability{Available: true},
		link: &fakeLink{services: map[string]*fakeService{
			"ffe0": {id: "ffe0", chars: []transport.Characteristic{char}},
		}},
	}
	return adapter, char
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSession_ConnectRequiresServiceID(t *testing.T) {
	adapter, _ := newFixture()
	session := transport.NewSession(adapter, "", discardLogger())

	for _, ids := range [][]string{nil, {}, {""}, {"", "ffe0"}} {
		err := session.Connect(context.Background(), transport.ConnectOptions{ServiceIDs: ids})
		if !errors.Is(err, domain.ErrMissingServiceID) {
			t.Errorf("ids %v: got %v, want ErrMissingServiceID", ids, err)
		}
	}
	if len(adapter.scans) != 0 {
		t.Errorf("scans: got %d, want 0", len(adapter.scans))
	}
	if got := session.Status().State; got != transport.StateDisconnected {
		t.Errorf("state: got %s, want disconnected", got)
	}
}

func TestSession_ConnectAndWrite(t *testing.T) {
	adapter, char := newFixture()
	session := transport.NewSession(adapter, "", discardLogger())

	var states []transport.State
	session.OnStatusChange(func(s transport.Status) { states = append(states, s.State) })

	if err := session.Connect(context.Background(), transport.ConnectOptions{DeviceName: "GEMINIZE", ServiceIDs: []string{"ffe0"}}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	want := []transport.State{transport.StateScanning, transport.StateConnecting, transport.StateConnected}
	if len(states) != len(want) {
		t.Fatalf("transitions: got %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("transition %d: got %s, want %s", i, states[i], want[i])
		}
	}

	if adapter.scans[0].NamePrefix != "GEMINIZE" {
		t.Errorf("scan filter: got %q, want GEMINIZE", adapter.scans[0].NamePrefix)
	}

	status := session.Status()
	if status.CharacteristicID != "ffe1" || status.ServiceID != "ffe0" {
		t.Errorf("handles: got %s/%s, want ffe0/ffe1", status.ServiceID, status.CharacteristicID)
	}

	if err := session.SendRelay(context.Background(), 2, domain.RelayOn); err != nil {
		t.Fatalf("send relay: %v", err)
	}
	if len(char.writes) != 1 || !bytes.Equal(char.writes[0], []byte{2, 0}) {
		t.Errorf("writes: got %v, want [[2 0]]", char.writes)
	}
}

func TestSession_ConnectFallsBackAcrossServiceIDs(t *testing.T) {
	adapter, _ := newFixture()
	adapter.link.services["ffe5"] = &fakeService{id: "ffe5"}
	session := transport.NewSession(adapter, "", discardLogger())

	err := session.Connect(context.Background(), transport.ConnectOptions{ServiceIDs: []string{"abcd", "ffe5"}})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	// ffe5 enumerates nothing, so the characteristic named after the service is used.
	if got := session.Status().CharacteristicID; got != "ffe5" {
		t.Errorf("characteristic: got %s, want ffe5", got)
	}
}

func TestSession_ConnectPropagatesLastError(t *testing.T) {
	adapter, _ := newFixture()
	session := transport.NewSession(adapter, "", discardLogger())

	err := session.Connect(context.Background(), transport.ConnectOptions{ServiceIDs: []string{"aaaa", "bbbb"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("bbbb")) {
		t.Errorf("error should mention last candidate: %v", err)
	}
	if adapter.link.disconnects != 1 {
		t.Errorf("link disconnects: got %d, want 1", adapter.link.disconnects)
	}
	if got := session.Status().State; got != transport.StateDisconnected {
		t.Errorf("state: got %s, want disconnected", got)
	}
}

func TestSession_WriteRequiresConnection(t *testing.T) {
	adapter, _ := newFixture()
	session := transport.NewSession(adapter, "", discardLogger())

	if err := session.Write(context.Background(), []byte{1}); !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
}

func TestSession_WriteFailureKeepsConnection(t *testing.T) {
	adapter, char := newFixture()
	session := transport.NewSession(adapter, "", discardLogger())
	if err := session.Connect(context.Background(), transport.ConnectOptions{ServiceIDs: []string{"ffe0"}}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	char.writeErr = errors.New("gatt busy")
	if err := session.SendColor(context.Background(), "#00FF00"); err == nil {
		t.Fatal("expected write error")
	}
	if !session.IsConnected() {
		t.Error("write failure should not change connection state")
	}
}

func TestSession_HardwareDisconnectClearsHandles(t *testing.T) {
	adapter, char := newFixture()
	session := transport.NewSession(adapter, "", discardLogger())
	if err := session.Connect(context.Background(), transport.ConnectOptions{ServiceIDs: []string{"ffe0"}}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := session.SubscribeTemperature(context.Background(), func(float64) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	adapter.link.onDisconnect(errors.New("out of range"))

	status := session.Status()
	if status.State != transport.StateDisconnected {
		t.Errorf("state: got %s, want disconnected", status.State)
	}
	if status.CharacteristicID != "" || status.ServiceID != "" {
		t.Errorf("handles not cleared: %+v", status)
	}
	if !char.unsubbed {
		t.Error("telemetry subscription should be released")
	}
	if err := session.Write(context.Background(), []byte{1}); !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("write after disconnect: got %v, want ErrNotConnected", err)
	}
}

func TestSession_DisconnectIsIdempotent(t *testing.T) {
	adapter, _ := newFixture()
	session := transport.NewSession(adapter, "", discardLogger())
	if err := session.Connect(context.Background(), transport.ConnectOptions{ServiceIDs: []string{"ffe0"}}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := session.Disconnect(context.Background()); err != nil {
			t.Fatalf("disconnect %d: %v", i, err)
		}
		if got := session.Status().State; got != transport.StateDisconnected {
			t.Errorf("disconnect %d: state %s", i, got)
		}
	}

	// A late hardware notification for the closed link is ignored.
	adapter.link.onDisconnect(nil)
	if got := session.Status().State; got != transport.StateDisconnected {
		t.Errorf("state after late event: got %s", got)
	}
	if adapter.link.disconnects != 1 {
		t.Errorf("link disconnects: got %d, want 1", adapter.link.disconnects)
	}
}

func TestSession_ProbeUnavailable(t *testing.T) {
	adapter, _ := newFixture()
	adapter.availability = transport.Availability{Available: false, Reason: transport.ReasonPermission}
	session := transport.NewSession(adapter, "", discardLogger())

	if err := session.Probe(context.Background()); !errors.Is(err, domain.ErrCapabilityUnavailable) {
		t.Fatalf("probe: got %v, want ErrCapabilityUnavailable", err)
	}
	status := session.Status()
	if status.State != transport.StateUnavailable || status.Reason != transport.ReasonPermission {
		t.Errorf("status: got %+v", status)
	}

	err := session.Connect(context.Background(), transport.ConnectOptions{ServiceIDs: []string{"ffe0"}})
	if !errors.Is(err, domain.ErrCapabilityUnavailable) {
		t.Errorf("connect while unavailable: got %v", err)
	}

	adapter.availability = transport.Availability{Available: true}
	if err := session.Probe(context.Background()); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if got := session.Status().State; got != transport.StateDisconnected {
		t.Errorf("state after recovery: got %s", got)
	}
}

func TestSession_TemperatureTelemetry(t *testing.T) {
	adapter, char := newFixture()
	session := transport.NewSession(adapter, "", discardLogger())
	if err := session.Connect(context.Background(), transport.ConnectOptions{ServiceIDs: []string{"ffe0"}}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var got []float64
	if err := session.SubscribeTemperature(context.Background(), func(v float64) { got = append(got, v) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	char.notify([]byte("22.5"))
	char.notify([]byte("garbage"))
	char.notify([]byte("-4"))

	if len(got) != 2 || got[0] != 22.5 || got[1] != -4 {
		t.Errorf("readings: got %v, want [22.5 -4]", got)
	}
}

func TestSession_ScanFailureReturnsToDisconnected(t *testing.T) {
	adapter, _ := newFixture()
	adapter.scanErr = errors.New("user cancelled chooser")
	session := transport.NewSession(adapter, "", discardLogger())

	if err := session.Connect(context.Background(), transport.ConnectOptions{ServiceIDs: []string{"ffe0"}}); err == nil {
		t.Fatal("expected error")
	}
	if got := session.Status().State; got != transport.StateDisconnected {
		t.Errorf("state: got %s, want disconnected", got)
	}
}

type gatedAdapter struct {
	*fakeAdapter
	scanning chan struct{}
	release  chan struct{}
}

func (a *gatedAdapter) Scan(ctx context.Context, filter transport.ScanFilter) (transport.Peripheral, error) {
	close(a.scanning)
	<-a.release
	return a.fakeAdapter.Scan(ctx, filter)
}

func TestSession_ConnectRejectsReentry(t *testing.T) {
	inner, _ := newFixture()
	adapter := &gatedAdapter{fakeAdapter: inner, scanning: make(chan struct{}), release: make(chan struct{})}
	session := transport.NewSession(adapter, "", discardLogger())
	opts := transport.ConnectOptions{ServiceIDs: []string{"ffe0"}}

	done := make(chan error, 1)
	go func() { done <- session.Connect(context.Background(), opts) }()
	<-adapter.scanning

	if err := session.Connect(context.Background(), opts); !errors.Is(err, domain.ErrConnectInProgress) {
		t.Errorf("second connect: got %v, want ErrConnectInProgress", err)
	}

	close(adapter.release)
	if err := <-done; err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if !session.IsConnected() {
		t.Error("first connect should complete")
	}
}

type relinkAdapter struct {
	*fakeAdapter
	links []*fakeLink
}

func (a *relinkAdapter) Connect(_ context.Context, _ transport.Peripheral) (transport.Link, error) {
	link := &fakeLink{services: a.fakeAdapter.link.services}
	a.links = append(a.links, link)
	return link, nil
}

func TestSession_IgnoresEventsFromEarlierLink(t *testing.T) {
	inner, _ := newFixture()
	adapter := &relinkAdapter{fakeAdapter: inner}
	session := transport.NewSession(adapter, "", discardLogger())
	opts := transport.ConnectOptions{ServiceIDs: []string{"ffe0"}}

	for i := 0; i < 2; i++ {
		if err := session.Connect(context.Background(), opts); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
		if i == 0 {
			if err := session.Disconnect(context.Background()); err != nil {
				t.Fatalf("disconnect: %v", err)
			}
		}
	}

	adapter.links[0].onDisconnect(errors.New("stale"))
	if !session.IsConnected() {
		t.Error("event from the first link must not drop the second connection")
	}

	adapter.links[1].onDisconnect(errors.New("out of range"))
	if session.IsConnected() {
		t.Error("event from the current link should disconnect")
	}
}

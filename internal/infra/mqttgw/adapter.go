package mqttgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"geminize/internal/transport"
)

const (
	defaultRequestTimeout = 5 * time.Second
	defaultScanTimeout    = 15 * time.Second
	statusWait            = 2 * time.Second
)

var ErrGatewayTimeout = errors.New("gateway did not reply in time")

type gatewayStatus struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type request struct {
	ID               string   `json:"id"`
	ReplyTo          string   `json:"replyTo"`
	NamePrefix       string   `json:"namePrefix,omitempty"`
	ServiceIDs       []string `json:"serviceIds,omitempty"`
	TimeoutMS        int64    `json:"timeoutMs,omitempty"`
	ServiceID        string   `json:"serviceId,omitempty"`
	CharacteristicID string   `json:"characteristicId,omitempty"`
	Enable           *bool    `json:"enable,omitempty"`
	Data             []byte   `json:"data,omitempty"`
}

type reply struct {
	ID              string   `json:"id"`
	OK              bool     `json:"ok"`
	Error           string   `json:"error,omitempty"`
	DeviceID        string   `json:"deviceId,omitempty"`
	DeviceName      string   `json:"deviceName,omitempty"`
	Characteristics []string `json:"characteristics,omitempty"`
}

type stateEvent struct {
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}

type AdapterConfig struct {
	ClientID       string
	Topics         Topics
	RequestTimeout time.Duration
	ScanTimeout    time.Duration
}

// Adapter implements transport.Adapter on top of the gateway protocol.
// Requests carry a uuid and a reply topic; replies are matched by id.
type Adapter struct {
	broker Broker
	cfg    AdapterConfig
	logger *slog.Logger

	mu          sync.Mutex
	pending     map[string]chan reply
	status      *gatewayStatus
	statusReady chan struct{}
	statusOnce  sync.Once
	links       map[string]*link
}

func NewAdapter(broker Broker, cfg AdapterConfig, logger *slog.Logger) *Adapter {
	if cfg.ClientID == "" {
		cfg.ClientID = "geminize-" + uuid.NewString()[:8]
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = defaultScanTimeout
	}
	return &Adapter{
		broker:      broker,
		cfg:         cfg,
		logger:      logger,
		pending:     make(map[string]chan reply),
		statusReady: make(chan struct{}),
		links:       make(map[string]*link),
	}
}

// Start subscribes to gateway status and this client's reply topic.
func (a *Adapter) Start() error {
	if err := a.broker.Subscribe(a.cfg.Topics.GatewayStatus(), 1, a.handleStatus); err != nil {
		return fmt.Errorf("subscribing to gateway status: %w", err)
	}
	if err := a.broker.Subscribe(a.cfg.Topics.Reply(a.cfg.ClientID), 1, a.handleReply); err != nil {
		return fmt.Errorf("subscribing to replies: %w", err)
	}
	return nil
}

func (a *Adapter) handleStatus(_ string, payload []byte) {
	var st gatewayStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		a.logger.Warn("invalid gateway status", "error", err)
		return
	}
	a.mu.Lock()
	a.status = &st
	a.mu.Unlock()
	a.statusOnce.Do(func() { close(a.statusReady) })
}

func (a *Adapter) handleReply(_ string, payload []byte) {
	var r reply
	if err := json.Unmarshal(payload, &r); err != nil {
		a.logger.Warn("invalid gateway reply", "error", err)
		return
	}
	a.mu.Lock()
	ch, ok := a.pending[r.ID]
	delete(a.pending, r.ID)
	a.mu.Unlock()
	if !ok {
		a.logger.Debug("reply for unknown request", "id", r.ID)
		return
	}
	ch <- r
}

func (a *Adapter) CheckAvailability(ctx context.Context) transport.Availability {
	if !a.broker.IsConnected() {
		return transport.Availability{Reason: transport.ReasonOther, Detail: "gateway broker not connected"}
	}

	wait, cancel := context.WithTimeout(ctx, statusWait)
	defer cancel()
	select {
	case <-a.statusReady:
	case <-wait.Done():
		return transport.Availability{Reason: transport.ReasonOther, Detail: "no status from gateway"}
	}

	a.mu.Lock()
	st := *a.status
	a.mu.Unlock()

	if st.Available {
		return transport.Availability{Available: true}
	}
	reason := transport.UnavailableReason(st.Reason)
	switch reason {
	case transport.ReasonPermission, transport.ReasonUnsupported:
	default:
		reason = transport.ReasonOther
	}
	return transport.Availability{Reason: reason, Detail: st.Detail}
}

func (a *Adapter) Scan(ctx context.Context, filter transport.ScanFilter) (transport.Peripheral, error) {
	r, err := a.call(ctx, a.cfg.Topics.Scan(), request{
		NamePrefix: filter.NamePrefix,
		ServiceIDs: filter.ServiceIDs,
		TimeoutMS:  a.cfg.ScanTimeout.Milliseconds(),
	}, a.cfg.ScanTimeout+a.cfg.RequestTimeout)
	if err != nil {
		return transport.Peripheral{}, err
	}
	if r.DeviceID == "" {
		return transport.Peripheral{}, fmt.Errorf("gateway scan returned no device")
	}
	return transport.Peripheral{ID: r.DeviceID, Name: r.DeviceName}, nil
}

func (a *Adapter) Connect(ctx context.Context, p transport.Peripheral) (transport.Link, error) {
	l := &link{adapter: a, addr: p.ID}

	// Subscribe to state first so a drop right after connect is not missed.
	if err := a.broker.Subscribe(a.cfg.Topics.State(p.ID), 1, l.handleState); err != nil {
		return nil, fmt.Errorf("subscribing to link state: %w", err)
	}
	if _, err := a.call(ctx, a.cfg.Topics.Device(p.ID, "connect"), request{}, a.cfg.RequestTimeout); err != nil {
		_ = a.broker.Unsubscribe(a.cfg.Topics.State(p.ID))
		return nil, err
	}

	a.mu.Lock()
	a.links[p.ID] = l
	a.mu.Unlock()
	return l, nil
}

// call publishes req with a fresh id and waits for the matching reply.
func (a *Adapter) call(ctx context.Context, topic string, req request, timeout time.Duration) (reply, error) {
	req.ID = uuid.NewString()
	req.ReplyTo = a.cfg.Topics.Reply(a.cfg.ClientID)

	ch := make(chan reply, 1)
	a.mu.Lock()
	a.pending[req.ID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, req.ID)
		a.mu.Unlock()
	}()

	payload, err := json.Marshal(req)
	if err != nil {
		return reply{}, fmt.Errorf("encoding request: %w", err)
	}
	if err := a.broker.Publish(topic, 1, false, payload); err != nil {
		return reply{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-timer.C:
		return reply{}, fmt.Errorf("%w: %s", ErrGatewayTimeout, topic)
	case r := <-ch:
		if !r.OK {
			return r, fmt.Errorf("gateway: %s", r.Error)
		}
		return r, nil
	}
}

func (a *Adapter) forget(addr string) {
	a.mu.Lock()
	delete(a.links, addr)
	a.mu.Unlock()
}

type link struct {
	adapter *Adapter
	addr    string

	mu           sync.Mutex
	onDisconnect func(error)
	closed       bool
}

func (l *link) handleState(_ string, payload []byte) {
	var ev stateEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		l.adapter.logger.Warn("invalid link state", "device", l.addr, "error", err)
		return
	}
	if ev.Connected {
		return
	}

	l.mu.Lock()
	handler := l.onDisconnect
	already := l.closed
	l.closed = true
	l.mu.Unlock()

	if already {
		return
	}
	reason := ev.Reason
	if reason == "" {
		reason = "peripheral disconnected"
	}
	// Broker callbacks must not wait on tokens, and both the unsubscribe
	// and the session teardown do.
	go l.teardown(handler, errors.New(reason))
}

func (l *link) teardown(handler func(error), cause error) {
	l.adapter.forget(l.addr)
	if err := l.adapter.broker.Unsubscribe(l.adapter.cfg.Topics.State(l.addr)); err != nil {
		l.adapter.logger.Warn("releasing link state topic", "device", l.addr, "error", err)
	}
	if handler != nil {
		handler(cause)
	}
}

func (l *link) OnDisconnect(handler func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDisconnect = handler
}

func (l *link) PrimaryService(ctx context.Context, serviceID string) (transport.Service, error) {
	r, err := l.adapter.call(ctx, l.adapter.cfg.Topics.Device(l.addr, "services"), request{ServiceID: serviceID}, l.adapter.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return &service{link: l, id: serviceID, characteristics: r.Characteristics}, nil
}

func (l *link) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.adapter.forget(l.addr)
	if err := l.adapter.broker.Unsubscribe(l.adapter.cfg.Topics.State(l.addr)); err != nil {
		l.adapter.logger.Warn("releasing link state topic", "device", l.addr, "error", err)
	}
	if _, err := l.adapter.call(ctx, l.adapter.cfg.Topics.Device(l.addr, "disconnect"), request{}, l.adapter.cfg.RequestTimeout); err != nil {
		return fmt.Errorf("disconnecting %s: %w", l.addr, err)
	}
	return nil
}

type service struct {
	link            *link
	id              string
	characteristics []string
}

func (s *service) ID() string { return s.id }

func (s *service) Characteristics(_ context.Context) ([]transport.Characteristic, error) {
	out := make([]transport.Characteristic, 0, len(s.characteristics))
	for _, id := range s.characteristics {
		out = append(out, &characteristic{service: s, id: id})
	}
	return out, nil
}

func (s *service) Characteristic(_ context.Context, id string) (transport.Characteristic, error) {
	for _, c := range s.characteristics {
		if c == id {
			return &characteristic{service: s, id: id}, nil
		}
	}
	return nil, fmt.Errorf("characteristic %s not found on service %s", id, s.id)
}

type characteristic struct {
	service *service
	id      string
}

func (c *characteristic) ID() string { return c.id }

// Write publishes the payload without waiting for a gateway reply.
func (c *characteristic) Write(_ context.Context, data []byte) error {
	l := c.service.link
	payload, err := json.Marshal(request{
		ID:               uuid.NewString(),
		ServiceID:        c.service.id,
		CharacteristicID: c.id,
		Data:             data,
	})
	if err != nil {
		return fmt.Errorf("encoding write: %w", err)
	}
	return l.adapter.broker.Publish(l.adapter.cfg.Topics.Device(l.addr, "write"), 1, false, payload)
}

func (c *characteristic) Subscribe(ctx context.Context, handler func(payload []byte)) (func() error, error) {
	l := c.service.link
	a := l.adapter
	topic := a.cfg.Topics.Notify(l.addr, c.id)

	if err := a.broker.Subscribe(topic, 0, func(_ string, payload []byte) { handler(payload) }); err != nil {
		return nil, fmt.Errorf("subscribing to notifications: %w", err)
	}
	enable := true
	if _, err := a.call(ctx, a.cfg.Topics.Device(l.addr, "subscribe"), request{
		ServiceID:        c.service.id,
		CharacteristicID: c.id,
		Enable:           &enable,
	}, a.cfg.RequestTimeout); err != nil {
		_ = a.broker.Unsubscribe(topic)
		return nil, err
	}

	return func() error {
		return a.broker.Unsubscribe(topic)
	}, nil
}

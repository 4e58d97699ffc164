// Package transport owns the single wireless link to the accessory controller.
//
// A Session is created once per process and handed to every collaborator
// that needs the hardware. It moves through
//
//	unavailable | disconnected -> scanning -> connecting -> connected
//
// and only two things take it back to disconnected: an explicit Disconnect,
// or the link's own disconnect notification. It never reconnects by itself.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"geminize/internal/codec"
	"geminize/internal/domain"
)

type State string

const (
	StateUnavailable  State = "unavailable"
	StateDisconnected State = "disconnected"
	StateScanning     State = "scanning"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Status is the snapshot exposed to the UI as bluetoothStatus.
type Status struct {
	State            State             `json:"state"`
	Reason           UnavailableReason `json:"reason,omitempty"`
	Detail           string            `json:"detail,omitempty"`
	DeviceID         string            `json:"deviceId,omitempty"`
	DeviceName       string            `json:"deviceName,omitempty"`
	ServiceID        string            `json:"serviceId,omitempty"`
	CharacteristicID string            `json:"characteristicId,omitempty"`
}

func (s Status) IsConnected() bool {
	return s.State == StateConnected
}

type ConnectOptions struct {
	// DeviceName is used as a name-prefix scan filter when known.
	DeviceName string
	// ServiceIDs are tried in order; the first one is required.
	ServiceIDs []string
}

type Session struct {
	adapter                   Adapter
	telemetryCharacteristicID string
	logger                    *slog.Logger

	mu             sync.Mutex
	state          State
	reason         UnavailableReason
	detail         string
	device         Peripheral
	link           Link
	service        Service
	characteristic Characteristic
	generation     uint64
	lostOnConnect  bool
	unsubscribers  []func() error

	listenersMu sync.RWMutex
	listeners   []func(Status)
}

func NewSession(adapter Adapter, telemetryCharacteristicID string, logger *slog.Logger) *Session {
	return &Session{
		adapter:                   adapter,
		telemetryCharacteristicID: telemetryCharacteristicID,
		logger:                    logger,
		state:                     StateDisconnected,
	}
}

// OnStatusChange registers fn to receive every status transition.
func (s *Session) OnStatusChange(fn func(Status)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected
}

func (s *Session) statusLocked() Status {
	st := Status{
		State:      s.state,
		Reason:     s.reason,
		Detail:     s.detail,
		DeviceID:   s.device.ID,
		DeviceName: s.device.Name,
	}
	if s.service != nil {
		st.ServiceID = s.service.ID()
	}
	if s.characteristic != nil {
		st.CharacteristicID = s.characteristic.ID()
	}
	return st
}

// Probe checks whether the platform can use the transport at all.
func (s *Session) Probe(ctx context.Context) error {
	av := s.adapter.CheckAvailability(ctx)

	s.mu.Lock()
	var err error
	if !av.Available {
		reason := av.Reason
		if reason == "" {
			reason = ReasonOther
		}
		s.state = StateUnavailable
		s.reason = reason
		s.detail = av.Detail
		err = fmt.Errorf("%w: %s", domain.ErrCapabilityUnavailable, reason)
	} else if s.state == StateUnavailable {
		s.state = StateDisconnected
		s.reason = ""
		s.detail = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("transport unavailable", "reason", av.Reason, "detail", av.Detail)
	}
	s.notify()
	return err
}

func (s *Session) Connect(ctx context.Context, opts ConnectOptions) error {
	serviceIDs := compactIDs(opts.ServiceIDs)
	if len(opts.ServiceIDs) == 0 || opts.ServiceIDs[0] == "" || len(serviceIDs) == 0 {
		return domain.ErrMissingServiceID
	}

	s.mu.Lock()
	switch s.state {
	case StateUnavailable:
		reason := s.reason
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrCapabilityUnavailable, reason)
	case StateScanning, StateConnecting:
		s.mu.Unlock()
		return domain.ErrConnectInProgress
	case StateConnected:
		s.mu.Unlock()
		s.logger.Debug("connect requested while already connected")
		return nil
	}
	s.generation++
	gen := s.generation
	s.lostOnConnect = false
	s.state = StateScanning
	s.device = Peripheral{Name: opts.DeviceName}
	s.mu.Unlock()
	s.notify()

	s.logger.Info("scanning for controller", "name_prefix", opts.DeviceName, "services", serviceIDs)
	peripheral, err := s.adapter.Scan(ctx, ScanFilter{NamePrefix: opts.DeviceName, ServiceIDs: serviceIDs})
	if err != nil {
		s.reset(gen)
		return fmt.Errorf("scanning for device: %w", err)
	}

	s.mu.Lock()
	s.state = StateConnecting
	s.device = peripheral
	s.mu.Unlock()
	s.notify()

	link, err := s.adapter.Connect(ctx, peripheral)
	if err != nil {
		s.reset(gen)
		return fmt.Errorf("connecting to %s: %w", peripheral.Name, err)
	}
	link.OnDisconnect(func(err error) {
		s.handleDisconnect(gen, err)
	})

	service, characteristic, err := negotiate(ctx, link, serviceIDs, s.logger)
	if err != nil {
		if dErr := link.Disconnect(ctx); dErr != nil {
			s.logger.Warn("closing link after failed negotiation", "error", dErr)
		}
		s.reset(gen)
		return err
	}

	s.mu.Lock()
	if s.generation != gen || s.lostOnConnect {
		s.mu.Unlock()
		s.reset(gen)
		return fmt.Errorf("link lost while negotiating: %w", domain.ErrNotConnected)
	}
	s.link = link
	s.service = service
	s.characteristic = characteristic
	s.state = StateConnected
	s.mu.Unlock()

	s.logger.Info("controller connected",
		"device", peripheral.Name,
		"service", service.ID(),
		"characteristic", characteristic.ID(),
	)
	s.notify()
	return nil
}

// negotiate walks the candidate services in order and returns the first one
// that yields a characteristic. The controller exposes a single writable
// characteristic per service, so the first enumerated one is used.
func negotiate(ctx context.Context, link Link, serviceIDs []string, logger *slog.Logger) (Service, Characteristic, error) {
	var lastErr error
	for _, id := range serviceIDs {
		service, err := link.PrimaryService(ctx, id)
		if err != nil {
			lastErr = fmt.Errorf("getting primary service %s: %w", id, err)
			logger.Debug("service negotiation failed", "service", id, "error", err)
			continue
		}

		characteristic, err := pickCharacteristic(ctx, service)
		if err != nil {
			lastErr = fmt.Errorf("selecting characteristic for %s: %w", id, err)
			logger.Debug("characteristic selection failed", "service", id, "error", err)
			continue
		}
		return service, characteristic, nil
	}
	return nil, nil, lastErr
}

func pickCharacteristic(ctx context.Context, service Service) (Characteristic, error) {
	chars, err := service.Characteristics(ctx)
	if err == nil && len(chars) > 0 {
		return chars[0], nil
	}

	fallback, fbErr := service.Characteristic(ctx, service.ID())
	if fbErr != nil {
		if err != nil {
			return nil, errors.Join(err, fbErr)
		}
		return nil, fbErr
	}
	return fallback, nil
}

func (s *Session) handleDisconnect(gen uint64, cause error) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	if s.state != StateConnected {
		s.lostOnConnect = true
		s.mu.Unlock()
		return
	}
	unsubs := s.clearLocked()
	s.mu.Unlock()

	runUnsubscribers(unsubs, s.logger)
	s.logger.Warn("controller disconnected", "cause", cause)
	s.notify()
}

// Disconnect tears the link down. Calling it when not connected is a no-op.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return nil
	}
	link := s.link
	s.generation++
	unsubs := s.clearLocked()
	s.mu.Unlock()

	runUnsubscribers(unsubs, s.logger)
	s.notify()

	if err := link.Disconnect(ctx); err != nil {
		s.logger.Warn("link disconnect failed", "error", err)
		return fmt.Errorf("disconnecting: %w", err)
	}
	s.logger.Info("controller disconnected by user")
	return nil
}

func (s *Session) clearLocked() []func() error {
	s.state = StateDisconnected
	s.device = Peripheral{}
	s.link = nil
	s.service = nil
	s.characteristic = nil
	unsubs := s.unsubscribers
	s.unsubscribers = nil
	return unsubs
}

func (s *Session) reset(gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.clearLocked()
	s.mu.Unlock()
	s.notify()
}

// Write sends raw bytes without waiting for an acknowledgement. A failed
// write is reported but leaves the connection state alone.
func (s *Session) Write(ctx context.Context, data []byte) error {
	s.mu.Lock()
	characteristic := s.characteristic
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || characteristic == nil {
		return domain.ErrNotConnected
	}
	if err := characteristic.Write(ctx, data); err != nil {
		return fmt.Errorf("writing to characteristic %s: %w", characteristic.ID(), err)
	}
	return nil
}

func (s *Session) SendRelay(ctx context.Context, relayPosition int, state domain.RelayState) error {
	data, err := codec.EncodeRelayCommand(relayPosition, state)
	if err != nil {
		return err
	}
	return s.Write(ctx, data)
}

func (s *Session) SendColor(ctx context.Context, hex string) error {
	data, err := codec.EncodeColorCommand(hex)
	if err != nil {
		return err
	}
	return s.Write(ctx, data)
}

func (s *Session) SendDirect(ctx context.Context, value domain.DirectValue) error {
	data, err := codec.EncodeDirectCommand(value)
	if err != nil {
		return err
	}
	return s.Write(ctx, data)
}

// SubscribeTemperature delivers decoded temperature notifications to handler
// until the session disconnects. Malformed payloads are logged and dropped.
func (s *Session) SubscribeTemperature(ctx context.Context, handler func(celsius float64)) error {
	s.mu.Lock()
	service := s.service
	characteristic := s.characteristic
	connected := s.state == StateConnected
	gen := s.generation
	s.mu.Unlock()

	if !connected {
		return domain.ErrNotConnected
	}

	if s.telemetryCharacteristicID != "" && s.telemetryCharacteristicID != characteristic.ID() {
		c, err := service.Characteristic(ctx, s.telemetryCharacteristicID)
		if err != nil {
			return fmt.Errorf("getting telemetry characteristic: %w", err)
		}
		characteristic = c
	}

	unsubscribe, err := characteristic.Subscribe(ctx, func(payload []byte) {
		value, err := codec.DecodeTemperature(payload)
		if err != nil {
			s.logger.Warn("dropping telemetry value", "error", err)
			return
		}
		handler(value)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", characteristic.ID(), err)
	}

	s.mu.Lock()
	if s.generation != gen || s.state != StateConnected {
		s.mu.Unlock()
		runUnsubscribers([]func() error{unsubscribe}, s.logger)
		return domain.ErrNotConnected
	}
	s.unsubscribers = append(s.unsubscribers, unsubscribe)
	s.mu.Unlock()
	return nil
}

func (s *Session) notify() {
	st := s.Status()
	s.listenersMu.RLock()
	listeners := make([]func(Status), len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(st)
	}
}

func runUnsubscribers(unsubs []func() error, logger *slog.Logger) {
	for _, unsub := range unsubs {
		if err := unsub(); err != nil {
			logger.Debug("unsubscribe failed", "error", err)
		}
	}
}

func compactIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

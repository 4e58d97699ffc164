package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"geminize/internal/transport"
)

// TelemetrySource is the part of the transport session that produces readings.
type TelemetrySource interface {
	OnStatusChange(fn func(transport.Status))
	SubscribeTemperature(ctx context.Context, handler func(celsius float64)) error
}

type TemperatureReading struct {
	DeviceID string    `json:"deviceId"`
	Celsius  float64   `json:"celsius"`
	At       time.Time `json:"at"`
}

// TelemetryRecorder subscribes to temperature every time the session
// connects and forwards readings to the sink and observers.
type TelemetryRecorder struct {
	source TelemetrySource
	sink   TemperatureSink
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	connected bool
	deviceID  string
	latest    *TemperatureReading
	observers []func(TemperatureReading)
}

func NewTelemetryRecorder(source TelemetrySource, sink TemperatureSink, logger *slog.Logger) *TelemetryRecorder {
	return &TelemetryRecorder{
		source: source,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

func (r *TelemetryRecorder) OnReading(fn func(TemperatureReading)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *TelemetryRecorder) Latest() (TemperatureReading, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == nil {
		return TemperatureReading{}, false
	}
	return *r.latest, true
}

// Attach hooks the recorder to session status changes. ctx bounds every
// subscription made afterwards.
func (r *TelemetryRecorder) Attach(ctx context.Context) {
	r.source.OnStatusChange(func(st transport.Status) {
		r.mu.Lock()
		wasConnected := r.connected
		r.connected = st.IsConnected()
		if r.connected {
			r.deviceID = st.DeviceID
		}
		r.mu.Unlock()

		if !r.connected || wasConnected {
			return
		}
		go r.subscribe(ctx)
	})
}

func (r *TelemetryRecorder) subscribe(ctx context.Context) {
	if err := r.source.SubscribeTemperature(ctx, func(celsius float64) {
		r.record(ctx, celsius)
	}); err != nil {
		r.logger.Warn("subscribing to temperature", "error", err)
	}
}

func (r *TelemetryRecorder) record(ctx context.Context, celsius float64) {
	r.mu.Lock()
	reading := TemperatureReading{DeviceID: r.deviceID, Celsius: celsius, At: r.now()}
	r.latest = &reading
	observers := append([]func(TemperatureReading){}, r.observers...)
	r.mu.Unlock()

	if r.sink != nil {
		if err := r.sink.RecordTemperature(ctx, reading.DeviceID, celsius); err != nil {
			r.logger.Warn("recording temperature", "error", err)
		}
	}
	for _, fn := range observers {
		fn(reading)
	}
}

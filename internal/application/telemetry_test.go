package application_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"geminize/internal/application"
	"geminize/internal/transport"
)

type fakeTelemetrySource struct {
	mu         sync.Mutex
	listeners  []func(transport.Status)
	handler    func(float64)
	subscribed chan struct{}
}

func (s *fakeTelemetrySource) OnStatusChange(fn func(transport.Status)) {
	s.listeners = append(s.listeners, fn)
}

func (s *fakeTelemetrySource) SubscribeTemperature(_ context.Context, handler func(float64)) error {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
	s.subscribed <- struct{}{}
	return nil
}

func (s *fakeTelemetrySource) emit(st transport.Status) {
	for _, fn := range s.listeners {
		fn(st)
	}
}

func (s *fakeTelemetrySource) push(celsius float64) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	h(celsius)
}

type fakeSink struct {
	mu       sync.Mutex
	readings []float64
	device   string
}

func (s *fakeSink) RecordTemperature(_ context.Context, deviceID string, celsius float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = deviceID
	s.readings = append(s.readings, celsius)
	return nil
}

func TestTelemetryRecorder_SubscribesOnConnect(t *testing.T) {
	source := &fakeTelemetrySource{subscribed: make(chan struct{}, 4)}
	sink := &fakeSink{}
	rec := application.NewTelemetryRecorder(source, sink, discardLogger())

	var observed []application.TemperatureReading
	rec.OnReading(func(r application.TemperatureReading) { observed = append(observed, r) })
	rec.Attach(context.Background())

	source.emit(transport.Status{State: transport.StateConnecting})
	source.emit(transport.Status{State: transport.StateConnected, DeviceID: "AA:BB"})
	source.emit(transport.Status{State: transport.StateConnected, DeviceID: "AA:BB"})

	select {
	case <-source.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("never subscribed")
	}

	source.push(21.5)

	if len(sink.readings) != 1 || sink.readings[0] != 21.5 || sink.device != "AA:BB" {
		t.Errorf("sink: got %v from %q", sink.readings, sink.device)
	}
	if len(observed) != 1 {
		t.Errorf("observed: got %d, want 1", len(observed))
	}
	latest, ok := rec.Latest()
	if !ok || latest.Celsius != 21.5 {
		t.Errorf("latest: got %+v, %t", latest, ok)
	}

	select {
	case <-source.subscribed:
		t.Error("repeated connected status should not resubscribe")
	case <-time.After(20 * time.Millisecond):
	}

	source.emit(transport.Status{State: transport.StateDisconnected})
	source.emit(transport.Status{State: transport.StateConnected, DeviceID: "AA:BB"})

	select {
	case <-source.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("should resubscribe after reconnect")
	}
}

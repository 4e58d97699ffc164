package application

import (
	"context"

	"geminize/internal/domain"
)

// CommandTransport is the part of the hardware session the store needs.
// *transport.Session satisfies it.
type CommandTransport interface {
	IsConnected() bool
	SendRelay(ctx context.Context, relayPosition int, state domain.RelayState) error
	SendColor(ctx context.Context, hex string) error
}

// RemoteStore persists the user's accessory document.
type RemoteStore interface {
	Fetch(ctx context.Context, userID string) (*domain.Document, error)
	// Update applies patch and returns the authoritative document, or nil
	// when the backend does not echo it.
	Update(ctx context.Context, userID string, patch domain.Patch) (*domain.Document, error)
}

// TemperatureSink receives decoded telemetry readings.
type TemperatureSink interface {
	RecordTemperature(ctx context.Context, deviceID string, celsius float64) error
}

//go:build !portaudio

package audio

import (
	"context"
	"errors"
	"log/slog"
)

// ErrMicrophoneUnavailable is returned by builds without the portaudio tag.
var ErrMicrophoneUnavailable = errors.New(`voice.source "microphone" needs a build with -tags portaudio; use "http" or "file" instead`)

// MicrophoneSource stands in for the capture device and fails on Start.
type MicrophoneSource struct {
	logger *slog.Logger
}

func NewMicrophoneSource(_ int, _ int16, logger *slog.Logger) *MicrophoneSource {
	logger.Warn("microphone capture not compiled in", "error", ErrMicrophoneUnavailable)
	return &MicrophoneSource{logger: logger}
}

func (m *MicrophoneSource) Name() string {
	return "microphone"
}

func (m *MicrophoneSource) Start(_ context.Context) error {
	return ErrMicrophoneUnavailable
}

func (m *MicrophoneSource) Stop() error {
	return nil
}

func (m *MicrophoneSource) NextCommand(_ context.Context) ([]byte, error) {
	return nil, ErrMicrophoneUnavailable
}

//go:build portaudio

package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const framesPerBuffer = 1024

// MicrophoneSource records one utterance per NextCommand call, ending on a
// second of silence or after ten seconds.
type MicrophoneSource struct {
	sampleRate       int
	silenceThreshold int16
	logger           *slog.Logger

	mu     sync.Mutex
	stream *portaudio.Stream
	buffer []int16
}

func NewMicrophoneSource(sampleRate int, silenceThreshold int16, logger *slog.Logger) *MicrophoneSource {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if silenceThreshold <= 0 {
		silenceThreshold = 500
	}
	return &MicrophoneSource{
		sampleRate:       sampleRate,
		silenceThreshold: silenceThreshold,
		logger:           logger,
	}
}

func (m *MicrophoneSource) Name() string {
	return "microphone"
}

func (m *MicrophoneSource) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream != nil {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initializing portaudio: %w", err)
	}

	m.buffer = make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.sampleRate), framesPerBuffer, m.buffer)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("opening stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("starting stream: %w", err)
	}

	m.stream = stream
	m.logger.Info("microphone started", "sampleRate", m.sampleRate)
	return nil
}

func (m *MicrophoneSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream == nil {
		return nil
	}
	m.stream.Stop()
	m.stream.Close()
	m.stream = nil
	return portaudio.Terminate()
}

func (m *MicrophoneSource) NextCommand(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()
	if stream == nil {
		return nil, fmt.Errorf("microphone not started")
	}

	samples := make([]int16, 0, m.sampleRate*5)
	silence := 0
	heard := false
	maxSilence := m.sampleRate

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		// Read fills the buffer bound to the stream in Start.
		if err := stream.Read(); err != nil {
			return nil, fmt.Errorf("reading from stream: %w", err)
		}

		loud := false
		for _, sample := range m.buffer {
			if sample > m.silenceThreshold || sample < -m.silenceThreshold {
				loud = true
				break
			}
		}

		if !loud && !heard {
			continue
		}
		heard = true
		samples = append(samples, m.buffer...)

		if loud {
			silence = 0
		} else {
			silence += len(m.buffer)
		}

		if silence > maxSilence || len(samples) > m.sampleRate*10 {
			break
		}
	}

	return samplesToWav(samples, m.sampleRate)
}

func samplesToWav(samples []int16, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer

	dataSize := len(samples) * 2
	fileSize := 36 + dataSize

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, int32(fileSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, int32(16))
	binary.Write(&buf, binary.LittleEndian, int16(1))
	binary.Write(&buf, binary.LittleEndian, int16(1))
	binary.Write(&buf, binary.LittleEndian, int32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, int32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, int16(2))
	binary.Write(&buf, binary.LittleEndian, int16(16))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, int32(dataSize))
	if err := binary.Write(&buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("encoding samples: %w", err)
	}

	return buf.Bytes(), nil
}

package application

import (
	"context"
	"fmt"
	"log/slog"

	"geminize/internal/domain"
)

type AudioSource interface {
	Start(ctx context.Context) error
	Stop() error
	NextCommand(ctx context.Context) ([]byte, error)
	Name() string
}

// SpeechRecognizer turns clips from an audio source into transcripts.
// Payloads carrying domain.TextCommandPrefix skip transcription.
type SpeechRecognizer struct {
	audio      AudioSource
	stt        SpeechToText
	vocabulary func() []string
	owns       bool
	logger     *slog.Logger
}

// NewSpeechRecognizerFactory builds recognizers over a shared audio source.
// When ownsSource is set each recognizer starts the source on creation and
// stops it on Close; otherwise the caller manages the source lifecycle.
func NewSpeechRecognizerFactory(audio AudioSource, stt SpeechToText, vocabulary func() []string, ownsSource bool, logger *slog.Logger) RecognizerFactory {
	return func(ctx context.Context) (Recognizer, error) {
		if ownsSource {
			logger.Info("starting audio source", "source", audio.Name())
			if err := audio.Start(ctx); err != nil {
				return nil, fmt.Errorf("starting audio: %w", err)
			}
		}
		return &SpeechRecognizer{
			audio:      audio,
			stt:        stt,
			vocabulary: vocabulary,
			owns:       ownsSource,
			logger:     logger,
		}, nil
	}
}

func (r *SpeechRecognizer) Next(ctx context.Context) (string, error) {
	data, err := r.audio.NextCommand(ctx)
	if err != nil {
		return "", fmt.Errorf("getting audio: %w", err)
	}
	if len(data) == 0 {
		return "", nil
	}

	if text, ok := IsTextCommand(data); ok {
		r.logger.Info("received text command directly", "text", text)
		return text, nil
	}

	r.logger.Info("received audio", "bytes", len(data))

	if hinter, ok := r.stt.(VocabularyHinter); ok && r.vocabulary != nil {
		hinter.SetVocabulary(r.vocabulary())
	}

	text, err := r.stt.Transcribe(ctx, data)
	if err != nil {
		return "", fmt.Errorf("transcribing: %w", err)
	}

	r.logger.Info("transcribed", "text", text)
	return text, nil
}

func (r *SpeechRecognizer) Close() error {
	if !r.owns {
		return nil
	}
	return r.audio.Stop()
}

func IsTextCommand(data []byte) (string, bool) {
	if len(data) > len(domain.TextCommandPrefix) && string(data[:len(domain.TextCommandPrefix)]) == domain.TextCommandPrefix {
		return string(data[len(domain.TextCommandPrefix):]), true
	}
	return "", false
}

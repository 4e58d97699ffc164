package application

import (
	"context"
	"fmt"
)

type SpeechToText interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// VocabularyHinter is implemented by transcribers that accept a list of
// words to bias recognition towards, such as accessory names.
type VocabularyHinter interface {
	SetVocabulary(words []string)
}

// NoopSTT is used when only text sources are configured.
// It returns an error if called with actual audio data.
type NoopSTT struct{}

func (n *NoopSTT) Transcribe(_ context.Context, _ []byte) (string, error) {
	return "", fmt.Errorf("speech-to-text not configured: set openai.api_key to enable audio transcription")
}

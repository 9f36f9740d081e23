package application

import (
	"context"
	"errors"

	"sally/internal/domain"
)

type RecognitionOutcome int

const (
	RecognitionUtterance RecognitionOutcome = iota
	RecognitionNoSpeech
	RecognitionFailed
	RecognitionCancelled
)

// Recognition is the single result of one capture session.
type Recognition struct {
	Outcome RecognitionOutcome
	// Text is the raw transcript; it may still be blank after trimming.
	Text string
	Err  domain.RecognitionErrorKind
}

// SpeechCapture runs one recognition session per call. Cancelling ctx stops
// listening and yields RecognitionCancelled rather than an error.
type SpeechCapture interface {
	Listen(ctx context.Context) Recognition
}

type SpeechToText interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// NoopSTT is a no-op speech-to-text client for surfaces that recognise
// speech on the device. It returns an error if called with actual audio data.
type NoopSTT struct{}

func (n *NoopSTT) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return "", errors.New("speech-to-text not configured: set openai.api_key to enable audio transcription")
}

// SpeechSynthesizer turns assistant text into playable audio.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) (*domain.AudioAsset, error)
}

//go:build !portaudio
// +build !portaudio

package audio

import (
	"context"
	"errors"
	"log/slog"

	"sally/internal/domain"
)

// Speaker stub when portaudio is not available
type Speaker struct{}

func NewSpeaker(_ *slog.Logger) *Speaker {
	return &Speaker{}
}

func (s *Speaker) Play(_ context.Context, _ *domain.AudioAsset, _ string, _ func(error)) error {
	return errors.New("speaker not available: rebuild with -tags portaudio")
}

func (s *Speaker) Stop() {}

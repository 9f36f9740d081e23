//go:build !portaudio
// +build !portaudio

package audio

import (
	"context"
	"log/slog"

	"sally/internal/application"
	"sally/internal/domain"
)

// Microphone stub when portaudio is not available
type Microphone struct {
	logger *slog.Logger
}

func NewMicrophone(sampleRate int, detector DetectorConfig, stt application.SpeechToText, logger *slog.Logger) *Microphone {
	return &Microphone{logger: logger}
}

func (m *Microphone) Acquire(_ context.Context, _ application.DeviceKind) application.Permission {
	m.logger.Warn("microphone not available: rebuild with -tags portaudio")
	return application.Denied(domain.PermissionUnavailable)
}

func (m *Microphone) Listen(_ context.Context) application.Recognition {
	return application.Recognition{Outcome: application.RecognitionFailed, Err: domain.RecognitionNotAllowed}
}

//go:build portaudio
// +build portaudio

package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"sally/internal/application"
	"sally/internal/domain"
)

const framesPerBuffer = 1024

// Microphone records from the default input device and hands the
// utterance to a speech-to-text service. It also serves as the permission
// gate: the device is opened and closed again to prove it is usable.
type Microphone struct {
	sampleRate int
	detector   DetectorConfig
	stt        application.SpeechToText
	logger     *slog.Logger

	mu     sync.Mutex
	active bool
}

func NewMicrophone(sampleRate int, detector DetectorConfig, stt application.SpeechToText, logger *slog.Logger) *Microphone {
	return &Microphone{
		sampleRate: sampleRate,
		detector:   detector,
		stt:        stt,
		logger:     logger,
	}
}

func (m *Microphone) Acquire(_ context.Context, _ application.DeviceKind) application.Permission {
	if err := portaudio.Initialize(); err != nil {
		m.logger.Warn("initializing portaudio", "error", err)
		return application.Denied(domain.PermissionUnavailable)
	}
	defer portaudio.Terminate()

	buffer := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.sampleRate), framesPerBuffer, buffer)
	if err != nil {
		m.logger.Warn("opening default input", "error", err)
		return application.Denied(domain.PermissionUnavailable)
	}
	if err := stream.Close(); err != nil {
		m.logger.Warn("closing input check stream", "error", err)
	}
	return application.Granted()
}

func (m *Microphone) Listen(ctx context.Context) application.Recognition {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		m.logger.Error("recognition session already active")
		return application.Recognition{Outcome: application.RecognitionFailed, Err: domain.RecognitionOther}
	}
	m.active = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.active = false
		m.mu.Unlock()
	}()

	samples, state, err := m.record(ctx)
	if ctx.Err() != nil {
		return application.Recognition{Outcome: application.RecognitionCancelled}
	}
	if err != nil {
		m.logger.Error("recording utterance", "error", err)
		return application.Recognition{Outcome: application.RecognitionFailed, Err: domain.RecognitionOther}
	}
	if state == detectorNoSpeech {
		return application.Recognition{Outcome: application.RecognitionNoSpeech}
	}

	m.logger.Info("recorded utterance", "samples", len(samples))
	return transcribe(ctx, m.stt, SamplesToWAV(samples, m.sampleRate))
}

func (m *Microphone) record(ctx context.Context) ([]int16, detectorState, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, detectorListening, fmt.Errorf("initializing portaudio: %w", err)
	}
	defer portaudio.Terminate()

	buffer := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.sampleRate), framesPerBuffer, buffer)
	if err != nil {
		return nil, detectorListening, fmt.Errorf("opening stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return nil, detectorListening, fmt.Errorf("starting stream: %w", err)
	}
	defer stream.Stop()

	detector := newUtteranceDetector(m.detector, m.sampleRate)
	for {
		select {
		case <-ctx.Done():
			return nil, detectorListening, ctx.Err()
		default:
		}

		if err := stream.Read(); err != nil {
			return nil, detectorListening, fmt.Errorf("reading from stream: %w", err)
		}

		if state := detector.feed(buffer); state != detectorListening {
			return detector.samples, state, nil
		}
	}
}

package audio

import (
	"context"
	"errors"
	"net"
	"time"

	"sally/internal/application"
	"sally/internal/domain"
)

type detectorState int

const (
	detectorListening detectorState = iota
	detectorUtterance
	detectorNoSpeech
)

// utteranceDetector decides when a recording holds a complete utterance:
// speech followed by enough trailing silence, or the maximum length.
type utteranceDetector struct {
	threshold   int16
	maxSilence  int
	maxSamples  int
	noSpeech    int
	samples     []int16
	heard       bool
	silentTrail int
}

type DetectorConfig struct {
	SilenceThreshold int16
	TrailingSilence  time.Duration
	MaxDuration      time.Duration
	NoSpeechTimeout  time.Duration
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		SilenceThreshold: 500,
		TrailingSilence:  time.Second,
		MaxDuration:      10 * time.Second,
		NoSpeechTimeout:  5 * time.Second,
	}
}

func newUtteranceDetector(cfg DetectorConfig, sampleRate int) *utteranceDetector {
	perSecond := float64(sampleRate)
	return &utteranceDetector{
		threshold:  cfg.SilenceThreshold,
		maxSilence: int(cfg.TrailingSilence.Seconds() * perSecond),
		maxSamples: int(cfg.MaxDuration.Seconds() * perSecond),
		noSpeech:   int(cfg.NoSpeechTimeout.Seconds() * perSecond),
		samples:    make([]int16, 0, sampleRate*5),
	}
}

func (d *utteranceDetector) feed(frame []int16) detectorState {
	d.samples = append(d.samples, frame...)

	silent := true
	for _, sample := range frame {
		if sample > d.threshold || sample < -d.threshold {
			silent = false
			break
		}
	}

	if silent {
		d.silentTrail += len(frame)
	} else {
		d.heard = true
		d.silentTrail = 0
	}

	switch {
	case !d.heard && len(d.samples) >= d.noSpeech:
		return detectorNoSpeech
	case d.heard && d.silentTrail >= d.maxSilence:
		return detectorUtterance
	case len(d.samples) >= d.maxSamples:
		if d.heard {
			return detectorUtterance
		}
		return detectorNoSpeech
	}
	return detectorListening
}

// transcribe turns recorded audio into a recognition outcome.
func transcribe(ctx context.Context, stt application.SpeechToText, wav []byte) application.Recognition {
	text, err := stt.Transcribe(ctx, wav)
	if err != nil {
		if ctx.Err() != nil {
			return application.Recognition{Outcome: application.RecognitionCancelled}
		}
		return application.Recognition{Outcome: application.RecognitionFailed, Err: classifyTranscribeError(err)}
	}
	if text == "" {
		return application.Recognition{Outcome: application.RecognitionNoSpeech}
	}
	return application.Recognition{Outcome: application.RecognitionUtterance, Text: text}
}

func classifyTranscribeError(err error) domain.RecognitionErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.RecognitionNetwork
	}
	return domain.RecognitionOther
}

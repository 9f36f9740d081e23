package application

import (
	"context"

	"sally/internal/domain"
)

type DeviceKind string

const DeviceMicrophone DeviceKind = "microphone"

type Permission struct {
	Granted bool
	Reason  domain.PermissionReason
}

func Granted() Permission {
	return Permission{Granted: true}
}

func Denied(reason domain.PermissionReason) Permission {
	return Permission{Reason: reason}
}

// PermissionGate asks for a device and releases it again before returning.
type PermissionGate interface {
	Acquire(ctx context.Context, kind DeviceKind) Permission
}

// AlwaysGranted is used by rigs without an interactive permission prompt.
type AlwaysGranted struct{}

func (AlwaysGranted) Acquire(context.Context, DeviceKind) Permission {
	return Granted()
}

// AudioElement is the platform audio output. Play either fails immediately
// (domain.ErrAutoplayBlocked when policy requires a gesture) or starts
// playback and later calls done once with nil on completion or the playback
// error. Stop halts any playback; done need not be called afterwards.
type AudioElement interface {
	Play(ctx context.Context, asset *domain.AudioAsset, uri string, done func(error)) error
	Stop()
}

// FormatChecker is implemented by audio elements that decode only some
// encodings. Elements without it are assumed to play anything.
type FormatChecker interface {
	CanPlay(mimeType string) bool
}

type AudioFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

func DefaultAudioFormat() AudioFormat {
	return AudioFormat{
		SampleRate: 16000,
		Channels:   1,
		BitDepth:   16,
	}
}

// SpeechAudioFormat is the container the synthesizers standardise on.
func SpeechAudioFormat() AudioFormat {
	return AudioFormat{
		SampleRate: 24000,
		Channels:   1,
		BitDepth:   16,
	}
}

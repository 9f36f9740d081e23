package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sally/internal/application"
	"sally/internal/domain"
)

var ErrNoPendingRequest = errors.New("no device request pending")

const (
	PlaybackStarted = "started"
	PlaybackBlocked = "blocked"
	PlaybackEnded   = "ended"
	PlaybackError   = "error"
)

// Recogniser error codes that are outcomes rather than failures.
const (
	recognitionNoSpeech = "no-speech"
	recognitionAborted  = "aborted"
)

// Devices drives the page's microphone, speech recogniser and audio element.
// Every request is pushed over the hub; the page answers on the device
// endpoints. One request of each kind is outstanding at a time.
type Devices struct {
	hub           *Hub
	deviceTimeout time.Duration
	listenTimeout time.Duration
	logger        *slog.Logger

	mu          sync.Mutex
	permission  chan application.Permission
	recognition chan application.Recognition
	playback    *pendingPlayback
}

type pendingPlayback struct {
	assetID string
	ack     chan error
	started bool
	done    func(error)
}

func NewDevices(hub *Hub, deviceTimeout, listenTimeout time.Duration, logger *slog.Logger) *Devices {
	return &Devices{
		hub:           hub,
		deviceTimeout: deviceTimeout,
		listenTimeout: listenTimeout,
		logger:        logger,
	}
}

func (d *Devices) Acquire(ctx context.Context, kind application.DeviceKind) application.Permission {
	ch := make(chan application.Permission, 1)
	d.mu.Lock()
	d.permission = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.permission == ch {
			d.permission = nil
		}
		d.mu.Unlock()
	}()

	d.hub.Broadcast(Message{Type: MessagePermission, Device: string(kind)})

	timer := time.NewTimer(d.deviceTimeout)
	defer timer.Stop()

	select {
	case p := <-ch:
		return p
	case <-timer.C:
		d.logger.Warn("no permission answer from page", "device", kind)
		return application.Denied(domain.PermissionUnavailable)
	case <-ctx.Done():
		return application.Denied(domain.PermissionUnavailable)
	}
}

// ReportPermission delivers the page's answer to the pending request.
func (d *Devices) ReportPermission(granted bool, reason string) error {
	d.mu.Lock()
	ch := d.permission
	d.permission = nil
	d.mu.Unlock()

	if ch == nil {
		return ErrNoPendingRequest
	}

	if granted {
		ch <- application.Granted()
		return nil
	}
	r := domain.PermissionDeclined
	if reason == string(domain.PermissionUnavailable) {
		r = domain.PermissionUnavailable
	}
	ch <- application.Denied(r)
	return nil
}

func (d *Devices) Listen(ctx context.Context) application.Recognition {
	ch := make(chan application.Recognition, 1)
	d.mu.Lock()
	if d.recognition != nil {
		d.mu.Unlock()
		d.logger.Error("recognition session already active")
		return application.Recognition{Outcome: application.RecognitionFailed, Err: domain.RecognitionOther}
	}
	d.recognition = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.recognition == ch {
			d.recognition = nil
		}
		d.mu.Unlock()
	}()

	d.hub.Broadcast(Message{Type: MessageListen})

	timer := time.NewTimer(d.listenTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r
	case <-timer.C:
		d.hub.Broadcast(Message{Type: MessageStopListening})
		return application.Recognition{Outcome: application.RecognitionNoSpeech}
	case <-ctx.Done():
		d.hub.Broadcast(Message{Type: MessageStopListening})
		return application.Recognition{Outcome: application.RecognitionCancelled}
	}
}

// ReportRecognition delivers either a transcript or a recogniser error code.
func (d *Devices) ReportRecognition(transcript, code string) error {
	d.mu.Lock()
	ch := d.recognition
	d.recognition = nil
	d.mu.Unlock()

	if ch == nil {
		return ErrNoPendingRequest
	}

	switch code {
	case "":
		ch <- application.Recognition{Outcome: application.RecognitionUtterance, Text: transcript}
	case recognitionNoSpeech:
		ch <- application.Recognition{Outcome: application.RecognitionNoSpeech}
	case recognitionAborted:
		ch <- application.Recognition{Outcome: application.RecognitionCancelled}
	default:
		ch <- application.Recognition{Outcome: application.RecognitionFailed, Err: domain.ParseRecognitionError(code)}
	}
	return nil
}

// Play asks the page to load uri and waits for it to start or refuse.
func (d *Devices) Play(ctx context.Context, asset *domain.AudioAsset, uri string, done func(error)) error {
	p := &pendingPlayback{assetID: asset.ID, ack: make(chan error, 1), done: done}
	d.mu.Lock()
	d.playback = p
	d.mu.Unlock()

	d.hub.Broadcast(Message{Type: MessagePlay, AssetID: asset.ID, URI: uri})

	timer := time.NewTimer(d.deviceTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-p.ack:
	case <-timer.C:
		err = fmt.Errorf("page did not start playback within %s", d.deviceTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err != nil {
		d.mu.Lock()
		if d.playback == p {
			d.playback = nil
		}
		d.mu.Unlock()
	}
	return err
}

func (d *Devices) Stop() {
	d.mu.Lock()
	had := d.playback != nil
	d.playback = nil
	d.mu.Unlock()

	if had {
		d.hub.Broadcast(Message{Type: MessageStop})
	}
}

// ReportPlayback applies a page event to the playback of assetID.
func (d *Devices) ReportPlayback(assetID, event, detail string) error {
	d.mu.Lock()
	p := d.playback
	if p == nil || p.assetID != assetID {
		d.mu.Unlock()
		return ErrNoPendingRequest
	}

	var done func(error)
	var result error
	switch event {
	case PlaybackStarted:
		if p.started {
			d.mu.Unlock()
			return nil
		}
		p.started = true
		p.ack <- nil
	case PlaybackBlocked:
		d.playback = nil
		p.ack <- domain.ErrAutoplayBlocked
	case PlaybackEnded, PlaybackError:
		if event == PlaybackError {
			result = fmt.Errorf("page playback error: %s", detail)
		}
		if !p.started {
			d.playback = nil
			if result == nil {
				result = errors.New("playback ended before it started")
			}
			p.ack <- result
			break
		}
		d.playback = nil
		done = p.done
	default:
		d.mu.Unlock()
		return fmt.Errorf("unknown playback event %q", event)
	}
	d.mu.Unlock()

	if done != nil {
		done(result)
	}
	return nil
}

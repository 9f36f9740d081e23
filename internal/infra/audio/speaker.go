//go:build portaudio
// +build portaudio

package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"sally/internal/domain"
)

// Speaker plays WAV and MP3 assets on the default output device. Local output has
// no autoplay policy, so Play never reports a block.
type Speaker struct {
	logger *slog.Logger

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewSpeaker(logger *slog.Logger) *Speaker {
	return &Speaker{logger: logger}
}

func (s *Speaker) CanPlay(mimeType string) bool {
	return CanDecode(mimeType)
}

func (s *Speaker) Play(_ context.Context, asset *domain.AudioAsset, _ string, done func(error)) error {
	samples, format, err := DecodeSamples(asset)
	if err != nil {
		return fmt.Errorf("decoding asset for speaker: %w", err)
	}

	s.Stop()

	stop := make(chan struct{})
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		err := s.output(samples, format.SampleRate, format.Channels, stop)
		// Stop only waits for the device; done may need the caller's lock.
		s.wg.Done()
		select {
		case <-stop:
			return
		default:
		}
		done(err)
	}()
	return nil
}

func (s *Speaker) output(samples []int16, sampleRate, channels int, stop <-chan struct{}) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initializing portaudio: %w", err)
	}
	defer portaudio.Terminate()

	buffer := make([]int16, framesPerBuffer*channels)
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(sampleRate), framesPerBuffer, buffer)
	if err != nil {
		return fmt.Errorf("opening output stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("starting output stream: %w", err)
	}
	defer stream.Stop()

	for off := 0; off < len(samples); off += len(buffer) {
		select {
		case <-stop:
			return nil
		default:
		}
		n := copy(buffer, samples[off:])
		clear(buffer[n:])
		if err := stream.Write(); err != nil {
			return fmt.Errorf("writing to output stream: %w", err)
		}
	}
	s.logger.Debug("speaker finished", "samples", len(samples))
	return nil
}

func (s *Speaker) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		s.wg.Wait()
	}
}

package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sally/internal/application"
	"sally/internal/domain"
)

const filePollInterval = 500 * time.Millisecond

// FileSource is a headless capture device: every new file dropped in dir is
// one recognition session. Text files carry the transcript directly, audio
// files go through speech-to-text.
type FileSource struct {
	dir      string
	stt      application.SpeechToText
	noSpeech time.Duration
	logger   *slog.Logger

	processed map[string]bool
	mu        sync.Mutex
	active    bool
}

func NewFileSource(dir string, stt application.SpeechToText, noSpeech time.Duration, logger *slog.Logger) *FileSource {
	return &FileSource{
		dir:       dir,
		stt:       stt,
		noSpeech:  noSpeech,
		logger:    logger,
		processed: make(map[string]bool),
	}
}

func (f *FileSource) Acquire(_ context.Context, _ application.DeviceKind) application.Permission {
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		f.logger.Warn("creating capture dir", "dir", f.dir, "error", err)
		return application.Denied(domain.PermissionUnavailable)
	}
	return application.Granted()
}

func (f *FileSource) Listen(ctx context.Context) application.Recognition {
	f.mu.Lock()
	if f.active {
		f.mu.Unlock()
		return application.Recognition{Outcome: application.RecognitionFailed, Err: domain.RecognitionOther}
	}
	f.active = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active = false
		f.mu.Unlock()
	}()

	ticker := time.NewTicker(filePollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if f.noSpeech > 0 {
		timer := time.NewTimer(f.noSpeech)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return application.Recognition{Outcome: application.RecognitionCancelled}
		case <-deadline:
			return application.Recognition{Outcome: application.RecognitionNoSpeech}
		case <-ticker.C:
			name, data, err := f.checkForNewFile()
			if err != nil {
				f.logger.Error("reading capture dir", "error", err)
				return application.Recognition{Outcome: application.RecognitionFailed, Err: domain.RecognitionOther}
			}
			if data == nil {
				continue
			}

			f.logger.Info("captured file", "file", name)
			if filepath.Ext(name) == ".txt" {
				return application.Recognition{Outcome: application.RecognitionUtterance, Text: string(data)}
			}
			return transcribe(ctx, f.stt, data)
		}
	}
}

func (f *FileSource) checkForNewFile() (string, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return "", nil, fmt.Errorf("reading dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		switch filepath.Ext(entry.Name()) {
		case ".txt", ".wav", ".mp3", ".m4a", ".webm":
		default:
			continue
		}

		path := filepath.Join(f.dir, entry.Name())
		if f.processed[path] {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return "", nil, fmt.Errorf("reading file %s: %w", path, err)
		}

		f.processed[path] = true
		if err := os.Rename(path, path+".processed"); err != nil {
			f.logger.Warn("marking file processed", "file", path, "error", err)
		}

		return entry.Name(), data, nil
	}

	return "", nil, nil
}

// FileSink is the headless audio element: it writes each asset to dir and
// reports completion as soon as the file is on disk.
type FileSink struct {
	dir    string
	logger *slog.Logger
}

func NewFileSink(dir string, logger *slog.Logger) *FileSink {
	return &FileSink{dir: dir, logger: logger}
}

func (s *FileSink) Play(_ context.Context, asset *domain.AudioAsset, _ string, done func(error)) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	path := filepath.Join(s.dir, asset.ID+extensionFor(asset.MIMEType))
	if err := os.WriteFile(path, asset.Data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	s.logger.Info("wrote speech", "file", path, "bytes", len(asset.Data))
	go done(nil)
	return nil
}

func (s *FileSink) Stop() {}

func extensionFor(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "wav"):
		return ".wav"
	case strings.Contains(mimeType, "mpeg"), strings.Contains(mimeType, "mp3"):
		return ".mp3"
	default:
		return ".bin"
	}
}

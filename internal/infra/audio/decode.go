package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hajimehoshi/go-mp3"

	"sally/internal/application"
	"sally/internal/domain"
)

var ErrUnsupportedFormat = errors.New("unsupported audio format")

func baseMIMEType(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

func isMPEG(mimeType string) bool {
	switch baseMIMEType(mimeType) {
	case domain.MIMETypeMPEG, "audio/mp3":
		return true
	}
	return false
}

func isWAV(mimeType string) bool {
	switch baseMIMEType(mimeType) {
	case domain.MIMETypeWAV, "audio/x-wav", "audio/wave":
		return true
	}
	return false
}

// CanDecode reports whether DecodeSamples handles the MIME type.
func CanDecode(mimeType string) bool {
	return isWAV(mimeType) || isMPEG(mimeType)
}

// DecodeSamples turns a WAV or MP3 asset into interleaved 16-bit samples.
// MP3 always decodes to stereo.
func DecodeSamples(asset *domain.AudioAsset) ([]int16, application.AudioFormat, error) {
	switch {
	case isWAV(asset.MIMEType):
		format, pcm, err := DecodeWAV(asset.Data)
		if err != nil {
			return nil, format, err
		}
		if format.BitDepth != 16 {
			return nil, format, fmt.Errorf("unsupported bit depth %d", format.BitDepth)
		}
		return PCMToSamples(pcm), format, nil
	case isMPEG(asset.MIMEType):
		dec, err := mp3.NewDecoder(bytes.NewReader(asset.Data))
		if err != nil {
			return nil, application.AudioFormat{}, fmt.Errorf("opening mp3 stream: %w", err)
		}
		pcm, err := io.ReadAll(dec)
		if err != nil {
			return nil, application.AudioFormat{}, fmt.Errorf("decoding mp3 stream: %w", err)
		}
		format := application.AudioFormat{SampleRate: dec.SampleRate(), Channels: 2, BitDepth: 16}
		return PCMToSamples(pcm), format, nil
	default:
		return nil, application.AudioFormat{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, asset.MIMEType)
	}
}

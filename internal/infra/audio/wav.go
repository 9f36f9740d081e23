package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"sally/internal/application"
)

var ErrNotWAV = errors.New("not a RIFF/WAVE payload")

// EncodeWAV wraps little-endian PCM in a canonical 44-byte WAV header.
func EncodeWAV(pcm []byte, format application.AudioFormat) []byte {
	var buf bytes.Buffer

	blockAlign := format.Channels * format.BitDepth / 8
	byteRate := format.SampleRate * blockAlign
	dataSize := len(pcm)

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, int32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, int32(16))
	binary.Write(&buf, binary.LittleEndian, int16(1))
	binary.Write(&buf, binary.LittleEndian, int16(format.Channels))
	binary.Write(&buf, binary.LittleEndian, int32(format.SampleRate))
	binary.Write(&buf, binary.LittleEndian, int32(byteRate))
	binary.Write(&buf, binary.LittleEndian, int16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, int16(format.BitDepth))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, int32(dataSize))
	buf.Write(pcm)

	return buf.Bytes()
}

// SamplesToWAV encodes 16-bit mono samples.
func SamplesToWAV(samples []int16, sampleRate int) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return EncodeWAV(pcm, application.AudioFormat{SampleRate: sampleRate, Channels: 1, BitDepth: 16})
}

// DecodeWAV returns the PCM format and the raw data chunk.
func DecodeWAV(data []byte) (application.AudioFormat, []byte, error) {
	var format application.AudioFormat
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return format, nil, ErrNotWAV
	}

	haveFmt := false
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return format, nil, fmt.Errorf("fmt chunk too short: %d bytes", size)
			}
			if audioFormat := binary.LittleEndian.Uint16(data[body:]); audioFormat != 1 {
				return format, nil, fmt.Errorf("unsupported WAV encoding %d", audioFormat)
			}
			format.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			format.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			format.BitDepth = int(binary.LittleEndian.Uint16(data[body+14:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return format, nil, fmt.Errorf("data chunk before fmt chunk")
			}
			return format, data[body : body+size], nil
		}

		pos = body + size + size%2
	}
	return format, nil, fmt.Errorf("no data chunk")
}

// PCMToSamples reinterprets 16-bit little-endian PCM.
func PCMToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

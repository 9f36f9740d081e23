package gemini

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"sally/internal/application"
	"sally/internal/domain"
	"sally/internal/infra/audio"
)

const (
	DefaultModel = "gemini-2.5-flash-preview-tts"
	DefaultVoice = "Algenib"
)

// Synthesizer renders assistant text with Gemini's speech model. The model
// returns raw 16-bit PCM, which is wrapped into a WAV container.
type Synthesizer struct {
	client *genai.Client
	model  string
	voice  string
}

func NewSynthesizer(ctx context.Context, apiKey, model, voice string) (*Synthesizer, error) {
	return NewSynthesizerWithURL(ctx, apiKey, model, voice, "")
}

func NewSynthesizerWithURL(ctx context.Context, apiKey, model, voice, baseURL string) (*Synthesizer, error) {
	if model == "" {
		model = DefaultModel
	}
	if voice == "" {
		voice = DefaultVoice
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Synthesizer{client: client, model: model, voice: voice}, nil
}

func (s *Synthesizer) Synthesize(ctx context.Context, text string) (*domain.AudioAsset, error) {
	resp, err := s.client.Models.GenerateContent(ctx, s.model, genai.Text(text), &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: s.voice},
			},
		},
	})
	if err != nil {
		return nil, domain.NewFailure(domain.FailureSpeech, fmt.Errorf("generating speech: %w", err))
	}

	data, mimeType, err := inlineAudio(resp)
	if err != nil {
		return nil, domain.NewFailure(domain.FailureSpeech, err)
	}

	format := application.SpeechAudioFormat()
	if rate := pcmRate(mimeType); rate > 0 {
		format.SampleRate = rate
	}

	return &domain.AudioAsset{
		Data:     audio.EncodeWAV(data, format),
		MIMEType: domain.MIMETypeWAV,
	}, nil
}

func inlineAudio(resp *genai.GenerateContentResponse) ([]byte, string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, "", errors.New("no candidates in speech response")
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return part.InlineData.Data, part.InlineData.MIMEType, nil
		}
	}
	return nil, "", errors.New("no audio data in speech response")
}

// pcmRate reads the rate parameter of e.g. "audio/L16;codec=pcm;rate=24000".
func pcmRate(mimeType string) int {
	for _, param := range strings.Split(mimeType, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && key == "rate" {
			rate, err := strconv.Atoi(value)
			if err == nil {
				return rate
			}
		}
	}
	return 0
}

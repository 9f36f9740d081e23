package openai

import (
	"context"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"sally/internal/domain"
)

const DefaultVoice = "alloy"

// SpeechClient synthesizes assistant text with OpenAI's speech endpoint,
// always requesting WAV so every backend yields the same container.
type SpeechClient struct {
	client *openai.Client
	model  string
	voice  string
}

func NewSpeechClient(apiKey, model, voice string) *SpeechClient {
	return NewSpeechClientWithConfig(openai.DefaultConfig(apiKey), model, voice)
}

func NewSpeechClientWithConfig(cfg openai.ClientConfig, model, voice string) *SpeechClient {
	if model == "" {
		model = string(openai.TTSModel1)
	}
	if voice == "" {
		voice = DefaultVoice
	}
	return &SpeechClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		voice:  voice,
	}
}

func (c *SpeechClient) Synthesize(ctx context.Context, text string) (*domain.AudioAsset, error) {
	resp, err := c.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.model),
		Input:          text,
		Voice:          openai.SpeechVoice(c.voice),
		ResponseFormat: openai.SpeechResponseFormat("wav"),
	})
	if err != nil {
		return nil, domain.NewFailure(domain.FailureSpeech, fmt.Errorf("creating speech: %w", err))
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, domain.NewFailure(domain.FailureSpeech, fmt.Errorf("reading speech: %w", err))
	}
	if len(data) == 0 {
		return nil, domain.NewFailure(domain.FailureSpeech, fmt.Errorf("empty speech response"))
	}

	return &domain.AudioAsset{Data: data, MIMEType: domain.MIMETypeWAV}, nil
}

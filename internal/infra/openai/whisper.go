package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"sally/internal/infra"
)

type WhisperClient struct {
	client   *openai.Client
	model    string
	language string
	retry    infra.RetryConfig
}

func NewWhisperClient(apiKey, model, language string) *WhisperClient {
	return NewWhisperClientWithConfig(openai.DefaultConfig(apiKey), model, language)
}

func NewWhisperClientWithConfig(cfg openai.ClientConfig, model, language string) *WhisperClient {
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperClient{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		language: language,
		retry:    infra.DefaultRetryConfig(),
	}
}

func (c *WhisperClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	var text string

	err := infra.WithRetry(ctx, c.retry, func() error {
		resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
			Model:    c.model,
			Reader:   bytes.NewReader(audio),
			FilePath: "audio.wav",
			Language: c.language,
		})
		if err != nil {
			return retryable(fmt.Errorf("transcribing audio: %w", err))
		}
		text = strings.TrimSpace(resp.Text)
		return nil
	})
	if err != nil {
		return "", err
	}

	return text, nil
}

// retryable marks API errors with a non-retryable status as permanent.
func retryable(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && !infra.IsRetryableHTTPStatus(apiErr.HTTPStatusCode) {
		return infra.Permanent(err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && !infra.IsRetryableHTTPStatus(reqErr.HTTPStatusCode) {
		return infra.Permanent(err)
	}
	return err
}

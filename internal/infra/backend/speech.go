package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"sally/internal/domain"
	"sally/internal/infra"
)

// SpeechClient calls the backend's text-to-speech endpoint.
type SpeechClient struct {
	url        string
	httpClient *http.Client
}

func NewSpeechClient(baseURL, path string) *SpeechClient {
	return &SpeechClient{
		url:        strings.TrimRight(baseURL, "/") + path,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type speechRequest struct {
	Text string `json:"text"`
}

type speechResponse struct {
	AudioDataURI string `json:"audioDataUri"`
}

// Synthesize accepts either a JSON body carrying a data URI or a raw audio
// body.
func (c *SpeechClient) Synthesize(ctx context.Context, text string) (*domain.AudioAsset, error) {
	body, err := json.Marshal(speechRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var asset *domain.AudioAsset
	retryErr := infra.WithRetry(ctx, infra.DefaultRetryConfig(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return infra.Permanent(fmt.Errorf("creating request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("sending request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			err := fmt.Errorf("tts API error %d: %s", resp.StatusCode, string(respBody))
			if infra.IsRetryableHTTPStatus(resp.StatusCode) {
				return err
			}
			return infra.Permanent(err)
		}

		asset, err = decodeSpeech(resp)
		if err != nil {
			return infra.Permanent(err)
		}
		return nil
	})
	if retryErr != nil {
		return nil, domain.NewFailure(domain.FailureSpeech, retryErr)
	}
	return asset, nil
}

func decodeSpeech(resp *http.Response) (*domain.AudioAsset, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))

	if strings.HasPrefix(mediaType, "audio/") {
		data, err := io.ReadAll(io.LimitReader(resp.Body, 20*1024*1024))
		if err != nil {
			return nil, fmt.Errorf("reading audio: %w", err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("empty audio payload")
		}
		return &domain.AudioAsset{Data: data, MIMEType: mediaType}, nil
	}

	var decoded speechResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if decoded.AudioDataURI == "" {
		return nil, fmt.Errorf("response carries no audio")
	}
	return domain.ParseDataURI(decoded.AudioDataURI)
}

package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"sally/internal/domain"
)

type dialogueRequest struct {
	ClientDialogue string `json:"clientDialogue"`
	ClientName     string `json:"clientName"`
}

type dialogueResponse struct {
	Result *struct {
		AgentDialogue string `json:"agentDialogue"`
	} `json:"result"`
	AudioSpeech *struct {
		FileContents string `json:"fileContents"`
		ContentType  string `json:"contentType"`
	} `json:"audioSpeech"`
}

// Send posts one utterance. It never retries: a late answer could reply to
// a question the user is no longer asking.
func (c *Client) Send(ctx context.Context, utterance domain.Utterance, authToken string, user domain.UserContext) (*domain.DialogueTurn, error) {
	body, err := json.Marshal(dialogueRequest{
		ClientDialogue: utterance.Text,
		ClientName:     user.UserName,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(c.paths.Dialogue), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setBearer(req, authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewFailure(domain.FailureDialogue, fmt.Errorf("sending request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := domain.FailureDialogue
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
			kind = domain.FailureEntitlementRejected
		}
		return nil, &domain.Failure{
			Kind:   kind,
			Status: resp.StatusCode,
			Detail: errorMessage(resp.Body),
		}
	}

	var decoded dialogueResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, domain.NewFailure(domain.FailureDialogue, fmt.Errorf("decoding response: %w", err))
	}

	turn := &domain.DialogueTurn{
		Utterance: utterance,
		CreatedAt: time.Now(),
	}
	if decoded.Result != nil {
		turn.AssistantText = decoded.Result.AgentDialogue
	}
	if decoded.AudioSpeech != nil && decoded.AudioSpeech.FileContents != "" {
		turn.InlineAudio = inlineAudio(decoded.AudioSpeech.FileContents, decoded.AudioSpeech.ContentType)
	}
	return turn, nil
}

// inlineAudio decodes speech rendered by the dialogue service. Undecodable
// audio is dropped so the turn falls back to synthesis.
func inlineAudio(contents, contentType string) *domain.AudioAsset {
	data, err := base64.StdEncoding.DecodeString(contents)
	if err != nil || len(data) == 0 {
		return nil
	}
	if contentType == "" {
		contentType = domain.MIMETypeMPEG
	}
	return &domain.AudioAsset{Data: data, MIMEType: contentType}
}

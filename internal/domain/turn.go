package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Utterance is recognised speech, trimmed and guaranteed non-empty.
type Utterance struct {
	Text string
}

// NewUtterance trims raw recogniser output. It reports false for text that is
// empty after trimming; such input never starts a turn.
func NewUtterance(raw string) (Utterance, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Utterance{}, false
	}
	return Utterance{Text: text}, true
}

type DialogueTurn struct {
	Utterance     Utterance
	AssistantText string
	CreatedAt     time.Time
	// InlineAudio is set when the dialogue service already rendered speech
	// for the answer.
	InlineAudio *AudioAsset
}

// Succeeded reports whether the turn produced assistant text.
func (t *DialogueTurn) Succeeded() bool {
	return t != nil && strings.TrimSpace(t.AssistantText) != ""
}

const (
	MIMETypeWAV  = "audio/wav"
	MIMETypeMPEG = "audio/mpeg"
)

// AudioAsset is an encoded audio payload. ID is assigned by the playback
// controller when the asset is loaded.
type AudioAsset struct {
	ID       string
	Data     []byte
	MIMEType string
}

func (a *AudioAsset) DataURI() string {
	return fmt.Sprintf("data:%s;base64,%s", a.MIMEType, base64.StdEncoding.EncodeToString(a.Data))
}

// ParseDataURI decodes a base64 data URI such as "data:audio/wav;base64,UklGR...".
func ParseDataURI(uri string) (*AudioAsset, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, fmt.Errorf("not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("data URI has no payload")
	}
	mimeType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return nil, fmt.Errorf("data URI is not base64 encoded")
	}
	if mimeType == "" {
		return nil, fmt.Errorf("data URI has no media type")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding data URI payload: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("data URI payload is empty")
	}
	return &AudioAsset{Data: data, MIMEType: mimeType}, nil
}

// CreditDebitRequest is issued at most once per completed audio playback.
// IdempotencyKey is reused across retries of the same debit.
type CreditDebitRequest struct {
	Amount         int       `json:"amount"`
	AuthToken      string    `json:"-"`
	IdempotencyKey string    `json:"idempotencyKey"`
	RequestedAt    time.Time `json:"requestedAt"`
}

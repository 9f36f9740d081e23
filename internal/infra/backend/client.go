// Package backend talks to the nutrition backend: dialogue, speech, credits
// and profile endpoints.
package backend

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"sally/internal/infra"
)

type Paths struct {
	Dialogue string
	Credits  string
	Profile  string
	Speech   string
}

func DefaultPaths() Paths {
	return Paths{
		Dialogue: "/api/sally/body-assessment",
		Credits:  "/api/event/deduct-credits",
		Profile:  "/api/user/profile",
		Speech:   "/api/sally/tts",
	}
}

type Client struct {
	baseURL    string
	paths      Paths
	httpClient *http.Client
	debitRetry infra.RetryConfig
}

func NewClient(baseURL string, paths Paths, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		paths:      paths,
		httpClient: &http.Client{Timeout: timeout},
		debitRetry: infra.DefaultRetryConfig(),
	}
}

// WithDebitRetry overrides the backoff used for credit debits.
func (c *Client) WithDebitRetry(cfg infra.RetryConfig) *Client {
	c.debitRetry = cfg
	return c
}

// NewClientWithURL uses the default paths; handy for tests.
func NewClientWithURL(baseURL string) *Client {
	return NewClient(baseURL, DefaultPaths(), 0)
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

type errorBody struct {
	Message string `json:"message"`
	Title   string `json:"title"`
	Error   string `json:"error"`
}

// errorMessage makes a best effort at the server's explanation.
func errorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64*1024))
	if err != nil || len(data) == 0 {
		return ""
	}
	var parsed errorBody
	if err := json.Unmarshal(data, &parsed); err != nil {
		return ""
	}
	switch {
	case parsed.Message != "":
		return parsed.Message
	case parsed.Title != "":
		return parsed.Title
	default:
		return parsed.Error
	}
}

func setBearer(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
}

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"sally/internal/domain"
	"sally/internal/infra"
)

type creditsResponse struct {
	Message string `json:"message"`
}

// Debit deducts credits. Retries reuse the request's idempotency key so the
// backend can collapse duplicates.
func (c *Client) Debit(ctx context.Context, debit domain.CreditDebitRequest) (string, error) {
	if debit.Amount <= 0 {
		return "", fmt.Errorf("debit amount must be positive, got %d", debit.Amount)
	}
	// The endpoint takes the bare integer as its body.
	body, err := json.Marshal(debit.Amount)
	if err != nil {
		return "", fmt.Errorf("marshaling amount: %w", err)
	}

	var message string
	retryErr := infra.WithRetry(ctx, c.debitRetry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(c.paths.Credits), bytes.NewReader(body))
		if err != nil {
			return infra.Permanent(fmt.Errorf("creating request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		setBearer(req, debit.AuthToken)
		if debit.IdempotencyKey != "" {
			req.Header.Set("Idempotency-Key", debit.IdempotencyKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("sending request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg := errorMessage(resp.Body)
			if msg == "" {
				msg = "Failed to deduct credits."
			}
			err := fmt.Errorf("deduct credits %d: %s", resp.StatusCode, msg)
			if infra.IsRetryableHTTPStatus(resp.StatusCode) {
				return err
			}
			return infra.Permanent(err)
		}

		var decoded creditsResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err == nil {
			message = decoded.Message
		}
		return nil
	})
	if retryErr != nil {
		return "", retryErr
	}

	if message == "" {
		message = "Credits deducted successfully."
	}
	return message, nil
}

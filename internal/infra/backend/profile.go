package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"sally/internal/application"
	"sally/internal/domain"
	"sally/internal/infra"
)

func (c *Client) FetchProfile(ctx context.Context, authToken string) (*domain.UserProfile, error) {
	var profile domain.UserProfile

	retryErr := infra.WithRetry(ctx, infra.DefaultRetryConfig(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(c.paths.Profile), nil)
		if err != nil {
			return infra.Permanent(fmt.Errorf("creating request: %w", err))
		}
		setBearer(req, authToken)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("sending request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("profile API error %d: %s", resp.StatusCode, errorMessage(resp.Body))
			if infra.IsRetryableHTTPStatus(resp.StatusCode) {
				return err
			}
			return infra.Permanent(err)
		}

		if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
			return infra.Permanent(fmt.Errorf("decoding profile: %w", err))
		}
		return nil
	})
	if retryErr != nil {
		return nil, retryErr
	}
	return &profile, nil
}

// ProfileStore loads the profile from the backend on every request and keeps
// the last copy for display.
type ProfileStore struct {
	client *Client
	tokens application.TokenSource
	logger *slog.Logger

	mu       sync.RWMutex
	latest   *domain.UserProfile
	onChange func(domain.UserProfile)
}

func NewProfileStore(client *Client, tokens application.TokenSource, logger *slog.Logger) *ProfileStore {
	return &ProfileStore{
		client: client,
		tokens: tokens,
		logger: logger,
	}
}

// OnChange registers a callback fired after every successful load.
func (s *ProfileStore) OnChange(fn func(domain.UserProfile)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *ProfileStore) Profile(ctx context.Context) (*domain.UserProfile, error) {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}
	profile, err := s.client.FetchProfile(ctx, token)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.latest = profile
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(*profile)
	}
	return profile, nil
}

func (s *ProfileStore) Refresh(ctx context.Context) error {
	profile, err := s.Profile(ctx)
	if err != nil {
		return err
	}
	s.logger.Debug("profile refreshed", "credits", profile.Credits, "subscribed", profile.IsSubscribed)
	return nil
}

// Latest returns the last loaded profile, if any.
func (s *ProfileStore) Latest() (domain.UserProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return domain.UserProfile{}, false
	}
	return *s.latest, true
}

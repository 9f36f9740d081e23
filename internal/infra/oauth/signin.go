package oauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"sally/internal/domain"
)

const callbackPath = "/callback"

type Config struct {
	BackendURL         string
	GoogleExchangePath string
	AppleStartPath     string

	GoogleClientID     string
	GoogleClientSecret string
	// GoogleEndpoint overrides Google's authorization server.
	GoogleEndpoint oauth2.Endpoint

	// CallbackAddr is the loopback address receiving the provider redirect.
	CallbackAddr string
	Timeout      time.Duration
}

// Opener shows an authorization URL to the user, usually in a browser.
type Opener func(authURL string) error

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type Result struct {
	Token string
	User  User
}

// Flow runs interactive sign-in against Google or Apple and returns the
// backend's bearer token. Google's ID token is exchanged at the backend;
// Apple sign-in is driven entirely by the backend, which redirects back to
// the loopback callback with the token.
type Flow struct {
	cfg        Config
	open       Opener
	httpClient *http.Client
	logger     *slog.Logger
}

func NewFlow(cfg Config, open Opener, logger *slog.Logger) *Flow {
	if cfg.GoogleExchangePath == "" {
		cfg.GoogleExchangePath = "/api/googleauth/onetap"
	}
	if cfg.AppleStartPath == "" {
		cfg.AppleStartPath = "/api/auth/apple/start"
	}
	if cfg.GoogleEndpoint.AuthURL == "" {
		cfg.GoogleEndpoint = endpoints.Google
	}
	if cfg.CallbackAddr == "" {
		cfg.CallbackAddr = "127.0.0.1:0"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Flow{
		cfg:        cfg,
		open:       open,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

func (f *Flow) SignIn(ctx context.Context, provider domain.Provider) (string, error) {
	res, err := f.Authenticate(ctx, provider)
	if err != nil {
		return "", err
	}
	return res.Token, nil
}

func (f *Flow) Authenticate(ctx context.Context, provider domain.Provider) (*Result, error) {
	switch provider {
	case domain.ProviderGoogle:
		return f.google(ctx)
	case domain.ProviderApple:
		return f.apple(ctx)
	default:
		return nil, fmt.Errorf("unknown sign-in provider %q", provider)
	}
}

func (f *Flow) google(ctx context.Context) (*Result, error) {
	if f.cfg.GoogleClientID == "" {
		return nil, errors.New("google sign-in not configured: set oauth.google.client_id")
	}

	cb, err := listen(f.cfg.CallbackAddr)
	if err != nil {
		return nil, err
	}
	defer cb.close()

	oauthCfg := &oauth2.Config{
		ClientID:     f.cfg.GoogleClientID,
		ClientSecret: f.cfg.GoogleClientSecret,
		Endpoint:     f.cfg.GoogleEndpoint,
		RedirectURL:  cb.url(),
		Scopes:       []string{"openid", "email", "profile"},
	}

	state := randomState()
	if err := f.open(oauthCfg.AuthCodeURL(state)); err != nil {
		return nil, fmt.Errorf("opening browser: %w", err)
	}

	query, err := f.wait(ctx, cb)
	if err != nil {
		return nil, err
	}
	if query.Get("state") != state {
		return nil, errors.New("invalid oauth state")
	}

	tok, err := oauthCfg.Exchange(ctx, query.Get("code"))
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return nil, errors.New("google did not return an ID token")
	}

	return f.exchangeGoogleIDToken(ctx, idToken)
}

func (f *Flow) exchangeGoogleIDToken(ctx context.Context, idToken string) (*Result, error) {
	body, err := json.Marshal(map[string]string{"idToken": idToken})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.BackendURL+f.cfg.GoogleExchangePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := "Google login failed."
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, fmt.Errorf("google login failed (%d): %s", resp.StatusCode, msg)
	}

	var out struct {
		Token string `json:"token"`
		User  *User  `json:"user"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if out.Token == "" || out.User == nil || out.User.ID == "" || out.User.Email == "" {
		return nil, errors.New("invalid response received from server")
	}

	return &Result{Token: out.Token, User: *out.User}, nil
}

func (f *Flow) apple(ctx context.Context) (*Result, error) {
	cb, err := listen(f.cfg.CallbackAddr)
	if err != nil {
		return nil, err
	}
	defer cb.close()

	start := f.cfg.BackendURL + f.cfg.AppleStartPath + "?" + url.Values{"redirect_uri": {cb.url()}}.Encode()
	if err := f.open(start); err != nil {
		return nil, fmt.Errorf("opening browser: %w", err)
	}

	query, err := f.wait(ctx, cb)
	if err != nil {
		return nil, err
	}
	token := query.Get("token")
	if token == "" {
		return nil, errors.New("token not found in apple callback")
	}
	return &Result{Token: token}, nil
}

func (f *Flow) wait(ctx context.Context, cb *callback) (url.Values, error) {
	timer := time.NewTimer(f.cfg.Timeout)
	defer timer.Stop()

	select {
	case query := <-cb.result:
		if reason := query.Get("error"); reason != "" {
			f.logger.Info("sign-in cancelled by provider", "reason", reason)
			return nil, domain.ErrSignInCancelled
		}
		return query, nil
	case <-ctx.Done():
		return nil, domain.ErrSignInCancelled
	case <-timer.C:
		return nil, fmt.Errorf("sign-in timed out after %s", f.cfg.Timeout)
	}
}

type callback struct {
	ln     net.Listener
	server *http.Server
	result chan url.Values
}

func listen(addr string) (*callback, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening for oauth callback: %w", err)
	}

	cb := &callback{ln: ln, result: make(chan url.Values, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+callbackPath, func(w http.ResponseWriter, r *http.Request) {
		select {
		case cb.result <- r.URL.Query():
		default:
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body>Sign-in complete, you can close this window.</body></html>")
	})
	cb.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = cb.server.Serve(ln) }()
	return cb, nil
}

func (c *callback) url() string {
	host := c.ln.Addr().String()
	if strings.HasPrefix(host, "[::]") || strings.HasPrefix(host, "0.0.0.0") {
		_, port, _ := net.SplitHostPort(host)
		host = net.JoinHostPort("127.0.0.1", port)
	}
	return "http://" + host + callbackPath
}

func (c *callback) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.server.Shutdown(ctx)
}

func randomState() string {
	var b [24]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"time"

	"sally/config"
	"sally/internal/domain"
	"sally/internal/infra/oauth"
	"sally/internal/infra/session"
)

type LoginCmd struct {
	Provider string `short:"p" long:"provider" choice:"google" choice:"apple" default:"google" description:"identity provider"`
}

func (c *LoginCmd) Execute(_ []string) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	return login(ctx, cfg, domain.Provider(c.Provider), logger)
}

func login(ctx context.Context, cfg *config.Config, provider domain.Provider, logger *slog.Logger) error {
	flow := oauth.NewFlow(oauth.Config{
		BackendURL:         cfg.Backend.BaseURL,
		GoogleExchangePath: cfg.OAuth.Google.ExchangePath,
		AppleStartPath:     cfg.OAuth.Apple.StartPath,
		GoogleClientID:     cfg.OAuth.Google.ClientID,
		GoogleClientSecret: cfg.OAuth.Google.ClientSecret,
		CallbackAddr:       cfg.OAuth.CallbackAddr,
	}, openBrowser, logger)

	res, err := flow.Authenticate(ctx, provider)
	if errors.Is(err, domain.ErrSignInCancelled) {
		fmt.Fprintln(os.Stdout, "Sign-in cancelled.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("signing in: %w", err)
	}

	s := &session.Session{
		Token:      res.Token,
		UserID:     res.User.ID,
		Name:       res.User.Name,
		Provider:   provider,
		SignedInAt: time.Now().UTC(),
	}

	// Apple hands back only a token; ask the backend who it belongs to.
	if s.Name == "" {
		profile, err := newBackendClient(cfg).FetchProfile(ctx, res.Token)
		if err != nil {
			logger.Warn("fetching profile after sign-in", "error", err)
		} else {
			s.UserID = profile.ID
			s.Name = profile.Name
		}
	}

	if err := session.NewFileStore(cfg.Session.File).Save(s); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	name := s.Name
	if name == "" {
		name = "your account"
	}
	fmt.Fprintf(os.Stdout, "Signed in as %s.\n", name)
	return nil
}

type LogoutCmd struct{}

func (c *LogoutCmd) Execute(_ []string) error {
	cfg, _, err := load()
	if err != nil {
		return err
	}
	if err := session.NewFileStore(cfg.Session.File).Clear(); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "Signed out.")
	return nil
}

func openBrowser(url string) error {
	fmt.Fprintf(os.Stdout, "Open this URL to sign in:\n  %s\n", url)

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	// The URL is already printed, so a missing opener is not fatal.
	_ = cmd.Start()
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"sally/config"
	"sally/internal/application"
	"sally/internal/domain"
	"sally/internal/infra"
	"sally/internal/infra/audio"
	"sally/internal/infra/backend"
	"sally/internal/infra/console"
	"sally/internal/infra/gemini"
	"sally/internal/infra/ledger"
	"sally/internal/infra/openai"
	"sally/internal/infra/pushover"
	"sally/internal/infra/session"
	"sally/internal/infra/web"
)

type ServeCmd struct{}

func (c *ServeCmd) Execute(_ []string) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	sessions := session.NewFileStore(cfg.Session.File)
	client := newBackendClient(cfg)

	profiles := backend.NewProfileStore(client, sessions, logger)
	profiles.OnChange(func(p domain.UserProfile) {
		logger.Info("profile updated", "credits", p.Credits, "subscribed", p.IsSubscribed)
	})

	speech, err := newSynthesizer(ctx, cfg)
	if err != nil {
		return err
	}

	settlement := application.NewSettlement(
		client,
		profiles,
		ledger.NewFileJournal(cfg.Settlement.JournalFile),
		newNotifier(cfg.Pushover),
		cfg.Settlement.Amount,
		logger,
	)

	deps := application.Dependencies{
		Profiles:   profiles,
		Tokens:     sessions,
		Dialogue:   client,
		Speech:     speech,
		Settlement: settlement,
	}
	turnOpts := application.TurnOptions{
		ErrorHold:         cfg.Turn.ErrorHold,
		ManualPlayTimeout: cfg.Turn.ManualPlayTimeout,
	}

	logger.Info("starting sally",
		"surface", cfg.Surface,
		"tts", cfg.TTS.Provider,
		"capture", cfg.Audio.Capture,
	)

	if cfg.Surface == "console" {
		err = serveConsole(ctx, cancel, cfg, deps, turnOpts, logger)
	} else {
		err = serveWeb(ctx, cfg, deps, turnOpts, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveWeb(ctx context.Context, cfg *config.Config, deps application.Dependencies, opts application.TurnOptions, logger *slog.Logger) error {
	hub := web.NewHub(cfg.Web.AllowedOrigin, logger)
	devices := web.NewDevices(hub, cfg.Web.DeviceTimeout, cfg.Web.ListenTimeout, logger)
	playback := application.NewPlaybackController(devices, logger)

	deps.Permissions = devices
	deps.Capture = devices
	deps.Playback = playback
	deps.Presenter = hub
	deps.Purchase = hub

	orchestrator := application.NewOrchestrator(deps, opts, logger)

	server := web.NewServer(web.Config{
		Addr:          cfg.Web.Addr,
		AllowedOrigin: cfg.Web.AllowedOrigin,
		RateLimit:     cfg.Web.RateLimit,
		RateWindow:    cfg.Web.RateWindow,
	}, orchestrator, playback, hub, devices, logger)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting web surface: %w", err)
	}
	defer func() {
		if err := server.Stop(); err != nil {
			logger.Error("stopping web surface", "error", err)
		}
	}()

	return orchestrator.Run(ctx)
}

func serveConsole(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, deps application.Dependencies, opts application.TurnOptions, logger *slog.Logger) error {
	var stt application.SpeechToText = &application.NoopSTT{}
	if cfg.OpenAI.APIKey != "" {
		stt = openai.NewWhisperClient(cfg.OpenAI.APIKey, cfg.OpenAI.STTModel, cfg.OpenAI.Language)
	}

	var element application.AudioElement
	switch cfg.Audio.Capture {
	case "file":
		source := audio.NewFileSource(cfg.Audio.InputDir, stt, cfg.Audio.NoSpeechTimeout, logger)
		deps.Permissions = source
		deps.Capture = source
		element = audio.NewFileSink(cfg.Audio.OutputDir, logger)
	default:
		mic := audio.NewMicrophone(cfg.Audio.SampleRate, audio.DetectorConfig{
			SilenceThreshold: int16(cfg.Audio.SilenceThreshold),
			TrailingSilence:  cfg.Audio.TrailingSilence,
			MaxDuration:      cfg.Audio.MaxDuration,
			NoSpeechTimeout:  cfg.Audio.NoSpeechTimeout,
		}, stt, logger)
		deps.Permissions = mic
		deps.Capture = mic
		element = audio.NewSpeaker(logger)
	}

	presenter := console.NewPresenter(os.Stdout)
	deps.Playback = application.NewPlaybackController(element, logger)
	deps.Presenter = presenter
	deps.Purchase = presenter

	orchestrator := application.NewOrchestrator(deps, opts, logger)

	done := make(chan error, 1)
	go func() { done <- orchestrator.Run(ctx) }()

	fmt.Fprintln(os.Stdout, "Press Enter to talk to Sally, r + Enter to replay, q + Enter to quit.")
	driverErr := console.NewDriver(os.Stdin, orchestrator, logger).Run(ctx)
	cancel()

	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return driverErr
}

func newBackendClient(cfg *config.Config) *backend.Client {
	paths := backend.Paths{
		Dialogue: cfg.Backend.DialoguePath,
		Credits:  cfg.Backend.CreditsPath,
		Profile:  cfg.Backend.ProfilePath,
		Speech:   cfg.Backend.SpeechPath,
	}
	retry := infra.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Settlement.RetryAttempts
	retry.InitialDelay = 250 * time.Millisecond

	return backend.NewClient(cfg.Backend.BaseURL, paths, cfg.Backend.Timeout).WithDebitRetry(retry)
}

func newSynthesizer(ctx context.Context, cfg *config.Config) (application.SpeechSynthesizer, error) {
	switch cfg.TTS.Provider {
	case "gemini":
		synth, err := gemini.NewSynthesizer(ctx, cfg.Gemini.APIKey, cfg.TTS.Model, cfg.TTS.Voice)
		if err != nil {
			return nil, fmt.Errorf("creating gemini synthesizer: %w", err)
		}
		return synth, nil
	case "openai":
		return openai.NewSpeechClient(cfg.OpenAI.APIKey, cfg.TTS.Model, cfg.TTS.Voice), nil
	default:
		return backend.NewSpeechClient(cfg.Backend.BaseURL, cfg.Backend.SpeechPath), nil
	}
}

func newNotifier(cfg config.PushoverConfig) application.Notifier {
	if cfg.Enabled {
		return pushover.NewClient(cfg.Token, cfg.UserKey)
	}
	return &application.NoopNotifier{}
}

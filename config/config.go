package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Surface    string           `yaml:"surface"`
	Web        WebConfig        `yaml:"web"`
	Backend    BackendConfig    `yaml:"backend"`
	TTS        TTSConfig        `yaml:"tts"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Gemini     GeminiConfig     `yaml:"gemini"`
	Audio      AudioConfig      `yaml:"audio"`
	Session    SessionConfig    `yaml:"session"`
	OAuth      OAuthConfig      `yaml:"oauth"`
	Settlement SettlementConfig `yaml:"settlement"`
	Pushover   PushoverConfig   `yaml:"pushover"`
	Turn       TurnConfig       `yaml:"turn"`
	Log        LogConfig        `yaml:"log"`
}

type WebConfig struct {
	Addr          string        `yaml:"addr"`
	AllowedOrigin string        `yaml:"allowed_origin"`
	RateLimit     int           `yaml:"rate_limit"`
	RateWindow    time.Duration `yaml:"rate_window"`
	DeviceTimeout time.Duration `yaml:"device_timeout"`
	ListenTimeout time.Duration `yaml:"listen_timeout"`
}

type BackendConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	DialoguePath string        `yaml:"dialogue_path"`
	CreditsPath  string        `yaml:"credits_path"`
	ProfilePath  string        `yaml:"profile_path"`
	SpeechPath   string        `yaml:"speech_path"`
}

type TTSConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Voice    string `yaml:"voice"`
}

type OpenAIConfig struct {
	APIKey   string `yaml:"api_key"`
	STTModel string `yaml:"stt_model"`
	Language string `yaml:"language"`
}

type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

type AudioConfig struct {
	Capture          string        `yaml:"capture"`
	InputDir         string        `yaml:"input_dir"`
	OutputDir        string        `yaml:"output_dir"`
	SampleRate       int           `yaml:"sample_rate"`
	SilenceThreshold int           `yaml:"silence_threshold"`
	TrailingSilence  time.Duration `yaml:"trailing_silence"`
	MaxDuration      time.Duration `yaml:"max_duration"`
	NoSpeechTimeout  time.Duration `yaml:"no_speech_timeout"`
}

type SessionConfig struct {
	File string `yaml:"file"`
}

type OAuthConfig struct {
	CallbackAddr string       `yaml:"callback_addr"`
	Google       GoogleConfig `yaml:"google"`
	Apple        AppleConfig  `yaml:"apple"`
}

type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	ExchangePath string `yaml:"exchange_path"`
}

type AppleConfig struct {
	StartPath string `yaml:"start_path"`
}

type SettlementConfig struct {
	Amount        int    `yaml:"amount"`
	RetryAttempts int    `yaml:"retry_attempts"`
	JournalFile   string `yaml:"journal_file"`
}

type PushoverConfig struct {
	Token   string `yaml:"token"`
	UserKey string `yaml:"user_key"`
	Enabled bool   `yaml:"enabled"`
}

type TurnConfig struct {
	ErrorHold         time.Duration `yaml:"error_hold"`
	ManualPlayTimeout time.Duration `yaml:"manual_play_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML file at path after loading a .env file next to it
// (or in the working directory), expanding ${VAR} references.
func Load(path string) (*Config, error) {
	for _, env := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if err := godotenv.Load(env); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", env, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Surface == "" {
		c.Surface = "web"
	}
	if c.Web.Addr == "" {
		c.Web.Addr = ":8080"
	}
	if c.Web.RateLimit == 0 {
		c.Web.RateLimit = 60
	}
	if c.Web.RateWindow == 0 {
		c.Web.RateWindow = time.Minute
	}
	if c.Web.DeviceTimeout == 0 {
		c.Web.DeviceTimeout = 15 * time.Second
	}
	if c.Web.ListenTimeout == 0 {
		c.Web.ListenTimeout = 30 * time.Second
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 30 * time.Second
	}
	if c.Backend.DialoguePath == "" {
		c.Backend.DialoguePath = "/api/sally/body-assessment"
	}
	if c.Backend.CreditsPath == "" {
		c.Backend.CreditsPath = "/api/event/deduct-credits"
	}
	if c.Backend.ProfilePath == "" {
		c.Backend.ProfilePath = "/api/user/profile"
	}
	if c.Backend.SpeechPath == "" {
		c.Backend.SpeechPath = "/api/sally/tts"
	}
	if c.TTS.Provider == "" {
		c.TTS.Provider = "backend"
	}
	if c.OpenAI.Language == "" {
		c.OpenAI.Language = "en"
	}
	if c.Audio.Capture == "" {
		c.Audio.Capture = "microphone"
	}
	if c.Audio.InputDir == "" {
		c.Audio.InputDir = "./audio/in"
	}
	if c.Audio.OutputDir == "" {
		c.Audio.OutputDir = "./audio/out"
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 16000
	}
	if c.Audio.SilenceThreshold == 0 {
		c.Audio.SilenceThreshold = 500
	}
	if c.Audio.TrailingSilence == 0 {
		c.Audio.TrailingSilence = time.Second
	}
	if c.Audio.MaxDuration == 0 {
		c.Audio.MaxDuration = 10 * time.Second
	}
	if c.Audio.NoSpeechTimeout == 0 {
		c.Audio.NoSpeechTimeout = 5 * time.Second
	}
	if c.Session.File == "" {
		c.Session.File = defaultStatePath("session.json")
	}
	if c.OAuth.CallbackAddr == "" {
		c.OAuth.CallbackAddr = "127.0.0.1:8765"
	}
	if c.OAuth.Google.ExchangePath == "" {
		c.OAuth.Google.ExchangePath = "/api/googleauth/onetap"
	}
	if c.OAuth.Apple.StartPath == "" {
		c.OAuth.Apple.StartPath = "/api/auth/apple/start"
	}
	if c.Settlement.Amount == 0 {
		c.Settlement.Amount = 1
	}
	if c.Settlement.RetryAttempts == 0 {
		c.Settlement.RetryAttempts = 3
	}
	if c.Settlement.JournalFile == "" {
		c.Settlement.JournalFile = defaultStatePath("pending-debits.json")
	}
	if c.Turn.ErrorHold == 0 {
		c.Turn.ErrorHold = 500 * time.Millisecond
	}
	if c.Turn.ManualPlayTimeout == 0 {
		c.Turn.ManualPlayTimeout = 2 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	switch c.Surface {
	case "web", "console":
	default:
		return fmt.Errorf("unknown surface %q (want web or console)", c.Surface)
	}
	switch c.TTS.Provider {
	case "backend", "gemini", "openai":
	default:
		return fmt.Errorf("unknown tts provider %q (want backend, gemini or openai)", c.TTS.Provider)
	}
	switch c.Audio.Capture {
	case "microphone", "file":
	default:
		return fmt.Errorf("unknown audio capture %q (want microphone or file)", c.Audio.Capture)
	}
	if c.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required")
	}
	if c.Audio.SilenceThreshold < 1 || c.Audio.SilenceThreshold > math.MaxInt16 {
		return fmt.Errorf("audio.silence_threshold must be within 1..%d, got %d", math.MaxInt16, c.Audio.SilenceThreshold)
	}
	if c.Settlement.Amount < 0 {
		return fmt.Errorf("settlement.amount must be positive, got %d", c.Settlement.Amount)
	}
	return nil
}

func defaultStatePath(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".sally", name)
	}
	return filepath.Join(dir, "sally", name)
}

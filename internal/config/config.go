package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice ordering service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool

	LogLevel  string
	LogFormat string

	// RealtimeProvider is auto, openai or mock. auto picks openai when an API
	// key is configured.
	RealtimeProvider   string
	OpenAIAPIKey       string
	RealtimeURL        string
	RealtimeModel      string
	RealtimeVoice      string
	TranscriptionModel string

	AudioDevice     string
	AudioSampleRate int
	AudioChunk      time.Duration

	TurnMode      string
	AssistantMode string
	ProfilePath   string
	GreetingText  string

	DatabaseURL         string
	OrderWebhookURL     string
	OrderWebhookTimeout time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "ordervoice"),
		LogLevel:                 envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:                envOrDefault("APP_LOG_FORMAT", "json"),
		RealtimeProvider:         strings.ToLower(envOrDefault("REALTIME_PROVIDER", "auto")),
		OpenAIAPIKey:             trimmedEnv("OPENAI_API_KEY"),
		RealtimeURL:              envOrDefault("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:            envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:            envOrDefault("REALTIME_VOICE", "alloy"),
		TranscriptionModel:       envOrDefault("REALTIME_TRANSCRIPTION_MODEL", "whisper-1"),
		AudioDevice:              strings.ToLower(envOrDefault("AUDIO_DEVICE", "auto")),
		AudioSampleRate:          24000,
		AudioChunk:               100 * time.Millisecond,
		TurnMode:                 strings.ToLower(envOrDefault("TURN_MODE", "continuous")),
		AssistantMode:            strings.ToLower(trimmedEnv("ASSISTANT_MODE")),
		ProfilePath:              trimmedEnv("PROFILE_PATH"),
		GreetingText:             envOrDefault("GREETING_TEXT", "Hello!"),
		DatabaseURL:              trimmedEnv("DATABASE_URL"),
		OrderWebhookURL:          trimmedEnv("ORDER_WEBHOOK_URL"),
		OrderWebhookTimeout:      5 * time.Second,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioSampleRate, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.AudioSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioChunk, err = durationFromEnv("AUDIO_CHUNK", cfg.AudioChunk)
	if err != nil {
		return Config{}, err
	}
	cfg.OrderWebhookTimeout, err = durationFromEnv("ORDER_WEBHOOK_TIMEOUT", cfg.OrderWebhookTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.AudioSampleRate < 8000 {
		return Config{}, fmt.Errorf("AUDIO_SAMPLE_RATE must be at least 8000")
	}
	if cfg.AudioChunk < 10*time.Millisecond || cfg.AudioChunk > time.Second {
		return Config{}, fmt.Errorf("AUDIO_CHUNK must be between 10ms and 1s")
	}
	switch cfg.RealtimeProvider {
	case "auto", "openai", "mock":
	default:
		return Config{}, fmt.Errorf("REALTIME_PROVIDER must be auto, openai or mock")
	}
	if cfg.RealtimeProvider == "openai" && cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("REALTIME_PROVIDER=openai requires OPENAI_API_KEY")
	}
	switch cfg.AudioDevice {
	case "auto", "virtual", "portaudio":
	default:
		return Config{}, fmt.Errorf("AUDIO_DEVICE must be auto, virtual or portaudio")
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("APP_LOG_FORMAT must be json or console")
	}

	return cfg, nil
}

// UseMockAgent reports whether sessions talk to the in-process scripted agent.
func (c Config) UseMockAgent() bool {
	return c.RealtimeProvider == "mock" || (c.RealtimeProvider == "auto" && c.OpenAIAPIKey == "")
}

// ChunkMillis is the capture chunk length in whole milliseconds.
func (c Config) ChunkMillis() int {
	return int(c.AudioChunk / time.Millisecond)
}

func envOrDefault(key, fallback string) string {
	v := trimmedEnv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

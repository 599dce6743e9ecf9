package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/ordervoice/internal/config"
	"github.com/ent0n29/ordervoice/internal/device"
	"github.com/ent0n29/ordervoice/internal/httpapi"
	"github.com/ent0n29/ordervoice/internal/observability"
	"github.com/ent0n29/ordervoice/internal/orders"
	"github.com/ent0n29/ordervoice/internal/profile"
	"github.com/ent0n29/ordervoice/internal/realtime"
	"github.com/ent0n29/ordervoice/internal/session"
	"github.com/ent0n29/ordervoice/internal/tools"
	"github.com/ent0n29/ordervoice/internal/turn"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Registry
	Metrics  *observability.Metrics
	Logger   *zap.Logger
	Profile  profile.Profile
	// Agent is "mock" or "openai"; Device names the audio backend.
	Agent  string
	Device string

	// Cleanup ends every session and releases the order backend.
	Cleanup func() error
}

// Options overrides pieces of the build that tests replace.
type Options struct {
	Logger  *zap.Logger
	Metrics *observability.Metrics
	// Devices, when set, supplies the audio devices of each new session.
	Devices func(sessionID string) device.Provider
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	return BuildWith(ctx, cfg, Options{})
}

func BuildWith(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	prof := profile.Default
	if strings.TrimSpace(cfg.ProfilePath) != "" {
		p, err := profile.Load(cfg.ProfilePath)
		if err != nil {
			return nil, err
		}
		prof = p
	}
	defaultAssistant := cfg.AssistantMode
	if defaultAssistant == "" {
		defaultAssistant = prof.AssistantMode()
	}
	if _, err := tools.ParseMode(defaultAssistant); err != nil {
		return nil, err
	}
	if _, err := turn.ParseMode(cfg.TurnMode); err != nil {
		return nil, err
	}
	cfg.AssistantMode = defaultAssistant

	fulfiller, err := newFulfiller(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("order backend init failed: %w", err)
	}

	devices, deviceName, err := resolveDevices(cfg, opts.Devices)
	if err != nil {
		_ = fulfiller.Close()
		return nil, err
	}

	agent := "openai"
	newDialer := func() realtime.Dialer {
		return realtime.WebSocketDialer{
			URL:    cfg.RealtimeURL,
			Model:  cfg.RealtimeModel,
			APIKey: cfg.OpenAIAPIKey,
		}
	}
	if cfg.UseMockAgent() {
		agent = "mock"
		newDialer = func() realtime.Dialer {
			mock := realtime.NewMockAgent(realtime.MockAgentConfig{
				SampleRate: cfg.AudioSampleRate,
				Reply:      "Thanks! What else can I get for you?",
			})
			return realtime.LoopbackDialer{Serve: mock.Serve}
		}
	}

	factory := func(id string, req session.CreateRequest) (*session.Manager, error) {
		mode, err := turn.ParseMode(req.TurnMode)
		if err != nil {
			return nil, err
		}
		assistant, err := tools.ParseMode(req.AssistantMode)
		if err != nil {
			return nil, err
		}
		// A discovery request on a standard profile still withholds ordering,
		// so the instructions must say so.
		p := prof
		p.DiscoveryModeOn = assistant == tools.ModeDiscovery
		return session.NewManager(devices(id), newDialer(), session.Config{
			ID:                 id,
			SampleRate:         cfg.AudioSampleRate,
			ChunkMillis:        cfg.ChunkMillis(),
			Instructions:       p.Instructions(),
			Voice:              cfg.RealtimeVoice,
			Greeting:           cfg.GreetingText,
			TranscriptionModel: cfg.TranscriptionModel,
			TurnMode:           mode,
			AssistantMode:      assistant,
			Orders:             fulfiller,
			Logger:             logger.Named("session"),
			Metrics:            metrics,
		}), nil
	}

	sessions := session.NewRegistry(cfg.SessionInactivityTimeout, factory, logger.Named("registry"))
	sessions.SetExpireHook(func(s session.Session) {
		logger.Info("session expired", zap.String("session_id", s.ID))
		metrics.SessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
	})

	api := httpapi.New(cfg, sessions, metrics, logger.Named("http"))
	if store, ok := fulfiller.(orders.Store); ok {
		api.SetOrderStore(store)
	}

	cleanup := func() error {
		sessions.Close()
		metrics.SetActiveSessions(0)
		if err := fulfiller.Close(); err != nil {
			return fmt.Errorf("close order backend: %w", err)
		}
		return nil
	}

	logger.Info("service built",
		zap.String("agent", agent),
		zap.String("audio_device", deviceName),
		zap.String("profile", prof.Name),
		zap.String("turn_mode", cfg.TurnMode),
		zap.String("assistant_mode", cfg.AssistantMode),
	)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Metrics:  metrics,
		Logger:   logger,
		Profile:  prof,
		Agent:    agent,
		Device:   deviceName,
		Cleanup:  cleanup,
	}, nil
}

// newFulfiller prefers the webhook when one is configured and otherwise keeps
// orders in Postgres or memory.
func newFulfiller(ctx context.Context, cfg config.Config) (orders.Fulfiller, error) {
	if cfg.OrderWebhookURL != "" {
		return orders.NewWebhookFulfiller(orders.WebhookConfig{
			URL:     cfg.OrderWebhookURL,
			Timeout: cfg.OrderWebhookTimeout,
		}), nil
	}
	return orders.NewStore(ctx, cfg.DatabaseURL)
}

// resolveDevices picks the audio backend. Hardware is shared by every
// session, so only one of them can hold the microphone at a time; virtual
// devices are per session.
func resolveDevices(cfg config.Config, override func(string) device.Provider) (func(string) device.Provider, string, error) {
	if override != nil {
		return override, "custom", nil
	}
	perSession := func(string) device.Provider {
		return device.NewVirtual(device.VirtualConfig{})
	}
	switch cfg.AudioDevice {
	case "virtual":
		return perSession, "virtual", nil
	case "portaudio", "auto", "":
		provider, name := device.Default()
		if name == "virtual" {
			if cfg.AudioDevice == "portaudio" {
				return nil, "", fmt.Errorf("AUDIO_DEVICE=portaudio but the binary was built without the portaudio tag")
			}
			return perSession, name, nil
		}
		return func(string) device.Provider { return provider }, name, nil
	default:
		return nil, "", fmt.Errorf("unknown audio device %q", cfg.AudioDevice)
	}
}

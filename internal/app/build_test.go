package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ent0n29/ordervoice/internal/config"
	"github.com/ent0n29/ordervoice/internal/device"
	"github.com/ent0n29/ordervoice/internal/observability"
	"github.com/ent0n29/ordervoice/internal/session"
	"github.com/ent0n29/ordervoice/internal/tools"
)

func testConfig() config.Config {
	return config.Config{
		SessionInactivityTimeout: time.Minute,
		RealtimeProvider:         "mock",
		AudioDevice:              "virtual",
		AudioSampleRate:          24000,
		AudioChunk:               100 * time.Millisecond,
		TurnMode:                 "continuous",
		GreetingText:             "Hello!",
	}
}

func testOptions() Options {
	return Options{
		Logger:  zap.NewNop(),
		Metrics: observability.NewMetricsWith(prometheus.NewRegistry(), "test_app"),
	}
}

func TestBuildWiresMockAgentAndVirtualDevices(t *testing.T) {
	res, err := BuildWith(context.Background(), testConfig(), testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Cleanup() })

	assert.Equal(t, "mock", res.Agent)
	assert.Equal(t, "virtual", res.Device)
	assert.Equal(t, "standard", res.Config.AssistantMode)

	a, err := res.Sessions.Create(session.CreateRequest{TurnMode: "continuous"})
	require.NoError(t, err)
	b, err := res.Sessions.Create(session.CreateRequest{TurnMode: "manual"})
	require.NoError(t, err)

	// Virtual devices are per session, so both can connect at once.
	for _, id := range []string{a.ID, b.ID} {
		voice, err := res.Sessions.Voice(id)
		require.NoError(t, err)
		require.NoError(t, voice.Connect(context.Background()))
	}
	assert.Equal(t, 2, res.Sessions.ActiveCount())

	require.NoError(t, res.Cleanup())
	assert.Equal(t, 0, res.Sessions.ActiveCount())
}

func TestBuildSharedDevicesAllowOneSessionAtATime(t *testing.T) {
	shared := device.NewVirtual(device.VirtualConfig{})
	opts := testOptions()
	opts.Devices = func(string) device.Provider { return shared }

	res, err := BuildWith(context.Background(), testConfig(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Cleanup() })

	first, err := res.Sessions.Create(session.CreateRequest{})
	require.NoError(t, err)
	second, err := res.Sessions.Create(session.CreateRequest{})
	require.NoError(t, err)

	v1, err := res.Sessions.Voice(first.ID)
	require.NoError(t, err)
	require.NoError(t, v1.Connect(context.Background()))

	v2, err := res.Sessions.Voice(second.ID)
	require.NoError(t, err)
	err = v2.Connect(context.Background())
	require.ErrorIs(t, err, device.ErrBusy)
	assert.Equal(t, session.StateIdle, v2.State())
}

func TestBuildLoadsProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: Harbor Tacos\ndiscoveryModeOn: true\nmenuText: |\n  Fish Taco - 4.50\n"), 0o600))

	cfg := testConfig()
	cfg.ProfilePath = path
	res, err := BuildWith(context.Background(), cfg, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Cleanup() })

	assert.Equal(t, "Harbor Tacos", res.Profile.Name)
	assert.Equal(t, string(tools.ModeDiscovery), res.Config.AssistantMode)

	s, err := res.Sessions.Create(session.CreateRequest{AssistantMode: res.Config.AssistantMode})
	require.NoError(t, err)
	assert.Equal(t, "discovery", s.AssistantMode)
}

func TestBuildRejectsBadSettings(t *testing.T) {
	cfg := testConfig()
	cfg.ProfilePath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := BuildWith(context.Background(), cfg, testOptions())
	require.Error(t, err)

	cfg = testConfig()
	cfg.AssistantMode = "chatty"
	_, err = BuildWith(context.Background(), cfg, testOptions())
	require.Error(t, err)

	cfg = testConfig()
	cfg.AudioDevice = "alsa"
	_, err = BuildWith(context.Background(), cfg, testOptions())
	require.Error(t, err)
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger := NewLogger("loud", "console")
	require.NotNil(t, logger)
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
}

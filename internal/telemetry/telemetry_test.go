package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"missionline/internal/config"
	"missionline/internal/telemetry"
)

func TestNewLoggerLevels(t *testing.T) {
	logger, err := telemetry.NewLogger("debug", "console")
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = telemetry.NewLogger("warn", "json")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = telemetry.NewLogger("loud", "json")
	require.Error(t, err)
}

func TestSetupTracingNoopWithoutEndpoint(t *testing.T) {
	shutdown, err := telemetry.SetupTracing(context.Background(), config.TracingConfig{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, shutdown(ctx))
}

func TestSetupTracingWithEndpoint(t *testing.T) {
	// Non-routable address so nothing is exported.
	shutdown, err := telemetry.SetupTracing(context.Background(), config.TracingConfig{
		Endpoint:    "http://192.0.2.1:4318",
		ServiceName: "missionline-test",
		Insecure:    true,
	})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	require.NotNil(t, telemetry.Tracer())
}

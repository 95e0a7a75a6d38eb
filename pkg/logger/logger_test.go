package logger

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	err := Init(&Config{Level: "warn", Output: "stderr"})
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, GetLogger().GetLevel())

	err = Init(&Config{Level: "info", Debug: true})
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, GetLogger().GetLevel())
}

func TestInit_InvalidLevel(t *testing.T) {
	require.Error(t, Init(&Config{Level: "chatty"}))
}

func TestSetDebug(t *testing.T) {
	SetDebug(true)
	assert.Equal(t, zerolog.DebugLevel, GetLogger().GetLevel())

	SetDebug(false)
	assert.Equal(t, zerolog.InfoLevel, GetLogger().GetLevel())
}

func TestWrap_WithComponent(t *testing.T) {
	l := Wrap(zerolog.Nop())
	l.SetDebug(true)

	assert.NotNil(t, l.WithComponent("registry"))
	assert.NotNil(t, l.WithFields(map[string]interface{}{"gateway_id": "gw1"}))
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_HEADERS", "x-token=abc, x-tenant = t1")

	cfg := DefaultConfig()

	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "stdout", cfg.Output)
	assert.Equal(t, "fleetradar", cfg.OTel.ServiceName)
	assert.Equal(t, map[string]string{"x-token": "abc", "x-tenant": "t1"}, cfg.OTel.Headers)
}

func TestInitializeMetrics_Disabled(t *testing.T) {
	_, err := InitializeMetrics(context.Background(), MetricsConfig{})
	require.ErrorIs(t, err, ErrOTelMetricsDisabled)

	_, err = InitializeMetrics(context.Background(), MetricsConfig{OTel: &OTelConfig{Enabled: true}})
	require.ErrorIs(t, err, ErrOTelMetricsDisabled)

	require.NoError(t, Shutdown(context.Background()))
}

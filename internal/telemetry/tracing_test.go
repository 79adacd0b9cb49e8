package telemetry

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestSetupTracingDisabled(t *testing.T) {
	logger, hook := test.NewNullLogger()

	shutdown, err := SetupTracing(context.Background(), TraceConfig{ServiceName: "roiflow-test", Exporter: "none"}, logger)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "tracing exporter disabled", hook.LastEntry().Message)
}

func TestSetupTracingRejectsBadConfig(t *testing.T) {
	_, err := SetupTracing(context.Background(), TraceConfig{Exporter: "zipkin"}, nil)
	assert.Error(t, err)

	_, err = SetupTracing(context.Background(), TraceConfig{Exporter: "otlp"}, nil)
	assert.Error(t, err)
}

func TestSetupTracingStdout(t *testing.T) {
	logger, hook := test.NewNullLogger()

	shutdown, err := SetupTracing(context.Background(), TraceConfig{
		ServiceName: "roiflow-test",
		Exporter:    "STDOUT",
		SampleRatio: 3,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		otel.SetTracerProvider(noop.NewTracerProvider())
	})
	assert.NoError(t, shutdown(context.Background()))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, 1.0, hook.LastEntry().Data["sample_ratio"])
}

func TestSampleRatio(t *testing.T) {
	assert.Equal(t, 0.0, sampleRatio(-1))
	assert.Equal(t, 0.25, sampleRatio(0.25))
	assert.Equal(t, 1.0, sampleRatio(7))
}

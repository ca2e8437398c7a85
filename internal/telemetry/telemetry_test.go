package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNew_Disabled(t *testing.T) {
	t.Parallel()

	for name, cfg := range map[string]*Config{
		"nil":      nil,
		"disabled": {Enabled: false, Tracing: &TracingConfig{Enabled: true}},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			tel, err := New(context.Background(), WithTelemetryConfig(cfg))
			require.NoError(t, err)
			require.NotNil(t, tel.TracerProvider())
			require.NotNil(t, tel.MeterProvider())
			assert.Nil(t, tel.MetricsHandler())
			_, isSDK := tel.TracerProvider().(*sdktrace.TracerProvider)
			assert.False(t, isSDK)
			assert.NoError(t, tel.Shutdown(context.Background()))
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), WithTelemetryConfig(&Config{
		Enabled: true,
		Metrics: &MetricsConfig{Enabled: true, Exporter: "graphite"},
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid telemetry configuration")
}

func TestNew_PrometheusExporter(t *testing.T) {
	t.Parallel()

	tel, err := New(context.Background(),
		WithVersion("v1.0.0"),
		WithTelemetryConfig(&Config{
			Enabled: true,
			Metrics: &MetricsConfig{Enabled: true, Exporter: ExporterPrometheus},
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	_, isSDK := tel.MeterProvider().(*sdkmetric.MeterProvider)
	require.True(t, isSDK)
	require.NotNil(t, tel.MetricsHandler())

	sync, err := NewSyncMetrics(tel.MeterProvider())
	require.NoError(t, err)
	sync.RecordPull(context.Background(), "total", 3, 1, 0, true)

	rr := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "checkapp_sync_pull_items")
	assert.Contains(t, string(body), "go_goroutines")
}

package observability

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSpanWithContext(t *testing.T) {
	tests := []struct {
		name     string
		spanName string
		data     map[string]any
	}{
		{
			name:     "span with nil data",
			spanName: "test-span",
			data:     nil,
		},
		{
			name:     "span with empty data",
			spanName: "empty-span",
			data:     map[string]any{},
		},
		{
			name:     "span with mixed data types",
			spanName: "session.start",
			data: map[string]any{
				"user":    "u1",
				"count":   42,
				"ratio":   3.14,
				"active":  true,
				"members": []string{"a", "b"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, span := StartSpanWithContext(context.Background(), tt.spanName, tt.data)
			require.NotNil(t, span)
			assert.Equal(t, tt.spanName, span.Name())
			assert.Equal(t, ctx, span.Context())
			assert.Equal(t, tt.data, span.Data())

			span.SetAttribute("extra", 1)
			span.SetError(errors.New("boom"))
			assert.False(t, span.IsEnded())
			span.End()
			assert.True(t, span.IsEnded())
			span.End()
		})
	}
}

func TestSpan_ZeroValue(t *testing.T) {
	var span Span
	assert.Empty(t, span.Name())
	assert.Nil(t, span.Data())

	// End() on zero value should not panic
	span.End()
	span.SetAttribute("k", "v")
	span.SetError(errors.New("x"))
}

func TestSpan_ConcurrentAccess(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, span := StartSpanWithOtel(context.Background(), "concurrent-span")
			span.End()
		}(i)
	}
	wg.Wait()
}

func TestInitDisabled(t *testing.T) {
	logger, _ := test.NewNullLogger()
	require.NoError(t, Init(Config{Enabled: false, Logger: logger}))
	require.NoError(t, Shutdown(context.Background()))
}

func TestInitStdout(t *testing.T) {
	logger, _ := test.NewNullLogger()
	require.NoError(t, Init(Config{Enabled: true, ExporterType: "stdout", Logger: logger}))

	_, span := StartSpanWithOtel(context.Background(), "stdout-span")
	span.End()

	require.NoError(t, Shutdown(context.Background()))
	// A second shutdown is a no-op.
	require.NoError(t, Shutdown(context.Background()))
}

func TestInitUnknownExporter(t *testing.T) {
	logger, _ := test.NewNullLogger()
	err := Init(Config{Enabled: true, ExporterType: "zipkin", Logger: logger})
	assert.ErrorContains(t, err, "unknown exporter type")
}

func TestParseHeaders(t *testing.T) {
	assert.Nil(t, parseHeaders(""))
	assert.Nil(t, parseHeaders(",,"))
	assert.Equal(t, map[string]string{"a": "1", "b": "x=y"}, parseHeaders("a=1, b=x=y,novalue"))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "ctx-a")
	t.Setenv("OTEL_TRACES_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "authorization=Bearer t")

	cfg := ConfigFromEnv()
	assert.Equal(t, "ctx-a", cfg.ServiceName)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "otlp", cfg.ExporterType)
	assert.Equal(t, DefaultOTLPEndpoint, cfg.OTLPEndpoint)
	assert.Equal(t, "Bearer t", cfg.OTLPHeaders["authorization"])
}

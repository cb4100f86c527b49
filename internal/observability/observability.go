package observability

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// Default service name for traces
	DefaultServiceName = "tabsync"

	// DefaultOTLPEndpoint is the local collector's OTLP/HTTP endpoint
	DefaultOTLPEndpoint = "localhost:4318"
)

var (
	mu sync.RWMutex

	// Global tracer provider
	tracerProvider *sdktrace.TracerProvider

	// Global tracer
	tracer trace.Tracer
)

// Config holds observability configuration
type Config struct {
	// ServiceName is the name of the service (defaults to "tabsync")
	ServiceName string

	// Enabled controls whether tracing is enabled
	Enabled bool

	// ExporterType specifies the exporter: "otlp", "stdout", or "none"
	ExporterType string

	// OTLPEndpoint is the OTLP endpoint host:port
	OTLPEndpoint string

	// OTLPHeaders are additional headers for OTLP requests (e.g., authorization)
	OTLPHeaders map[string]string

	// Insecure disables TLS for the OTLP exporter
	Insecure bool

	// Logger receives initialization messages
	Logger logrus.FieldLogger
}

// ConfigFromEnv reads the standard OpenTelemetry environment variables:
// - OTEL_SERVICE_NAME: Service name (default: "tabsync")
// - OTEL_TRACES_ENABLED: "true" to enable tracing (default: "false")
// - OTEL_TRACES_EXPORTER: Exporter type - "otlp", "stdout", or "none" (default: "otlp")
// - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4318)
// - OTEL_EXPORTER_OTLP_HEADERS: Headers in format "key1=value1,key2=value2"
// - OTEL_EXPORTER_OTLP_INSECURE: "true" to disable TLS
func ConfigFromEnv() Config {
	return Config{
		ServiceName:  getEnv("OTEL_SERVICE_NAME", DefaultServiceName),
		Enabled:      getEnv("OTEL_TRACES_ENABLED", "false") == "true",
		ExporterType: getEnv("OTEL_TRACES_EXPORTER", "otlp"),
		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
		OTLPHeaders:  parseHeaders(getEnv("OTEL_EXPORTER_OTLP_HEADERS", "")),
		Insecure:     getEnv("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
	}
}

// Init initializes the observability system with the given configuration
func Init(config Config) error {
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}

	if !config.Enabled || config.ExporterType == "none" {
		logger.Debug("Tracing disabled")
		mu.Lock()
		tracer = otel.GetTracerProvider().Tracer(config.ServiceName)
		mu.Unlock()
		return nil
	}

	// Create resource
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	// Create exporter based on type
	var exporter sdktrace.SpanExporter
	switch config.ExporterType {
	case "otlp":
		exporter, err = createOTLPExporter(config)
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		logger.WithField("endpoint", config.OTLPEndpoint).Info("Tracing initialized with OTLP exporter")

	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		logger.Info("Tracing initialized with stdout exporter")

	default:
		return fmt.Errorf("unknown exporter type: %s", config.ExporterType)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	// Set global tracer provider
	otel.SetTracerProvider(provider)

	mu.Lock()
	tracerProvider = provider
	tracer = provider.Tracer(config.ServiceName)
	mu.Unlock()

	return nil
}

// Shutdown flushes and stops the tracer provider
func Shutdown(ctx context.Context) error {
	mu.Lock()
	provider := tracerProvider
	tracerProvider = nil
	tracer = nil
	mu.Unlock()

	if provider == nil {
		return nil
	}

	// Create a timeout context if not already provided
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}

	return provider.Shutdown(ctx)
}

func currentTracer() trace.Tracer {
	mu.RLock()
	tr := tracer
	mu.RUnlock()
	if tr == nil {
		tr = otel.GetTracerProvider().Tracer(DefaultServiceName)
	}
	return tr
}

// StartSpanWithOtel creates a new span with the given name and OpenTelemetry options.
// Returns a context with the span and the raw OpenTelemetry span.
func StartSpanWithOtel(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return currentTracer().Start(ctx, name, opts...)
}

// StartSpanWithContext creates a new span from a parent context with data
// converted to attributes
func StartSpanWithContext(ctx context.Context, name string, data map[string]any) (context.Context, *Span) {
	spanCtx, span := currentTracer().Start(ctx, name)

	// Convert data to attributes
	if data != nil {
		attrs := make([]attribute.KeyValue, 0, len(data))
		for k, v := range data {
			attrs = append(attrs, convertToAttribute(k, v))
		}
		span.SetAttributes(attrs...)
	}

	return spanCtx, &Span{
		ctx:  spanCtx,
		span: span,
		name: name,
		data: data,
	}
}

// Span wraps an OpenTelemetry span
type Span struct {
	ctx   context.Context
	span  trace.Span
	name  string
	data  map[string]any
	ended bool
}

// End finishes the span
func (s *Span) End() {
	if !s.ended && s.span != nil {
		s.span.End()
		s.ended = true
	}
}

// Name returns the span name
func (s *Span) Name() string {
	return s.name
}

// Data returns the span data
func (s *Span) Data() map[string]any {
	return s.data
}

// IsEnded returns whether the span has been ended
func (s *Span) IsEnded() bool {
	return s.ended
}

// Context returns the span's context
func (s *Span) Context() context.Context {
	return s.ctx
}

// SetAttribute adds an attribute to the span
func (s *Span) SetAttribute(key string, value any) {
	if s.span != nil {
		s.span.SetAttributes(convertToAttribute(key, value))
	}
}

// SetError marks the span as having an error
func (s *Span) SetError(err error) {
	if s.span != nil && err != nil {
		s.span.RecordError(err)
	}
}

// Helper functions

func createOTLPExporter(config Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.OTLPEndpoint),
	}

	// Add headers if provided
	if len(config.OTLPHeaders) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(config.OTLPHeaders))
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	client := otlptracehttp.NewClient(opts...)
	return otlptrace.New(context.Background(), client)
}

func convertToAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseHeaders parses "key1=value1,key2=value2".
func parseHeaders(headerStr string) map[string]string {
	if headerStr == "" {
		return nil
	}

	headers := make(map[string]string)
	for _, pair := range strings.Split(headerStr, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if len(headers) == 0 {
		return nil
	}
	return headers
}

package observe

import "errors"

var (
	ErrMissingServiceName     = errors.New("observe: service name is required")
	ErrInvalidSamplePct       = errors.New("observe: sample_pct must be within [0, 1]")
	ErrInvalidTracingExporter = errors.New("observe: unknown tracing exporter")
	ErrInvalidMetricsExporter = errors.New("observe: unknown metrics exporter")
	ErrInvalidLogLevel        = errors.New("observe: unknown log level")
	ErrInvalidLogFormat       = errors.New("observe: unknown log format")

	// ErrNilMeter is returned by NewCacheMetrics for a nil meter.
	ErrNilMeter = errors.New("observe: meter is nil")
)

// Sampling bounds for TracingConfig.SamplePct.
const (
	MinSamplePct = 0.0
	MaxSamplePct = 1.0
)

// Accepted configuration values. The empty string selects the default.
var (
	ValidTracingExporters = []string{"otlp", "jaeger", "stdout", "none", ""}
	ValidMetricsExporters = []string{"otlp", "prometheus", "stdout", "none", ""}
	ValidLogLevels        = []string{"debug", "info", "warn", "error", ""}
	ValidLogFormats       = []string{"json", "console", ""}
)

// RedactedFields lists field keys whose values never reach a log sink.
// Page bodies and request credentials fall under it.
var RedactedFields = []string{
	"content",
	"body",
	"password",
	"secret",
	"token",
	"authorization",
	"cookie",
	"credential",
}

package telemetry

import (
	"fmt"
	"time"
)

// Config is the telemetry section of the client configuration.
type Config struct {
	ServiceName    string `yaml:"service_name" json:"service_name"`
	ServiceVersion string `yaml:"service_version" json:"service_version"`
	// Environment is attached to every span resource (dev, staging, prod).
	Environment string `yaml:"environment" json:"environment"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Events  EventsConfig  `yaml:"events" json:"events"`

	// ResourceAttributes are extra span resource attributes, e.g. the
	// analytics server a client talks to.
	ResourceAttributes map[string]string `yaml:"resource_attributes" json:"resource_attributes"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error, fatal.
	Level string `yaml:"level" json:"level"`
	// Format is console or json.
	Format string `yaml:"format" json:"format"`
	// Output is stdout, stderr or a file path opened for appending.
	Output       string `yaml:"output" json:"output"`
	EnableCaller bool   `yaml:"enable_caller" json:"enable_caller"`

	// Sampling keeps the first SamplingInitial lines per second, then every
	// SamplingThereafter-th line.
	EnableSampling     bool `yaml:"enable_sampling" json:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial" json:"sampling_initial"`
	SamplingThereafter int  `yaml:"sampling_thereafter" json:"sampling_thereafter"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string `yaml:"time_format" json:"time_format"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Exporter is otlp (gRPC), stdout or none.
	Exporter string `yaml:"exporter" json:"exporter"`
	// Endpoint is the OTLP collector address, e.g. "localhost:4317".
	Endpoint           string            `yaml:"endpoint" json:"endpoint"`
	SamplingRate       float64           `yaml:"sampling_rate" json:"sampling_rate"`
	MaxExportBatchSize int               `yaml:"max_export_batch_size" json:"max_export_batch_size"`
	ExportTimeout      time.Duration     `yaml:"export_timeout" json:"export_timeout"`
	Headers            map[string]string `yaml:"headers" json:"headers"`
	Insecure           bool              `yaml:"insecure" json:"insecure"`
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// ListenAddress serves Path when set; an empty address keeps metrics
	// in process only.
	ListenAddress string `yaml:"listen_address" json:"listen_address"`
	Path          string `yaml:"path" json:"path"`
	Namespace     string `yaml:"namespace" json:"namespace"`
	// DefaultHistogramBuckets are latency buckets in seconds. Job runs can
	// take minutes, so the defaults reach 5m.
	DefaultHistogramBuckets []float64 `yaml:"default_histogram_buckets" json:"default_histogram_buckets"`
}

// EventsConfig configures the job event publisher.
type EventsConfig struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	BufferSize int  `yaml:"buffer_size" json:"buffer_size"`
	// EnableAsync delivers events from a background goroutine instead of
	// the publishing one.
	EnableAsync bool `yaml:"enable_async" json:"enable_async"`
}

// DefaultConfig returns the configuration used when the client config has
// no telemetry section: console logs on stderr at info, metrics kept in
// process, tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "minerlink",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			Path:                    "/metrics",
			Namespace:               "minerlink",
			DefaultHistogramBuckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 256,
		},
		ResourceAttributes: map[string]string{},
	}
}

var (
	logLevels     = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	logFormats    = map[string]bool{"console": true, "json": true}
	spanExporters = map[string]bool{"otlp": true, "stdout": true, "none": true}
)

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("service name is required")
	case c.ServiceVersion == "":
		return fmt.Errorf("service version is required")
	case !logLevels[c.Logging.Level]:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	case !logFormats[c.Logging.Format]:
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	case c.Tracing.Enabled && !spanExporters[c.Tracing.Exporter]:
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	case c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "":
		return fmt.Errorf("otlp trace exporter needs an endpoint")
	case c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1:
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	case c.Events.Enabled && c.Events.EnableAsync && c.Events.BufferSize <= 0:
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}
	return nil
}

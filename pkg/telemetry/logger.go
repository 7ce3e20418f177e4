package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the structured logger handed to backends, the orchestrator and
// the connection resolver. Child loggers carry job, backend, locator and
// connection fields so every line of one run can be correlated.
type Logger struct {
	zlog   zerolog.Logger
	config LoggingConfig
}

type loggerContextKey struct{}

// NewLogger builds a logger from the logging section of the configuration.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	out, err := openLogOutput(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output %q: %w", cfg.Output, err)
	}

	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).Level(parseLogLevel(cfg.Level)).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	zlog := ctx.Logger()

	// Poll loops log every status check; sampling keeps long jobs readable.
	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}

	return &Logger{zlog: zlog, config: cfg}, nil
}

func openLogOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	return os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func timeFieldFormat(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	case "unixmicro":
		return zerolog.TimeFormatUnixMicro
	}
	return time.RFC3339
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// NewWithWriter creates a JSON logger writing to w at the given level.
func NewWithWriter(w io.Writer, level string) *Logger {
	return &Logger{
		zlog:   zerolog.New(w).Level(parseLogLevel(level)).With().Timestamp().Logger(),
		config: LoggingConfig{Level: level, Format: "json"},
	}
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or a stderr logger at info
// level when there is none.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()}
}

func (l *Logger) child(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger(), config: l.config}
}

// NewComponentLogger returns a child logger tagged with a component name.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

// WithField returns a child logger with one extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

// WithFields returns a child logger with extra fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

// WithJobID tags lines with the job id that keys temp resources.
func (l *Logger) WithJobID(jobID string) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Str("job_id", jobID) })
}

// WithLocator tags lines with a resource locator.
func (l *Logger) WithLocator(loc fmt.Stringer) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Stringer("locator", loc) })
}

// WithBackend tags lines with the backend name.
func (l *Logger) WithBackend(name string) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Str("backend", name) })
}

// WithConnection tags lines with a project connection.
func (l *Logger) WithConnection(project, name string) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context {
		return c.Str("project", project).Str("connection", name)
	})
}

// WithError attaches err to every line of the child logger.
func (l *Logger) WithError(err error) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.zlog.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.zlog.Info().Msgf(format, args...) }

// Log writes msg at an explicit level. Platform log lines use it to keep
// the level they were tagged with.
func (l *Logger) Log(level zerolog.Level, msg string) {
	l.zlog.WithLevel(level).Msg(msg)
}

// Zerolog returns the underlying zerolog.Logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// parseLogLevel maps a configured level name to zerolog, defaulting to info.
func parseLogLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

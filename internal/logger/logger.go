// Package logger is the process-wide structured logger. Output is JSON on
// stdout, or OTLP when OTEL_ENABLED=true. Warnings and errors are sampled to
// keep noisy tenant scripts from flooding the log; security violations and
// fatal messages never are.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Level = slog.Level

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	LevelFatal   = slog.Level(12)
)

const defaultServiceName = "metaengine"

var (
	Logger       *slog.Logger
	programLevel = new(slog.LevelVar)
	sampleRate   atomic.Int32
	shutdownFunc func(context.Context) error
)

// Counters are incremented regardless of sampling and exported as metrics.
var (
	TotalErrors        atomic.Int64
	TotalWarnings      atomic.Int64
	SecurityViolations atomic.Int64
	Total5xxErrors     atomic.Int64
	Total4xxErrors     atomic.Int64
)

// Options controls logger setup.
type Options struct {
	Level       slog.Level
	SampleRate  int
	OTEL        bool
	ServiceName string
}

// OptionsFromEnv reads LOG_LEVEL, ERROR_SAMPLE_RATE, OTEL_ENABLED and
// OTEL_SERVICE_NAME.
func OptionsFromEnv() Options {
	opts := Options{Level: LevelInfo, SampleRate: 1, ServiceName: defaultServiceName}

	if lvl, err := ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		opts.Level = lvl
	}
	if s := os.Getenv("ERROR_SAMPLE_RATE"); s != "" {
		if rate, err := strconv.Atoi(s); err == nil && rate > 0 {
			opts.SampleRate = rate
		}
	}
	opts.OTEL = strings.EqualFold(os.Getenv("OTEL_ENABLED"), "true")
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		opts.ServiceName = name
	}
	return opts
}

func init() {
	Configure(OptionsFromEnv())
}

// Configure (re)initializes the global logger.
func Configure(opts Options) {
	programLevel.Set(opts.Level)
	if opts.SampleRate < 1 {
		opts.SampleRate = 1
	}
	sampleRate.Store(int32(opts.SampleRate))

	if opts.OTEL {
		shutdown, err := setupOTEL(context.Background(), opts.ServiceName)
		if err == nil {
			shutdownFunc = shutdown
			return
		}
		fmt.Fprintf(os.Stderr, "OTEL log export unavailable, using JSON: %v\n", err)
	}
	setupJSON()
}

func setupJSON() {
	Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: programLevel}))
	slog.SetDefault(Logger)
}

func setupOTEL(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	Logger = slog.New(&levelHandler{
		level:   programLevel,
		handler: otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider)),
	})
	slog.SetDefault(Logger)

	return provider.Shutdown, nil
}

// levelHandler applies programLevel to handlers that have no level option.
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// Shutdown flushes the OTEL exporter, if one is running.
func Shutdown(ctx context.Context) error {
	if shutdownFunc != nil {
		return shutdownFunc(ctx)
	}
	return nil
}

func SetLevel(level slog.Level) { programLevel.Set(level) }

func GetLevel() slog.Level { return programLevel.Level() }

// ParseLevel converts a level name to slog.Level. An empty string is INFO.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", levelStr)
	}
}

func shouldSample() bool {
	rate := sampleRate.Load()
	if rate <= 1 {
		return true
	}
	return rand.Intn(int(rate)) == 0
}

func Trace(msg string, args ...any) {
	Logger.Log(context.Background(), LevelTrace, msg, args...)
}

func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }

func Info(msg string, args ...any) { Logger.Info(msg, args...) }

// Warn is sampled; the counter is not.
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if shouldSample() {
		Logger.Warn(msg, args...)
	}
}

// Error is sampled; the counter is not.
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if shouldSample() {
		Logger.Error(msg, args...)
	}
}

// Security records a sandbox breach attempt. Never sampled.
func Security(msg string, args ...any) {
	SecurityViolations.Add(1)
	TotalErrors.Add(1)
	Logger.Error(msg, append(args, "security", true)...)
}

// Fatal logs and exits after flushing OTEL.
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	if shutdownFunc != nil {
		_ = shutdownFunc(context.Background())
	}
	os.Exit(1)
}

// HTTPStatus counts 4xx/5xx responses written by the admin server.
func HTTPStatus(status int) {
	switch {
	case status >= 500:
		Total5xxErrors.Add(1)
		TotalErrors.Add(1)
	case status >= 400:
		Total4xxErrors.Add(1)
		TotalWarnings.Add(1)
	}
}

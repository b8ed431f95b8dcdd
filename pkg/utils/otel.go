package utils

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"aaronromeo.com/tabellarium/pkg/base"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/encoding/gzip"
)

const (
	DefaultOTLPEndpoint       = "otlp.uptrace.dev"
	DefaultOTLPMetricEndpoint = "otlp.uptrace.dev:4317"
)

type OTelOptions struct {
	// DSN authenticates against the OTLP collector. Without it traces and
	// metrics stay disabled and logs go to LogWriter.
	DSN            string
	Endpoint       string
	MetricEndpoint string
	ServiceVersion string
	LogWriter      io.Writer
}

// OTelOptionsFromEnv reads the DSN from the environment.
func OTelOptionsFromEnv() OTelOptions {
	return OTelOptions{DSN: os.Getenv(base.OTLP_DSN_ENV_VAR)}
}

func (o OTelOptions) withDefaults() OTelOptions {
	if o.Endpoint == "" {
		o.Endpoint = DefaultOTLPEndpoint
	}
	if o.MetricEndpoint == "" {
		o.MetricEndpoint = DefaultOTLPMetricEndpoint
	}
	if o.ServiceVersion == "" {
		o.ServiceVersion = "1.0.0"
	}
	if o.LogWriter == nil {
		o.LogWriter = os.Stderr
	}
	return o
}

// SetupOTelSDK bootstraps the OpenTelemetry pipeline.
// If it does not return an error, make sure to call shutdown for proper cleanup.
func SetupOTelSDK(ctx context.Context, opts OTelOptions) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error
	opts = opts.withDefaults()

	// shutdown calls cleanup functions registered via shutdownFuncs.
	// The errors from the calls are joined.
	// Each registered cleanup will be invoked once.
	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	// handleErr calls shutdown for cleanup and makes sure that all errors are returned.
	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	otel.SetTextMapPropagator(newPropagator())

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			attribute.String("service.name", base.SERVICE_NAME),
			attribute.String("service.version", opts.ServiceVersion),
		))
	if err != nil {
		handleErr(err)
		return
	}

	if opts.DSN != "" {
		var tracerProvider *trace.TracerProvider
		tracerProvider, err = newTraceProvider(ctx, res, opts)
		if err != nil {
			handleErr(err)
			return
		}
		shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
		otel.SetTracerProvider(tracerProvider)

		var meterProvider *metric.MeterProvider
		meterProvider, err = newMeterProvider(ctx, res, opts)
		if err != nil {
			handleErr(err)
			return
		}
		shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
		otel.SetMeterProvider(meterProvider)
	}

	loggerProvider, err := newLoggerProvider(ctx, res, opts)
	if err != nil {
		handleErr(err)
		return
	}
	shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
	global.SetLoggerProvider(loggerProvider)

	return
}

// NewLogger returns the OTel bridged logger when telemetry is on, a JSON
// logger on w (stdout when nil) otherwise.
func NewLogger(telemetry bool, w io.Writer) *slog.Logger {
	if telemetry {
		return otelslog.NewLogger(base.SERVICE_NAME)
	}
	if w == nil {
		w = os.Stdout
	}
	return slog.New(slog.NewJSONHandler(w, nil))
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
		xray.Propagator{},
	)
}

func newTraceProvider(ctx context.Context, res *resource.Resource, opts OTelOptions) (*trace.TracerProvider, error) {
	traceExporter, err := otlptracehttp.New(
		ctx,
		otlptracehttp.WithEndpoint(opts.Endpoint),
		otlptracehttp.WithHeaders(map[string]string{
			"uptrace-dsn": opts.DSN,
		}),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	)
	if err != nil {
		return nil, err
	}

	traceProvider := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithIDGenerator(xray.NewIDGenerator()),
		trace.WithBatcher(traceExporter,
			trace.WithMaxQueueSize(10_000),
			trace.WithMaxExportBatchSize(10_000),
			trace.WithBatchTimeout(time.Second)),
	)
	return traceProvider, nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, opts OTelOptions) (*metric.MeterProvider, error) {
	preferDeltaTemporalitySelector := func(kind metric.InstrumentKind) metricdata.Temporality {
		switch kind {
		case metric.InstrumentKindCounter,
			metric.InstrumentKindObservableCounter,
			metric.InstrumentKindHistogram:
			return metricdata.DeltaTemporality
		default:
			return metricdata.CumulativeTemporality
		}
	}

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(opts.MetricEndpoint),
		otlpmetricgrpc.WithHeaders(map[string]string{
			"uptrace-dsn": opts.DSN,
		}),
		otlpmetricgrpc.WithCompressor(gzip.Name),
		otlpmetricgrpc.WithTemporalitySelector(preferDeltaTemporalitySelector),
	)
	if err != nil {
		return nil, err
	}

	reader := metric.NewPeriodicReader(
		metricExporter,
		metric.WithInterval(15*time.Second),
	)

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(reader),
	), nil
}

func newLoggerExporter(ctx context.Context, opts OTelOptions) (log.Exporter, error) {
	if opts.DSN == "" {
		return stdoutlog.New(stdoutlog.WithWriter(opts.LogWriter))
	}

	return otlploghttp.New(ctx,
		otlploghttp.WithEndpoint(opts.Endpoint),
		otlploghttp.WithHeaders(map[string]string{
			"uptrace-dsn": opts.DSN,
		}),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	)
}

func newLoggerProvider(ctx context.Context, res *resource.Resource, opts OTelOptions) (*log.LoggerProvider, error) {
	logExporter, err := newLoggerExporter(ctx, opts)
	if err != nil {
		return nil, err
	}

	return log.NewLoggerProvider(
		log.WithResource(res),
		log.WithProcessor(log.NewBatchProcessor(logExporter)),
	), nil
}

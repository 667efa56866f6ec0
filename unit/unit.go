// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package unit runs a service process: it loads the YAML
// configuration, serves Prometheus metrics, exports traces over OTLP
// and runs the main Runnable until a signal or a failure stops it.
package unit

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	traceSdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"sigs.k8s.io/yaml"
)

type (
	Unit struct {
		name        string
		version     string
		environment string

		config *Config
		main   Runnable
		stdout io.Writer
	}

	Runnable interface {
		Run(context.Context, *log.Logger, prometheus.Registerer, trace.TracerProvider) error
	}

	// Configurable is implemented by a Runnable reading the section of
	// the configuration file named after the unit. GetConfiguration
	// returns a pointer the section is decoded into.
	Configurable interface {
		GetConfiguration() any
	}

	Config struct {
		Log     LogConfig     `json:"log"`
		Metrics MetricsConfig `json:"metrics"`
		Tracing TracingConfig `json:"tracing"`
	}

	LogConfig struct {
		Level  string     `json:"level"`
		Format log.Format `json:"format"`
	}

	MetricsConfig struct {
		Addr string `json:"addr"`
	}

	TracingConfig struct {
		Enabled       bool   `json:"enabled"`
		Addr          string `json:"addr"`
		Insecure      bool   `json:"insecure"`
		MaxBatchSize  int    `json:"max-batch-size"`
		BatchTimeout  int    `json:"batch-timeout"`
		ExportTimeout int    `json:"export-timeout"`
		MaxQueueSize  int    `json:"max-queue-size"`
	}
)

func NewUnit(name, version, environment string, main Runnable) *Unit {
	return &Unit{
		name:        name,
		version:     version,
		environment: environment,
		main:        main,
		stdout:      os.Stdout,
		config: &Config{
			Log: LogConfig{
				Level:  "info",
				Format: log.FormatJSON,
			},
			Metrics: MetricsConfig{
				Addr: ":9090",
			},
			Tracing: TracingConfig{
				Addr:          "localhost:4318",
				MaxBatchSize:  1024,
				BatchTimeout:  10,
				ExportTimeout: 15,
				MaxQueueSize:  5000,
			},
		},
	}
}

func (u *Unit) Run() error {
	return u.RunContext(context.Background())
}

func (u *Unit) RunContext(parentCtx context.Context) error {
	return u.run(parentCtx, os.Args[1:])
}

func (u *Unit) run(parentCtx context.Context, args []string) error {
	flags := flag.NewFlagSet(u.name, flag.ContinueOnError)
	flags.SetOutput(u.stdout)

	filename := flags.String("cfg-file", "", "the path of the configuration file")
	printCfg := flags.Bool("print-cfg", false, "print the loaded cfg and exit")
	version := flags.Bool("version", false, "show the service version")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}

		return err
	}

	if *version {
		fmt.Fprintf(u.stdout, "version: %s\n", u.version)
		return nil
	}

	if *filename != "" {
		if err := u.loadConfigurationFromFile(*filename); err != nil {
			return fmt.Errorf("cannot load configuration from %q file: %w", *filename, err)
		}
	}

	if *printCfg {
		return u.printConfiguration()
	}

	rootLogger, err := u.newLogger()
	if err != nil {
		return err
	}

	logger := rootLogger.Named("unit")

	ctx, cancel := context.WithCancelCause(parentCtx)
	defer cancel(context.Canceled)

	otel.SetErrorHandler(&otelErrorHandler{logger: logger, ctx: ctx})

	wg := sync.WaitGroup{}
	metricsInitialized := make(chan prometheus.Registerer, 1)
	tracingInitialized := make(chan trace.TracerProvider, 1)

	metricsServerCtx, stopMetricsServer := context.WithCancel(context.Background())
	defer stopMetricsServer()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := u.runMetricsServer(metricsServerCtx, rootLogger, metricsInitialized); err != nil && !errors.Is(err, context.Canceled) {
			cancel(fmt.Errorf("metrics server crashed: %w", err))
		}

		logger.Info("metrics server shutdown")
	}()

	tracingExporterCtx, stopTracingExporter := context.WithCancel(context.Background())
	defer stopTracingExporter()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := u.runTracingExporter(tracingExporterCtx, rootLogger, tracingInitialized); err != nil && !errors.Is(err, context.Canceled) {
			cancel(fmt.Errorf("traces exporter crashed: %w", err))
		}

		logger.Info("traces exporter shutdown")
	}()

	var (
		registry      prometheus.Registerer
		traceProvider trace.TracerProvider
	)

	select {
	case registry = <-metricsInitialized:
	case <-ctx.Done():
	}

	if registry != nil {
		select {
		case traceProvider = <-tracingInitialized:
		case <-ctx.Done():
		}
	}

	if registry != nil && traceProvider != nil {
		otel.SetTracerProvider(traceProvider)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			),
		)

		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := u.main.Run(ctx, rootLogger, registry, traceProvider); err != nil {
				cancel(err)
				return
			}

			cancel(nil)
		}()
	}

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-signalCtx.Done()
	if ctx.Err() == nil {
		logger.Info("received termination signal")
	}
	cancel(context.Canceled)

	stopMetricsServer()
	stopTracingExporter()

	wg.Wait()

	if err := context.Cause(ctx); !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (u *Unit) newLogger() (*log.Logger, error) {
	var level log.Level
	if err := level.UnmarshalText([]byte(u.config.Log.Level)); err != nil {
		return nil, fmt.Errorf("cannot parse log level: %w", err)
	}

	return log.NewLogger(
		log.WithName(u.name),
		log.WithLevel(level),
		log.WithFormat(u.config.Log.Format),
		log.WithAttributes(
			log.String("version", u.version),
			log.String("environment", u.environment),
		),
	), nil
}

func (u *Unit) printConfiguration() error {
	config := map[string]any{"unit": u.config}
	if configurable, ok := u.main.(Configurable); ok {
		config[u.name] = configurable.GetConfiguration()
	}

	encoder := json.NewEncoder(u.stdout)
	encoder.SetIndent("", "\t")

	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("cannot encode configuration: %w", err)
	}

	return nil
}

func (u *Unit) runMetricsServer(ctx context.Context, l *log.Logger, initialized chan<- prometheus.Registerer) error {
	logger := l.Named("unit.metrics")

	registry := prometheus.NewPedanticRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metricsHandler := promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics:   true,
			MaxRequestsInFlight: 10,
			ErrorHandling:       promhttp.ContinueOnError,
			ErrorLog:            stdlog.New(logger, "", 0),
		},
	)

	httpServer := &http.Server{
		Addr: u.config.Metrics.Addr,
		Handler: http.TimeoutHandler(
			metricsHandler,
			5*time.Second,
			"request timed out",
		),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	logger.InfoCtx(ctx, "starting metrics server", log.String("addr", httpServer.Addr))
	listener, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", httpServer.Addr, err)
	}
	defer listener.Close()

	initialized <- registry

	serverErrCh := make(chan error, 1)
	go func() {
		err := httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("cannot serve http request: %w", err)
		}
		close(serverErrCh)
	}()

	logger.Info("metrics server started")

	select {
	case err := <-serverErrCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down metrics server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown http server: %w", err)
	}

	return ctx.Err()
}

func (u *Unit) runTracingExporter(ctx context.Context, l *log.Logger, initialized chan<- trace.TracerProvider) error {
	logger := l.Named("unit.tracing")
	config := u.config.Tracing

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(u.name),
		semconv.ServiceVersion(u.version),
		semconv.DeploymentEnvironment(u.environment),
	)

	if !config.Enabled {
		logger.Info("traces exporter disabled")

		traceProvider := traceSdk.NewTracerProvider(traceSdk.WithResource(res))
		initialized <- traceProvider
		<-ctx.Done()

		return traceProvider.Shutdown(context.Background())
	}

	logger.InfoCtx(ctx, "starting traces exporter", log.String("addr", config.Addr))

	exporterOptions := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.Addr),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		otlptracehttp.WithRetry(
			otlptracehttp.RetryConfig{
				Enabled:         true,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
				MaxElapsedTime:  5 * time.Minute,
			},
		),
		otlptracehttp.WithTimeout(15 * time.Second),
	}
	if config.Insecure {
		exporterOptions = append(exporterOptions, otlptracehttp.WithInsecure())
	}

	exporter := otlptracehttp.NewUnstarted(exporterOptions...)
	if err := exporter.Start(ctx); err != nil {
		return fmt.Errorf("cannot create otel exporter: %w", err)
	}

	traceProvider := traceSdk.NewTracerProvider(
		traceSdk.WithBatcher(
			exporter,
			traceSdk.WithMaxExportBatchSize(config.MaxBatchSize),
			traceSdk.WithBatchTimeout(time.Duration(config.BatchTimeout)*time.Second),
			traceSdk.WithExportTimeout(time.Duration(config.ExportTimeout)*time.Second),
			traceSdk.WithMaxQueueSize(config.MaxQueueSize),
		),
		traceSdk.WithResource(res),
	)

	initialized <- traceProvider

	logger.Info("traces exporter started")

	<-ctx.Done()

	logger.Info("shutting down traces exporter")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	if err := traceProvider.ForceFlush(shutdownCtx); err != nil {
		return fmt.Errorf("cannot flush remaining spans: %w", err)
	}

	if err := traceProvider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown provider: %w", err)
	}

	return ctx.Err()
}

func (u *Unit) loadConfigurationFromFile(filename string) error {
	blob, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("cannot read file: %w", err)
	}

	blob, err = yaml.YAMLToJSON(blob)
	if err != nil {
		return fmt.Errorf("cannot convert yaml to json: %w", err)
	}

	config := map[string]json.RawMessage{}
	if err := json.Unmarshal(blob, &config); err != nil {
		return fmt.Errorf("cannot decode file: %w", err)
	}

	if section, ok := config["unit"]; ok {
		if err := json.Unmarshal(section, u.config); err != nil {
			return fmt.Errorf("cannot decode %q config section: %w", "unit", err)
		}
	}

	if configurable, ok := u.main.(Configurable); ok {
		if section, ok := config[u.name]; ok {
			if err := json.Unmarshal(section, configurable.GetConfiguration()); err != nil {
				return fmt.Errorf("cannot decode %q config section: %w", u.name, err)
			}
		}
	}

	return nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/haasonsaas/docchat/internal/backend"
	"github.com/haasonsaas/docchat/internal/backoff"
	"github.com/haasonsaas/docchat/internal/chunksync"
	"github.com/haasonsaas/docchat/internal/config"
	"github.com/haasonsaas/docchat/internal/observability"
	"github.com/haasonsaas/docchat/internal/query"
	"github.com/haasonsaas/docchat/internal/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// app bundles the components one command invocation works with.
type app struct {
	cfg      *config.Config
	logger   *observability.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	client   *backend.Client
	store    *sessions.Store

	shutdownTracing func(context.Context) error
}

// newApp loads configuration, applies flag overrides and builds the shared
// components. Logs go to logOut so they never mix with command output.
func newApp(opts *globalOptions, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    logOut,
		AddSource: cfg.Logging.AddSource,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	tracer := observability.NewNopTracer()
	shutdown := func(context.Context) error { return nil }
	if cfg.Tracing.Enabled {
		serviceVersion := cfg.Tracing.ServiceVersion
		if serviceVersion == "" {
			serviceVersion = version
		}
		tracer, shutdown = observability.NewTracer(observability.TraceConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: serviceVersion,
			Environment:    cfg.Tracing.Environment,
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			Attributes:     cfg.Tracing.Attributes,
			EnableInsecure: cfg.Tracing.Insecure,
		})
	}

	client, err := backend.NewClient(backend.Config{
		BaseURL:        cfg.Backend.URL,
		WebSocketURL:   cfg.Backend.WebSocketURL,
		RequestTimeout: cfg.Backend.RequestTimeout,
		StreamTimeout:  cfg.Backend.StreamTimeout,
		Headers:        cfg.Backend.Headers,
	},
		backend.WithLogger(logger),
		backend.WithMetrics(metrics),
		backend.WithTracer(tracer),
	)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, fmt.Errorf("backend client: %w", err)
	}

	return &app{
		cfg:             cfg,
		logger:          logger,
		registry:        registry,
		metrics:         metrics,
		tracer:          tracer,
		client:          client,
		store:           sessions.NewStore(sessions.WithLogger(logger)),
		shutdownTracing: shutdown,
	}, nil
}

func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(config.Resolve(opts.configPath))
	if err != nil {
		return nil, err
	}
	overridden := false
	if v := strings.TrimSpace(opts.backendURL); v != "" {
		cfg.Backend.URL = v
		overridden = true
	}
	if v := strings.TrimSpace(opts.logLevel); v != "" {
		cfg.Logging.Level = v
		overridden = true
	}
	if v := strings.TrimSpace(opts.logFormat); v != "" {
		cfg.Logging.Format = v
		overridden = true
	}
	if overridden {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.shutdownTracing(ctx); err != nil {
		a.logger.Warn(ctx, "tracer shutdown failed", "error", err)
	}
}

// loadDocument makes documentID the active document. The page count stays
// unknown until a viewer reports it.
func (a *app) loadDocument(documentID, sourceURL string) {
	a.store.LoadDocument(documentID, sourceURL, path.Base(documentID), nil)
}

// transport picks the query transport for the streaming preference.
func (a *app) transport(stream bool) query.Transport {
	if stream {
		return backend.NewNDJSONTransport(a.client)
	}
	return backend.NewJSONTransport(a.client)
}

func (a *app) consumer(stream bool, sink query.EventSink) *query.Consumer {
	return query.NewConsumer(a.store, a.transport(stream),
		query.WithSink(sink),
		query.WithLogger(a.logger),
		query.WithMetrics(a.metrics),
		query.WithTracer(a.tracer),
	)
}

// synchronizer builds a chunk synchronizer using the configured schedule,
// or interval when it is positive.
func (a *app) synchronizer(interval time.Duration, schedule string, onError chunksync.ErrorHandler) (*chunksync.Synchronizer, error) {
	every := a.cfg.Sync.Interval
	expr := a.cfg.Sync.Schedule
	if interval > 0 {
		every, expr = interval, ""
	}
	if schedule != "" {
		expr = schedule
	}
	sched, err := chunksync.NewSchedule(every, expr, a.cfg.Sync.Timezone)
	if err != nil {
		return nil, err
	}
	return chunksync.New(a.store, a.client,
		chunksync.WithSchedule(sched),
		chunksync.WithErrorHandler(onError),
		chunksync.WithLogger(a.logger),
		chunksync.WithMetrics(a.metrics),
		chunksync.WithTracer(a.tracer),
	), nil
}

// reconnectPolicy converts the configured feed backoff.
func (a *app) reconnectPolicy() backoff.Policy {
	r := a.cfg.Sync.Reconnect
	return backoff.Policy{
		Initial: r.Initial,
		Max:     r.Max,
		Factor:  r.Factor,
		Jitter:  r.Jitter,
	}
}

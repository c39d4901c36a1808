package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/docchat/internal/backend"
	"github.com/haasonsaas/docchat/internal/config"
	"github.com/haasonsaas/docchat/internal/sessions"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const shutdownTimeout = 5 * time.Second

// =============================================================================
// Ask / Chunks
// =============================================================================

type askOptions struct {
	documentID string
	sourceURL  string
	pins       []string
	stream     bool
	streamSet  bool
	question   string
}

func runAsk(cmd *cobra.Command, opts *globalOptions, o askOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	a.loadDocument(o.documentID, o.sourceURL)
	for _, id := range o.pins {
		if !a.store.Snapshot().IsPinned(id) {
			a.store.TogglePin(id)
		}
	}

	stream := a.cfg.Query.Streaming
	if o.streamSet {
		stream = o.stream
	}

	printer := newAnswerPrinter(cmd.OutOrStdout())
	result, err := a.consumer(stream, printer.sink()).Ask(ctx, o.question)
	if err != nil {
		printer.abort()
		return fmt.Errorf("ask: %w", err)
	}
	printer.finish(result)
	return nil
}

func runChunks(cmd *cobra.Command, opts *globalOptions, documentID string) error {
	ctx := cmd.Context()
	a, err := newApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	a.loadDocument(documentID, "")
	syncer, err := a.synchronizer(0, "", nil)
	if err != nil {
		return err
	}
	if err := syncer.Refresh(ctx); err != nil {
		return fmt.Errorf("fetch chunks: %w", err)
	}
	return printChunks(cmd.OutOrStdout(), a.store.Snapshot())
}

// =============================================================================
// Watch
// =============================================================================

type watchOptions struct {
	documentID  string
	interval    time.Duration
	schedule    string
	push        bool
	pushSet     bool
	metricsAddr string
}

func runWatch(cmd *cobra.Command, opts *globalOptions, o watchOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	syncer, err := a.synchronizer(o.interval, o.schedule, nil)
	if err != nil {
		return err
	}
	push := a.cfg.Sync.Push
	if o.pushSet {
		push = o.push
	}
	metricsAddr := o.metricsAddr
	if metricsAddr == "" && a.cfg.Metrics.Enabled {
		metricsAddr = a.cfg.Metrics.Addr
	}

	out := cmd.OutOrStdout()
	unsubscribe := a.store.Subscribe(func(c sessions.Change) {
		if c.Kind == sessions.ChangeChunksReplaced {
			printChunkChange(out, c.Session)
		}
	})
	defer unsubscribe()
	a.loadDocument(o.documentID, "")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if push {
			return syncer.RunFeed(gctx, backend.NewWSChunkFeed(a.client), a.reconnectPolicy())
		}
		return syncer.Run(gctx)
	})

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info(gctx, "metrics server listening", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// =============================================================================
// Health / Config
// =============================================================================

func runHealth(cmd *cobra.Command, opts *globalOptions) error {
	a, err := newApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	status, err := a.client.Health(cmd.Context())
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", a.client.BaseURL(), status.Status)
	if !status.Healthy() {
		return fmt.Errorf("backend reported status %q", status.Status)
	}
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if _, err := out.Write(schema); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out)
	return err
}

func runConfigShow(cmd *cobra.Command, opts *globalOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if len(cfg.Backend.Headers) > 0 {
		masked := make(map[string]string, len(cfg.Backend.Headers))
		for k := range cfg.Backend.Headers {
			masked[k] = "********"
		}
		cfg.Backend.Headers = masked
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

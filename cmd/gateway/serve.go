package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/CSroseX/phasetrace/internal/chaos"
	"github.com/CSroseX/phasetrace/internal/config"
	"github.com/CSroseX/phasetrace/internal/lifecycle"
	"github.com/CSroseX/phasetrace/internal/logging"
	"github.com/CSroseX/phasetrace/internal/observability"
	"github.com/CSroseX/phasetrace/internal/pipeline"
	"github.com/CSroseX/phasetrace/internal/proxy"
	"github.com/CSroseX/phasetrace/internal/traceindex"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type serveFlags struct {
	configPath string
	addr       string
	logLevel   string
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			if f.addr != "" {
				cfg.Server.Addr = f.addr
			}
			if f.logLevel != "" {
				cfg.Log.Level = f.logLevel
			}

			log, err := newLogger(cfg.Log, cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to the YAML configuration file")
	cmd.Flags().StringVar(&f.addr, "addr", "", "listen address, overrides server.addr")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level, overrides log.level")
	return cmd
}

func newLogger(cfg config.LogConfig, cmd *cobra.Command) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{Level: level, Format: format, Output: cmd.ErrOrStderr()}), nil
}

// gateway is a built pipeline plus the resources it holds.
type gateway struct {
	app      *pipeline.App
	provider *observability.Provider
	redis    *redis.Client
	chaos    *chaos.Injector
}

func (g *gateway) close(ctx context.Context) error {
	var errs []error
	if g.provider != nil {
		if err := g.provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if g.redis != nil {
		if err := g.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*gateway, error) {
	logging.InstallOTel(log)
	g := &gateway{
		app:   pipeline.New(pipeline.WithLogger(log), pipeline.WithBodyLimit(cfg.Server.BodyLimit)),
		chaos: chaos.NewInjector(nil),
	}

	var (
		tracer     trace.Tracer
		propagator propagation.TextMapPropagator
	)
	if cfg.Tracing.Enabled {
		p, err := observability.New(ctx, observability.Config{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: Version,
			Exporter:       cfg.Tracing.Exporter,
			Endpoint:       cfg.Tracing.Endpoint,
			Insecure:       cfg.Tracing.Insecure,
			Timeout:        cfg.Tracing.Timeout,
			Sampler:        cfg.Tracing.Sampler,
			SampleRatio:    cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("set up tracing: %w", err)
		}
		g.provider = p
		tracer, propagator = p.Tracer(), p.Propagator()
	}

	urls, methods, err := cfg.Tracing.IgnoreRules()
	if err != nil {
		return nil, errors.Join(err, g.close(ctx))
	}
	opts := lifecycle.Options{
		Enabled:       cfg.Tracing.Enabled,
		Tracer:        tracer,
		IgnoreURLs:    urls,
		IgnoreMethods: methods,
		Propagator:    propagator,
	}
	switch cfg.Tracing.NameOverride {
	case config.NameMethodURL:
		opts.NameOverride = lifecycle.NameByMethodURL
	case config.NameRoute:
		opts.NameOverride = lifecycle.NameByPath
		opts.RenameOnRoute = true
	}

	var index *traceindex.Index
	if cfg.Index.Enabled {
		g.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Index.Addr,
			Password: cfg.Index.Password,
			DB:       cfg.Index.DB,
		})
		index = traceindex.New(g.redis, cfg.Index.TTL, cfg.Index.MaxPerRoute)
		opts.Index = index
	}

	// Tracing hooks go first so every other hook runs inside its phase span.
	if _, err := lifecycle.Register(g.app, opts); err != nil {
		return nil, errors.Join(err, g.close(ctx))
	}
	g.app.AddHook(pipeline.PhasePreHandler, g.chaos.Hook())

	g.app.Get("/health", func(*pipeline.Context) (any, error) {
		return map[string]string{"status": "ok"}, nil
	})
	g.chaos.Exempt("/health")
	g.chaos.Mount(g.app)
	if index != nil {
		g.app.Get("/admin/traces", traceindex.Handler(index))
		g.chaos.Exempt("/admin/traces")
	}

	for _, rc := range cfg.Routes {
		if err := g.addRoute(rc, propagator); err != nil {
			return nil, errors.Join(err, g.close(ctx))
		}
	}
	return g, nil
}

func (g *gateway) addRoute(rc config.RouteConfig, propagator propagation.TextMapPropagator) error {
	handler := proxy.Echo
	if rc.Upstream != "" {
		h, err := proxy.Handler(rc.Upstream, propagator)
		if err != nil {
			return err
		}
		handler = h
	}

	route := &pipeline.Route{Method: rc.Method, Path: rc.Path, Handler: handler}
	if rc.Prefix != "" {
		route.Path, route.Prefix = rc.Prefix, true
	}
	g.app.Handle(route)

	if rc.Chaos != nil {
		g.chaos.Set(chaos.Rule{
			Route:     route.Path,
			Delay:     rc.Chaos.Delay,
			ErrorRate: rc.Chaos.ErrorRate,
		})
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	g, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      g.app,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", cfg.Server.Addr, "tracing", cfg.Tracing.Enabled,
			"exporter", cfg.Tracing.Exporter, "index", cfg.Index.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Join(fmt.Errorf("listen: %w", err), g.close(context.Background()))
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", "error", err)
	}
	return g.close(shutdownCtx)
}

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/mirkobrombin/go-mutex/v1/config"
	"github.com/mirkobrombin/go-mutex/v1/logging"
	"github.com/mirkobrombin/go-mutex/v1/metrics"
	"github.com/mirkobrombin/go-mutex/v1/mutex"
	"github.com/mirkobrombin/go-mutex/v1/presets"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// app holds what the persistent pre-run sets up for subcommands.
type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	inst     *presets.Instance
	closers  []func(context.Context) error
	metricsL net.Listener
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn().Err(err).Msg("shutdown")
		}
	}
	a.closers = nil
}

func newRootCommand() (*cobra.Command, *app) {
	a := &app{logger: zerolog.Nop()}
	cmd := &cobra.Command{
		Use:           "mutex",
		Short:         "Run commands under a distributed lock",
		Long:          "Run commands under a named lock kept in Redis, NATS, Postgres or etcd. Every flag can also be set as MUTEX_<FLAG> in the environment or in a .env file.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup(cmd)
		},
	}
	config.AddFlags(cmd.PersistentFlags())
	cmd.AddCommand(newRunCommand(a), newStatusCommand(a), newVersionCommand())
	return cmd, a
}

func (a *app) setup(cmd *cobra.Command) error {
	if err := config.LoadEnvFiles(".env", ".env.local"); err != nil {
		return err
	}
	v, err := config.NewViper(cmd.Flags())
	if err != nil {
		return err
	}
	if a.cfg, err = config.Load(v); err != nil {
		return err
	}

	if a.cfg.LogPretty {
		a.logger = logging.NewPrettyLogger(cmd.ErrOrStderr(), "mutex", a.cfg.LogLevel)
	} else {
		a.logger = logging.NewLogger(cmd.ErrOrStderr(), "mutex", a.cfg.LogLevel)
	}

	opts := []mutex.Option{mutex.WithLogger(a.logger)}
	if a.cfg.Trace {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(cmd.ErrOrStderr()), stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		a.closers = append(a.closers, tp.Shutdown)
		opts = append(opts, mutex.WithTracerProvider(tp))
	}
	if a.cfg.MetricsAddr != "" {
		if err := a.serveMetrics(); err != nil {
			return err
		}
	}

	inst, err := presets.FromConfig(cmd.Context(), a.cfg, opts...)
	if err != nil {
		return err
	}
	a.inst = inst
	a.closers = append(a.closers, func(context.Context) error { return inst.Close() })
	a.logger.Debug().Str("backend", a.cfg.Backend).Msg("store ready")
	return nil
}

func (a *app) serveMetrics() error {
	reg := metrics.NewRegistry()
	metrics.RegisterMutexMetrics(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	l, err := net.Listen("tcp", a.cfg.MetricsAddr)
	if err != nil {
		return err
	}
	a.metricsL = l
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("metrics server")
		}
	}()
	a.closers = append(a.closers, srv.Shutdown)
	a.logger.Info().Str("addr", l.Addr().String()).Msg("serving metrics")
	return nil
}

// Command endgame serves the commission API.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/winksdotfun/endgame"
	"github.com/winksdotfun/endgame/config"
	"github.com/winksdotfun/endgame/logger"
	"github.com/winksdotfun/endgame/metrics"
	"github.com/winksdotfun/endgame/saga"
	"github.com/winksdotfun/endgame/server"
	"github.com/winksdotfun/endgame/tracing"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.NewZapLogger(cfg.LogLevel)
	if z, ok := log.(*logger.ZapLogger); ok {
		defer func() { _ = z.Sync() }()
	}

	var rec metrics.Recorder = metrics.NoopRecorder{}
	var metricsHandler http.Handler
	if cfg.EnableMetrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rec = metrics.NewPrometheusRecorder(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.OTelEndpoint, cfg.OTelService)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("failed to flush traces", map[string]any{"error": err.Error()})
		}
	}()

	eg, err := endgame.NewFromConfig(ctx, cfg, endgame.WithLogger(log), endgame.WithMetrics(rec))
	if err != nil {
		return err
	}
	defer eg.Close()

	sessions := server.NewSessionStore(func() *saga.Saga { return eg.NewSession() }, cfg.SessionTTL, log)
	opts := []server.Option{
		server.WithLogger(log),
		server.WithRunTimeout(eg.Timeout()),
		server.WithSuggester(eg.Suggester()),
		server.WithMetricsHandler(metricsHandler),
	}
	if store := eg.Ledger(); store != nil {
		opts = append(opts, server.WithLedger(store))
	}
	h := server.New(sessions, opts...)

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: server.Chain(h.Routes(),
			server.Recover(log),
			server.Logging(log, rec),
			server.CORS,
			server.RequestSizeLimit(server.DefaultMaxBodyBytes),
		),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sessions.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info("listening", map[string]any{"addr": srv.Addr, "network": string(cfg.Network)})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		// let submitted payments settle before the RPC connection closes
		if err := h.Wait(shutdownCtx); err != nil {
			log.Warn("commission runs still in flight at exit", map[string]any{"error": err.Error()})
		}
		return nil
	})

	return g.Wait()
}

// main.go
// Wires the server together: settings, the message store, token
// verification, the connection registry and the realtime layer behind the
// HTTP routes. SIGINT or SIGTERM drains open sockets before exiting.

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/tribe-app/realtime/internal/api"
	"github.com/tribe-app/realtime/internal/auth"
	"github.com/tribe-app/realtime/internal/config"
	"github.com/tribe-app/realtime/internal/realtime"
	"github.com/tribe-app/realtime/internal/registry"
	"github.com/tribe-app/realtime/internal/store"
)

var logger = loggo.GetLogger("tribe")

func main() {
	if err := run(os.Args[1:]); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args, os.LookupEnv)
	if err != nil {
		return errors.Trace(err)
	}
	if err := cfg.Validate(); err != nil {
		return errors.Trace(err)
	}
	if err := loggo.ConfigureLoggers(cfg.LoggingConfig); err != nil {
		return errors.Annotate(err, "configuring logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return errors.Trace(serve(ctx, cfg, clock.WallClock))
}

func serve(ctx context.Context, cfg config.Config, clk clock.Clock) error {
	st, err := store.Open(cfg.DatabasePath, clk)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = st.Close() }()

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, st, clk)
	if err != nil {
		return errors.Trace(err)
	}

	reg := registry.New(clk)
	defer func() {
		if err := worker.Stop(reg); err != nil {
			logger.Errorf("stopping registry: %v", err)
		}
	}()

	manager, err := realtime.NewManager(realtime.Config{
		Registry: reg,
		Verifier: verifier,
		Oracle:   st,
		Clock:    clk,
		Options:  cfg.Realtime(),
	})
	if err != nil {
		return errors.Trace(err)
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		manager.Metrics(),
	)

	router, err := api.NewRouter(api.Config{
		WebSocket:     manager,
		Verifier:      verifier,
		Oracle:        st,
		Messages:      st,
		Conversations: st,
		Notifier:      manager,
		Stats:         manager,
		Gatherer:      metrics,
	})
	if err != nil {
		return errors.Trace(err)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("listening on %s", cfg.ListenAddress)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return errors.Annotate(err, "serving HTTP")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// Hijacked sockets are not tracked by the server, so the manager
		// drains them separately.
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warningf("HTTP shutdown: %v", err)
		}
		return errors.Trace(manager.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

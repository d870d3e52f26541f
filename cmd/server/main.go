package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"bustrack-svr/internal/audit"
	"bustrack-svr/internal/broker"
	"bustrack-svr/internal/bus"
	"bustrack-svr/internal/config"
	"bustrack-svr/internal/filter"
	"bustrack-svr/internal/gateway"
	"bustrack-svr/internal/grpcclient"
	"bustrack-svr/internal/link"
	"bustrack-svr/internal/observability"
	"bustrack-svr/internal/server"
	"bustrack-svr/internal/store"
)

// demoBus is seeded into an empty store when seed_demo is set.
var demoBus = bus.Record{
	ID:             "1",
	DriverName:     "Shivam",
	BusNumberPlate: "TS 09 AB 1234",
	InchargeName:   "Rakesh",
	Lat:            51.505,
	Lng:            -0.09,
	ArrivalTime:    300,
}

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	logger := observability.NewLogger(cfg.LogLevel)
	logger.Info("Starting bustrack-svr...", "port", cfg.HTTPPort, "store", cfg.StoreBackend)

	if err := run(cfg, logger); err != nil {
		logger.Error("bustrack-svr stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// no traffic is served without a reachable store
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	al, err := audit.New(cfg.AuditDir)
	if err != nil {
		return err
	}

	b := broker.New(st, filter.NewPolicy(filter.IDPrefix(cfg.DriverIDPrefix)), logger)
	gw := gateway.New(st, b, al, logger)

	if cfg.SeedDemo {
		if _, err := gw.Seed(ctx, demoBus); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.ProxyAddr != "" {
		lc := link.New(cfg.ProxyAddr, logger)
		sub, err := b.Subscribe(ctx, filter.Scope{}, lc.Handle)
		if err != nil {
			return err
		}
		defer sub.Close()
		g.Go(func() error { return lc.Run(gctx) })
	} else {
		logger.Info("link: disabled (no proxy address configured)")
	}

	if cfg.GRPCServer != "" {
		gc, err := grpcclient.NewGRPCClient(cfg.GRPCServer, logger)
		if err != nil {
			return err
		}
		defer gc.Close()
		sub, err := b.Subscribe(ctx, filter.Scope{}, gc.Handle)
		if err != nil {
			return err
		}
		defer sub.Close()
		g.Go(func() error { return gc.Run(gctx) })
	}

	srv := server.New(gw, b, server.Options{OutboxSize: cfg.OutboxSize}, logger)
	httpSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := observability.NewMetricsServer(":"+cfg.MetricsPort, st.Ping)

	g.Go(func() error {
		logger.Info("http server listening", "addr", httpSrv.Addr)
		return listen(httpSrv)
	})
	g.Go(func() error {
		logger.Info("metrics server listening", "addr", metricsSrv.Addr)
		return listen(metricsSrv)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated...")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return errors.Join(
			srv.Close(sctx),
			httpSrv.Shutdown(sctx),
			metricsSrv.Shutdown(sctx),
		)
	})

	err = g.Wait()
	logger.Info("bustrack-svr shut down")
	return err
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Warn("using in-memory store; records are lost on restart")
		return store.NewMemory(), nil
	default:
		return store.NewRedis(ctx, store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}, logger)
	}
}

func listen(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", s.Addr, err)
	}
	return nil
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health/grpc_health_v1"

	"iocingest/internal/app"
	"iocingest/internal/config"
	"iocingest/internal/logging"
	"iocingest/internal/server"
)

const service = "iocd"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := logging.Init(service, cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("iocd exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(a.Service, cfg.Server)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.StartHTTP(gctx) })
	g.Go(func() error { return srv.StartMetrics(gctx) })
	g.Go(func() error { return srv.StartGRPC(gctx) })

	if err := a.Service.Start(gctx); err != nil {
		return err
	}
	if cfg.RunOnStart {
		g.Go(func() error {
			if _, err := a.Service.TriggerIngestion(gctx); err != nil {
				logger.Error("startup ingestion failed", "err", err)
			}
			return nil
		})
	}

	<-gctx.Done()
	srv.Health().SetServingStatus(server.HealthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := a.Service.Stop(stopCtx); err != nil {
		logger.Warn("scheduler stop", "err", err)
	}
	srv.Wait()
	return g.Wait()
}

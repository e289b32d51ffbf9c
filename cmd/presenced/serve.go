package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/presence-engine/internal/config"
	httptransport "github.com/example/presence-engine/internal/http"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the recurring sweeps",
		Long: `Run the HTTP API and the recurring sweeps until interrupted.

The SQLite schema is migrated on startup. When PRESENCE_GRPC_PORT is set, a gRPC
health service reports the same readiness as GET /healthz.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := opts.logger(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				logger.Error("failed to load configuration", "error", err)
				return err
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	s, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			logger.Error("failed to close storage", "error", cerr)
		}
	}()

	now := time.Now
	svc := newServices(cfg, s, now, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           newHandler(svc, s.Ping, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var grpcServer *grpc.Server
	var healthServer *health.Server
	if cfg.GRPCPort > 0 {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
		if err != nil {
			logger.Error("failed to listen for grpc", "port", cfg.GRPCPort, "error", err)
			return err
		}
		grpcServer, healthServer = newHealthServer()
		go func() {
			logger.Info("grpc health listening", "addr", listener.Addr().String())
			if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Error("grpc server encountered error", "error", err)
			}
		}()
		go watchHealth(ctx, healthServer, s.Ping, cfg.SweepInterval, logger)
	}

	sweeps := newSweeper(cfg, svc, now, logger)
	sweeps.Start(ctx)
	defer sweeps.Stop()

	go func() {
		<-ctx.Done()
		if healthServer != nil {
			healthServer.Shutdown()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to shutdown server", "error", err)
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
	}()

	logger.Info("presence API listening", "addr", server.Addr, "storage", cfg.Storage, "token_store", cfg.TokenStore)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server encountered error", "error", err)
		return err
	}
	logger.Info("presence API stopped")
	return nil
}

func newHandler(svc services, ping httptransport.HealthCheck, logger *slog.Logger) http.Handler {
	return httptransport.NewRouter(httptransport.RouterConfig{
		Checkins:   httptransport.NewCheckinHandler(svc.tokens, svc.engine, svc.engine.Challenges(), logger),
		Anomalies:  httptransport.NewAnomalyHandler(svc.anomalies, logger),
		Policies:   httptransport.NewPolicyHandler(svc.policies, logger),
		Health:     ping,
		Logger:     logger,
		Middleware: []func(http.Handler) http.Handler{httptransport.RequestLogger(logger)},
	})
}

func newHealthServer() (*grpc.Server, *health.Server) {
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	return grpcServer, healthServer
}

// watchHealth mirrors store reachability into the gRPC health status until ctx ends.
func watchHealth(ctx context.Context, server *health.Server, ping func(context.Context) error, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	update := func() {
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err := ping(pingCtx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			logger.Warn("store health check failed", "error", err)
		}
		server.SetServingStatus("", status)
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

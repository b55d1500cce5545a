package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/switchboard/internal/archive"
	"github.com/alfredjeanlab/switchboard/internal/config"
	"github.com/alfredjeanlab/switchboard/internal/server"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the gateway server",
	GroupID: "system",
	// Override PersistentPreRunE so we don't build an API client.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

		cfg, err := config.LoadFile(serveConfigPath)
		if err != nil {
			return err
		}

		startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
		a, err := newApp(startCtx, cfg)
		cancelStart()
		if err != nil {
			return err
		}
		a.Start()

		// Start gRPC listener (health only).
		grpcServer := server.NewGRPCServer(a.health)
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			_ = a.Shutdown(context.Background())
			return err
		}
		go func() {
			slog.Info("gRPC server listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				slog.Error("gRPC server error", "error", err)
			}
		}()

		// Start HTTP server. Cancelling baseCtx ends SSE streams, which
		// Shutdown would otherwise wait on until its deadline.
		baseCtx, cancelBase := context.WithCancel(context.Background())
		defer cancelBase()
		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return baseCtx },
		}
		go func() {
			slog.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("HTTP server error", "error", err)
			}
		}()

		// Start archive scheduler if configured.
		var scheduler *archive.Scheduler
		if cfg.ArchiveInterval > 0 {
			dest, err := archive.NewS3Destination(
				context.Background(),
				cfg.ArchiveS3Bucket,
				cfg.ArchiveS3Prefix,
				cfg.ArchiveS3Region,
				cfg.ArchiveS3Endpoint,
			)
			if err != nil {
				slog.Error("failed to create S3 archive destination", "error", err)
			} else {
				scheduler = archive.NewScheduler(a.log, []archive.Destination{dest}, cfg.ArchiveInterval, nil)
				scheduler.Start()
				slog.Info("archive scheduler started", "interval", cfg.ArchiveInterval,
					"bucket", cfg.ArchiveS3Bucket, "prefix", cfg.ArchiveS3Prefix)
			}
		}

		slog.Info("switchboard started",
			"grpc_addr", cfg.GRPCAddr,
			"http_addr", cfg.HTTPAddr,
		)

		// Wait for SIGINT or SIGTERM.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)

		// Graceful shutdown.
		if scheduler != nil {
			scheduler.Stop()
			slog.Info("archive scheduler stopped")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Websockets are hijacked, so close them before the HTTP server
		// waits on its own connections.
		cancelBase()
		if err := a.Shutdown(shutdownCtx); err != nil {
			slog.Error("gateway shutdown error", "error", err)
		}
		slog.Info("gateway stopped")

		grpcServer.GracefulStop()
		slog.Info("gRPC server stopped")

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
		slog.Info("HTTP server stopped")

		slog.Info("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "TOML config file (env vars override it)")
}

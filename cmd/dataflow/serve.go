package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dataflowhq/dataflow/internal/backup"
	"github.com/dataflowhq/dataflow/internal/config"
	"github.com/dataflowhq/dataflow/internal/events"
	"github.com/dataflowhq/dataflow/internal/server"
	"github.com/dataflowhq/dataflow/internal/store/postgres"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the DataFlow HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		slog.SetDefault(logger)

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := postgres.New(cfg.DatabaseURL, postgres.Options{
			MaxOpenConns: cfg.DBMaxOpenConns,
			MaxIdleConns: cfg.DBMaxIdleConns,
		})
		if err != nil {
			return err
		}

		var publisher events.Publisher
		if cfg.NATSURL != "" {
			pub, err := events.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				store.Close()
				return err
			}
			publisher = pub
			logger.Info("events enabled", "nats_url", cfg.NATSURL)
		} else {
			publisher = events.NoopPublisher{}
			logger.Info("events disabled (DATAFLOW_NATS_URL not set)")
		}

		srv := server.New(store, publisher, cfg)
		httpServer := &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: srv.NewHTTPHandler(),
		}

		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP server error", "err", err)
			}
		}()

		// Start the backup scheduler if any destinations are configured.
		var scheduler *backup.Scheduler
		if cfg.Backup.Interval > 0 {
			var dests []backup.Destination

			if cfg.Backup.S3Bucket != "" {
				s3Dest, err := backup.NewS3Destination(
					context.Background(),
					cfg.Backup.S3Bucket,
					cfg.Backup.S3Key,
					cfg.Backup.S3Region,
					cfg.Backup.S3Endpoint,
				)
				if err != nil {
					logger.Error("failed to create S3 backup destination", "err", err)
				} else {
					dests = append(dests, s3Dest)
					logger.Info("backup S3 destination enabled", "bucket", cfg.Backup.S3Bucket, "key", cfg.Backup.S3Key)
				}
			}

			if cfg.Backup.GitRepo != "" {
				dests = append(dests, backup.NewGitDestination(cfg.Backup.GitRepo, cfg.Backup.GitFile, cfg.Backup.GitBranch))
				logger.Info("backup git destination enabled", "repo", cfg.Backup.GitRepo, "file", cfg.Backup.GitFile)
			}

			if len(dests) > 0 {
				scheduler = backup.NewScheduler(store, dests, time.Duration(cfg.Backup.Interval), logger)
				scheduler.Start()
				logger.Info("backup scheduler started", "interval", time.Duration(cfg.Backup.Interval))
			}
		}

		logger.Info("dataflow server started", "http_addr", cfg.HTTPAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		if scheduler != nil {
			scheduler.Stop()
			logger.Info("backup scheduler stopped")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")

		if err := publisher.Close(); err != nil {
			logger.Error("error closing publisher", "err", err)
		}
		if err := store.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}

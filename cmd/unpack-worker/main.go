package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"soundline/internal/config"
	"soundline/internal/ledger"
	"soundline/internal/ops"
	"soundline/internal/queue"
	"soundline/internal/storage"
	"soundline/internal/transcode"
	"soundline/internal/worker"
)

func main() {
	// Initialize structured logging with JSON handler
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(jsonHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	jobQueue, err := queue.New(ctx)
	if err != nil {
		slog.Error("Failed to connect to job queue", "error", err)
		os.Exit(1)
	}
	defer jobQueue.Close()

	batchLedger := ledger.New(jobQueue.Client())

	blob, err := storage.New(ctx, storage.ConfigFromEnv())
	if err != nil {
		slog.Error("Failed to connect to blob storage", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(config.ScratchRoot, 0o755); err != nil {
		slog.Error("Failed to create scratch root", "path", config.ScratchRoot, "error", err)
		os.Exit(1)
	}

	pool := transcode.NewPool(
		config.TranscodeParallelism,
		config.OpusBitrate,
		time.Duration(config.CodecTimeoutSeconds)*time.Second,
	)

	unpack := worker.NewUnpack(jobQueue, batchLedger, blob, pool, config.ScratchRoot, config.AudioExtensions)

	var opsServer *ops.Server
	if config.OpsPort > 0 {
		opsServer = ops.NewServer(config.OpsPort, jobQueue, batchLedger, nil, blob)
		go func() {
			if err := opsServer.Start(); err != nil && err != http.ErrServerClosed {
				slog.Error("Ops server failed", "error", err)
			}
		}()
	}

	go func() {
		sig := <-sigChan
		slog.Info("Received signal, shutting down gracefully", "signal", sig)
		cancel()
	}()

	unpack.Run(ctx)

	if opsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		opsServer.Shutdown(shutdownCtx)
	}
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"soundline/internal/config"
	"soundline/internal/inference"
	"soundline/internal/ledger"
	"soundline/internal/ops"
	"soundline/internal/queue"
	"soundline/internal/storage"
	"soundline/internal/store"
	"soundline/internal/worker"
)

func main() {
	initSchema := flag.Bool("init-schema", false, "apply the database schema before starting")
	flag.Parse()

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

	db, err := store.New(ctx)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if *initSchema {
		if err := db.EnsureSchema(ctx); err != nil {
			slog.Error("Failed to apply schema", "error", err)
			os.Exit(1)
		}
	}

	if len(config.TranscribeCommand) == 0 || len(config.ClassifyCommand) == 0 {
		slog.Error("TRANSCRIBE_COMMAND and CLASSIFY_COMMAND are required")
		os.Exit(1)
	}

	inferenceTimeout := time.Duration(config.InferenceTimeoutSeconds) * time.Second
	transcriber := inference.NewCommandTranscriber(config.TranscribeCommand, inferenceTimeout)
	classifier := inference.NewCommandClassifier(config.ClassifyCommand, inferenceTimeout)

	// Model warmup happens behind the inference commands and can take
	// minutes; readiness is entering the pop loop below
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	slog.Info("Inference collaborators configured",
		"transcribe_cmd", config.TranscribeCommand[0],
		"classify_cmd", config.ClassifyCommand[0],
		"heap_mb", mem.HeapAlloc/1024/1024)

	gpu := worker.NewGPU(
		jobQueue,
		batchLedger,
		blob,
		db,
		transcriber,
		classifier,
		config.ScratchRoot,
		config.GPUMicroBatch,
		config.DeleteSourceArchive,
	)

	var opsServer *ops.Server
	if config.OpsPort > 0 {
		// The GPU worker usually shares a host with the unpack worker;
		// offset the port so both can serve
		opsServer = ops.NewServer(config.OpsPort+1, jobQueue, batchLedger, db, blob)
		go func() {
			if err := opsServer.Start(); err != nil && err != http.ErrServerClosed {
				slog.Error("Ops server failed", "error", err)
			}
		}()
	}

	go func() {
		sig := <-sigChan
		slog.Info("Received signal, finishing in-flight micro-batch", "signal", sig)
		cancel()
	}()

	gpu.Run(ctx)

	if opsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		opsServer.Shutdown(shutdownCtx)
	}
}

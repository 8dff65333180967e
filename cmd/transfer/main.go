package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"soundline/internal/queue"
	"soundline/internal/storage"
	"soundline/internal/transfer"
)

// transfer uploads tar archives to the blob store and enqueues one unpack
// job per archive. It is the producer end of the pipeline: fire-and-forget,
// no acknowledgement is awaited.
func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <archive.tar> [archive.tar ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(jsonHandler))

	ctx := context.Background()

	jobQueue, err := queue.New(ctx)
	if err != nil {
		slog.Error("Failed to connect to job queue", "error", err)
		os.Exit(1)
	}
	defer jobQueue.Close()

	blob, err := storage.New(ctx, storage.ConfigFromEnv())
	if err != nil {
		slog.Error("Failed to connect to blob storage", "error", err)
		os.Exit(1)
	}

	producer := transfer.NewProducer(jobQueue, blob)

	failures := 0
	for _, path := range flag.Args() {
		batchID, err := producer.Submit(ctx, path, filepath.Base(path))
		if err != nil {
			slog.Error("Failed to submit archive", "path", path, "error", err)
			failures++
			continue
		}
		fmt.Println(batchID)
	}

	if failures > 0 {
		os.Exit(1)
	}
}

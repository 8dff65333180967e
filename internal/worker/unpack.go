package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"soundline/internal/archive"
	"soundline/internal/ledger"
	"soundline/internal/queue"
	"soundline/internal/storage"
	"soundline/internal/transcode"
)

// Unpack consumes unpack jobs: it materialises an archive into a per-batch
// scratch directory, transcodes the clips, seeds the batch ledger and fans
// out per-clip transcribe jobs.
type Unpack struct {
	queue       *queue.Queue
	ledger      *ledger.Ledger
	blob        storage.BlobStore
	transcoder  transcode.Transcoder
	scratchRoot string
	audioExts   []string
}

// NewUnpack wires an unpack worker.
func NewUnpack(q *queue.Queue, l *ledger.Ledger, blob storage.BlobStore, t transcode.Transcoder, scratchRoot string, audioExts []string) *Unpack {
	return &Unpack{
		queue:       q,
		ledger:      l,
		blob:        blob,
		transcoder:  t,
		scratchRoot: scratchRoot,
		audioExts:   audioExts,
	}
}

// fatalError carries the error tag written to the failed queue.
type fatalError struct {
	tag string
	err error
}

func (e *fatalError) Error() string {
	if e.err == nil {
		return e.tag
	}
	return fmt.Sprintf("%s:%v", e.tag, e.err)
}

func (e *fatalError) Unwrap() error { return e.err }

func fatal(tag string, err error) *fatalError {
	return &fatalError{tag: tag, err: err}
}

// Run is the worker loop: pop, process, route failures; never returns on a
// job error. Exits when ctx is cancelled.
func (u *Unpack) Run(ctx context.Context) {
	slog.Info("Unpack worker started, waiting for jobs...")

	for {
		select {
		case <-ctx.Done():
			slog.Info("Unpack worker shutting down")
			return
		default:
		}

		job, err := u.queue.PopUnpack(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("Failed to dequeue unpack job", "error", err)
			continue
		}
		if job == nil {
			continue // timeout, no job available
		}

		if err := u.ProcessJob(ctx, job); err != nil {
			slog.Error("Batch failed", "batch_id", job.BatchID, "error", err)
		}
	}
}

// ProcessJob runs one batch through download, extraction, transcode
// fan-out and ledger seeding. On fatal failure the scratch directory is
// removed, a failed entry is written, and no ledger is seeded, so no GPU
// work ever runs for the batch.
func (u *Unpack) ProcessJob(ctx context.Context, job *queue.UnpackJob) error {
	slog.Info("Processing batch", "batch_id", job.BatchID, "s3_key", job.S3Key)

	scratchDir := filepath.Join(u.scratchRoot, job.BatchID)
	err := u.process(ctx, job, scratchDir)
	if err == nil {
		return nil
	}

	var fe *fatalError
	tag := "unpack-failed:" + err.Error()
	if errors.As(err, &fe) {
		tag = fe.Error()
	}

	// Scratch removal before the failed entry: a dropped batch must leave
	// nothing on disk
	if rmErr := os.RemoveAll(scratchDir); rmErr != nil {
		slog.Warn("Failed to clean scratch after batch failure", "batch_id", job.BatchID, "error", rmErr)
	}

	if failErr := u.queue.Fail(ctx, job, tag, "unpack"); failErr != nil {
		slog.Error("Failed to record batch failure", "batch_id", job.BatchID, "error", failErr)
	}

	return err
}

func (u *Unpack) process(ctx context.Context, job *queue.UnpackJob, scratchDir string) error {
	// Plain Mkdir: a second unpack of the same batch_id must fail on the
	// scratch collision rather than interleave with the first
	if err := os.MkdirAll(u.scratchRoot, 0o755); err != nil {
		return fatal("scratch-create-failed", err)
	}
	if err := os.Mkdir(scratchDir, 0o755); err != nil {
		if os.IsExist(err) {
			return fatal("scratch-collision", err)
		}
		return fatal("scratch-create-failed", err)
	}

	archivePath := filepath.Join(scratchDir, "archive.tar")
	if err := u.blob.DownloadArchive(ctx, job.S3Key, archivePath); err != nil {
		return fatal("download-failed", err)
	}

	if err := archive.Extract(archivePath, scratchDir); err != nil {
		switch {
		case errors.Is(err, archive.ErrUnknownFormat):
			return fatal("unknown-archive-format", nil)
		case errors.Is(err, archive.ErrPathTraversal):
			return fatal("path-traversal", err)
		default:
			return fatal("extract-failed", err)
		}
	}

	sources, err := archive.FindByExtension(scratchDir, u.audioExts)
	if err != nil {
		return fatal("extract-failed", err)
	}
	// The downloaded archive matches no audio extension, but exclude it
	// defensively in case AUDIO_EXTENSIONS is ever widened
	sources = excludePath(sources, archivePath)

	slog.Info("Archive extracted", "batch_id", job.BatchID, "audio_files", len(sources))

	results := u.transcoder.ConvertAll(ctx, sources, scratchDir)
	if len(results) < len(sources) {
		slog.Warn("Some clips failed to convert",
			"batch_id", job.BatchID, "converted", len(results), "found", len(sources))
	}

	if len(results) == 0 {
		return fatal("empty-batch", nil)
	}

	// Ledger before fan-out: a GPU worker that dequeues the first
	// transcribe job must always find the counters present
	if err := u.ledger.Seed(ctx, job.BatchID, len(results), job.S3Key); err != nil {
		return fatal("ledger-seed-failed", err)
	}

	queued := 0
	for _, res := range results {
		tJob := queue.TranscribeJob{
			BatchID:          job.BatchID,
			OpusPath:         res.OpusPath,
			OriginalFilename: res.OriginalFilename,
			DurationSeconds:  res.DurationSeconds,
		}
		if err := u.queue.Push(ctx, queue.TranscribeQueue, tJob); err != nil {
			// Push already exhausted its backoff. The ledger total counts
			// this clip, so the batch will sit un-finalised and surface as
			// an orphan scratch dir
			slog.Error("Failed to enqueue transcribe job",
				"batch_id", job.BatchID, "opus", res.OpusPath, "error", err)
			continue
		}
		queued++
	}

	// Archive no longer needed; opus files stay for the GPU worker
	if err := os.Remove(archivePath); err != nil {
		slog.Warn("Failed to delete archive from scratch", "batch_id", job.BatchID, "error", err)
	}

	slog.Info("Batch fanned out",
		"batch_id", job.BatchID, "total", len(results), "queued", queued)
	return nil
}

func excludePath(paths []string, exclude string) []string {
	out := paths[:0]
	for _, p := range paths {
		if p != exclude {
			out = append(out, p)
		}
	}
	return out
}

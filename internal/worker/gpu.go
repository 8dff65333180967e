package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"soundline/internal/inference"
	"soundline/internal/ledger"
	"soundline/internal/queue"
	"soundline/internal/storage"
	"soundline/internal/store"
)

// defaultAssemblePause is the bounded wait for follow-up items once a
// micro-batch has its first job: after 5s with no new job the partial
// batch dispatches.
const defaultAssemblePause = 5 * time.Second

// RecordStore is the persistence surface the GPU worker writes through.
// Satisfied by *store.Store.
type RecordStore interface {
	InsertAudioFile(ctx context.Context, rec *store.AudioRecord) (int64, error)
	InsertTranscript(ctx context.Context, audioID int64, text, language string, confidence float64) error
	InsertClassification(ctx context.Context, audioID int64, flagged bool, score float64, category *string) error
	UpdateStatus(ctx context.Context, audioID int64, status string) error
	UpdateObjectKey(ctx context.Context, audioID int64, s3Key string) error
}

// GPU consumes transcribe jobs in micro-batches, runs transcription and
// classification, persists results, and finalises batches whose last clip
// it processed.
type GPU struct {
	queue               *queue.Queue
	ledger              *ledger.Ledger
	blob                storage.BlobStore
	store               RecordStore
	transcriber         inference.Transcriber
	classifier          inference.Classifier
	scratchRoot         string
	microBatch          int
	deleteSourceArchive bool
	assemblePause       time.Duration

	// now is swappable so tests can pin the dated opus keyspace
	now func() time.Time
}

// NewGPU wires a GPU worker.
func NewGPU(
	q *queue.Queue,
	l *ledger.Ledger,
	blob storage.BlobStore,
	st RecordStore,
	transcriber inference.Transcriber,
	classifier inference.Classifier,
	scratchRoot string,
	microBatch int,
	deleteSourceArchive bool,
) *GPU {
	if microBatch < 1 {
		microBatch = 1
	}
	return &GPU{
		queue:               q,
		ledger:              l,
		blob:                blob,
		store:               st,
		transcriber:         transcriber,
		classifier:          classifier,
		scratchRoot:         scratchRoot,
		microBatch:          microBatch,
		deleteSourceArchive: deleteSourceArchive,
		assemblePause:       defaultAssemblePause,
		now:                 time.Now,
	}
}

// Run is the pop loop. Readiness is signalled by entering it; on ctx
// cancellation the in-flight micro-batch is completed before returning.
func (g *GPU) Run(ctx context.Context) {
	slog.Info("GPU worker started, waiting for audio files...")

	for {
		select {
		case <-ctx.Done():
			slog.Info("GPU worker shutting down")
			return
		default:
		}

		batch := g.assembleMicroBatch(ctx)
		if len(batch) == 0 {
			continue
		}

		slog.Info("Processing micro-batch", "size", len(batch))
		success, failed := 0, 0
		for _, job := range batch {
			// Items are independent: one failure never affects siblings
			if g.ProcessItem(context.WithoutCancel(ctx), job) {
				success++
			} else {
				failed++
			}
		}
		slog.Info("Micro-batch complete", "succeeded", success, "failed", failed)
	}
}

// assembleMicroBatch pops until microBatch jobs are collected or a bounded
// wait elapses with no new job. The micro-batch is a scheduling unit for
// inference efficiency, not a transaction.
func (g *GPU) assembleMicroBatch(ctx context.Context) []*queue.TranscribeJob {
	var batch []*queue.TranscribeJob

	for len(batch) < g.microBatch {
		timeout := queue.BlockTimeout
		if len(batch) > 0 {
			timeout = g.assemblePause
		}

		job, err := g.queue.PopTranscribe(ctx, timeout)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Error("Failed to dequeue transcribe job", "error", err)
			}
			break
		}
		if job == nil {
			break // timeout, process what we have
		}
		batch = append(batch, job)
	}

	return batch
}

// ProcessItem runs one clip through the per-item pipeline. Returns true on
// full success. Every exit path that follows the record insert increments
// the batch counter so the batch can finalise.
func (g *GPU) ProcessItem(ctx context.Context, job *queue.TranscribeJob) bool {
	defer g.trackBatchProgress(ctx, job.BatchID)

	var fileSize int64
	if info, err := os.Stat(job.OpusPath); err == nil {
		fileSize = info.Size()
	}

	audioID, err := g.store.InsertAudioFile(ctx, &store.AudioRecord{
		OriginalFilename: job.OriginalFilename,
		OpusPath:         job.OpusPath,
		ArchiveSource:    job.BatchID,
		DurationSeconds:  job.DurationSeconds,
		FileSizeBytes:    fileSize,
	})
	if err != nil {
		// Nothing persisted: there is no record to mark failed
		slog.Error("Failed to insert audio record", "batch_id", job.BatchID, "opus", job.OpusPath, "error", err)
		return false
	}

	transcript, err := g.transcriber.Transcribe(ctx, job.OpusPath)
	if err != nil {
		slog.Error("Transcription failed", "audio_id", audioID, "error", err)
		g.markFailed(ctx, audioID)
		return false
	}

	if err := g.store.InsertTranscript(ctx, audioID, transcript.Text, transcript.Language, transcript.Confidence); err != nil {
		slog.Error("Failed to insert transcript", "audio_id", audioID, "error", err)
		g.markFailed(ctx, audioID)
		return false
	}

	raw, err := g.classifier.Classify(ctx, transcript.Text)
	if err != nil {
		slog.Error("Classification failed", "audio_id", audioID, "error", err)
		g.markFailed(ctx, audioID)
		return false
	}

	result := inference.ParseClassifierOutput(raw)
	if !result.Valid {
		slog.Error("Classifier output unparseable after repair pass",
			"audio_id", audioID, "raw", truncateRaw(result.Raw))
		g.markFailed(ctx, audioID)
		return false
	}
	classification := result.Classification

	if err := g.store.InsertClassification(ctx, audioID, classification.Flagged, classification.Score, classification.Category); err != nil {
		slog.Error("Failed to insert classification", "audio_id", audioID, "error", err)
		g.markFailed(ctx, audioID)
		return false
	}

	status := store.StatusTranscribed
	if classification.Flagged {
		status = store.StatusFlagged
	}
	if err := g.store.UpdateStatus(ctx, audioID, status); err != nil {
		slog.Error("Failed to update status", "audio_id", audioID, "error", err)
		g.markFailed(ctx, audioID)
		return false
	}

	// Upload failure keeps the DB rows: the lineage is still useful
	dateStr := g.now().UTC().Format("2006-01-02")
	s3Key, err := g.blob.UploadOpus(ctx, job.OpusPath, audioID, dateStr)
	if err != nil {
		slog.Error("Opus upload failed", "audio_id", audioID, "error", err)
		g.markFailed(ctx, audioID)
		return false
	}

	if err := g.store.UpdateObjectKey(ctx, audioID, s3Key); err != nil {
		slog.Error("Failed to record object key", "audio_id", audioID, "error", err)
		g.markFailed(ctx, audioID)
		return false
	}

	slog.Debug("Clip processed",
		"audio_id", audioID, "status", status, "score", classification.Score, "key", s3Key)
	return true
}

func (g *GPU) markFailed(ctx context.Context, audioID int64) {
	if err := g.store.UpdateStatus(ctx, audioID, store.StatusFailed); err != nil {
		slog.Error("Failed to mark record failed", "audio_id", audioID, "error", err)
	}
}

// trackBatchProgress increments the batch counter and finalises the batch
// if this worker observed completion. The atomic increment guarantees
// exactly one worker sees processed reach total.
func (g *GPU) trackBatchProgress(ctx context.Context, batchID string) {
	processed, err := g.ledger.IncrementProcessed(ctx, batchID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotSeeded) {
			// Orphan job: never touch a counter that does not exist, and
			// never finalise on its behalf
			slog.Warn("No ledger for batch, skipping completion check", "batch_id", batchID)
		} else {
			slog.Error("Failed to increment batch counter", "batch_id", batchID, "error", err)
		}
		return
	}

	total, err := g.ledger.Total(ctx, batchID)
	if err != nil {
		slog.Warn("Batch total unavailable, skipping completion check", "batch_id", batchID, "error", err)
		return
	}

	slog.Debug("Batch progress", "batch_id", batchID, "processed", processed, "total", total)

	if processed > total {
		// Double delivery; the first >= observer already finalised
		slog.Warn("Batch counter exceeded total", "batch_id", batchID, "processed", processed, "total", total)
	}
	if processed == total {
		g.finalizeBatch(ctx, batchID)
	}
}

// finalizeBatch is the one-time cleanup that ends a batch's lifetime:
// scratch removal, ledger deletion, and (optionally) source-archive
// deletion. Idempotent: a crashed finaliser's retry finds nothing to do.
func (g *GPU) finalizeBatch(ctx context.Context, batchID string) {
	slog.Info("Batch complete, finalising", "batch_id", batchID)

	sourceKey := ""
	if g.deleteSourceArchive {
		key, err := g.ledger.SourceKey(ctx, batchID)
		if err != nil {
			slog.Warn("Source key unavailable, retaining archive", "batch_id", batchID, "error", err)
		} else {
			sourceKey = key
		}
	}

	scratchDir := filepath.Join(g.scratchRoot, batchID)
	if err := os.RemoveAll(scratchDir); err != nil {
		slog.Warn("Failed to remove scratch directory", "batch_id", batchID, "error", err)
	}

	if err := g.ledger.Delete(ctx, batchID); err != nil {
		slog.Error("Failed to delete batch ledger", "batch_id", batchID, "error", err)
	}

	if sourceKey != "" {
		if err := g.blob.Delete(ctx, sourceKey); err != nil {
			slog.Warn("Failed to delete source archive", "batch_id", batchID, "key", sourceKey, "error", err)
		}
	}

	slog.Info("Batch finalised", "batch_id", batchID)
}

func truncateRaw(s string) string {
	if len(s) > 120 {
		return s[:120]
	}
	return s
}

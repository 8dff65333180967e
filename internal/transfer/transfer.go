package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"soundline/internal/queue"
	"soundline/internal/storage"

	"github.com/google/uuid"
)

// GenerateBatchID produces a producer-unique batch identifier of the form
// YYYYMMDD-HHMMSS-{6-hex} (UTC).
func GenerateBatchID() string {
	timestamp := time.Now().UTC().Format("20060102-150405")
	// 6 hex chars are enough entropy alongside the second-resolution
	// timestamp for a single producer
	suffix := uuid.New().String()[:6]
	return fmt.Sprintf("%s-%s", timestamp, suffix)
}

// Producer implements the transfer stage's handoff contract: upload the
// archive, then push exactly one unpack job. Ingestion is fire-and-forget;
// there is no acknowledgement channel back to the producer.
type Producer struct {
	queue *queue.Queue
	blob  storage.BlobStore
}

// NewProducer wires a producer.
func NewProducer(q *queue.Queue, blob storage.BlobStore) *Producer {
	return &Producer{queue: q, blob: blob}
}

// Submit uploads localPath as a new batch and enqueues its unpack job.
// The archive is fully persisted in the blob store before the job becomes
// visible. Returns the generated batch id.
func (p *Producer) Submit(ctx context.Context, localPath, originalFilename string) (string, error) {
	batchID := GenerateBatchID()

	s3Key, err := p.blob.UploadArchive(ctx, localPath, batchID)
	if err != nil {
		return "", fmt.Errorf("failed to upload archive: %w", err)
	}

	job := queue.UnpackJob{
		BatchID:          batchID,
		S3Key:            s3Key,
		OriginalFilename: originalFilename,
		TransferredAt:    time.Now().UTC(),
	}
	if err := p.queue.Push(ctx, queue.UnpackQueue, job); err != nil {
		return "", fmt.Errorf("failed to enqueue unpack job: %w", err)
	}

	slog.Info("Batch submitted", "batch_id", batchID, "s3_key", s3Key, "file", originalFilename)
	return batchID, nil
}

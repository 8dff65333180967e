package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"soundline/internal/config"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

const (
	// UnpackQueue is the Redis list key for inbound archive jobs
	UnpackQueue = "unpack"
	// TranscribeQueue is the Redis list key for per-clip transcription jobs
	TranscribeQueue = "transcribe"
	// FailedQueue is the Redis list key collecting poison jobs
	FailedQueue = "failed"
	// BlockTimeout is how long BRPOP will wait for a job
	BlockTimeout = 5 * time.Second
)

// UnpackJob is the payload pushed by the transfer stage, one per archive.
type UnpackJob struct {
	BatchID          string    `json:"batch_id"`
	S3Key            string    `json:"s3_key"`
	OriginalFilename string    `json:"original_filename"`
	TransferredAt    time.Time `json:"transferred_at"`
}

// TranscribeJob is the per-clip payload fanned out by the unpack worker.
// OpusPath is a host-local path: the GPU worker that dequeues it must run
// on the host that unpacked the batch.
type TranscribeJob struct {
	BatchID          string   `json:"batch_id"`
	OpusPath         string   `json:"opus_path"`
	OriginalFilename string   `json:"original_filename"`
	DurationSeconds  *float64 `json:"duration_seconds,omitempty"`
}

// FailedJob wraps a job that could not be processed, for operator triage.
type FailedJob struct {
	OriginalJob json.RawMessage `json:"original_job"`
	Error       string          `json:"error"`
	Worker      string          `json:"worker"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Queue manages the Redis job lists
type Queue struct {
	client *redis.Client
}

// New creates a new queue connection
func New(ctx context.Context) (*Queue, error) {
	addr := config.QueueAddr()
	slog.Debug("Connecting to Redis queue", "addr", addr)

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "",
		DB:       0,
	})

	// Test the connection
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Redis queue initialized", "addr", addr)
	return &Queue{client: client}, nil
}

// NewWithClient creates a queue with an existing Redis client (for testing)
func NewWithClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Client exposes the underlying Redis client so the ledger can share the
// same connection pool.
func (q *Queue) Client() *redis.Client {
	return q.client
}

// retryPolicy matches the blob-store transient-error policy: capped
// exponential backoff, 1s initial, 30s cap, 5 attempts total.
func retryPolicy(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(policy, 4), ctx)
}

// Push appends a JSON-encoded payload to a named queue. Transient queue
// failures are retried with backoff: a dropped push during fan-out would
// strand the batch short of its seeded total.
func (q *Queue) Push(ctx context.Context, queueName string, payload any) error {
	if q.client == nil {
		return fmt.Errorf("queue is not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = backoff.Retry(func() error {
		return q.client.LPush(ctx, queueName, data).Err()
	}, retryPolicy(ctx))
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	return nil
}

// pop blocks up to timeout for the next raw payload on queueName.
// Returns nil on timeout.
func (q *Queue) pop(ctx context.Context, queueName string, timeout time.Duration) ([]byte, error) {
	if q.client == nil {
		return nil, fmt.Errorf("queue is not connected")
	}

	result, err := q.client.BRPop(ctx, timeout, queueName).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	// BRPOP returns [key, value]
	if len(result) < 2 {
		return nil, fmt.Errorf("invalid BRPOP result: %v", result)
	}

	return []byte(result[1]), nil
}

// PopUnpack removes and returns the next unpack job, blocking up to
// BlockTimeout. A nil job means timeout.
func (q *Queue) PopUnpack(ctx context.Context) (*UnpackJob, error) {
	raw, err := q.pop(ctx, UnpackQueue, BlockTimeout)
	if err != nil || raw == nil {
		return nil, err
	}

	var job UnpackJob
	if err := json.Unmarshal(raw, &job); err != nil {
		// Poison payload: park it for investigation and keep consuming
		slog.Error("Invalid JSON in unpack queue", "error", err)
		q.FailRaw(ctx, raw, "invalid-json:"+err.Error(), "unpack")
		return nil, nil
	}

	slog.Info("Unpack job dequeued", "batch_id", job.BatchID, "s3_key", job.S3Key)
	return &job, nil
}

// PopTranscribe removes and returns the next transcribe job, blocking up
// to timeout. A nil job means timeout.
func (q *Queue) PopTranscribe(ctx context.Context, timeout time.Duration) (*TranscribeJob, error) {
	raw, err := q.pop(ctx, TranscribeQueue, timeout)
	if err != nil || raw == nil {
		return nil, err
	}

	var job TranscribeJob
	if err := json.Unmarshal(raw, &job); err != nil {
		slog.Error("Invalid JSON in transcribe queue", "error", err)
		q.FailRaw(ctx, raw, "invalid-json:"+err.Error(), "gpu")
		return nil, nil
	}

	if job.BatchID == "" || job.OpusPath == "" {
		slog.Error("Transcribe job missing batch_id or opus_path")
		q.FailRaw(ctx, raw, "invalid-job:missing batch_id or opus_path", "gpu")
		return nil, nil
	}

	return &job, nil
}

// Fail pushes the original job to the failed queue tagged with the error
// and the worker that gave up on it.
func (q *Queue) Fail(ctx context.Context, originalJob any, errTag, worker string) error {
	raw, err := json.Marshal(originalJob)
	if err != nil {
		return fmt.Errorf("failed to marshal original job: %w", err)
	}
	return q.FailRaw(ctx, raw, errTag, worker)
}

// FailRaw is Fail for payloads that never parsed in the first place.
func (q *Queue) FailRaw(ctx context.Context, originalJob json.RawMessage, errTag, worker string) error {
	entry := FailedJob{
		OriginalJob: originalJob,
		Error:       errTag,
		Worker:      worker,
		Timestamp:   time.Now().UTC(),
	}

	if err := q.Push(ctx, FailedQueue, entry); err != nil {
		return fmt.Errorf("failed to add job to failed queue: %w", err)
	}

	slog.Warn("Job failed", "worker", worker, "error", errTag)
	return nil
}

// Length returns the number of jobs in a named queue.
func (q *Queue) Length(ctx context.Context, queueName string) (int64, error) {
	if q.client == nil {
		return 0, fmt.Errorf("queue is not connected")
	}

	length, err := q.client.LLen(ctx, queueName).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}

	return length, nil
}

// PeekFailed returns up to limit entries from the failed queue without
// removing them. Operator use only.
func (q *Queue) PeekFailed(ctx context.Context, limit int64) ([]FailedJob, error) {
	if q.client == nil {
		return nil, fmt.Errorf("queue is not connected")
	}

	raws, err := q.client.LRange(ctx, FailedQueue, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read failed queue: %w", err)
	}

	entries := make([]FailedJob, 0, len(raws))
	for _, raw := range raws {
		var entry FailedJob
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

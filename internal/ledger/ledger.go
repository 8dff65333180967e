package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// ErrNotSeeded is returned when a batch has no ledger keys. A GPU worker
// seeing this on dequeue holds an orphan job: it must not increment a
// counter that does not exist and must skip finalisation.
var ErrNotSeeded = errors.New("batch ledger not seeded")

// Ledger tracks per-batch completion with three Redis keys:
//
//	batch:{id}:total      clip count, set once by the unpack worker
//	batch:{id}:processed  monotonically incremented by GPU workers
//	batch:{id}:s3_key     source archive key, for diagnostics
//
// Completion detection rides on the atomicity of INCR: exactly one worker
// observes processed reach total.
type Ledger struct {
	client *redis.Client
}

// New creates a ledger over an existing Redis client, typically the one
// the queue already holds.
func New(client *redis.Client) *Ledger {
	return &Ledger{client: client}
}

func totalKey(batchID string) string     { return fmt.Sprintf("batch:%s:total", batchID) }
func processedKey(batchID string) string { return fmt.Sprintf("batch:%s:processed", batchID) }
func s3KeyKey(batchID string) string     { return fmt.Sprintf("batch:%s:s3_key", batchID) }

// retryPolicy matches the blob-store transient-error policy: capped
// exponential backoff, 1s initial, 30s cap, 5 attempts total.
func retryPolicy(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(policy, 4), ctx)
}

// incrScript bumps the processed counter only if the total key still
// exists. Atomic, so a concurrent finaliser's DEL cannot slip between the
// existence check and the INCR and leave a stray counter behind.
var incrScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
return redis.call("INCR", KEYS[2])
`)

// Seed writes the three ledger keys for a new batch. Key order matters:
// total before processed before s3_key, and the caller must not enqueue
// any transcribe job until Seed returns, so consumers always find the
// counters present. SET is idempotent, so transient failures retry the
// whole sequence.
func (l *Ledger) Seed(ctx context.Context, batchID string, total int, s3Key string) error {
	err := backoff.Retry(func() error {
		if err := l.client.Set(ctx, totalKey(batchID), total, 0).Err(); err != nil {
			return fmt.Errorf("failed to set batch total: %w", err)
		}
		if err := l.client.Set(ctx, processedKey(batchID), 0, 0).Err(); err != nil {
			return fmt.Errorf("failed to set batch processed: %w", err)
		}
		if err := l.client.Set(ctx, s3KeyKey(batchID), s3Key, 0).Err(); err != nil {
			return fmt.Errorf("failed to set batch s3_key: %w", err)
		}
		return nil
	}, retryPolicy(ctx))
	if err != nil {
		return err
	}

	slog.Info("Batch ledger seeded", "batch_id", batchID, "total", total)
	return nil
}

// IncrementProcessed atomically bumps the processed counter and returns
// the new value. Returns ErrNotSeeded if the batch has no total key, in
// which case the counter is not touched.
func (l *Ledger) IncrementProcessed(ctx context.Context, batchID string) (int64, error) {
	processed, err := incrScript.Run(ctx, l.client,
		[]string{totalKey(batchID), processedKey(batchID)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment batch counter: %w", err)
	}
	if processed < 0 {
		return 0, ErrNotSeeded
	}
	return processed, nil
}

// Total returns the clip count seeded by the unpack worker.
func (l *Ledger) Total(ctx context.Context, batchID string) (int64, error) {
	raw, err := l.client.Get(ctx, totalKey(batchID)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, ErrNotSeeded
		}
		return 0, fmt.Errorf("failed to get batch total: %w", err)
	}

	total, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid batch total %q: %w", raw, err)
	}
	return total, nil
}

// SourceKey returns the archive key recorded at seed time.
func (l *Ledger) SourceKey(ctx context.Context, batchID string) (string, error) {
	key, err := l.client.Get(ctx, s3KeyKey(batchID)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrNotSeeded
		}
		return "", fmt.Errorf("failed to get batch s3_key: %w", err)
	}
	return key, nil
}

// Delete removes all three ledger keys. Idempotent: deleting an
// already-finalised batch is a no-op, so transient failures retry.
func (l *Ledger) Delete(ctx context.Context, batchID string) error {
	err := backoff.Retry(func() error {
		return l.client.Del(ctx, totalKey(batchID), processedKey(batchID), s3KeyKey(batchID)).Err()
	}, retryPolicy(ctx))
	if err != nil {
		return fmt.Errorf("failed to delete batch ledger: %w", err)
	}

	slog.Info("Batch ledger deleted", "batch_id", batchID)
	return nil
}

// BatchProgress is an operator-facing snapshot of one batch's counters.
type BatchProgress struct {
	BatchID   string `json:"batch_id"`
	Total     int64  `json:"total"`
	Processed int64  `json:"processed"`
	SourceKey string `json:"s3_key"`
}

// List scans for live batch ledgers. KEYS is operator-only; never called
// on the worker hot path.
func (l *Ledger) List(ctx context.Context) ([]BatchProgress, error) {
	keys, err := l.client.Keys(ctx, "batch:*:total").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list batch keys: %w", err)
	}

	var batches []BatchProgress
	for _, key := range keys {
		batchID := key[len("batch:") : len(key)-len(":total")]

		total, err := l.Total(ctx, batchID)
		if err != nil {
			continue
		}
		processed, _ := l.client.Get(ctx, processedKey(batchID)).Int64()
		sourceKey, _ := l.client.Get(ctx, s3KeyKey(batchID)).Result()

		batches = append(batches, BatchProgress{
			BatchID:   batchID,
			Total:     total,
			Processed: processed,
			SourceKey: sourceKey,
		})
	}
	return batches, nil
}
